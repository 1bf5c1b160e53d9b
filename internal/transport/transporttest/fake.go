// Package transporttest provides a scriptable in-memory transport.Adapter
// for engine and supervisor tests.
package transporttest

import (
	"context"
	"sync"

	"psinotify/internal/transport"
)

// Fake implements transport.Adapter with scripted behavior.
//
// SendResults is consumed one error per SendText call; when exhausted, sends
// succeed. ConnectErrs works the same way for Connect.
type Fake struct {
	mu sync.Mutex

	out chan<- transport.Event

	state transport.State

	SendResults  []error
	ConnectErrs  []error
	Unregistered map[string]bool

	SentTo     []string
	SentBodies []string
	Connects   int
	Destroys   int
}

func New() *Fake {
	return &Fake{state: transport.StateDisconnected, Unregistered: map[string]bool{}}
}

func (f *Fake) Start(_ context.Context, out chan<- transport.Event) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	f.Connects++
	var err error
	if len(f.ConnectErrs) > 0 {
		err = f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
	}
	if err == nil {
		f.state = transport.StateConnected
	}
	f.mu.Unlock()
	return err
}

func (f *Fake) Destroy(context.Context) error {
	f.mu.Lock()
	f.Destroys++
	f.state = transport.StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *Fake) SendText(_ context.Context, address, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SentTo = append(f.SentTo, address)
	f.SentBodies = append(f.SentBodies, body)
	if len(f.SendResults) > 0 {
		err := f.SendResults[0]
		f.SendResults = f.SendResults[1:]
		return err
	}
	return nil
}

func (f *Fake) IsRegistered(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unregistered[address], nil
}

func (f *Fake) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetState overrides the reported connection state (for health-check tests).
func (f *Fake) SetState(s transport.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Emit pushes an event to the installed sink, blocking until consumed.
func (f *Fake) Emit(ev transport.Event) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out != nil {
		out <- ev
	}
}

// SentCount returns how many SendText calls were made.
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.SentTo)
}

func (f *Fake) ConnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connects
}

func (f *Fake) DestroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Destroys
}

// Sent returns a copy of the addresses and bodies sent so far.
func (f *Fake) Sent() (to []string, bodies []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.SentTo...), append([]string(nil), f.SentBodies...)
}
