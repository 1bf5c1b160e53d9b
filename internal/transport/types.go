// Package transport defines the boundary to the external one-device
// messaging capability. The pairing handshake and wire protocol live in the
// external gateway; this engine only consumes send/registered calls and a
// stream of connection/message events.
package transport

import (
	"context"
	"errors"
	"time"
)

// State is the engine's view of the transport connection.
type State int

const (
	StateDisconnected State = iota
	StatePairing
	StateConnected
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StatePairing:
		return "pairing"
	case StateConnected:
		return "connected"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventMessage      EventKind = "message"
	EventAck          EventKind = "ack"
	EventDisconnected EventKind = "disconnected"
	EventAuthFailure  EventKind = "auth_failure"
)

// DeviceInfo describes the paired device, reported on ready.
type DeviceInfo struct {
	Address     string `json:"address"`
	Platform    string `json:"platform"`
	PushName    string `json:"push_name"`
	WAVersion   string `json:"wa_version"`
	Description string `json:"description"`
}

// IncomingMessage is a message received from a remote party.
type IncomingMessage struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// Ack reports a delivery acknowledgment level for a previously sent message.
// Levels follow the transport: 1 = server, 2 = device, 3 = read.
type Ack struct {
	MessageID string `json:"message_id"`
	Level     int    `json:"level"`
}

// Event is one item on the transport's event stream.
// Exactly one payload field is set, matching Kind.
type Event struct {
	Kind    EventKind
	Time    time.Time
	QR      string
	Device  *DeviceInfo
	Message *IncomingMessage
	Ack     *Ack
	Reason  string // disconnected / auth_failure detail
}

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrSendFailed   = errors.New("transport: send failed")
)

// Adapter wraps the external messaging capability.
//
// Concurrency contract: only the reconnection supervisor calls Connect and
// Destroy; only the delivery engine calls SendText. Events are pushed into
// the channel given to Start and must never be delivered after Destroy
// returns.
type Adapter interface {
	// Start installs the event sink. It must be called once before Connect.
	Start(ctx context.Context, out chan<- Event) error
	Connect(ctx context.Context) error
	Destroy(ctx context.Context) error

	SendText(ctx context.Context, address, body string) error
	IsRegistered(ctx context.Context, address string) (bool, error)
	State() State
}
