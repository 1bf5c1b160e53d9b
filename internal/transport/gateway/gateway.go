// Package gateway implements transport.Adapter against the external
// one-device messaging gateway process.
//
// Commands (send, registered) go over the gateway's HTTP API; connection and
// message events arrive on a WebSocket stream. QR pairing and credential
// storage stay inside the gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"psinotify/internal/transport"
	"psinotify/pkg/logx"
)

type Config struct {
	// BaseURL is the gateway's HTTP root, e.g. "http://127.0.0.1:3700".
	BaseURL  string
	ClientID string
	Token    string // optional bearer token for the gateway API

	DialTimeout time.Duration
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}

type Adapter struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	out atomic.Value // stores (chan<- transport.Event)

	state atomic.Int32

	mu       sync.Mutex
	conn     *websocket.Conn
	loopDone chan struct{}

	// droppedEvents counts message/ack events dropped because the consumer
	// was slower than the stream. Connection-state events are never dropped.
	droppedEvents atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway: base url is empty")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("gateway: client id is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid base url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
	}
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.state.Store(int32(transport.StateDisconnected))
	return a, nil
}

func (a *Adapter) Start(_ context.Context, out chan<- transport.Event) error {
	if out == nil {
		return errors.New("gateway: nil event sink")
	}
	a.out.Store(out)
	return nil
}

func (a *Adapter) State() transport.State {
	return transport.State(a.state.Load())
}

// Connect dials the gateway event stream and asks it to (re)open the device
// session. Pairing, if required, surfaces as a qr event.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.state.Store(int32(transport.StatePairing))

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()

	wsURL, err := a.eventsURL()
	if err != nil {
		a.state.Store(int32(transport.StateDisconnected))
		return err
	}
	opts := &websocket.DialOptions{}
	if a.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + a.cfg.Token}}
	}
	conn, _, err := websocket.Dial(dialCtx, wsURL, opts)
	if err != nil {
		a.state.Store(int32(transport.StateDisconnected))
		return fmt.Errorf("gateway: dial events: %w", err)
	}
	// Outbound message bodies can be large-ish; incoming events are small,
	// but QR payloads exceed the library default.
	conn.SetReadLimit(1 << 20)

	if err := a.post(ctx, "/session/start", map[string]string{"client_id": a.cfg.ClientID}, nil); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session start failed")
		a.state.Store(int32(transport.StateDisconnected))
		return err
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.conn = conn
	a.loopDone = done
	a.mu.Unlock()

	go a.readLoop(conn, done)
	return nil
}

// Destroy tears down the session and stops event delivery.
func (a *Adapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	done := a.loopDone
	a.conn = nil
	a.loopDone = nil
	a.mu.Unlock()

	if conn == nil {
		a.state.Store(int32(transport.StateDisconnected))
		return nil
	}

	// Best-effort: ask the gateway to close the device session.
	_ = a.post(ctx, "/session/stop", map[string]string{"client_id": a.cfg.ClientID}, nil)

	_ = conn.Close(websocket.StatusNormalClosure, "engine shutdown")
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	a.state.Store(int32(transport.StateDisconnected))
	return nil
}

func (a *Adapter) SendText(ctx context.Context, address, body string) error {
	if a.State() != transport.StateConnected {
		return transport.ErrNotConnected
	}
	var resp struct {
		OK        bool   `json:"ok"`
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	}
	// The idempotency key lets the gateway deduplicate this request if the
	// HTTP exchange is replayed (connection reset after the device already
	// accepted the message).
	req := map[string]string{
		"client_id":       a.cfg.ClientID,
		"to":              address,
		"body":            body,
		"idempotency_key": uuid.NewString(),
	}
	if err := a.post(ctx, "/send", req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", transport.ErrSendFailed, resp.Error)
		}
		return transport.ErrSendFailed
	}
	return nil
}

func (a *Adapter) IsRegistered(ctx context.Context, address string) (bool, error) {
	var resp struct {
		Registered bool `json:"registered"`
	}
	q := url.Values{"client_id": {a.cfg.ClientID}, "to": {address}}
	if err := a.get(ctx, "/registered?"+q.Encode(), &resp); err != nil {
		return false, err
	}
	return resp.Registered, nil
}

// ---- event stream ----

// wireEvent is one JSON frame on the gateway event stream.
type wireEvent struct {
	Type    string                     `json:"type"`
	QR      string                     `json:"qr,omitempty"`
	Device  *transport.DeviceInfo      `json:"device,omitempty"`
	Message *transport.IncomingMessage `json:"message,omitempty"`
	Ack     *transport.Ack             `json:"ack,omitempty"`
	Reason  string                     `json:"reason,omitempty"`
}

func (a *Adapter) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Stream dead. If we were not torn down deliberately, surface a
			// disconnect so the supervisor reacts.
			a.mu.Lock()
			deliberate := a.conn != conn
			a.mu.Unlock()
			if !deliberate {
				a.state.Store(int32(transport.StateDisconnected))
				a.emit(transport.Event{Kind: transport.EventDisconnected, Reason: "event stream closed: " + err.Error()}, true)
			}
			return
		}
		var we wireEvent
		if err := json.Unmarshal(data, &we); err != nil {
			a.log.Warn("gateway sent malformed event", logx.Err(err))
			continue
		}
		a.handleWireEvent(we)
	}
}

func (a *Adapter) handleWireEvent(we wireEvent) {
	switch we.Type {
	case "qr":
		a.state.Store(int32(transport.StatePairing))
		a.emit(transport.Event{Kind: transport.EventQR, QR: we.QR}, true)
	case "ready":
		a.state.Store(int32(transport.StateConnected))
		a.emit(transport.Event{Kind: transport.EventReady, Device: we.Device}, true)
	case "message":
		a.emit(transport.Event{Kind: transport.EventMessage, Message: we.Message}, false)
	case "message_ack":
		a.emit(transport.Event{Kind: transport.EventAck, Ack: we.Ack}, false)
	case "disconnected":
		a.state.Store(int32(transport.StateDisconnected))
		a.emit(transport.Event{Kind: transport.EventDisconnected, Reason: we.Reason}, true)
	case "auth_failure":
		a.state.Store(int32(transport.StateAuthFailed))
		a.emit(transport.Event{Kind: transport.EventAuthFailure, Reason: we.Reason}, true)
	default:
		a.log.Debug("gateway sent unknown event type", logx.String("type", we.Type))
	}
}

// emit pushes an event to the sink. Connection-state events (must=true) block
// until delivered; message traffic is dropped when the consumer lags.
func (a *Adapter) emit(ev transport.Event, must bool) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Event)
	if out == nil {
		return
	}
	ev.Time = time.Now()
	if must {
		out <- ev
		return
	}
	select {
	case out <- ev:
	default:
		a.droppedEvents.Add(1)
	}
}

// DroppedEvents reports (and resets) the count of dropped message/ack events.
func (a *Adapter) DroppedEvents() uint64 { return a.droppedEvents.Swap(0) }

// ---- HTTP helpers ----

func (a *Adapter) eventsURL() (string, error) {
	u, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	u.RawQuery = url.Values{"client_id": {a.cfg.ClientID}}.Encode()
	return u.String(), nil
}

func (a *Adapter) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *Adapter) do(req *http.Request, out any) error {
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("gateway: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
