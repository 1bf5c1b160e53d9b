// Package engine drives outbound delivery: it pulls due notifications from
// the durable source, dispatches them one at a time against the transport,
// and fans each outcome out to the queue, the metrics collector, and the
// outbound log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"psinotify/internal/eventbus"
	"psinotify/internal/queue"
	"psinotify/internal/session"
	"psinotify/internal/source"
	"psinotify/internal/transport"
	"psinotify/pkg/logx"
	"psinotify/pkg/phonenum"
)

type Config struct {
	// DispatchTick is the fixed period of the dispatch loop. Each tick
	// dispatches at most one message.
	DispatchTick time.Duration // default 1s
	SendTimeout  time.Duration // default 30s
	RatePerMin   int           // outbound cap, default 20
	PullSpec     string        // cron spec for pulling due notifications
	PullLimit    int           // default 50
	BackupSpec   string        // cron spec for session backups
}

func (c Config) withDefaults() Config {
	if c.DispatchTick <= 0 {
		c.DispatchTick = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RatePerMin <= 0 {
		c.RatePerMin = 20
	}
	if c.PullSpec == "" {
		c.PullSpec = "@every 30s"
	}
	if c.PullLimit <= 0 {
		c.PullLimit = 50
	}
	if c.BackupSpec == "" {
		c.BackupSpec = "@every 5m"
	}
	return c
}

// Backend is the durable side of the engine: the notification store plus the
// outbound history log. *sqlite.Store satisfies it.
type Backend interface {
	source.Source
	source.OutcomeLog
	Insert(ctx context.Context, n source.Notification) (int64, error)
}

// Recorder observes per-dispatch outcomes (the metrics collector).
type Recorder interface {
	Record(success bool, responseTime time.Duration)
}

type Engine struct {
	cfg     Config
	adapter transport.Adapter
	bus     eventbus.Bus
	queue   *queue.Queue
	backend Backend
	metrics Recorder
	session *session.Store
	alert   func(msg string)
	log     logx.Logger

	cron      *cron.Cron
	limiter   *rate.Limiter
	startJobs sync.Once

	events   chan transport.Event
	attached atomic.Bool

	mu       sync.Mutex
	device   *transport.DeviceInfo
	sessInfo session.Info

	satWarned bool
}

func New(cfg Config, adapter transport.Adapter, bus eventbus.Bus, q *queue.Queue, backend Backend, metrics Recorder, sess *session.Store, alert func(msg string), log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if alert == nil {
		alert = func(string) {}
	}
	return &Engine{
		cfg:     cfg,
		adapter: adapter,
		bus:     bus,
		queue:   q,
		backend: backend,
		metrics: metrics,
		session: sess,
		alert:   alert,
		log:     log,
		cron:    cron.New(),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), 1),
		events:  make(chan transport.Event, 64),
	}
}

// Attach installs the engine's event sink on the adapter. The adapter
// contract requires this before the first Connect, so the caller must run it
// before starting the reconnection supervisor; events arriving before Run
// sit in the sink's buffer.
func (e *Engine) Attach(ctx context.Context) error {
	if !e.attached.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.adapter.Start(ctx, e.events); err != nil {
		e.attached.Store(false)
		return fmt.Errorf("engine: start transport: %w", err)
	}
	return nil
}

// Device returns the paired device info from the last ready event, or nil.
func (e *Engine) Device() *transport.DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// Run pumps transport events onto the bus and drives the dispatch loop. It
// blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Attach(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.pump(ctx, e.events)
	}()

	e.dispatchLoop(ctx)

	e.cron.Stop()
	wg.Wait()
	return nil
}

// pump translates raw transport events into bus events and handles the
// engine-side reactions (session capture, ack recording).
func (e *Engine) pump(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventQR:
		e.log.Info("pairing code received; scan to link device")
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportQR, Time: ev.Time, Data: ev.QR})

	case transport.EventReady:
		e.onReady(ctx, ev.Device)
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportReady, Time: ev.Time, Data: ev.Device})

	case transport.EventDisconnected:
		e.log.Warn("transport disconnected", logx.String("reason", ev.Reason))
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportDisconnected, Time: ev.Time, Data: ev.Reason})

	case transport.EventAuthFailure:
		e.log.Error("transport auth failure", logx.String("reason", ev.Reason))
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportAuthFailure, Time: ev.Time, Data: ev.Reason})

	case transport.EventAck:
		if ev.Ack != nil {
			if err := e.backend.RecordAck(ctx, ev.Ack.MessageID, ev.Ack.Level); err != nil {
				e.log.Warn("ack not recorded", logx.Err(err), logx.String("message_id", ev.Ack.MessageID))
			}
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportAck, Time: ev.Time, Data: ev.Ack})
		}

	case transport.EventMessage:
		// Inbound traffic is logged only; this engine does not reply.
		if ev.Message != nil {
			e.log.Info("incoming message",
				logx.String("from", ev.Message.From),
				logx.Int("len", len(ev.Message.Body)))
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportMessage, Time: ev.Time, Data: ev.Message})
		}
	}
}

func (e *Engine) onReady(ctx context.Context, dev *transport.DeviceInfo) {
	var info session.Info
	if dev != nil {
		info = session.Info{
			Address:     dev.Address,
			Device:      dev.Platform,
			ConnectedAt: time.Now(),
		}
	}
	e.mu.Lock()
	e.device = dev
	if dev != nil {
		e.sessInfo = info
	}
	e.mu.Unlock()

	if dev != nil {
		e.log.Info("transport ready",
			logx.String("address", dev.Address),
			logx.String("platform", dev.Platform))
		if err := e.session.Save(info); err != nil {
			e.log.Warn("session save failed", logx.Err(err))
		}
	}

	e.startJobs.Do(func() {
		if _, err := e.cron.AddFunc(e.cfg.PullSpec, func() { e.pull(ctx) }); err != nil {
			e.log.Error("pull job not scheduled", logx.Err(err), logx.String("spec", e.cfg.PullSpec))
		}
		if _, err := e.cron.AddFunc(e.cfg.BackupSpec, func() { e.backupSession() }); err != nil {
			e.log.Error("backup job not scheduled", logx.Err(err), logx.String("spec", e.cfg.BackupSpec))
		}
		e.cron.Start()
		go e.pull(ctx)
	})
}

func (e *Engine) backupSession() {
	e.mu.Lock()
	info := e.sessInfo
	e.mu.Unlock()
	if info.Address == "" {
		return
	}
	if err := e.session.Save(info); err != nil {
		e.log.Warn("session backup failed", logx.Err(err))
	}
}

// pull moves due notifications from the store into the queue. Records that
// don't fit (queue at capacity) are reverted to pending so a later pull
// picks them up again.
func (e *Engine) pull(ctx context.Context) {
	if e.adapter.State() != transport.StateConnected {
		return
	}
	due, err := e.backend.FetchDue(ctx, e.cfg.PullLimit)
	if err != nil {
		e.log.Error("fetch due notifications failed", logx.Err(err))
		return
	}
	for _, n := range due {
		err := e.queue.Enqueue(&queue.Message{
			NotificationID: n.ID,
			To:             n.To,
			Body:           n.Body,
			Priority:       source.PriorityFor(n.Type),
		})
		if err == nil {
			e.noteSaturation(false)
			continue
		}
		if errors.Is(err, queue.ErrQueueFull) {
			e.noteSaturation(true)
			if mErr := e.backend.MarkStatus(ctx, n.ID, source.StatusPending); mErr != nil {
				e.log.Error("revert to pending failed", logx.Err(mErr), logx.Int64("id", n.ID))
			}
			return
		}
		e.log.Error("enqueue failed", logx.Err(err), logx.Int64("id", n.ID))
	}
}

func (e *Engine) noteSaturation(full bool) {
	e.mu.Lock()
	warn := full && !e.satWarned
	e.satWarned = full
	e.mu.Unlock()
	if warn {
		e.log.Warn("delivery queue at capacity; deferring pulls")
		e.alert("delivery queue is full; new notifications are being deferred")
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	t := time.NewTicker(e.cfg.DispatchTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.dispatchOne(ctx)
		}
	}
}

// dispatchOne sends at most one message. The single-flight token guarantees
// one in-flight send even if ticks overlap a slow transport call.
func (e *Engine) dispatchOne(ctx context.Context) {
	if e.adapter.State() != transport.StateConnected {
		return
	}
	if !e.queue.TryBeginDispatch() {
		return
	}
	defer e.queue.EndDispatch()

	msg := e.queue.DequeueNext()
	if msg == nil {
		return
	}

	start := time.Now()
	err := e.deliver(ctx, msg)
	e.finish(ctx, msg, err, time.Since(start))
}

func (e *Engine) deliver(ctx context.Context, msg *queue.Message) error {
	addr, err := phonenum.Normalize(msg.To)
	if err != nil {
		return fmt.Errorf("address %q: %w", msg.To, err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	ok, err := e.adapter.IsRegistered(checkCtx, addr)
	cancel()
	if err != nil {
		return fmt.Errorf("registered check: %w", err)
	}
	if !ok {
		return fmt.Errorf("address %s not registered on transport", addr)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	if err := e.adapter.SendText(sendCtx, addr, msg.Body); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// finish fans one outcome out to metrics, the queue's retry ladder, the
// source status, and the outbound log.
func (e *Engine) finish(ctx context.Context, msg *queue.Message, sendErr error, rt time.Duration) {
	success := sendErr == nil
	e.metrics.Record(success, rt)

	disp := e.queue.ReportOutcome(msg, success)

	out := source.Outcome{
		MessageID:      msg.ID,
		NotificationID: msg.NotificationID,
		To:             msg.To,
		Success:        success,
		ResponseTime:   rt,
		At:             time.Now(),
	}
	if sendErr != nil {
		out.Error = sendErr.Error()
	}
	if err := e.backend.RecordOutcome(ctx, out); err != nil {
		e.log.Warn("outcome not recorded", logx.Err(err))
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryOutcome, Data: &out})

	switch disp {
	case queue.Done:
		e.markSource(ctx, msg, source.StatusSent)
		e.log.Info("delivered",
			logx.Int64("message_id", msg.ID),
			logx.Duration("took", rt))
	case queue.Retry:
		e.log.Warn("delivery failed; will retry",
			logx.Int64("message_id", msg.ID),
			logx.Int("attempts", msg.Attempts),
			logx.Err(sendErr))
	case queue.Failed:
		e.markSource(ctx, msg, source.StatusFailed)
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryTerminal, Data: &out})
		e.log.Error("delivery failed permanently",
			logx.Int64("message_id", msg.ID),
			logx.Int("attempts", msg.Attempts),
			logx.Err(sendErr))
	}
}

func (e *Engine) markSource(ctx context.Context, msg *queue.Message, st source.Status) {
	if msg.NotificationID == 0 {
		return
	}
	if err := e.backend.MarkStatus(ctx, msg.NotificationID, st); err != nil {
		e.log.Warn("source status not updated",
			logx.Err(err),
			logx.Int64("notification_id", msg.NotificationID),
			logx.String("status", string(st)))
	}
}

// Enqueue validates and queues an ad-hoc outbound text (API path, bypasses
// the notification store).
func (e *Engine) Enqueue(to, body string, prio queue.Priority) error {
	if _, err := phonenum.Normalize(to); err != nil {
		return err
	}
	if prio == "" {
		prio = queue.PriorityNormal
	}
	return e.queue.Enqueue(&queue.Message{To: to, Body: body, Priority: prio})
}

// Schedule stores a notification for future delivery; the pull job picks it
// up once due.
func (e *Engine) Schedule(ctx context.Context, to, body, typ string, at time.Time) (int64, error) {
	if _, err := phonenum.Normalize(to); err != nil {
		return 0, err
	}
	return e.backend.Insert(ctx, source.Notification{
		To:           to,
		Body:         body,
		Type:         typ,
		ScheduledFor: at,
	})
}
