package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"psinotify/internal/eventbus"
	"psinotify/internal/queue"
	"psinotify/internal/session"
	"psinotify/internal/source"
	"psinotify/internal/transport"
	"psinotify/internal/transport/transporttest"
	"psinotify/pkg/logx"
)

type fakeBackend struct {
	mu       sync.Mutex
	due      []source.Notification
	statuses map[int64]source.Status
	outcomes []source.Outcome
	acks     map[string]int
	inserted []source.Notification
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{statuses: map[int64]source.Status{}, acks: map[string]int{}}
}

func (b *fakeBackend) FetchDue(context.Context, int) ([]source.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	due := b.due
	b.due = nil
	for _, n := range due {
		b.statuses[n.ID] = source.StatusInFlight
	}
	return due, nil
}

func (b *fakeBackend) MarkStatus(_ context.Context, id int64, st source.Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[id] = st
	return nil
}

func (b *fakeBackend) Insert(_ context.Context, n source.Notification) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n.ID = int64(len(b.inserted) + 1)
	b.inserted = append(b.inserted, n)
	return n.ID, nil
}

func (b *fakeBackend) RecordOutcome(_ context.Context, o source.Outcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, o)
	return nil
}

func (b *fakeBackend) RecordAck(_ context.Context, id string, level int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[id] = level
	return nil
}

func (b *fakeBackend) status(id int64) source.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statuses[id]
}

func (b *fakeBackend) outcomeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outcomes)
}

type fakeRecorder struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (r *fakeRecorder) Record(success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.successes++
	} else {
		r.failures++
	}
}

type harness struct {
	eng     *Engine
	fake    *transporttest.Fake
	backend *fakeBackend
	rec     *fakeRecorder
	q       *queue.Queue
	alerts  *[]string
}

func newHarness(t *testing.T, qcfg queue.Config) *harness {
	t.Helper()
	fake := transporttest.New()
	fake.SetState(transport.StateConnected)
	backend := newFakeBackend()
	rec := &fakeRecorder{}
	q := queue.New(qcfg, logx.Nop())
	sess, err := session.NewStore(t.TempDir(), "test", logx.Nop())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	var alerts []string
	eng := New(Config{RatePerMin: 100000}, fake, eventbus.New(), q, backend, rec, sess,
		func(msg string) { alerts = append(alerts, msg) }, logx.Nop())
	return &harness{eng: eng, fake: fake, backend: backend, rec: rec, q: q, alerts: &alerts}
}

func TestDispatchDeliversAndMarksSent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{})

	if err := h.q.Enqueue(&queue.Message{
		To: "5511987654321", Body: "lembrete de consulta", Priority: queue.PriorityHigh,
		NotificationID: 7,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	h.eng.dispatchOne(context.Background())

	if got := h.fake.SentCount(); got != 1 {
		t.Fatalf("sent %d messages, want 1", got)
	}
	if st := h.backend.status(7); st != source.StatusSent {
		t.Fatalf("notification status = %q, want sent", st)
	}
	if h.rec.successes != 1 || h.rec.failures != 0 {
		t.Fatalf("metrics = %d ok / %d fail, want 1/0", h.rec.successes, h.rec.failures)
	}
	if h.backend.outcomeCount() != 1 {
		t.Fatal("outcome should be logged")
	}
}

func TestDispatchNormalizesAddress(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{})

	if err := h.q.Enqueue(&queue.Message{To: "(11) 8765-4321", Body: "oi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.eng.dispatchOne(context.Background())

	to, _ := h.fake.Sent()
	if len(to) != 1 || to[0] != "5511987654321" {
		t.Fatalf("sent to %v, want [5511987654321]", to)
	}
}

func TestDispatchSkipsWhenDisconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{})
	h.fake.SetState(transport.StateDisconnected)

	if err := h.q.Enqueue(&queue.Message{To: "5511987654321", Body: "x"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.eng.dispatchOne(context.Background())

	if h.fake.SentCount() != 0 {
		t.Fatal("must not send while disconnected")
	}
	if h.q.Depth() != 1 {
		t.Fatal("message should stay queued")
	}
}

func TestUnregisteredAddressRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{MaxAttempts: 3, BackoffUnit: time.Millisecond})
	h.fake.Unregistered["5511987654321"] = true

	if err := h.q.Enqueue(&queue.Message{To: "5511987654321", Body: "x"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.eng.dispatchOne(context.Background())

	if h.fake.SentCount() != 0 {
		t.Fatal("unregistered address must not be sent to")
	}
	if st := h.q.Stats(); st.RetryCount != 1 {
		t.Fatalf("retry tier = %d, want 1", st.RetryCount)
	}
	if h.rec.failures != 1 {
		t.Fatalf("failures = %d, want 1", h.rec.failures)
	}
}

func TestTerminalFailureMarksFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{MaxAttempts: 1})
	h.fake.SendResults = []error{errors.New("device timeout")}

	if err := h.q.Enqueue(&queue.Message{
		To: "5511987654321", Body: "x", NotificationID: 3,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.eng.dispatchOne(context.Background())

	if st := h.backend.status(3); st != source.StatusFailed {
		t.Fatalf("notification status = %q, want failed", st)
	}
	if h.q.Depth() != 0 {
		t.Fatal("terminal message must leave the queue")
	}
}

func TestPullMovesDueIntoQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{})
	h.backend.due = []source.Notification{
		{ID: 1, To: "5511987654321", Body: "confirme", Type: "confirmation"},
		{ID: 2, To: "5511987654322", Body: "fatura", Type: "payment"},
		{ID: 3, To: "5511987654323", Body: "aviso", Type: "other"},
	}

	h.eng.pull(context.Background())

	st := h.q.Stats()
	if st.Total != 3 {
		t.Fatalf("queued %d, want 3", st.Total)
	}
	if st.PriorityCount != 2 || st.NormalCount != 1 {
		t.Fatalf("tiers = %d priority / %d normal, want 2/1", st.PriorityCount, st.NormalCount)
	}
}

func TestPullRevertsWhenQueueFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{MaxDepth: 1})
	h.backend.due = []source.Notification{
		{ID: 1, To: "5511987654321", Body: "a", Type: "reminder"},
		{ID: 2, To: "5511987654322", Body: "b", Type: "reminder"},
	}

	h.eng.pull(context.Background())

	if st := h.backend.status(2); st != source.StatusPending {
		t.Fatalf("overflow notification status = %q, want pending", st)
	}
	if len(*h.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 saturation alert", len(*h.alerts))
	}
}

func TestAckEventUpdatesLog(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{})

	h.eng.handleEvent(context.Background(), transport.Event{
		Kind: transport.EventAck,
		Ack:  &transport.Ack{MessageID: "wa-123", Level: 2},
	})

	h.backend.mu.Lock()
	level := h.backend.acks["wa-123"]
	h.backend.mu.Unlock()
	if level != 2 {
		t.Fatalf("ack level = %d, want 2", level)
	}
}

func TestReadySavesSession(t *testing.T) {
	t.Parallel()
	fake := transporttest.New()
	backend := newFakeBackend()
	q := queue.New(queue.Config{}, logx.Nop())
	dir := t.TempDir()
	sess, err := session.NewStore(dir, "clinic", logx.Nop())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	eng := New(Config{}, fake, eventbus.New(), q, backend, &fakeRecorder{}, sess, nil, logx.Nop())

	eng.handleEvent(context.Background(), transport.Event{
		Kind:   transport.EventReady,
		Device: &transport.DeviceInfo{Address: "5511987654321", Platform: "android"},
	})

	info, ok, err := sess.Load()
	if err != nil || !ok {
		t.Fatalf("session load: ok=%v err=%v", ok, err)
	}
	if info.Address != "5511987654321" {
		t.Fatalf("session address = %q", info.Address)
	}
	if dev := eng.Device(); dev == nil || dev.Platform != "android" {
		t.Fatalf("device = %+v", dev)
	}
}

// The event sink is installed by Attach before Run; a ready frame arriving
// in between must wait in the buffer, not vanish.
func TestReadyBeforeRunIsNotLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.eng.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	h.fake.Emit(transport.Event{
		Kind:   transport.EventReady,
		Device: &transport.DeviceInfo{Address: "5511987654321", Platform: "android"},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.eng.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.eng.Device() == nil {
		if time.Now().After(deadline) {
			t.Fatal("ready event emitted before Run was lost")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

func TestScheduleRejectsBadAddress(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{})

	if _, err := h.eng.Schedule(context.Background(), "123", "x", "reminder", time.Now()); err == nil {
		t.Fatal("short address must be rejected")
	}
	if _, err := h.eng.Schedule(context.Background(), "11987654321", "x", "reminder", time.Now()); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
}

func TestEnqueueValidates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.Config{})

	if err := h.eng.Enqueue("abc", "x", ""); err == nil {
		t.Fatal("bad address must be rejected")
	}
	if err := h.eng.Enqueue("5511987654321", "x", queue.PriorityUrgent); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if st := h.q.Stats(); st.PriorityCount != 1 {
		t.Fatalf("priority tier = %d, want 1", st.PriorityCount)
	}
}
