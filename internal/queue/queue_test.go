package queue

import (
	"fmt"
	"testing"
	"time"

	"psinotify/pkg/logx"
)

func newTestQueue(cfg Config) (*Queue, *time.Time) {
	q := New(cfg, logx.Nop())
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := &now
	q.now = func() time.Time { return *clock }
	return q, clock
}

func TestUrgentBeatsEarlierNormals(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{})

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(&Message{To: "5511987654321", Body: fmt.Sprintf("normal-%d", i), Priority: PriorityNormal}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := q.Enqueue(&Message{To: "5511987654321", Body: "urgent", Priority: PriorityUrgent}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var got []string
	for {
		m := q.DequeueNext()
		if m == nil {
			break
		}
		got = append(got, m.Body)
	}
	want := []string{"urgent", "normal-0", "normal-1", "normal-2"}
	if len(got) != len(want) {
		t.Fatalf("dequeued %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dequeue order %v, want %v", got, want)
		}
	}
}

func TestRetryTierBeatsNormal(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(Config{MaxAttempts: 3, BackoffUnit: time.Second})

	if err := q.Enqueue(&Message{To: "x", Body: "flaky", Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}
	m := q.DequeueNext()
	if m == nil || m.Body != "flaky" {
		t.Fatalf("unexpected dequeue: %+v", m)
	}
	if d := q.ReportOutcome(m, false); d != Retry {
		t.Fatalf("disposition = %v, want Retry", d)
	}

	if err := q.Enqueue(&Message{To: "x", Body: "fresh", Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}

	// Not due yet: only the fresh normal message is eligible... but retry
	// is ineligible, so normal is served.
	if m := q.DequeueNext(); m == nil || m.Body != "fresh" {
		t.Fatalf("expected fresh normal message, got %+v", m)
	}
	if err := q.Enqueue(&Message{To: "x", Body: "fresh2", Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}

	// Once the backoff elapses, the retry tier wins over normal.
	*clock = clock.Add(2 * time.Second)
	if m := q.DequeueNext(); m == nil || m.Body != "flaky" {
		t.Fatalf("expected retried message first, got %+v", m)
	}
	if m := q.DequeueNext(); m == nil || m.Body != "fresh2" {
		t.Fatalf("expected fresh2 next, got %+v", m)
	}
}

func TestBackoffIsLinearAndMonotonic(t *testing.T) {
	t.Parallel()
	unit := 10 * time.Second
	q, clock := newTestQueue(Config{MaxAttempts: 5, BackoffUnit: unit})

	if err := q.Enqueue(&Message{To: "x", Body: "b", Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}

	var prev time.Time
	for k := 1; k < 5; k++ {
		m := q.DequeueNext()
		if m == nil {
			t.Fatalf("attempt %d: nothing eligible", k)
		}
		if d := q.ReportOutcome(m, false); d != Retry {
			t.Fatalf("attempt %d: disposition %v", k, d)
		}
		want := clock.Add(time.Duration(k) * unit)
		if !m.ScheduledFor.Equal(want) {
			t.Fatalf("attempt %d: ScheduledFor = %v, want %v", k, m.ScheduledFor, want)
		}
		if m.ScheduledFor.Before(prev) {
			t.Fatalf("attempt %d: backoff not monotonic: %v < %v", k, m.ScheduledFor, prev)
		}
		prev = m.ScheduledFor
		*clock = m.ScheduledFor
	}
}

func TestTerminalAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(Config{MaxAttempts: 3, BackoffUnit: time.Second})

	if err := q.Enqueue(&Message{To: "x", Body: "doomed", Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}

	dispatches := 0
	for {
		m := q.DequeueNext()
		if m == nil {
			*clock = clock.Add(time.Minute)
			m = q.DequeueNext()
			if m == nil {
				break
			}
		}
		dispatches++
		if d := q.ReportOutcome(m, false); d == Failed {
			break
		}
	}
	if dispatches != 3 {
		t.Fatalf("dispatched %d times, want 3 (maxAttempts)", dispatches)
	}
	*clock = clock.Add(time.Hour)
	if m := q.DequeueNext(); m != nil {
		t.Fatalf("terminally failed message still in queue: %+v", m)
	}
	if st := q.Stats(); st.Total != 0 {
		t.Fatalf("stats.Total = %d, want 0", st.Total)
	}
}

func TestSucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(Config{MaxAttempts: 3, BackoffUnit: time.Second})
	if err := q.Enqueue(&Message{To: "x", Body: "eventually", Priority: PriorityHigh}); err != nil {
		t.Fatal(err)
	}

	dispatches := 0
	var final Disposition
	for {
		m := q.DequeueNext()
		if m == nil {
			*clock = clock.Add(time.Minute)
			continue
		}
		dispatches++
		if dispatches < 3 {
			if d := q.ReportOutcome(m, false); d != Retry {
				t.Fatalf("dispatch %d: disposition %v", dispatches, d)
			}
			continue
		}
		final = q.ReportOutcome(m, true)
		break
	}
	if dispatches != 3 {
		t.Fatalf("made %d dispatches, want 3", dispatches)
	}
	if final != Done {
		t.Fatalf("final disposition = %v, want Done", final)
	}
}

func TestFutureScheduledForNotEligible(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(Config{})
	if err := q.Enqueue(&Message{To: "x", Body: "later", Priority: PriorityNormal, ScheduledFor: clock.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if m := q.DequeueNext(); m != nil {
		t.Fatalf("future message dequeued early: %+v", m)
	}
	*clock = clock.Add(time.Hour)
	if m := q.DequeueNext(); m == nil {
		t.Fatal("message not eligible after its schedule")
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{MaxDepth: 2})
	if err := q.Enqueue(&Message{To: "x", Body: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(&Message{To: "x", Body: "2", Priority: PriorityUrgent}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(&Message{To: "x", Body: "3"}); err != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestSingleFlightToken(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{})
	if !q.TryBeginDispatch() {
		t.Fatal("first acquire failed")
	}
	if q.TryBeginDispatch() {
		t.Fatal("second acquire succeeded while in flight")
	}
	if !q.Stats().Dispatching {
		t.Fatal("stats should report dispatching")
	}
	q.EndDispatch()
	if !q.TryBeginDispatch() {
		t.Fatal("acquire after release failed")
	}
}
