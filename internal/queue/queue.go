// Package queue implements the in-memory delivery queue: three tiers
// (priority, retry, normal) with strict tier precedence, FIFO within a tier,
// and linear backoff on failed dispatches.
//
// The queue is a scheduling structure only. It is not durable; the
// notification store remains the source of truth for what must be sent.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"psinotify/pkg/logx"
)

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Message is one queued outbound text. The queue owns the message while it
// is enqueued; ownership transfers to the caller on dequeue.
type Message struct {
	ID           int64
	To           string
	Body         string
	Priority     Priority
	Attempts     int
	CreatedAt    time.Time
	ScheduledFor time.Time

	// NotificationID back-references the source record (0 when the message
	// was enqueued directly through the API).
	NotificationID int64
}

// Disposition is the queue's verdict after an outcome report.
type Disposition int

const (
	// Done: delivered; the message left the queue.
	Done Disposition = iota
	// Retry: failed but rescheduled into the retry tier.
	Retry
	// Failed: retry budget exhausted; the message left the queue for good.
	Failed
)

type Config struct {
	// MaxAttempts bounds dispatch attempts per message: attempts start at 0
	// and a message is dispatched at most MaxAttempts times before failing
	// terminally.
	MaxAttempts int
	// BackoffUnit is the linear retry spacing: next = now + attempts*unit.
	// Deliberately linear, not exponential: retry spacing stays predictable
	// for time-sensitive reminders.
	BackoffUnit time.Duration
	// MaxDepth bounds total queued messages across all tiers. Enqueue
	// rejects with ErrQueueFull at capacity.
	MaxDepth int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = 30 * time.Second
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 1000
	}
	return c
}

var ErrQueueFull = errors.New("queue: at capacity")

type Stats struct {
	Total         int  `json:"total"`
	PriorityCount int  `json:"priority"`
	RetryCount    int  `json:"retry"`
	NormalCount   int  `json:"normal"`
	Dispatching   bool `json:"dispatching"`
}

type Queue struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	priority []*Message
	retry    []*Message
	normal   []*Message

	seq int64

	// dispatching is the single-flight token: at most one dispatch runs
	// against the transport at any time.
	dispatching atomic.Bool

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// Enqueue inserts the message into the tier matching its priority and
// assigns it an id. ScheduledFor may be in the past or future; eligibility
// is checked at dequeue time.
func (q *Queue) Enqueue(m *Message) error {
	if m == nil {
		return errors.New("queue: nil message")
	}
	now := q.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.ScheduledFor.IsZero() {
		m.ScheduledFor = now
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sizeLocked() >= q.cfg.MaxDepth {
		return ErrQueueFull
	}
	q.seq++
	m.ID = q.seq

	switch m.Priority {
	case PriorityUrgent, PriorityHigh:
		q.priority = append(q.priority, m)
	default:
		m.Priority = PriorityNormal
		q.normal = append(q.normal, m)
	}
	return nil
}

// DequeueNext returns the next eligible message, or nil when nothing is due.
// Tier precedence is strict: priority, then retry, then normal. Within a
// tier the oldest eligible message wins.
func (q *Queue) DequeueNext() *Message {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, tier := range []*[]*Message{&q.priority, &q.retry, &q.normal} {
		if m := takeEligible(tier, now); m != nil {
			return m
		}
	}
	return nil
}

// ReportOutcome records the result of a dispatch attempt for a message
// previously returned by DequeueNext.
//
// On failure with budget remaining, attempts is incremented, ScheduledFor is
// pushed to now + attempts*BackoffUnit and the message re-enters the retry
// tier. On success, or once attempts reach MaxAttempts, the message is gone
// from the queue for good; the Failed disposition tells the caller to
// persist the terminal failure.
func (q *Queue) ReportOutcome(m *Message, success bool) Disposition {
	if m == nil {
		return Done
	}
	if success {
		return Done
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m.Attempts++
	if m.Attempts >= q.cfg.MaxAttempts {
		q.log.Warn("message failed terminally",
			logx.Int64("msg_id", m.ID),
			logx.Int("attempts", m.Attempts),
			logx.Int64("notification_id", m.NotificationID))
		return Failed
	}

	m.ScheduledFor = q.now().Add(time.Duration(m.Attempts) * q.cfg.BackoffUnit)
	q.retry = append(q.retry, m)
	q.log.Debug("message scheduled for retry",
		logx.Int64("msg_id", m.ID),
		logx.Int("attempts", m.Attempts),
		logx.Time("next", m.ScheduledFor))
	return Retry
}

// TryBeginDispatch acquires the single-flight dispatch token. Callers must
// pair a successful acquire with EndDispatch.
func (q *Queue) TryBeginDispatch() bool { return q.dispatching.CompareAndSwap(false, true) }

func (q *Queue) EndDispatch() { q.dispatching.Store(false) }

// Depth reports the total number of queued messages across all tiers.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Total:         q.sizeLocked(),
		PriorityCount: len(q.priority),
		RetryCount:    len(q.retry),
		NormalCount:   len(q.normal),
		Dispatching:   q.dispatching.Load(),
	}
}

func (q *Queue) sizeLocked() int {
	return len(q.priority) + len(q.retry) + len(q.normal)
}

func takeEligible(tier *[]*Message, now time.Time) *Message {
	for i, m := range *tier {
		if !m.ScheduledFor.After(now) {
			*tier = append((*tier)[:i], (*tier)[i+1:]...)
			return m
		}
	}
	return nil
}
