// Package metrics aggregates delivery counters on a fixed tick and pushes
// snapshots to subscribers via the event bus.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"syscall"
	"time"

	"psinotify/internal/eventbus"
	"psinotify/pkg/logx"
)

// Snapshot is a derived, replaceable view recomputed wholesale every tick.
// Accumulators are hard-reset afterwards; consumers needing a trend must
// sample every tick.
type Snapshot struct {
	MessagesPerMinute float64   `json:"messages_per_minute"`
	SuccessRate       float64   `json:"success_rate"`
	ErrorRate         float64   `json:"error_rate"`
	AvgResponseTimeMS float64   `json:"avg_response_time_ms"`
	CPUUsage          float64   `json:"cpu_usage"`
	MemoryUsageMB     float64   `json:"memory_usage_mb"`
	QueueDepth        int       `json:"queue_depth"`
	LastUpdate        time.Time `json:"last_update"`
}

type Config struct {
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	return c
}

// QueueDepther reports current queue depth for the snapshot.
type QueueDepther interface {
	Depth() int
}

type Collector struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	depth QueueDepther

	mu        sync.Mutex
	count     int
	errors    int
	latencies []time.Duration
	last      Snapshot

	prevCPU  time.Duration
	prevTick time.Time
}

func New(cfg Config, bus eventbus.Bus, depth QueueDepther, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		cfg:   cfg.withDefaults(),
		bus:   bus,
		depth: depth,
		log:   log,
		// Before the first tick the engine is idle, which is healthy, not
		// failing.
		last: Snapshot{SuccessRate: 100},
	}
}

// Record accumulates one delivery outcome. O(1), never blocks on IO.
func (c *Collector) Record(success bool, responseTime time.Duration) {
	c.mu.Lock()
	c.count++
	if !success {
		c.errors++
	}
	c.latencies = append(c.latencies, responseTime)
	c.mu.Unlock()
}

// Snapshot returns the most recently computed snapshot.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Run recomputes and publishes a snapshot on every tick until ctx ends.
func (c *Collector) Run(ctx context.Context) {
	c.mu.Lock()
	c.prevTick = time.Now()
	c.prevCPU = processCPU()
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := c.tick(time.Now())
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeMetricsSnapshot, Data: snap})
		}
	}
}

// tick computes the snapshot from this window's accumulators and resets them.
func (c *Collector) tick(now time.Time) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{LastUpdate: now}

	elapsed := now.Sub(c.prevTick)
	if elapsed > 0 {
		snap.MessagesPerMinute = float64(c.count) / elapsed.Minutes()
	}

	// An idle window is healthy, not failing: 100% success, 0% errors.
	if c.count == 0 {
		snap.SuccessRate = 100
		snap.ErrorRate = 0
	} else {
		snap.SuccessRate = float64(c.count-c.errors) / float64(c.count) * 100
		snap.ErrorRate = float64(c.errors) / float64(c.count) * 100
	}

	if len(c.latencies) > 0 {
		var total time.Duration
		for _, d := range c.latencies {
			total += d
		}
		snap.AvgResponseTimeMS = float64(total.Milliseconds()) / float64(len(c.latencies))
	}

	cpu := processCPU()
	if elapsed > 0 && cpu >= c.prevCPU {
		snap.CPUUsage = float64(cpu-c.prevCPU) / float64(elapsed) * 100
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.MemoryUsageMB = float64(ms.Alloc) / (1024 * 1024)

	if c.depth != nil {
		snap.QueueDepth = c.depth.Depth()
	}

	// Hard reset, not a rolling window.
	c.count = 0
	c.errors = 0
	c.latencies = c.latencies[:0]
	c.prevTick = now
	c.prevCPU = cpu

	c.last = snap
	return snap
}

// processCPU returns cumulative user+system CPU time for this process.
func processCPU() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}
