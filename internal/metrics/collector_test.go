package metrics

import (
	"testing"
	"time"

	"psinotify/internal/eventbus"
	"psinotify/pkg/logx"
)

type fixedDepth int

func (d fixedDepth) Depth() int { return int(d) }

func newTestCollector(depth int) *Collector {
	return New(Config{Interval: time.Minute}, eventbus.New(), fixedDepth(depth), logx.Nop())
}

func TestTickComputesRates(t *testing.T) {
	t.Parallel()
	c := newTestCollector(7)
	c.prevTick = time.Now().Add(-time.Minute)

	c.Record(true, 100*time.Millisecond)
	c.Record(true, 200*time.Millisecond)
	c.Record(false, 300*time.Millisecond)
	c.Record(true, 400*time.Millisecond)

	snap := c.tick(time.Now())
	if snap.SuccessRate != 75 {
		t.Fatalf("SuccessRate = %v, want 75", snap.SuccessRate)
	}
	if snap.ErrorRate != 25 {
		t.Fatalf("ErrorRate = %v, want 25", snap.ErrorRate)
	}
	if snap.AvgResponseTimeMS != 250 {
		t.Fatalf("AvgResponseTimeMS = %v, want 250", snap.AvgResponseTimeMS)
	}
	if snap.QueueDepth != 7 {
		t.Fatalf("QueueDepth = %d, want 7", snap.QueueDepth)
	}
	if snap.MessagesPerMinute < 3.5 || snap.MessagesPerMinute > 4.5 {
		t.Fatalf("MessagesPerMinute = %v, want ~4", snap.MessagesPerMinute)
	}
}

func TestIdleTickReportsHealthy(t *testing.T) {
	t.Parallel()
	c := newTestCollector(0)
	c.prevTick = time.Now().Add(-time.Minute)

	snap := c.tick(time.Now())
	if snap.SuccessRate != 100 {
		t.Fatalf("idle SuccessRate = %v, want 100", snap.SuccessRate)
	}
	if snap.ErrorRate != 0 {
		t.Fatalf("idle ErrorRate = %v, want 0", snap.ErrorRate)
	}
	if snap.AvgResponseTimeMS != 0 {
		t.Fatalf("idle AvgResponseTimeMS = %v, want 0", snap.AvgResponseTimeMS)
	}
}

func TestSnapshotBeforeFirstTickIsHealthy(t *testing.T) {
	t.Parallel()
	c := newTestCollector(0)

	snap := c.Snapshot()
	if snap.SuccessRate != 100 {
		t.Fatalf("initial SuccessRate = %v, want 100", snap.SuccessRate)
	}
	if snap.ErrorRate != 0 {
		t.Fatalf("initial ErrorRate = %v, want 0", snap.ErrorRate)
	}
}

func TestTickResetsAccumulators(t *testing.T) {
	t.Parallel()
	c := newTestCollector(0)
	c.prevTick = time.Now().Add(-time.Minute)

	c.Record(false, 50*time.Millisecond)
	first := c.tick(time.Now())
	if first.ErrorRate != 100 {
		t.Fatalf("first ErrorRate = %v, want 100", first.ErrorRate)
	}

	// Second window saw nothing: a hard reset means it reports healthy.
	second := c.tick(time.Now().Add(time.Minute))
	if second.SuccessRate != 100 || second.ErrorRate != 0 {
		t.Fatalf("second window = %+v, want idle-healthy", second)
	}

	if got := c.Snapshot(); got.LastUpdate != second.LastUpdate {
		t.Fatalf("Snapshot() should return latest tick")
	}
}
