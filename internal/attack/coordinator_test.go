package attack

import (
	"testing"
	"time"

	"mtdbench/internal/domain"
	"mtdbench/internal/scheduler"
)

func newCampaign(clock *scheduler.Virtual, n int) *Coordinator {
	c := NewCoordinator(clock)
	for i := 0; i < n; i++ {
		g := NewGenerator(uint32(i+1), clock, fixedRand{})
		params := domain.DefaultAttackParams()
		params.Rate = 10
		params.Duration = 0
		params.TargetProxies = []uint32{uint32(i%2 + 1)}
		g.Configure(params)
		c.Add(g)
	}
	return c
}

func TestCoordinatorStaggersStarts(t *testing.T) {
	clock := scheduler.New()
	c := newCampaign(clock, 3)
	c.SetStagger(2 * time.Second)
	c.StartAll()

	if got := c.Stats().Active; got != 1 {
		t.Fatalf("active at t=0 = %d, want 1", got)
	}
	clock.RunUntil(2 * time.Second)
	if got := c.Stats().Active; got != 2 {
		t.Fatalf("active at t=2s = %d, want 2", got)
	}
	clock.RunUntil(4 * time.Second)
	if got := c.Stats().Active; got != 3 {
		t.Fatalf("active at t=4s = %d, want 3", got)
	}
}

func TestCoordinatorSynchronizedStart(t *testing.T) {
	clock := scheduler.New()
	c := newCampaign(clock, 3)
	c.SetSynchronized(true)
	c.StartAll()

	stats := c.Stats()
	if stats.Active != 3 {
		t.Fatalf("active = %d, want 3", stats.Active)
	}
	if stats.TotalRate != 30 {
		t.Fatalf("total rate = %v, want 30", stats.TotalRate)
	}
}

func TestCoordinatorStopAllCancelsPendingStarts(t *testing.T) {
	clock := scheduler.New()
	c := newCampaign(clock, 3)
	c.SetStagger(time.Second)
	c.StartAll()
	c.StopAll()

	clock.RunUntil(10 * time.Second)
	if got := c.Stats().Active; got != 0 {
		t.Fatalf("active after StopAll = %d, want 0", got)
	}
	if clock.Pending() != 0 {
		t.Fatalf("pending callbacks = %d, want 0", clock.Pending())
	}
}

func TestCoordinatorAggregatesTargets(t *testing.T) {
	clock := scheduler.New()
	c := newCampaign(clock, 3)
	c.SetSynchronized(true)
	c.StartAll()
	clock.RunUntil(950 * time.Millisecond)

	counters := c.TargetCounters()
	if counters[1].Packets != 20 || counters[2].Packets != 10 {
		t.Fatalf("target counters = %+v, want proxy 1: 20, proxy 2: 10", counters)
	}
	if got := c.Stats().PacketsSent; got != 30 {
		t.Fatalf("PacketsSent = %d, want 30", got)
	}

	if !c.Remove(2) {
		t.Fatalf("Remove(2) = false, want true")
	}
	if c.Remove(2) {
		t.Fatalf("second Remove(2) = true, want false")
	}
	if got := len(c.Generators()); got != 2 {
		t.Fatalf("generators = %d, want 2", got)
	}
}
