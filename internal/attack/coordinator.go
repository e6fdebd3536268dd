package attack

import (
	"time"

	"github.com/charmbracelet/log"

	"mtdbench/internal/scheduler"
)

// AggregateStats sums generator stats across a coordinator.
type AggregateStats struct {
	Generators       int     `json:"generators"`
	Active           int     `json:"active"`
	PacketsSent      uint64  `json:"packets_sent"`
	BytesSent        uint64  `json:"bytes_sent"`
	AttacksLaunched  uint64  `json:"attacks_launched"`
	DefenseReactions uint64  `json:"defense_reactions"`
	TotalRate        float64 `json:"total_rate"`
}

// Coordinator drives several generators as one campaign. Unsynchronized
// campaigns start generator i after i*stagger.
type Coordinator struct {
	sched        scheduler.Scheduler
	generators   []*Generator
	synchronized bool
	stagger      time.Duration
	starts       []scheduler.EventID
}

func NewCoordinator(sched scheduler.Scheduler) *Coordinator {
	return &Coordinator{sched: sched, stagger: time.Second}
}

func (c *Coordinator) Add(g *Generator) {
	if g == nil {
		return
	}
	c.generators = append(c.generators, g)
}

// Remove stops and detaches the generator with the given id.
func (c *Coordinator) Remove(id uint32) bool {
	for i, g := range c.generators {
		if g.ID() == id {
			g.Stop()
			g.Close()
			c.generators = append(c.generators[:i], c.generators[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Coordinator) Generators() []*Generator {
	return append([]*Generator(nil), c.generators...)
}

func (c *Coordinator) SetSynchronized(on bool) { c.synchronized = on }

func (c *Coordinator) Synchronized() bool { return c.synchronized }

func (c *Coordinator) SetStagger(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.stagger = d
}

func (c *Coordinator) StartAll() {
	c.cancelStarts()
	log.Info("attack campaign starting", "generators", len(c.generators), "synchronized", c.synchronized, "stagger", c.stagger)
	for i, g := range c.generators {
		if c.synchronized || i == 0 || c.stagger == 0 {
			g.Start()
			continue
		}
		gen := g
		c.starts = append(c.starts, c.sched.Schedule(time.Duration(i)*c.stagger, func() { gen.Start() }))
	}
}

// StopAll cancels any staggered start still pending and stops every generator.
func (c *Coordinator) StopAll() {
	c.cancelStarts()
	for _, g := range c.generators {
		g.Stop()
	}
}

func (c *Coordinator) PauseAll() {
	for _, g := range c.generators {
		g.Pause()
	}
}

func (c *Coordinator) ResumeAll() {
	for _, g := range c.generators {
		g.Resume()
	}
}

func (c *Coordinator) cancelStarts() {
	for _, id := range c.starts {
		c.sched.Cancel(id)
	}
	c.starts = nil
}

func (c *Coordinator) Stats() AggregateStats {
	agg := AggregateStats{Generators: len(c.generators)}
	for _, g := range c.generators {
		s := g.Stats()
		if s.State == StateActive {
			agg.Active++
			agg.TotalRate += s.CurrentRate
		}
		agg.PacketsSent += s.PacketsSent
		agg.BytesSent += s.BytesSent
		agg.AttacksLaunched += s.AttacksLaunched
		agg.DefenseReactions += s.DefenseReactions
	}
	return agg
}

// TargetCounters merges per-target counters of all generators.
func (c *Coordinator) TargetCounters() map[uint32]TargetCounter {
	out := make(map[uint32]TargetCounter)
	for _, g := range c.generators {
		for id, tc := range g.TargetCounters() {
			cur := out[id]
			cur.Packets += tc.Packets
			cur.Bytes += tc.Bytes
			out[id] = cur
		}
	}
	return out
}
