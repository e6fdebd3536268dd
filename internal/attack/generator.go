// Package attack simulates an adversary that floods proxies and reacts to the
// defense's shuffles.
package attack

import (
	"math"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"mtdbench/internal/domain"
	"mtdbench/internal/eventbus"
	"mtdbench/internal/scheduler"
)

const (
	maxAttackHistory    = 1000
	intelligentRateStep = 0.7
	burstMinFactor      = 0.5
	burstMaxFactor      = 2.0
	// RANDOM_BURST drift is bounded to this factor around the configured rate.
	burstDriftBound = 10.0
)

type State uint8

const (
	StateInactive State = iota
	StateActive
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePaused:
		return "PAUSED"
	default:
		return "INACTIVE"
	}
}

// Rand is satisfied by *math/rand/v2.Rand.
type Rand interface {
	IntN(n int) int
	Float64() float64
}

// Selector picks the next target from the current target list.
type Selector func(targets []uint32) uint32

type DefenseCallback func(event domain.MtdEvent)

type TargetCounter struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

type Stats struct {
	State            State                 `json:"state"`
	Behavior         domain.AttackBehavior `json:"behavior"`
	PacketsSent      uint64                `json:"packets_sent"`
	BytesSent        uint64                `json:"bytes_sent"`
	AttacksLaunched  uint64                `json:"attacks_launched"`
	DefenseReactions uint64                `json:"defense_reactions"`
	CurrentRate      float64               `json:"current_rate"`
	InCooldown       bool                  `json:"in_cooldown"`
	Targets          int                   `json:"targets"`
}

// Generator is not safe for concurrent use; drive it from the scheduler timeline.
type Generator struct {
	id       uint32
	sched    scheduler.Scheduler
	rng      Rand
	params   domain.AttackParams
	baseRate float64
	behavior domain.AttackBehavior
	state    State
	selector Selector

	broker eventbus.Broker
	subs   []eventbus.SubscriptionID

	targets       []uint32
	rrIndex       int
	pending       scheduler.EventID
	hasPending    bool
	startedAt     time.Duration
	cooldownUntil time.Duration

	packets   uint64
	bytes     uint64
	launched  uint64
	reactions uint64
	perTarget map[uint32]*TargetCounter
	history   []domain.AttackEvent

	callbacks    map[int]DefenseCallback
	nextCallback int
}

func NewGenerator(id uint32, sched scheduler.Scheduler, rng Rand) *Generator {
	g := &Generator{
		id:        id,
		sched:     sched,
		rng:       rng,
		perTarget: make(map[uint32]*TargetCounter),
		callbacks: make(map[int]DefenseCallback),
	}
	g.Configure(domain.DefaultAttackParams())
	return g
}

func (g *Generator) ID() uint32 { return g.id }

// Configure replaces the attack parameters and the target list.
func (g *Generator) Configure(params domain.AttackParams) {
	g.params = params
	g.baseRate = params.Rate
	g.targets = append([]uint32(nil), params.TargetProxies...)
	g.rrIndex = 0
}

// Update changes parameters of a running attack; the target list is kept when
// params carries none.
func (g *Generator) Update(params domain.AttackParams) {
	targets := g.targets
	g.Configure(params)
	if len(params.TargetProxies) == 0 {
		g.targets = targets
	}
}

func (g *Generator) Params() domain.AttackParams {
	p := g.params
	p.TargetProxies = append([]uint32(nil), g.targets...)
	return p
}

func (g *Generator) SetBehavior(b domain.AttackBehavior) { g.behavior = b }

func (g *Generator) Behavior() domain.AttackBehavior { return g.behavior }

func (g *Generator) SetTargetSelector(fn Selector) { g.selector = fn }

func (g *Generator) SetCooldownPeriod(d time.Duration) { g.params.Cooldown = d }

// SetBroker attaches the generator to a bus: it publishes ATTACK_STARTED and
// ATTACK_STOPPED there and listens for shuffles and proxy switches.
func (g *Generator) SetBroker(b eventbus.Broker) {
	g.Close()
	g.broker = b
	if b == nil {
		return
	}
	g.subs = append(g.subs,
		b.Subscribe(domain.EventShuffleCompleted, g.handleDefense),
		b.Subscribe(domain.EventProxySwitched, g.handleDefense),
	)
}

// Close drops the generator's bus subscriptions.
func (g *Generator) Close() {
	if g.broker != nil {
		for _, id := range g.subs {
			g.broker.Unsubscribe(id)
		}
	}
	g.subs = nil
}

func (g *Generator) AddTarget(proxyID uint32) {
	if proxyID == 0 {
		return
	}
	for _, id := range g.targets {
		if id == proxyID {
			return
		}
	}
	g.targets = append(g.targets, proxyID)
}

func (g *Generator) RemoveTarget(proxyID uint32) bool {
	for i, id := range g.targets {
		if id == proxyID {
			g.targets = append(g.targets[:i], g.targets[i+1:]...)
			return true
		}
	}
	return false
}

func (g *Generator) Targets() []uint32 {
	return append([]uint32(nil), g.targets...)
}

// Start begins the attack loop. Starting a paused generator resumes it.
func (g *Generator) Start() bool {
	switch g.state {
	case StateActive:
		return false
	case StatePaused:
		return g.Resume()
	}

	g.state = StateActive
	g.startedAt = g.sched.Now()
	log.Info("attack started", "generator", g.id, "type", g.params.Type, "behavior", g.behavior, "rate", g.params.Rate, "targets", len(g.targets))
	g.publish(domain.NewEvent(domain.EventAttackStarted, g.sched.Now()).
		With(domain.MetaType, g.params.Type.String()).
		With(domain.MetaRate, strconv.FormatFloat(g.params.Rate, 'f', 2, 64)))
	g.tick()
	return true
}

func (g *Generator) Pause() bool {
	if g.state != StateActive {
		return false
	}
	g.cancelPending()
	g.state = StatePaused
	return true
}

func (g *Generator) Resume() bool {
	if g.state != StatePaused {
		return false
	}
	g.state = StateActive
	g.tick()
	return true
}

// Stop cancels the loop and publishes ATTACK_STOPPED with the run totals.
func (g *Generator) Stop() bool {
	if g.state == StateInactive {
		return false
	}
	g.cancelPending()
	g.state = StateInactive

	log.Info("attack stopped", "generator", g.id, "packets", g.packets, "bytes", g.bytes)
	g.publish(domain.NewEvent(domain.EventAttackStopped, g.sched.Now()).
		With(domain.MetaType, g.params.Type.String()).
		With(domain.MetaPackets, strconv.FormatUint(g.packets, 10)).
		With(domain.MetaBytes, strconv.FormatUint(g.bytes, 10)).
		With(domain.MetaAttacksLaunched, strconv.FormatUint(g.launched, 10)))
	return true
}

func (g *Generator) State() State { return g.state }

func (g *Generator) cancelPending() {
	if g.hasPending {
		g.sched.Cancel(g.pending)
		g.hasPending = false
	}
}

func (g *Generator) scheduleTick(after time.Duration) {
	g.pending = g.sched.Schedule(after, g.tick)
	g.hasPending = true
}

func (g *Generator) tick() {
	g.hasPending = false
	if g.state != StateActive {
		return
	}

	now := g.sched.Now()
	if g.params.Duration > 0 && now-g.startedAt >= g.params.Duration {
		g.Stop()
		return
	}
	if g.InCooldown() {
		g.scheduleTick(g.cooldownUntil - now)
		return
	}

	if g.behavior == domain.BehaviorRandomBurst {
		g.perturbRate()
	}
	interval, ok := g.interval()
	if !ok {
		log.Warn("attack loop halted: non-positive rate", "generator", g.id, "rate", g.params.Rate)
		return
	}

	if target := g.selectTarget(); target != 0 {
		size := uint64(g.params.PacketSize)
		g.packets++
		g.bytes += size
		g.launched++
		counter, ok := g.perTarget[target]
		if !ok {
			counter = &TargetCounter{}
			g.perTarget[target] = counter
		}
		counter.Packets++
		counter.Bytes += size
		g.recordEvent(domain.AttackEvent{
			Timestamp:     now,
			Type:          g.params.Type,
			TargetProxyID: target,
			Rate:          g.params.Rate,
			Duration:      g.params.Duration,
		})
	}

	g.scheduleTick(interval)
}

func (g *Generator) interval() (time.Duration, bool) {
	if g.params.Rate <= 0 || math.IsNaN(g.params.Rate) {
		return 0, false
	}
	interval := time.Duration(float64(time.Second) / g.params.Rate)
	if interval < time.Nanosecond {
		interval = time.Nanosecond
	}
	return interval, true
}

func (g *Generator) perturbRate() {
	factor := burstMinFactor + (burstMaxFactor-burstMinFactor)*g.rng.Float64()
	rate := g.params.Rate * factor
	if g.baseRate > 0 {
		rate = math.Max(g.baseRate/burstDriftBound, math.Min(g.baseRate*burstDriftBound, rate))
	}
	g.params.Rate = rate
}

func (g *Generator) selectTarget() uint32 {
	if len(g.targets) == 0 {
		return 0
	}
	if g.selector != nil {
		return g.selector(append([]uint32(nil), g.targets...))
	}
	switch g.behavior {
	case domain.BehaviorRandomBurst:
		return g.targets[g.rng.IntN(len(g.targets))]
	case domain.BehaviorAdaptive, domain.BehaviorIntelligent:
		target := g.targets[g.rrIndex%len(g.targets)]
		g.rrIndex = (g.rrIndex + 1) % len(g.targets)
		return target
	default:
		return g.targets[0]
	}
}

func (g *Generator) recordEvent(ev domain.AttackEvent) {
	g.history = append(g.history, ev)
	if len(g.history) > maxAttackHistory {
		g.history = g.history[len(g.history)-maxAttackHistory:]
	}
}

func (g *Generator) handleDefense(event domain.MtdEvent) {
	g.reactions++
	for _, id := range g.callbackIDs() {
		g.callbacks[id](event)
	}

	if !g.params.AdaptToDefense {
		return
	}

	switch g.behavior {
	case domain.BehaviorAdaptive, domain.BehaviorIntelligent:
		switch event.Type {
		case domain.EventShuffleCompleted:
			if g.behavior == domain.BehaviorIntelligent {
				g.params.Rate *= intelligentRateStep
			}
			g.markDefenseTriggered()
			g.enterCooldown()
		case domain.EventProxySwitched:
			if p, err := strconv.ParseUint(event.Get(domain.MetaNewProxy), 10, 32); err == nil {
				g.AddTarget(uint32(p))
			}
		}
	}
}

func (g *Generator) markDefenseTriggered() {
	if n := len(g.history); n > 0 {
		g.history[n-1].DefenseTriggered = true
	}
}

func (g *Generator) enterCooldown() {
	g.cooldownUntil = g.sched.Now() + g.params.Cooldown
	log.Debug("attacker cooling down", "generator", g.id, "until", g.cooldownUntil, "rate", g.params.Rate)
}

func (g *Generator) InCooldown() bool {
	return g.sched.Now() < g.cooldownUntil
}

// SubscribeDefenseEvents registers a callback for every defense event the
// generator observes.
func (g *Generator) SubscribeDefenseEvents(cb DefenseCallback) int {
	g.nextCallback++
	g.callbacks[g.nextCallback] = cb
	return g.nextCallback
}

func (g *Generator) UnsubscribeDefenseEvents(id int) {
	delete(g.callbacks, id)
}

func (g *Generator) callbackIDs() []int {
	ids := make([]int, 0, len(g.callbacks))
	for id := 1; id <= g.nextCallback; id++ {
		if _, ok := g.callbacks[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *Generator) History() []domain.AttackEvent {
	return append([]domain.AttackEvent(nil), g.history...)
}

// TargetCounters returns cumulative packets and bytes sent per target.
func (g *Generator) TargetCounters() map[uint32]TargetCounter {
	out := make(map[uint32]TargetCounter, len(g.perTarget))
	for id, c := range g.perTarget {
		out[id] = *c
	}
	return out
}

func (g *Generator) CurrentRate() float64 { return g.params.Rate }

func (g *Generator) Stats() Stats {
	return Stats{
		State:            g.state,
		Behavior:         g.behavior,
		PacketsSent:      g.packets,
		BytesSent:        g.bytes,
		AttacksLaunched:  g.launched,
		DefenseReactions: g.reactions,
		CurrentRate:      g.params.Rate,
		InCooldown:       g.InCooldown(),
		Targets:          len(g.targets),
	}
}

func (g *Generator) publish(event domain.MtdEvent) {
	if g.broker == nil {
		return
	}
	event.SourceNodeID = g.id
	g.broker.Publish(event)
}
