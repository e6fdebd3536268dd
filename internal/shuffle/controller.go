// Package shuffle decides and executes proxy reassignment for the users of a
// domain, on demand or on a per-domain timer.
package shuffle

import (
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"mtdbench/internal/domain"
	"mtdbench/internal/eventbus"
	"mtdbench/internal/scheduler"
)

const (
	ReasonNoDomainSource = "Domain manager not set"
	ReasonDomainNotFound = "Domain not found"
	ReasonNoProxies      = "No proxies available"
)

const (
	maxUserHistory   = 100
	maxDomainHistory = 1000
)

type Config struct {
	BaseFrequency   time.Duration
	MinFrequency    time.Duration
	MaxFrequency    time.Duration
	RiskFactor      float64
	SessionAffinity bool
	SessionTimeout  time.Duration
	BatchSize       int
	Adaptive        bool
	PeriodicMode    domain.ShuffleMode
}

func DefaultConfig() Config {
	return Config{
		BaseFrequency:   30 * time.Second,
		MinFrequency:    5 * time.Second,
		MaxFrequency:    120 * time.Second,
		RiskFactor:      1.5,
		SessionAffinity: true,
		SessionTimeout:  300 * time.Second,
		BatchSize:       50,
		Adaptive:        true,
		PeriodicMode:    domain.ShuffleScoreDriven,
	}
}

// DomainSource is the view of the domain manager the controller needs.
type DomainSource interface {
	Domain(id uint32) (domain.Domain, bool)
	ProxyDomain(proxyID uint32) uint32
	SetShuffleFrequency(id uint32, freq time.Duration) bool
}

type ScoreSource interface {
	UserScore(userID uint32) (domain.UserScore, bool)
}

// Rand is satisfied by *math/rand/v2.Rand.
type Rand interface {
	IntN(n int) int
}

// StrategyFunc picks a proxy for a user under ShuffleCustom. A result outside
// proxies leaves the user where they are.
type StrategyFunc func(userID uint32, proxies []uint32, score domain.UserScore) uint32

type Stats struct {
	TotalShuffles      uint64  `json:"total_shuffles"`
	SuccessfulShuffles uint64  `json:"successful_shuffles"`
	FailedShuffles     uint64  `json:"failed_shuffles"`
	SuccessRate        float64 `json:"success_rate"`
	ProxySwitches      uint64  `json:"proxy_switches"`
	ActiveSessions     int     `json:"active_sessions"`
	TrackedUsers       int     `json:"tracked_users"`
}

// Controller is not safe for concurrent use; drive it from the scheduler timeline.
type Controller struct {
	cfg       Config
	sched     scheduler.Scheduler
	rng       Rand
	domains   DomainSource
	scores    ScoreSource
	publisher eventbus.Publisher
	custom    StrategyFunc

	assignments   map[uint32]uint32
	proxyLoad     map[uint32]int
	userHistory   map[uint32][]domain.ProxyAssignment
	domainHistory map[uint32][]domain.ShuffleEvent
	sessions      map[uint32]time.Duration
	periodic      map[uint32]scheduler.EventID
	domainCounts  map[uint32]uint64
	lastShuffle   map[uint32]time.Duration

	total      uint64
	successful uint64
	failed     uint64
	switches   uint64
}

func NewController(sched scheduler.Scheduler, rng Rand, cfg Config) *Controller {
	return &Controller{
		cfg:           cfg,
		sched:         sched,
		rng:           rng,
		assignments:   make(map[uint32]uint32),
		proxyLoad:     make(map[uint32]int),
		userHistory:   make(map[uint32][]domain.ProxyAssignment),
		domainHistory: make(map[uint32][]domain.ShuffleEvent),
		sessions:      make(map[uint32]time.Duration),
		periodic:      make(map[uint32]scheduler.EventID),
		domainCounts:  make(map[uint32]uint64),
		lastShuffle:   make(map[uint32]time.Duration),
	}
}

func (c *Controller) SetDomainSource(d DomainSource) { c.domains = d }

func (c *Controller) SetScoreSource(s ScoreSource) { c.scores = s }

func (c *Controller) SetPublisher(p eventbus.Publisher) { c.publisher = p }

// SetCustomStrategy installs the ShuffleCustom selector; nil makes ShuffleCustom
// behave like ShuffleRandom.
func (c *Controller) SetCustomStrategy(fn StrategyFunc) { c.custom = fn }

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) SetConfig(cfg Config) { c.cfg = cfg }

// TriggerShuffle reassigns users of one domain according to mode and returns the
// recorded ShuffleEvent.
func (c *Controller) TriggerShuffle(domainID uint32, mode domain.ShuffleMode) domain.ShuffleEvent {
	started := time.Now()
	ev := domain.ShuffleEvent{
		Timestamp: c.sched.Now(),
		DomainID:  domainID,
		Mode:      mode,
	}

	if c.domains == nil {
		return c.fail(ev, ReasonNoDomainSource, started)
	}
	d, ok := c.domains.Domain(domainID)
	if !ok {
		return c.fail(ev, ReasonDomainNotFound, started)
	}
	if len(d.ProxyIDs) == 0 {
		return c.fail(ev, ReasonNoProxies, started)
	}

	c.publish(domain.NewEvent(domain.EventShuffleTriggered, ev.Timestamp).
		With(domain.MetaDomainID, formatID(domainID)).
		With(domain.MetaMode, mode.String()))

	for _, userID := range c.selectBatch(d.UserIDs) {
		if c.affinityHolds(userID) {
			continue
		}
		current := c.assignments[userID]
		next := c.selectProxy(userID, current, d.ProxyIDs, mode)
		if next == 0 || next == current {
			continue
		}
		c.assign(domainID, userID, current, next, mode)
		ev.UsersAffected++
	}

	ev.Success = true
	ev.ExecutionTime = time.Since(started)
	c.record(ev)
	c.successful++
	c.domainCounts[domainID]++
	c.lastShuffle[domainID] = ev.Timestamp

	log.Debug("shuffle completed", "domain", domainID, "mode", mode, "affected", ev.UsersAffected, "users", len(d.UserIDs))
	c.publish(domain.NewEvent(domain.EventShuffleCompleted, ev.Timestamp).
		With(domain.MetaDomainID, formatID(domainID)).
		With(domain.MetaMode, mode.String()).
		With(domain.MetaUsersAffected, strconv.Itoa(ev.UsersAffected)).
		With(domain.MetaExecutionTime, strconv.FormatInt(ev.ExecutionTime.Microseconds(), 10)).
		With(domain.MetaSuccess, "true"))
	return ev
}

func (c *Controller) fail(ev domain.ShuffleEvent, reason string, started time.Time) domain.ShuffleEvent {
	ev.Success = false
	ev.Reason = reason
	ev.ExecutionTime = time.Since(started)
	c.record(ev)
	c.failed++
	log.Warn("shuffle failed", "domain", ev.DomainID, "mode", ev.Mode, "reason", reason)
	return ev
}

func (c *Controller) record(ev domain.ShuffleEvent) {
	c.total++
	history := append(c.domainHistory[ev.DomainID], ev)
	if len(history) > maxDomainHistory {
		history = history[len(history)-maxDomainHistory:]
	}
	c.domainHistory[ev.DomainID] = history
}

// selectBatch returns all users, or a uniform sample of BatchSize of them drawn
// with a partial Fisher-Yates shuffle.
func (c *Controller) selectBatch(users []uint32) []uint32 {
	batch := append([]uint32(nil), users...)
	size := c.cfg.BatchSize
	if size <= 0 || len(batch) <= size {
		return batch
	}
	for i := 0; i < size; i++ {
		j := i + c.rng.IntN(len(batch)-i)
		batch[i], batch[j] = batch[j], batch[i]
	}
	return batch[:size]
}

func (c *Controller) affinityHolds(userID uint32) bool {
	if !c.cfg.SessionAffinity {
		return false
	}
	started, ok := c.sessions[userID]
	return ok && c.sched.Now()-started < c.cfg.SessionTimeout
}

func (c *Controller) selectProxy(userID, current uint32, proxies []uint32, mode domain.ShuffleMode) uint32 {
	switch mode {
	case domain.ShuffleScoreDriven:
		if c.riskOf(userID).Elevated() {
			return c.pickExcluding(current, proxies)
		}
		return c.pick(proxies)
	case domain.ShuffleRoundRobin:
		for i, id := range proxies {
			if id == current {
				return proxies[(i+1)%len(proxies)]
			}
		}
		return proxies[0]
	case domain.ShuffleAttackerAvoid:
		return c.pickExcluding(current, proxies)
	case domain.ShuffleLoadBalanced:
		return c.leastLoaded(current, proxies)
	case domain.ShuffleCustom:
		if c.custom != nil {
			return c.selectCustom(userID, current, proxies)
		}
		return c.pick(proxies)
	default:
		return c.pick(proxies)
	}
}

func (c *Controller) pick(proxies []uint32) uint32 {
	return proxies[c.rng.IntN(len(proxies))]
}

// pickExcluding falls back to the full set when current is the only proxy.
func (c *Controller) pickExcluding(current uint32, proxies []uint32) uint32 {
	candidates := make([]uint32, 0, len(proxies))
	for _, id := range proxies {
		if id != current {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return c.pick(proxies)
	}
	return c.pick(candidates)
}

// leastLoaded returns the proxy with the fewest assigned users, counting the
// user as already removed from current. Ties keep the earlier proxy.
func (c *Controller) leastLoaded(current uint32, proxies []uint32) uint32 {
	best := proxies[0]
	bestLoad := -1
	for _, id := range proxies {
		load := c.proxyLoad[id]
		if id == current {
			load--
		}
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = id, load
		}
	}
	return best
}

func (c *Controller) selectCustom(userID, current uint32, proxies []uint32) (chosen uint32) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("custom shuffle strategy panicked", "user", userID, "panic", r)
			chosen = current
		}
	}()

	score := domain.UserScore{UserID: userID}
	if c.scores != nil {
		if s, ok := c.scores.UserScore(userID); ok {
			score = s
		}
	}
	candidate := c.custom(userID, append([]uint32(nil), proxies...), score)
	for _, id := range proxies {
		if id == candidate {
			return candidate
		}
	}
	return current
}

func (c *Controller) riskOf(userID uint32) domain.RiskLevel {
	if c.scores == nil {
		return domain.RiskLow
	}
	if s, ok := c.scores.UserScore(userID); ok {
		return s.RiskLevel
	}
	return domain.RiskLow
}

func (c *Controller) scoreOf(userID uint32) float64 {
	if c.scores == nil {
		return 0
	}
	if s, ok := c.scores.UserScore(userID); ok {
		return s.CurrentScore
	}
	return 0
}

func (c *Controller) assign(domainID, userID, oldProxy, newProxy uint32, mode domain.ShuffleMode) {
	c.assignments[userID] = newProxy
	if oldProxy != 0 {
		c.proxyLoad[oldProxy]--
	}
	c.proxyLoad[newProxy]++

	history := append(c.userHistory[userID], domain.ProxyAssignment{
		UserID:     userID,
		OldProxyID: oldProxy,
		NewProxyID: newProxy,
		AssignedAt: c.sched.Now(),
		Mode:       mode,
	})
	if len(history) > maxUserHistory {
		history = history[len(history)-maxUserHistory:]
	}
	c.userHistory[userID] = history

	if oldProxy == 0 {
		return
	}
	c.switches++
	c.publish(domain.NewEvent(domain.EventProxySwitched, c.sched.Now()).
		With(domain.MetaUserID, formatID(userID)).
		With(domain.MetaDomainID, formatID(domainID)).
		With(domain.MetaOldProxy, formatID(oldProxy)).
		With(domain.MetaNewProxy, formatID(newProxy)).
		With(domain.MetaMode, mode.String()))
}

// AssignUserToProxy places a user on a proxy without strategy selection. The
// first placement of a user is recorded but not announced as a switch.
func (c *Controller) AssignUserToProxy(userID, proxyID uint32) bool {
	if proxyID == 0 {
		return false
	}
	current := c.assignments[userID]
	if current == proxyID {
		return true
	}
	var domainID uint32
	if c.domains != nil {
		domainID = c.domains.ProxyDomain(proxyID)
	}
	c.assign(domainID, userID, current, proxyID, domain.ShuffleCustom)
	return true
}

// RemoveUser forgets a user's assignment and session.
func (c *Controller) RemoveUser(userID uint32) {
	if proxyID, ok := c.assignments[userID]; ok {
		c.proxyLoad[proxyID]--
		delete(c.assignments, userID)
	}
	delete(c.sessions, userID)
}

func (c *Controller) ProxyOf(userID uint32) uint32 {
	return c.assignments[userID]
}

// UsersByProxy groups assigned users by proxy, each list ascending.
func (c *Controller) UsersByProxy() map[uint32][]uint32 {
	out := make(map[uint32][]uint32)
	for userID, proxyID := range c.assignments {
		out[proxyID] = append(out[proxyID], userID)
	}
	for _, users := range out {
		sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	}
	return out
}

func (c *Controller) ProxyLoad(proxyID uint32) int {
	return c.proxyLoad[proxyID]
}

func (c *Controller) StartSession(userID uint32) {
	c.sessions[userID] = c.sched.Now()
}

func (c *Controller) EndSession(userID uint32) {
	delete(c.sessions, userID)
}

func (c *Controller) InActiveSession(userID uint32) bool {
	started, ok := c.sessions[userID]
	return ok && c.sched.Now()-started < c.cfg.SessionTimeout
}

// Frequency is the domain's current shuffle period, or the base frequency when
// the domain has none.
func (c *Controller) Frequency(domainID uint32) time.Duration {
	if c.domains != nil {
		if d, ok := c.domains.Domain(domainID); ok && d.ShuffleFrequency > 0 {
			return d.ShuffleFrequency
		}
	}
	return c.cfg.BaseFrequency
}

// SetFrequency clamps freq into [MinFrequency, MaxFrequency] and stores it on the
// domain.
func (c *Controller) SetFrequency(domainID uint32, freq time.Duration) bool {
	if c.domains == nil {
		return false
	}
	return c.domains.SetShuffleFrequency(domainID, c.clampFrequency(freq))
}

func (c *Controller) clampFrequency(freq time.Duration) time.Duration {
	if freq < c.cfg.MinFrequency {
		return c.cfg.MinFrequency
	}
	if freq > c.cfg.MaxFrequency {
		return c.cfg.MaxFrequency
	}
	return freq
}

// CalculateAdaptiveFrequency returns base / (1 + k*avgRisk) clamped to the
// configured bounds.
func (c *Controller) CalculateAdaptiveFrequency(domainID uint32) time.Duration {
	var avgRisk float64
	if c.domains != nil {
		if d, ok := c.domains.Domain(domainID); ok && len(d.UserIDs) > 0 {
			var sum float64
			for _, userID := range d.UserIDs {
				sum += c.scoreOf(userID)
			}
			avgRisk = sum / float64(len(d.UserIDs))
		}
	}
	divisor := 1 + c.cfg.RiskFactor*avgRisk
	if divisor <= 0 {
		return c.cfg.MaxFrequency
	}
	return c.clampFrequency(time.Duration(float64(c.cfg.BaseFrequency) / divisor))
}

// StartPeriodicShuffle (re)arms the domain's shuffle timer.
func (c *Controller) StartPeriodicShuffle(domainID uint32) bool {
	if c.domains == nil {
		return false
	}
	if _, ok := c.domains.Domain(domainID); !ok {
		return false
	}
	c.StopPeriodicShuffle(domainID)
	c.schedule(domainID, c.Frequency(domainID))
	return true
}

func (c *Controller) schedule(domainID uint32, after time.Duration) {
	c.periodic[domainID] = c.sched.Schedule(after, func() { c.periodicTick(domainID) })
}

func (c *Controller) periodicTick(domainID uint32) {
	delete(c.periodic, domainID)

	ev := c.TriggerShuffle(domainID, c.cfg.PeriodicMode)
	if ev.Reason == ReasonDomainNotFound {
		log.Info("periodic shuffle stopped: domain removed", "domain", domainID)
		return
	}

	next := c.Frequency(domainID)
	if c.cfg.Adaptive {
		next = c.CalculateAdaptiveFrequency(domainID)
		c.SetFrequency(domainID, next)
	}
	c.schedule(domainID, next)
}

func (c *Controller) StopPeriodicShuffle(domainID uint32) bool {
	id, ok := c.periodic[domainID]
	if !ok {
		return false
	}
	c.sched.Cancel(id)
	delete(c.periodic, domainID)
	return true
}

func (c *Controller) StopAll() {
	for domainID := range c.periodic {
		c.StopPeriodicShuffle(domainID)
	}
}

func (c *Controller) PeriodicActive(domainID uint32) bool {
	_, ok := c.periodic[domainID]
	return ok
}

func (c *Controller) ShuffleHistory(domainID uint32) []domain.ShuffleEvent {
	return append([]domain.ShuffleEvent(nil), c.domainHistory[domainID]...)
}

func (c *Controller) UserProxyHistory(userID uint32) []domain.ProxyAssignment {
	return append([]domain.ProxyAssignment(nil), c.userHistory[userID]...)
}

func (c *Controller) DomainShuffleCount(domainID uint32) uint64 {
	return c.domainCounts[domainID]
}

func (c *Controller) LastShuffle(domainID uint32) time.Duration {
	return c.lastShuffle[domainID]
}

func (c *Controller) TotalShuffleCount() uint64 {
	return c.total
}

func (c *Controller) Stats() Stats {
	stats := Stats{
		TotalShuffles:      c.total,
		SuccessfulShuffles: c.successful,
		FailedShuffles:     c.failed,
		ProxySwitches:      c.switches,
		TrackedUsers:       len(c.assignments),
	}
	if c.total > 0 {
		stats.SuccessRate = float64(c.successful) / float64(c.total)
	}
	for userID := range c.sessions {
		if c.InActiveSession(userID) {
			stats.ActiveSessions++
		}
	}
	return stats
}

func (c *Controller) publish(event domain.MtdEvent) {
	if c.publisher != nil {
		c.publisher.Publish(event)
	}
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
