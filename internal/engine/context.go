// Package engine composes the defense and attack components into one
// simulation on a virtual clock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"mtdbench/internal/attack"
	"mtdbench/internal/defense"
	"mtdbench/internal/detector"
	"mtdbench/internal/domain"
	"mtdbench/internal/domainmgr"
	"mtdbench/internal/eventbus"
	"mtdbench/internal/scheduler"
	"mtdbench/internal/scoring"
	"mtdbench/internal/shuffle"
)

// Virtual time advances in slices of this size so Run can notice cancellation.
const runSlice = time.Second

var ErrAlreadyStarted = errors.New("simulation already started")

// PCG stream ids, one per randomized component.
const (
	streamSeeding uint64 = iota + 1
	streamShuffle
	streamAttack
	streamTraffic
)

type options struct {
	runID     string
	metrics   *Metrics
	traffic   TrafficSource
	global    *detector.GlobalDetector
	overrides *defense.Overrides
}

type Option func(*options)

func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTrafficSource replaces the synthetic traffic model.
func WithTrafficSource(t TrafficSource) Option {
	return func(o *options) { o.traffic = t }
}

// WithGlobalDetector supplies a classifier; a trained one relabels anomalous
// observations before they reach the scores.
func WithGlobalDetector(g *detector.GlobalDetector) Option {
	return func(o *options) { o.global = g }
}

func WithOverrides(ov defense.Overrides) Option {
	return func(o *options) { o.overrides = &ov }
}

// Context owns every component of one run. All of them share Clock and Bus and
// must only be touched from the goroutine driving the clock.
type Context struct {
	RunID    string
	Clock    *scheduler.Virtual
	Bus      *eventbus.Bus
	Domains  *domainmgr.Manager
	Scores   *scoring.Manager
	Shuffler *shuffle.Controller
	Local    *detector.LocalDetector
	Cross    *detector.CrossAgentDetector
	Global   *detector.GlobalDetector
	Attacks  *attack.Coordinator
	Defense  *defense.Bridge
	Traffic  TrafficSource

	sc      Scenario
	metrics *Metrics
	proxies []uint32

	started     bool
	sampleID    scheduler.EventID
	decayID     scheduler.EventID
	rebalanceID scheduler.EventID
	attackID    scheduler.EventID

	eventCounts map[domain.EventType]int
	detections  uint64
	crossings   uint64
	rebalances  uint64
	outlierHits uint64
}

func New(sc Scenario, opts ...Option) (*Context, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	c := &Context{
		RunID:       o.runID,
		Clock:       scheduler.New(),
		sc:          sc,
		metrics:     o.metrics,
		eventCounts: make(map[domain.EventType]int),
	}
	c.Bus = eventbus.New(eventbus.WithHistory(sc.EventHistory))

	c.Domains = domainmgr.NewManager(c.Clock)
	c.Domains.SetPublisher(c.Bus)
	c.Domains.SetThresholds(sc.DomainThresholds)
	c.Domains.SetStrategy(sc.DomainStrategy)
	c.Domains.SetDeletionPolicy(sc.DeletionPolicy)

	c.Scores = scoring.NewManager(c.Clock)
	c.Scores.SetPublisher(c.Bus)
	c.Scores.SetWeights(sc.ScoreWeights)
	if err := c.Scores.SetThresholds(sc.ScoreThresholds); err != nil {
		return nil, err
	}

	c.Local = detector.NewLocalDetector()
	c.Local.SetThresholds(sc.DetectorThresholds)
	if sc.DetectorWindow > 0 {
		c.Local.SetHistorySize(sc.DetectorWindow)
	}
	c.Cross = detector.NewCrossAgentDetector(sc.CrossAgentFeatures...)
	c.Global = o.global
	if c.Global == nil {
		c.Global = detector.NewGlobalDetector()
	}

	c.Shuffler = shuffle.NewController(c.Clock, c.stream(streamShuffle), sc.Shuffle)
	c.Shuffler.SetDomainSource(c.Domains)
	c.Shuffler.SetScoreSource(c.Scores)
	c.Shuffler.SetPublisher(c.Bus)

	c.Attacks = attack.NewCoordinator(c.Clock)
	c.Attacks.SetStagger(sc.Stagger)
	c.Attacks.SetSynchronized(sc.Synchronized)
	attackRng := c.stream(streamAttack)
	for i, a := range sc.Attackers {
		g := attack.NewGenerator(uint32(i+1), c.Clock, attackRng)
		g.Configure(a.Params)
		g.SetBehavior(a.Behavior)
		g.SetBroker(c.Bus)
		c.Attacks.Add(g)
	}

	c.Traffic = o.traffic
	if c.Traffic == nil {
		synthetic := NewSyntheticTraffic(c.Shuffler, c.Attacks, c.stream(streamTraffic))
		synthetic.BaselineRate = sc.BaselineRate
		synthetic.PacketSize = sc.PacketSize
		synthetic.Capacity = sc.ProxyCapacity
		c.Traffic = synthetic
	}

	c.Defense = defense.NewBridge(c.Clock, defense.Components{
		Domains:  c.Domains,
		Scores:   c.Scores,
		Shuffler: c.Shuffler,
		Detector: c.Local,
		Bus:      c.Bus,
	}, sc.Defense)
	if o.overrides != nil {
		c.Defense.Install(*o.overrides)
	}
	if sc.Evaluation && !c.Defense.HasEvaluator() {
		c.Defense.Install(defense.Overrides{Evaluate: defense.RiskEvaluator(sc.EvaluateRisk, domain.ShuffleAttackerAvoid)})
	}

	if c.metrics != nil {
		c.metrics.Attach(c.Bus)
	}
	c.Bus.SubscribeAll(func(ev domain.MtdEvent) { c.eventCounts[ev.Type]++ })
	c.Bus.Subscribe(domain.EventDomainSplit, c.onSplit)
	c.Bus.Subscribe(domain.EventDomainMerge, c.onMerge)

	c.seed()
	return c, nil
}

func (c *Context) stream(id uint64) *rand.Rand {
	return rand.New(rand.NewPCG(c.sc.Seed, id))
}

func (c *Context) Scenario() Scenario { return c.sc }

// seed creates the domains, spreads proxies over them round robin and places
// every client on a random proxy of the domain its strategy picks.
func (c *Context) seed() {
	for i := 1; i <= c.sc.Domains; i++ {
		c.Domains.CreateDomain(fmt.Sprintf("domain-%d", i))
	}
	ids := c.Domains.DomainIDs()

	for p := 1; p <= c.sc.Proxies; p++ {
		proxyID := uint32(p)
		c.Domains.AddProxy(ids[(p-1)%len(ids)], proxyID)
		c.Cross.RegisterAgent(proxyID, c.Local)
		c.proxies = append(c.proxies, proxyID)
	}

	rng := c.stream(streamSeeding)
	for u := 1; u <= c.sc.Clients; u++ {
		userID := uint32(u)
		domainID := c.Domains.AssignUserToDomain(userID)
		proxies := c.Domains.Proxies(domainID)
		if len(proxies) == 0 {
			continue
		}
		c.Shuffler.AssignUserToProxy(userID, proxies[rng.IntN(len(proxies))])
	}

	log.Info("simulation seeded", "run", c.RunID, "domains", len(ids), "proxies", len(c.proxies), "clients", c.sc.Clients, "attackers", len(c.sc.Attackers))
}

// Start arms the periodic loops and schedules the attack campaign.
func (c *Context) Start() error {
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	if c.sc.PeriodicShuffle {
		for _, id := range c.Domains.DomainIDs() {
			c.Shuffler.StartPeriodicShuffle(id)
		}
	}
	c.sampleID = c.Clock.Schedule(c.sc.SampleInterval, c.sample)
	c.decayID = c.Clock.Schedule(c.sc.DecayInterval, c.decay)
	c.rebalanceID = c.Clock.Schedule(c.sc.RebalanceInterval, c.rebalance)
	c.attackID = c.Clock.Schedule(c.sc.AttackStart, c.Attacks.StartAll)
	if c.sc.Evaluation {
		c.Defense.StartPeriodicEvaluation()
	}

	log.Info("simulation started", "run", c.RunID, "duration", c.sc.Duration, "attack_start", c.sc.AttackStart, "evaluation", c.sc.Evaluation)
	return nil
}

// Stop cancels every loop and stops the attackers. It is safe to call twice.
func (c *Context) Stop() {
	if !c.started {
		return
	}
	c.started = false

	for _, id := range []scheduler.EventID{c.sampleID, c.decayID, c.rebalanceID, c.attackID} {
		c.Clock.Cancel(id)
	}
	c.Attacks.StopAll()
	c.Shuffler.StopAll()
	c.Defense.StopPeriodicEvaluation()
	log.Info("simulation stopped", "run", c.RunID, "virtual_time", c.Clock.Now())
}

func (c *Context) Running() bool { return c.started }

// RunFor advances virtual time without starting or stopping anything.
func (c *Context) RunFor(d time.Duration) {
	c.Clock.RunFor(d)
	if c.metrics != nil {
		c.metrics.VirtualTime.Set(c.Clock.Now().Seconds())
	}
}

// Run starts the simulation, advances it for the scenario duration and stops
// it. Cancelling ctx stops early and returns the partial summary with the
// context error.
func (c *Context) Run(ctx context.Context) (Summary, error) {
	if err := c.Start(); err != nil {
		return Summary{}, err
	}

	end := c.Clock.Now() + c.sc.Duration
	for c.Clock.Now() < end {
		if err := ctx.Err(); err != nil {
			c.Stop()
			return c.Summary(), fmt.Errorf("simulation interrupted at %s: %w", c.Clock.Now(), err)
		}
		c.RunFor(min(runSlice, end-c.Clock.Now()))
	}

	c.Stop()
	return c.Summary(), nil
}

func (c *Context) sample() {
	now := c.Clock.Now()
	usersByProxy := c.Shuffler.UsersByProxy()
	domainLoad := make(map[uint32][]float64)

	for _, proxyID := range c.proxies {
		stats := c.Traffic.Sample(proxyID, now, c.sc.SampleInterval)
		c.Local.UpdateStats(proxyID, stats)

		wasAttacked := c.Local.IsUnderAttack(proxyID)
		obs := c.Local.Analyze(proxyID)
		if c.Global.IsTrained() && obs.Anomalous() {
			if label, confidence := c.Global.Predict(obs); label != domain.AttackNone {
				obs.SuspectedType = label
				obs.Confidence = confidence
			}
		}
		if !wasAttacked && c.Local.IsUnderAttack(proxyID) {
			c.detections++
			log.Info("attack detected", "proxy", proxyID, "type", obs.SuspectedType, "confidence", obs.Confidence)
			c.Bus.Publish(domain.NewEvent(domain.EventAttackDetected, now).
				With(domain.MetaProxyID, formatID(proxyID)).
				With(domain.MetaType, obs.SuspectedType.String()).
				With(domain.MetaConfidence, strconv.FormatFloat(obs.Confidence, 'f', 3, 64)))
		}

		if obs.Anomalous() {
			for _, userID := range usersByProxy[proxyID] {
				c.score(userID, obs)
			}
		}

		if domainID := c.Domains.ProxyDomain(proxyID); domainID != 0 {
			domainLoad[domainID] = append(domainLoad[domainID], utilization(stats, c.sc.ProxyCapacity))
		}
	}

	for _, id := range c.Domains.DomainIDs() {
		load := mean(domainLoad[id])
		c.Domains.UpdateLoadFactor(id, load)
		if c.metrics != nil {
			c.metrics.DomainLoad.WithLabelValues(formatID(id)).Set(load)
		}
	}

	if outliers := c.Cross.IdentifyOutliers(0); len(outliers) > 0 {
		c.outlierHits += uint64(len(outliers))
		log.Debug("cross-agent outliers", "proxies", outliers)
	}

	c.observeMetrics()
	c.sampleID = c.Clock.Schedule(c.sc.SampleInterval, c.sample)
}

// score feeds an observation to one user and announces the first crossing
// into HIGH or CRITICAL.
func (c *Context) score(userID uint32, obs domain.DetectionObservation) {
	before := c.Scores.GetRiskLevel(userID)
	s := c.Scores.UpdateScore(userID, obs)
	if before.Elevated() || !s.RiskLevel.Elevated() {
		return
	}
	c.crossings++
	c.Bus.Publish(domain.NewEvent(domain.EventThresholdExceeded, c.Clock.Now()).
		With(domain.MetaUserID, formatID(userID)).
		With(domain.MetaScore, strconv.FormatFloat(s.CurrentScore, 'f', 4, 64)).
		With(domain.MetaRiskLevel, s.RiskLevel.String()))
}

func (c *Context) decay() {
	c.Scores.ApplyTimeDecay(c.sc.DecayInterval)
	c.decayID = c.Clock.Schedule(c.sc.DecayInterval, c.decay)
}

func (c *Context) rebalance() {
	if c.Domains.NeedsRebalancing() {
		c.rebalances += uint64(c.Domains.AutoRebalance())
	}
	c.rebalanceID = c.Clock.Schedule(c.sc.RebalanceInterval, c.rebalance)
}

func (c *Context) onSplit(ev domain.MtdEvent) {
	newID, err := strconv.ParseUint(ev.Get(domain.MetaNewDomainID), 10, 32)
	if err != nil {
		return
	}
	if len(c.Domains.Proxies(uint32(newID))) == 0 {
		log.Warn("split domain has no proxies", "domain", newID, "from", ev.Get(domain.MetaDomainID))
	}
	if c.started && c.sc.PeriodicShuffle {
		c.Shuffler.StartPeriodicShuffle(uint32(newID))
	}
}

func (c *Context) onMerge(ev domain.MtdEvent) {
	merged, err := strconv.ParseUint(ev.Get(domain.MetaMergedDomainID), 10, 32)
	if err != nil {
		return
	}
	c.Shuffler.StopPeriodicShuffle(uint32(merged))
	if c.metrics != nil {
		c.metrics.DropDomain(uint32(merged))
	}
}

func (c *Context) observeMetrics() {
	if c.metrics == nil {
		return
	}
	for level, n := range c.Scores.RiskDistribution() {
		c.metrics.RiskUsers.WithLabelValues(level.String()).Set(float64(n))
	}
	stats := c.Attacks.Stats()
	c.metrics.AttackPackets.Set(float64(stats.PacketsSent))
	c.metrics.AttackBytes.Set(float64(stats.BytesSent))
	c.metrics.VirtualTime.Set(c.Clock.Now().Seconds())
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
