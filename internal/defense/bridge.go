// Package defense lets an external algorithm drive the engine: it installs the
// override hooks on the core components and executes the decisions a defense
// evaluator returns.
package defense

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"mtdbench/internal/detector"
	"mtdbench/internal/domain"
	"mtdbench/internal/domainmgr"
	"mtdbench/internal/eventbus"
	"mtdbench/internal/scheduler"
	"mtdbench/internal/scoring"
	"mtdbench/internal/shuffle"
)

const (
	maxDecisionHistory = 10000
	recentEventCount   = 100
)

type Evaluator func(state State) []Decision

// CustomHandler executes ActionCustom decisions. Without one, custom decisions
// are logged and count as successful.
type CustomHandler func(d Decision) bool

// Overrides are the hooks an algorithm may install. Nil fields leave the
// built-in behavior in place.
type Overrides struct {
	Score    scoring.ScoreFunc
	Classify scoring.ClassifyFunc
	Strategy shuffle.StrategyFunc
	Assign   domainmgr.AssignFunc
	Evaluate Evaluator
	Custom   CustomHandler
}

type Config struct {
	Name                string            `json:"name" yaml:"name"`
	EvaluationInterval  time.Duration     `json:"evaluation_interval" yaml:"evaluation_interval"`
	MaxDecisionsPerEval int               `json:"max_decisions_per_eval" yaml:"max_decisions_per_eval"`
	Parameters          map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Name:                "default",
		EvaluationInterval:  time.Second,
		MaxDecisionsPerEval: 10,
	}
}

// Components are the engine parts the bridge reads and drives. Any of them may
// be nil; decisions that need a missing component fail.
type Components struct {
	Domains  *domainmgr.Manager
	Scores   *scoring.Manager
	Shuffler *shuffle.Controller
	Detector *detector.LocalDetector
	Bus      *eventbus.Bus
}

type Stats struct {
	Evaluations       uint64        `json:"evaluations"`
	TotalDecisions    uint64        `json:"total_decisions"`
	Successful        uint64        `json:"successful_decisions"`
	Failed            uint64        `json:"failed_decisions"`
	SuccessRate       float64       `json:"success_rate"`
	AvgEvaluationTime time.Duration `json:"avg_evaluation_time"`
}

type Bridge struct {
	cfg   Config
	sched scheduler.Scheduler
	c     Components

	overrides Overrides

	running bool
	pending scheduler.EventID

	history     []Record
	evaluations uint64
	total       uint64
	successful  uint64
	failed      uint64
	evalTime    time.Duration
}

func NewBridge(sched scheduler.Scheduler, c Components, cfg Config) *Bridge {
	if cfg.MaxDecisionsPerEval <= 0 {
		cfg.MaxDecisionsPerEval = DefaultConfig().MaxDecisionsPerEval
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = DefaultConfig().EvaluationInterval
	}
	return &Bridge{cfg: cfg, sched: sched, c: c}
}

func (b *Bridge) Config() Config { return b.cfg }

func (b *Bridge) SetParameter(key, value string) {
	if b.cfg.Parameters == nil {
		b.cfg.Parameters = make(map[string]string)
	}
	b.cfg.Parameters[key] = value
}

func (b *Bridge) Parameter(key string) string {
	return b.cfg.Parameters[key]
}

// Install pushes the hooks in o onto the components. Hooks already installed
// and left nil in o stay in place.
func (b *Bridge) Install(o Overrides) {
	if o.Score != nil {
		b.overrides.Score = o.Score
		if b.c.Scores != nil {
			b.c.Scores.SetScoreFunc(o.Score)
		}
	}
	if o.Classify != nil {
		b.overrides.Classify = o.Classify
		if b.c.Scores != nil {
			b.c.Scores.SetClassifier(o.Classify)
		}
	}
	if o.Strategy != nil {
		b.overrides.Strategy = o.Strategy
		if b.c.Shuffler != nil {
			b.c.Shuffler.SetCustomStrategy(o.Strategy)
		}
	}
	if o.Assign != nil {
		b.overrides.Assign = o.Assign
		if b.c.Domains != nil {
			b.c.Domains.SetAssignFunc(o.Assign)
		}
	}
	if o.Evaluate != nil {
		b.overrides.Evaluate = o.Evaluate
	}
	if o.Custom != nil {
		b.overrides.Custom = o.Custom
	}
	log.Info("defense overrides installed", "algorithm", b.cfg.Name,
		"score", o.Score != nil, "classify", o.Classify != nil, "strategy", o.Strategy != nil,
		"assign", o.Assign != nil, "evaluate", o.Evaluate != nil)
}

// ClearOverrides restores the built-in behavior everywhere and stops periodic
// evaluation.
func (b *Bridge) ClearOverrides() {
	b.StopPeriodicEvaluation()
	b.overrides = Overrides{}
	if b.c.Scores != nil {
		b.c.Scores.SetScoreFunc(nil)
		b.c.Scores.SetClassifier(nil)
	}
	if b.c.Shuffler != nil {
		b.c.Shuffler.SetCustomStrategy(nil)
	}
	if b.c.Domains != nil {
		b.c.Domains.SetAssignFunc(nil)
	}
}

func (b *Bridge) HasEvaluator() bool { return b.overrides.Evaluate != nil }

// State collects a snapshot of every component the bridge knows about.
func (b *Bridge) State() State {
	s := State{
		Domains:      make(map[uint32]domain.Domain),
		Scores:       make(map[uint32]domain.UserScore),
		ProxyStats:   make(map[uint32]domain.TrafficStats),
		Observations: make(map[uint32]domain.DetectionObservation),
	}
	if b.sched != nil {
		s.Now = b.sched.Now()
	}
	if b.c.Domains != nil {
		for _, d := range b.c.Domains.Domains() {
			s.Domains[d.ID] = d
		}
	}
	if b.c.Scores != nil {
		s.Scores = b.c.Scores.Scores()
	}
	if b.c.Detector != nil {
		for _, proxyID := range b.c.Detector.MonitoredAgents() {
			if stats, ok := b.c.Detector.Stats(proxyID); ok {
				s.ProxyStats[proxyID] = stats
			}
			if obs, ok := b.c.Detector.LastObservation(proxyID); ok {
				s.Observations[proxyID] = obs
			}
		}
	}
	if b.c.Bus != nil {
		history := b.c.Bus.History()
		if len(history) > recentEventCount {
			history = history[len(history)-recentEventCount:]
		}
		s.RecentEvents = history
	}
	return s
}

// ExecuteDecision runs one decision and records the outcome. A panic while
// executing counts as a failure.
func (b *Bridge) ExecuteDecision(d Decision) (success bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("defense decision panicked", "action", d.Action, "panic", fmt.Sprint(r))
			success = false
		}
		b.recordDecision(d, success)
	}()

	switch d.Action {
	case ActionNone:
		return true
	case ActionTriggerShuffle:
		if b.c.Shuffler == nil {
			return false
		}
		return b.c.Shuffler.TriggerShuffle(d.DomainID, d.Mode).Success
	case ActionMigrateUser:
		return b.c.Domains != nil && b.c.Domains.MoveUser(d.UserID, d.DomainID)
	case ActionSplitDomain:
		return b.c.Domains != nil && b.c.Domains.SplitDomain(d.DomainID) != 0
	case ActionMergeDomains:
		return b.c.Domains != nil && b.c.Domains.MergeDomain(d.DomainID, d.SecondaryDomainID) != 0
	case ActionUpdateScore:
		if b.c.Scores == nil {
			return false
		}
		b.c.Scores.SetScore(d.UserID, d.Score)
		return true
	case ActionChangeFrequency:
		return b.c.Shuffler != nil && b.c.Shuffler.SetFrequency(d.DomainID, d.Frequency)
	case ActionCustom:
		if b.overrides.Custom != nil {
			return b.overrides.Custom(d)
		}
		log.Info("custom defense action", "reason", d.Reason, "params", d.Params)
		return true
	default:
		log.Warn("unknown defense action", "action", d.Action)
		return false
	}
}

// ExecuteDecisions runs decisions in order up to MaxDecisionsPerEval and
// returns how many succeeded.
func (b *Bridge) ExecuteDecisions(decisions []Decision) int {
	succeeded := 0
	for i, d := range decisions {
		if i >= b.cfg.MaxDecisionsPerEval {
			log.Debug("defense decisions truncated", "returned", len(decisions), "cap", b.cfg.MaxDecisionsPerEval)
			break
		}
		if b.ExecuteDecision(d) {
			succeeded++
		}
	}
	return succeeded
}

// AssignUserToProxy places a user directly, outside any shuffle.
func (b *Bridge) AssignUserToProxy(userID, proxyID uint32) bool {
	return b.c.Shuffler != nil && b.c.Shuffler.AssignUserToProxy(userID, proxyID)
}

// TriggerEvaluation runs the evaluator once and executes what it returns.
func (b *Bridge) TriggerEvaluation() int {
	if b.overrides.Evaluate == nil {
		log.Warn("no defense evaluator installed")
		return 0
	}

	state := b.State()
	started := time.Now()
	decisions, ok := b.evaluate(state)
	elapsed := time.Since(started)

	b.evalTime = time.Duration((int64(b.evalTime)*int64(b.evaluations) + int64(elapsed)) / int64(b.evaluations+1))
	b.evaluations++

	if !ok {
		b.recordDecision(Decision{Action: ActionNone, Reason: "evaluator panicked"}, false)
		return 0
	}
	return b.ExecuteDecisions(decisions)
}

func (b *Bridge) evaluate(state State) (decisions []Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("defense evaluator panicked", "algorithm", b.cfg.Name, "panic", fmt.Sprint(r))
			decisions, ok = nil, false
		}
	}()
	return b.overrides.Evaluate(state), true
}

// StartPeriodicEvaluation evaluates now and then every EvaluationInterval.
func (b *Bridge) StartPeriodicEvaluation() bool {
	if b.running {
		log.Warn("defense evaluation already running")
		return false
	}
	if b.overrides.Evaluate == nil {
		log.Warn("no defense evaluator installed")
		return false
	}
	b.running = true
	b.periodicEvaluation()
	return true
}

func (b *Bridge) periodicEvaluation() {
	if !b.running {
		return
	}
	b.TriggerEvaluation()
	if b.running {
		b.pending = b.sched.Schedule(b.cfg.EvaluationInterval, b.periodicEvaluation)
	}
}

func (b *Bridge) StopPeriodicEvaluation() {
	if !b.running {
		return
	}
	b.running = false
	b.sched.Cancel(b.pending)
}

func (b *Bridge) IsEvaluationRunning() bool { return b.running }

func (b *Bridge) recordDecision(d Decision, success bool) {
	var at time.Duration
	if b.sched != nil {
		at = b.sched.Now()
	}
	b.history = append(b.history, Record{At: at, Decision: d, Success: success})
	if len(b.history) > maxDecisionHistory {
		b.history = append([]Record(nil), b.history[maxDecisionHistory/2:]...)
	}

	b.total++
	if success {
		b.successful++
	} else {
		b.failed++
	}
}

// DecisionHistory returns the newest count records, oldest first.
func (b *Bridge) DecisionHistory(count int) []Record {
	h := b.history
	if count > 0 && len(h) > count {
		h = h[len(h)-count:]
	}
	return append([]Record(nil), h...)
}

func (b *Bridge) Stats() Stats {
	s := Stats{
		Evaluations:       b.evaluations,
		TotalDecisions:    b.total,
		Successful:        b.successful,
		Failed:            b.failed,
		AvgEvaluationTime: b.evalTime,
	}
	if b.total > 0 {
		s.SuccessRate = float64(b.successful) / float64(b.total)
	}
	return s
}

func (b *Bridge) ResetStats() {
	b.evaluations = 0
	b.total = 0
	b.successful = 0
	b.failed = 0
	b.evalTime = 0
	b.history = nil
}
