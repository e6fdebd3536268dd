package defense

import (
	"math/rand/v2"
	"testing"
	"time"

	"mtdbench/internal/detector"
	"mtdbench/internal/domain"
	"mtdbench/internal/domainmgr"
	"mtdbench/internal/eventbus"
	"mtdbench/internal/scheduler"
	"mtdbench/internal/scoring"
	"mtdbench/internal/shuffle"
)

type fixture struct {
	clock  *scheduler.Virtual
	c      Components
	bridge *Bridge
	a, b   uint32
}

func newFixture(cfg Config) *fixture {
	clock := scheduler.New()
	bus := eventbus.New(eventbus.WithHistory(1000))

	domains := domainmgr.NewManager(clock)
	domains.SetPublisher(bus)
	th := domainmgr.DefaultThresholds()
	th.MinUsers = 1
	th.MinProxies = 1
	domains.SetThresholds(th)

	scores := scoring.NewManager(clock)
	scores.SetPublisher(bus)

	shuffler := shuffle.NewController(clock, rand.New(rand.NewPCG(1, 2)), shuffle.DefaultConfig())
	shuffler.SetDomainSource(domains)
	shuffler.SetScoreSource(scores)
	shuffler.SetPublisher(bus)

	f := &fixture{clock: clock}
	f.c = Components{Domains: domains, Scores: scores, Shuffler: shuffler, Detector: detector.NewLocalDetector(), Bus: bus}

	f.a = domains.CreateDomain("a")
	domains.AddProxy(f.a, 1)
	domains.AddProxy(f.a, 2)
	domains.AddUser(f.a, 10)
	domains.AddUser(f.a, 11)
	f.b = domains.CreateDomain("b")
	domains.AddProxy(f.b, 3)
	domains.AddUser(f.b, 12)

	f.bridge = NewBridge(clock, f.c, cfg)
	return f
}

func TestExecuteDecisionActions(t *testing.T) {
	f := newFixture(DefaultConfig())

	if !f.bridge.ExecuteDecision(Shuffle(f.a, domain.ShuffleRoundRobin)) {
		t.Fatalf("TRIGGER_SHUFFLE on live domain failed")
	}
	if f.c.Shuffler.ProxyOf(10) == 0 {
		t.Fatalf("user 10 has no proxy after shuffle")
	}
	if f.bridge.ExecuteDecision(Shuffle(99, domain.ShuffleRandom)) {
		t.Fatalf("TRIGGER_SHUFFLE on unknown domain succeeded")
	}

	if !f.bridge.ExecuteDecision(Migrate(10, f.b)) {
		t.Fatalf("MIGRATE_USER failed")
	}
	if got := f.c.Domains.DomainOf(10); got != f.b {
		t.Fatalf("DomainOf(10) = %d, want %d", got, f.b)
	}
	if f.bridge.ExecuteDecision(Migrate(10, 99)) {
		t.Fatalf("MIGRATE_USER to unknown domain succeeded")
	}

	if !f.bridge.ExecuteDecision(UpdateScore(12, 0.9)) {
		t.Fatalf("UPDATE_SCORE failed")
	}
	if got := f.c.Scores.GetScore(12); got != 0.9 {
		t.Fatalf("GetScore(12) = %v, want 0.9", got)
	}

	if !f.bridge.ExecuteDecision(ChangeFrequency(f.a, time.Second)) {
		t.Fatalf("CHANGE_FREQUENCY failed")
	}
	if got := f.c.Domains.ShuffleFrequency(f.a); got != shuffle.DefaultConfig().MinFrequency {
		t.Fatalf("ShuffleFrequency = %v, want clamped %v", got, shuffle.DefaultConfig().MinFrequency)
	}

	if !f.bridge.ExecuteDecision(Split(f.b)) {
		t.Fatalf("SPLIT_DOMAIN failed")
	}
	if got := len(f.c.Domains.DomainIDs()); got != 3 {
		t.Fatalf("domains after split = %d, want 3", got)
	}

	if !f.bridge.ExecuteDecision(Merge(f.a, f.b)) {
		t.Fatalf("MERGE_DOMAINS failed")
	}
	if f.bridge.ExecuteDecision(Merge(f.a, f.a)) {
		t.Fatalf("MERGE_DOMAINS of a domain with itself succeeded")
	}

	if !f.bridge.ExecuteDecision(Decision{Action: ActionCustom, Reason: "note"}) {
		t.Fatalf("CUSTOM without handler failed")
	}
	if f.bridge.ExecuteDecision(Decision{Action: Action(42)}) {
		t.Fatalf("unknown action succeeded")
	}

	stats := f.bridge.Stats()
	if stats.TotalDecisions != 11 || stats.Failed != 4 {
		t.Fatalf("stats = %+v, want 11 total and 4 failed", stats)
	}
}

func TestExecuteDecisionsHonorsCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDecisionsPerEval = 3
	f := newFixture(cfg)

	decisions := make([]Decision, 5)
	if got := f.bridge.ExecuteDecisions(decisions); got != 3 {
		t.Fatalf("ExecuteDecisions() = %d, want 3", got)
	}
	if got := len(f.bridge.DecisionHistory(0)); got != 3 {
		t.Fatalf("history length = %d, want 3", got)
	}
}

func TestCustomHandlerPanicIsRecovered(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.bridge.Install(Overrides{Custom: func(Decision) bool { panic("boom") }})

	n := f.bridge.ExecuteDecisions([]Decision{{Action: ActionCustom}, {Action: ActionNone}})

	if n != 1 {
		t.Fatalf("ExecuteDecisions() = %d, want 1", n)
	}
	history := f.bridge.DecisionHistory(0)
	if history[0].Success || !history[1].Success {
		t.Fatalf("history = %+v, want failed custom then successful no-op", history)
	}
}

func TestPeriodicEvaluation(t *testing.T) {
	f := newFixture(DefaultConfig())

	if f.bridge.StartPeriodicEvaluation() {
		t.Fatalf("StartPeriodicEvaluation() without evaluator = true")
	}

	calls := 0
	f.bridge.Install(Overrides{Evaluate: func(s State) []Decision {
		calls++
		if calls == 2 {
			panic("evaluator bug")
		}
		return []Decision{Shuffle(f.a, domain.ShuffleRandom)}
	}})

	if !f.bridge.StartPeriodicEvaluation() {
		t.Fatalf("StartPeriodicEvaluation() = false")
	}
	if f.bridge.StartPeriodicEvaluation() {
		t.Fatalf("second StartPeriodicEvaluation() = true")
	}
	f.clock.RunUntil(3 * time.Second)

	if calls != 4 {
		t.Fatalf("evaluator calls = %d, want 4", calls)
	}
	stats := f.bridge.Stats()
	if stats.Evaluations != 4 || stats.TotalDecisions != 4 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 4 evaluations, 4 decisions, 1 failed", stats)
	}

	f.bridge.StopPeriodicEvaluation()
	f.clock.RunUntil(10 * time.Second)
	if calls != 4 || f.bridge.IsEvaluationRunning() {
		t.Fatalf("evaluation kept running after stop: calls = %d", calls)
	}
}

func TestInstallAndClearOverrides(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.bridge.Install(Overrides{
		Score:    func(uint32, domain.DetectionObservation, float64) float64 { return 0.42 },
		Classify: func(uint32, float64) domain.RiskLevel { return domain.RiskCritical },
	})

	s := f.c.Scores.UpdateScore(10, domain.DetectionObservation{})
	if s.CurrentScore != 0.42 || s.RiskLevel != domain.RiskCritical {
		t.Fatalf("score with overrides = %+v, want 0.42 CRITICAL", s)
	}

	f.bridge.ClearOverrides()
	s = f.c.Scores.UpdateScore(11, domain.DetectionObservation{})
	if s.CurrentScore != 0 || s.RiskLevel != domain.RiskLow {
		t.Fatalf("score after clear = %+v, want 0 LOW", s)
	}
}

func TestStateSnapshot(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.c.Detector.UpdateStats(1, domain.TrafficStats{PacketRate: 50})
	analyzed := f.c.Detector.Analyze(1)
	f.c.Scores.SetScore(10, 0.3)
	f.clock.RunFor(time.Second)

	s := f.bridge.State()
	if s.Now != time.Second {
		t.Fatalf("Now = %v, want 1s", s.Now)
	}
	if len(s.Domains) != 2 || len(s.Scores) != 1 {
		t.Fatalf("snapshot has %d domains and %d scores, want 2 and 1", len(s.Domains), len(s.Scores))
	}
	if got := s.ProxyStats[1].PacketRate; got != 50 {
		t.Fatalf("ProxyStats[1].PacketRate = %v, want 50", got)
	}
	if got, ok := s.Observations[1]; !ok || got != analyzed {
		t.Fatalf("Observations[1] = %+v/%v, want %+v", got, ok, analyzed)
	}
	if len(s.RecentEvents) == 0 {
		t.Fatalf("RecentEvents is empty")
	}
}

func TestStateDoesNotReanalyze(t *testing.T) {
	f := newFixture(DefaultConfig())
	th := f.c.Detector.Thresholds()
	f.c.Detector.UpdateStats(1, domain.TrafficStats{PacketRate: th.PacketRate * 3, ByteRate: th.ByteRate * 3})
	f.c.Detector.UpdateStats(2, domain.TrafficStats{PacketRate: 10})

	s := f.bridge.State()

	if f.c.Detector.IsUnderAttack(1) {
		t.Fatal("State() flagged proxy 1 as under attack")
	}
	if len(s.Observations) != 0 {
		t.Fatalf("Observations = %v, want none before any analysis", s.Observations)
	}
	if len(s.ProxyStats) != 2 {
		t.Fatalf("ProxyStats has %d entries, want 2", len(s.ProxyStats))
	}
}

func TestDecisionHistoryIsTrimmedByHalf(t *testing.T) {
	f := newFixture(DefaultConfig())
	for i := 0; i <= maxDecisionHistory; i++ {
		f.bridge.ExecuteDecision(Decision{})
	}

	if got := len(f.bridge.DecisionHistory(0)); got != maxDecisionHistory/2+1 {
		t.Fatalf("history length = %d, want %d", got, maxDecisionHistory/2+1)
	}
	if got := len(f.bridge.DecisionHistory(10)); got != 10 {
		t.Fatalf("DecisionHistory(10) length = %d, want 10", got)
	}
	if got := f.bridge.Stats().TotalDecisions; got != maxDecisionHistory+1 {
		t.Fatalf("TotalDecisions = %d, want %d", got, maxDecisionHistory+1)
	}

	f.bridge.ResetStats()
	if f.bridge.Stats().TotalDecisions != 0 || len(f.bridge.DecisionHistory(0)) != 0 {
		t.Fatalf("ResetStats did not clear state")
	}
}
