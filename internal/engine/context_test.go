package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mtdbench/internal/detector"
	"mtdbench/internal/domain"
)

func quietScenario() Scenario {
	sc := DefaultScenario()
	sc.Attackers = nil
	sc.PeriodicShuffle = false
	return sc
}

func TestDefaultScenarioIsValid(t *testing.T) {
	if err := DefaultScenario().Validate(); err != nil {
		t.Fatalf("DefaultScenario().Validate() = %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	sc := DefaultScenario()
	sc.Domains = 0
	sc.SampleInterval = 0

	err := sc.Validate()
	if !errors.Is(err, ErrNoDomains) || !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("Validate() = %v, want ErrNoDomains and ErrInvalidInterval", err)
	}

	sc = DefaultScenario()
	sc.Proxies = 2
	if err := sc.Validate(); !errors.Is(err, ErrTooFewProxies) {
		t.Fatalf("Validate() = %v, want ErrTooFewProxies", err)
	}

	if _, err := New(sc); err == nil {
		t.Fatalf("New() with invalid scenario returned no error")
	}
}

func TestNewSeedsTopology(t *testing.T) {
	c, err := New(DefaultScenario(), WithRunID("seed-test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if c.RunID != "seed-test" {
		t.Fatalf("RunID = %q, want seed-test", c.RunID)
	}
	ids := c.Domains.DomainIDs()
	if len(ids) != 3 {
		t.Fatalf("domains = %d, want 3", len(ids))
	}
	if got := len(c.Domains.Proxies(ids[0])); got != 4 {
		t.Fatalf("proxies in first domain = %d, want 4", got)
	}
	if err := c.Domains.Validate(); err != nil {
		t.Fatalf("Domains.Validate() = %v", err)
	}

	for u := uint32(1); u <= 100; u++ {
		proxyID := c.Shuffler.ProxyOf(u)
		if proxyID == 0 {
			t.Fatalf("user %d has no proxy", u)
		}
		if c.Domains.ProxyDomain(proxyID) != c.Domains.DomainOf(u) {
			t.Fatalf("user %d sits on proxy %d outside its domain", u, proxyID)
		}
	}
	if got := len(c.Cross.Agents()); got != 10 {
		t.Fatalf("cross-agent agents = %d, want 10", got)
	}
}

func TestNewGeneratesRunID(t *testing.T) {
	a, err := New(quietScenario())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b, err := New(quietScenario())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.RunID == "" || a.RunID == b.RunID {
		t.Fatalf("run ids %q and %q, want distinct non-empty", a.RunID, b.RunID)
	}
}

func TestRunDetectsAttackAndShuffles(t *testing.T) {
	sc := DefaultScenario()
	sc.Duration = 90 * time.Second
	sc.AttackStart = 10 * time.Second

	global := detector.NewGlobalDetector()
	if err := global.AddSample([]float64{0.9, 0.2, 0.9, 0.5}, domain.AttackDoS); err != nil {
		t.Fatalf("AddSample() error = %v", err)
	}
	if err := global.Train(); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	c, err := New(sc, WithGlobalDetector(global))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.VirtualTime != 90*time.Second {
		t.Fatalf("VirtualTime = %v, want 90s", summary.VirtualTime)
	}
	if summary.Detections == 0 || summary.EventCounts["ATTACK_DETECTED"] == 0 {
		t.Fatalf("summary = %+v, want at least one detection", summary)
	}
	if summary.Attack.PacketsSent == 0 {
		t.Fatalf("attack sent no packets")
	}
	if summary.Attack.Active != 0 {
		t.Fatalf("active attackers after Run = %d, want 0", summary.Attack.Active)
	}
	if summary.Shuffles.SuccessfulShuffles == 0 {
		t.Fatalf("no successful shuffles in %+v", summary.Shuffles)
	}
	if len(global.PredictionLog()) == 0 {
		t.Fatalf("trained global detector was never consulted")
	}
	if len(summary.DomainMetrics) != summary.Domains {
		t.Fatalf("domain metrics = %d, want %d", len(summary.DomainMetrics), summary.Domains)
	}
	if c.Running() || c.Clock.Pending() != 0 {
		t.Fatalf("loops still armed after Run: running=%v pending=%d", c.Running(), c.Clock.Pending())
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	c, err := New(quietScenario())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.VirtualTime != 0 {
		t.Fatalf("VirtualTime = %v, want 0", summary.VirtualTime)
	}
}

func TestStartTwice(t *testing.T) {
	c, err := New(quietScenario())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	c.Stop()
	c.Stop()
}

func TestEvaluationShufflesRiskyDomain(t *testing.T) {
	sc := quietScenario()
	sc.Evaluation = true
	c, err := New(sc)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Scores.SetScore(1, 0.95)

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	stats := c.Defense.Stats()
	if stats.Evaluations != 1 || stats.Successful != 1 {
		t.Fatalf("defense stats = %+v, want one evaluation with one successful decision", stats)
	}
	if got := c.Shuffler.DomainShuffleCount(c.Domains.DomainOf(1)); got != 1 {
		t.Fatalf("shuffles of risky domain = %d, want 1", got)
	}
}

func TestSplitAndMergeKeepShuffleTimers(t *testing.T) {
	sc := DefaultScenario()
	sc.Attackers = nil
	sc.DomainThresholds.MinUsers = 1
	c, err := New(sc)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	first := c.Domains.DomainIDs()[0]
	newID := c.Domains.SplitDomain(first)
	if newID == 0 {
		t.Fatalf("SplitDomain(%d) refused", first)
	}
	if !c.Shuffler.PeriodicActive(newID) {
		t.Fatalf("split domain %d has no shuffle timer", newID)
	}

	if c.Domains.MergeDomain(first, newID) == 0 {
		t.Fatalf("MergeDomain(%d, %d) refused", first, newID)
	}
	if c.Shuffler.PeriodicActive(newID) {
		t.Fatalf("merged domain %d still has a shuffle timer", newID)
	}
}

func TestMetricsFollowBus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	c, err := New(quietScenario(), WithMetrics(m))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c.Bus.Publish(domain.NewEvent(domain.EventAttackDetected, 0).With(domain.MetaType, "DOS"))
	c.Bus.Publish(domain.NewEvent(domain.EventShuffleCompleted, 0).
		With(domain.MetaMode, "RANDOM").
		With(domain.MetaUsersAffected, "3"))

	if got := testutil.ToFloat64(m.DetectionsTotal.WithLabelValues("DOS")); got != 1 {
		t.Fatalf("detections{DOS} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ShufflesTotal.WithLabelValues("RANDOM")); got != 1 {
		t.Fatalf("shuffles{RANDOM} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("SHUFFLE_COMPLETED")); got != 1 {
		t.Fatalf("events{SHUFFLE_COMPLETED} = %v, want 1", got)
	}

	c.RunFor(2 * time.Second)
	if got := testutil.ToFloat64(m.VirtualTime); got != 2 {
		t.Fatalf("virtual time gauge = %v, want 2", got)
	}
}
