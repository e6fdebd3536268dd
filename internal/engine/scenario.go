package engine

import (
	"errors"
	"fmt"
	"time"

	"mtdbench/internal/defense"
	"mtdbench/internal/detector"
	"mtdbench/internal/domain"
	"mtdbench/internal/domainmgr"
	"mtdbench/internal/scoring"
	"mtdbench/internal/shuffle"
)

var (
	ErrNoDomains       = errors.New("scenario needs at least one domain")
	ErrTooFewProxies   = errors.New("scenario needs at least one proxy per domain")
	ErrInvalidInterval = errors.New("scenario intervals must be positive")
)

// Attacker describes one generator of the attack campaign.
type Attacker struct {
	Behavior domain.AttackBehavior
	Params   domain.AttackParams
}

// Scenario is everything a Context needs to seed and run one simulation.
type Scenario struct {
	Seed     uint64
	Duration time.Duration

	Domains int
	Proxies int
	Clients int

	SampleInterval    time.Duration
	DecayInterval     time.Duration
	RebalanceInterval time.Duration

	BaselineRate  float64
	ProxyCapacity float64
	PacketSize    uint32
	EventHistory  int

	DomainStrategy     domainmgr.Strategy
	DeletionPolicy     domainmgr.DeletionPolicy
	DomainThresholds   domainmgr.Thresholds
	ScoreWeights       scoring.Weights
	ScoreThresholds    scoring.Thresholds
	DetectorThresholds detector.Thresholds
	DetectorWindow     int
	CrossAgentFeatures []detector.Feature
	Shuffle            shuffle.Config
	PeriodicShuffle    bool

	Attackers    []Attacker
	AttackStart  time.Duration
	Stagger      time.Duration
	Synchronized bool

	Evaluation   bool
	EvaluateRisk domain.RiskLevel
	Defense      defense.Config
}

func DefaultScenario() Scenario {
	attack := domain.DefaultAttackParams()
	attack.Duration = 0
	attack.TargetProxies = []uint32{1, 2}

	// Load factor is mean proxy utilization; baseline traffic sits near 0.01.
	domains := domainmgr.DefaultThresholds()
	domains.MergeThreshold = 0.005

	return Scenario{
		Seed:              1,
		Duration:          300 * time.Second,
		Domains:           3,
		Proxies:           10,
		Clients:           100,
		SampleInterval:    time.Second,
		DecayInterval:     time.Second,
		RebalanceInterval: 30 * time.Second,
		BaselineRate:      5,
		ProxyCapacity:     5000,
		PacketSize:        512,
		EventHistory:      10000,
		DomainStrategy:    domainmgr.StrategyConsistentHash,
		DeletionPolicy:    domainmgr.DeleteToLeastLoaded,
		DomainThresholds:  domains,
		ScoreWeights:      scoring.DefaultWeights(),
		ScoreThresholds:   scoring.DefaultThresholds(),
		DetectorThresholds: detector.Thresholds{
			PacketRate:   400,
			ByteRate:     200000,
			Connections:  200,
			AnomalyScore: 0.7,
		},
		DetectorWindow:     60,
		CrossAgentFeatures: []detector.Feature{detector.FeaturePacketRate},
		Shuffle:            shuffle.DefaultConfig(),
		PeriodicShuffle:    true,
		Attackers: []Attacker{
			{Behavior: domain.BehaviorAdaptive, Params: attack},
		},
		AttackStart:  30 * time.Second,
		Stagger:      time.Second,
		EvaluateRisk: domain.RiskHigh,
		Defense:      defense.DefaultConfig(),
	}
}

// Validate reports every structural problem at once.
func (s Scenario) Validate() error {
	var errs []error
	if s.Domains <= 0 {
		errs = append(errs, ErrNoDomains)
	}
	if s.Proxies < s.Domains {
		errs = append(errs, fmt.Errorf("%w: %d proxies for %d domains", ErrTooFewProxies, s.Proxies, s.Domains))
	}
	if s.SampleInterval <= 0 || s.DecayInterval <= 0 || s.RebalanceInterval <= 0 || s.Duration <= 0 {
		errs = append(errs, ErrInvalidInterval)
	}
	if s.Clients < 0 {
		errs = append(errs, fmt.Errorf("negative client count %d", s.Clients))
	}
	if s.ProxyCapacity <= 0 {
		errs = append(errs, fmt.Errorf("proxy capacity must be positive, got %v", s.ProxyCapacity))
	}
	if err := s.ScoreThresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
