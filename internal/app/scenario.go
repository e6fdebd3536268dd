package app

import (
	"errors"
	"fmt"
	"time"

	"mtdbench/internal/config"
	"mtdbench/internal/defense"
	"mtdbench/internal/detector"
	"mtdbench/internal/domain"
	"mtdbench/internal/domainmgr"
	"mtdbench/internal/engine"
	"mtdbench/internal/scoring"
	"mtdbench/internal/shuffle"
	"mtdbench/internal/support"
)

// buildScenario maps settings onto an engine scenario. Every unparsable enum
// is reported, not just the first.
func buildScenario(cfg config.Config) (engine.Scenario, error) {
	sc := engine.DefaultScenario()
	var errs []error

	sim := cfg.Simulation
	sc.Seed = sim.Seed
	sc.Duration = sim.Duration.Duration()
	sc.Domains = sim.Domains
	sc.Proxies = sim.Proxies
	sc.Clients = sim.Clients
	sc.EventHistory = sim.EventHistory
	sc.BaselineRate = sim.BaselineRate
	sc.ProxyCapacity = sim.ProxyCapacity
	sc.PacketSize = sim.PacketSize
	sc.SampleInterval = sim.SampleInterval.Duration()
	sc.DecayInterval = sim.DecayInterval.Duration()
	sc.RebalanceInterval = sim.RebalanceInterval.Duration()

	if strategy, ok := domainmgr.ParseStrategy(cfg.Domains.Strategy); ok {
		sc.DomainStrategy = strategy
	} else {
		errs = append(errs, fmt.Errorf("unknown domain strategy %q", cfg.Domains.Strategy))
	}
	if policy, ok := domainmgr.ParseDeletionPolicy(cfg.Domains.DeletionPolicy); ok {
		sc.DeletionPolicy = policy
	} else {
		errs = append(errs, fmt.Errorf("unknown deletion policy %q", cfg.Domains.DeletionPolicy))
	}
	sc.DomainThresholds = domainmgr.Thresholds{
		SplitThreshold: cfg.Domains.SplitThreshold,
		MergeThreshold: cfg.Domains.MergeThreshold,
		MinProxies:     cfg.Domains.MinProxies,
		MaxProxies:     cfg.Domains.MaxProxies,
		MinUsers:       cfg.Domains.MinUsers,
		MaxUsers:       cfg.Domains.MaxUsers,
	}

	sc.ScoreWeights = scoring.Weights{
		Alpha:  cfg.Scoring.Alpha,
		Beta:   cfg.Scoring.Beta,
		Gamma:  cfg.Scoring.Gamma,
		Delta:  cfg.Scoring.Delta,
		Lambda: cfg.Scoring.Lambda,
	}
	sc.ScoreThresholds = scoring.Thresholds{
		LowMax:    cfg.Scoring.LowMax,
		MediumMax: cfg.Scoring.MediumMax,
		HighMax:   cfg.Scoring.HighMax,
	}

	sc.DetectorThresholds = detector.Thresholds{
		PacketRate:   cfg.Detector.PacketRate,
		ByteRate:     cfg.Detector.ByteRate,
		Connections:  cfg.Detector.Connections,
		AnomalyScore: cfg.Detector.AnomalyScore,
	}
	sc.DetectorWindow = cfg.Detector.Window
	sc.CrossAgentFeatures = nil
	for _, raw := range cfg.Detector.CrossAgentFeatures {
		feature, ok := detector.ParseFeature(raw)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown cross-agent feature %q", raw))
			continue
		}
		sc.CrossAgentFeatures = append(sc.CrossAgentFeatures, feature)
	}

	sh := cfg.Shuffle
	sc.Shuffle = shuffle.Config{
		BaseFrequency:   sh.BaseFrequency.Duration(),
		MinFrequency:    sh.MinFrequency.Duration(),
		MaxFrequency:    sh.MaxFrequency.Duration(),
		RiskFactor:      sh.RiskFactor,
		SessionAffinity: sh.SessionAffinity,
		SessionTimeout:  sh.SessionTimeout.Duration(),
		BatchSize:       sh.BatchSize,
		Adaptive:        sh.Adaptive,
		PeriodicMode:    sc.Shuffle.PeriodicMode,
	}
	if mode, ok := domain.ParseShuffleMode(sh.PeriodicMode); ok {
		sc.Shuffle.PeriodicMode = mode
	} else {
		errs = append(errs, fmt.Errorf("unknown shuffle mode %q", sh.PeriodicMode))
	}
	sc.PeriodicShuffle = sh.Periodic

	sc.AttackStart = cfg.Attack.Start.Duration()
	sc.Stagger = cfg.Attack.Stagger.Duration()
	sc.Synchronized = cfg.Attack.Synchronized
	sc.Attackers = make([]engine.Attacker, 0, len(cfg.Attack.Attackers))
	for i, a := range cfg.Attack.Attackers {
		attacker, err := buildAttacker(a)
		if err != nil {
			errs = append(errs, fmt.Errorf("attacker %d: %w", i, err))
			continue
		}
		sc.Attackers = append(sc.Attackers, attacker)
	}

	sc.Evaluation = cfg.Defense.Evaluation
	sc.Defense = defense.Config{
		Name:                cfg.Defense.Algorithm,
		EvaluationInterval:  cfg.Defense.Interval.Duration(),
		MaxDecisionsPerEval: cfg.Defense.MaxDecisionsPerEval,
	}
	if level, ok := domain.ParseRiskLevel(cfg.Defense.RiskLevel); ok {
		sc.EvaluateRisk = level
	} else {
		errs = append(errs, fmt.Errorf("unknown risk level %q", cfg.Defense.RiskLevel))
	}

	if err := errors.Join(errs...); err != nil {
		return engine.Scenario{}, err
	}
	return sc, nil
}

func buildAttacker(a config.Attacker) (engine.Attacker, error) {
	var errs []error

	behavior, ok := domain.ParseAttackBehavior(a.Behavior)
	if !ok {
		errs = append(errs, fmt.Errorf("unknown behavior %q", a.Behavior))
	}
	attackType, ok := domain.ParseAttackType(a.Type)
	if !ok {
		errs = append(errs, fmt.Errorf("unknown attack type %q", a.Type))
	}
	if err := errors.Join(errs...); err != nil {
		return engine.Attacker{}, err
	}

	return engine.Attacker{
		Behavior: behavior,
		Params: domain.AttackParams{
			Type:           attackType,
			Rate:           a.Rate,
			PacketSize:     a.PacketSize,
			Duration:       a.Duration.Duration(),
			TargetProxies:  append([]uint32(nil), a.Targets...),
			AdaptToDefense: a.AdaptToDefense,
			Cooldown:       a.Cooldown.Duration(),
		},
	}, nil
}

// applyEnvOverrides lets SEED and DURATION_SECONDS replace the file values for
// one run without touching the settings file.
func applyEnvOverrides(sc *engine.Scenario) {
	if seed := support.GetEnvInt("SEED", -1); seed >= 0 {
		sc.Seed = uint64(seed)
	}
	if secs := support.GetEnvInt("DURATION_SECONDS", 0); secs > 0 {
		sc.Duration = time.Duration(secs) * time.Second
	}
}
