package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mtdbench/internal/app/version"
	"mtdbench/internal/config"
	"mtdbench/internal/database"
	"mtdbench/internal/detector"
	"mtdbench/internal/domain"
	"mtdbench/internal/engine"
	"mtdbench/internal/eventbus"
	"mtdbench/internal/support"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	settingsFlag := flag.String("settings", config.SettingsPath(), "Path to the settings file (.json, .yaml or .yml)")
	versionFlag := flag.Bool("version", false, "Print the build version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Get())
		return nil
	}

	if err := config.ReadSettings(*settingsFlag); err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	cfg := config.GetConfig()
	setLogLevel(support.GetEnv("LOG_LEVEL", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if support.RedisURL() != "" {
		client, err := support.GetRedisClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to get redis client: %w", err)
		}
		redisClient = client
		defer func() {
			if err := support.CloseRedisClient(); err != nil {
				log.Warn("error closing redis client", "error", err)
			}
		}()

		if cfg.Redis.SyncSettings {
			config.EnableRedisSynchronization(ctx, redisClient)
			defer config.DisableRedisSynchronization()
			cfg = config.GetConfig()
		}
	}

	sc, err := buildScenario(cfg)
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	applyEnvOverrides(&sc)

	recordRuns := support.GetEnvBool("RECORD_RUNS", cfg.Database.RecordRuns)
	useDB := recordRuns || cfg.Detector.TrainingDataset != ""
	if useDB {
		if err := openDatabase(); err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				log.Warn("error closing database", "error", err)
			}
		}()
	}

	global, err := loadGlobalDetector(ctx, cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sim, err := engine.New(sc,
		engine.WithMetrics(engine.NewMetrics(registry)),
		engine.WithGlobalDetector(global),
	)
	if err != nil {
		return err
	}

	log.Info("Simulation prepared",
		"run", sim.RunID,
		"seed", sc.Seed,
		"duration", sc.Duration,
		"domains", sc.Domains,
		"proxies", sc.Proxies,
		"clients", sc.Clients,
		"attackers", len(sc.Attackers),
		"version", version.Get().BuildVersion,
	)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	group, groupCtx := errgroup.WithContext(runCtx)

	var mirror *eventbus.RedisMirror
	if redisClient != nil && cfg.Redis.MirrorEvents {
		mirror = eventbus.NewRedisMirror(redisClient, sim.RunID, cfg.Redis.MaxList)
		mirror.Attach(sim.Bus)
		group.Go(func() error { return mirror.Run(groupCtx) })
		log.Info("Mirroring events to redis", "channel", mirror.Channel(), "list", mirror.ListKey())
	}

	if cfg.Redis.SyncSettings && redisClient != nil {
		group.Go(func() error {
			watchSettings(groupCtx, config.Updates())
			return nil
		})
	}

	if addr := support.GetEnv("METRICS_ADDR", ""); addr != "" {
		group.Go(func() error { return serveMetrics(groupCtx, addr, registry) })
	}

	startedAt := time.Now()
	if redisClient != nil {
		if others, err := ActiveRuns(ctx, redisClient); err != nil {
			log.Warn("Failed to list active runs", "error", err)
		} else if len(others) > 0 {
			log.Info("Other simulations are running against this redis", "runs", len(others))
		}

		hb := newRunHeartbeat(sim.RunID, sc.Seed, startedAt)
		group.Go(func() error {
			return runHeartbeat(groupCtx, redisClient, hb, DefaultHeartbeatInterval, DefaultHeartbeatTTL)
		})
	}

	var summary engine.Summary
	group.Go(func() error {
		defer cancelRun()
		s, err := sim.Run(groupCtx)
		summary = s
		if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
			log.Warn("Simulation interrupted", "virtual_time", s.VirtualTime)
			return nil
		}
		return err
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logSummary(summary)
	if mirror != nil {
		log.Info("Event mirror finished", "sent", mirror.Sent(), "dropped", mirror.Dropped())
	}

	if recordRuns {
		if err := database.RecordRun(context.Background(), runRecord(summary, startedAt)); err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
		log.Info("Run recorded", "run", summary.RunID)
	}

	return nil
}

// watchSettings applies log level changes pushed by other instances. Scenario
// changes only take effect on the next run.
func watchSettings(ctx context.Context, updates <-chan config.Config) {
	current := config.GetConfig()
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-updates:
			if next.LogLevel != current.LogLevel {
				setLogLevel(next.LogLevel)
			}
			if next.Simulation != current.Simulation || next.Attack.Start != current.Attack.Start {
				log.Info("Settings changed remotely; the running simulation keeps its scenario")
			}
			current = next
		}
	}
}

func setLogLevel(raw string) {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		log.Warn("invalid log level, using info", "value", raw)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func openDatabase() error {
	if support.GetEnv("DATABASE_URL", "") == "" {
		path := support.GetEnv("SQLITE_PATH", "data/mtdbench.db")
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if _, err := database.SetupDB(); err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}
	return nil
}

// loadGlobalDetector trains the classifier from the CSV file and the stored
// dataset when either is configured. CSV samples are saved under the dataset
// name so later runs can train without the file.
func loadGlobalDetector(ctx context.Context, cfg config.Config) (*detector.GlobalDetector, error) {
	global := detector.NewGlobalDetector()
	dataset := cfg.Detector.TrainingDataset

	if dataset != "" {
		stored, err := database.LoadTrainingSamples(ctx, dataset)
		if err != nil {
			return nil, err
		}
		global.LoadSamples(stored)
		log.Info("Training samples loaded from database", "dataset", dataset, "samples", len(stored))
	}

	if path := cfg.Detector.TrainingCSV; path != "" {
		fromCSV := detector.NewGlobalDetector()
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open training csv: %w", err)
		}
		_, err = fromCSV.LoadCSV(f)
		f.Close()
		if err != nil {
			return nil, err
		}

		samples := fromCSV.Samples()
		global.LoadSamples(samples)
		if dataset != "" {
			if err := database.SaveTrainingSamples(ctx, dataset, samples); err != nil {
				return nil, err
			}
		}
	}

	if global.SampleCount() == 0 {
		return global, nil
	}
	if err := global.Train(); err != nil {
		return nil, fmt.Errorf("failed to train global detector: %w", err)
	}
	return global, nil
}

func runRecord(s engine.Summary, startedAt time.Time) domain.SimulationRun {
	return domain.SimulationRun{
		RunID:              s.RunID,
		Seed:               s.Seed,
		VirtualDuration:    int64(s.VirtualTime),
		Domains:            s.Domains,
		TrackedUsers:       s.TrackedUsers,
		TotalShuffles:      s.Shuffles.TotalShuffles,
		SuccessfulShuffles: s.Shuffles.SuccessfulShuffles,
		AttackPackets:      s.Attack.PacketsSent,
		AttackBytes:        s.Attack.BytesSent,
		Detections:         s.Detections,
		DecisionsExecuted:  s.Defense.TotalDecisions,
		EventsPublished:    s.EventsPublished,
		StartedAt:          startedAt,
	}
}

func logSummary(s engine.Summary) {
	log.Info("Simulation finished",
		"run", s.RunID,
		"virtual_time", s.VirtualTime,
		"domains", s.Domains,
		"users", s.TrackedUsers,
		"shuffles", s.Shuffles.TotalShuffles,
		"shuffle_success", fmt.Sprintf("%.2f", s.Shuffles.SuccessRate),
		"switches", s.Shuffles.ProxySwitches,
		"attack_packets", s.Attack.PacketsSent,
		"detections", s.Detections,
		"rebalances", s.Rebalances,
		"events", s.EventsPublished,
		"avg_score", fmt.Sprintf("%.3f", s.AverageScore),
	)
	for _, name := range slices.Sorted(maps.Keys(s.EventCounts)) {
		log.Debug("Events", "type", name, "count", s.EventCounts[name])
	}
	for _, level := range domain.RiskLevels() {
		log.Debug("Risk distribution", "level", level, "users", s.RiskDistribution[level.String()])
	}
	for _, m := range s.DomainMetrics {
		log.Debug("Domain",
			"id", m.DomainID,
			"users", m.UserCount,
			"proxies", m.ProxyCount,
			"load", fmt.Sprintf("%.3f", m.LoadFactor),
			"avg_score", fmt.Sprintf("%.3f", m.AverageRiskScore),
			"shuffles", m.ShuffleCount,
		)
	}
}
