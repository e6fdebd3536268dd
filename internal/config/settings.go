package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"mtdbench/internal/support"
)

type Config struct {
	LogLevel string `json:"log_level" yaml:"log_level"`

	Simulation struct {
		Seed              uint64  `json:"seed" yaml:"seed"`
		Duration          Timer   `json:"duration" yaml:"duration"`
		Domains           int     `json:"domains" yaml:"domains"`
		Proxies           int     `json:"proxies" yaml:"proxies"`
		Clients           int     `json:"clients" yaml:"clients"`
		EventHistory      int     `json:"event_history" yaml:"event_history"`
		BaselineRate      float64 `json:"baseline_rate" yaml:"baseline_rate"`
		ProxyCapacity     float64 `json:"proxy_capacity" yaml:"proxy_capacity"`
		PacketSize        uint32  `json:"packet_size" yaml:"packet_size"`
		SampleInterval    Timer   `json:"sample_interval" yaml:"sample_interval"`
		DecayInterval     Timer   `json:"decay_interval" yaml:"decay_interval"`
		RebalanceInterval Timer   `json:"rebalance_interval" yaml:"rebalance_interval"`
	} `json:"simulation" yaml:"simulation"`

	Domains struct {
		Strategy       string  `json:"strategy" yaml:"strategy"`
		DeletionPolicy string  `json:"deletion_policy" yaml:"deletion_policy"`
		SplitThreshold float64 `json:"split_threshold" yaml:"split_threshold"`
		MergeThreshold float64 `json:"merge_threshold" yaml:"merge_threshold"`
		MinProxies     int     `json:"min_proxies" yaml:"min_proxies"`
		MaxProxies     int     `json:"max_proxies" yaml:"max_proxies"`
		MinUsers       int     `json:"min_users" yaml:"min_users"`
		MaxUsers       int     `json:"max_users" yaml:"max_users"`
	} `json:"domains" yaml:"domains"`

	Scoring struct {
		Alpha     float64 `json:"alpha" yaml:"alpha"`
		Beta      float64 `json:"beta" yaml:"beta"`
		Gamma     float64 `json:"gamma" yaml:"gamma"`
		Delta     float64 `json:"delta" yaml:"delta"`
		Lambda    float64 `json:"lambda" yaml:"lambda"`
		LowMax    float64 `json:"low_max" yaml:"low_max"`
		MediumMax float64 `json:"medium_max" yaml:"medium_max"`
		HighMax   float64 `json:"high_max" yaml:"high_max"`
	} `json:"scoring" yaml:"scoring"`

	Detector struct {
		PacketRate         float64  `json:"packet_rate" yaml:"packet_rate"`
		ByteRate           float64  `json:"byte_rate" yaml:"byte_rate"`
		Connections        float64  `json:"connections" yaml:"connections"`
		AnomalyScore       float64  `json:"anomaly_score" yaml:"anomaly_score"`
		Window             int      `json:"window" yaml:"window"`
		CrossAgentFeatures []string `json:"cross_agent_features" yaml:"cross_agent_features"`
		TrainingCSV        string   `json:"training_csv,omitempty" yaml:"training_csv,omitempty"`
		TrainingDataset    string   `json:"training_dataset,omitempty" yaml:"training_dataset,omitempty"`
	} `json:"detector" yaml:"detector"`

	Shuffle struct {
		BaseFrequency   Timer   `json:"base_frequency" yaml:"base_frequency"`
		MinFrequency    Timer   `json:"min_frequency" yaml:"min_frequency"`
		MaxFrequency    Timer   `json:"max_frequency" yaml:"max_frequency"`
		RiskFactor      float64 `json:"risk_factor" yaml:"risk_factor"`
		SessionAffinity bool    `json:"session_affinity" yaml:"session_affinity"`
		SessionTimeout  Timer   `json:"session_timeout" yaml:"session_timeout"`
		BatchSize       int     `json:"batch_size" yaml:"batch_size"`
		Adaptive        bool    `json:"adaptive" yaml:"adaptive"`
		Periodic        bool    `json:"periodic" yaml:"periodic"`
		PeriodicMode    string  `json:"periodic_mode" yaml:"periodic_mode"`
	} `json:"shuffle" yaml:"shuffle"`

	Attack struct {
		Start        Timer      `json:"start" yaml:"start"`
		Stagger      Timer      `json:"stagger" yaml:"stagger"`
		Synchronized bool       `json:"synchronized" yaml:"synchronized"`
		Attackers    []Attacker `json:"attackers" yaml:"attackers"`
	} `json:"attack" yaml:"attack"`

	Defense struct {
		Evaluation          bool   `json:"evaluation" yaml:"evaluation"`
		Algorithm           string `json:"algorithm" yaml:"algorithm"`
		Interval            Timer  `json:"interval" yaml:"interval"`
		MaxDecisionsPerEval int    `json:"max_decisions_per_eval" yaml:"max_decisions_per_eval"`
		RiskLevel           string `json:"risk_level" yaml:"risk_level"`
	} `json:"defense" yaml:"defense"`

	Redis struct {
		MirrorEvents bool `json:"mirror_events" yaml:"mirror_events"`
		MaxList      int  `json:"max_list" yaml:"max_list"`
		SyncSettings bool `json:"sync_settings" yaml:"sync_settings"`
	} `json:"redis" yaml:"redis"`

	Database struct {
		RecordRuns bool `json:"record_runs" yaml:"record_runs"`
	} `json:"database" yaml:"database"`
}

type Attacker struct {
	Behavior       string   `json:"behavior" yaml:"behavior"`
	Type           string   `json:"type" yaml:"type"`
	Rate           float64  `json:"rate" yaml:"rate"`
	PacketSize     uint32   `json:"packet_size" yaml:"packet_size"`
	Duration       Timer    `json:"duration" yaml:"duration"`
	Targets        []uint32 `json:"targets" yaml:"targets"`
	AdaptToDefense bool     `json:"adapt_to_defense" yaml:"adapt_to_defense"`
	Cooldown       Timer    `json:"cooldown" yaml:"cooldown"`
}

const defaultSettingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configPath  atomic.Value
	configMu    sync.Mutex

	updateListeners []chan Config
	listenersMu     sync.Mutex
)

func init() {
	configValue.Store(Config{})
	configPath.Store(defaultSettingsFilePath)
}

// Default returns the embedded default settings.
func Default() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse embedded settings: %w", err)
	}
	return cfg, nil
}

// SettingsPath is SETTINGS_PATH when set, else data/settings.json.
func SettingsPath() string {
	return support.GetEnv("SETTINGS_PATH", defaultSettingsFilePath)
}

// ReadSettings loads the settings file, writing the embedded defaults there
// first when it does not exist. Files ending in .yaml or .yml are read as YAML.
func ReadSettings(path string) error {
	if path == "" {
		path = defaultSettingsFilePath
	}
	configPath.Store(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read settings %s: %w", path, err)
		}
		log.Warn("Settings file not found, creating with default configuration", "path", path)

		defaults, derr := Default()
		if derr != nil {
			return derr
		}
		data, err = encode(path, defaults)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return fmt.Errorf("create settings directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write default settings: %w", err)
		}
	}

	newConfig, err := decode(path, data)
	if err != nil {
		return err
	}
	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "path", path)
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// decode starts from the embedded defaults so a partial file only overrides
// the keys it names.
func decode(path string, data []byte) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return cfg, nil
}

func encode(path string, cfg Config) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return data, nil
}

// SetConfig stores cfg, writes it back to the settings file and publishes it to
// other instances when redis sync is on.
func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	notifyListeners(newConfig)

	var errs []error

	if opts.persistToFile {
		path := configPath.Load().(string)
		if data, err := encode(path, newConfig); err != nil {
			errs = append(errs, err)
		} else if err := os.WriteFile(path, data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write settings: %w", err))
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, fmt.Errorf("serialize settings for broadcast: %w", err))
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, fmt.Errorf("broadcast settings: %w", err))
		}
	}

	if opts.source != "" {
		log.Debug("Configuration applied", "source", opts.source)
	} else {
		log.Debug("Configuration applied")
	}

	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

// Updates delivers the current settings and then every later change. Slow
// readers miss intermediate values.
func Updates() <-chan Config {
	ch := make(chan Config, 1)
	listenersMu.Lock()
	ch <- GetConfig()
	updateListeners = append(updateListeners, ch)
	listenersMu.Unlock()
	return ch
}

func notifyListeners(cfg Config) {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range updateListeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}
