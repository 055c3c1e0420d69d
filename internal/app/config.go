package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scrollward/scrollward/internal/darkpattern"
	"github.com/scrollward/scrollward/internal/gateway"
	"github.com/scrollward/scrollward/internal/sampler"
	"github.com/scrollward/scrollward/internal/score"
)

// Config aggregates the runtime options of every wired component. Zero
// values inside the sub-configs fall back to each package's defaults.
type Config struct {
	// ListenAddr is where the HTTP/WS surface binds.
	ListenAddr string `yaml:"listen_addr"`

	// DBPath is the SQLite database file. Empty means in-memory.
	DBPath string `yaml:"db_path"`

	// HistoryCap bounds the persisted histories and the offline queue.
	HistoryCap int `yaml:"history_cap"`

	// LearningDays is how long after install interventions stay suppressed.
	LearningDays int `yaml:"learning_days"`

	// EnableCapture turns on headless screenshot capture for escalations.
	EnableCapture bool `yaml:"enable_capture"`

	GatewayCfg    gateway.Config               `yaml:"gateway"`
	OracleCfg     score.OracleConfig           `yaml:"oracle"`
	ClassifierCfg darkpattern.ClassifierConfig `yaml:"classifier"`
	ScannerCfg    darkpattern.Config           `yaml:"scanner"`
	SamplerCfg    sampler.Config               `yaml:"sampler"`
	CaptureCfg    darkpattern.CaptureConfig    `yaml:"capture"`
}

// DefaultConfig returns a Config populated with development defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    "127.0.0.1:8321",
		DBPath:        "scrollward.db",
		HistoryCap:    1000,
		LearningDays:  7,
		EnableCapture: false,
		GatewayCfg:    gateway.DefaultConfig(),
		OracleCfg:     score.DefaultOracleConfig(),
		ClassifierCfg: darkpattern.DefaultClassifierConfig(),
		ScannerCfg:    darkpattern.DefaultConfig(),
		SamplerCfg:    sampler.DefaultConfig(),
		CaptureCfg:    darkpattern.DefaultCaptureConfig(),
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error; the defaults stand.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}
