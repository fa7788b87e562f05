// Package config loads nour's YAML configuration and sets up logging.
package config

import (
	_ "embed"
	"os"
	"path/filepath"

	"github.com/TobiSchelling/nour/internal/llm"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Output     Output     `yaml:"output"`
	Logging    Logging    `yaml:"logging"`
	Signals    Signals    `yaml:"signals"`
	Narratives Narratives `yaml:"narratives"`
	LLM        LLM        `yaml:"llm"`
	Metrics    Metrics    `yaml:"metrics"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Signals controls signal computation.
type Signals struct {
	// PeriodDays is the window ending now that `run` and `signals compute`
	// use when no explicit dates are given.
	PeriodDays     int  `yaml:"period_days"`
	StallAfterDays int  `yaml:"stall_after_days"`
	Parallel       bool `yaml:"parallel"`
}

type Narratives struct {
	// RecentSignalDays bounds which stored signals auto-generation considers.
	RecentSignalDays int `yaml:"recent_signal_days"`
}

// LLM configures optional polishing of pattern narrative summaries.
type LLM struct {
	Enabled     bool   `yaml:"enabled"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	OllamaURL   string `yaml:"ollama_url"`
	OpenAIModel string `yaml:"openai_model"`
	OpenAIURL   string `yaml:"openai_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	MaxTokens   int    `yaml:"max_tokens"`
}

type Metrics struct {
	// Textfile, when set, receives prometheus metrics after each run in the
	// node exporter textfile format.
	Textfile string `yaml:"textfile"`
}

// ConfigDir returns the XDG config directory for nour.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "nour")
}

// DataDir returns the XDG data directory for nour.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "nour")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/nour/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", eris.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", eris.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'nour init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "config: read file")
	}
	return parse(data)
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(err)
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Logging: Logging{Level: "info", Format: "console"},
		Signals: Signals{
			PeriodDays:     90,
			StallAfterDays: 30,
			Parallel:       true,
		},
		Narratives: Narratives{RecentSignalDays: 7},
		LLM: LLM{
			Provider:    "ollama",
			Model:       "qwen2.5:7b",
			OllamaURL:   "http://localhost:11434",
			OpenAIModel: "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			MaxTokens:   300,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, eris.Wrap(err, "config: parse yaml")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Signals.PeriodDays <= 0:
		return eris.Errorf("config: signals.period_days must be positive, got %d", c.Signals.PeriodDays)
	case c.Signals.StallAfterDays <= 0:
		return eris.Errorf("config: signals.stall_after_days must be positive, got %d", c.Signals.StallAfterDays)
	case c.Narratives.RecentSignalDays <= 0:
		return eris.Errorf("config: narratives.recent_signal_days must be positive, got %d", c.Narratives.RecentSignalDays)
	case c.LLM.MaxTokens <= 0:
		return eris.Errorf("config: llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database location inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "nour.db")
}

// LLMOptions converts the llm section for llm.CreateProvider.
func (c *Config) LLMOptions() llm.Options {
	return llm.Options{
		Provider:    c.LLM.Provider,
		Model:       c.LLM.Model,
		OllamaURL:   c.LLM.OllamaURL,
		OpenAIModel: c.LLM.OpenAIModel,
		OpenAIURL:   c.LLM.OpenAIURL,
		APIKeyEnv:   c.LLM.APIKeyEnv,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg Logging) error {
	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
