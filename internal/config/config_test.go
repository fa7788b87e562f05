package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.Signals.PeriodDays)
	assert.Equal(t, 30, cfg.Signals.StallAfterDays)
	assert.True(t, cfg.Signals.Parallel)
	assert.Equal(t, 7, cfg.Narratives.RecentSignalDays)
	assert.False(t, cfg.LLM.Enabled)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, 300, cfg.LLM.MaxTokens)
	assert.Empty(t, cfg.Metrics.Textfile)
}

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := parse([]byte(`
signals:
  period_days: 30
llm:
  enabled: true
  provider: openai
`))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Signals.PeriodDays)
	assert.True(t, cfg.LLM.Enabled)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	// Unspecified fields keep their defaults.
	assert.Equal(t, 30, cfg.Signals.StallAfterDays)
	assert.True(t, cfg.Signals.Parallel)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.OllamaURL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseRejectsNonPositiveWindows(t *testing.T) {
	for _, doc := range []string{
		"signals: {period_days: 0}",
		"signals: {stall_after_days: -1}",
		"narratives: {recent_signal_days: 0}",
		"llm: {max_tokens: 0}",
	} {
		_, err := parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := parse([]byte("signals: [unclosed"))
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfigYAML, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Signals.PeriodDays)
}

func TestResolveConfigPathExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nour.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfigYAML, 0o644))

	got, err := ResolveConfigPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = ResolveConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	assert.NotEmpty(t, cfg.GetDataDir())

	cfg.Output.DataDir = "/custom/path"
	assert.Equal(t, "/custom/path", cfg.GetDataDir())
	assert.Equal(t, filepath.Join("/custom/path", "nour.db"), cfg.DBPath())
}

func TestLLMOptions(t *testing.T) {
	cfg := Default()
	opts := cfg.LLMOptions()
	assert.Equal(t, "ollama", opts.Provider)
	assert.Equal(t, "gpt-4o-mini", opts.OpenAIModel)
	assert.Equal(t, "OPENAI_API_KEY", opts.APIKeyEnv)
}

func TestInitLogger(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	require.NoError(t, InitLogger(Logging{Level: "debug", Format: "json"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(Logging{Level: "WARN", Format: "console"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	assert.Error(t, InitLogger(Logging{Level: "loud"}))
}
