package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/textbook-forge/internal/llm"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"output_dir": "books",
		"writer_max_workers": 8,
		"unit_timeout": "90s",
		"validator_pass_threshold": 6.5,
		"verbose": true
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "books", cfg.OutputDir)
	assert.Equal(t, 8, cfg.WriterMaxWorkers)
	assert.Equal(t, DefaultMaxWorkers, cfg.ResearchMaxWorkers)
	assert.Equal(t, 90*time.Second, cfg.UnitTimeout)
	assert.Equal(t, 6.5, cfg.PassThreshold)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestLoad_ValidHCL(t *testing.T) {
	path := writeFile(t, "config.hcl", `
output_dir         = "books"
graph_store_driver = "sqlite"
sqlite_path        = "kg.db"
qa_max_workers     = 4
cancel_grace       = "5s"
use_browser        = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "books", cfg.OutputDir)
	assert.Equal(t, "sqlite", cfg.GraphStoreDriver)
	assert.Equal(t, "kg.db", cfg.SQLitePath)
	assert.Equal(t, 4, cfg.QAMaxWorkers)
	assert.Equal(t, 5*time.Second, cfg.CancelGrace)
	assert.True(t, cfg.UseBrowser)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		want string
	}{
		{"empty path", func(*testing.T) string { return "" }, "config path is empty"},
		{"missing file", func(*testing.T) string { return "/nonexistent/path/config.json" }, "failed to read config file"},
		{"invalid json", func(t *testing.T) string { return writeFile(t, "config.json", `{ invalid json }`) }, "failed to parse config JSON"},
		{"invalid hcl", func(t *testing.T) string { return writeFile(t, "config.hcl", `output_dir = `) }, "failed to parse config HCL"},
		{"unsupported extension", func(t *testing.T) string { return writeFile(t, "config.yaml", `port: 1`) }, "unsupported config file extension"},
		{"bad duration", func(t *testing.T) string { return writeFile(t, "config.json", `{"unit_timeout": "soon"}`) }, "unit_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.path(t))
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)

			var cerr *ConfigError
			assert.True(t, errors.As(err, &cerr))
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GEMINI_API_KEY", "key")
	t.Setenv("GEMINI_MODEL_ADVANCED", "gemini-pro-test")
	t.Setenv("UNIT_TIMEOUT", "30")
	t.Setenv("CANCEL_GRACE", "1500ms")
	t.Setenv("VALIDATOR_PASS_THRESHOLD", "8")
	t.Setenv("VALIDATOR_MAX_REWRITE_ATTEMPTS", "0")
	t.Setenv("USE_BROWSER", "true")
	t.Setenv("OUTPUT_DIR", "  ")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, "gemini-pro-test", cfg.ModelAdvanced)
	assert.Equal(t, 30*time.Second, cfg.UnitTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.CancelGrace)
	assert.Equal(t, 8.0, cfg.PassThreshold)
	assert.Equal(t, 0, cfg.MaxRewriteAttempts)
	assert.True(t, cfg.UseBrowser)
	assert.Equal(t, DefaultOutputDir, cfg.OutputDir, "blank value is ignored")
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"writer_max_workers": 8, "log_level": "debug"}`)
	t.Setenv("WRITER_MAX_WORKERS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, 3, cfg.WriterMaxWorkers)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestApplyEnv_InvalidValue(t *testing.T) {
	t.Setenv("RETRY_COUNT", "three")

	_, err := FromEnv()
	require.Error(t, err)

	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "RETRY_COUNT", cerr.Field)
	assert.Contains(t, err.Error(), `invalid value "three"`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero workers", func(c *Config) { c.QAMaxWorkers = 0 }, "qa_max_workers"},
		{"port out of range", func(c *Config) { c.Port = 70000 }, "port"},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }, "output_dir"},
		{"zero retries", func(c *Config) { c.RetryCount = 0 }, "retry_count"},
		{"negative rewrites", func(c *Config) { c.MaxRewriteAttempts = -1 }, "validator_max_rewrite_attempts"},
		{"threshold too high", func(c *Config) { c.PassThreshold = 11 }, "validator_pass_threshold"},
		{"threshold zero", func(c *Config) { c.PassThreshold = 0 }, "validator_pass_threshold"},
		{"negative timeout", func(c *Config) { c.UnitTimeout = -time.Second }, "unit_timeout"},
		{"unknown driver", func(c *Config) { c.GraphStoreDriver = "neo4j" }, "graph_store_driver"},
		{"postgres without url", func(c *Config) { c.GraphStoreDriver = "postgres" }, "database_url"},
		{"postgres with url", func(c *Config) {
			c.GraphStoreDriver = "postgres"
			c.DatabaseURL = "postgres://localhost/kg"
		}, ""},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"short jwt secret", func(c *Config) { c.JWT.Secret = "short" }, "JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestRequireAPIKey(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.RequireAPIKey())

	cfg.APIKey = "key"
	assert.NoError(t, cfg.RequireAPIKey())
}

func TestLLMConfig(t *testing.T) {
	cfg := Default()
	cfg.ModelLite = "lite-test"
	cfg.UnitTimeout = 45 * time.Second

	lc := cfg.LLMConfig()
	def := llm.DefaultConfig()

	assert.Equal(t, "lite-test", lc.Model(llm.TierLite))
	assert.Equal(t, def.Model(llm.TierAdvanced), lc.Model(llm.TierAdvanced))
	assert.Equal(t, 45*time.Second, lc.Timeout)
}

func TestConfigError(t *testing.T) {
	cause := errors.New("boom")
	err := &ConfigError{Field: "port", Message: "invalid", Cause: cause}

	assert.Equal(t, "config error: 'port' invalid: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}
