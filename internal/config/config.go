// Package config provides configuration loading and validation for the CLI
// and the server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/jonathan/textbook-forge/internal/llm"
)

// Defaults
const (
	DefaultOutputDir          = "output"
	DefaultPort               = 8080
	DefaultMaxWorkers         = 50
	DefaultUnitTimeout        = 120 * time.Second
	DefaultRetryCount         = 3
	DefaultCancelGrace        = 2 * time.Second
	DefaultPassThreshold      = 7.0
	DefaultMaxRewriteAttempts = 1
	DefaultLogFormat          = "text"
	DefaultLogLevel           = "info"
	DefaultGraphStoreDriver   = "memory"
)

// Config is the resolved configuration. Build it with Default, Load or
// FromEnv; file values override defaults and environment values override both.
type Config struct {
	Port      int
	OutputDir string

	// Persistence
	DatabaseURL      string
	RedisURL         string
	GraphStoreDriver string
	SQLitePath       string

	// LLM
	APIKey        string
	ModelLite     string
	ModelStandard string
	ModelAdvanced string

	// Concurrency per fan-out stage
	ResearchMaxWorkers int
	WriterMaxWorkers   int
	QAMaxWorkers       int
	KGMaxWorkers       int

	UnitTimeout time.Duration
	RetryCount  int
	CancelGrace time.Duration

	// Validator
	PassThreshold      float64
	MaxRewriteAttempts int

	// Logging
	LogFormat string
	LogLevel  string
	Verbose   bool

	UseBrowser bool

	JWT JWTConfig
}

// fileConfig is the on-disk shape shared by JSON and HCL files. Durations are
// strings ("90s", "2m"); pointers distinguish unset from zero.
type fileConfig struct {
	Port      *int    `json:"port,omitempty" hcl:"port,optional"`
	OutputDir *string `json:"output_dir,omitempty" hcl:"output_dir,optional"`

	DatabaseURL      *string `json:"database_url,omitempty" hcl:"database_url,optional"`
	RedisURL         *string `json:"redis_url,omitempty" hcl:"redis_url,optional"`
	GraphStoreDriver *string `json:"graph_store_driver,omitempty" hcl:"graph_store_driver,optional"`
	SQLitePath       *string `json:"sqlite_path,omitempty" hcl:"sqlite_path,optional"`

	APIKey        *string `json:"api_key,omitempty" hcl:"api_key,optional"`
	ModelLite     *string `json:"model_lite,omitempty" hcl:"model_lite,optional"`
	ModelStandard *string `json:"model_standard,omitempty" hcl:"model_standard,optional"`
	ModelAdvanced *string `json:"model_advanced,omitempty" hcl:"model_advanced,optional"`

	ResearchMaxWorkers *int `json:"research_max_workers,omitempty" hcl:"research_max_workers,optional"`
	WriterMaxWorkers   *int `json:"writer_max_workers,omitempty" hcl:"writer_max_workers,optional"`
	QAMaxWorkers       *int `json:"qa_max_workers,omitempty" hcl:"qa_max_workers,optional"`
	KGMaxWorkers       *int `json:"kg_max_workers,omitempty" hcl:"kg_max_workers,optional"`

	UnitTimeout *string `json:"unit_timeout,omitempty" hcl:"unit_timeout,optional"`
	RetryCount  *int    `json:"retry_count,omitempty" hcl:"retry_count,optional"`
	CancelGrace *string `json:"cancel_grace,omitempty" hcl:"cancel_grace,optional"`

	PassThreshold      *float64 `json:"validator_pass_threshold,omitempty" hcl:"validator_pass_threshold,optional"`
	MaxRewriteAttempts *int     `json:"validator_max_rewrite_attempts,omitempty" hcl:"validator_max_rewrite_attempts,optional"`

	LogFormat  *string `json:"log_format,omitempty" hcl:"log_format,optional"`
	LogLevel   *string `json:"log_level,omitempty" hcl:"log_level,optional"`
	Verbose    *bool   `json:"verbose,omitempty" hcl:"verbose,optional"`
	UseBrowser *bool   `json:"use_browser,omitempty" hcl:"use_browser,optional"`

	JWTSecret          *string `json:"jwt_secret,omitempty" hcl:"jwt_secret,optional"`
	JWTExpirationHours *int    `json:"jwt_expiration_hours,omitempty" hcl:"jwt_expiration_hours,optional"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		OutputDir:          DefaultOutputDir,
		GraphStoreDriver:   DefaultGraphStoreDriver,
		ResearchMaxWorkers: DefaultMaxWorkers,
		WriterMaxWorkers:   DefaultMaxWorkers,
		QAMaxWorkers:       DefaultMaxWorkers,
		KGMaxWorkers:       DefaultMaxWorkers,
		UnitTimeout:        DefaultUnitTimeout,
		RetryCount:         DefaultRetryCount,
		CancelGrace:        DefaultCancelGrace,
		PassThreshold:      DefaultPassThreshold,
		MaxRewriteAttempts: DefaultMaxRewriteAttempts,
		LogFormat:          DefaultLogFormat,
		LogLevel:           DefaultLogLevel,
		JWT:                JWTConfig{ExpirationHours: DefaultJWTExpirationHours},
	}
}

// Load reads a .json or .hcl file over the defaults. Environment overrides
// are not applied; call ApplyEnv afterwards.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, &ConfigError{Message: "config path is empty"}
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Message: "failed to read config file " + path, Cause: err}
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, &ConfigError{Message: "failed to parse config JSON", Cause: err}
		}
	case ".hcl":
		file, diags := hclparse.NewParser().ParseHCL(data, path)
		if diags.HasErrors() {
			return nil, &ConfigError{Message: "failed to parse config HCL", Cause: diags}
		}
		if diags := gohcl.DecodeBody(file.Body, nil, &fc); diags.HasErrors() {
			return nil, &ConfigError{Message: "failed to decode config HCL", Cause: diags}
		}
	default:
		return nil, &ConfigError{Message: fmt.Sprintf("unsupported config file extension %q", ext)}
	}

	cfg := Default()
	if err := cfg.merge(fc); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns Default with environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(fc fileConfig) error {
	setString(&c.OutputDir, fc.OutputDir)
	setString(&c.DatabaseURL, fc.DatabaseURL)
	setString(&c.RedisURL, fc.RedisURL)
	setString(&c.GraphStoreDriver, fc.GraphStoreDriver)
	setString(&c.SQLitePath, fc.SQLitePath)
	setString(&c.APIKey, fc.APIKey)
	setString(&c.ModelLite, fc.ModelLite)
	setString(&c.ModelStandard, fc.ModelStandard)
	setString(&c.ModelAdvanced, fc.ModelAdvanced)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.JWT.Secret, fc.JWTSecret)

	for _, pair := range []struct{ dst, src *int }{
		{&c.Port, fc.Port},
		{&c.ResearchMaxWorkers, fc.ResearchMaxWorkers},
		{&c.WriterMaxWorkers, fc.WriterMaxWorkers},
		{&c.QAMaxWorkers, fc.QAMaxWorkers},
		{&c.KGMaxWorkers, fc.KGMaxWorkers},
		{&c.RetryCount, fc.RetryCount},
		{&c.MaxRewriteAttempts, fc.MaxRewriteAttempts},
		{&c.JWT.ExpirationHours, fc.JWTExpirationHours},
	} {
		if pair.src != nil {
			*pair.dst = *pair.src
		}
	}
	if fc.PassThreshold != nil {
		c.PassThreshold = *fc.PassThreshold
	}
	if fc.Verbose != nil {
		c.Verbose = *fc.Verbose
	}
	if fc.UseBrowser != nil {
		c.UseBrowser = *fc.UseBrowser
	}

	for _, d := range []struct {
		field string
		dst   *time.Duration
		src   *string
	}{
		{"unit_timeout", &c.UnitTimeout, fc.UnitTimeout},
		{"cancel_grace", &c.CancelGrace, fc.CancelGrace},
	} {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return &ConfigError{Field: d.field, Message: "invalid duration", Cause: err}
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

type envKind int

const (
	envString envKind = iota
	envInt
	envFloat
	envDuration
	envBool
)

type envBinding struct {
	key  string
	kind envKind
	dst  any
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{"PORT", envInt, &c.Port},
		{"OUTPUT_DIR", envString, &c.OutputDir},
		{"DATABASE_URL", envString, &c.DatabaseURL},
		{"REDIS_URL", envString, &c.RedisURL},
		{"GRAPH_STORE_DRIVER", envString, &c.GraphStoreDriver},
		{"SQLITE_PATH", envString, &c.SQLitePath},
		{"GEMINI_API_KEY", envString, &c.APIKey},
		{"GEMINI_MODEL_LITE", envString, &c.ModelLite},
		{"GEMINI_MODEL_STANDARD", envString, &c.ModelStandard},
		{"GEMINI_MODEL_ADVANCED", envString, &c.ModelAdvanced},
		{"RESEARCH_MAX_WORKERS", envInt, &c.ResearchMaxWorkers},
		{"WRITER_MAX_WORKERS", envInt, &c.WriterMaxWorkers},
		{"QA_MAX_WORKERS", envInt, &c.QAMaxWorkers},
		{"KG_MAX_WORKERS", envInt, &c.KGMaxWorkers},
		{"UNIT_TIMEOUT", envDuration, &c.UnitTimeout},
		{"RETRY_COUNT", envInt, &c.RetryCount},
		{"CANCEL_GRACE", envDuration, &c.CancelGrace},
		{"VALIDATOR_PASS_THRESHOLD", envFloat, &c.PassThreshold},
		{"VALIDATOR_MAX_REWRITE_ATTEMPTS", envInt, &c.MaxRewriteAttempts},
		{"LOG_FORMAT", envString, &c.LogFormat},
		{"LOG_LEVEL", envString, &c.LogLevel},
		{"USE_BROWSER", envBool, &c.UseBrowser},
		{"JWT_SECRET", envString, &c.JWT.Secret},
		{"JWT_EXPIRATION_HOURS", envInt, &c.JWT.ExpirationHours},
	}
}

// ApplyEnv overrides fields from environment variables. Unset or empty
// variables leave the current value.
func (c *Config) ApplyEnv() error {
	for _, b := range c.envBindings() {
		raw, ok := os.LookupEnv(b.key)
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			continue
		}
		var err error
		switch b.kind {
		case envString:
			*b.dst.(*string) = raw
		case envInt:
			var v int
			if v, err = strconv.Atoi(raw); err == nil {
				*b.dst.(*int) = v
			}
		case envFloat:
			var v float64
			if v, err = strconv.ParseFloat(raw, 64); err == nil {
				*b.dst.(*float64) = v
			}
		case envDuration:
			var v time.Duration
			if v, err = parseDuration(raw); err == nil {
				*b.dst.(*time.Duration) = v
			}
		case envBool:
			var v bool
			if v, err = strconv.ParseBool(raw); err == nil {
				*b.dst.(*bool) = v
			}
		}
		if err != nil {
			return &ConfigError{Field: b.key, Message: fmt.Sprintf("invalid value %q", raw), Cause: err}
		}
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	for _, w := range []struct {
		field string
		n     int
	}{
		{"research_max_workers", c.ResearchMaxWorkers},
		{"writer_max_workers", c.WriterMaxWorkers},
		{"qa_max_workers", c.QAMaxWorkers},
		{"kg_max_workers", c.KGMaxWorkers},
	} {
		if w.n < 1 {
			return &ConfigError{Field: w.field, Message: fmt.Sprintf("must be at least 1, got %d", w.n)}
		}
	}
	switch {
	case c.Port < 0 || c.Port > 65535:
		return &ConfigError{Field: "port", Message: fmt.Sprintf("out of range: %d", c.Port)}
	case c.OutputDir == "":
		return &ConfigError{Field: "output_dir", Message: "must not be empty"}
	case c.RetryCount < 1:
		return &ConfigError{Field: "retry_count", Message: "must be at least 1"}
	case c.MaxRewriteAttempts < 0:
		return &ConfigError{Field: "validator_max_rewrite_attempts", Message: "must be non-negative"}
	case c.PassThreshold <= 0 || c.PassThreshold > 10:
		return &ConfigError{Field: "validator_pass_threshold", Message: fmt.Sprintf("must be in (0, 10], got %v", c.PassThreshold)}
	case c.UnitTimeout < 0:
		return &ConfigError{Field: "unit_timeout", Message: "must be non-negative"}
	case c.CancelGrace < 0:
		return &ConfigError{Field: "cancel_grace", Message: "must be non-negative"}
	}

	switch c.GraphStoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return &ConfigError{Field: "database_url", Message: "required by graph_store_driver postgres"}
		}
	default:
		return &ConfigError{Field: "graph_store_driver", Message: fmt.Sprintf("unknown driver %q", c.GraphStoreDriver)}
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return &ConfigError{Field: "log_format", Message: fmt.Sprintf("unknown format %q", c.LogFormat)}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "log_level", Message: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}

	if c.JWT.Secret != "" {
		if err := c.JWT.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RequireAPIKey fails when no Gemini key is configured.
func (c *Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return &ConfigError{Field: "GEMINI_API_KEY", Message: "is required"}
	}
	return nil
}

// LLMConfig returns the model configuration with any tier overrides applied.
func (c *Config) LLMConfig() *llm.Config {
	cfg := llm.DefaultConfig().WithModels(map[llm.ModelTier]string{
		llm.TierLite:     c.ModelLite,
		llm.TierStandard: c.ModelStandard,
		llm.TierAdvanced: c.ModelAdvanced,
	})
	if c.UnitTimeout > 0 {
		cfg.Timeout = c.UnitTimeout
	}
	return cfg
}
