package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"ransomguard/analyzer"
	"ransomguard/ml"
)

// EnvConfigPath names the environment variable consulted when no config
// path is given on the command line.
const EnvConfigPath = "RANSOMGUARD_CONFIG"

type Config struct {
	Model    ml.BundlePaths `yaml:"model"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type AnalysisConfig struct {
	MaxFileSize    int64   `yaml:"max_file_size"`
	ParseTimeout   string  `yaml:"parse_timeout"`
	MaxParseSteps  int     `yaml:"max_parse_steps"`
	MaxStringBytes int64   `yaml:"max_string_bytes"`
	Workers        int     `yaml:"workers"`
	Threshold      float64 `yaml:"threshold"`
	MediumTier     float64 `yaml:"medium_tier"`
	HighTier       float64 `yaml:"high_tier"`
	ScratchDir     string  `yaml:"scratch_dir"` // "" = os.TempDir()

	parsedParseTimeout time.Duration
}

type ServerConfig struct {
	Listen             string          `yaml:"listen"`
	MaxUpload          int64           `yaml:"max_upload"`
	ReadTimeout        string          `yaml:"read_timeout"`
	WriteTimeout       string          `yaml:"write_timeout"`
	ExposeErrorDetails bool            `yaml:"expose_error_details"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`

	parsedReadTimeout  time.Duration
	parsedWriteTimeout time.Duration
}

type RateLimitConfig struct {
	Enabled          bool    `yaml:"enabled"`
	ClientQPS        float64 `yaml:"client_qps"`
	ClientBurst      int     `yaml:"client_burst"`
	ClientExpiration string  `yaml:"client_expiration"`

	parsedClientExpiration time.Duration
}

type CacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	SizeBytes int64  `yaml:"size_bytes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`   // "" = stderr
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		panic(fmt.Sprintf("config: defaults invalid: %v", err))
	}
	return c
}

// Load reads path (if non-empty), applies defaults and RANSOMGUARD_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	c.applyDefaults()
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Model.Classifier == "" {
		c.Model.Classifier = "model/classifier.json"
	}
	if c.Model.Scaler == "" {
		c.Model.Scaler = "model/scaler.json"
	}
	if c.Model.Schema == "" {
		c.Model.Schema = "model/schema.yaml"
	}

	a := &c.Analysis
	if a.MaxFileSize <= 0 {
		a.MaxFileSize = analyzer.MaxFileSize
	}
	if a.ParseTimeout == "" {
		a.ParseTimeout = analyzer.DefaultParseTimeout.String()
	}
	if a.MaxParseSteps <= 0 {
		a.MaxParseSteps = analyzer.DefaultMaxParseSteps
	}
	if a.MaxStringBytes <= 0 {
		a.MaxStringBytes = analyzer.DefaultMaxStringBytes
	}
	if a.Workers <= 0 {
		a.Workers = 4
	}
	if a.Threshold == 0 {
		a.Threshold = ml.DefaultThreshold
	}
	if a.MediumTier == 0 {
		a.MediumTier = ml.DefaultMediumAt
	}
	if a.HighTier == 0 {
		a.HighTier = ml.DefaultHighAt
	}

	s := &c.Server
	if s.Listen == "" {
		s.Listen = ":8080"
	}
	if s.MaxUpload <= 0 {
		s.MaxUpload = a.MaxFileSize
	}
	if s.ReadTimeout == "" {
		s.ReadTimeout = "30s"
	}
	if s.WriteTimeout == "" {
		s.WriteTimeout = "60s"
	}
	if s.RateLimit.ClientQPS <= 0 {
		s.RateLimit.ClientQPS = 5
	}
	if s.RateLimit.ClientBurst <= 0 {
		s.RateLimit.ClientBurst = 10
	}
	if s.RateLimit.ClientExpiration == "" {
		s.RateLimit.ClientExpiration = "10m"
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = "verdict-cache"
	}
	if c.Cache.SizeBytes <= 0 {
		c.Cache.SizeBytes = 8 << 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "ransomguard"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4318"
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"RANSOMGUARD_CLASSIFIER":    &c.Model.Classifier,
		"RANSOMGUARD_SCALER":        &c.Model.Scaler,
		"RANSOMGUARD_SCHEMA":        &c.Model.Schema,
		"RANSOMGUARD_LISTEN":        &c.Server.Listen,
		"RANSOMGUARD_LOG_LEVEL":     &c.Logging.Level,
		"RANSOMGUARD_LOG_FORMAT":    &c.Logging.Format,
		"RANSOMGUARD_OTLP_ENDPOINT": &c.Tracing.Endpoint,
	}
	for env, dst := range strs {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("RANSOMGUARD_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RANSOMGUARD_THRESHOLD: %w", err)
		}
		c.Analysis.Threshold = f
	}
	return nil
}

func (c *Config) validate() error {
	var err error
	if c.Analysis.parsedParseTimeout, err = parsePositiveDuration("analysis.parse_timeout", c.Analysis.ParseTimeout); err != nil {
		return err
	}
	if c.Server.parsedReadTimeout, err = parsePositiveDuration("server.read_timeout", c.Server.ReadTimeout); err != nil {
		return err
	}
	if c.Server.parsedWriteTimeout, err = parsePositiveDuration("server.write_timeout", c.Server.WriteTimeout); err != nil {
		return err
	}
	rl := &c.Server.RateLimit
	if rl.parsedClientExpiration, err = parsePositiveDuration("server.rate_limit.client_expiration", rl.ClientExpiration); err != nil {
		return err
	}
	if err := c.Analysis.Interpreter().Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if c.Server.MaxUpload > c.Analysis.MaxFileSize {
		return fmt.Errorf("server.max_upload (%d) exceeds analysis.max_file_size (%d)", c.Server.MaxUpload, c.Analysis.MaxFileSize)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in (0,1], got %v", c.Tracing.SampleRatio)
	}
	return nil
}

func parsePositiveDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, s)
	}
	return d, nil
}

func (a AnalysisConfig) Limits() analyzer.Limits {
	return analyzer.Limits{
		MaxFileSize: a.MaxFileSize,
		MaxSteps:    a.MaxParseSteps,
		Timeout:     a.parsedParseTimeout,

		MaxStringBytes: a.MaxStringBytes,
	}
}

func (a AnalysisConfig) Interpreter() ml.Interpreter {
	return ml.Interpreter{Threshold: a.Threshold, MediumAt: a.MediumTier, HighAt: a.HighTier}
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration { return s.parsedReadTimeout }

func (s ServerConfig) WriteTimeoutDuration() time.Duration { return s.parsedWriteTimeout }

func (r RateLimitConfig) Expiration() time.Duration { return r.parsedClientExpiration }
