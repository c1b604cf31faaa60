package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the config file.
const (
	EnvServer   = "MT5_SERVER"
	EnvPort     = "MT5_PORT"
	EnvLogin    = "MT5_LOGIN"
	EnvPassword = "MT5_PASSWORD"
	EnvAgent    = "MT5_AGENT"
	EnvTimeout  = "MT5_TIMEOUT"
	EnvCrypt    = "MT5_CRYPT"
)

// configFile mirrors Config with YAML-friendly field types.
type configFile struct {
	Server      string `yaml:"server"`
	Port        int    `yaml:"port"`
	Credentials struct {
		Login    uint64 `yaml:"login"`
		Password string `yaml:"password"`
		Agent    string `yaml:"agent"`
	} `yaml:"credentials"`
	Timeout       string `yaml:"timeout"`
	Crypt         *bool  `yaml:"crypt"`
	CheckLiveness bool   `yaml:"check_liveness"`
	RateLimit     struct {
		Requests int            `yaml:"requests"`
		Period   string         `yaml:"period"`
		Commands map[string]int `yaml:"commands"`
	} `yaml:"rate_limit"`
	CircuitBreaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailThreshold    int    `yaml:"fail_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// LoadConfig builds a Config from defaults, an optional YAML file and the
// environment. A .env file in the working directory is loaded first when
// present. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig("", 443)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := applyFile(cfg, data); err != nil {
				return nil, err
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, data []byte) error {
	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if f.Server != "" {
		cfg.Server = f.Server
	}
	if f.Port != 0 {
		cfg.Port = f.Port
	}
	if f.Credentials.Login != 0 {
		cfg.Credentials.Login = f.Credentials.Login
	}
	if f.Credentials.Password != "" {
		cfg.Credentials.Password = f.Credentials.Password
	}
	if f.Credentials.Agent != "" {
		cfg.Credentials.Agent = f.Credentials.Agent
	}
	if err := setDuration(&cfg.Timeout, f.Timeout, "timeout"); err != nil {
		return err
	}
	if f.Crypt != nil {
		cfg.Crypt = *f.Crypt
	}
	cfg.CheckLiveness = f.CheckLiveness

	if f.RateLimit.Requests != 0 {
		cfg.RateLimitRequests = f.RateLimit.Requests
	}
	if err := setDuration(&cfg.RateLimitPeriod, f.RateLimit.Period, "rate_limit.period"); err != nil {
		return err
	}
	for command, requests := range f.RateLimit.Commands {
		cfg.WithCommandRateLimit(command, requests)
	}

	if f.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *f.CircuitBreaker.Enabled
	}
	if f.CircuitBreaker.FailThreshold != 0 {
		cfg.CircuitBreakerFailThreshold = f.CircuitBreaker.FailThreshold
	}
	if f.CircuitBreaker.SuccessThreshold != 0 {
		cfg.CircuitBreakerSuccessThreshold = f.CircuitBreaker.SuccessThreshold
	}
	if err := setDuration(&cfg.CircuitBreakerTimeout, f.CircuitBreaker.Timeout, "circuit_breaker.timeout"); err != nil {
		return err
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	cfg.LogFile = f.LogFile
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvServer); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv(EnvLogin); v != "" {
		login, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLogin, err)
		}
		cfg.Credentials.Login = login
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Credentials.Password = v
	}
	if v := os.Getenv(EnvAgent); v != "" {
		cfg.Credentials.Agent = v
	}
	if err := setDuration(&cfg.Timeout, os.Getenv(EnvTimeout), EnvTimeout); err != nil {
		return err
	}
	if v := os.Getenv(EnvCrypt); v != "" {
		crypt, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCrypt, err)
		}
		cfg.Crypt = crypt
	}
	return nil
}

// setDuration accepts Go durations ("3s") and bare milliseconds ("3000").
func setDuration(dst *time.Duration, value, name string) error {
	if value == "" {
		return nil
	}
	if ms, err := strconv.Atoi(value); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}
