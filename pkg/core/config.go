package core

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// WebAPIVersion is the protocol version announced during the handshake.
	WebAPIVersion = 2190
	// DefaultAgent is the agent name announced when none is configured.
	DefaultAgent = "WebAPI"
	// DefaultTimeout bounds connect and every request/response exchange.
	DefaultTimeout = 3000 * time.Millisecond
)

// Credentials holds the manager account used to authenticate.
type Credentials struct {
	// Login is the manager account number.
	Login uint64 `json:"login" yaml:"login" validate:"required"`
	// Password is the manager password. It never leaves the process.
	Password string `json:"-" yaml:"password" validate:"required"`
	// Agent identifies the client application to the server.
	Agent string `json:"agent" yaml:"agent" validate:"required,max=32"`
}

// String masks the password so credentials can be logged safely.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Login:%d, Agent:%s, Password:%s}", c.Login, c.Agent, maskSecret(c.Password))
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Config contains all configuration options for a manager session.
// It includes the endpoint, credentials, networking, rate limiting, circuit breaker and log settings.
type Config struct {
	Server      string      `json:"server" yaml:"server" validate:"required"`
	Port        int         `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
	Credentials Credentials `json:"credentials" yaml:"credentials"`

	// Timeout bounds connect and each request/response exchange.
	Timeout time.Duration `json:"timeout" yaml:"timeout" validate:"min=1ms"`
	// Crypt enables AES-256-OFB encryption of message bodies after the handshake.
	Crypt bool `json:"crypt" yaml:"crypt"`
	// CheckLiveness pings an existing connection before each command and
	// reconnects once if the ping fails.
	CheckLiveness bool `json:"check_liveness" yaml:"check_liveness"`

	RateLimitRequests int           `json:"rate_limit_requests" yaml:"rate_limit_requests" validate:"min=1"`
	RateLimitPeriod   time.Duration `json:"rate_limit_period" yaml:"rate_limit_period" validate:"min=1ms"`
	// CommandRateLimits caps single commands to fewer requests per
	// RateLimitPeriod than the session-wide limit, keyed by command name.
	CommandRateLimits map[string]int `json:"command_rate_limits" yaml:"command_rate_limits" validate:"omitempty,dive,keys,required,endkeys,min=1"`

	CircuitBreakerEnabled          bool          `json:"circuit_breaker_enabled" yaml:"circuit_breaker_enabled"`
	CircuitBreakerFailThreshold    int           `json:"circuit_breaker_fail_threshold" yaml:"circuit_breaker_fail_threshold"`
	CircuitBreakerSuccessThreshold int           `json:"circuit_breaker_success_threshold" yaml:"circuit_breaker_success_threshold"`
	CircuitBreakerTimeout          time.Duration `json:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout"`

	LogLevel string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFile  string `json:"log_file" yaml:"log_file"`
}

// DefaultConfig returns a Config initialized with sensible defaults for the given server.
// Default values: 3s timeout, encryption on, agent "WebAPI", 50 commands per second,
// circuit breaker with 5 failures/1 success/30s timeout.
func DefaultConfig(server string, port int) *Config {
	return &Config{
		Server: server,
		Port:   port,
		Credentials: Credentials{
			Agent: DefaultAgent,
		},
		Timeout: DefaultTimeout,
		Crypt:   true,

		RateLimitRequests: 50,
		RateLimitPeriod:   time.Second,

		CircuitBreakerEnabled:          true,
		CircuitBreakerFailThreshold:    5,
		CircuitBreakerSuccessThreshold: 1,
		CircuitBreakerTimeout:          30 * time.Second,

		LogLevel: "info",
	}
}

var validate = validator.New()

// Validate checks the configuration using struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.CircuitBreakerEnabled {
		if c.CircuitBreakerFailThreshold <= 0 {
			return errors.New("CircuitBreakerFailThreshold must be positive when enabled")
		}
		if c.CircuitBreakerSuccessThreshold <= 0 {
			return errors.New("CircuitBreakerSuccessThreshold must be positive when enabled")
		}
		if c.CircuitBreakerTimeout <= 0 {
			return errors.New("CircuitBreakerTimeout must be positive when enabled")
		}
	}
	return nil
}

// Address returns the host:port endpoint of the trade server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}

// WithCredentials sets the manager login and password and returns the config for chaining.
func (c *Config) WithCredentials(login uint64, password string) *Config {
	c.Credentials.Login = login
	c.Credentials.Password = password
	return c
}

// WithAgent sets the agent name and returns the config for chaining.
func (c *Config) WithAgent(agent string) *Config {
	c.Credentials.Agent = agent
	return c
}

// WithTimeout sets the connect and request timeout and returns the config for chaining.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithCrypt enables or disables body encryption and returns the config for chaining.
func (c *Config) WithCrypt(enabled bool) *Config {
	c.Crypt = enabled
	return c
}

// WithLivenessCheck enables or disables the ping before each command and returns the config for chaining.
func (c *Config) WithLivenessCheck(enabled bool) *Config {
	c.CheckLiveness = enabled
	return c
}

// WithCommandRateLimit limits one command to requests per RateLimitPeriod and
// returns the config for chaining.
func (c *Config) WithCommandRateLimit(command string, requests int) *Config {
	if c.CommandRateLimits == nil {
		c.CommandRateLimits = make(map[string]int)
	}
	c.CommandRateLimits[command] = requests
	return c
}

// WithRateLimit sets the command rate limit and returns the config for chaining.
func (c *Config) WithRateLimit(requests int, period time.Duration) *Config {
	c.RateLimitRequests = requests
	c.RateLimitPeriod = period
	return c
}

// WithCircuitBreaker enables or disables the connect circuit breaker and returns the config for chaining.
func (c *Config) WithCircuitBreaker(enabled bool) *Config {
	c.CircuitBreakerEnabled = enabled
	return c
}
