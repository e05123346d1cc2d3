// ABOUTME: Configuration loading and parsing for the castellan daemon
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete castellan configuration
type Config struct {
	Socket      SocketConfig      `yaml:"socket"`
	Auth        AuthConfig        `yaml:"auth"`
	Attestation AttestationConfig `yaml:"attestation"`
	Whitelist   WhitelistConfig   `yaml:"whitelist"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SocketConfig holds the control socket configuration
type SocketConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// Enabled turns the authentication gate on. Disabling it is a loud
	// development-mode bypass; every privileged call is allowed and logged.
	Enabled bool `yaml:"enabled"`

	// UIDMin/UIDMax bound the uid range accepted from companion callers.
	UIDMin uint32 `yaml:"uid_min"`
	UIDMax uint32 `yaml:"uid_max"`

	RateLimitMaxAttempts int `yaml:"rate_limit_max_attempts"`

	RateLimitWindow time.Duration `yaml:"-"`
	ChallengeTTL    time.Duration `yaml:"-"`
	SessionTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RateLimitWindowRaw string `yaml:"rate_limit_window"`
	ChallengeTTLRaw    string `yaml:"challenge_ttl"`
	SessionTimeoutRaw  string `yaml:"session_timeout"`
}

// AttestationConfig holds hardware attestation verification requirements
type AttestationConfig struct {
	// PackageName is the application package the attestation leaf must assert.
	PackageName string `yaml:"package_name"`
	// SignatureDigest is the hex SHA-256 digest of the companion app's
	// signing certificate.
	SignatureDigest string `yaml:"signature_digest"`
	// MinSecurityLevel is "tee" or "strongbox".
	MinSecurityLevel string `yaml:"min_security_level"`
	// RootCerts optionally points at a PEM bundle of trusted attestation
	// roots. When empty, only chain self-consistency is verified.
	RootCerts string `yaml:"root_certs"`
}

// WhitelistConfig holds key whitelist storage configuration
type WhitelistConfig struct {
	Dir string `yaml:"dir"`
}

// AuditConfig holds the security audit log configuration
type AuditConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are left unset.
const (
	DefaultUIDMin               = 10000
	DefaultUIDMax               = 19999
	DefaultRateLimitMaxAttempts = 10
	DefaultRateLimitWindow      = time.Minute
	DefaultChallengeTTL         = 30 * time.Second
	DefaultSessionTimeout       = 10 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills in zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Auth.UIDMin == 0 && c.Auth.UIDMax == 0 {
		c.Auth.UIDMin = DefaultUIDMin
		c.Auth.UIDMax = DefaultUIDMax
	}
	if c.Auth.RateLimitMaxAttempts == 0 {
		c.Auth.RateLimitMaxAttempts = DefaultRateLimitMaxAttempts
	}
	if c.Auth.RateLimitWindow == 0 {
		c.Auth.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.Auth.ChallengeTTL == 0 {
		c.Auth.ChallengeTTL = DefaultChallengeTTL
	}
	if c.Auth.SessionTimeout == 0 {
		c.Auth.SessionTimeout = DefaultSessionTimeout
	}
	if c.Attestation.MinSecurityLevel == "" {
		c.Attestation.MinSecurityLevel = "tee"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("socket.path is required")
	}
	if c.Whitelist.Dir == "" {
		return fmt.Errorf("whitelist.dir is required")
	}
	if c.Audit.DatabasePath == "" {
		return fmt.Errorf("audit.database_path is required")
	}
	if c.Auth.UIDMin > c.Auth.UIDMax {
		return fmt.Errorf("auth.uid_min (%d) must not exceed auth.uid_max (%d)", c.Auth.UIDMin, c.Auth.UIDMax)
	}
	switch c.Attestation.MinSecurityLevel {
	case "tee", "strongbox":
	default:
		return fmt.Errorf("attestation.min_security_level must be \"tee\" or \"strongbox\", got %q", c.Attestation.MinSecurityLevel)
	}
	if c.Auth.Enabled && c.Attestation.PackageName == "" {
		return fmt.Errorf("attestation.package_name is required when auth is enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.RateLimitWindowRaw != "" {
		cfg.Auth.RateLimitWindow, err = time.ParseDuration(cfg.Auth.RateLimitWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_limit_window %q: %w", cfg.Auth.RateLimitWindowRaw, err)
		}
	}

	if cfg.Auth.ChallengeTTLRaw != "" {
		cfg.Auth.ChallengeTTL, err = time.ParseDuration(cfg.Auth.ChallengeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing challenge_ttl %q: %w", cfg.Auth.ChallengeTTLRaw, err)
		}
	}

	if cfg.Auth.SessionTimeoutRaw != "" {
		cfg.Auth.SessionTimeout, err = time.ParseDuration(cfg.Auth.SessionTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing session_timeout %q: %w", cfg.Auth.SessionTimeoutRaw, err)
		}
	}

	return nil
}
