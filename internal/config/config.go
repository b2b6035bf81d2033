// Package config loads shared configuration for the three pipeline
// binaries. Precedence: defaults, then an optional YAML file, then
// PATCHGATE_* environment variables (with .env support).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete pipeline configuration. Each binary reads only
// its own section plus the shared paths.
type Config struct {
	JailRoot       string           `yaml:"jail_root"`
	RepoRoot       string           `yaml:"repo_root"`
	AttestationDir string           `yaml:"attestation_dir"`
	AuditLogPath   string           `yaml:"audit_log_path"`
	Gateway        GatewayConfig    `yaml:"gateway"`
	Validator      ValidatorConfig  `yaml:"validator"`
	Integrator     IntegratorConfig `yaml:"integrator"`
	Logging        LoggingConfig    `yaml:"logging"`
}

// GatewayConfig holds intake surface configuration.
type GatewayConfig struct {
	Addr             string        `yaml:"addr"`
	AllowlistPath    string        `yaml:"allowlist_path"`
	BypassLoopback   bool          `yaml:"bypass_loopback"`
	BypassPrivate    bool          `yaml:"bypass_private"`
	RateLimitPerHour int           `yaml:"rate_limit_per_hour"`
	PatchTTL         time.Duration `yaml:"patch_ttl"`
	IndexPath        string        `yaml:"index_path"`
}

// ValidatorConfig holds the signing side of the attestation authority.
type ValidatorConfig struct {
	PrivateKeyPath string `yaml:"private_key_path"`
	PolicyPreset   string `yaml:"policy_preset"`
	PolicyFile     string `yaml:"policy_file"`
}

// IntegratorConfig holds the verification side.
type IntegratorConfig struct {
	PublicKeyPath string `yaml:"public_key_path"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration, rooted under .patchgate in
// the working directory.
func Default() *Config {
	return &Config{
		JailRoot:       ".patchgate/jail",
		RepoRoot:       ".",
		AttestationDir: ".patchgate/attestations",
		AuditLogPath:   ".patchgate/audit.log",
		Gateway: GatewayConfig{
			Addr:             "127.0.0.1:8443",
			AllowlistPath:    ".patchgate/ip_allowlist.json",
			RateLimitPerHour: 5,
			PatchTTL:         24 * time.Hour,
			IndexPath:        ".patchgate/patches.db",
		},
		Validator: ValidatorConfig{
			PrivateKeyPath: ".patchgate/keys/attestation_private.pem",
			PolicyPreset:   "baseline",
		},
		Integrator: IntegratorConfig{
			PublicKeyPath: ".patchgate/keys/attestation_public.pem",
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stderr",
		},
	}
}

// Load builds the configuration from the optional YAML file at path, then
// applies environment overrides. An empty path skips the file; a named
// file that does not exist is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.JailRoot, "PATCHGATE_JAIL_ROOT")
	setString(&cfg.RepoRoot, "PATCHGATE_REPO_ROOT")
	setString(&cfg.AttestationDir, "PATCHGATE_ATTESTATION_DIR")
	setString(&cfg.AuditLogPath, "PATCHGATE_AUDIT_LOG")

	setString(&cfg.Gateway.Addr, "PATCHGATE_GATEWAY_ADDR")
	setString(&cfg.Gateway.AllowlistPath, "PATCHGATE_ALLOWLIST_PATH")
	setBool(&cfg.Gateway.BypassLoopback, "PATCHGATE_BYPASS_LOOPBACK")
	setBool(&cfg.Gateway.BypassPrivate, "PATCHGATE_BYPASS_PRIVATE")
	setInt(&cfg.Gateway.RateLimitPerHour, "PATCHGATE_RATE_LIMIT_PER_HOUR")
	setDuration(&cfg.Gateway.PatchTTL, "PATCHGATE_PATCH_TTL")
	setString(&cfg.Gateway.IndexPath, "PATCHGATE_INDEX_PATH")

	setString(&cfg.Validator.PrivateKeyPath, "PATCHGATE_ATTESTATION_PRIVKEY")
	setString(&cfg.Validator.PolicyPreset, "PATCHGATE_POLICY_PRESET")
	setString(&cfg.Validator.PolicyFile, "PATCHGATE_POLICY_FILE")

	setString(&cfg.Integrator.PublicKeyPath, "PATCHGATE_ATTESTATION_PUBKEY")

	setString(&cfg.Logging.Format, "PATCHGATE_LOG_FORMAT")
	setString(&cfg.Logging.Level, "PATCHGATE_LOG_LEVEL")
	setString(&cfg.Logging.Output, "PATCHGATE_LOG_OUTPUT")
}

// Validate rejects configurations that would silently weaken the pipeline.
func (c *Config) Validate() error {
	if c.JailRoot == "" {
		return fmt.Errorf("jail_root must not be empty")
	}
	if c.Gateway.RateLimitPerHour < 1 {
		return fmt.Errorf("gateway.rate_limit_per_hour must be >= 1")
	}
	if c.Gateway.PatchTTL < time.Minute {
		return fmt.Errorf("gateway.patch_ttl must be at least one minute")
	}
	if c.Validator.PrivateKeyPath == "" {
		return fmt.Errorf("validator.private_key_path must not be empty")
	}
	if c.Integrator.PublicKeyPath == "" {
		return fmt.Errorf("integrator.public_key_path must not be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
