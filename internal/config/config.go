// Package config loads the daemon's configuration from a YAML file with
// environment-variable overrides, mirroring
// original_source/src/fastly_bouncer/config.py's dataclass-plus-yaml.safe_load
// shape (CrowdSecConfig, FastlyAccountConfig/FastlyServiceConfig) and
// original_source/app/config.py's env-first AppSettings for the CDN/edge WAF
// variant, unified into one optional-sections struct since this daemon can
// run any combination of backends in one process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a missing or invalid configuration value discovered
// at load time. It is always fatal: the caller should log it and exit
// non-zero rather than retry.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func fieldError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}

func fieldErrorf(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// DecisionFeedConfig is the CrowdSec Local API the feed streams decisions
// from. Mirrors config.py's CrowdSecConfig.
type DecisionFeedConfig struct {
	APIKey string `yaml:"api_key"`
	APIURL string `yaml:"api_url"`
}

// CDNConfig configures the single-domain CDN backend. Mirrors
// app/config.py's tencent_cdn_domain plus app/tencent_api.py's account
// credential shape.
type CDNConfig struct {
	Domain       string `yaml:"domain"`
	BaseURL      string `yaml:"base_url"`
	APIToken     string `yaml:"api_token"`
	RemarkPrefix string `yaml:"remark_prefix"`
}

// WAFConfig configures the edge WAF zone backend. Mirrors
// app/tencent_edgeone_api.py's TencentEdgeoneAPI zone/rule shape.
type WAFConfig struct {
	ZoneID       string `yaml:"zone_id"`
	BaseURL      string `yaml:"base_url"`
	APIToken     string `yaml:"api_token"`
	MaxRules     int    `yaml:"max_rules"`
	NamePrefix   string `yaml:"name_prefix"`
	RuleCapacity int    `yaml:"rule_capacity"`
}

// FastlyServiceConfig is one service managed under a Fastly account token.
// Mirrors src/fastly_bouncer/config.py's FastlyServiceConfig.
type FastlyServiceConfig struct {
	ID               string `yaml:"id"`
	MaxItems         int    `yaml:"max_items"`
	RecaptchaSiteKey string `yaml:"recaptcha_site_key"`
	RecaptchaSecret  string `yaml:"recaptcha_secret_key"`
}

// FastlyAccountConfig is one Fastly API token and the services it manages.
// Mirrors src/fastly_bouncer/config.py's FastlyAccountConfig.
type FastlyAccountConfig struct {
	AccountToken string                `yaml:"account_token"`
	Services     []FastlyServiceConfig `yaml:"services"`
}

// Config is the full daemon configuration. Exactly which of CDN, WAF, and
// FastlyAccounts are non-nil/non-empty determines which backends the control
// loop runs; any combination is valid, matching the teacher's "one backend
// interface, many implementations" design.
type Config struct {
	LogLevel        string                `yaml:"log_level"`
	LogMode         string                `yaml:"log_mode"`
	LogFile         string                `yaml:"log_file"`
	UpdateFrequency int                   `yaml:"update_frequency"`
	CleanupFile     string                `yaml:"cleanup_file"`
	AdminListenAddr string                `yaml:"admin_listen_addr"`
	DecisionFeed    DecisionFeedConfig    `yaml:"decision_feed"`
	CDN             *CDNConfig            `yaml:"cdn"`
	WAF             *WAFConfig            `yaml:"waf"`
	FastlyAccounts  []FastlyAccountConfig `yaml:"fastly_account_configs"`
}

// Default returns the baseline config applied before the file and
// environment overrides, mirroring config.py's default_config().
func Default() Config {
	return Config{
		LogLevel:        "info",
		LogMode:         "stdout",
		UpdateFrequency: 10,
		AdminListenAddr: "127.0.0.1:8123",
		DecisionFeed: DecisionFeedConfig{
			APIURL: "http://localhost:8080/",
		},
	}
}

// Load reads path as YAML over Default(), applies environment overrides,
// and validates the result. path may be empty, in which case only the
// environment is consulted.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fieldError("file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fieldErrorf("file", "parsing %s: %w", path, err)
		}
	}

	expandEnvPlaceholders(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnvOverrides lets CROWDSEC_LAPI_KEY/CROWDSEC_LAPI_URL and a handful
// of other high-value secrets be supplied outside the config file, the way
// app/config.py's pydantic-settings AppSettings reads from the process
// environment ahead of (or instead of) a file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CROWDSEC_LAPI_KEY"); v != "" {
		cfg.DecisionFeed.APIKey = v
	}
	if v := os.Getenv("CROWDSEC_LAPI_URL"); v != "" {
		cfg.DecisionFeed.APIURL = v
	}
	if v := os.Getenv("EDGE_BAN_SYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EDGE_BAN_SYNC_UPDATE_FREQUENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UpdateFrequency = n
		}
	}
	if cfg.CDN != nil {
		if v := os.Getenv("TENCENT_CDN_API_TOKEN"); v != "" {
			cfg.CDN.APIToken = v
		}
	}
	if cfg.WAF != nil {
		if v := os.Getenv("TENCENT_EDGEONE_API_TOKEN"); v != "" {
			cfg.WAF.APIToken = v
		}
	}
}

// expandEnvPlaceholders resolves "${VAR}" references inside secret/URL
// fields against the process environment, the same substitution
// crowdsec.go's caddy.NewReplacer().ReplaceKnown does for its own
// APIUrl/APIKey fields before Provision validates them. This lets a config
// file commit a placeholder like "${FASTLY_ACCOUNT_TOKEN}" instead of the
// literal secret.
func expandEnvPlaceholders(cfg *Config) {
	cfg.DecisionFeed.APIKey = os.Expand(cfg.DecisionFeed.APIKey, os.Getenv)
	cfg.DecisionFeed.APIURL = os.Expand(cfg.DecisionFeed.APIURL, os.Getenv)

	if cfg.CDN != nil {
		cfg.CDN.APIToken = os.Expand(cfg.CDN.APIToken, os.Getenv)
	}
	if cfg.WAF != nil {
		cfg.WAF.APIToken = os.Expand(cfg.WAF.APIToken, os.Getenv)
	}
	for i := range cfg.FastlyAccounts {
		cfg.FastlyAccounts[i].AccountToken = os.Expand(cfg.FastlyAccounts[i].AccountToken, os.Getenv)
		for j := range cfg.FastlyAccounts[i].Services {
			svc := &cfg.FastlyAccounts[i].Services[j]
			svc.RecaptchaSecret = os.Expand(svc.RecaptchaSecret, os.Getenv)
		}
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warning": true, "warn": true, "error": true,
}

// validate checks required fields and at least one backend is configured,
// the Go analogue of config.py's __post_init__ "Nth account has no
// service/token specified" checks.
func validate(cfg *Config) error {
	if cfg.DecisionFeed.APIKey == "" {
		return fieldErrorf("decision_feed.api_key", "must be set")
	}
	if cfg.DecisionFeed.APIURL == "" {
		return fieldErrorf("decision_feed.api_url", "must be set")
	}
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fieldErrorf("log_level", "unrecognized level %q", cfg.LogLevel)
	}
	if cfg.UpdateFrequency <= 0 {
		return fieldErrorf("update_frequency", "must be a positive number of seconds")
	}

	if cfg.CDN == nil && cfg.WAF == nil && len(cfg.FastlyAccounts) == 0 {
		return fieldErrorf("backends", "no backend configured (cdn, waf, or fastly_account_configs)")
	}

	if cfg.CDN != nil {
		if cfg.CDN.Domain == "" {
			return fieldErrorf("cdn.domain", "must be set")
		}
		if cfg.CDN.APIToken == "" {
			return fieldErrorf("cdn.api_token", "must be set")
		}
	}

	if cfg.WAF != nil {
		if cfg.WAF.ZoneID == "" {
			return fieldErrorf("waf.zone_id", "must be set")
		}
		if cfg.WAF.APIToken == "" {
			return fieldErrorf("waf.api_token", "must be set")
		}
		if cfg.WAF.MaxRules <= 0 {
			return fieldErrorf("waf.max_rules", "must be a positive number of rules")
		}
	}

	for i, account := range cfg.FastlyAccounts {
		if account.AccountToken == "" {
			return fieldErrorf("fastly_account_configs", "account %d has no account_token", i+1)
		}
		if len(account.Services) == 0 {
			return fieldErrorf("fastly_account_configs", "account %d has no services", i+1)
		}
		for j, svc := range account.Services {
			if svc.ID == "" {
				return fieldErrorf("fastly_account_configs", "account %d service %d has no id", i+1, j+1)
			}
		}
	}

	return nil
}
