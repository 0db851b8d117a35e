package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys use "__",
// e.g. CALLGW_SESSION__MAX_DURATION=10m.
const EnvPrefix = "CALLGW_"

type Config struct {
	Server        ServerConfig         `koanf:"server"`
	Storage       StorageConfig        `koanf:"storage"`
	Twilio        TwilioConfig         `koanf:"twilio"`
	Speech        SpeechConfig         `koanf:"speech"`
	Session       SessionConfig        `koanf:"session"`
	Bridge        BridgeConfig         `koanf:"bridge"`
	Transcript    TranscriptConfig     `koanf:"transcript"`
	Policy        PolicyConfig         `koanf:"policy"`
	Organizations []OrganizationConfig `koanf:"organizations"`
	Guidance      GuidanceConfig       `koanf:"guidance"`
	Payments      PaymentsConfig       `koanf:"payments"`
	Telemetry     TelemetryConfig      `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// PublicHost is the externally reachable host used in TwiML stream URLs.
	PublicHost     string        `koanf:"public_host"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Driver       string `koanf:"driver"` // sqlite, postgres, memory
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

type TwilioConfig struct {
	AccountSID         string `koanf:"account_sid"`
	AuthToken          string `koanf:"auth_token"`
	FromNumber         string `koanf:"from_number"`
	AgentNumber        string `koanf:"agent_number"` // transfer_to_agent destination
	APIBaseURL         string `koanf:"api_base_url"`
	ValidateSignatures bool   `koanf:"validate_signatures"`
}

type SpeechConfig struct {
	URL          string        `koanf:"url"`
	APIKey       string        `koanf:"api_key"`
	Voice        string        `koanf:"voice"`
	Language     string        `koanf:"language"`
	Instructions string        `koanf:"instructions"`
	Greeting     string        `koanf:"greeting"`
	Encoding     string        `koanf:"encoding"` // pcm16 or mulaw
	SampleRate   int           `koanf:"sample_rate"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadyTimeout time.Duration `koanf:"ready_timeout"`
}

type SessionConfig struct {
	MaxDuration             time.Duration `koanf:"max_duration"`
	ClosingGrace            time.Duration `koanf:"closing_grace"`
	ToolTimeout             time.Duration `koanf:"tool_timeout"`
	StopTimeout             time.Duration `koanf:"stop_timeout"`
	MaxVerificationAttempts int           `koanf:"max_verification_attempts"`
}

type BridgeConfig struct {
	Watermark        int           `koanf:"watermark"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	TransientRetries int           `koanf:"transient_retries"`
	TransientBackoff time.Duration `koanf:"transient_backoff"`
}

type TranscriptConfig struct {
	Retries        int           `koanf:"retries"`
	Backoff        time.Duration `koanf:"backoff"`
	PersistTimeout time.Duration `koanf:"persist_timeout"`
	TokenEncoding  string        `koanf:"token_encoding"`
}

// PolicyConfig drives get_customer_options. Zero fields in an organization
// override inherit the global value.
type PolicyConfig struct {
	SettlementThresholdDays   int    `koanf:"settlement_threshold_days"`
	SettlementDiscountPercent int    `koanf:"settlement_discount_percent"`
	DisableSettlement         bool   `koanf:"disable_settlement"`
	InstallmentPeriods        int    `koanf:"installment_periods"`
	Currency                  string `koanf:"currency"`
}

type OrganizationConfig struct {
	ID           string         `koanf:"id"`
	Name         string         `koanf:"name"`
	APIKeys      []APIKeyConfig `koanf:"api_keys"`
	PhoneNumbers []string       `koanf:"phone_numbers"`
	Policy       PolicyConfig   `koanf:"policy"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type GuidanceConfig struct {
	Provider string        `koanf:"provider"` // gemini or rules
	APIKey   string        `koanf:"api_key"`
	Model    string        `koanf:"model"`
	BaseURL  string        `koanf:"base_url"`
	Timeout  time.Duration `koanf:"timeout"`
}

type PaymentsConfig struct {
	Provider        string `koanf:"provider"` // stripe or none
	StripeSecretKey string `koanf:"stripe_secret_key"`
	StripeBaseURL   string `koanf:"stripe_base_url"`
}

type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
	Tracing     bool   `koanf:"tracing"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path (missing is fine), applies CALLGW_ env
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Twilio.AccountSID = substituteEnvVars(cfg.Twilio.AccountSID)
	cfg.Twilio.AuthToken = substituteEnvVars(cfg.Twilio.AuthToken)
	cfg.Speech.APIKey = substituteEnvVars(cfg.Speech.APIKey)
	cfg.Guidance.APIKey = substituteEnvVars(cfg.Guidance.APIKey)
	cfg.Payments.StripeSecretKey = substituteEnvVars(cfg.Payments.StripeSecretKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                        8080,
		"server.request_timeout":             "30s",
		"storage.driver":                     "sqlite",
		"storage.dsn":                        "./data/calls.db",
		"storage.max_open_conns":             25,
		"storage.max_idle_conns":             5,
		"twilio.api_base_url":                "https://api.twilio.com",
		"speech.encoding":                    "pcm16",
		"speech.sample_rate":                 16000,
		"speech.dial_timeout":                "10s",
		"speech.ready_timeout":               "10s",
		"session.max_duration":               "15m",
		"session.closing_grace":              "6s",
		"session.tool_timeout":               "10s",
		"session.stop_timeout":               "2s",
		"session.max_verification_attempts":  2,
		"bridge.watermark":                   50,
		"bridge.write_timeout":               "2s",
		"bridge.transient_retries":           3,
		"bridge.transient_backoff":           "20ms",
		"transcript.retries":                 3,
		"transcript.backoff":                 "50ms",
		"transcript.persist_timeout":         "5s",
		"transcript.token_encoding":          "cl100k_base",
		"policy.settlement_threshold_days":   90,
		"policy.settlement_discount_percent": 30,
		"policy.installment_periods":         6,
		"policy.currency":                    "usd",
		"guidance.provider":                  "rules",
		"guidance.model":                     "gemini-2.0-flash",
		"guidance.timeout":                   "4s",
		"payments.provider":                  "none",
		"telemetry.service_name":             "call-gateway",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver %q: must be sqlite, postgres or memory", c.Storage.Driver)
	}
	if err := c.Policy.validate("policy"); err != nil {
		return err
	}
	if c.Session.MaxVerificationAttempts < 1 {
		return fmt.Errorf("session.max_verification_attempts must be at least 1")
	}
	if c.Bridge.Watermark < 1 {
		return fmt.Errorf("bridge.watermark must be at least 1")
	}

	seen := make(map[string]bool)
	for i, org := range c.Organizations {
		if org.ID == "" {
			return fmt.Errorf("organizations[%d]: id is required", i)
		}
		if seen[org.ID] {
			return fmt.Errorf("organizations[%d]: duplicate id %q", i, org.ID)
		}
		seen[org.ID] = true
		if err := org.Policy.validate(fmt.Sprintf("organizations[%d].policy", i)); err != nil {
			return err
		}
	}
	return nil
}

func (p PolicyConfig) validate(prefix string) error {
	if p.SettlementDiscountPercent < 0 || p.SettlementDiscountPercent >= 100 {
		return fmt.Errorf("%s.settlement_discount_percent must be in [0, 100)", prefix)
	}
	if p.SettlementThresholdDays < 0 {
		return fmt.Errorf("%s.settlement_threshold_days must not be negative", prefix)
	}
	if p.InstallmentPeriods < 0 {
		return fmt.Errorf("%s.installment_periods must not be negative", prefix)
	}
	return nil
}

// PolicyFor returns the global policy with the organization's non-zero
// fields applied on top.
func (c *Config) PolicyFor(orgID string) PolicyConfig {
	p := c.Policy
	for _, org := range c.Organizations {
		if org.ID != orgID {
			continue
		}
		o := org.Policy
		if o.SettlementThresholdDays != 0 {
			p.SettlementThresholdDays = o.SettlementThresholdDays
		}
		if o.SettlementDiscountPercent != 0 {
			p.SettlementDiscountPercent = o.SettlementDiscountPercent
		}
		if o.DisableSettlement {
			p.DisableSettlement = true
		}
		if o.InstallmentPeriods != 0 {
			p.InstallmentPeriods = o.InstallmentPeriods
		}
		if o.Currency != "" {
			p.Currency = o.Currency
		}
	}
	return p
}

// OrganizationForNumber maps a called number to the organization that owns it.
// Returns "" when no organization claims the number.
func (c *Config) OrganizationForNumber(number string) string {
	for _, org := range c.Organizations {
		for _, n := range org.PhoneNumbers {
			if n == number {
				return org.ID
			}
		}
	}
	return ""
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
