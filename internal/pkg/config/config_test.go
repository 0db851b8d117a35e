package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("Server.Port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Policy.SettlementThresholdDays != 90 {
			t.Errorf("SettlementThresholdDays = %v, want 90", cfg.Policy.SettlementThresholdDays)
		}
		if cfg.Policy.SettlementDiscountPercent != 30 {
			t.Errorf("SettlementDiscountPercent = %v, want 30", cfg.Policy.SettlementDiscountPercent)
		}
		if cfg.Policy.InstallmentPeriods != 6 {
			t.Errorf("InstallmentPeriods = %v, want 6", cfg.Policy.InstallmentPeriods)
		}
		if cfg.Session.MaxVerificationAttempts != 2 {
			t.Errorf("MaxVerificationAttempts = %v, want 2", cfg.Session.MaxVerificationAttempts)
		}
		if cfg.Session.MaxDuration != 15*time.Minute {
			t.Errorf("MaxDuration = %v, want 15m", cfg.Session.MaxDuration)
		}
		if cfg.Bridge.Watermark != 50 {
			t.Errorf("Bridge.Watermark = %v, want 50", cfg.Bridge.Watermark)
		}
	})

	t.Run("file values", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: 9090
  public_host: calls.example.com
policy:
  settlement_threshold_days: 120
  settlement_discount_percent: 25
session:
  max_duration: 5m
organizations:
  - id: acme
    name: Acme Recovery
    phone_numbers: ["+15550001111"]
    policy:
      settlement_discount_percent: 40
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 9090 {
			t.Errorf("Server.Port = %v, want 9090", cfg.Server.Port)
		}
		if cfg.Server.PublicHost != "calls.example.com" {
			t.Errorf("Server.PublicHost = %v, want calls.example.com", cfg.Server.PublicHost)
		}
		if cfg.Session.MaxDuration != 5*time.Minute {
			t.Errorf("MaxDuration = %v, want 5m", cfg.Session.MaxDuration)
		}
		if len(cfg.Organizations) != 1 {
			t.Fatalf("Organizations = %d, want 1", len(cfg.Organizations))
		}

		p := cfg.PolicyFor("acme")
		if p.SettlementThresholdDays != 120 {
			t.Errorf("PolicyFor(acme).SettlementThresholdDays = %v, want 120", p.SettlementThresholdDays)
		}
		if p.SettlementDiscountPercent != 40 {
			t.Errorf("PolicyFor(acme).SettlementDiscountPercent = %v, want 40", p.SettlementDiscountPercent)
		}
		if got := cfg.PolicyFor("unknown").SettlementDiscountPercent; got != 25 {
			t.Errorf("PolicyFor(unknown).SettlementDiscountPercent = %v, want 25", got)
		}
		if got := cfg.OrganizationForNumber("+15550001111"); got != "acme" {
			t.Errorf("OrganizationForNumber() = %q, want acme", got)
		}
		if got := cfg.OrganizationForNumber("+15559999999"); got != "" {
			t.Errorf("OrganizationForNumber() = %q, want empty", got)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("CALLGW_SERVER__PORT", "9000")
		t.Setenv("CALLGW_POLICY__INSTALLMENT_PERIODS", "12")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("Server.Port = %v, want 9000", cfg.Server.Port)
		}
		if cfg.Policy.InstallmentPeriods != 12 {
			t.Errorf("InstallmentPeriods = %v, want 12", cfg.Policy.InstallmentPeriods)
		}
	})

	t.Run("secret substitution", func(t *testing.T) {
		t.Setenv("TEST_TWILIO_TOKEN", "tok-123")
		path := writeConfig(t, `
twilio:
  auth_token: "${TEST_TWILIO_TOKEN}"
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Twilio.AuthToken != "tok-123" {
			t.Errorf("Twilio.AuthToken = %q, want tok-123", cfg.Twilio.AuthToken)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "bad driver",
			body:    "storage:\n  driver: oracle\n",
			wantErr: "storage.driver",
		},
		{
			name:    "discount out of range",
			body:    "policy:\n  settlement_discount_percent: 100\n",
			wantErr: "settlement_discount_percent",
		},
		{
			name:    "duplicate organization",
			body:    "organizations:\n  - id: a\n  - id: a\n",
			wantErr: "duplicate id",
		},
		{
			name:    "organization without id",
			body:    "organizations:\n  - name: nameless\n",
			wantErr: "id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("Load() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "substitution in string", input: "prefix-${TEST_VAR}-suffix", want: "prefix-test-value-suffix"},
		{name: "no substitution", input: "plain-string", want: "plain-string"},
		{name: "undefined var", input: "${UNDEFINED_VAR}", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
