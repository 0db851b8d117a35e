// Package session runs live calls: one control loop per call owning the state
// machine, call context, tool dispatcher, transcript writer and audio bridge,
// and a Manager tracking every live session.
package session

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-call-gateway/internal/bridge"
	"github.com/tjfontaine/polyglot-call-gateway/internal/callstate"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-call-gateway/internal/tools"
	"github.com/tjfontaine/polyglot-call-gateway/internal/transcript"
)

// Config holds per-call tunables.
type Config struct {
	// MaxDuration ends a call that runs too long. Zero disables the limit.
	MaxDuration time.Duration
	// ClosingGrace is how long the agent gets to speak a closing message
	// before the call is hung up or transferred.
	ClosingGrace time.Duration
	ToolTimeout  time.Duration
	// StartTimeout bounds waiting for the telephony start event and for the
	// speech session to become ready.
	StartTimeout time.Duration
	// StopTimeout bounds waiting for an in-flight tool during teardown.
	StopTimeout             time.Duration
	FinalizeTimeout         time.Duration
	MaxVerificationAttempts int
	AgentNumber             string

	Speech     SpeechSettings
	Bridge     bridge.Config
	Transcript transcript.Config
}

// SpeechSettings configure the agent for every call.
type SpeechSettings struct {
	Instructions string
	Voice        string
	Language     string
	Greeting     string
}

func (c *Config) applyDefaults() {
	if c.ClosingGrace <= 0 {
		c.ClosingGrace = 4 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = tools.DefaultToolTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 15 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
	if c.MaxVerificationAttempts <= 0 {
		c.MaxVerificationAttempts = callstate.DefaultMaxVerificationAttempts
	}
}

// ConfigFrom builds the session configuration from the gateway config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxDuration:             cfg.Session.MaxDuration,
		ClosingGrace:            cfg.Session.ClosingGrace,
		ToolTimeout:             cfg.Session.ToolTimeout,
		StartTimeout:            cfg.Speech.ReadyTimeout,
		StopTimeout:             cfg.Session.StopTimeout,
		MaxVerificationAttempts: cfg.Session.MaxVerificationAttempts,
		AgentNumber:             cfg.Twilio.AgentNumber,
		Speech: SpeechSettings{
			Instructions: cfg.Speech.Instructions,
			Voice:        cfg.Speech.Voice,
			Language:     cfg.Speech.Language,
			Greeting:     cfg.Speech.Greeting,
		},
		Bridge: bridge.Config{
			Watermark:        cfg.Bridge.Watermark,
			WriteTimeout:     cfg.Bridge.WriteTimeout,
			TransientRetries: cfg.Bridge.TransientRetries,
			TransientBackoff: cfg.Bridge.TransientBackoff,
			StopTimeout:      cfg.Session.StopTimeout,
		},
		Transcript: transcript.Config{
			Retries:        cfg.Transcript.Retries,
			Backoff:        cfg.Transcript.Backoff,
			PersistTimeout: cfg.Transcript.PersistTimeout,
		},
	}
}

// Deps are shared by every session.
type Deps struct {
	Repository ports.Repository
	// Publisher receives transcript entries. Defaults to writing straight to
	// Repository.
	Publisher ports.EventPublisher
	Speech    ports.SpeechConnector
	// CallControl hangs up and transfers calls. Without it the session only
	// closes its media stream.
	CallControl ports.CallControl
	Registry    *tools.Registry
	// PolicyFor returns the options policy for an organization. It is
	// consulted once per call so reloaded policy applies to new calls.
	PolicyFor    func(orgID string) config.PolicyConfig
	TokenCounter transcript.TokenCounter
	Tracer       trace.Tracer
}

func (d *Deps) validate() error {
	if d.Repository == nil {
		return fmt.Errorf("repository required")
	}
	if d.Speech == nil {
		return fmt.Errorf("speech connector required")
	}
	if d.Registry == nil {
		return fmt.Errorf("tool registry required")
	}
	if d.PolicyFor == nil {
		d.PolicyFor = func(string) config.PolicyConfig { return config.PolicyConfig{} }
	}
	return nil
}
