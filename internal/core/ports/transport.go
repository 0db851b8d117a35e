package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

// TelephonyLeg is one live media stream from the telephony provider.
type TelephonyLeg interface {
	// Start blocks until the provider reports the stream is live.
	Start(ctx context.Context) (domain.CallStart, error)

	// Format is the audio format the leg produces and accepts.
	Format() domain.AudioFormat

	// ReadFrame returns the next caller audio frame. io.EOF means the caller hung up.
	ReadFrame(ctx context.Context) (domain.AudioFrame, error)

	// WriteFrame plays a frame to the caller.
	WriteFrame(ctx context.Context, frame domain.AudioFrame) error

	// Clear discards audio the provider has buffered but not yet played.
	Clear(ctx context.Context) error

	Close() error
}

// SpeechEventKind classifies what a speech leg emitted.
type SpeechEventKind string

const (
	SpeechAudio       SpeechEventKind = "audio"
	SpeechToolCall    SpeechEventKind = "tool_call"
	SpeechTranscript  SpeechEventKind = "transcript"
	SpeechInterrupted SpeechEventKind = "interrupted"
)

// SpeechEvent is one message from the speech leg.
type SpeechEvent struct {
	Kind     SpeechEventKind
	Frame    domain.AudioFrame
	ToolCall *domain.ToolCall
	Speaker  domain.Speaker
	Text     string
}

// ToolSpec advertises a tool to the speech agent.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SpeechSessionConfig configures the agent for one call.
type SpeechSessionConfig struct {
	CallID       string             `json:"call_id"`
	Instructions string             `json:"instructions,omitempty"`
	Voice        string             `json:"voice,omitempty"`
	Language     string             `json:"language,omitempty"`
	Greeting     string             `json:"greeting,omitempty"`
	Tools        []ToolSpec         `json:"tools"`
	InputFormat  domain.AudioFormat `json:"input_format"`
	OutputFormat domain.AudioFormat `json:"output_format"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

// SpeechLeg is one live session with the speech/LLM agent.
type SpeechLeg interface {
	// Open starts the agent session and blocks until it is ready.
	Open(ctx context.Context, cfg SpeechSessionConfig) error

	// Format is the audio format the leg produces and accepts.
	Format() domain.AudioFormat

	// Read returns the next event. io.EOF means the agent ended the session.
	Read(ctx context.Context) (SpeechEvent, error)

	// WriteFrame sends caller audio to the agent.
	WriteFrame(ctx context.Context, frame domain.AudioFrame) error

	// SendToolResult answers a tool call.
	SendToolResult(ctx context.Context, callID string, result domain.ToolResult) error

	Close() error
}

// SpeechConnector opens a new speech leg per call.
type SpeechConnector interface {
	Connect(ctx context.Context) (SpeechLeg, error)
}

// OutboundCall asks the telephony provider to place a call.
type OutboundCall struct {
	To         string
	From       string
	Parameters map[string]string
}

// CallControl drives calls through the telephony provider's control API.
type CallControl interface {
	Dial(ctx context.Context, call OutboundCall) (string, error)
	Hangup(ctx context.Context, callSID string) error
	Transfer(ctx context.Context, callSID, to string) error
}
