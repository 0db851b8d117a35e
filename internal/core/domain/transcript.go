package domain

import (
	"encoding/json"
	"time"
)

// EntryType classifies a transcript entry.
type EntryType string

const (
	EntrySpeechTurn     EntryType = "speech_turn"
	EntryToolInvocation EntryType = "tool_invocation"
	EntryToolResult     EntryType = "tool_result"
	EntryToolBlocked    EntryType = "tool_blocked"
	EntryLifecycle      EntryType = "lifecycle"
)

// Speaker identifies who produced a speech turn.
type Speaker string

const (
	SpeakerCustomer Speaker = "customer"
	SpeakerAgent    Speaker = "agent"
	SpeakerSystem   Speaker = "system"
)

// Lifecycle event names written as EntryLifecycle entries.
const (
	LifecycleCallStarted       = "call_started"
	LifecycleStateChanged      = "state_changed"
	LifecycleTransportLost     = "transport_lost"
	LifecycleHangupRequested   = "hangup_requested"
	LifecycleTransferRequested = "transfer_requested"
	LifecycleBargeIn           = "barge_in"
	LifecycleFatal             = "fatal_error"
	LifecycleCallEnded         = "call_ended"
)

// TranscriptEntry is one immutable, ordered fact about a call.
type TranscriptEntry struct {
	ID         string                `json:"id"`
	CallID     string                `json:"call_id"`
	Sequence   int64                 `json:"sequence"`
	Type       EntryType             `json:"type"`
	Timestamp  time.Time             `json:"timestamp"`
	Speaker    Speaker               `json:"speaker,omitempty"`
	ToolName   string                `json:"tool_name,omitempty"`
	Event      string                `json:"event,omitempty"`
	Text       string                `json:"text,omitempty"`
	TokenCount int                   `json:"token_count,omitempty"`
	Payload    json.RawMessage       `json:"payload,omitempty"`
	Invocation *ToolInvocationRecord `json:"invocation,omitempty"`
}

// ToolInvocationRecord captures a finished tool execution.
type ToolInvocationRecord struct {
	ToolName           string         `json:"tool_name"`
	Params             map[string]any `json:"params,omitempty"`
	Success            bool           `json:"success"`
	Message            string         `json:"message"`
	Data               map[string]any `json:"data,omitempty"`
	FailureKind        FailureKind    `json:"failure_kind,omitempty"`
	Detail             string         `json:"detail,omitempty"`
	Duration           time.Duration  `json:"duration_ns"`
	InvocationSequence int64          `json:"invocation_sequence"`
}

// LifecycleEntry builds a lifecycle entry whose payload is data encoded as JSON.
func LifecycleEntry(event string, data any) TranscriptEntry {
	e := TranscriptEntry{
		Type:    EntryLifecycle,
		Speaker: SpeakerSystem,
		Event:   event,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Payload = raw
		}
	}
	return e
}

// CallEndedData is the payload of the single terminal lifecycle entry.
type CallEndedData struct {
	Reason          EndReason `json:"reason"`
	DurationSeconds float64   `json:"duration_seconds"`
	FinalState      CallState `json:"final_state"`
	FramesInbound   int64     `json:"frames_inbound"`
	FramesOutbound  int64     `json:"frames_outbound"`
	DroppedInbound  int64     `json:"dropped_inbound"`
	DroppedOutbound int64     `json:"dropped_outbound"`
	Error           string    `json:"error,omitempty"`
}

// StateChangedData is the payload of a state_changed lifecycle entry.
type StateChangedData struct {
	From    CallState `json:"from"`
	To      CallState `json:"to"`
	Trigger string    `json:"trigger"`
}
