package domain

import (
	"time"
)

// CallState is the business state of a call session.
type CallState string

const (
	StateRinging              CallState = "ringing"
	StateConnected            CallState = "connected"
	StateAwaitingVerification CallState = "awaiting_verification"
	StateVerified             CallState = "verified"
	StatePresentingOptions    CallState = "presenting_options"
	StateNegotiating          CallState = "negotiating"
	StateArrangementRecorded  CallState = "arrangement_recorded"
	StateTransferredToAgent   CallState = "transferred_to_agent"
	StateFailed               CallState = "failed"
)

// Terminal reports whether no further business transition may leave the state.
func (s CallState) Terminal() bool {
	return s == StateFailed || s == StateTransferredToAgent
}

// AtOrAfterVerificationGate reports whether the call has reached the point where
// the caller is being (or has been) identified.
func (s CallState) AtOrAfterVerificationGate() bool {
	switch s {
	case StateAwaitingVerification, StateVerified, StatePresentingOptions,
		StateNegotiating, StateArrangementRecorded:
		return true
	}
	return false
}

// EndReason explains why a call was torn down.
type EndReason string

const (
	EndReasonNormal             EndReason = "normal"
	EndReasonTelephonyHangup    EndReason = "telephony_hangup"
	EndReasonSpeechClosed       EndReason = "speech_closed"
	EndReasonError              EndReason = "error"
	EndReasonVerificationFailed EndReason = "verification_failed"
	EndReasonTransferred        EndReason = "transferred"
	EndReasonMaxDuration        EndReason = "max_duration"
	EndReasonShutdown           EndReason = "shutdown"
)

// Outcome is the business result of a call.
type Outcome string

const (
	OutcomeNone               Outcome = ""
	OutcomePaymentArranged    Outcome = "payment_arranged"
	OutcomeTransferred        Outcome = "transferred"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomeNoArrangement      Outcome = "no_arrangement"
	OutcomeFailed             Outcome = "failed"
)

// CallDirection is inbound or outbound from the service's point of view.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallStatus is the telephony-level status of a call record.
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// CallTypeCollections is the only call type the service places today.
const CallTypeCollections = "collections"

// CallSession identifies one live phone call. Its ID is the persisted call record ID.
type CallSession struct {
	ID                   string     `json:"id"`
	CallSID              string     `json:"call_sid"`
	CustomerID           string     `json:"customer_id,omitempty"`
	OrganizationID       string     `json:"organization_id,omitempty"`
	State                CallState  `json:"state"`
	Ended                bool       `json:"ended"`
	VerificationAttempts int        `json:"verification_attempts"`
	StartedAt            time.Time  `json:"started_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	Outcome              Outcome    `json:"outcome,omitempty"`
	EndReason            EndReason  `json:"end_reason,omitempty"`
}

// CallRecord is the persisted form of a call.
type CallRecord struct {
	ID              string            `json:"id"`
	CallSID         string            `json:"call_sid"`
	CustomerID      string            `json:"customer_id,omitempty"`
	OrganizationID  string            `json:"organization_id,omitempty"`
	CallType        string            `json:"call_type"`
	Direction       CallDirection     `json:"direction"`
	Status          CallStatus        `json:"status"`
	State           CallState         `json:"state"`
	Ended           bool              `json:"ended"`
	EndReason       EndReason         `json:"end_reason,omitempty"`
	Outcome         Outcome           `json:"outcome,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	ExtraData       map[string]string `json:"extra_data,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// CallOutcomeUpdate is written once when a session is finalized.
type CallOutcomeUpdate struct {
	State     CallState
	Ended     bool
	EndedAt   time.Time
	Outcome   Outcome
	EndReason EndReason
}

// CallStart is what the telephony leg reports once its media stream is live.
type CallStart struct {
	CallSID    string
	StreamSID  string
	From       string
	To         string
	Parameters map[string]string
}
