// Package callstate holds the per-call state machine and the call context it
// guards.
package callstate

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

// DefaultMaxVerificationAttempts is how many identity checks a caller gets.
const DefaultMaxVerificationAttempts = 2

// Transition records one state change.
type Transition struct {
	From    domain.CallState `json:"from"`
	To      domain.CallState `json:"to"`
	Trigger string           `json:"trigger"`
	At      time.Time        `json:"at"`
}

// Entry renders the transition as a state_changed transcript entry.
func (t Transition) Entry() domain.TranscriptEntry {
	e := domain.LifecycleEntry(domain.LifecycleStateChanged, domain.StateChangedData{
		From:    t.From,
		To:      t.To,
		Trigger: t.Trigger,
	})
	e.Timestamp = t.At
	return e
}

// GateError explains why a tool may not run.
type GateError struct {
	Tool  string
	Kind  domain.FailureKind
	State domain.CallState
}

func (e *GateError) Error() string {
	return fmt.Sprintf("tool %s blocked in state %s: %s", e.Tool, e.State, e.Kind)
}

// Tools that may run before the caller is verified.
var verificationExempt = []string{domain.ToolVerifyAccount, domain.ToolTransferToAgent}

// legalStates lists where each built-in tool may run.
var legalStates = map[string][]domain.CallState{
	domain.ToolVerifyAccount: {domain.StateAwaitingVerification},
	domain.ToolTransferToAgent: {
		domain.StateAwaitingVerification, domain.StateVerified, domain.StatePresentingOptions,
		domain.StateNegotiating, domain.StateArrangementRecorded,
	},
	domain.ToolGetCustomerOptions: {
		domain.StateVerified, domain.StatePresentingOptions, domain.StateNegotiating,
	},
	domain.ToolGetNegotiationGuidance: {
		domain.StatePresentingOptions, domain.StateNegotiating,
	},
	domain.ToolProcessPayment: {
		domain.StatePresentingOptions, domain.StateNegotiating, domain.StateArrangementRecorded,
	},
}

// successTargets is the state a built-in tool's success moves the call to.
var successTargets = map[string]domain.CallState{
	domain.ToolVerifyAccount:          domain.StateVerified,
	domain.ToolGetCustomerOptions:     domain.StatePresentingOptions,
	domain.ToolGetNegotiationGuidance: domain.StateNegotiating,
	domain.ToolProcessPayment:         domain.StateArrangementRecorded,
	domain.ToolTransferToAgent:        domain.StateTransferredToAgent,
}

// LegalStates returns the states a built-in tool may run in.
func LegalStates(tool string) []domain.CallState {
	return slices.Clone(legalStates[tool])
}

// IsVerificationExempt reports whether tool may run before verification.
func IsVerificationExempt(tool string) bool {
	return slices.Contains(verificationExempt, tool)
}

// Machine is the call's business state. It is safe for concurrent use, but
// every method that changes state returns the transitions it made so the
// caller can record them in order.
type Machine struct {
	mu sync.Mutex

	state       domain.CallState
	verified    bool
	attempts    int
	maxAttempts int
	ended       bool

	telephonyReady bool
	speechReady    bool

	now     func() time.Time
	history []Transition
}

// NewMachine returns a machine in the ringing state.
func NewMachine(maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxVerificationAttempts
	}
	return &Machine{
		state:       domain.StateRinging,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (m *Machine) State() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Verified() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified
}

func (m *Machine) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Machine) MaxAttempts() int {
	return m.maxAttempts
}

// History returns every transition so far.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// move must be called with mu held.
func (m *Machine) move(to domain.CallState, trigger string) Transition {
	t := Transition{From: m.state, To: to, Trigger: trigger, At: m.now().UTC()}
	m.state = to
	m.history = append(m.history, t)
	return t
}

// TelephonyReady marks the telephony media stream as started.
func (m *Machine) TelephonyReady() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telephonyReady = true
	return m.connectLocked()
}

// SpeechReady marks the speech session as acknowledged.
func (m *Machine) SpeechReady() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speechReady = true
	return m.connectLocked()
}

// connectLocked moves ringing to connected once both legs are up, and from
// there straight on to awaiting_verification.
func (m *Machine) connectLocked() []Transition {
	if m.state != domain.StateRinging || !m.telephonyReady || !m.speechReady || m.ended {
		return nil
	}
	return []Transition{
		m.move(domain.StateConnected, "legs_ready"),
		m.move(domain.StateAwaitingVerification, "connected"),
	}
}

// Gate decides whether tool may run now. legal is the tool's declared set of
// states; nil means the built-in table.
func (m *Machine) Gate(tool string, legal []domain.CallState) error {
	if legal == nil {
		legal = legalStates[tool]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return &GateError{Tool: tool, Kind: domain.FailureSessionClosed, State: m.state}
	}
	if !m.verified && !IsVerificationExempt(tool) {
		return &GateError{Tool: tool, Kind: domain.FailureNotVerified, State: m.state}
	}
	if m.state.Terminal() || !slices.Contains(legal, m.state) {
		return &GateError{Tool: tool, Kind: domain.FailureIllegalState, State: m.state}
	}
	return nil
}

// RecordVerificationFailure counts a failed identity check. It does not change
// state; the caller applies Fail once exhausted is true.
func (m *Machine) RecordVerificationFailure() (attempts, remaining int, exhausted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts < m.maxAttempts {
		m.attempts++
	}
	remaining = m.maxAttempts - m.attempts
	return m.attempts, remaining, remaining <= 0
}

// Succeeded applies the transition for a successful tool.
func (m *Machine) Succeeded(tool string) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, ok := successTargets[tool]
	if !ok || m.state.Terminal() || m.ended {
		return nil
	}
	if tool == domain.ToolVerifyAccount {
		m.verified = true
	}
	if m.state == to {
		return nil
	}
	return []Transition{m.move(to, tool)}
}

// Fail moves the call to the absorbing failed state.
func (m *Machine) Fail(trigger string) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.StateFailed || m.ended {
		return nil
	}
	return []Transition{m.move(domain.StateFailed, trigger)}
}

// TransportLost fails the call unless it already reached a natural end.
func (m *Machine) TransportLost() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case domain.StateArrangementRecorded, domain.StateTransferredToAgent, domain.StateFailed:
		return nil
	}
	if m.ended {
		return nil
	}
	return []Transition{m.move(domain.StateFailed, "transport_lost")}
}

// End sets the ended flag and returns the state the call ended in.
func (m *Machine) End() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
	return m.state
}
