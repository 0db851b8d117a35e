package callstate

import (
	"errors"
	"testing"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

func connected(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(2)
	if got := m.TelephonyReady(); len(got) != 0 {
		t.Fatalf("TelephonyReady() alone = %v, want no transition", got)
	}
	got := m.SpeechReady()
	if len(got) != 2 {
		t.Fatalf("SpeechReady() transitions = %v, want 2", got)
	}
	if got[0].To != domain.StateConnected || got[1].To != domain.StateAwaitingVerification {
		t.Fatalf("transitions = %v", got)
	}
	return m
}

func gateKind(err error) domain.FailureKind {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return domain.FailureNone
}

func TestMachine_StartsRinging(t *testing.T) {
	m := NewMachine(0)
	if m.State() != domain.StateRinging {
		t.Errorf("State() = %v, want ringing", m.State())
	}
	if m.MaxAttempts() != DefaultMaxVerificationAttempts {
		t.Errorf("MaxAttempts() = %d, want %d", m.MaxAttempts(), DefaultMaxVerificationAttempts)
	}
	if kind := gateKind(m.Gate(domain.ToolVerifyAccount, nil)); kind != domain.FailureIllegalState {
		t.Errorf("Gate(verify) while ringing = %v, want illegal_state", kind)
	}
}

func TestMachine_UnverifiedGate(t *testing.T) {
	m := connected(t)

	tests := []struct {
		tool string
		want domain.FailureKind
	}{
		{domain.ToolVerifyAccount, domain.FailureNone},
		{domain.ToolTransferToAgent, domain.FailureNone},
		{domain.ToolGetCustomerOptions, domain.FailureNotVerified},
		{domain.ToolProcessPayment, domain.FailureNotVerified},
		{domain.ToolGetNegotiationGuidance, domain.FailureNotVerified},
		{"lookup_weather", domain.FailureNotVerified},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := gateKind(m.Gate(tt.tool, nil)); got != tt.want {
				t.Errorf("Gate(%s) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestMachine_HappyPath(t *testing.T) {
	m := connected(t)

	steps := []struct {
		tool string
		want domain.CallState
	}{
		{domain.ToolVerifyAccount, domain.StateVerified},
		{domain.ToolGetCustomerOptions, domain.StatePresentingOptions},
		{domain.ToolGetNegotiationGuidance, domain.StateNegotiating},
		{domain.ToolGetNegotiationGuidance, domain.StateNegotiating},
		{domain.ToolGetCustomerOptions, domain.StatePresentingOptions},
		{domain.ToolProcessPayment, domain.StateArrangementRecorded},
		{domain.ToolProcessPayment, domain.StateArrangementRecorded},
	}
	for i, step := range steps {
		if err := m.Gate(step.tool, nil); err != nil {
			t.Fatalf("step %d Gate(%s) error = %v", i, step.tool, err)
		}
		m.Succeeded(step.tool)
		if m.State() != step.want {
			t.Fatalf("step %d State() = %v, want %v", i, m.State(), step.want)
		}
	}
	if !m.Verified() {
		t.Errorf("Verified() = false after verify_account")
	}
}

func TestMachine_IllegalStateWhenVerified(t *testing.T) {
	m := connected(t)
	m.Succeeded(domain.ToolVerifyAccount)

	if kind := gateKind(m.Gate(domain.ToolProcessPayment, nil)); kind != domain.FailureIllegalState {
		t.Errorf("Gate(process_payment) in verified = %v, want illegal_state", kind)
	}
	if kind := gateKind(m.Gate(domain.ToolVerifyAccount, nil)); kind != domain.FailureIllegalState {
		t.Errorf("Gate(verify_account) in verified = %v, want illegal_state", kind)
	}
}

func TestMachine_VerificationExhaustion(t *testing.T) {
	m := connected(t)

	attempts, remaining, exhausted := m.RecordVerificationFailure()
	if attempts != 1 || remaining != 1 || exhausted {
		t.Fatalf("first failure = %d, %d, %v", attempts, remaining, exhausted)
	}
	attempts, remaining, exhausted = m.RecordVerificationFailure()
	if attempts != 2 || remaining != 0 || !exhausted {
		t.Fatalf("second failure = %d, %d, %v", attempts, remaining, exhausted)
	}
	// The counter never passes the maximum.
	attempts, _, _ = m.RecordVerificationFailure()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}

	got := m.Fail("verification_exhausted")
	if len(got) != 1 || got[0].To != domain.StateFailed {
		t.Fatalf("Fail() = %v", got)
	}
	if kind := gateKind(m.Gate(domain.ToolTransferToAgent, nil)); kind != domain.FailureIllegalState {
		t.Errorf("Gate(transfer) after failed = %v, want illegal_state", kind)
	}
	if got := m.Succeeded(domain.ToolVerifyAccount); got != nil {
		t.Errorf("Succeeded() after failed = %v, want nil", got)
	}
}

func TestMachine_TransferFromNegotiating(t *testing.T) {
	m := connected(t)
	m.Succeeded(domain.ToolVerifyAccount)
	m.Succeeded(domain.ToolGetCustomerOptions)
	m.Succeeded(domain.ToolGetNegotiationGuidance)

	if err := m.Gate(domain.ToolTransferToAgent, nil); err != nil {
		t.Fatalf("Gate(transfer) error = %v", err)
	}
	got := m.Succeeded(domain.ToolTransferToAgent)
	if len(got) != 1 || got[0].From != domain.StateNegotiating || got[0].To != domain.StateTransferredToAgent {
		t.Fatalf("Succeeded(transfer) = %v", got)
	}
	if kind := gateKind(m.Gate(domain.ToolGetCustomerOptions, nil)); kind != domain.FailureIllegalState {
		t.Errorf("Gate after transfer = %v, want illegal_state", kind)
	}
}

func TestMachine_TransportLost(t *testing.T) {
	tests := []struct {
		name  string
		tools []string
		want  domain.CallState
	}{
		{"before verification", nil, domain.StateFailed},
		{"mid negotiation", []string{domain.ToolVerifyAccount, domain.ToolGetCustomerOptions}, domain.StateFailed},
		{"after arrangement", []string{domain.ToolVerifyAccount, domain.ToolGetCustomerOptions, domain.ToolProcessPayment}, domain.StateArrangementRecorded},
		{"after transfer", []string{domain.ToolTransferToAgent}, domain.StateTransferredToAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := connected(t)
			for _, tool := range tt.tools {
				m.Succeeded(tool)
			}
			m.TransportLost()
			if m.State() != tt.want {
				t.Errorf("State() = %v, want %v", m.State(), tt.want)
			}
		})
	}
}

func TestMachine_EndBlocksTools(t *testing.T) {
	m := connected(t)
	if final := m.End(); final != domain.StateAwaitingVerification {
		t.Errorf("End() = %v, want awaiting_verification", final)
	}
	if !m.Ended() {
		t.Errorf("Ended() = false")
	}
	if kind := gateKind(m.Gate(domain.ToolVerifyAccount, nil)); kind != domain.FailureSessionClosed {
		t.Errorf("Gate after End = %v, want session_closed", kind)
	}
	if got := m.TransportLost(); got != nil {
		t.Errorf("TransportLost() after End = %v, want nil", got)
	}
}

func TestTransition_Entry(t *testing.T) {
	m := connected(t)
	history := m.History()
	e := history[0].Entry()
	if e.Type != domain.EntryLifecycle || e.Event != domain.LifecycleStateChanged {
		t.Errorf("Entry() = %+v", e)
	}
	if string(e.Payload) != `{"from":"ringing","to":"connected","trigger":"legs_ready"}` {
		t.Errorf("Payload = %s", e.Payload)
	}
}

func TestCallContext_View(t *testing.T) {
	c := NewCallContext("call-1", "CA1")
	c.Snapshot = &domain.CustomerSnapshot{Name: "Ana", Balance: 100}
	if v := c.View(); v.Customer != nil {
		t.Errorf("View() exposed customer before verification")
	}

	c.Verified = true
	c.Options = []domain.PaymentOption{{ID: domain.OptionFullPayment, Amount: 100}}
	v := c.View()
	if v.Customer == nil || v.Customer.Name != "Ana" {
		t.Errorf("View().Customer = %+v", v.Customer)
	}

	v.Options[0].Amount = 1
	if c.Options[0].Amount != 100 {
		t.Errorf("View() shares option storage with the context")
	}
	if _, ok := c.Option(domain.OptionSettlement); ok {
		t.Errorf("Option(settlement) found, want missing")
	}
}
