package domain

// FailureKind classifies an unsuccessful tool result.
type FailureKind string

const (
	FailureNone                  FailureKind = ""
	FailureNotVerified           FailureKind = "not_verified"
	FailureIllegalState          FailureKind = "illegal_state"
	FailureUnknownTool           FailureKind = "unknown_tool"
	FailureUnknownOption         FailureKind = "unknown_option"
	FailureInvalidParams         FailureKind = "invalid_params"
	FailureUnavailable           FailureKind = "unavailable"
	FailureSessionClosed         FailureKind = "session_closed"
	FailureVerificationMismatch  FailureKind = "verification_mismatch"
	FailureVerificationExhausted FailureKind = "verification_exhausted"
)

// Directive tells the session what the call itself must do after a tool result.
type Directive string

const (
	DirectiveNone     Directive = ""
	DirectiveHangup   Directive = "hangup"
	DirectiveTransfer Directive = "transfer"
)

// Tool names known to the orchestrator.
const (
	ToolVerifyAccount          = "verify_account"
	ToolGetCustomerOptions     = "get_customer_options"
	ToolProcessPayment         = "process_payment"
	ToolTransferToAgent        = "transfer_to_agent"
	ToolGetNegotiationGuidance = "get_negotiation_guidance"
)

// ToolCall is a tool request emitted by the speech leg.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// ToolResult is returned to the speech leg for synthesis.
type ToolResult struct {
	CallID      string         `json:"call_id"`
	Name        string         `json:"name"`
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	FailureKind FailureKind    `json:"failure_kind,omitempty"`
	Directive   Directive      `json:"-"`
}
