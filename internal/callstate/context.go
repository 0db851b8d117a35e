package callstate

import (
	"maps"
	"slices"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

// NegotiationState tracks guidance requested during negotiation.
type NegotiationState struct {
	Rounds       int             `json:"rounds"`
	LastGuidance *ports.Guidance `json:"last_guidance,omitempty"`
}

// CallContext is the working memory of one call. Only the tool dispatcher
// mutates it, and only while holding its serialization lock.
type CallContext struct {
	CallID         string
	CallSID        string
	OrganizationID string
	CallerNumber   string

	// Customer is the resolved record, including the fields used to verify
	// identity. It never leaves the process.
	Customer *domain.Customer
	Policy   config.PolicyConfig

	Verified             bool
	VerificationAttempts int
	Snapshot             *domain.CustomerSnapshot

	Options        []domain.PaymentOption
	SelectedOption string
	Negotiation    NegotiationState
	Arrangements   map[string]*domain.Arrangement
	TransferReason string
	Outcome        domain.Outcome

	Scratch map[string]any
}

// NewCallContext returns an empty context for a call.
func NewCallContext(callID, callSID string) *CallContext {
	return &CallContext{
		CallID:       callID,
		CallSID:      callSID,
		Arrangements: make(map[string]*domain.Arrangement),
		Scratch:      make(map[string]any),
	}
}

// Option finds a previously quoted option.
func (c *CallContext) Option(id string) (domain.PaymentOption, bool) {
	for _, o := range c.Options {
		if o.ID == id {
			return o, true
		}
	}
	return domain.PaymentOption{}, false
}

// OptionIDs lists the quoted option ids in order.
func (c *CallContext) OptionIDs() []string {
	ids := make([]string, len(c.Options))
	for i, o := range c.Options {
		ids[i] = o.ID
	}
	return ids
}

// View is a read-only copy of a call context for reporting.
type View struct {
	CallID               string                   `json:"call_id"`
	CallSID              string                   `json:"call_sid"`
	OrganizationID       string                   `json:"organization_id,omitempty"`
	Verified             bool                     `json:"verified"`
	VerificationAttempts int                      `json:"verification_attempts"`
	Customer             *domain.CustomerSnapshot `json:"customer,omitempty"`
	Options              []domain.PaymentOption   `json:"options,omitempty"`
	SelectedOption       string                   `json:"selected_option,omitempty"`
	Negotiation          NegotiationState         `json:"negotiation"`
	Arrangements         []domain.Arrangement     `json:"arrangements,omitempty"`
	TransferReason       string                   `json:"transfer_reason,omitempty"`
	Outcome              domain.Outcome           `json:"outcome,omitempty"`
	Scratch              map[string]any           `json:"scratch,omitempty"`
}

// View copies the context. Unverified calls expose no customer details.
func (c *CallContext) View() View {
	v := View{
		CallID:               c.CallID,
		CallSID:              c.CallSID,
		OrganizationID:       c.OrganizationID,
		Verified:             c.Verified,
		VerificationAttempts: c.VerificationAttempts,
		Options:              slices.Clone(c.Options),
		SelectedOption:       c.SelectedOption,
		Negotiation:          c.Negotiation,
		TransferReason:       c.TransferReason,
		Outcome:              c.Outcome,
		Scratch:              maps.Clone(c.Scratch),
	}
	if c.Verified && c.Snapshot != nil {
		snap := *c.Snapshot
		v.Customer = &snap
	}
	for _, a := range c.Arrangements {
		v.Arrangements = append(v.Arrangements, *a)
	}
	slices.SortFunc(v.Arrangements, func(a, b domain.Arrangement) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return v
}
