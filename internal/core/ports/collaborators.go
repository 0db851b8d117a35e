package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

// GuidanceRequest is what a negotiation advisor sees. It carries no account
// identifiers.
type GuidanceRequest struct {
	CustomerStatement string
	CustomerName      string
	Balance           domain.Money
	DaysOverdue       int
	Options           []domain.PaymentOption
	Round             int
}

// Guidance is a suggested next turn for the agent.
type Guidance struct {
	Suggestion      string `json:"suggestion"`
	RecommendOption string `json:"recommend_option,omitempty"`
	Tone            string `json:"tone,omitempty"`
}

// GuidanceAdvisor suggests how to respond to a customer during negotiation.
type GuidanceAdvisor interface {
	Advise(ctx context.Context, req GuidanceRequest) (*Guidance, error)
}

// PaymentRequest asks a processor to prepare collection of an arrangement.
type PaymentRequest struct {
	IdempotencyKey string
	CallID         string
	CustomerID     string
	OptionID       string
	Method         domain.PaymentMethod
	Amount         domain.Money
	Currency       string
}

// PaymentReceipt identifies the processor-side object.
type PaymentReceipt struct {
	Reference string
	Status    string
}

// PaymentCollector prepares payment collection with an external processor.
type PaymentCollector interface {
	Prepare(ctx context.Context, req PaymentRequest) (*PaymentReceipt, error)
}
