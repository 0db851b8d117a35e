package tools

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/guidance"
)

// Deps are the collaborators the built-in tools need.
type Deps struct {
	// Customers resolves the caller when the session did not already.
	Customers    ports.CustomerStore
	Arrangements ports.ArrangementStore
	Policy       ports.OptionsPolicy
	// Advisor defaults to the rule-based advisor.
	Advisor ports.GuidanceAdvisor
	// Collector is optional. When set, sms_link arrangements get a processor
	// payment intent.
	Collector ports.PaymentCollector
	// Currency is used when the call's policy names none.
	Currency string
}

// Builtins returns the five tools every collections call exposes.
func Builtins(deps Deps) []Tool {
	if deps.Advisor == nil {
		deps.Advisor = guidance.RulesAdvisor{}
	}
	if deps.Currency == "" {
		deps.Currency = "usd"
	}
	return []Tool{
		&verifyAccount{deps: deps},
		&customerOptions{deps: deps},
		&processPayment{deps: deps},
		&transferToAgent{},
		&negotiationGuidance{deps: deps},
	}
}

// NewBuiltinRegistry registers the built-in tools.
func NewBuiltinRegistry(deps Deps) (*Registry, error) {
	if deps.Arrangements == nil {
		return nil, fmt.Errorf("arrangement store required")
	}
	if deps.Policy == nil {
		return nil, fmt.Errorf("options policy required")
	}
	r := NewRegistry()
	for _, t := range Builtins(deps) {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizePostal drops spaces and case, so "sw1a 1aa" matches "SW1A1AA".
func normalizePostal(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

func optionData(options []domain.PaymentOption) []map[string]any {
	out := make([]map[string]any, 0, len(options))
	for _, o := range options {
		m := map[string]any{
			"id":          o.ID,
			"description": o.Description,
			"amount":      o.Amount.Dollars(),
		}
		if o.DiscountPercent > 0 {
			m["discount_percent"] = o.DiscountPercent
		}
		if o.Installments > 0 {
			m["installments"] = o.Installments
		}
		out = append(out, m)
	}
	return out
}
