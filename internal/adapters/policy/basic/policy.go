// Package basic provides the default payment options policy.
package basic

import (
	"fmt"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

const defaultInstallmentPeriods = 6

// Policy implements ports.OptionsPolicy. It always offers full payment and an
// even installment plan, and a discounted settlement once an account is past
// the configured overdue threshold.
type Policy struct{}

var _ ports.OptionsPolicy = (*Policy)(nil)

// NewPolicy creates a new basic policy.
func NewPolicy() *Policy {
	return &Policy{}
}

// Options quotes the payment options for a customer.
func (p *Policy) Options(c domain.CustomerSnapshot, policy config.PolicyConfig) []domain.PaymentOption {
	options := []domain.PaymentOption{{
		ID:          domain.OptionFullPayment,
		Description: fmt.Sprintf("Pay the full balance of %s", c.Balance),
		Amount:      c.Balance,
	}}

	if settlement, ok := Settlement(c, policy); ok {
		options = append(options, settlement)
	}

	periods := policy.InstallmentPeriods
	if periods <= 0 {
		periods = defaultInstallmentPeriods
	}
	monthly := InstallmentAmount(c.Balance, periods)
	options = append(options, domain.PaymentOption{
		ID:           domain.OptionPaymentPlan,
		Description:  fmt.Sprintf("Pay %s per month for %d months", monthly, periods),
		Amount:       monthly,
		Installments: periods,
	})

	return options
}

// Settlement returns the discounted settlement offer if the account qualifies.
func Settlement(c domain.CustomerSnapshot, policy config.PolicyConfig) (domain.PaymentOption, bool) {
	if policy.DisableSettlement || policy.SettlementDiscountPercent <= 0 {
		return domain.PaymentOption{}, false
	}
	if c.DaysOverdue <= policy.SettlementThresholdDays {
		return domain.PaymentOption{}, false
	}

	pct := int64(policy.SettlementDiscountPercent)
	amount := domain.Money((int64(c.Balance)*(100-pct) + 50) / 100)
	return domain.PaymentOption{
		ID:              domain.OptionSettlement,
		Description:     fmt.Sprintf("Settle for %s, %d%% off the balance", amount, pct),
		Amount:          amount,
		DiscountPercent: policy.SettlementDiscountPercent,
	}, true
}

// InstallmentAmount splits balance evenly over periods, rounded to the nearest cent.
func InstallmentAmount(balance domain.Money, periods int) domain.Money {
	if periods <= 0 {
		return balance
	}
	n := int64(periods)
	return domain.Money((int64(balance) + n/2) / n)
}
