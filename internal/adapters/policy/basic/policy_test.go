package basic

import (
	"testing"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
)

var defaultPolicy = config.PolicyConfig{
	SettlementThresholdDays:   90,
	SettlementDiscountPercent: 30,
	InstallmentPeriods:        6,
	Currency:                  "usd",
}

func optionIDs(options []domain.PaymentOption) []string {
	ids := make([]string, len(options))
	for i, o := range options {
		ids[i] = o.ID
	}
	return ids
}

func TestOptions_BelowThreshold(t *testing.T) {
	c := domain.CustomerSnapshot{Name: "Ana", Balance: domain.MoneyFromDollars(1000), DaysOverdue: 30}
	options := NewPolicy().Options(c, defaultPolicy)

	if len(options) != 2 {
		t.Fatalf("Options() ids = %v, want full_payment and payment_plan", optionIDs(options))
	}
	if options[0].ID != domain.OptionFullPayment || options[0].Amount != 100000 {
		t.Errorf("options[0] = %+v", options[0])
	}
	if options[1].ID != domain.OptionPaymentPlan || options[1].Amount != 16667 || options[1].Installments != 6 {
		t.Errorf("options[1] = %+v", options[1])
	}
}

func TestOptions_AboveThreshold(t *testing.T) {
	c := domain.CustomerSnapshot{Name: "Ben", Balance: domain.MoneyFromDollars(5000), DaysOverdue: 120}
	options := NewPolicy().Options(c, defaultPolicy)

	if len(options) != 3 {
		t.Fatalf("Options() ids = %v, want 3 options", optionIDs(options))
	}
	settlement := options[1]
	if settlement.ID != domain.OptionSettlement {
		t.Fatalf("options[1].ID = %v, want settlement", settlement.ID)
	}
	if settlement.Amount != 350000 || settlement.DiscountPercent != 30 {
		t.Errorf("settlement = %+v, want $3,500.00 at 30%%", settlement)
	}
	if options[2].Amount != 83333 {
		t.Errorf("payment_plan amount = %v, want 83333", options[2].Amount)
	}
}

func TestOptions_ThresholdIsExclusive(t *testing.T) {
	c := domain.CustomerSnapshot{Balance: 10000, DaysOverdue: 90}
	if _, ok := Settlement(c, defaultPolicy); ok {
		t.Errorf("Settlement() at exactly the threshold offered a settlement")
	}
}

func TestOptions_DisabledSettlement(t *testing.T) {
	policy := defaultPolicy
	policy.DisableSettlement = true
	c := domain.CustomerSnapshot{Balance: 10000, DaysOverdue: 400}
	if _, ok := Settlement(c, policy); ok {
		t.Errorf("Settlement() offered while disabled")
	}
}

func TestInstallmentAmount(t *testing.T) {
	tests := []struct {
		balance domain.Money
		periods int
		want    domain.Money
	}{
		{100000, 6, 16667},
		{500000, 6, 83333},
		{1200, 12, 100},
		{999, 0, 999},
	}
	for _, tt := range tests {
		if got := InstallmentAmount(tt.balance, tt.periods); got != tt.want {
			t.Errorf("InstallmentAmount(%v, %d) = %v, want %v", tt.balance, tt.periods, got, tt.want)
		}
	}
}
