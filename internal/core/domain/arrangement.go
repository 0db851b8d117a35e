package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Option identifiers offered by get_customer_options.
const (
	OptionFullPayment = "full_payment"
	OptionSettlement  = "settlement"
	OptionPaymentPlan = "payment_plan"
)

// PaymentMethod is how the customer will pay an arrangement.
type PaymentMethod string

const (
	MethodSMSLink      PaymentMethod = "sms_link"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodPaymentPlan  PaymentMethod = "payment_plan"
)

// Valid reports whether m is a supported method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodSMSLink, MethodBankTransfer, MethodPaymentPlan:
		return true
	}
	return false
}

// PaymentOption is one quoted way to resolve a balance.
type PaymentOption struct {
	ID              string `json:"id"`
	Description     string `json:"description"`
	Amount          Money  `json:"amount_cents"`
	DiscountPercent int    `json:"discount_percent,omitempty"`
	Installments    int    `json:"installments,omitempty"`
}

// Arrangement is a recorded promise to pay.
type Arrangement struct {
	ID                string        `json:"id"`
	CallID            string        `json:"call_id"`
	CustomerID        string        `json:"customer_id"`
	OptionID          string        `json:"option_id"`
	Method            PaymentMethod `json:"method"`
	Amount            Money         `json:"amount_cents"`
	Installments      int           `json:"installments,omitempty"`
	ExternalReference string        `json:"external_reference,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// ArrangementKey identifies an arrangement by (call, option, method).
func ArrangementKey(callID, optionID string, method PaymentMethod) string {
	sum := sha256.Sum256([]byte(callID + "\x00" + optionID + "\x00" + string(method)))
	return hex.EncodeToString(sum[:16])
}
