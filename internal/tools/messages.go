package tools

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

// Spoken messages returned with failures.
const (
	MessageUnavailable  = "I'm sorry, that information is temporarily unavailable. Let me try to help another way."
	MessageNotVerified  = "I need to verify your identity before I can help with that. Could you please confirm the last four digits of your account number and your postal code?"
	MessageIllegalState = "I'm not able to do that just yet. Let's continue where we left off."
	MessageUnknownTool  = "I'm sorry, I can't help with that on this call."
	MessageClosed       = "This call is ending now. Thank you for your time."
	MessageVerifyClosed = "I'm sorry, I couldn't verify your identity. For security, I need to end this call. Please call back with your account information ready."
	MessageTransfer     = "I'm transferring you to one of our specialists now. Please stay on the line."
)

func missingParamsMessage(missing []string) string {
	return fmt.Sprintf("I'm missing some information for that: %s. Could you provide it?",
		strings.ReplaceAll(strings.Join(missing, ", "), "_", " "))
}

func verificationRetryMessage(remaining int) string {
	plural := "s"
	if remaining == 1 {
		plural = ""
	}
	return fmt.Sprintf("The information provided doesn't match our records. You have %d attempt%s remaining. Please try again.",
		remaining, plural)
}

func verifiedMessage(name string) string {
	return fmt.Sprintf("Identity verified. Welcome back, %s.", name)
}

func optionsMessage(name string, daysOverdue int, options []domain.PaymentOption) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, here are your payment options: ", name)
	for _, o := range options {
		switch o.ID {
		case domain.OptionFullPayment:
			fmt.Fprintf(&b, "You can pay the full balance of %s. ", o.Amount)
		case domain.OptionSettlement:
			fmt.Fprintf(&b, "Since your account is %d days overdue, we can offer a settlement of %s, saving you %d%%. ",
				daysOverdue, o.Amount, o.DiscountPercent)
		case domain.OptionPaymentPlan:
			fmt.Fprintf(&b, "Or you can set up a payment plan of %s per month for %d months. ", o.Amount, o.Installments)
		}
	}
	b.WriteString("Which option works best for you?")
	return b.String()
}

func unknownOptionMessage(valid []string) string {
	if len(valid) == 0 {
		return "I don't have any payment options for you yet. Let me look those up first."
	}
	return fmt.Sprintf("I don't have that option. The available options are: %s.",
		strings.ReplaceAll(strings.Join(valid, ", "), "_", " "))
}

func paymentConfirmation(method domain.PaymentMethod, option domain.PaymentOption) string {
	switch method {
	case domain.MethodSMSLink:
		return fmt.Sprintf("Perfect! I'll send you a text message with a secure payment link for %s. You'll receive it within the next few minutes. Is there anything else I can help you with?", option.Amount)
	case domain.MethodBankTransfer:
		return fmt.Sprintf("Great! I'll set up a bank transfer for %s. You'll receive the transfer details via email shortly. Is there anything else?", option.Amount)
	default:
		if option.Installments <= 1 {
			return fmt.Sprintf("Excellent! I've set up your payment of %s. You'll receive a confirmation email with all the details. Is there anything else I can help you with today?", option.Amount)
		}
		return fmt.Sprintf("Excellent! I've set up your payment plan of %s per month for %d months. You'll receive a confirmation email with all the details. Is there anything else I can help you with today?", option.Amount, option.Installments)
	}
}
