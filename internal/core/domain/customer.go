package domain

import (
	"strconv"
	"strings"
	"time"
)

// Money is an amount in cents.
type Money int64

// Dollars converts the amount to a float for JSON payloads.
func (m Money) Dollars() float64 {
	return float64(m) / 100
}

// String renders the amount the way it is spoken, e.g. "$1,234.50".
func (m Money) String() string {
	neg := m < 0
	if neg {
		m = -m
	}
	whole := strconv.FormatInt(int64(m)/100, 10)
	cents := int64(m) % 100

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	if cents < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.FormatInt(cents, 10))
	return b.String()
}

// MoneyFromDollars rounds a dollar amount to the nearest cent.
func MoneyFromDollars(d float64) Money {
	if d < 0 {
		return -Money(-d*100 + 0.5)
	}
	return Money(d*100 + 0.5)
}

// Customer is a debtor record. The orchestrator only reads it.
type Customer struct {
	ID           string            `json:"id"`
	Phone        string            `json:"phone"`
	Name         string            `json:"name"`
	AccountLast4 string            `json:"-"`
	PostalCode   string            `json:"-"`
	Balance      Money             `json:"balance_cents"`
	DaysOverdue  int               `json:"days_overdue"`
	Segment      string            `json:"segment,omitempty"`
	Language     string            `json:"language,omitempty"`
	ExtraData    map[string]string `json:"extra_data,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Snapshot copies the fields a verified call may disclose.
func (c *Customer) Snapshot() CustomerSnapshot {
	return CustomerSnapshot{
		CustomerID:  c.ID,
		Name:        c.Name,
		Balance:     c.Balance,
		DaysOverdue: c.DaysOverdue,
		Segment:     c.Segment,
		Language:    c.Language,
	}
}

// CustomerSnapshot is the disclosed view of a customer held in the call context.
type CustomerSnapshot struct {
	CustomerID  string `json:"customer_id"`
	Name        string `json:"name"`
	Balance     Money  `json:"balance_cents"`
	DaysOverdue int    `json:"days_overdue"`
	Segment     string `json:"segment,omitempty"`
	Language    string `json:"language,omitempty"`
}
