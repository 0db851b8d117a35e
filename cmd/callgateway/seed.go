package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

type seedFile struct {
	Customers []seedCustomer `yaml:"customers"`
}

type seedCustomer struct {
	ID           string            `yaml:"id"`
	Phone        string            `yaml:"phone"`
	Name         string            `yaml:"name"`
	AccountLast4 string            `yaml:"account_last4"`
	PostalCode   string            `yaml:"postal_code"`
	BalanceCents int64             `yaml:"balance_cents"`
	DaysOverdue  int               `yaml:"days_overdue"`
	Segment      string            `yaml:"segment"`
	Language     string            `yaml:"language"`
	ExtraData    map[string]string `yaml:"extra_data"`
}

func readCustomers(path string) ([]*domain.Customer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	customers := make([]*domain.Customer, 0, len(f.Customers))
	for i, c := range f.Customers {
		if c.ID == "" || c.Phone == "" {
			return nil, fmt.Errorf("customers[%d]: id and phone are required", i)
		}
		customers = append(customers, &domain.Customer{
			ID:           c.ID,
			Phone:        c.Phone,
			Name:         c.Name,
			AccountLast4: c.AccountLast4,
			PostalCode:   c.PostalCode,
			Balance:      domain.Money(c.BalanceCents),
			DaysOverdue:  c.DaysOverdue,
			Segment:      c.Segment,
			Language:     c.Language,
			ExtraData:    c.ExtraData,
		})
	}
	return customers, nil
}
