package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

const customerColumns = `id, phone, name, account_last_4, postal_code, balance_cents,
	days_overdue, segment, language, extra_data, created_at, updated_at`

func (s *Store) ResolveCustomer(ctx context.Context, phone string) (*domain.Customer, error) {
	query := s.dialect.Rebind(`SELECT ` + customerColumns + ` FROM customers WHERE phone = ?`)
	return s.scanCustomer(s.db.QueryRowContext(ctx, query, phone))
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	query := s.dialect.Rebind(`SELECT ` + customerColumns + ` FROM customers WHERE id = ?`)
	return s.scanCustomer(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) UpsertCustomer(ctx context.Context, c *domain.Customer) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	extra, err := marshalExtra(c.ExtraData)
	if err != nil {
		return err
	}

	query := s.dialect.Rebind(`INSERT INTO customers (` + customerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause([]string{"phone"}, []string{
			"name", "account_last_4", "postal_code", "balance_cents", "days_overdue",
			"segment", "language", "extra_data", "updated_at",
		}))

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.Phone, c.Name, c.AccountLast4, c.PostalCode, int64(c.Balance),
		c.DaysOverdue, nullString(c.Segment), nullString(c.Language), extra, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}

	// The row keeps its original id when the phone already existed.
	idQuery := s.dialect.Rebind(`SELECT id FROM customers WHERE phone = ?`)
	if err := s.db.QueryRowContext(ctx, idQuery, c.Phone).Scan(&c.ID); err != nil {
		return fmt.Errorf("failed to read customer id: %w", err)
	}
	return nil
}

func (s *Store) scanCustomer(row *sql.Row) (*domain.Customer, error) {
	var c domain.Customer
	var balance int64
	var segment, language, extra sql.NullString

	err := row.Scan(&c.ID, &c.Phone, &c.Name, &c.AccountLast4, &c.PostalCode, &balance,
		&c.DaysOverdue, &segment, &language, &extra, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}

	c.Balance = domain.Money(balance)
	c.Segment = segment.String
	c.Language = language.String
	if c.ExtraData, err = unmarshalExtra(extra); err != nil {
		return nil, err
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalExtra(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal extra data: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalExtra(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extra data: %w", err)
	}
	return m, nil
}
