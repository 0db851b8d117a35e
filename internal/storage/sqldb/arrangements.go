package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

const arrangementColumns = `id, call_id, customer_id, option_id, method, amount_cents,
	installments, external_reference, created_at`

func (s *Store) RecordArrangement(ctx context.Context, a *domain.Arrangement) (*domain.Arrangement, bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := s.dialect.Rebind(`INSERT INTO arrangements (` + arrangementColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause([]string{"call_id", "option_id", "method"}, nil))

	result, err := tx.ExecContext(ctx, insert,
		a.ID, a.CallID, a.CustomerID, a.OptionID, string(a.Method), int64(a.Amount),
		a.Installments, nullString(a.ExternalReference), a.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record arrangement: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	query := s.dialect.Rebind(`SELECT ` + arrangementColumns + ` FROM arrangements
		WHERE call_id = ? AND option_id = ? AND method = ?`)
	stored, err := scanArrangement(tx.QueryRowContext(ctx, query, a.CallID, a.OptionID, string(a.Method)))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit arrangement: %w", err)
	}
	return stored, n > 0, nil
}

func (s *Store) ListArrangements(ctx context.Context, callID string) ([]*domain.Arrangement, error) {
	query := s.dialect.Rebind(`SELECT ` + arrangementColumns + ` FROM arrangements
		WHERE call_id = ? ORDER BY created_at ASC`)

	rows, err := s.db.QueryContext(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list arrangements: %w", err)
	}
	defer rows.Close()

	var out []*domain.Arrangement
	for rows.Next() {
		a, err := scanArrangement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArrangement(row rowScanner) (*domain.Arrangement, error) {
	var a domain.Arrangement
	var method string
	var amount int64
	var ref sql.NullString

	err := row.Scan(&a.ID, &a.CallID, &a.CustomerID, &a.OptionID, &method, &amount,
		&a.Installments, &ref, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan arrangement: %w", err)
	}

	a.Method = domain.PaymentMethod(method)
	a.Amount = domain.Money(amount)
	a.ExternalReference = ref.String
	return &a, nil
}
