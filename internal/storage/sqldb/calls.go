package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

const callColumns = `id, call_sid, customer_id, organization_id, call_type, direction, status,
	state, ended, end_reason, outcome, started_at, ended_at, duration_seconds, extra_data,
	created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateCall(ctx context.Context, call *domain.CallRecord) error {
	now := time.Now().UTC()
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = now
	}
	if call.CallType == "" {
		call.CallType = domain.CallTypeCollections
	}
	if call.Direction == "" {
		call.Direction = domain.DirectionInbound
	}
	if call.Status == "" {
		call.Status = domain.CallStatusInitiated
	}
	if call.State == "" {
		call.State = domain.StateRinging
	}
	call.CreatedAt = now
	call.UpdatedAt = now

	extra, err := marshalExtra(call.ExtraData)
	if err != nil {
		return err
	}

	query := s.dialect.Rebind(`INSERT INTO calls (` + callColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		call.ID, call.CallSID, nullString(call.CustomerID), nullString(call.OrganizationID),
		call.CallType, string(call.Direction), string(call.Status), string(call.State),
		boolInt(call.Ended), nullString(string(call.EndReason)), nullString(string(call.Outcome)),
		call.StartedAt, nullTime(call.EndedAt), call.DurationSeconds, extra, call.CreatedAt, call.UpdatedAt)
	if s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("call %s: %w", call.CallSID, domain.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, id string) (*domain.CallRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + callColumns + ` FROM calls WHERE id = ?`)
	return scanCall(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetCallBySID(ctx context.Context, callSID string) (*domain.CallRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + callColumns + ` FROM calls WHERE call_sid = ?`)
	return scanCall(s.db.QueryRowContext(ctx, query, callSID))
}

func (s *Store) ListCalls(ctx context.Context, opts ports.ListOptions) ([]*domain.CallRecord, error) {
	var where []string
	var args []any
	if opts.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, opts.OrganizationID)
	}
	if opts.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, opts.CustomerID)
	}
	if !opts.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, opts.Since.UTC())
	}

	query := `SELECT ` + callColumns + ` FROM calls`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.CallRecord
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func (s *Store) UpdateCallStatus(ctx context.Context, callSID string, status domain.CallStatus, durationSeconds int) error {
	query := s.dialect.Rebind(`UPDATE calls SET status = ?, duration_seconds = ?, updated_at = ?
		WHERE call_sid = ?`)

	result, err := s.db.ExecContext(ctx, query, string(status), durationSeconds, time.Now().UTC(), callSID)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	return requireRow(result, callSID)
}

func (s *Store) UpdateCallOutcome(ctx context.Context, callID string, update domain.CallOutcomeUpdate) error {
	var endedAt *time.Time
	if !update.EndedAt.IsZero() {
		t := update.EndedAt.UTC()
		endedAt = &t
	}

	query := s.dialect.Rebind(`UPDATE calls SET state = ?, ended = ?, ended_at = ?, outcome = ?,
		end_reason = ?, updated_at = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query,
		string(update.State), boolInt(update.Ended), nullTime(endedAt),
		nullString(string(update.Outcome)), nullString(string(update.EndReason)),
		time.Now().UTC(), callID)
	if err != nil {
		return fmt.Errorf("failed to update call outcome: %w", err)
	}
	return requireRow(result, callID)
}

func scanCall(row rowScanner) (*domain.CallRecord, error) {
	var c domain.CallRecord
	var customerID, orgID, endReason, outcome, extra sql.NullString
	var direction, status, state string
	var ended int
	var endedAt sql.NullTime

	err := row.Scan(&c.ID, &c.CallSID, &customerID, &orgID, &c.CallType, &direction, &status,
		&state, &ended, &endReason, &outcome, &c.StartedAt, &endedAt, &c.DurationSeconds, &extra,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}

	c.CustomerID = customerID.String
	c.OrganizationID = orgID.String
	c.Direction = domain.CallDirection(direction)
	c.Status = domain.CallStatus(status)
	c.State = domain.CallState(state)
	c.Ended = ended != 0
	c.EndReason = domain.EndReason(endReason.String)
	c.Outcome = domain.Outcome(outcome.String)
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	if c.ExtraData, err = unmarshalExtra(extra); err != nil {
		return nil, err
	}
	return &c, nil
}

func requireRow(result sql.Result, key string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("call %s: %w", key, domain.ErrRecordNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
