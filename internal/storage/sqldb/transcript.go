package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

func (s *Store) AppendTranscriptEntry(ctx context.Context, callID string, e *domain.TranscriptEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CallID = callID

	var payload, invocation sql.NullString
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}
	if e.Invocation != nil {
		raw, err := json.Marshal(e.Invocation)
		if err != nil {
			return fmt.Errorf("failed to marshal invocation: %w", err)
		}
		invocation = sql.NullString{String: string(raw), Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO call_transcript_entries
		(id, call_id, sequence, entry_type, recorded_at, speaker, tool_name, event, text,
		 token_count, payload, invocation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause([]string{"call_id", "sequence"}, nil))

	_, err := s.db.ExecContext(ctx, query,
		e.ID, callID, e.Sequence, string(e.Type), e.Timestamp.UTC(),
		nullString(string(e.Speaker)), nullString(e.ToolName), nullString(e.Event), nullString(e.Text),
		e.TokenCount, payload, invocation)
	if err != nil {
		return fmt.Errorf("failed to append transcript entry: %w", err)
	}
	return nil
}

func (s *Store) ListTranscript(ctx context.Context, callID string) ([]*domain.TranscriptEntry, error) {
	query := s.dialect.Rebind(`SELECT id, call_id, sequence, entry_type, recorded_at, speaker,
		tool_name, event, text, token_count, payload, invocation
		FROM call_transcript_entries WHERE call_id = ? ORDER BY sequence ASC`)

	rows, err := s.db.QueryContext(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var entries []*domain.TranscriptEntry
	for rows.Next() {
		var e domain.TranscriptEntry
		var entryType string
		var speaker, toolName, event, text, payload, invocation sql.NullString

		if err := rows.Scan(&e.ID, &e.CallID, &e.Sequence, &entryType, &e.Timestamp, &speaker,
			&toolName, &event, &text, &e.TokenCount, &payload, &invocation); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}

		e.Type = domain.EntryType(entryType)
		e.Speaker = domain.Speaker(speaker.String)
		e.ToolName = toolName.String
		e.Event = event.String
		e.Text = text.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		if invocation.Valid && invocation.String != "" {
			var rec domain.ToolInvocationRecord
			if err := json.Unmarshal([]byte(invocation.String), &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal invocation: %w", err)
			}
			e.Invocation = &rec
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
