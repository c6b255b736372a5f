// ABOUTME: Append-only audit log store methods
// ABOUTME: Every security-relevant action lands here with actor, action, and free-form detail

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAudit records an audit entry. The entry's ID and timestamp are
// assigned here if unset. Detail is stored as JSON; nil detail stores NULL.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var detailJSON sql.NullString
	if entry.Detail != nil {
		data, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		detailJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (audit_id, user_id, action, detail_json, user_agent, remote_addr, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.Action,
		detailJSON,
		entry.UserAgent,
		entry.RemoteAddr,
		entry.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	return nil
}

// ListAudit returns audit entries matching the filter, newest first.
// A zero or negative limit defaults to 100; limits above 1000 are clamped.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `
		SELECT audit_id, user_id, action, detail_json, user_agent, remote_addr, ts
		FROM audit_log WHERE 1=1
	`
	var args []any

	if filter.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *filter.UserID)
	}
	if filter.Action != nil {
		query += ` AND action = ?`
		args = append(args, string(*filter.Action))
	}
	if filter.Since != nil {
		query += ` AND ts >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		query += ` AND ts <= ?`
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var detailJSON, userAgent, remoteAddr sql.NullString
		var tsStr string

		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &detailJSON, &userAgent, &remoteAddr, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		if detailJSON.Valid {
			if err := json.Unmarshal([]byte(detailJSON.String), &entry.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entry.UserAgent = userAgent.String
		entry.RemoteAddr = remoteAddr.String

		entry.Timestamp, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
