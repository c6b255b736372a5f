// ABOUTME: Donor record and retrieval event store methods
// ABOUTME: Donors are the protected resource behind step-up; retrievals are append-only history

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateDonor inserts a new donor record. Donor codes are unique across the
// whole registry; a collision returns ErrDonorCodeExists.
func (s *SQLiteStore) CreateDonor(ctx context.Context, donor *Donor) error {
	if donor.ID == "" {
		donor.ID = uuid.New().String()
	}
	if donor.Status == "" {
		donor.Status = DonorStatusActive
	}

	now := time.Now().UTC()
	donor.CreatedAt = now
	donor.UpdatedAt = now

	query := `
		INSERT INTO donors (id, code, blood_type, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		donor.ID,
		donor.Code,
		donor.BloodType,
		donor.Status,
		donor.Notes,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDonorCodeExists
		}
		return fmt.Errorf("creating donor: %w", err)
	}

	s.logger.Info("created donor", "donor_id", donor.ID, "code", donor.Code)
	return nil
}

func scanDonor(row *sql.Row) (*Donor, error) {
	var donor Donor
	var bloodType, notes sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&donor.ID,
		&donor.Code,
		&bloodType,
		&donor.Status,
		&notes,
		&createdAtStr,
		&updatedAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning donor: %w", err)
	}

	donor.BloodType = bloodType.String
	donor.Notes = notes.String

	donor.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	donor.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &donor, nil
}

// GetDonor retrieves a donor by ID.
func (s *SQLiteStore) GetDonor(ctx context.Context, id string) (*Donor, error) {
	query := `
		SELECT id, code, blood_type, status, notes, created_at, updated_at
		FROM donors WHERE id = ?
	`
	return scanDonor(s.db.QueryRowContext(ctx, query, id))
}

// ListDonors returns donors ordered by code. A zero or negative limit
// defaults to 200.
func (s *SQLiteStore) ListDonors(ctx context.Context, limit int) ([]*Donor, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT id, code, blood_type, status, notes, created_at, updated_at
		FROM donors ORDER BY code ASC LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying donors: %w", err)
	}
	defer rows.Close()

	var donors []*Donor
	for rows.Next() {
		var donor Donor
		var bloodType, notes sql.NullString
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(&donor.ID, &donor.Code, &bloodType, &donor.Status, &notes, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning donor: %w", err)
		}

		donor.BloodType = bloodType.String
		donor.Notes = notes.String
		donor.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		donor.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		donors = append(donors, &donor)
	}

	return donors, rows.Err()
}

// UpdateDonor overwrites the mutable fields of a donor record.
func (s *SQLiteStore) UpdateDonor(ctx context.Context, donor *Donor) error {
	donor.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE donors SET code = ?, blood_type = ?, status = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		donor.Code,
		donor.BloodType,
		donor.Status,
		donor.Notes,
		donor.UpdatedAt.Format(time.RFC3339),
		donor.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDonorCodeExists
		}
		return fmt.Errorf("updating donor: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDonor removes a donor and, via the foreign key cascade, its
// retrieval events.
func (s *SQLiteStore) DeleteDonor(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM donors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting donor: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted donor", "donor_id", id)
	return nil
}

// CreateRetrievalEvent records a specimen retrieval against a donor and
// flips the donor's status to retrieved in the same transaction.
func (s *SQLiteStore) CreateRetrievalEvent(ctx context.Context, event *RetrievalEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE donors SET status = ?, updated_at = ? WHERE id = ?`,
		DonorStatusRetrieved, event.CreatedAt.Format(time.RFC3339), event.DonorID,
	)
	if err != nil {
		return fmt.Errorf("updating donor status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO retrieval_events (id, donor_id, confirmed_by, specimen_count, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.DonorID,
		event.ConfirmedBy,
		event.SpecimenCount,
		event.Notes,
		event.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting retrieval event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing retrieval: %w", err)
	}

	s.logger.Info("recorded retrieval", "donor_id", event.DonorID, "confirmed_by", event.ConfirmedBy)
	return nil
}

// ListRetrievalEvents returns the retrieval history for a donor, newest first.
func (s *SQLiteStore) ListRetrievalEvents(ctx context.Context, donorID string) ([]*RetrievalEvent, error) {
	query := `
		SELECT id, donor_id, confirmed_by, specimen_count, notes, created_at
		FROM retrieval_events WHERE donor_id = ? ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, donorID)
	if err != nil {
		return nil, fmt.Errorf("querying retrieval events: %w", err)
	}
	defer rows.Close()

	var events []*RetrievalEvent
	for rows.Next() {
		var event RetrievalEvent
		var notes sql.NullString
		var createdAtStr string

		if err := rows.Scan(&event.ID, &event.DonorID, &event.ConfirmedBy, &event.SpecimenCount, &notes, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning retrieval event: %w", err)
		}

		event.Notes = notes.String
		event.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		events = append(events, &event)
	}

	return events, rows.Err()
}
