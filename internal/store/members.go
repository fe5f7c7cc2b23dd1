package store

import (
	"context"
	"fmt"
	"time"
)

// MemberRecord represents a row in the grid_members table.
type MemberRecord struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	State         string    `json:"state"`
	Version       string    `json:"version"`
	Lite          bool      `json:"lite"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	JoinedAt      time.Time `json:"joined_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UpsertMember inserts or updates a member record.
func (s *PostgresStore) UpsertMember(ctx context.Context, rec *MemberRecord) error {
	now := time.Now()
	query := `
		INSERT INTO grid_members (id, address, state, version, lite, last_heartbeat, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			address        = EXCLUDED.address,
			state          = EXCLUDED.state,
			version        = EXCLUDED.version,
			lite           = EXCLUDED.lite,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at     = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Address, rec.State, rec.Version, rec.Lite,
		now, now, now,
	)
	return err
}

// UpdateMemberHeartbeat refreshes the heartbeat timestamp for a member.
func (s *PostgresStore) UpdateMemberHeartbeat(ctx context.Context, id string) error {
	query := `
		UPDATE grid_members
		SET last_heartbeat = $2, updated_at = $2
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("member %s not found", id)
	}
	return nil
}

// ListActiveMembers returns all members in the active state.
func (s *PostgresStore) ListActiveMembers(ctx context.Context) ([]*MemberRecord, error) {
	query := `
		SELECT id, address, state, version, lite, last_heartbeat, joined_at, updated_at
		FROM grid_members
		WHERE state = 'active'
		ORDER BY joined_at
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*MemberRecord
	for rows.Next() {
		rec := &MemberRecord{}
		if err := rows.Scan(&rec.ID, &rec.Address, &rec.State, &rec.Version,
			&rec.Lite, &rec.LastHeartbeat, &rec.JoinedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteMember removes a member record.
func (s *PostgresStore) DeleteMember(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM grid_members WHERE id = $1`, id)
	return err
}
