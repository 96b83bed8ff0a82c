package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/csql"
)

// WhitelistEntry is a provisioning allow-list entry. UsedAt is set the
// first time the UUID successfully provisions.
type WhitelistEntry struct {
	UUID      string     `json:"uuid"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
}

// CheckWhitelist returns the allow-list entry for a UUID, or not_found.
func (s *Store) CheckWhitelist(ctx context.Context, deviceUUID string) (WhitelistEntry, error) {
	var entry WhitelistEntry
	var usedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid, note, created_at, used_at FROM `+s.db.Schema+`.uuid_whitelist WHERE uuid=$1;`,
		deviceUUID).Scan(&entry.UUID, &entry.Note, &entry.CreatedAt, &usedAt)
	if err == csql.ErrNoRows {
		return WhitelistEntry{}, core.Errorf(core.CodeNotFound, "uuid %s is not whitelisted", deviceUUID)
	}
	if err != nil {
		return WhitelistEntry{}, dbError(err)
	}
	if usedAt.Valid {
		entry.UsedAt = &usedAt.Time
	}
	return entry, nil
}

// MarkWhitelistUsed stamps used_at for a UUID. The stamp is written only
// once; marking an already used entry again is a no-op.
func (s *Store) MarkWhitelistUsed(ctx context.Context, deviceUUID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.uuid_whitelist SET used_at=now() WHERE uuid=$1 AND used_at IS NULL;`,
		deviceUUID)
	if err != nil {
		return dbError(err)
	}
	return nil
}

// AddWhitelist inserts an allow-list entry. Adding an existing UUID
// refreshes the note but keeps created_at and used_at.
func (s *Store) AddWhitelist(ctx context.Context, deviceUUID, note string) (WhitelistEntry, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.uuid_whitelist(uuid, note) VALUES($1, $2)
ON CONFLICT (uuid) DO UPDATE SET note=$2;`,
		deviceUUID, note)
	if err != nil {
		return WhitelistEntry{}, dbError(err)
	}
	return s.CheckWhitelist(ctx, deviceUUID)
}

// RemoveWhitelist deletes an allow-list entry.
func (s *Store) RemoveWhitelist(ctx context.Context, deviceUUID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.db.Schema+`.uuid_whitelist WHERE uuid=$1;`, deviceUUID)
	if err != nil {
		return dbError(err)
	}
	count, _ := res.RowsAffected()
	if count == 0 {
		return core.Errorf(core.CodeNotFound, "uuid %s is not whitelisted", deviceUUID)
	}
	return nil
}

// ListWhitelist returns all allow-list entries, newest first.
func (s *Store) ListWhitelist(ctx context.Context) ([]WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, note, created_at, used_at FROM `+s.db.Schema+`.uuid_whitelist ORDER BY created_at DESC;`)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()
	entries := []WhitelistEntry{}
	for rows.Next() {
		var entry WhitelistEntry
		var usedAt sql.NullTime
		if err := rows.Scan(&entry.UUID, &entry.Note, &entry.CreatedAt, &usedAt); err != nil {
			return nil, dbError(err)
		}
		if usedAt.Valid {
			entry.UsedAt = &usedAt.Time
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
