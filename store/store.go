// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

// Package store is the identity store of the device hub. It persists
// devices, the provisioning allow-list, twin documents, API tokens and
// the device event history in postgres.
package store

import (
	"context"
	"regexp"
	"strings"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/core/logger"
)

// Builder is a builder helper for the Store
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// ForwardEvents mirrors every inserted device event into the outbox
	// table for the kafka forwarder.
	ForwardEvents bool
}

// Store gives access to the hub's persistent state.
type Store struct {
	db            *csql.DB
	forwardEvents bool
}

// New creates the store. It creates the sql relations (if they do not
// exist) and runs the legacy whitelist migration.
func New(b *Builder) *Store {
	if b.DB == nil {
		panic("DB is missing")
	}
	s := &Store{db: b.DB, forwardEvents: b.ForwardEvents}
	s.migrateLegacyWhitelist()
	s.createTablesIfNotExist()
	return s
}

// DB exposes the underlying database.
func (s *Store) DB() *csql.DB {
	return s.db
}

// Health reports whether the database is reachable.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return core.Errorf(core.CodeDBUnavailable, "database not reachable: %v", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTablesIfNotExist() {
	// poor man's database migrations
	_, err := s.db.Exec(`CREATE table IF NOT EXISTS ` + s.db.Schema + `.devices
(device_id uuid NOT NULL,
name varchar NOT NULL,
meta json NOT NULL DEFAULT '{}',
created_at timestamp NOT NULL DEFAULT now(),
updated_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(device_id),
CONSTRAINT devices_name_key UNIQUE(name)
);

CREATE table IF NOT EXISTS ` + s.db.Schema + `.uuid_whitelist
(uuid varchar NOT NULL,
note varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL DEFAULT now(),
used_at timestamp,
PRIMARY KEY(uuid)
);

CREATE table IF NOT EXISTS ` + s.db.Schema + `.twin_desired
(device_id uuid NOT NULL,
version bigint NOT NULL DEFAULT 0,
doc json NOT NULL DEFAULT '{}',
updated_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(device_id)
);

CREATE table IF NOT EXISTS ` + s.db.Schema + `.twin_reported
(device_id uuid NOT NULL,
version bigint NOT NULL DEFAULT 0,
doc json NOT NULL DEFAULT '{}',
updated_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(device_id)
);

CREATE table IF NOT EXISTS ` + s.db.Schema + `.device_events
(serial bigserial NOT NULL,
device_id uuid NOT NULL,
topic varchar NOT NULL,
payload json NOT NULL DEFAULT '{}',
ts timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(serial)
);
CREATE INDEX IF NOT EXISTS device_events_device_ts ON ` + s.db.Schema + `.device_events(device_id, ts);

CREATE table IF NOT EXISTS ` + s.db.Schema + `.api_tokens
(token_id uuid NOT NULL DEFAULT uuid_generate_v4(),
name varchar NOT NULL,
token varchar NOT NULL,
scopes json NOT NULL DEFAULT '[]',
created_at timestamp NOT NULL DEFAULT now(),
last_used timestamp,
expires_at timestamp,
active boolean NOT NULL DEFAULT true,
PRIMARY KEY(token_id),
CONSTRAINT api_tokens_token_key UNIQUE(token)
);

CREATE table IF NOT EXISTS ` + s.db.Schema + `."_event_outbox_"
(serial bigserial NOT NULL,
device_id uuid NOT NULL,
topic varchar NOT NULL,
payload json NOT NULL DEFAULT '{}',
ts timestamp NOT NULL DEFAULT now(),
attempts_left integer NOT NULL DEFAULT 4,
scheduled_at timestamp,
PRIMARY KEY(serial)
);`)
	if err != nil {
		panic(err)
	}
}

// migrateLegacyWhitelist rebuilds the whitelist table when it still has the
// retired mandatory device_id column. The copy keeps uuid, note, created_at
// and used_at; everything else is dropped. Running it again is a no-op.
func (s *Store) migrateLegacyWhitelist() {
	var legacy bool
	err := s.db.QueryRow(`SELECT EXISTS (
SELECT 1 FROM information_schema.columns
 WHERE table_schema=$1 AND table_name='uuid_whitelist' AND column_name='device_id'
);`, s.db.Schema).Scan(&legacy)
	if err != nil {
		panic(err)
	}
	if !legacy {
		return
	}

	logger.Default().Warningln("migrating legacy uuid_whitelist table")
	tx, err := s.db.Begin()
	if err != nil {
		panic(err)
	}
	_, err = tx.Exec(`CREATE table ` + s.db.Schema + `.uuid_whitelist_new
(uuid varchar NOT NULL,
note varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL DEFAULT now(),
used_at timestamp,
PRIMARY KEY(uuid)
);
INSERT INTO ` + s.db.Schema + `.uuid_whitelist_new(uuid, note, created_at, used_at)
 SELECT uuid, COALESCE(note, ''), COALESCE(created_at, now()), used_at
 FROM ` + s.db.Schema + `.uuid_whitelist
 ON CONFLICT DO NOTHING;
DROP table ` + s.db.Schema + `.uuid_whitelist;
ALTER table ` + s.db.Schema + `.uuid_whitelist_new RENAME TO uuid_whitelist;`)
	if err != nil {
		tx.Rollback()
		panic(err)
	}
	if err := tx.Commit(); err != nil {
		panic(err)
	}
}

var deviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_]{3,31}$`)

// ValidateDeviceName checks a device name against the naming rule: 4 to 32
// characters, alphanumeric plus '-' and '_', not starting with a separator.
func ValidateDeviceName(name string) error {
	if !deviceNamePattern.MatchString(name) {
		return core.Errorf(core.CodeBadRequest, "invalid device name %q", name)
	}
	return nil
}

// GeneratedDeviceName returns the default name for a device UUID, EDGB-
// followed by the first hex digits of the UUID. Wider widths are used when
// the short form collides.
func GeneratedDeviceName(deviceUUID string, width int) string {
	hex := strings.ReplaceAll(strings.ToLower(deviceUUID), "-", "")
	if width > len(hex) {
		width = len(hex)
	}
	return "EDGB-" + hex[:width]
}
