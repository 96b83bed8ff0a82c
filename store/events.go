package store

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/edgeberry/devicehub/core/csql"
)

// DeviceEvent is one row of the device event log: telemetry, lifecycle
// events and status changes, keyed by an ever increasing serial.
type DeviceEvent struct {
	Serial     int64           `json:"serial"`
	DeviceUUID uuid.UUID       `json:"uuid"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"ts"`
}

// OutboxItem is a pending forward of a device event to the external
// stream. Items disappear from the outbox once forwarded or once their
// attempts run out.
type OutboxItem struct {
	DeviceEvent
	AttemptsLeft int `json:"attemptsLeft"`
}

// EventFilter narrows an event query. Zero fields do not filter.
type EventFilter struct {
	DeviceUUID *uuid.UUID
	Topic      string
	From       *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// NormalizeEventPayload makes any payload storable in a json column or
// a JSON frame. Valid JSON goes through as is, everything else is
// wrapped as {"raw": <base64>}.
func NormalizeEventPayload(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte(`{}`)
	}
	if json.Valid(payload) {
		return payload
	}
	wrapped, _ := json.Marshal(map[string]string{
		"raw": base64.StdEncoding.EncodeToString(payload),
	})
	return wrapped
}

// InsertEvent appends to the device event log. With event forwarding
// enabled the outbox row is written in the same transaction, so an event
// is either fully recorded for forwarding or not recorded at all.
func (s *Store) InsertEvent(ctx context.Context, deviceUUID uuid.UUID, topic string, payload []byte) error {
	doc := NormalizeEventPayload(payload)

	if !s.forwardEvents {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO `+s.db.Schema+`.device_events(device_id, topic, payload)
VALUES($1, $2, $3);`,
			deviceUUID, topic, doc)
		if err != nil {
			return dbError(err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError(err)
	}
	var ts time.Time
	err = tx.QueryRowContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device_events(device_id, topic, payload)
VALUES($1, $2, $3)
RETURNING ts;`,
		deviceUUID, topic, doc).Scan(&ts)
	if err != nil {
		tx.Rollback()
		return dbError(err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`."_event_outbox_"(device_id, topic, payload, ts)
VALUES($1, $2, $3, $4);`,
		deviceUUID, topic, doc, ts)
	if err != nil {
		tx.Rollback()
		return dbError(err)
	}
	if err := tx.Commit(); err != nil {
		return dbError(err)
	}
	return nil
}

// Events queries the event log, newest first.
func (s *Store) Events(ctx context.Context, filter EventFilter) ([]DeviceEvent, error) {
	query := `SELECT serial, device_id, topic, payload, ts FROM ` + s.db.Schema + `.device_events`
	where := ""
	args := []interface{}{}
	addCondition := func(condition string) {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += condition + "$" + strconv.Itoa(len(args))
	}
	if filter.DeviceUUID != nil {
		args = append(args, *filter.DeviceUUID)
		addCondition("device_id = ")
	}
	if filter.Topic != "" {
		args = append(args, filter.Topic)
		addCondition("topic = ")
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		addCondition("ts >= ")
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		addCondition("ts < ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	query += where + " ORDER BY ts DESC, serial DESC LIMIT " + strconv.Itoa(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(filter.Offset)
	}
	query += ";"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	events := []DeviceEvent{}
	for rows.Next() {
		var event DeviceEvent
		if err := rows.Scan(&event.Serial, &event.DeviceUUID, &event.Topic,
			&event.Payload, &event.Timestamp); err != nil {
			return nil, dbError(err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// OldEvents pages through events older than a cutoff in serial order, for
// the archive exporter. Pass the last serial of the previous page to
// continue.
func (s *Store) OldEvents(ctx context.Context, until time.Time, afterSerial int64, limit int) ([]DeviceEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial, device_id, topic, payload, ts FROM `+s.db.Schema+`.device_events
WHERE ts < $1 AND serial > $2 ORDER BY serial LIMIT $3;`,
		until, afterSerial, limit)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	events := []DeviceEvent{}
	for rows.Next() {
		var event DeviceEvent
		if err := rows.Scan(&event.Serial, &event.DeviceUUID, &event.Topic,
			&event.Payload, &event.Timestamp); err != nil {
			return nil, dbError(err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteEventsThrough removes archived events. Both bounds must match so
// only rows an exporter has actually seen go away.
func (s *Store) DeleteEventsThrough(ctx context.Context, until time.Time, throughSerial int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.db.Schema+`.device_events WHERE ts < $1 AND serial <= $2;`,
		until, throughSerial)
	if err != nil {
		return 0, dbError(err)
	}
	count, _ := res.RowsAffected()
	return count, nil
}

// ClaimOutboxItem picks the oldest due outbox item, burns one attempt and
// schedules the retry in one statement. Concurrent forwarders skip each
// other's locked rows, so an item is only ever claimed by one of them.
// Returns nil when nothing is due.
func (s *Store) ClaimOutboxItem(ctx context.Context, retryAt time.Time) (*OutboxItem, error) {
	var item OutboxItem
	err := s.db.QueryRowContext(ctx,
		`UPDATE `+s.db.Schema+`."_event_outbox_"
SET attempts_left = attempts_left - 1,
scheduled_at = CASE WHEN attempts_left > 1 THEN $1 ELSE NULL END
WHERE serial = (
SELECT serial FROM `+s.db.Schema+`."_event_outbox_"
WHERE attempts_left > 0 AND (scheduled_at IS NULL OR scheduled_at <= $2)
ORDER BY serial
FOR UPDATE SKIP LOCKED
LIMIT 1
)
RETURNING serial, device_id, topic, payload, ts, attempts_left;`,
		retryAt, time.Now()).Scan(&item.Serial, &item.DeviceUUID, &item.Topic,
		&item.Payload, &item.Timestamp, &item.AttemptsLeft)
	if err == csql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err)
	}
	return &item, nil
}

// DeleteOutboxItem acknowledges a forwarded item.
func (s *Store) DeleteOutboxItem(ctx context.Context, serial int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.db.Schema+`."_event_outbox_" WHERE serial=$1;`, serial)
	if err != nil {
		return dbError(err)
	}
	return nil
}
