package store

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/core/logger"
)

// Device is a registered device. Name is the human-assigned alias that
// appears as deviceId on the application surface; the UUID is the
// certificate-bound hardware identity.
type Device struct {
	DeviceID  uuid.UUID              `json:"uuid"`
	Name      string                 `json:"deviceId"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// LastSeen returns the device's last seen timestamp from its metadata,
// or the zero time when the device has never been seen.
func (d *Device) LastSeen() time.Time {
	if d.Meta == nil {
		return time.Time{}
	}
	s, ok := d.Meta["last_seen"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DeviceFilter narrows ListDevices.
type DeviceFilter struct {
	Model     string
	SeenSince time.Time
	Limit     int
	Offset    int
}

const deviceColumns = `device_id, name, meta, created_at, updated_at`

func scanDevice(row interface{ Scan(...interface{}) error }) (Device, error) {
	var d Device
	var meta []byte
	if err := row.Scan(&d.DeviceID, &d.Name, &meta, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Device{}, err
	}
	if len(meta) > 0 {
		json.Unmarshal(meta, &d.Meta)
	}
	return d, nil
}

// UpsertDevice creates or refreshes a device record. An empty name selects
// the generated default EDGB-<hex>; on a name collision the generator
// widens the hex part before giving up with duplicate. An explicit name
// must satisfy the naming rule and is applied on re-provisioning as well.
func (s *Store) UpsertDevice(ctx context.Context, deviceUUID uuid.UUID, name string, meta map[string]interface{}) (Device, error) {
	rlog := logger.FromContext(ctx)

	explicit := name != ""
	if explicit {
		if err := ValidateDeviceName(name); err != nil {
			return Device{}, err
		}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Device{}, core.Errorf(core.CodeBadRequest, "meta does not marshal: %v", err)
	}
	if meta == nil {
		metaJSON = []byte("{}")
	}

	upsert := `INSERT INTO ` + s.db.Schema + `.devices(device_id, name, meta)
VALUES($1, $2, $3)
ON CONFLICT (device_id) DO UPDATE SET meta=$3, updated_at=now()
RETURNING ` + deviceColumns + `;`
	upsertWithName := `INSERT INTO ` + s.db.Schema + `.devices(device_id, name, meta)
VALUES($1, $2, $3)
ON CONFLICT (device_id) DO UPDATE SET name=$2, meta=$3, updated_at=now()
RETURNING ` + deviceColumns + `;`

	if explicit {
		d, err := scanDevice(s.db.QueryRowContext(ctx, upsertWithName, deviceUUID, name, metaJSON))
		if isUniqueViolation(err, "devices_name_key") {
			return Device{}, core.Errorf(core.CodeDuplicate, "device name %q is taken", name)
		}
		if err != nil {
			return Device{}, dbError(err)
		}
		return d, nil
	}

	// generated names widen on collision: EDGB-9205, EDGB-9205255a, ...
	for _, width := range []int{4, 8, 12} {
		candidate := GeneratedDeviceName(deviceUUID.String(), width)
		d, err := scanDevice(s.db.QueryRowContext(ctx, upsert, deviceUUID, candidate, metaJSON))
		if isUniqueViolation(err, "devices_name_key") {
			rlog.Debugf("device name %q is taken, widening", candidate)
			continue
		}
		if err != nil {
			return Device{}, dbError(err)
		}
		return d, nil
	}
	return Device{}, core.Errorf(core.CodeDuplicate, "cannot find a free generated name for %s", deviceUUID)
}

// DeviceByUUID returns the device with the given hardware identity.
func (s *Store) DeviceByUUID(ctx context.Context, deviceUUID uuid.UUID) (Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM `+s.db.Schema+`.devices WHERE device_id=$1;`, deviceUUID))
	if err == csql.ErrNoRows {
		return Device{}, core.Errorf(core.CodeNotFound, "no device %s", deviceUUID)
	}
	if err != nil {
		return Device{}, dbError(err)
	}
	return d, nil
}

// DeviceByName returns the device with the given name.
func (s *Store) DeviceByName(ctx context.Context, name string) (Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM `+s.db.Schema+`.devices WHERE name=$1;`, name))
	if err == csql.ErrNoRows {
		return Device{}, core.Errorf(core.CodeNotFound, "no device %q", name)
	}
	if err != nil {
		return Device{}, dbError(err)
	}
	return d, nil
}

// ResolveUUID accepts a device UUID or a device name and returns the
// device's hardware identity.
func (s *Store) ResolveUUID(ctx context.Context, nameOrUUID string) (uuid.UUID, error) {
	d, err := s.DeviceByIdentifier(ctx, nameOrUUID)
	if err != nil {
		return uuid.UUID{}, err
	}
	return d.DeviceID, nil
}

// DeviceByIdentifier accepts a device UUID or a device name and returns
// the device record.
func (s *Store) DeviceByIdentifier(ctx context.Context, nameOrUUID string) (Device, error) {
	if id, err := uuid.Parse(nameOrUUID); err == nil {
		return s.DeviceByUUID(ctx, id)
	}
	return s.DeviceByName(ctx, nameOrUUID)
}

// ResolveName returns the name of the device with the given identity.
func (s *Store) ResolveName(ctx context.Context, deviceUUID uuid.UUID) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM `+s.db.Schema+`.devices WHERE device_id=$1;`, deviceUUID).Scan(&name)
	if err == csql.ErrNoRows {
		return "", core.Errorf(core.CodeNotFound, "no device %s", deviceUUID)
	}
	if err != nil {
		return "", dbError(err)
	}
	return name, nil
}

// ListDevices returns registered devices, newest first.
func (s *Store) ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM ` + s.db.Schema + `.devices WHERE 1=1`
	args := []interface{}{}
	if filter.Model != "" {
		args = append(args, filter.Model)
		query += ` AND meta::jsonb->>'model' = $` + strconv.Itoa(len(args))
	}
	if !filter.SeenSince.IsZero() {
		args = append(args, filter.SeenSince.UTC())
		query += ` AND (meta::jsonb->>'last_seen')::timestamptz >= $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}
	query += `;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, dbError(err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDevice renames a device and/or replaces its metadata. Nil leaves
// the respective part untouched.
func (s *Store) UpdateDevice(ctx context.Context, deviceUUID uuid.UUID, name *string, meta map[string]interface{}) (Device, error) {
	if name == nil && meta == nil {
		return s.DeviceByUUID(ctx, deviceUUID)
	}
	if name != nil {
		if err := ValidateDeviceName(*name); err != nil {
			return Device{}, err
		}
	}

	query := `UPDATE ` + s.db.Schema + `.devices SET updated_at=now()`
	args := []interface{}{}
	if name != nil {
		args = append(args, *name)
		query += `, name=$` + strconv.Itoa(len(args))
	}
	if meta != nil {
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return Device{}, core.Errorf(core.CodeBadRequest, "meta does not marshal: %v", err)
		}
		args = append(args, metaJSON)
		query += `, meta=$` + strconv.Itoa(len(args))
	}
	args = append(args, deviceUUID)
	query += ` WHERE device_id=$` + strconv.Itoa(len(args)) + ` RETURNING ` + deviceColumns + `;`

	d, err := scanDevice(s.db.QueryRowContext(ctx, query, args...))
	if err == csql.ErrNoRows {
		return Device{}, core.Errorf(core.CodeNotFound, "no device %s", deviceUUID)
	}
	if isUniqueViolation(err, "devices_name_key") {
		return Device{}, core.Errorf(core.CodeDuplicate, "device name %q is taken", *name)
	}
	if err != nil {
		return Device{}, dbError(err)
	}
	return d, nil
}

// DeleteDevice removes a device together with its twin documents, its
// event history and any pending outbox rows.
func (s *Store) DeleteDevice(ctx context.Context, deviceUUID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError(err)
	}
	res, err := tx.Exec(`DELETE FROM `+s.db.Schema+`.devices WHERE device_id=$1;`, deviceUUID)
	if err != nil {
		tx.Rollback()
		return dbError(err)
	}
	count, _ := res.RowsAffected()
	if count == 0 {
		tx.Rollback()
		return core.Errorf(core.CodeNotFound, "no device %s", deviceUUID)
	}
	for _, table := range []string{"twin_desired", "twin_reported", "device_events", `"_event_outbox_"`} {
		if _, err := tx.Exec(`DELETE FROM `+s.db.Schema+`.`+table+` WHERE device_id=$1;`, deviceUUID); err != nil {
			tx.Rollback()
			return dbError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbError(err)
	}
	return nil
}

// TouchDeviceSeen stamps the device's last_seen metadata field.
func (s *Store) TouchDeviceSeen(ctx context.Context, deviceUUID uuid.UUID, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.devices
SET meta = jsonb_set(COALESCE(meta::jsonb, '{}'::jsonb), '{last_seen}', to_jsonb($2::text), true)::json,
updated_at = now()
WHERE device_id=$1;`,
		deviceUUID, seenAt.UTC().Format(time.RFC3339))
	if err != nil {
		return dbError(err)
	}
	return nil
}

// SetDeviceStatus records an online or offline transition in the device
// metadata. Going online also counts as being seen.
func (s *Store) SetDeviceStatus(ctx context.Context, deviceUUID uuid.UUID, status string, seenAt time.Time) error {
	meta := `jsonb_set(COALESCE(meta::jsonb, '{}'::jsonb), '{status}', to_jsonb($2::text), true)`
	if status == "online" {
		meta = `jsonb_set(` + meta + `, '{last_seen}', to_jsonb($3::text), true)`
	}
	query := `UPDATE ` + s.db.Schema + `.devices
SET meta = (` + meta + `)::json,
updated_at = now()
WHERE device_id=$1;`
	var err error
	if status == "online" {
		_, err = s.db.ExecContext(ctx, query, deviceUUID, status, seenAt.UTC().Format(time.RFC3339))
	} else {
		_, err = s.db.ExecContext(ctx, query, deviceUUID, status)
	}
	if err != nil {
		return dbError(err)
	}
	return nil
}

// DeviceStats are fleet-level counters for the stats route.
type DeviceStats struct {
	Registered   int `json:"registered"`
	SeenLastHour int `json:"seenLastHour"`
}

// Stats returns fleet-level counters.
func (s *Store) Stats(ctx context.Context) (DeviceStats, error) {
	var stats DeviceStats
	err := s.db.QueryRowContext(ctx, `SELECT count(*),
count(*) FILTER (WHERE (meta::jsonb->>'last_seen')::timestamptz >= now() - interval '1 hour')
FROM `+s.db.Schema+`.devices;`).Scan(&stats.Registered, &stats.SeenLastHour)
	if err != nil {
		return DeviceStats{}, dbError(err)
	}
	return stats, nil
}

func isUniqueViolation(err error, constraint string) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
}

func dbError(err error) error {
	return core.Errorf(core.CodeDBUnavailable, "database error: %v", err)
}
