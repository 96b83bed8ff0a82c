package store

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/csql"
)

// TwinSection is one half of a twin document pair. Versions start at 0
// for a twin that has never been written and advance by exactly 1 with
// every accepted merge.
type TwinSection struct {
	Version   int64                  `json:"version"`
	Doc       map[string]interface{} `json:"doc"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

func emptySection() TwinSection {
	return TwinSection{Version: 0, Doc: map[string]interface{}{}}
}

// GetTwin returns the twin pair for a device. Devices without twin rows
// get empty version-0 sections; no rows are created by reading.
func (s *Store) GetTwin(ctx context.Context, deviceUUID uuid.UUID) (desired, reported TwinSection, err error) {
	desired, err = s.twinSection(ctx, "twin_desired", deviceUUID)
	if err != nil {
		return
	}
	reported, err = s.twinSection(ctx, "twin_reported", deviceUUID)
	return
}

func (s *Store) twinSection(ctx context.Context, table string, deviceUUID uuid.UUID) (TwinSection, error) {
	var section TwinSection
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT version, doc, updated_at FROM `+s.db.Schema+`.`+table+` WHERE device_id=$1;`,
		deviceUUID).Scan(&section.Version, &doc, &section.UpdatedAt)
	if err == csql.ErrNoRows {
		return emptySection(), nil
	}
	if err != nil {
		return TwinSection{}, dbError(err)
	}
	if err := json.Unmarshal(doc, &section.Doc); err != nil {
		return TwinSection{}, core.Errorf(core.CodeInternalError, "stored twin document is corrupt: %v", err)
	}
	if section.Doc == nil {
		section.Doc = map[string]interface{}{}
	}
	return section, nil
}

// SetDesired shallow-merges a patch into the desired document and
// increments its version.
func (s *Store) SetDesired(ctx context.Context, deviceUUID uuid.UUID, patch map[string]interface{}) (TwinSection, error) {
	return s.mergeSection(ctx, "twin_desired", deviceUUID, patch)
}

// SetReported shallow-merges a patch into the reported document and
// increments its version.
func (s *Store) SetReported(ctx context.Context, deviceUUID uuid.UUID, patch map[string]interface{}) (TwinSection, error) {
	return s.mergeSection(ctx, "twin_reported", deviceUUID, patch)
}

// mergeSection is the single write path for twin documents. The merge and
// the version increment happen in one upsert, so concurrent updates
// serialize on the row and every accepted merge advances the version by
// exactly 1. The jsonb || operator is the shallow merge: top-level keys
// from the patch win, everything else is preserved.
func (s *Store) mergeSection(ctx context.Context, table string, deviceUUID uuid.UUID, patch map[string]interface{}) (TwinSection, error) {
	if patch == nil {
		patch = map[string]interface{}{}
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return TwinSection{}, core.Errorf(core.CodeBadRequest, "patch does not marshal: %v", err)
	}

	var section TwinSection
	var doc []byte
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO `+s.db.Schema+`.`+table+`(device_id, version, doc, updated_at)
VALUES($1, 1, $2, now())
ON CONFLICT (device_id) DO UPDATE
 SET version = `+table+`.version + 1,
 doc = (`+table+`.doc::jsonb || $2::jsonb)::json,
 updated_at = now()
RETURNING version, doc, updated_at;`,
		deviceUUID, patchJSON).Scan(&section.Version, &doc, &section.UpdatedAt)
	if err != nil {
		return TwinSection{}, dbError(err)
	}
	if err := json.Unmarshal(doc, &section.Doc); err != nil {
		return TwinSection{}, core.Errorf(core.CodeInternalError, "stored twin document is corrupt: %v", err)
	}
	if section.Doc == nil {
		section.Doc = map[string]interface{}{}
	}
	return section, nil
}
