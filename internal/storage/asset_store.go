package storage

import (
	"context"
	"time"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
)

// UpsertAsset registers an asset under an organization
func (s *SQLiteStore) UpsertAsset(ctx context.Context, orgID, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (id, organization_id, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET organization_id = excluded.organization_id, name = excluded.name`,
		id, orgID, name, formatTime(time.Now()))
	if err != nil {
		return errors.Wrap(err, "failed to upsert asset")
	}
	return nil
}

// AssetBelongsTo reports whether the asset exists within the organization
func (s *SQLiteStore) AssetBelongsTo(ctx context.Context, orgID, assetID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets WHERE id = ? AND organization_id = ?", assetID, orgID).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "failed to look up asset")
	}
	return count > 0, nil
}
