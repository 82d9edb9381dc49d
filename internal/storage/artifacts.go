package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/ashita-ai/cortexlab/internal/model"
)

const artifactColumns = `id, project_id, artifact_type, logical_key, title, version, content, content_hash, produced_by_run_id, created_at, updated_at`

// ContentHash returns the hex BLAKE2b-256 digest of the artifact content's
// canonical JSON encoding (encoding/json sorts map keys).
func ContentHash(content map[string]any) (string, error) {
	b, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("storage: encode artifact content: %w", err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ProposeArtifact appends a new version for (project, logical key). The
// version number is max+1 under a transaction-scoped advisory lock on the
// key, so concurrent proposers for the same key never collide and earlier
// versions are never touched. CreatedAt carries over from version 1.
func (db *DB) ProposeArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error) {
	if a.Content == nil {
		a.Content = map[string]any{}
	}
	hash, err := ContentHash(a.Content)
	if err != nil {
		return model.Artifact{}, err
	}
	a.ContentHash = hash

	err = WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin propose tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text || '/' || $2, 0))`,
			a.ProjectID.String(), a.LogicalKey); err != nil {
			return fmt.Errorf("storage: lock artifact key: %w", err)
		}

		var (
			current   int
			createdAt *time.Time
		)
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0), MIN(created_at) FROM artifacts
			 WHERE project_id = $1 AND logical_key = $2`,
			a.ProjectID, a.LogicalKey).Scan(&current, &createdAt); err != nil {
			return fmt.Errorf("storage: current artifact version: %w", err)
		}

		now := time.Now().UTC()
		a.ID = uuid.New()
		a.Version = current + 1
		a.UpdatedAt = now
		a.CreatedAt = now
		if createdAt != nil {
			a.CreatedAt = *createdAt
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO artifacts (`+artifactColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			a.ID, a.ProjectID, string(a.ArtifactType), a.LogicalKey, a.Title, a.Version,
			a.Content, a.ContentHash, a.ProducedByRunID, a.CreatedAt, a.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert artifact: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.Artifact{}, err
	}
	return a, nil
}

// GetArtifact retrieves one artifact version by ID.
func (db *DB) GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error) {
	return db.getArtifact(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id)
}

// GetCurrentArtifact returns the highest version for a logical key.
func (db *DB) GetCurrentArtifact(ctx context.Context, projectID uuid.UUID, logicalKey string) (model.Artifact, error) {
	return db.getArtifact(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE project_id = $1 AND logical_key = $2
		 ORDER BY version DESC LIMIT 1`, projectID, logicalKey)
}

// GetArtifactVersion returns one specific version for a logical key.
func (db *DB) GetArtifactVersion(ctx context.Context, projectID uuid.UUID, logicalKey string, version int) (model.Artifact, error) {
	return db.getArtifact(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE project_id = $1 AND logical_key = $2 AND version = $3`,
		projectID, logicalKey, version)
}

func (db *DB) getArtifact(ctx context.Context, query string, args ...any) (model.Artifact, error) {
	a, err := scanArtifact(db.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Artifact{}, fmt.Errorf("storage: artifact: %w", ErrNotFound)
	}
	if err != nil {
		return model.Artifact{}, fmt.Errorf("storage: get artifact: %w", err)
	}
	return a, nil
}

// ListCurrentArtifacts returns the current version of every logical key in
// the project, optionally filtered by type, ordered by logical key.
func (db *DB) ListCurrentArtifacts(ctx context.Context, projectID uuid.UUID, artifactType model.ArtifactType) ([]model.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (logical_key) `+artifactColumns+`
		 FROM artifacts
		 WHERE project_id = $1 AND ($2 = '' OR artifact_type = $2)
		 ORDER BY logical_key, version DESC`, projectID, string(artifactType))
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListArtifactVersions returns every version of a logical key, oldest first.
func (db *DB) ListArtifactVersions(ctx context.Context, projectID uuid.UUID, logicalKey string) ([]model.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE project_id = $1 AND logical_key = $2
		 ORDER BY version ASC`, projectID, logicalKey)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifact versions: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func scanArtifact(row pgx.Row) (model.Artifact, error) {
	var a model.Artifact
	err := row.Scan(
		&a.ID, &a.ProjectID, &a.ArtifactType, &a.LogicalKey, &a.Title, &a.Version,
		&a.Content, &a.ContentHash, &a.ProducedByRunID, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func collectArtifacts(rows pgx.Rows) ([]model.Artifact, error) {
	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
