package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/cortexlab/internal/model"
)

const sourceColumns = `id, project_id, provider, external_id, normalized_id, doi, title, authors, year, venue, url, abstract, citation_count, snippet_used, accessed_at`

// UpsertSources records sources for a project, deduplicating on the
// normalized id. A duplicate merges into the stored row with the same rules
// as model.MergeSource. The returned slice holds the stored rows in input
// order.
func (db *DB) UpsertSources(ctx context.Context, projectID uuid.UUID, sources []model.Source) ([]model.Source, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, s := range sources {
		if s.NormalizedID == "" {
			s.NormalizedID = model.NormalizeID(s)
		}
		if s.AccessedAt.IsZero() {
			s.AccessedAt = time.Now().UTC()
		}
		if s.Authors == nil {
			s.Authors = []string{}
		}
		batch.Queue(
			`INSERT INTO sources (`+sourceColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 ON CONFLICT (project_id, normalized_id) DO UPDATE SET
			     abstract = CASE WHEN length(EXCLUDED.abstract) > length(sources.abstract)
			                     THEN EXCLUDED.abstract ELSE sources.abstract END,
			     citation_count = GREATEST(sources.citation_count, EXCLUDED.citation_count),
			     year = COALESCE(sources.year, EXCLUDED.year),
			     venue = COALESCE(NULLIF(sources.venue, ''), EXCLUDED.venue),
			     url = COALESCE(NULLIF(sources.url, ''), EXCLUDED.url),
			     doi = COALESCE(NULLIF(sources.doi, ''), EXCLUDED.doi),
			     authors = CASE WHEN cardinality(sources.authors) = 0
			                    THEN EXCLUDED.authors ELSE sources.authors END,
			     snippet_used = COALESCE(NULLIF(sources.snippet_used, ''), EXCLUDED.snippet_used)
			 RETURNING `+sourceColumns,
			uuid.New(), projectID, s.Provider, s.ExternalID, s.NormalizedID, s.DOI, s.Title,
			s.Authors, s.Year, s.Venue, s.URL, s.Abstract, s.CitationCount, s.SnippetUsed, s.AccessedAt,
		)
	}

	br := db.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	out := make([]model.Source, 0, len(sources))
	for range sources {
		s, err := scanSource(br.QueryRow())
		if err != nil {
			return nil, fmt.Errorf("storage: upsert source: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ListSources returns a project's sources, most cited first.
func (db *DB) ListSources(ctx context.Context, projectID uuid.UUID, limit int) ([]model.Source, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE project_id = $1
		 ORDER BY citation_count DESC NULLS LAST, normalized_id
		 LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSourceEmbedding stores the abstract embedding for a source.
func (db *DB) SetSourceEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	if _, err := db.pool.Exec(ctx, `UPDATE sources SET embedding = $1 WHERE id = $2`, vec, id); err != nil {
		return fmt.Errorf("storage: set source embedding: %w", err)
	}
	return nil
}

// SimilarSources returns the project's sources nearest to query by cosine
// distance. Sources without an embedding are skipped.
func (db *DB) SimilarSources(ctx context.Context, projectID uuid.UUID, query []float32, limit int) ([]model.Source, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM sources
		 WHERE project_id = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2
		 LIMIT $3`, projectID, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: similar sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSource(row pgx.Row) (model.Source, error) {
	var s model.Source
	err := row.Scan(
		&s.ID, &s.ProjectID, &s.Provider, &s.ExternalID, &s.NormalizedID, &s.DOI, &s.Title,
		&s.Authors, &s.Year, &s.Venue, &s.URL, &s.Abstract, &s.CitationCount, &s.SnippetUsed, &s.AccessedAt,
	)
	return s, err
}
