package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sibyldev/sibyl/pkg/errs"
)

const sourceColumns = `id, organization_id, name, url, source_type, crawl_depth,
    include_patterns, exclude_patterns, status, last_error,
    document_count, chunk_count, last_crawled_at, tags, categories,
    favicon_url, created_at, updated_at`

// CreateSource registers a crawl source. The id is derived from the
// tenant and the name, so registering the same name twice returns a
// Conflict.
func (s *Store) CreateSource(ctx context.Context, src *CrawlSource) error {
	const op = "CreateSource"

	if src == nil {
		return errs.New(errs.ValidationError, component, op, "source is required")
	}
	if err := requireTenant(op, src.OrganizationID); err != nil {
		return err
	}
	if src.Name == "" {
		return errs.New(errs.ValidationError, component, op, "source name is required")
	}
	if src.URL == "" {
		return errs.New(errs.ValidationError, component, op, "source url is required")
	}
	if src.SourceType != SourceWeb && src.SourceType != SourceLocal {
		return errs.Newf(errs.ValidationError, component, op,
			"unknown source type %q (expected web or local)", src.SourceType)
	}

	if src.ID == "" {
		src.ID = NewSourceID(src.OrganizationID, src.Name)
	}
	if src.CrawlDepth <= 0 {
		src.CrawlDepth = 2
	}
	if src.Status == "" {
		src.Status = SourcePending
	}
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	query := s.rebind(`
INSERT INTO crawl_sources (` + sourceColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query,
		src.ID, src.OrganizationID, src.Name, src.URL, src.SourceType, src.CrawlDepth,
		marshalStrings(src.IncludePatterns), marshalStrings(src.ExcludePatterns),
		string(src.Status), src.LastError,
		src.DocumentCount, src.ChunkCount, nullTime(src.LastCrawledAt),
		marshalStrings(src.Tags), marshalStrings(src.Categories),
		src.FaviconURL, src.CreatedAt, src.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Newf(errs.Conflict, component, op,
				"source %q already exists", src.Name)
		}
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return nil
}

// GetSource fetches one source by id within the tenant.
func (s *Store) GetSource(ctx context.Context, orgID, id string) (*CrawlSource, error) {
	const op = "GetSource"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	query := s.rebind(`
SELECT ` + sourceColumns + ` FROM crawl_sources
WHERE id = ? AND organization_id = ?
`)
	return s.scanSource(op, s.db.QueryRowContext(ctx, query, id, orgID))
}

// GetSourceByName fetches one source by its tenant-unique name.
func (s *Store) GetSourceByName(ctx context.Context, orgID, name string) (*CrawlSource, error) {
	const op = "GetSourceByName"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	query := s.rebind(`
SELECT ` + sourceColumns + ` FROM crawl_sources
WHERE organization_id = ? AND name = ?
`)
	return s.scanSource(op, s.db.QueryRowContext(ctx, query, orgID, name))
}

// ListSources returns all of the tenant's sources ordered by name.
func (s *Store) ListSources(ctx context.Context, orgID string) ([]*CrawlSource, error) {
	const op = "ListSources"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	query := s.rebind(`
SELECT ` + sourceColumns + ` FROM crawl_sources
WHERE organization_id = ?
ORDER BY name
`)
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer rows.Close()

	var sources []*CrawlSource
	for rows.Next() {
		src, err := s.scanSource(op, rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return sources, nil
}

// ListOrganizations returns every tenant that owns at least one source.
// The periodic source sync uses it to sweep all tenants.
func (s *Store) ListOrganizations(ctx context.Context) ([]string, error) {
	const op = "ListOrganizations"

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT organization_id FROM crawl_sources ORDER BY organization_id`)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
		orgs = append(orgs, orgID)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return orgs, nil
}

// UpdateSource rewrites the mutable fields of a source.
func (s *Store) UpdateSource(ctx context.Context, src *CrawlSource) error {
	const op = "UpdateSource"

	if src == nil {
		return errs.New(errs.ValidationError, component, op, "source is required")
	}
	if err := requireTenant(op, src.OrganizationID); err != nil {
		return err
	}
	src.UpdatedAt = time.Now().UTC()

	query := s.rebind(`
UPDATE crawl_sources SET
    url = ?, crawl_depth = ?, include_patterns = ?, exclude_patterns = ?,
    status = ?, last_error = ?, document_count = ?, chunk_count = ?,
    last_crawled_at = ?, tags = ?, categories = ?, favicon_url = ?,
    updated_at = ?
WHERE id = ? AND organization_id = ?
`)
	res, err := s.db.ExecContext(ctx, query,
		src.URL, src.CrawlDepth,
		marshalStrings(src.IncludePatterns), marshalStrings(src.ExcludePatterns),
		string(src.Status), src.LastError, src.DocumentCount, src.ChunkCount,
		nullTime(src.LastCrawledAt),
		marshalStrings(src.Tags), marshalStrings(src.Categories), src.FaviconURL,
		src.UpdatedAt,
		src.ID, src.OrganizationID,
	)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return s.requireAffected(op, res, src.ID)
}

// UpdateSourceStatus transitions a source's lifecycle state. A move to
// completed also stamps last_crawled_at.
func (s *Store) UpdateSourceStatus(ctx context.Context, orgID, id string, status SourceStatus, lastError string) error {
	const op = "UpdateSourceStatus"

	if err := requireTenant(op, orgID); err != nil {
		return err
	}
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if status == SourceCompleted {
		query := s.rebind(`
UPDATE crawl_sources SET status = ?, last_error = ?, last_crawled_at = ?, updated_at = ?
WHERE id = ? AND organization_id = ?
`)
		res, err = s.db.ExecContext(ctx, query, string(status), lastError, now, now, id, orgID)
	} else {
		query := s.rebind(`
UPDATE crawl_sources SET status = ?, last_error = ?, updated_at = ?
WHERE id = ? AND organization_id = ?
`)
		res, err = s.db.ExecContext(ctx, query, string(status), lastError, now, id, orgID)
	}
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return s.requireAffected(op, res, id)
}

// UpdateSourceMetadata writes the tagger's outputs without touching
// the counters, which the crawl worker increments concurrently.
func (s *Store) UpdateSourceMetadata(ctx context.Context, orgID, id string, tags, categories []string, faviconURL string) error {
	const op = "UpdateSourceMetadata"

	if err := requireTenant(op, orgID); err != nil {
		return err
	}
	query := s.rebind(`
UPDATE crawl_sources SET tags = ?, categories = ?, favicon_url = ?, updated_at = ?
WHERE id = ? AND organization_id = ?
`)
	res, err := s.db.ExecContext(ctx, query,
		marshalStrings(tags), marshalStrings(categories), faviconURL,
		time.Now().UTC(), id, orgID,
	)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return s.requireAffected(op, res, id)
}

// IncrementSourceCounts adds to the running document and chunk totals.
func (s *Store) IncrementSourceCounts(ctx context.Context, orgID, id string, documents, chunks int) error {
	const op = "IncrementSourceCounts"

	if err := requireTenant(op, orgID); err != nil {
		return err
	}
	query := s.rebind(`
UPDATE crawl_sources SET
    document_count = document_count + ?,
    chunk_count = chunk_count + ?,
    updated_at = ?
WHERE id = ? AND organization_id = ?
`)
	res, err := s.db.ExecContext(ctx, query, documents, chunks, time.Now().UTC(), id, orgID)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return s.requireAffected(op, res, id)
}

// DeleteSource removes a source with its documents and chunks. Explicit
// deletes instead of relying on cascade, since sqlite only honors the
// foreign keys pragma when the DSN enables it.
func (s *Store) DeleteSource(ctx context.Context, orgID, id string) error {
	const op = "DeleteSource"

	if err := requireTenant(op, orgID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	chunkQuery := s.rebind(`
DELETE FROM document_chunks
WHERE organization_id = ? AND document_id IN (
    SELECT id FROM crawled_documents WHERE source_id = ?
)
`)
	if _, err := tx.ExecContext(ctx, chunkQuery, orgID, id); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	docQuery := s.rebind(`DELETE FROM crawled_documents WHERE source_id = ? AND organization_id = ?`)
	if _, err := tx.ExecContext(ctx, docQuery, id, orgID); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	srcQuery := s.rebind(`DELETE FROM crawl_sources WHERE id = ? AND organization_id = ?`)
	res, err := tx.ExecContext(ctx, srcQuery, id, orgID)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if affected == 0 {
		return errs.Newf(errs.NotFound, component, op, "source %s not found", id)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	committed = true

	if s.chunks != nil {
		if err := s.chunks.removeBySource(ctx, orgID, id); err != nil {
			s.log.Warn("failed to drop source chunks from vector index",
				"source_id", id, "error", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSource(op string, row rowScanner) (*CrawlSource, error) {
	var src CrawlSource
	var include, exclude, tags, categories, status string
	var lastCrawled sql.NullTime

	err := row.Scan(
		&src.ID, &src.OrganizationID, &src.Name, &src.URL, &src.SourceType, &src.CrawlDepth,
		&include, &exclude, &status, &src.LastError,
		&src.DocumentCount, &src.ChunkCount, &lastCrawled,
		&tags, &categories, &src.FaviconURL, &src.CreatedAt, &src.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, component, op, "source not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	src.Status = SourceStatus(status)
	if lastCrawled.Valid {
		t := lastCrawled.Time
		src.LastCrawledAt = &t
	}
	if src.IncludePatterns, err = unmarshalStrings(include); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	if src.ExcludePatterns, err = unmarshalStrings(exclude); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	if src.Tags, err = unmarshalStrings(tags); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	if src.Categories, err = unmarshalStrings(categories); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	return &src, nil
}

func (s *Store) requireAffected(op string, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if affected == 0 {
		return errs.Newf(errs.NotFound, component, op, "source %s not found", id)
	}
	return nil
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return ""
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
