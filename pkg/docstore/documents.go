package docstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/sibyldev/sibyl/pkg/errs"
)

const documentColumns = `id, source_id, organization_id, url, title, content,
    headings, section_path, word_count, has_code, language, created_at`

const chunkColumns = `id, document_id, organization_id, chunk_index, chunk_type,
    content, context, token_count, start_char, end_char, heading_path,
    language, is_complete, has_entities, entity_ids, created_at`

// InsertDocument stores a document and all of its chunks in one
// transaction. A (source_id, url) collision returns Conflict, which the
// ingestion pipeline reads as "already crawled, skip". On non-postgres
// dialects the chunk embeddings go to the embedded vector index after
// the transaction commits.
func (s *Store) InsertDocument(ctx context.Context, doc *CrawledDocument, chunks []*DocumentChunk) error {
	const op = "InsertDocument"

	if doc == nil {
		return errs.New(errs.ValidationError, component, op, "document is required")
	}
	if err := requireTenant(op, doc.OrganizationID); err != nil {
		return err
	}
	if doc.SourceID == "" {
		return errs.New(errs.ValidationError, component, op, "source id is required")
	}
	if doc.URL == "" {
		return errs.New(errs.ValidationError, component, op, "document url is required")
	}

	if doc.ID == "" {
		doc.ID = NewDocumentID(doc.SourceID, doc.URL)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
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

	docQuery := s.rebind(`
INSERT INTO crawled_documents (` + documentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = tx.ExecContext(ctx, docQuery,
		doc.ID, doc.SourceID, doc.OrganizationID, doc.URL, doc.Title, doc.Content,
		marshalStrings(doc.Headings), marshalStrings(doc.SectionPath),
		doc.WordCount, doc.HasCode, doc.Language, doc.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Newf(errs.Conflict, component, op,
				"document already crawled: %s", doc.URL)
		}
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	chunkQuery := s.rebind(`
INSERT INTO document_chunks (` + chunkColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	pgChunkQuery := s.rebind(`
INSERT INTO document_chunks (` + chunkColumns + `, embedding)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?::vector)
`)

	for i, ch := range chunks {
		if ch == nil {
			return errs.Newf(errs.ValidationError, component, op, "chunk %d is nil", i)
		}
		ch.DocumentID = doc.ID
		ch.OrganizationID = doc.OrganizationID
		if ch.ID == "" {
			ch.ID = ChunkID(doc.ID, ch.ChunkIndex)
		}
		if ch.ChunkType == "" {
			ch.ChunkType = ChunkText
		}
		if ch.CreatedAt.IsZero() {
			ch.CreatedAt = doc.CreatedAt
		}

		args := []any{
			ch.ID, ch.DocumentID, ch.OrganizationID, ch.ChunkIndex, string(ch.ChunkType),
			ch.Content, ch.Context, ch.TokenCount, ch.StartChar, ch.EndChar,
			marshalStrings(ch.HeadingPath), ch.Language,
			ch.IsComplete, ch.HasEntities, marshalStrings(ch.EntityIDs), ch.CreatedAt,
		}

		query := chunkQuery
		if s.dialect == "postgres" {
			query = pgChunkQuery
			args = append(args, nullVector(ch.Embedding))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return errs.Newf(errs.Conflict, component, op,
					"duplicate chunk index %d for document %s", ch.ChunkIndex, doc.ID)
			}
			return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	committed = true

	if s.chunks != nil {
		if err := s.chunks.add(ctx, doc.OrganizationID, doc.SourceID, chunks); err != nil {
			s.log.Warn("failed to index chunk embeddings",
				"document_id", doc.ID, "error", err)
		}
	}
	return nil
}

// GetDocument fetches one document by id within the tenant.
func (s *Store) GetDocument(ctx context.Context, orgID, id string) (*CrawledDocument, error) {
	const op = "GetDocument"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	query := s.rebind(`
SELECT ` + documentColumns + ` FROM crawled_documents
WHERE id = ? AND organization_id = ?
`)
	return s.scanDocument(op, s.db.QueryRowContext(ctx, query, id, orgID))
}

// GetDocumentByURL fetches the document a source crawled for a url.
func (s *Store) GetDocumentByURL(ctx context.Context, orgID, sourceID, url string) (*CrawledDocument, error) {
	const op = "GetDocumentByURL"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	query := s.rebind(`
SELECT ` + documentColumns + ` FROM crawled_documents
WHERE source_id = ? AND url = ? AND organization_id = ?
`)
	return s.scanDocument(op, s.db.QueryRowContext(ctx, query, sourceID, url, orgID))
}

// GetDocuments fetches documents by id in one round trip. Missing ids
// are silently absent from the result.
func (s *Store) GetDocuments(ctx context.Context, orgID string, ids []string) ([]*CrawledDocument, error) {
	const op = "GetDocuments"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := s.rebind(`
SELECT ` + documentColumns + ` FROM crawled_documents
WHERE organization_id = ? AND id IN (` + placeholders + `)
`)
	args := make([]any, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer rows.Close()
	return s.collectDocuments(op, rows)
}

// ListDocuments pages through a source's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, orgID, sourceID string, limit, offset int) ([]*CrawledDocument, error) {
	const op = "ListDocuments"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`
SELECT ` + documentColumns + ` FROM crawled_documents
WHERE organization_id = ? AND source_id = ?
ORDER BY created_at DESC, id
LIMIT ? OFFSET ?
`)
	rows, err := s.db.QueryContext(ctx, query, orgID, sourceID, limit, offset)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer rows.Close()
	return s.collectDocuments(op, rows)
}

// CountDocuments reports how many documents a source holds.
func (s *Store) CountDocuments(ctx context.Context, orgID, sourceID string) (int, error) {
	const op = "CountDocuments"

	if err := requireTenant(op, orgID); err != nil {
		return 0, err
	}
	query := s.rebind(`
SELECT COUNT(*) FROM crawled_documents
WHERE organization_id = ? AND source_id = ?
`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, orgID, sourceID).Scan(&count); err != nil {
		return 0, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return count, nil
}

// CountChunksBySource reports how many chunks a source's documents hold.
func (s *Store) CountChunksBySource(ctx context.Context, orgID, sourceID string) (int, error) {
	const op = "CountChunksBySource"

	if err := requireTenant(op, orgID); err != nil {
		return 0, err
	}
	query := s.rebind(`
SELECT COUNT(*) FROM document_chunks
WHERE organization_id = ? AND document_id IN (
    SELECT id FROM crawled_documents WHERE source_id = ?
)
`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, orgID, sourceID).Scan(&count); err != nil {
		return 0, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return count, nil
}

// DeleteDocument removes one document and its chunks. Used when a
// watched local file changes and gets reingested.
func (s *Store) DeleteDocument(ctx context.Context, orgID, id string) error {
	const op = "DeleteDocument"

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

	chunkQuery := s.rebind(`DELETE FROM document_chunks WHERE document_id = ? AND organization_id = ?`)
	if _, err := tx.ExecContext(ctx, chunkQuery, id, orgID); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	docQuery := s.rebind(`DELETE FROM crawled_documents WHERE id = ? AND organization_id = ?`)
	res, err := tx.ExecContext(ctx, docQuery, id, orgID)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if affected == 0 {
		return errs.Newf(errs.NotFound, component, op, "document %s not found", id)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	committed = true

	if s.chunks != nil {
		if err := s.chunks.removeByDocument(ctx, orgID, id); err != nil {
			s.log.Warn("failed to drop document chunks from vector index",
				"document_id", id, "error", err)
		}
	}
	return nil
}

// DeleteDocumentsBySource clears a source's documents and chunks ahead
// of a recrawl. Returns the number of documents removed.
func (s *Store) DeleteDocumentsBySource(ctx context.Context, orgID, sourceID string) (int64, error) {
	const op = "DeleteDocumentsBySource"

	if err := requireTenant(op, orgID); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
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
	if _, err := tx.ExecContext(ctx, chunkQuery, orgID, sourceID); err != nil {
		return 0, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	docQuery := s.rebind(`DELETE FROM crawled_documents WHERE source_id = ? AND organization_id = ?`)
	res, err := tx.ExecContext(ctx, docQuery, sourceID, orgID)
	if err != nil {
		return 0, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	committed = true

	if s.chunks != nil {
		if err := s.chunks.removeBySource(ctx, orgID, sourceID); err != nil {
			s.log.Warn("failed to drop source chunks from vector index",
				"source_id", sourceID, "error", err)
		}
	}
	return deleted, nil
}

// ChunksByDocument returns a document's chunks in chunk_index order.
func (s *Store) ChunksByDocument(ctx context.Context, orgID, documentID string) ([]*DocumentChunk, error) {
	const op = "ChunksByDocument"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	query := s.rebind(`
SELECT ` + chunkColumns + ` FROM document_chunks
WHERE document_id = ? AND organization_id = ?
ORDER BY chunk_index
`)
	rows, err := s.db.QueryContext(ctx, query, documentID, orgID)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer rows.Close()
	return s.collectChunks(op, rows)
}

// GetChunks fetches chunks by id in one round trip, preserving the
// order of ids where present.
func (s *Store) GetChunks(ctx context.Context, orgID string, ids []string) ([]*DocumentChunk, error) {
	const op = "GetChunks"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := s.rebind(`
SELECT ` + chunkColumns + ` FROM document_chunks
WHERE organization_id = ? AND id IN (` + placeholders + `)
`)
	args := make([]any, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer rows.Close()

	chunks, err := s.collectChunks(op, rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*DocumentChunk, len(chunks))
	for _, ch := range chunks {
		byID[ch.ID] = ch
	}
	ordered := make([]*DocumentChunk, 0, len(chunks))
	for _, id := range ids {
		if ch, ok := byID[id]; ok {
			ordered = append(ordered, ch)
		}
	}
	return ordered, nil
}

// MarkChunkEntities records which graph entities were extracted from a
// chunk.
func (s *Store) MarkChunkEntities(ctx context.Context, orgID, chunkID string, entityIDs []string) error {
	const op = "MarkChunkEntities"

	if err := requireTenant(op, orgID); err != nil {
		return err
	}
	query := s.rebind(`
UPDATE document_chunks SET has_entities = ?, entity_ids = ?
WHERE id = ? AND organization_id = ?
`)
	res, err := s.db.ExecContext(ctx, query,
		len(entityIDs) > 0, marshalStrings(entityIDs), chunkID, orgID)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if affected == 0 {
		return errs.Newf(errs.NotFound, component, op, "chunk %s not found", chunkID)
	}
	return nil
}

func (s *Store) scanDocument(op string, row rowScanner) (*CrawledDocument, error) {
	var doc CrawledDocument
	var headings, sectionPath string

	err := row.Scan(
		&doc.ID, &doc.SourceID, &doc.OrganizationID, &doc.URL, &doc.Title, &doc.Content,
		&headings, &sectionPath, &doc.WordCount, &doc.HasCode, &doc.Language, &doc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, component, op, "document not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	if doc.Headings, err = unmarshalStrings(headings); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	if doc.SectionPath, err = unmarshalStrings(sectionPath); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	return &doc, nil
}

func (s *Store) collectDocuments(op string, rows *sql.Rows) ([]*CrawledDocument, error) {
	var docs []*CrawledDocument
	for rows.Next() {
		doc, err := s.scanDocument(op, rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return docs, nil
}

func (s *Store) scanChunk(op string, row rowScanner) (*DocumentChunk, error) {
	var ch DocumentChunk
	var chunkType, headingPath, entityIDs string

	err := row.Scan(
		&ch.ID, &ch.DocumentID, &ch.OrganizationID, &ch.ChunkIndex, &chunkType,
		&ch.Content, &ch.Context, &ch.TokenCount, &ch.StartChar, &ch.EndChar,
		&headingPath, &ch.Language, &ch.IsComplete, &ch.HasEntities, &entityIDs,
		&ch.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, component, op, "chunk not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	ch.ChunkType = ChunkType(chunkType)
	if ch.HeadingPath, err = unmarshalStrings(headingPath); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	if ch.EntityIDs, err = unmarshalStrings(entityIDs); err != nil {
		return nil, errs.Wrap(errs.Unknown, component, op, err)
	}
	return &ch, nil
}

func (s *Store) collectChunks(op string, rows *sql.Rows) ([]*DocumentChunk, error) {
	var chunks []*DocumentChunk
	for rows.Next() {
		ch, err := s.scanChunk(op, rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return chunks, nil
}
