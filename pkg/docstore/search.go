package docstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/sibyldev/sibyl/pkg/errs"
)

// SearchChunks ranks the tenant's chunks by cosine similarity to the
// query embedding. Hits below the configured similarity floor are
// dropped. Postgres runs the query against the pgvector column; the
// other dialects query the embedded index and hydrate rows by id.
func (s *Store) SearchChunks(ctx context.Context, orgID string, embedding []float32, topK int) ([]ChunkHit, error) {
	const op = "SearchChunks"

	if err := requireTenant(op, orgID); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, errs.New(errs.ValidationError, component, op, "query embedding is required")
	}
	if len(embedding) != s.vectorDim {
		return nil, errs.Newf(errs.ValidationError, component, op,
			"embedding dimension %d does not match configured %d", len(embedding), s.vectorDim)
	}
	if topK <= 0 {
		topK = 10
	}

	if s.dialect == "postgres" {
		return s.searchChunksPgvector(ctx, op, orgID, embedding, topK)
	}
	return s.searchChunksEmbedded(ctx, op, orgID, embedding, topK)
}

func (s *Store) searchChunksPgvector(ctx context.Context, op, orgID string, embedding []float32, topK int) ([]ChunkHit, error) {
	vec := vectorLiteral(embedding)

	// The bare distance expression in ORDER BY keeps the hnsw index
	// eligible.
	query := s.rebind(`
SELECT ` + chunkColumns + `, 1 - (embedding <=> ?::vector) AS similarity
FROM document_chunks
WHERE organization_id = ? AND embedding IS NOT NULL
ORDER BY embedding <=> ?::vector
LIMIT ?
`)
	rows, err := s.db.QueryContext(ctx, query, vec, orgID, vec, topK)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var ch DocumentChunk
		var chunkType, headingPath, entityIDs string
		var similarity float64

		err := rows.Scan(
			&ch.ID, &ch.DocumentID, &ch.OrganizationID, &ch.ChunkIndex, &chunkType,
			&ch.Content, &ch.Context, &ch.TokenCount, &ch.StartChar, &ch.EndChar,
			&headingPath, &ch.Language, &ch.IsComplete, &ch.HasEntities, &entityIDs,
			&ch.CreatedAt, &similarity,
		)
		if err != nil {
			return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
		if similarity < s.cfg.MinSimilarity {
			continue
		}

		ch.ChunkType = ChunkType(chunkType)
		if ch.HeadingPath, err = unmarshalStrings(headingPath); err != nil {
			return nil, errs.Wrap(errs.Unknown, component, op, err)
		}
		if ch.EntityIDs, err = unmarshalStrings(entityIDs); err != nil {
			return nil, errs.Wrap(errs.Unknown, component, op, err)
		}
		hits = append(hits, ChunkHit{Chunk: &ch, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return hits, nil
}

func (s *Store) searchChunksEmbedded(ctx context.Context, op, orgID string, embedding []float32, topK int) ([]ChunkHit, error) {
	results, err := s.chunks.search(ctx, orgID, embedding, topK)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	similarities := make(map[string]float64, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < s.cfg.MinSimilarity {
			continue
		}
		similarities[r.ID] = sim
		ids = append(ids, r.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	chunks, err := s.GetChunks(ctx, orgID, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]ChunkHit, 0, len(chunks))
	for _, ch := range chunks {
		hits = append(hits, ChunkHit{Chunk: ch, Similarity: similarities[ch.ID]})
	}
	return hits, nil
}

// vectorLiteral renders an embedding in the pgvector input format.
func vectorLiteral(embedding []float32) string {
	var b strings.Builder
	b.Grow(len(embedding)*10 + 2)
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func nullVector(embedding []float32) any {
	if len(embedding) == 0 {
		return sql.NullString{}
	}
	return vectorLiteral(embedding)
}
