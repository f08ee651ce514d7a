package docstore

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// chunkIndex holds chunk embeddings for the sqlite and mysql dialects,
// one collection per organization. Embeddings are always computed
// externally, so the collection embedding function only exists to fail
// loudly if chromem ever tries to embed on its own.
type chunkIndex struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	embed       chromem.EmbeddingFunc
}

// newChunkIndex opens the embedded vector index. A non-empty path makes
// it durable: chromem persists every write under the directory and
// reloads it on open. An empty path keeps everything in memory.
func newChunkIndex(path string) (*chunkIndex, error) {
	var db *chromem.DB
	if path != "" {
		loaded, err := chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("failed to open chunk index at %s: %w", path, err)
		}
		db = loaded
	} else {
		db = chromem.NewDB()
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	return &chunkIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
		embed:       identityEmbed,
	}, nil
}

func chunkCollectionName(orgID string) string {
	return "chunks_" + orgID
}

func (ci *chunkIndex) collection(orgID string) (*chromem.Collection, error) {
	name := chunkCollectionName(orgID)

	ci.mu.RLock()
	if col, ok := ci.collections[name]; ok {
		ci.mu.RUnlock()
		return col, nil
	}
	ci.mu.RUnlock()

	ci.mu.Lock()
	defer ci.mu.Unlock()

	if col, ok := ci.collections[name]; ok {
		return col, nil
	}

	col, err := ci.db.GetOrCreateCollection(name, nil, ci.embed)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}
	ci.collections[name] = col
	return col, nil
}

// add indexes the embedded chunks of one document. Chunks without an
// embedding are skipped.
func (ci *chunkIndex) add(ctx context.Context, orgID, sourceID string, chunks []*DocumentChunk) error {
	docs := make([]chromem.Document, 0, len(chunks))
	for _, ch := range chunks {
		if len(ch.Embedding) == 0 {
			continue
		}
		docs = append(docs, chromem.Document{
			ID: ch.ID,
			Metadata: map[string]string{
				"document_id": ch.DocumentID,
				"source_id":   sourceID,
				"chunk_index": strconv.Itoa(ch.ChunkIndex),
			},
			Embedding: ch.Embedding,
			Content:   ch.Content,
		})
	}
	if len(docs) == 0 {
		return nil
	}

	col, err := ci.collection(orgID)
	if err != nil {
		return err
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index chunks: %w", err)
	}
	return nil
}

// search returns up to topK nearest chunks for the organization. chromem
// rejects queries asking for more results than the collection holds, so
// topK is clamped to the live count.
func (ci *chunkIndex) search(ctx context.Context, orgID string, embedding []float32, topK int) ([]chromem.Result, error) {
	col, err := ci.collection(orgID)
	if err != nil {
		return nil, err
	}

	n := topK
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chunk search failed: %w", err)
	}
	return results, nil
}

func (ci *chunkIndex) removeByDocument(ctx context.Context, orgID, documentID string) error {
	col, err := ci.collection(orgID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("failed to remove document chunks: %w", err)
	}
	return nil
}

func (ci *chunkIndex) removeBySource(ctx context.Context, orgID, sourceID string) error {
	col, err := ci.collection(orgID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, map[string]string{"source_id": sourceID}, nil); err != nil {
		return fmt.Errorf("failed to remove source chunks: %w", err)
	}
	return nil
}
