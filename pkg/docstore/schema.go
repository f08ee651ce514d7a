package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/sibyldev/sibyl/pkg/errs"
)

const createSourcesSQL = `
CREATE TABLE IF NOT EXISTS crawl_sources (
    id VARCHAR(255) PRIMARY KEY,
    organization_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    url TEXT NOT NULL,
    source_type VARCHAR(50) NOT NULL,
    crawl_depth INTEGER NOT NULL DEFAULT 2,
    include_patterns TEXT,
    exclude_patterns TEXT,
    status VARCHAR(50) NOT NULL,
    last_error TEXT,
    document_count INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    last_crawled_at TIMESTAMP NULL,
    tags TEXT,
    categories TEXT,
    favicon_url TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (organization_id, name)
);

CREATE INDEX IF NOT EXISTS idx_sources_org ON crawl_sources(organization_id);
`

const createSourcesMySQL = `
CREATE TABLE IF NOT EXISTS crawl_sources (
    id VARCHAR(255) PRIMARY KEY,
    organization_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    url TEXT NOT NULL,
    source_type VARCHAR(50) NOT NULL,
    crawl_depth INTEGER NOT NULL DEFAULT 2,
    include_patterns TEXT,
    exclude_patterns TEXT,
    status VARCHAR(50) NOT NULL,
    last_error TEXT,
    document_count INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    last_crawled_at TIMESTAMP NULL,
    tags TEXT,
    categories TEXT,
    favicon_url TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE KEY uq_sources_org_name (organization_id, name),
    KEY idx_sources_org (organization_id)
);
`

const createDocumentsSQL = `
CREATE TABLE IF NOT EXISTS crawled_documents (
    id VARCHAR(255) PRIMARY KEY,
    source_id VARCHAR(255) NOT NULL,
    organization_id VARCHAR(255) NOT NULL,
    url TEXT NOT NULL,
    title TEXT,
    content TEXT,
    headings TEXT,
    section_path TEXT,
    word_count INTEGER NOT NULL DEFAULT 0,
    has_code BOOLEAN NOT NULL DEFAULT FALSE,
    language VARCHAR(50),
    created_at TIMESTAMP NOT NULL,
    UNIQUE (source_id, url),
    FOREIGN KEY (source_id) REFERENCES crawl_sources(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_documents_source ON crawled_documents(source_id);
CREATE INDEX IF NOT EXISTS idx_documents_org ON crawled_documents(organization_id);
`

// MySQL cannot put a unique key on TEXT, so url narrows to VARCHAR(768)
// there (the utf8mb4 composite-key ceiling).
const createDocumentsMySQL = `
CREATE TABLE IF NOT EXISTS crawled_documents (
    id VARCHAR(255) PRIMARY KEY,
    source_id VARCHAR(255) NOT NULL,
    organization_id VARCHAR(255) NOT NULL,
    url VARCHAR(768) NOT NULL,
    title TEXT,
    content TEXT,
    headings TEXT,
    section_path TEXT,
    word_count INTEGER NOT NULL DEFAULT 0,
    has_code BOOLEAN NOT NULL DEFAULT FALSE,
    language VARCHAR(50),
    created_at TIMESTAMP NOT NULL,
    UNIQUE KEY uq_documents_source_url (source_id, url),
    KEY idx_documents_source (source_id),
    KEY idx_documents_org (organization_id),
    FOREIGN KEY (source_id) REFERENCES crawl_sources(id) ON DELETE CASCADE
);
`

const createChunksSQL = `
CREATE TABLE IF NOT EXISTS document_chunks (
    id VARCHAR(255) PRIMARY KEY,
    document_id VARCHAR(255) NOT NULL,
    organization_id VARCHAR(255) NOT NULL,
    chunk_index INTEGER NOT NULL,
    chunk_type VARCHAR(20) NOT NULL,
    content TEXT NOT NULL,
    context TEXT,
    token_count INTEGER NOT NULL DEFAULT 0,
    start_char INTEGER NOT NULL DEFAULT 0,
    end_char INTEGER NOT NULL DEFAULT 0,
    heading_path TEXT,
    language VARCHAR(50),
    is_complete BOOLEAN NOT NULL DEFAULT TRUE,
    has_entities BOOLEAN NOT NULL DEFAULT FALSE,
    entity_ids TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (document_id, chunk_index),
    FOREIGN KEY (document_id) REFERENCES crawled_documents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_org ON document_chunks(organization_id);
`

const createChunksMySQL = `
CREATE TABLE IF NOT EXISTS document_chunks (
    id VARCHAR(255) PRIMARY KEY,
    document_id VARCHAR(255) NOT NULL,
    organization_id VARCHAR(255) NOT NULL,
    chunk_index INTEGER NOT NULL,
    chunk_type VARCHAR(20) NOT NULL,
    content TEXT NOT NULL,
    context TEXT,
    token_count INTEGER NOT NULL DEFAULT 0,
    start_char INTEGER NOT NULL DEFAULT 0,
    end_char INTEGER NOT NULL DEFAULT 0,
    heading_path TEXT,
    language VARCHAR(50),
    is_complete BOOLEAN NOT NULL DEFAULT TRUE,
    has_entities BOOLEAN NOT NULL DEFAULT FALSE,
    entity_ids TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE KEY uq_chunks_doc_index (document_id, chunk_index),
    KEY idx_chunks_document (document_id),
    KEY idx_chunks_org (organization_id),
    FOREIGN KEY (document_id) REFERENCES crawled_documents(id) ON DELETE CASCADE
);
`

// Chunk embeddings live in a pgvector column only on postgres; the
// other dialects keep them in the embedded vector index.
const createChunksPostgresFmt = `
CREATE TABLE IF NOT EXISTS document_chunks (
    id VARCHAR(255) PRIMARY KEY,
    document_id VARCHAR(255) NOT NULL,
    organization_id VARCHAR(255) NOT NULL,
    chunk_index INTEGER NOT NULL,
    chunk_type VARCHAR(20) NOT NULL,
    content TEXT NOT NULL,
    context TEXT,
    token_count INTEGER NOT NULL DEFAULT 0,
    start_char INTEGER NOT NULL DEFAULT 0,
    end_char INTEGER NOT NULL DEFAULT 0,
    heading_path TEXT,
    language VARCHAR(50),
    embedding vector(%d),
    is_complete BOOLEAN NOT NULL DEFAULT TRUE,
    has_entities BOOLEAN NOT NULL DEFAULT FALSE,
    entity_ids TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (document_id, chunk_index),
    FOREIGN KEY (document_id) REFERENCES crawled_documents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_org ON document_chunks(organization_id);
CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON document_chunks
    USING hnsw (embedding vector_cosine_ops);
`

func (s *Store) initSchema(ctx context.Context) error {
	const op = "initSchema"

	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var statements []string
	switch s.dialect {
	case "postgres":
		statements = []string{
			`CREATE EXTENSION IF NOT EXISTS vector`,
			createSourcesSQL,
			createDocumentsSQL,
			fmt.Sprintf(createChunksPostgresFmt, s.vectorDim),
		}
	case "mysql":
		statements = []string{createSourcesMySQL, createDocumentsMySQL, createChunksMySQL}
	default:
		statements = []string{createSourcesSQL, createDocumentsSQL, createChunksSQL}
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
	}
	return nil
}
