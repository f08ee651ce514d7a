// Package docstore is the relational store for crawl sources, crawled
// documents, and document chunks.
//
// Three SQL dialects are supported: postgres, sqlite, and mysql. Chunk
// vector similarity runs on pgvector when the dialect is postgres and on
// an embedded chromem index otherwise. Documents are unique per
// (source_id, url); a second insert surfaces as a Conflict the ingestion
// pipeline treats as "already crawled, skip".
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

const component = "docstore"

// Store wraps the SQL connection plus, for non-postgres dialects, the
// embedded chunk vector index.
type Store struct {
	db        *sql.DB
	dialect   string
	cfg       config.DocumentStoreConfig
	vectorDim int
	chunks    *chunkIndex
	log       *slog.Logger
}

// New opens the document store and initializes its schema. vectorDim is
// the chunk embedding dimension and must match the configured embedder.
func New(ctx context.Context, cfg config.DocumentStoreConfig, vectorDim int) (*Store, error) {
	const op = "open"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if vectorDim <= 0 {
		return nil, errs.New(errs.ValidationError, component, op, "vector dimension must be positive")
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
		if dir := filepath.Dir(cfg.DSN); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
			}
		}
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	s := &Store{
		db:        db,
		dialect:   cfg.Driver,
		cfg:       cfg,
		vectorDim: vectorDim,
		log:       slog.With("component", component),
	}

	if s.dialect != "postgres" {
		idx, err := newChunkIndex(cfg.EmbeddedIndexPath)
		if err != nil {
			_ = db.Close()
			return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
		}
		s.chunks = idx
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Dialect returns the active SQL dialect.
func (s *Store) Dialect() string {
	return s.dialect
}

// MinSimilarity is the configured cosine floor for chunk search.
func (s *Store) MinSimilarity() float64 {
	return s.cfg.MinSimilarity
}

// Close closes the connection pool. The embedded index persists on
// every write, so there is nothing to flush.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, "ping", err)
	}
	return nil
}

// rebind rewrites ? placeholders to the postgres $N form. The other
// dialects take ? as written.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation recognizes duplicate-key failures across the three
// drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func requireTenant(op, orgID string) error {
	if orgID == "" {
		return errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	return nil
}
