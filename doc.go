// Package sibyl is a multi-tenant knowledge-and-agent platform.
//
// Sibyl ingests documentation and conversational episodes into a shared
// knowledge graph, exposes hybrid semantic + keyword retrieval over that
// graph plus a store of chunked documents, and drives long-running
// autonomous coding agents that operate in isolated git worktrees with
// checkpointing, approvals, and inter-agent messaging.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/sibyldev/sibyl/cmd/sibyl@latest
//
// Create a configuration file:
//
//	graph:
//	  uri: "neo4j://localhost:7687"
//	  username: "neo4j"
//	  password: "${NEO4J_PASSWORD}"
//	document_store:
//	  driver: "postgres"
//	  dsn: "${SIBYL_DOCSTORE_DSN}"
//	redis:
//	  addr: "localhost:6379"
//	embedders:
//	  default:
//	    type: "openai"
//	    model: "text-embedding-3-small"
//	    api_key: "${OPENAI_API_KEY}"
//
// Start a full node (HTTP tool surface + orchestrator + job workers):
//
//	sibyl serve --config sibyl.yaml
//
// # Using as a Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/sibyldev/sibyl/pkg/search"
//	    "github.com/sibyldev/sibyl/pkg/orchestrator"
//	    "github.com/sibyldev/sibyl/pkg/config"
//	)
//
// # Architecture
//
// Four subsystems share a tenant-scoped property graph and a chunked
// document store:
//
//   - Hybrid Retrieval Engine: vector + BM25 + graph traversal fused with
//     reciprocal rank fusion, temporal decay, and community-aware ranking.
//   - Agent Orchestration Core: spawn/pause/resume/terminate lifecycle with
//     persistent state, checkpoint recovery, heartbeat health, and
//     git-worktree isolation.
//   - Ingestion Pipeline: crawl, chunk, embed, store, and link documents to
//     the graph with URL-level deduplication and progress events.
//   - Tenant-Scoped Concurrency Fabric: per-entity distributed locks, write
//     serialization, a durable job queue, and event pub/sub.
//
// Every record and every query carries an organization id; the adapters
// refuse unscoped operations.
package sibyl
