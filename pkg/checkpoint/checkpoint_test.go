package checkpoint

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

const testOrg = "org-test"

// fakeStore interprets just enough of the manager's Cypher to act like
// the graph: a per-agent list of (created_at, payload) rows.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string][]storedRow // agent id -> rows

	failWrites bool
}

type storedRow struct {
	createdAt string
	payload   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string][]storedRow)}
}

func (s *fakeStore) ExecuteWrite(_ context.Context, orgID, query string, params map[string]any) ([]map[string]any, error) {
	if s.failWrites {
		return nil, errs.New(errs.UpstreamUnavailable, "graph", "executeWrite", "down")
	}
	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, "graph", "executeWrite", "no tenant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agentID, _ := params["agent_id"].(string)
	switch {
	case strings.Contains(query, "CREATE (c:Checkpoint"):
		s.rows[agentID] = append(s.rows[agentID], storedRow{
			createdAt: params["created_at"].(string),
			payload:   params["payload"].(string),
		})
		return nil, nil
	case strings.Contains(query, "SKIP $keep"):
		keep := params["keep"].(int)
		rows := s.sorted(agentID)
		if len(rows) > keep {
			s.rows[agentID] = rows[:keep]
		}
		return nil, nil
	case strings.Contains(query, "DELETE c"):
		n := len(s.rows[agentID])
		delete(s.rows, agentID)
		return []map[string]any{{"total": int64(n)}}, nil
	}
	return nil, nil
}

func (s *fakeStore) ExecuteRead(_ context.Context, orgID, query string, params map[string]any) ([]map[string]any, error) {
	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, "graph", "executeRead", "no tenant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agentID, _ := params["agent_id"].(string)
	rows := s.sorted(agentID)

	limit := len(rows)
	if strings.Contains(query, "LIMIT 1") {
		limit = 1
	} else if l, ok := params["limit"].(int); ok && l < limit {
		limit = l
	}

	var out []map[string]any
	for i := 0; i < len(rows) && i < limit; i++ {
		out = append(out, map[string]any{"payload": rows[i].payload})
	}
	return out, nil
}

// sorted returns the agent's rows newest first.
func (s *fakeStore) sorted(agentID string) []storedRow {
	rows := append([]storedRow(nil), s.rows[agentID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].createdAt > rows[j].createdAt })
	return rows
}

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	var cfg config.CheckpointConfig
	cfg.SetDefaults()
	m, err := NewManager(cfg, store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := &Snapshot{
		AgentID:     "agent_abc",
		TaskID:      "task_def",
		CurrentStep: "implementing parser",
		History: []HistoryEntry{
			{Kind: EntryUser, Content: "fix the bug"},
			{Kind: EntryAssistant, Content: "on it", Model: "claude-sonnet-4"},
			{Kind: EntryResult, Subtype: "success", DurationMS: 1200, TotalCostUSD: 0.04},
		},
		TokensUsed: 4210,
		CostUSD:    0.04,
		SessionID:  "sess-1",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, err := snap.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := Deserialize(raw)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.AgentID != snap.AgentID || got.TaskID != snap.TaskID {
		t.Errorf("identifiers lost: got %q/%q", got.AgentID, got.TaskID)
	}
	if len(got.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(got.History))
	}
	if got.History[1].Kind != EntryAssistant || got.History[1].Model != "claude-sonnet-4" {
		t.Errorf("assistant entry lost fields: %+v", got.History[1])
	}
	if got.History[2].DurationMS != 1200 {
		t.Errorf("result duration = %d, want 1200", got.History[2].DurationMS)
	}
	if got.TokensUsed != snap.TokensUsed || got.CostUSD != snap.CostUSD {
		t.Errorf("accounting lost: %d tokens, %v usd", got.TokensUsed, got.CostUSD)
	}
}

func TestDeserializeRejectsEmpty(t *testing.T) {
	if _, err := Deserialize(nil); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSaveAndLatest(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	first := &Snapshot{AgentID: "agent_1", CurrentStep: "step one",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	second := &Snapshot{AgentID: "agent_1", CurrentStep: "step two",
		Timestamp: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)}

	if err := m.Save(ctx, testOrg, first); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	if err := m.Save(ctx, testOrg, second); err != nil {
		t.Fatalf("Save second: %v", err)
	}

	got, err := m.Latest(ctx, testOrg, "agent_1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.CurrentStep != "step two" {
		t.Errorf("Latest returned %q, want the newest snapshot", got.CurrentStep)
	}
}

func TestLatestNotFound(t *testing.T) {
	m := newTestManager(t, newFakeStore())

	_, err := m.Latest(context.Background(), testOrg, "agent_missing")
	if !errs.IsKind(err, errs.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSaveFillsTimestamp(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)

	snap := &Snapshot{AgentID: "agent_1"}
	if err := m.Save(context.Background(), testOrg, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if snap.Timestamp.IsZero() {
		t.Error("Save left the timestamp zero")
	}
}

func TestSaveRequiresAgentID(t *testing.T) {
	m := newTestManager(t, newFakeStore())

	err := m.Save(context.Background(), testOrg, &Snapshot{})
	if !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSavePrunesToRetention(t *testing.T) {
	store := newFakeStore()

	cfg := config.CheckpointConfig{MaxPerAgent: 3}
	cfg.SetDefaults()
	m, err := NewManager(cfg, store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		snap := &Snapshot{AgentID: "agent_1", CurrentStep: "s", Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := m.Save(ctx, testOrg, snap); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	got, err := m.List(ctx, testOrg, "agent_1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("retained %d checkpoints, want 3", len(got))
	}
}

func TestSaveDisabledIsNoop(t *testing.T) {
	store := newFakeStore()

	off := false
	cfg := config.CheckpointConfig{Enabled: &off}
	cfg.SetDefaults()
	m, err := NewManager(cfg, store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Save(context.Background(), testOrg, &Snapshot{AgentID: "agent_1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(store.rows) != 0 {
		t.Error("disabled manager still wrote a checkpoint")
	}
}

func TestClear(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.Save(ctx, testOrg, &Snapshot{AgentID: "agent_1"}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	n, err := m.Clear(ctx, testOrg, "agent_1")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Errorf("Clear removed %d, want 2", n)
	}
	if _, err := m.Latest(ctx, testOrg, "agent_1"); !errs.IsKind(err, errs.NotFound) {
		t.Errorf("expected NotFound after Clear, got %v", err)
	}
}

func TestSaveSurfacesStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.failWrites = true
	m := newTestManager(t, store)

	err := m.Save(context.Background(), testOrg, &Snapshot{AgentID: "agent_1"})
	if !errs.IsKind(err, errs.UpstreamUnavailable) {
		t.Errorf("expected UpstreamUnavailable, got %v", err)
	}
}
