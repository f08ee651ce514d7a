package graph

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

func TestScopeParams(t *testing.T) {
	t.Run("binds group_id", func(t *testing.T) {
		scoped, err := scopeParams("op", "org-1",
			"MATCH (n:Entity) WHERE n.group_id = $group_id RETURN n",
			map[string]any{"limit": 5})
		if err != nil {
			t.Fatalf("scopeParams() error = %v", err)
		}
		if scoped["group_id"] != "org-1" || scoped["limit"] != 5 {
			t.Errorf("scoped = %v", scoped)
		}
	})

	t.Run("missing tenant fails fast", func(t *testing.T) {
		_, err := scopeParams("op", "", "MATCH (n) WHERE n.group_id = $group_id RETURN n", nil)
		if !errs.IsKind(err, errs.TenantMissing) {
			t.Errorf("error kind = %v, want TenantMissing", errs.KindOf(err))
		}
	})

	t.Run("unscoped query refused", func(t *testing.T) {
		_, err := scopeParams("op", "org-1", "MATCH (n:Entity) RETURN n", nil)
		if !errs.IsKind(err, errs.ValidationError) {
			t.Errorf("error kind = %v, want ValidationError", errs.KindOf(err))
		}
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), false},
		{"deadline", context.DeadlineExceeded, false},
		{"canceled", context.Canceled, false},
		{
			"transient neo4j",
			&db.Neo4jError{Code: "Neo.TransientError.General.MemoryPoolOutOfMemoryError", Msg: "low"},
			true,
		},
		{
			"client neo4j",
			&db.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "bad"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	c := &Client{log: slog.Default()}

	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"deadline", context.DeadlineExceeded, errs.Timeout},
		{
			"constraint violation",
			&db.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed", Msg: "dup"},
			errs.Conflict,
		},
		{"other", errors.New("boom"), errs.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.classify("op", tt.err)
			if !errs.IsKind(got, tt.want) {
				t.Errorf("classify kind = %v, want %v", errs.KindOf(got), tt.want)
			}
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := &Client{log: slog.Default()}
	ctx := context.Background()

	_, err := c.ExecuteRead(ctx, "org-1", "MATCH (n) WHERE n.group_id = $group_id RETURN n", nil)
	if !errs.IsKind(err, errs.UpstreamUnavailable) {
		t.Errorf("ExecuteRead kind = %v, want UpstreamUnavailable", errs.KindOf(err))
	}

	_, err = c.ExecuteWrite(ctx, "org-1", "MATCH (n) WHERE n.group_id = $group_id RETURN n", nil)
	if !errs.IsKind(err, errs.UpstreamUnavailable) {
		t.Errorf("ExecuteWrite kind = %v, want UpstreamUnavailable", errs.KindOf(err))
	}
}

func TestClient_TenantGuards(t *testing.T) {
	c := &Client{cfg: testGraphConfig(), log: slog.Default()}
	ctx := context.Background()

	if _, err := c.ExecuteRead(ctx, "", "RETURN 1", nil); !errs.IsKind(err, errs.TenantMissing) {
		t.Errorf("empty org kind = %v, want TenantMissing", errs.KindOf(err))
	}
	if err := c.EnsureIndexes(ctx, ""); !errs.IsKind(err, errs.TenantMissing) {
		t.Errorf("EnsureIndexes kind = %v, want TenantMissing", errs.KindOf(err))
	}
	if _, err := c.VectorSearch(ctx, "", "", make([]float32, 4), 5); !errs.IsKind(err, errs.TenantMissing) {
		t.Errorf("VectorSearch kind = %v, want TenantMissing", errs.KindOf(err))
	}
}

func TestVectorSearch_DimensionGuard(t *testing.T) {
	c := &Client{cfg: testGraphConfig(), log: slog.Default()}

	_, err := c.VectorSearch(context.Background(), "org-1", "", make([]float32, 3), 5)
	if !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("error kind = %v, want ValidationError", errs.KindOf(err))
	}
}

func TestIndexAlreadyExists(t *testing.T) {
	if !indexAlreadyExists(errors.New("EquivalentSchemaRuleAlreadyExists: index exists")) {
		t.Error("equivalent schema rule should be tolerated")
	}
	if indexAlreadyExists(errors.New("connection refused")) {
		t.Error("connection failure must not be tolerated")
	}
}

func testGraphConfig() config.GraphConfig {
	cfg := config.GraphConfig{VectorDimension: 4}
	cfg.SetDefaults()
	return cfg
}
