package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "direct error",
			err:  New(LockTimeout, "lock", "acquire", "wait budget exhausted"),
			want: LockTimeout,
		},
		{
			name: "wrapped once",
			err:  fmt.Errorf("acquire task lock: %w", New(LockTimeout, "lock", "acquire", "busy")),
			want: LockTimeout,
		},
		{
			name: "wrapped cause",
			err:  Wrap(UpstreamUnavailable, "graph", "executeWrite", errors.New("dial tcp: refused")),
			want: UpstreamUnavailable,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: Unknown,
		},
		{
			name: "nil-adjacent unknown",
			err:  fmt.Errorf("no classification"),
			want: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsKind(t *testing.T) {
	err := Newf(NotFound, "graph", "getEntity", "entity %s not in tenant %s", "task_ab12", "org-1")
	if !IsKind(err, NotFound) {
		t.Error("expected NotFound kind")
	}
	if IsKind(err, Conflict) {
		t.Error("did not expect Conflict kind")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(UpstreamUnavailable, "docstore", "storeDocument", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(Timeout, "graph", "vectorSearch", errors.New("context deadline exceeded"))
	want := "[graph] vectorSearch: context deadline exceeded: context deadline exceeded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKindString(t *testing.T) {
	kinds := map[Kind]string{
		TenantMissing:       "tenant_missing",
		NotFound:            "not_found",
		InvalidTransition:   "invalid_transition",
		LockTimeout:         "lock_timeout",
		Timeout:             "timeout",
		Conflict:            "conflict",
		Unauthorized:        "unauthorized",
		DependencyCycle:     "dependency_cycle",
		UpstreamUnavailable: "upstream_unavailable",
		ValidationError:     "validation_error",
		Unknown:             "unknown",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), want)
		}
	}
}
