package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

func newTestManager(t *testing.T, cfg config.LockConfig) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewManager(client, cfg), srv
}

func TestManager_AcquireRelease(t *testing.T) {
	m, _ := newTestManager(t, config.LockConfig{})
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "org-1", "task_aa11bb22")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !ok || token == "" {
		t.Fatalf("Acquire() = (%q, %v), want token and true", token, ok)
	}

	// Second non-blocking acquire must fail without error.
	_, ok2, err := m.Acquire(ctx, "org-1", "task_aa11bb22")
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if ok2 {
		t.Error("second Acquire() should not succeed while held")
	}

	released, err := m.Release(ctx, "org-1", "task_aa11bb22", token)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !released {
		t.Error("Release() with owner token should return true")
	}

	// Now a fresh acquire succeeds.
	_, ok3, err := m.Acquire(ctx, "org-1", "task_aa11bb22")
	if err != nil || !ok3 {
		t.Errorf("Acquire() after release = (%v, %v), want success", ok3, err)
	}
}

func TestManager_ReleaseWrongToken(t *testing.T) {
	m, _ := newTestManager(t, config.LockConfig{})
	ctx := context.Background()

	token, _, err := m.Acquire(ctx, "org-1", "task_cc")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	released, err := m.Release(ctx, "org-1", "task_cc", "not-the-token")
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if released {
		t.Error("Release() with wrong token must not delete the lock")
	}

	held, err := m.Held(ctx, "org-1", "task_cc")
	if err != nil || !held {
		t.Errorf("lock should still be held, got held=%v err=%v", held, err)
	}

	if _, err := m.Release(ctx, "org-1", "task_cc", token); err != nil {
		t.Fatalf("owner Release() error = %v", err)
	}
}

func TestManager_TenantIsolation(t *testing.T) {
	m, _ := newTestManager(t, config.LockConfig{})
	ctx := context.Background()

	if _, ok, err := m.Acquire(ctx, "org-1", "task_dd"); err != nil || !ok {
		t.Fatalf("org-1 Acquire() = (%v, %v)", ok, err)
	}

	// A different tenant locking the same entity id is unrelated.
	if _, ok, err := m.Acquire(ctx, "org-2", "task_dd"); err != nil || !ok {
		t.Errorf("org-2 Acquire() = (%v, %v), want success", ok, err)
	}
}

func TestManager_Extend(t *testing.T) {
	m, srv := newTestManager(t, config.LockConfig{TTL: time.Second})
	ctx := context.Background()

	token, _, err := m.Acquire(ctx, "org-1", "task_ee")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	extended, err := m.Extend(ctx, "org-1", "task_ee", token)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if !extended {
		t.Error("Extend() with owner token should succeed")
	}

	if extended, _ := m.Extend(ctx, "org-1", "task_ee", "wrong"); extended {
		t.Error("Extend() with wrong token must fail")
	}

	// After TTL passes without extension the lock frees itself.
	srv.FastForward(2 * time.Second)

	if held, _ := m.Held(ctx, "org-1", "task_ee"); held {
		t.Error("lock should have expired")
	}
}

func TestManager_AcquireWait_Timeout(t *testing.T) {
	m, _ := newTestManager(t, config.LockConfig{
		WaitTimeout:  150 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		PollJitter:   time.Millisecond,
	})
	ctx := context.Background()

	if _, _, err := m.Acquire(ctx, "org-1", "task_ff"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	start := time.Now()
	_, err := m.AcquireWait(ctx, "org-1", "task_ff")
	if err == nil {
		t.Fatal("AcquireWait() on held lock should time out")
	}
	if !errs.IsKind(err, errs.LockTimeout) {
		t.Errorf("error kind = %v, want LockTimeout", errs.KindOf(err))
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("gave up after %v, want at least the wait budget", elapsed)
	}
}

func TestManager_AcquireWait_SucceedsAfterRelease(t *testing.T) {
	m, _ := newTestManager(t, config.LockConfig{
		WaitTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		PollJitter:   time.Millisecond,
	})
	ctx := context.Background()

	token, _, err := m.Acquire(ctx, "org-1", "task_gg")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = m.Release(ctx, "org-1", "task_gg", token)
	}()

	got, err := m.AcquireWait(ctx, "org-1", "task_gg")
	if err != nil {
		t.Fatalf("AcquireWait() error = %v", err)
	}
	if got == "" || got == token {
		t.Errorf("AcquireWait() token = %q, want a fresh token", got)
	}
}

func TestManager_WithLock(t *testing.T) {
	m, _ := newTestManager(t, config.LockConfig{})
	ctx := context.Background()

	ran := false
	err := m.WithLock(ctx, "org-1", "task_hh", func(ctx context.Context) error {
		ran = true
		held, err := m.Held(ctx, "org-1", "task_hh")
		if err != nil || !held {
			t.Errorf("lock should be held inside fn, got held=%v err=%v", held, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}

	if held, _ := m.Held(ctx, "org-1", "task_hh"); held {
		t.Error("lock should be released after WithLock returns")
	}
}

func TestManager_WithLock_ReleasesOnError(t *testing.T) {
	m, _ := newTestManager(t, config.LockConfig{})
	ctx := context.Background()

	wantErr := errs.New(errs.Conflict, "test", "op", "boom")
	err := m.WithLock(ctx, "org-1", "task_ii", func(ctx context.Context) error {
		return wantErr
	})
	if err == nil || !errs.IsKind(err, errs.Conflict) {
		t.Fatalf("WithLock() error = %v, want the fn error", err)
	}

	if held, _ := m.Held(ctx, "org-1", "task_ii"); held {
		t.Error("lock must be released when fn fails")
	}
}

func TestManager_Acquire_Validation(t *testing.T) {
	m, _ := newTestManager(t, config.LockConfig{})
	ctx := context.Background()

	if _, _, err := m.Acquire(ctx, "", "task_x"); !errs.IsKind(err, errs.TenantMissing) {
		t.Errorf("missing org error kind = %v, want TenantMissing", errs.KindOf(err))
	}
	if _, _, err := m.Acquire(ctx, "org-1", ""); !errs.IsKind(err, errs.ValidationError) {
		t.Errorf("missing entity error kind = %v, want ValidationError", errs.KindOf(err))
	}
}

func TestManager_FailClosed(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m := NewManager(client, config.LockConfig{})

	srv.Close()

	_, _, err := m.Acquire(context.Background(), "org-1", "task_jj")
	if err == nil {
		t.Fatal("Acquire() with Redis down should fail")
	}
	if !errs.IsKind(err, errs.UpstreamUnavailable) {
		t.Errorf("error kind = %v, want UpstreamUnavailable", errs.KindOf(err))
	}
}
