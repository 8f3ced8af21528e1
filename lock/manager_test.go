package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManager_AcquireRelease(t *testing.T) {
	m := New()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lease.Token == "" {
		t.Error("Acquire() returned lease with empty token")
	}
	if len(lease.Keys) != 1 || lease.Keys[0] != "task:T1" {
		t.Errorf("Acquire() lease keys = %v, want [task:T1]", lease.Keys)
	}
	if !lease.ExpiresAt.After(time.Now()) {
		t.Error("Acquire() lease already expired")
	}

	held, err := m.Held(ctx, lease)
	if err != nil {
		t.Fatalf("Held() error = %v", err)
	}
	if !held {
		t.Error("Held() = false for fresh lease")
	}

	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Released keys can be re-acquired immediately.
	again, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{NoWait: true})
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	if again.Token == lease.Token {
		t.Error("second lease reused the first token")
	}
}

func TestManager_NoWait(t *testing.T) {
	m := New()
	ctx := context.Background()

	first, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer m.Release(ctx, first)

	_, err = m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{NoWait: true})
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("Acquire(NoWait) error = %v, want ErrLockHeld", err)
	}
}

func TestManager_BlocksUntilRelease(t *testing.T) {
	m := New()
	ctx := context.Background()

	first, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	const holdFor = 100 * time.Millisecond
	go func() {
		time.Sleep(holdFor)
		m.Release(ctx, first)
	}()

	start := time.Now()
	second, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{Wait: 5 * time.Second})
	waited := time.Since(start)
	if err != nil {
		t.Fatalf("Acquire() while blocked error = %v", err)
	}
	defer m.Release(ctx, second)

	if waited < holdFor/2 {
		t.Errorf("Acquire() returned after %s, expected to block about %s", waited, holdFor)
	}
}

func TestManager_Timeout(t *testing.T) {
	m := New()
	ctx := context.Background()

	first, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer m.Release(ctx, first)

	_, err = m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{Wait: 50 * time.Millisecond})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrLockTimeout", err)
	}

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Acquire() error = %T, want *TimeoutError", err)
	}
	if timeoutErr.Key != "task:T1" {
		t.Errorf("TimeoutError.Key = %q, want %q", timeoutErr.Key, "task:T1")
	}
}

func TestManager_LeaseExpiry(t *testing.T) {
	m := New()
	ctx := context.Background()

	first, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{TTL: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// A waiting acquirer proceeds once the stale lease lapses, without
	// any release from the first holder.
	second, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{Wait: 2 * time.Second})
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	defer m.Release(ctx, second)

	held, err := m.Held(ctx, first)
	if err != nil {
		t.Fatalf("Held() error = %v", err)
	}
	if held {
		t.Error("Held() = true for expired, stolen lease")
	}

	if err := m.Release(ctx, first); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Release() of stolen lease error = %v, want ErrNotHeld", err)
	}
}

func TestManager_MultiKeyNoDeadlock(t *testing.T) {
	m := New()
	ctx := context.Background()
	const rounds = 50

	// Two contenders request the same pair in opposite orders. Canonical
	// acquisition order must prevent circular wait.
	var wg sync.WaitGroup
	for _, keys := range [][]string{{"task:A", "task:B"}, {"task:B", "task:A"}} {
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				lease, err := m.Acquire(ctx, keys, AcquireOptions{Wait: 5 * time.Second})
				if err != nil {
					t.Errorf("Acquire(%v) error = %v", keys, err)
					return
				}
				if err := m.Release(ctx, lease); err != nil {
					t.Errorf("Release() error = %v", err)
					return
				}
			}
		}(keys)
	}
	wg.Wait()
}

func TestManager_MultiKeyFailureReleasesAcquired(t *testing.T) {
	m := New()
	ctx := context.Background()

	blocker, err := m.Acquire(ctx, []string{"task:B"}, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer m.Release(ctx, blocker)

	// Acquiring {A, B} fails on B; A must not stay locked behind.
	_, err = m.Acquire(ctx, []string{"task:A", "task:B"}, AcquireOptions{NoWait: true})
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("Acquire() error = %v, want ErrLockHeld", err)
	}

	free, err := m.Acquire(ctx, []string{"task:A"}, AcquireOptions{NoWait: true})
	if err != nil {
		t.Fatalf("Acquire(task:A) error = %v, want key to be free", err)
	}
	m.Release(ctx, free)
}

func TestManager_Extend(t *testing.T) {
	m := New()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{TTL: 80 * time.Millisecond})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	extended, err := m.Extend(ctx, lease, time.Minute)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if !extended.ExpiresAt.After(lease.ExpiresAt) {
		t.Errorf("Extend() expiry %v not after original %v", extended.ExpiresAt, lease.ExpiresAt)
	}

	// Past the original TTL the lease must still be held.
	time.Sleep(120 * time.Millisecond)
	held, err := m.Held(ctx, extended)
	if err != nil {
		t.Fatalf("Held() error = %v", err)
	}
	if !held {
		t.Error("Held() = false after extension")
	}
	m.Release(ctx, extended)
}

func TestManager_ExtendLostLease(t *testing.T) {
	m := New()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{TTL: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := m.Extend(ctx, lease, time.Minute); !errors.Is(err, ErrLockExpired) {
		t.Errorf("Extend() after expiry error = %v, want ErrLockExpired", err)
	}
}

func TestManager_ContextCancelled(t *testing.T) {
	m := New()
	ctx := context.Background()

	first, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer m.Release(ctx, first)

	waitCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(waitCtx, []string{"task:T1"}, AcquireOptions{Wait: 5 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}
}

func TestManager_DuplicateKeys(t *testing.T) {
	m := New()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"task:T1", "task:T1", "agent:A1"}, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer m.Release(ctx, lease)

	want := []string{"agent:A1", "task:T1"}
	if len(lease.Keys) != len(want) {
		t.Fatalf("lease keys = %v, want %v", lease.Keys, want)
	}
	for i := range want {
		if lease.Keys[i] != want[i] {
			t.Errorf("lease.Keys[%d] = %q, want %q", i, lease.Keys[i], want[i])
		}
	}
}

func TestManager_EmptyKeys(t *testing.T) {
	m := New()
	if _, err := m.Acquire(context.Background(), nil, AcquireOptions{}); err == nil {
		t.Error("Acquire(nil keys) error = nil, want error")
	}
}

func TestManager_ZeroValue(t *testing.T) {
	var m Manager
	ctx := context.Background()

	lease, err := m.Acquire(ctx, []string{"task:T1"}, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() on zero value error = %v", err)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

// Verify Manager implements Locker interface
var _ Locker = (*Manager)(nil)
