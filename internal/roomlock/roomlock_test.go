package roomlock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMutationIsExclusivePerRoom(t *testing.T) {
	r := NewRegistry()

	g, err := r.LockForStateMutation("!a:test")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		g2, err := r.LockForStateMutation("!a:test")
		if err == nil {
			close(acquired)
			g2.Unlock()
		}
	}()

	// A different room is unaffected.
	other, err := r.LockForStateMutation("!b:test")
	require.NoError(t, err)
	other.Unlock()

	select {
	case <-acquired:
		t.Fatal("second writer acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	g.Unlock()
	g.Unlock() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired the released lock")
	}
}

func TestAwaitPendingWritesWaitsForInsert(t *testing.T) {
	r := NewRegistry()
	g, err := r.LockForInsert("!a:test")
	require.NoError(t, err)

	var mu sync.Mutex
	written := false
	done := make(chan error)
	go func() {
		done <- r.AwaitPendingWrites("!a:test")
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	written = true
	mu.Unlock()
	g.Unlock()

	require.NoError(t, <-done)
	mu.Lock()
	assert.True(t, written)
	mu.Unlock()
}

func TestAwaitPendingWritesIgnoresStateLock(t *testing.T) {
	r := NewRegistry()
	g, err := r.LockForStateMutation("!a:test")
	require.NoError(t, err)
	defer g.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.AwaitPendingWrites("!a:test") }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("barrier blocked on the state-mutation lock")
	}
}

func TestPanicPoisonsLock(t *testing.T) {
	r := NewRegistry()
	before := testutil.ToFloat64(poisonedRooms.WithLabelValues("state"))

	assert.Panics(t, func() {
		_ = r.WithStateMutation("!a:test", func() error {
			panic("boom")
		})
	})

	_, err := r.LockForStateMutation("!a:test")
	assert.True(t, errors.Is(err, ErrPoisoned))
	err = r.WithStateMutation("!a:test", func() error { return nil })
	assert.True(t, errors.Is(err, ErrPoisoned))
	assert.Equal(t, before+1, testutil.ToFloat64(poisonedRooms.WithLabelValues("state")))

	// Only that room and lock kind are poisoned.
	assert.NoError(t, r.AwaitPendingWrites("!a:test"))
	assert.NoError(t, r.WithStateMutation("!b:test", func() error { return nil }))
}

func TestWithStateMutationReturnsError(t *testing.T) {
	r := NewRegistry()
	want := errors.New("validation failed")
	err := r.WithStateMutation("!a:test", func() error { return want })
	assert.Equal(t, want, err)

	// An ordinary error does not poison the lock.
	assert.NoError(t, r.WithStateMutation("!a:test", func() error { return nil }))
}

func TestGuardPanicPoisonsLock(t *testing.T) {
	tests := []struct {
		name string
		lock func(r *Registry, roomID string) (*Guard, error)
		kind string
	}{
		{name: "state mutation", lock: (*Registry).LockForStateMutation, kind: "state"},
		{name: "insert", lock: (*Registry).LockForInsert, kind: "insert"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			before := testutil.ToFloat64(poisonedRooms.WithLabelValues(tc.kind))

			assert.PanicsWithValue(t, "boom", func() {
				g, err := tc.lock(r, "!a:test")
				require.NoError(t, err)
				defer g.Unlock()
				panic("boom")
			})

			_, err := tc.lock(r, "!a:test")
			assert.ErrorIs(t, err, ErrPoisoned)
			assert.Equal(t, before+1, testutil.ToFloat64(poisonedRooms.WithLabelValues(tc.kind)))
		})
	}
}

func TestGuardUnlockWithoutPanic(t *testing.T) {
	r := NewRegistry()
	g, err := r.LockForStateMutation("!a:test")
	require.NoError(t, err)
	g.Unlock()
	g.Unlock()

	g, err = r.LockForStateMutation("!a:test")
	require.NoError(t, err)
	g.Unlock()
}
