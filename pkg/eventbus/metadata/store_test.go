package metadata

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lists the implementations exercised by the shared contract
// tests below.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite-memory": func() Store {
			s, err := NewSQLiteStore(":memory:")
			require.NoError(t, err)
			return s
		},
		"sqlite-file": func() Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "meta.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()
			ctx := context.Background()

			err := store.Create(ctx, Record{
				EventID:        "evt-1",
				EventType:      "order.created",
				TenantID:       "t1",
				StreamPosition: "1-0",
			})
			require.NoError(t, err)

			rec, err := store.Get(ctx, "evt-1")
			require.NoError(t, err)
			assert.Equal(t, StatusPending, rec.Status)
			assert.Equal(t, "order.created", rec.EventType)
			assert.Equal(t, "t1", rec.TenantID)
			assert.Equal(t, "1-0", rec.StreamPosition)
			assert.Equal(t, 0, rec.Attempts)
			assert.Empty(t, rec.LastError)
			assert.Nil(t, rec.ProcessedAt)
			assert.False(t, rec.CreatedAt.IsZero())

			err = store.Create(ctx, Record{EventID: "evt-1", EventType: "x"})
			assert.ErrorIs(t, err, ErrDuplicate)

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ConditionalTransition(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, Record{EventID: "evt-1", EventType: "a.b"}))

			ok, err := store.Transition(ctx, "evt-1", StatusProcessing, StatusPending, StatusFailed)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Transition(ctx, "evt-1", StatusProcessing, StatusPending, StatusFailed)
			require.NoError(t, err)
			assert.False(t, ok, "second transition out of PENDING must not apply")

			ok, err = store.Transition(ctx, "evt-1", StatusCompleted, StatusProcessing)
			require.NoError(t, err)
			assert.True(t, ok)

			rec, err := store.Get(ctx, "evt-1")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, rec.Status)
			require.NotNil(t, rec.ProcessedAt)

			ok, err = store.Transition(ctx, "missing", StatusProcessing)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_ConcurrentClaimAppliesOnce(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, Record{EventID: "evt-1", EventType: "a.b"}))

			var (
				wg      sync.WaitGroup
				applied atomic.Int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.Transition(ctx, "evt-1", StatusProcessing, StatusPending)
					if err == nil && ok {
						applied.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), applied.Load())
		})
	}
}

func TestStore_RecordAttemptAndCounts(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, store.Create(ctx, Record{EventID: id, EventType: "x.y"}))
			}

			applied, err := store.RecordAttempt(ctx, "a", 1, "boom", StatusFailed)
			require.NoError(t, err)
			assert.True(t, applied)
			applied, err = store.RecordAttempt(ctx, "b", 3, "boom again", StatusDeadLettered)
			require.NoError(t, err)
			assert.True(t, applied)

			// A dead-lettered record is not overwritten by a conditional write.
			applied, err = store.RecordAttempt(ctx, "b", 1, "sibling", StatusFailed, StatusPending, StatusProcessing, StatusFailed)
			require.NoError(t, err)
			assert.False(t, applied)

			rec, err := store.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, 1, rec.Attempts)
			assert.Equal(t, "boom", rec.LastError)
			assert.Equal(t, StatusFailed, rec.Status)
			assert.Nil(t, rec.ProcessedAt)

			rec, err = store.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, StatusDeadLettered, rec.Status)
			assert.Equal(t, 3, rec.Attempts)
			assert.Equal(t, "boom again", rec.LastError)
			assert.NotNil(t, rec.ProcessedAt)

			_, err = store.RecordAttempt(ctx, "missing", 1, "x", StatusFailed)
			assert.ErrorIs(t, err, ErrNotFound)
			applied, err = store.RecordAttempt(ctx, "missing", 1, "x", StatusFailed, StatusPending)
			require.NoError(t, err)
			assert.False(t, applied)

			counts, err := store.CountByStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[Status]int64{
				StatusPending:      1,
				StatusFailed:       1,
				StatusDeadLettered: 1,
			}, counts)
		})
	}
}

func TestStore_Closed(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			require.NoError(t, store.Close())
			require.NoError(t, store.Close())

			_, err := store.Get(context.Background(), "x")
			assert.ErrorIs(t, err, ErrStoreClosed)
			err = store.Create(context.Background(), Record{EventID: "x"})
			assert.ErrorIs(t, err, ErrStoreClosed)
		})
	}
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusDeadLettered.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.True(t, StatusProcessing.Valid())
	assert.False(t, Status("DONE").Valid())
}
