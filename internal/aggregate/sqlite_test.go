package aggregate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factline/factline/pkg/types"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "aggregates.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sqliteKey(metric string) types.AggregationKey {
	return types.AggregationKey{
		Scope:      types.ScopeExperiment,
		ScopeID:    "exp-sqlite",
		VariantID:  "treatment",
		MetricName: metric,
		TimeBucket: time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteStoreIncrementAndRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	key := sqliteKey(MetricEvents)

	require.NoError(t, store.Increment(ctx, key, 1, "shard-0/1"))
	require.NoError(t, store.Increment(ctx, key, 1, "shard-0/2"))
	require.NoError(t, store.Increment(ctx, key, 2.5, "shard-0/3"))

	counter, err := store.ReadCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 4.5, counter.Total)
	assert.Equal(t, int64(3), counter.Version)
}

func TestSQLiteStoreIdempotentReapply(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	key := sqliteKey(MetricEvents)

	require.NoError(t, store.Increment(ctx, key, 1, "shard-0/7"))
	// Redelivery of the same identity is a no-op success.
	require.NoError(t, store.Increment(ctx, key, 1, "shard-0/7"))

	counter, err := store.ReadCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1.0, counter.Total)
}

func TestSQLiteStoreUniqueMembers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	key := sqliteKey(MetricEvents)

	require.NoError(t, store.AddMember(ctx, key, "user-1", "shard-0/1"))
	require.NoError(t, store.AddMember(ctx, key, "user-2", "shard-0/2"))
	require.NoError(t, store.AddMember(ctx, key, "user-1", "shard-0/3"))
	// Redelivered identity: no-op.
	require.NoError(t, store.AddMember(ctx, key, "user-1", "shard-0/1"))

	counter, err := store.ReadCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter.UniqueMembers)
}

func TestSQLiteStoreReapplyAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregates.db")
	ctx := context.Background()
	key := sqliteKey(MetricEvents)

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Increment(ctx, key, 1, "shard-0/7"))
	require.NoError(t, store.AddMember(ctx, key, "user-7", "shard-0/7"))
	require.NoError(t, store.Close())

	// A fresh process on the same file has an empty seen filter; the
	// ledger alone must make the redelivered identity a no-op success.
	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	require.NoError(t, reopened.Increment(ctx, key, 1, "shard-0/7"))
	require.NoError(t, reopened.AddMember(ctx, key, "user-7", "shard-0/7"))
	require.NoError(t, reopened.Increment(ctx, key, 1, "shard-0/8"))

	counter, err := reopened.ReadCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2.0, counter.Total)
	assert.Equal(t, int64(1), counter.UniqueMembers)

	// The no-op repeat must stay a no-op on further redelivery too.
	require.NoError(t, reopened.Increment(ctx, key, 1, "shard-0/7"))
	counter, err = reopened.ReadCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2.0, counter.Total)
}

func TestSQLiteStoreUnknownKeyReadsZero(t *testing.T) {
	store := openTestStore(t)

	counter, err := store.ReadCounter(context.Background(), sqliteKey("never_written"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, counter.Total)
	assert.Equal(t, int64(0), counter.UniqueMembers)
}

func TestSQLiteStoreKeysAreIndependent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Increment(ctx, sqliteKey(MetricEvents), 1, "shard-0/1"))
	require.NoError(t, store.Increment(ctx, sqliteKey(MetricValueSum), 9.5, "shard-0/1"))

	events, err := store.ReadCounter(ctx, sqliteKey(MetricEvents))
	require.NoError(t, err)
	values, err := store.ReadCounter(ctx, sqliteKey(MetricValueSum))
	require.NoError(t, err)

	assert.Equal(t, 1.0, events.Total)
	assert.Equal(t, 9.5, values.Total)
}
