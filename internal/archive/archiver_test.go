package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/storage"
	"github.com/factline/factline/pkg/types"
)

// flakyStore is an in-memory ObjectStore that fails the first n Puts.
type flakyStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	metadata  map[string]map[string]string
	failPuts  int
	fatalPuts bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (f *flakyStore) Put(ctx context.Context, objectPath string, data []byte, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts > 0 {
		f.failPuts--
		if f.fatalPuts {
			return fmt.Errorf("%w: access denied", storage.ErrPutFailed)
		}
		return fmt.Errorf("%w: 503 slow down", storage.ErrTransient)
	}
	f.objects[objectPath] = data
	f.metadata[objectPath] = metadata
	return nil
}

func (f *flakyStore) Get(ctx context.Context, objectPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[objectPath]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (f *flakyStore) Exists(ctx context.Context, objectPath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[objectPath]
	return ok, nil
}

func (f *flakyStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for path := range f.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	return out, nil
}

func (f *flakyStore) Delete(ctx context.Context, objectPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectPath)
	return nil
}

func archEvent(seq uint64, occurred time.Time) *types.EnrichedEvent {
	return &types.EnrichedEvent{
		ValidatedEvent: types.ValidatedEvent{
			Record:       types.RawRecord{ShardID: "shard-0", SequenceNumber: seq},
			EventID:      fmt.Sprintf("evt-%d", seq),
			EventType:    "exposure",
			OccurredAt:   occurred,
			SubjectID:    fmt.Sprintf("user-%d", seq),
			ExperimentID: "exp-a",
			VariantID:    "treatment",
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestArchiveSingleBatch(t *testing.T) {
	store := newFlakyStore()
	a := NewArchiver(store, testConfig(), nil, nil)

	occurred := time.Date(2026, 1, 5, 13, 15, 0, 0, time.UTC)
	events := make([]*types.EnrichedEvent, 0, 100)
	for i := 1; i <= 100; i++ {
		events = append(events, archEvent(uint64(i), occurred))
	}

	failures := a.Archive(context.Background(), events)
	require.Empty(t, failures)

	objects, err := store.List(context.Background(), "events/2026/01/05/13/")
	require.NoError(t, err)
	require.Len(t, objects, 1, "100 small events fit one batch under one hour partition")

	meta := store.metadata[objects[0]]
	assert.Equal(t, "100", meta["event_count"])
	assert.Equal(t, "1", meta["min_sequence"])
	assert.Equal(t, "100", meta["max_sequence"])
	assert.Equal(t, "shard-0", meta["shard_id"])
}

func TestArchivedContentRoundTrips(t *testing.T) {
	store := newFlakyStore()
	a := NewArchiver(store, testConfig(), nil, nil)

	occurred := time.Date(2026, 1, 5, 13, 15, 0, 0, time.UTC)
	event := archEvent(42, occurred)
	event.Fields = map[string]interface{}{"page": "/checkout"}

	require.Empty(t, a.Archive(context.Background(), []*types.EnrichedEvent{event}))

	objects, err := store.List(context.Background(), "events/")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	compressed, err := store.Get(context.Background(), objects[0])
	require.NoError(t, err)
	raw, err := snappy.Decode(nil, compressed)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 1)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &decoded))
	// Record identity is embedded for downstream dedup.
	assert.Equal(t, "shard-0", decoded["shard_id"])
	assert.Equal(t, float64(42), decoded["sequence_number"])
	assert.Equal(t, "evt-42", decoded["event_id"])
}

func TestArchiveSplitsOnEventCount(t *testing.T) {
	store := newFlakyStore()
	cfg := testConfig()
	cfg.MaxBatchEvents = 10
	a := NewArchiver(store, cfg, nil, nil)

	occurred := time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)
	events := make([]*types.EnrichedEvent, 0, 25)
	for i := 1; i <= 25; i++ {
		events = append(events, archEvent(uint64(i), occurred))
	}

	require.Empty(t, a.Archive(context.Background(), events))

	objects, err := store.List(context.Background(), "events/")
	require.NoError(t, err)
	assert.Len(t, objects, 3, "25 events with cap 10 yield 3 batches")
}

func TestArchiveSplitsOnSize(t *testing.T) {
	store := newFlakyStore()
	cfg := testConfig()
	cfg.MaxBatchBytes = 2048
	a := NewArchiver(store, cfg, nil, nil)

	occurred := time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)
	var events []*types.EnrichedEvent
	for i := 1; i <= 10; i++ {
		e := archEvent(uint64(i), occurred)
		e.Fields = map[string]interface{}{"padding": strings.Repeat("x", 512)}
		events = append(events, e)
	}

	require.Empty(t, a.Archive(context.Background(), events))

	objects, err := store.List(context.Background(), "events/")
	require.NoError(t, err)
	assert.Greater(t, len(objects), 1, "oversize events must split into multiple batches")

	for _, obj := range objects {
		meta := store.metadata[obj]
		var size int
		fmt.Sscanf(meta["size_bytes"], "%d", &size)
		assert.LessOrEqual(t, size, cfg.MaxBatchBytes)
	}
}

func TestArchiveRetriesTransientThenSucceeds(t *testing.T) {
	store := newFlakyStore()
	store.failPuts = 2

	a := NewArchiver(store, testConfig(), nil, nil)
	failures := a.Archive(context.Background(), []*types.EnrichedEvent{
		archEvent(1, time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)),
	})
	assert.Empty(t, failures, "2 transient failures within a 3-attempt budget must recover")
}

func TestArchiveExhaustsRetryBudget(t *testing.T) {
	store := newFlakyStore()
	store.failPuts = 100

	event := archEvent(1, time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC))
	a := NewArchiver(store, testConfig(), nil, nil)
	failures := a.Archive(context.Background(), []*types.EnrichedEvent{event})

	require.Len(t, failures, 1)
	err := failures[event.Record.Identity()]
	assert.Equal(t, pipeerrors.CodeUploadFailed, pipeerrors.GetCode(err))
	assert.True(t, pipeerrors.IsRetryable(err))
}

func TestArchiveFatalErrorDoesNotRetry(t *testing.T) {
	store := newFlakyStore()
	store.failPuts = 1
	store.fatalPuts = true

	event := archEvent(1, time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC))
	a := NewArchiver(store, testConfig(), nil, nil)
	failures := a.Archive(context.Background(), []*types.EnrichedEvent{event})

	require.Len(t, failures, 1)
	assert.Equal(t, pipeerrors.CodeUploadFatal, pipeerrors.GetCode(failures[event.Record.Identity()]))
	// The single allotted failure consumed the fatal error; nothing was
	// written and nothing was retried.
	objects, err := store.List(context.Background(), "events/")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestArchivePartitionFollowsEventTime(t *testing.T) {
	store := newFlakyStore()
	a := NewArchiver(store, testConfig(), nil, nil)

	// A late-arriving event lands in its historical hour partition.
	late := archEvent(1, time.Date(2025, 11, 30, 23, 59, 0, 0, time.UTC))
	require.Empty(t, a.Archive(context.Background(), []*types.EnrichedEvent{late}))

	objects, err := store.List(context.Background(), "events/2025/11/30/23/")
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestArchiveObjectKeysNeverCollide(t *testing.T) {
	store := newFlakyStore()
	a := NewArchiver(store, testConfig(), nil, nil)

	occurred := time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)
	event := archEvent(1, occurred)

	// Re-archiving the same identities produces differently-keyed objects.
	require.Empty(t, a.Archive(context.Background(), []*types.EnrichedEvent{event}))
	require.Empty(t, a.Archive(context.Background(), []*types.EnrichedEvent{event}))

	objects, err := store.List(context.Background(), "events/")
	require.NoError(t, err)
	assert.Len(t, objects, 2)
}
