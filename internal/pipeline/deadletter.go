package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/factline/factline/internal/storage"
	"github.com/factline/factline/pkg/types"
)

// DeadLetterEntry carries everything a sink needs to park a permanently
// failed record: the original payload, the failure reason, and the batch
// it arrived in.
type DeadLetterEntry struct {
	BatchID  string          `json:"batch_id"`
	Record   types.RawRecord `json:"record"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failed_at"`
}

// DeadLetterSink receives records removed from the retry path. Sink
// failures are logged but never change the record's outcome; dead_letter
// is terminal regardless.
type DeadLetterSink interface {
	Push(ctx context.Context, entry DeadLetterEntry) error
}

// LogSink records dead-lettered entries in the structured log only.
// Suitable for development and for deployments where the transport layer
// keeps its own failure queue.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink that writes entries to the given logger.
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{logger: logger}
}

// Push logs the entry at error level with its identity and reason.
func (s *LogSink) Push(_ context.Context, entry DeadLetterEntry) error {
	s.logger.WithFields(logrus.Fields{
		"batch":    entry.BatchID,
		"shard":    entry.Record.ShardID,
		"sequence": entry.Record.SequenceNumber,
		"reason":   entry.Reason,
	}).Error("record dead-lettered")
	return nil
}

// ObjectSink writes each dead-lettered entry as a JSON object under a
// date-partitioned deadletter/ prefix, preserving the original payload
// for manual inspection and replay.
type ObjectSink struct {
	store  storage.ObjectStore
	prefix string
	logger *logrus.Logger
}

// NewObjectSink creates a sink backed by an object store. prefix defaults
// to "deadletter".
func NewObjectSink(store storage.ObjectStore, prefix string, logger *logrus.Logger) *ObjectSink {
	if prefix == "" {
		prefix = "deadletter"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ObjectSink{store: store, prefix: prefix, logger: logger}
}

// Push serializes the entry and writes it to the object store. The key is
// partitioned by failure date and suffixed with a uuid so concurrent
// writers never collide.
func (s *ObjectSink) Push(ctx context.Context, entry DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter entry: %w", err)
	}

	day := entry.FailedAt.UTC()
	key := fmt.Sprintf("%s/%04d/%02d/%02d/%s-%d-%s.json",
		s.prefix, day.Year(), day.Month(), day.Day(),
		entry.Record.ShardID, entry.Record.SequenceNumber, uuid.New().String())

	metadata := map[string]string{
		"batch_id": entry.BatchID,
		"reason":   entry.Reason,
	}
	if err := s.store.Put(ctx, key, data, metadata); err != nil {
		return fmt.Errorf("failed to write dead-letter entry: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"object":   key,
		"shard":    entry.Record.ShardID,
		"sequence": entry.Record.SequenceNumber,
	}).Debug("dead-letter entry written")
	return nil
}
