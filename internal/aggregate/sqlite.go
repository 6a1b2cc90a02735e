package aggregate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/factline/factline/internal/dedup"
	"github.com/factline/factline/pkg/types"
)

// SQLiteStore implements Store backed by a SQLite database. Idempotency is
// enforced through an applied-identity ledger: the ledger insert runs first
// inside the update transaction, and an identity already present there
// short-circuits to a no-op success. Concurrency is handled through a
// version column on each counter row. A seen-identity filter fronts the
// ledger so repeats this process has already committed skip the write
// transaction entirely; identities applied by earlier runs or other
// processes are caught by the in-transaction ledger insert.
type SQLiteStore struct {
	db   *sql.DB
	seen *dedup.IdentityFilter
}

// NewSQLiteStore opens (and migrates) the aggregation database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open aggregation database: %w", err)
	}

	// Single writer: SQLite serializes writes, and the version check
	// below guards against a second OS process on the same file.
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS counters (
			key     TEXT PRIMARY KEY,
			total   REAL NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS members (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS applied (
			key      TEXT NOT NULL,
			op       TEXT NOT NULL,
			identity TEXT NOT NULL,
			PRIMARY KEY (key, op, identity)
		) WITHOUT ROWID`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create aggregation schema: %w", err)
		}
	}

	return &SQLiteStore{
		db:   db,
		seen: dedup.NewIdentityFilter(1_000_000, 0.01),
	}, nil
}

// Increment adds delta to the counter at key, create-if-absent, idempotent
// per identity.
func (s *SQLiteStore) Increment(ctx context.Context, key types.AggregationKey, delta float64, identity string) error {
	keyStr := key.String()

	done, err := s.seenApplied(ctx, keyStr, "increment", identity)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	// Ledger first: a repeat identity lands here regardless of which
	// process (or process lifetime) applied it originally.
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied (key, op, identity) VALUES (?, 'increment', ?)`,
		keyStr, identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.seen.Mark(appliedIdentity(keyStr, "increment", identity))
		return nil
	}

	var total float64
	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT total, version FROM counters WHERE key = ?`, keyStr).Scan(&total, &version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO counters (key, total, version) VALUES (?, ?, 1)`,
			keyStr, delta); err != nil {
			// A concurrent writer created the row first.
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	case err != nil:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		res, err := tx.ExecContext(ctx,
			`UPDATE counters SET total = total + ?, version = version + 1 WHERE key = ? AND version = ?`,
			delta, keyStr, version)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.seen.Mark(appliedIdentity(keyStr, "increment", identity))
	return nil
}

// AddMember adds the subject to the unique-member set at key, idempotent
// per identity.
func (s *SQLiteStore) AddMember(ctx context.Context, key types.AggregationKey, member, identity string) error {
	keyStr := key.String()

	done, err := s.seenApplied(ctx, keyStr, "member", identity)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied (key, op, identity) VALUES (?, 'member', ?)`,
		keyStr, identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.seen.Mark(appliedIdentity(keyStr, "member", identity))
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO members (key, member) VALUES (?, ?)`,
		keyStr, member); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.seen.Mark(appliedIdentity(keyStr, "member", identity))
	return nil
}

// ReadCounter returns the counter state for key.
func (s *SQLiteStore) ReadCounter(ctx context.Context, key types.AggregationKey) (*types.AggregateCounter, error) {
	keyStr := key.String()
	counter := &types.AggregateCounter{Key: key}

	err := s.db.QueryRowContext(ctx,
		`SELECT total, version FROM counters WHERE key = ?`, keyStr).
		Scan(&counter.Total, &counter.Version)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM members WHERE key = ?`, keyStr).
		Scan(&counter.UniqueMembers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return counter, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// seenApplied is the fast path for repeats this process has already
// committed. A filter hit can be a false positive, so it is confirmed
// against the ledger; a filter miss proves nothing and falls through to
// the authoritative in-transaction ledger insert.
func (s *SQLiteStore) seenApplied(ctx context.Context, key, op, identity string) (bool, error) {
	if !s.seen.Seen(appliedIdentity(key, op, identity)) {
		return false, nil
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM applied WHERE key = ? AND op = ? AND identity = ?`,
		key, op, identity).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return true, nil
	}
}

func appliedIdentity(key, op, identity string) string {
	return key + "|" + op + "|" + identity
}
