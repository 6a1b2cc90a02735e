package enrich

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/factline/factline/pkg/types"
)

// SQLiteAssignmentStore implements AssignmentStore backed by a SQLite
// database, used for local deployments and replay runs.
type SQLiteAssignmentStore struct {
	db *sql.DB
}

// NewSQLiteAssignmentStore opens (and migrates) the assignment database.
func NewSQLiteAssignmentStore(path string) (*SQLiteAssignmentStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open assignment database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS assignments (
			subject_id  TEXT NOT NULL,
			scope_id    TEXT NOT NULL,
			variant_id  TEXT NOT NULL,
			assigned_at INTEGER NOT NULL,
			PRIMARY KEY (subject_id, scope_id)
		) WITHOUT ROWID
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create assignments table: %w", err)
	}

	return &SQLiteAssignmentStore{db: db}, nil
}

// Get returns the stored assignment for the subject/scope pair.
func (s *SQLiteAssignmentStore) Get(ctx context.Context, subjectID, scopeID string) (*types.AssignmentContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT variant_id, assigned_at FROM assignments WHERE subject_id = ? AND scope_id = ?`,
		subjectID, scopeID)

	var variantID string
	var assignedAt int64
	if err := row.Scan(&variantID, &assignedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("assignment lookup failed: %w", err)
	}

	return &types.AssignmentContext{
		VariantID:  variantID,
		AssignedAt: time.Unix(0, assignedAt).UTC(),
	}, nil
}

// Put records an assignment. Used by replay tooling and tests; the live
// assignment writer is an external collaborator.
func (s *SQLiteAssignmentStore) Put(ctx context.Context, subjectID, scopeID string, assignment types.AssignmentContext) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO assignments (subject_id, scope_id, variant_id, assigned_at) VALUES (?, ?, ?, ?)`,
		subjectID, scopeID, assignment.VariantID, assignment.AssignedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("assignment write failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteAssignmentStore) Close() error {
	return s.db.Close()
}
