package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/wehubfusion/Daedalus/pkg/marking"
)

// SQLiteStore persists delta logs in a SQLite database (pure-Go driver, WAL
// mode). Each delta is one row; the per-case sequence number is assigned
// inside the insert transaction, which is what guarantees per-case append
// ordering under concurrent appends from different cases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store at the given
// path. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS case_deltas (
		case_id     TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		reason      TEXT NOT NULL,
		payload     TEXT NOT NULL,
		recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (case_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_case_deltas_case ON case_deltas(case_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendDelta durably appends the delta, assigning the next per-case
// sequence number transactionally.
func (s *SQLiteStore) AppendDelta(ctx context.Context, delta *marking.Delta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// Sequence numbers are 1-based: a case's first delta gets seq 1.
	var next sql.NullInt64
	row := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) + 1 FROM case_deltas WHERE case_id = ?`, delta.CaseID)
	if err := row.Scan(&next); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	if next.Valid {
		delta.Seq = next.Int64
	} else {
		delta.Seq = 1
	}

	payload, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO case_deltas (case_id, seq, reason, payload, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		delta.CaseID, delta.Seq, delta.Reason, string(payload), delta.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return tx.Commit()
}

// ReadDeltas returns the case's deltas in append order.
func (s *SQLiteStore) ReadDeltas(ctx context.Context, caseID string) ([]*marking.Delta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM case_deltas WHERE case_id = ? ORDER BY seq`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	var out []*marking.Delta
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		var delta marking.Delta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			return nil, fmt.Errorf("decode delta: %w", err)
		}
		out = append(out, &delta)
	}
	return out, rows.Err()
}

// CaseIDs lists every case with at least one recorded delta.
func (s *SQLiteStore) CaseIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT case_id FROM case_deltas ORDER BY case_id`)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteCase removes a case's delta log.
func (s *SQLiteStore) DeleteCase(ctx context.Context, caseID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM case_deltas WHERE case_id = ?`, caseID)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
