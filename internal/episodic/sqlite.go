package episodic

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

// SQLiteStore keeps episodic records in a single-file sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create episodic db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open episodic db: %w", err)
	}

	// SQLite handles one writer at a time, and the round loop is the only
	// writer anyway.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate episodic schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// migrate applies the schema. Every statement is idempotent, so it is safe
// to run on every open.
func migrate(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS episodic_records (
  target TEXT PRIMARY KEY,
  streak INTEGER NOT NULL DEFAULT 0,
  streak_holder TEXT NOT NULL DEFAULT '',
  last_mode TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS episodic_wins (
  target TEXT NOT NULL,
  role TEXT NOT NULL,
  wins INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (target, role),
  FOREIGN KEY (target) REFERENCES episodic_records(target) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_episodic_records_updated ON episodic_records(updated_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Get returns the record for a target, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, target string) (Record, error) {
	rec := Record{Target: target, Wins: map[mode.Role]int{}}

	var (
		holder    string
		lastMode  string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT streak, streak_holder, last_mode, updated_at FROM episodic_records WHERE target = ?`,
		target,
	).Scan(&rec.Streak, &holder, &lastMode, &updatedAt)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get episodic record: %w", err)
	}
	rec.StreakHolder = mode.Role(holder)
	rec.LastMode = mode.ID(lastMode)
	rec.LastUpdated = time.UnixMilli(updatedAt).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, wins FROM episodic_wins WHERE target = ?`, target)
	if err != nil {
		return Record{}, fmt.Errorf("get episodic wins: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role string
			wins int
		)
		if err := rows.Scan(&role, &wins); err != nil {
			return Record{}, fmt.Errorf("scan episodic wins: %w", err)
		}
		rec.Wins[mode.Role(role)] = wins
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("read episodic wins: %w", err)
	}

	return rec, nil
}

// Put upserts a record and its win counts in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if rec.Target == "" {
		return fmt.Errorf("episodic record needs a target")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin episodic put: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO episodic_records (target, streak, streak_holder, last_mode, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(target) DO UPDATE SET
		   streak = excluded.streak,
		   streak_holder = excluded.streak_holder,
		   last_mode = excluded.last_mode,
		   updated_at = excluded.updated_at`,
		rec.Target, rec.Streak, string(rec.StreakHolder), string(rec.LastMode),
		rec.LastUpdated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert episodic record: %w", err)
	}

	for role, wins := range rec.Wins {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO episodic_wins (target, role, wins) VALUES (?, ?, ?)
			 ON CONFLICT(target, role) DO UPDATE SET wins = excluded.wins`,
			rec.Target, string(role), wins)
		if err != nil {
			return fmt.Errorf("upsert episodic wins: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit episodic put: %w", err)
	}
	return nil
}

// Reset removes a target's record. Win rows follow via the foreign key
// cascade. Missing records are not an error.
func (s *SQLiteStore) Reset(ctx context.Context, target string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM episodic_records WHERE target = ?`, target); err != nil {
		return fmt.Errorf("reset episodic record: %w", err)
	}
	return nil
}

// List returns all records, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.target, r.streak, r.streak_holder, r.last_mode, r.updated_at, w.role, w.wins
		 FROM episodic_records r
		 LEFT JOIN episodic_wins w ON w.target = r.target
		 ORDER BY r.updated_at DESC, r.target, w.role`)
	if err != nil {
		return nil, fmt.Errorf("list episodic records: %w", err)
	}
	defer rows.Close()

	var (
		out     []Record
		current *Record
	)
	for rows.Next() {
		var (
			target    string
			streak    int
			holder    string
			lastMode  string
			updatedAt int64
			role      sql.NullString
			wins      sql.NullInt64
		)
		if err := rows.Scan(&target, &streak, &holder, &lastMode, &updatedAt, &role, &wins); err != nil {
			return nil, fmt.Errorf("scan episodic record: %w", err)
		}
		if current == nil || current.Target != target {
			out = append(out, Record{
				Target:       target,
				Wins:         map[mode.Role]int{},
				Streak:       streak,
				StreakHolder: mode.Role(holder),
				LastMode:     mode.ID(lastMode),
				LastUpdated:  time.UnixMilli(updatedAt).UTC(),
			})
			current = &out[len(out)-1]
		}
		if role.Valid {
			current.Wins[mode.Role(role.String)] = int(wins.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read episodic records: %w", err)
	}

	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
