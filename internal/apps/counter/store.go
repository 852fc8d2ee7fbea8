package counter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Entry is one row of a counter's history.
type Entry struct {
	Name    string
	Type    string
	Date    string
	Comment string
}

// Goal is the remaining distance to a counter's target.
type Goal struct {
	Comment string
	Diff    int
}

// Store keeps counters in SQLite, one namespace per chat. A reset is a
// marker row: totals only sum rows newer than the latest marker.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := NewStore(db)
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already opened database. The schema is not created.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS count_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL DEFAULT '',
			count_name TEXT NOT NULL,
			count_type TEXT NOT NULL,
			count_value INTEGER NOT NULL DEFAULT 0,
			count_date TEXT NOT NULL,
			count_comment TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_count_log_name ON count_log(chat_id, count_name, id)`,
		`CREATE TABLE IF NOT EXISTS count_goal (
			chat_id TEXT NOT NULL DEFAULT '',
			count_name TEXT NOT NULL,
			goal_comment TEXT NOT NULL DEFAULT '',
			goal_value INTEGER NOT NULL,
			PRIMARY KEY (chat_id, count_name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const totalSQL = `SELECT COALESCE(SUM(count_value), 0) FROM count_log
	WHERE chat_id = ? AND count_name = ? AND id > COALESCE((
		SELECT MAX(id) FROM count_log WHERE chat_id = ? AND count_name = ? AND count_type = 'reset'
	), 0)`

func (s *Store) Add(ctx context.Context, chatID, name, comment, date string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO count_log (chat_id, count_name, count_type, count_value, count_date, count_comment)
		VALUES (?, ?, 'count', 1, ?, ?)`,
		chatID, name, date, comment)
	if err != nil {
		return fmt.Errorf("insert count: %w", err)
	}
	return nil
}

func (s *Store) Reset(ctx context.Context, chatID, name, date string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO count_log (chat_id, count_name, count_type, count_value, count_date, count_comment)
		VALUES (?, ?, 'reset', 0, ?, '')`,
		chatID, name, date)
	if err != nil {
		return fmt.Errorf("insert reset: %w", err)
	}
	return nil
}

// Delete removes the whole history of a counter. Its goal is kept.
func (s *Store) Delete(ctx context.Context, chatID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM count_log WHERE chat_id = ? AND count_name = ?`, chatID, name)
	if err != nil {
		return fmt.Errorf("delete counts: %w", err)
	}
	return nil
}

// Total sums the counter since its last reset.
func (s *Store) Total(ctx context.Context, chatID, name string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, totalSQL, chatID, name, chatID, name).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query total: %w", err)
	}
	return total, nil
}

// SetGoal replaces the counter's goal.
func (s *Store) SetGoal(ctx context.Context, chatID, name string, goal int, comment string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set goal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM count_goal WHERE chat_id = ? AND count_name = ?`, chatID, name); err != nil {
		return fmt.Errorf("delete goal: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO count_goal (chat_id, count_name, goal_comment, goal_value) VALUES (?, ?, ?, ?)`,
		chatID, name, comment, goal); err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set goal: %w", err)
	}
	return nil
}

// Goal reports the distance to the counter's goal; ok is false when no goal
// is set.
func (s *Store) Goal(ctx context.Context, chatID, name string) (Goal, bool, error) {
	var g Goal
	err := s.db.QueryRowContext(ctx,
		`WITH t AS (`+totalSQL+`)
		SELECT goal_value - (SELECT * FROM t), goal_comment FROM count_goal WHERE chat_id = ? AND count_name = ?`,
		chatID, name, chatID, name, chatID, name).Scan(&g.Diff, &g.Comment)
	if errors.Is(err, sql.ErrNoRows) {
		return Goal{}, false, nil
	}
	if err != nil {
		return Goal{}, false, fmt.Errorf("query goal: %w", err)
	}
	return g, true, nil
}

// History returns the newest limit rows, newest first.
func (s *Store) History(ctx context.Context, chatID, name string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT count_name, count_type, count_date, count_comment FROM count_log
		WHERE chat_id = ? AND count_name = ? ORDER BY id DESC LIMIT ?`,
		chatID, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.Type, &e.Date, &e.Comment); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}
