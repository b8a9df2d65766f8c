package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/therapist/pkg/session"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite archive: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile builds a WAL-mode DSN for a database file.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite archive: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			started_at_ms INTEGER,
			ended_at_ms INTEGER,
			duration_ms INTEGER NOT NULL,
			billing_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_ended ON sessions(ended_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite archive: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite archive: db is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("sqlite archive: id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite archive: begin")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions(id, state, created_at_ms, started_at_ms, ended_at_ms, duration_ms, billing_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			started_at_ms = excluded.started_at_ms,
			ended_at_ms = excluded.ended_at_ms,
			duration_ms = excluded.duration_ms,
			billing_ms = excluded.billing_ms
	`, rec.ID, string(rec.State), rec.CreatedAt, nullInt(rec.StartedAt), nullInt(rec.EndedAt), rec.DurationMs, rec.BillingMs)
	if err != nil {
		return errors.Wrap(err, "sqlite archive: upsert session")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, rec.ID); err != nil {
		return errors.Wrap(err, "sqlite archive: clear messages")
	}
	for i, m := range rec.History {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages(session_id, seq, role, content, timestamp_ms)
			VALUES(?, ?, ?, ?, ?)
		`, rec.ID, i, string(m.Role), m.Content, m.Timestamp)
		if err != nil {
			return errors.Wrap(err, "sqlite archive: insert message")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite archive: commit")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, errors.New("sqlite archive: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, created_at_ms, started_at_ms, ended_at_ms, duration_ms, billing_ms
		FROM sessions WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "sqlite archive: get")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp_ms FROM session_messages
		WHERE session_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return Record{}, errors.Wrap(err, "sqlite archive: query messages")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m session.Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return Record{}, err
		}
		m.Role = session.Role(role)
		rec.History = append(rec.History, m)
	}
	if err := rows.Err(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns sessions without their transcripts, most recently ended first.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite archive: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	where := ""
	args := []any{}
	if q.SinceMs > 0 {
		where = "WHERE ended_at_ms >= ?"
		args = append(args, q.SinceMs)
	}
	query := fmt.Sprintf(`
		SELECT id, state, created_at_ms, started_at_ms, ended_at_ms, duration_ms, billing_ms
		FROM sessions
		%s
		ORDER BY ended_at_ms DESC, id ASC
		LIMIT ?
	`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite archive: query")
	}
	defer func() { _ = rows.Close() }()

	items := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var rec Record
	var state string
	var started, ended sql.NullInt64
	if err := sc.Scan(&rec.ID, &state, &rec.CreatedAt, &started, &ended, &rec.DurationMs, &rec.BillingMs); err != nil {
		return Record{}, err
	}
	rec.State = session.State(state)
	if started.Valid {
		v := started.Int64
		rec.StartedAt = &v
	}
	if ended.Valid {
		v := ended.Int64
		rec.EndedAt = &v
	}
	return rec, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// MarshalRecord renders a record as indented JSON.
func MarshalRecord(rec Record) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}
