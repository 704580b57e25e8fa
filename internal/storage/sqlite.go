package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cruisectl/internal/cruise"
	logx "cruisectl/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// sqliteStore keeps one row per cruise (the state as JSON) and one row per
// status report. Each mutation is a single transaction.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: writers serialize and the pragmas below stick.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, st *cruise.State) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	replaced, err := exists(ctx, tx, st.ID)
	if err != nil {
		return false, err
	}
	if err := save(ctx, tx, st); err != nil {
		return false, err
	}
	return replaced, tx.Commit()
}

func (s *sqliteStore) Create(ctx context.Context, st *cruise.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	found, err := exists(ctx, tx, st.ID)
	if err != nil {
		return err
	}
	if found {
		return alreadyExists(st.ID)
	}
	if err := save(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cruises WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM cruises ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) View(ctx context.Context, id string, fn func(st *cruise.State) error) error {
	st, err := load(ctx, s.db, id)
	if err != nil {
		return err
	}
	return fn(st)
}

func (s *sqliteStore) ViewAll(ctx context.Context, fn func(st *cruise.State) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, state FROM cruises ORDER BY id`)
	if err != nil {
		return err
	}
	var states []*cruise.State
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			_ = rows.Close()
			return err
		}
		st, err := decodeState(id, []byte(raw))
		if err != nil {
			_ = rows.Close()
			return err
		}
		states = append(states, st)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, st := range states {
		if err := fn(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn func(st *cruise.State) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := load(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := save(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendStatus(ctx context.Context, rec StatusRecord) error {
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status(id, at, payload) VALUES(?,?,?)`,
		rec.ID, rec.At.UTC().Format(time.RFC3339Nano), payload,
	)
	return err
}

func (s *sqliteStore) Statuses(ctx context.Context, limit int) ([]StatusRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, payload FROM status ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []StatusRecord{}
	for rows.Next() {
		var (
			rec          StatusRecord
			at, payload string
		)
		if err := rows.Scan(&rec.ID, &at, &payload); err != nil {
			return nil, err
		}
		rec.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("status %s: bad timestamp %q: %w", rec.ID, at, err)
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func exists(ctx context.Context, q queryer, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM cruises WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func load(ctx context.Context, q queryer, id string) (*cruise.State, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT state FROM cruises WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cruise.CruiseNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeState(id, []byte(raw))
}

func save(ctx context.Context, q queryer, st *cruise.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode cruise %q: %w", st.ID, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO cruises(id, mode, state, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET mode=excluded.mode, state=excluded.state, updated_at=excluded.updated_at`,
		st.ID, nullStr(st.Mode), string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func decodeState(id string, raw []byte) (*cruise.State, error) {
	var st cruise.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode cruise %q: %w", id, err)
	}
	st.Normalize()
	return &st, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
