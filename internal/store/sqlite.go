package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/domain"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLite is a single-file Backend for one-node deployments and tests.
// Times are stored as UTC unix nanoseconds.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
	codec codec
}

// OpenSQLite opens or creates the database at path and applies the schema.
//
// The connection pool is capped at one so the conditional UPDATE in
// Transition never races another writer on the same handle.
func OpenSQLite(path string, c clock.Clock) (*SQLite, error) {
	if c == nil {
		c = clock.Real{}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db, clock: c}, nil
}

// WithSealer encrypts payment references with sl on write and decrypts them
// on read.
func (s *SQLite) WithSealer(sl Sealer) *SQLite {
	s.codec.sealer = sl
	return s
}

func (s *SQLite) Put(ctx context.Context, in *domain.Intent) error {
	r, err := s.codec.encode(in)
	if err != nil {
		return err
	}
	version := in.Version
	if version == 0 {
		version = 1
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO intents(`+intentColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.OwnerID, r.journey, r.passengers, r.paymentRef, string(in.State), nanos(in.TargetFireAt),
		in.ArmedBy, in.AttemptCount, in.LastError, string(in.LastErrorKind), r.result, version,
		nanos(in.CreatedAt), nanos(in.UpdatedAt))
	return sqliteErr("put intent", err)
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Intent, error) {
	in, err := scanSQLite(s.codec, s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound(id)
	}
	if err != nil {
		return nil, sqliteErr("get intent", err)
	}
	return in, nil
}

func (s *SQLite) Transition(ctx context.Context, id string, from, to domain.State, mutate Mutator) (*domain.Intent, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := apply(cur, from, to, mutate, s.clock.Now())
	if err != nil {
		return nil, err
	}
	r, err := s.codec.encode(next)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE intents
SET state=?, armed_by=?, attempt_count=?, last_error=?, last_error_kind=?, result_details=?, version=?, updated_at=?
WHERE id=? AND state=? AND version=?`,
		string(to), next.ArmedBy, next.AttemptCount, next.LastError, string(next.LastErrorKind), r.result,
		next.Version, nanos(next.UpdatedAt), id, string(from), cur.Version)
	if err != nil {
		return nil, sqliteErr("transition intent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, sqliteErr("transition intent", err)
	}
	if n == 0 {
		return nil, domain.NewConflict(id, from)
	}
	return next, nil
}

func (s *SQLite) ListArmable(ctx context.Context, before time.Time, limit int) ([]*domain.Intent, error) {
	return s.ListInState(ctx, domain.StatePending, before, limit)
}

func (s *SQLite) ListInState(ctx context.Context, state domain.State, fireBefore time.Time, limit int) ([]*domain.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+intentColumns+`
FROM intents
WHERE state=? AND target_fire_at <= ?
ORDER BY target_fire_at ASC, id ASC
LIMIT ?`, string(state), nanos(fireBefore), limitOrDefault(limit))
	if err != nil {
		return nil, sqliteErr("list intents", err)
	}
	return collectSQLite(rows, s.codec)
}

func (s *SQLite) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+intentColumns+`
FROM intents
WHERE owner_id=?
ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, sqliteErr("list intents by owner", err)
	}
	return collectSQLite(rows, s.codec)
}

func (s *SQLite) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, username, password_bcrypt, created_at) VALUES (?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, nanos(u.CreatedAt))
	return sqliteErr("create user", err)
}

func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var (
		u       User
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, username, password_bcrypt, created_at FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, &domain.Error{Kind: domain.KindNotFound, Message: "user not found"}
	}
	if err != nil {
		return User{}, sqliteErr("get user", err)
	}
	u.CreatedAt = fromNanos(created)
	return u, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(c codec, sc scanner) (*domain.Intent, error) {
	var (
		in                       domain.Intent
		r                        row
		state, errorKind         string
		fireAt, created, updated int64
	)
	if err := sc.Scan(&in.ID, &in.OwnerID, &r.journey, &r.passengers, &r.paymentRef, &state, &fireAt,
		&in.ArmedBy, &in.AttemptCount, &in.LastError, &errorKind, &r.result, &in.Version, &created, &updated); err != nil {
		return nil, err
	}
	in.State = domain.State(state)
	in.LastErrorKind = domain.Kind(errorKind)
	in.TargetFireAt = fromNanos(fireAt)
	in.CreatedAt = fromNanos(created)
	in.UpdatedAt = fromNanos(updated)
	if err := c.decode(r, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

func collectSQLite(rows *sql.Rows, c codec) ([]*domain.Intent, error) {
	defer rows.Close()
	var out []*domain.Intent
	for rows.Next() {
		in, err := scanSQLite(c, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("scan intents", err)
	}
	return out, nil
}

func sqliteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return &domain.Error{Kind: domain.KindValidation, Message: op, Err: err}
	}
	return domain.NewStoreUnavailable(op, err)
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

var _ Backend = (*SQLite)(nil)
