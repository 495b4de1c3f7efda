package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/db"
	"github.com/example/tatkal-scheduler/internal/domain"
)

const intentColumns = `id,owner_id,journey,passengers,payment_ref,state,target_fire_at,armed_by,attempt_count,last_error,last_error_kind,result_details,version,created_at,updated_at`

// Postgres stores intents and users through pgx.
type Postgres struct {
	db    *db.DB
	clock clock.Clock
	codec codec
}

func NewPostgres(d *db.DB, c clock.Clock) *Postgres {
	if c == nil {
		c = clock.Real{}
	}
	return &Postgres{db: d, clock: c}
}

// WithSealer encrypts payment references with s on write and decrypts them
// on read.
func (p *Postgres) WithSealer(s Sealer) *Postgres {
	p.codec.sealer = s
	return p
}

func (p *Postgres) Put(ctx context.Context, in *domain.Intent) error {
	r, err := p.codec.encode(in)
	if err != nil {
		return err
	}
	version := in.Version
	if version == 0 {
		version = 1
	}
	err = p.db.Exec(ctx, `
INSERT INTO intents(`+intentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		in.ID, in.OwnerID, r.journey, r.passengers, r.paymentRef, string(in.State), in.TargetFireAt.UTC(),
		in.ArmedBy, in.AttemptCount, in.LastError, string(in.LastErrorKind), r.result, version,
		in.CreatedAt.UTC(), in.UpdatedAt.UTC())
	return pgErr("put intent", err)
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Intent, error) {
	in, err := scanIntent(p.codec, p.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=$1`, id))
	if db.IsNotFound(err) {
		return nil, domain.NewNotFound(id)
	}
	if err != nil {
		return nil, pgErr("get intent", err)
	}
	return in, nil
}

// Transition reads the row, builds the next version, and writes it with
// UPDATE ... WHERE state=from AND version=read. Zero rows affected means
// another writer got there first.
func (p *Postgres) Transition(ctx context.Context, id string, from, to domain.State, mutate Mutator) (*domain.Intent, error) {
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := apply(cur, from, to, mutate, p.clock.Now())
	if err != nil {
		return nil, err
	}
	r, err := p.codec.encode(next)
	if err != nil {
		return nil, err
	}
	n, err := p.db.ExecAffected(ctx, `
UPDATE intents
SET state=$3, armed_by=$4, attempt_count=$5, last_error=$6, last_error_kind=$7, result_details=$8, version=$9, updated_at=$10
WHERE id=$1 AND state=$2 AND version=$11`,
		id, string(from), string(to), next.ArmedBy, next.AttemptCount, next.LastError, string(next.LastErrorKind),
		r.result, next.Version, next.UpdatedAt, cur.Version)
	if err != nil {
		return nil, pgErr("transition intent", err)
	}
	if n == 0 {
		return nil, domain.NewConflict(id, from)
	}
	return next, nil
}

func (p *Postgres) ListArmable(ctx context.Context, before time.Time, limit int) ([]*domain.Intent, error) {
	return p.ListInState(ctx, domain.StatePending, before, limit)
}

func (p *Postgres) ListInState(ctx context.Context, state domain.State, fireBefore time.Time, limit int) ([]*domain.Intent, error) {
	rows, err := p.db.Query(ctx, `
SELECT `+intentColumns+`
FROM intents
WHERE state=$1 AND target_fire_at <= $2
ORDER BY target_fire_at ASC, id ASC
LIMIT $3`, string(state), fireBefore.UTC(), limitOrDefault(limit))
	if err != nil {
		return nil, pgErr("list intents", err)
	}
	return collect(rows, p.codec)
}

func (p *Postgres) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Intent, error) {
	rows, err := p.db.Query(ctx, `
SELECT `+intentColumns+`
FROM intents
WHERE owner_id=$1
ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, pgErr("list intents by owner", err)
	}
	return collect(rows, p.codec)
}

func (p *Postgres) CreateUser(ctx context.Context, u User) error {
	err := p.db.Exec(ctx, `INSERT INTO users(id, username, password_bcrypt, created_at) VALUES ($1,$2,$3,$4)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt.UTC())
	return pgErr("create user", err)
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := p.db.QueryRow(ctx, `SELECT id, username, password_bcrypt, created_at FROM users WHERE username=$1`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if db.IsNotFound(err) {
		return User{}, &domain.Error{Kind: domain.KindNotFound, Message: "user not found"}
	}
	if err != nil {
		return User{}, pgErr("get user", err)
	}
	return u, nil
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

func collect(rows db.Rows, c codec) ([]*domain.Intent, error) {
	defer rows.Close()
	var out []*domain.Intent
	for rows.Next() {
		in, err := scanIntent(c, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("scan intents", err)
	}
	return out, nil
}

func scanIntent(c codec, s db.Row) (*domain.Intent, error) {
	var (
		in        domain.Intent
		r         row
		state     string
		errorKind string
	)
	if err := s.Scan(&in.ID, &in.OwnerID, &r.journey, &r.passengers, &r.paymentRef, &state, &in.TargetFireAt,
		&in.ArmedBy, &in.AttemptCount, &in.LastError, &errorKind, &r.result, &in.Version, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	in.State = domain.State(state)
	in.LastErrorKind = domain.Kind(errorKind)
	if err := c.decode(r, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// pgErr classifies a driver error. Constraint violations are permanent;
// everything else is treated as the store being unavailable.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code[:2] == "23" {
		return &domain.Error{Kind: domain.KindValidation, Message: op, Err: err}
	}
	return domain.NewStoreUnavailable(op, err)
}

var _ Backend = (*Postgres)(nil)
