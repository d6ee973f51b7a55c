// Package postgres provides a PostgreSQL-backed Store for quotaledger.
//
// Every ledger operation runs in one READ COMMITTED transaction that locks the
// rows it touches with SELECT ... FOR UPDATE, so any number of service
// instances can share the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ineyio/quotaledger"
)

// Store is a PostgreSQL-backed quotaledger.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ quotaledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotaledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotaledger_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) poolsTable() string   { return s.tablePrefix + "pools" }
func (s *Store) entriesTable() string { return s.tablePrefix + "entries" }
func (s *Store) authsTable() string   { return s.tablePrefix + "authorizations" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			package_id TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			models TEXT[] NOT NULL DEFAULT '{}',
			available NUMERIC NOT NULL DEFAULT 0 CHECK (available >= 0),
			frozen NUMERIC NOT NULL DEFAULT 0 CHECK (frozen >= 0),
			used NUMERIC NOT NULL DEFAULT 0 CHECK (used >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_user_package_idx
			ON %[1]s (user_id, (COALESCE(package_id, '')));

		CREATE TABLE IF NOT EXISTS %[2]s (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			pool_id BIGINT NOT NULL REFERENCES %[1]s (id),
			package_id TEXT,
			type TEXT NOT NULL,
			field TEXT NOT NULL,
			amount NUMERIC NOT NULL CHECK (amount > 0),
			before_value NUMERIC NOT NULL,
			after_value NUMERIC NOT NULL,
			reason TEXT NOT NULL,
			request_id TEXT,
			order_id TEXT,
			authorization_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_user_idx ON %[2]s (user_id, id);
		CREATE INDEX IF NOT EXISTS %[2]s_request_idx ON %[2]s (request_id) WHERE request_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS %[2]s_authorization_idx ON %[2]s (authorization_id) WHERE authorization_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS %[2]s_order_idx ON %[2]s (order_id) WHERE order_id IS NOT NULL AND type = 'increase';

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			device_fingerprint TEXT NOT NULL DEFAULT '',
			frozen_quota NUMERIC NOT NULL CHECK (frozen_quota > 0),
			contributions JSONB NOT NULL,
			call_token TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			finalized_at TIMESTAMPTZ,
			request_id TEXT UNIQUE,
			actor_id TEXT,
			settlement JSONB
		);
		CREATE INDEX IF NOT EXISTS %[3]s_active_expiry_idx ON %[3]s (expires_at) WHERE status = 'active';
	`, s.poolsTable(), s.entriesTable(), s.authsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx quotaledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, s: s}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("quotaledger/postgres: commit: %w", err)
	}
	return nil
}

const poolColumns = `id, user_id, package_id, priority, expires_at, models,
	available::text, frozen::text, used::text, created_at, updated_at`

// UpsertPool creates a pool with zero balances or updates its package attributes.
func (s *Store) UpsertPool(ctx context.Context, p quotaledger.Pool) (quotaledger.Pool, error) {
	if err := p.ValidateKey(); err != nil {
		return quotaledger.Pool{}, err
	}
	models := p.Models
	if models == nil {
		models = []string{}
	}

	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, package_id, priority, expires_at, models)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, (COALESCE(package_id, ''))) DO UPDATE
			SET priority = EXCLUDED.priority, expires_at = EXCLUDED.expires_at,
				models = EXCLUDED.models, updated_at = now()
			RETURNING %s`, s.poolsTable(), poolColumns),
		p.UserID, p.PackageID, p.Priority, p.ExpiresAt, models,
	)
	out, err := scanPool(row)
	if err != nil {
		return quotaledger.Pool{}, fmt.Errorf("quotaledger/postgres: upsert pool: %w", err)
	}
	return out, nil
}

// Pools returns every pool of a user ordered by id.
func (s *Store) Pools(ctx context.Context, userID string) ([]quotaledger.Pool, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY id`, poolColumns, s.poolsTable()),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: pools: %w", err)
	}
	return collectPools(rows)
}

const entryColumns = `id, user_id, pool_id, package_id, type, field, amount::text,
	before_value::text, after_value::text, reason, request_id, order_id, authorization_id, created_at`

// Entries returns ledger entries matching the filter, oldest first.
func (s *Store) Entries(ctx context.Context, f quotaledger.EntryFilter) ([]quotaledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.RequestID != "" {
		add("request_id = $%d", f.RequestID)
	}
	if f.AuthorizationID != "" {
		add("authorization_id = $%d", f.AuthorizationID)
	}
	if f.OrderID != "" {
		add("order_id = $%d", f.OrderID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}

	q := fmt.Sprintf(`SELECT %s FROM %s`, entryColumns, s.entriesTable())
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: entries: %w", err)
	}
	defer rows.Close()

	var out []quotaledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("quotaledger/postgres: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: entries: %w", err)
	}
	return out, nil
}

const authColumns = `id, user_id, model_id, device_fingerprint, frozen_quota::text,
	contributions::text, call_token, status, expires_at, created_at, finalized_at,
	request_id, actor_id, settlement::text`

// Authorization returns the authorization holding callToken.
func (s *Store) Authorization(ctx context.Context, callToken string) (quotaledger.Authorization, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE call_token = $1`, authColumns, s.authsTable()),
		callToken,
	)
	return scanAuthorization(row)
}

// ExpiredAuthorizations returns active authorizations past their deadline
// that sort after the cursor, soonest deadline first. Tokens compare
// bytewise so the order matches ExpiryCursor.Before.
func (s *Store) ExpiredAuthorizations(ctx context.Context, now time.Time, after quotaledger.ExpiryCursor, limit int) ([]quotaledger.ExpiryCursor, error) {
	query := `SELECT expires_at, call_token FROM %s WHERE status = 'active' AND expires_at < $1`
	args := []any{now}
	if !after.IsZero() {
		query += ` AND (expires_at, call_token COLLATE "C") > ($2, $3) ORDER BY expires_at, call_token COLLATE "C" LIMIT $4`
		args = append(args, after.ExpiresAt, after.CallToken, limit)
	} else {
		query += ` ORDER BY expires_at, call_token COLLATE "C" LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(query, s.authsTable()), args...)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: expired authorizations: %w", err)
	}
	expired, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (quotaledger.ExpiryCursor, error) {
		var c quotaledger.ExpiryCursor
		err := row.Scan(&c.ExpiresAt, &c.CallToken)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: expired authorizations: %w", err)
	}
	return expired, nil
}

type pgTx struct {
	tx pgx.Tx
	s  *Store
}

func (t *pgTx) LockUserPools(ctx context.Context, userID string) ([]quotaledger.Pool, error) {
	rows, err := t.tx.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY id FOR UPDATE`, poolColumns, t.s.poolsTable()),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: lock pools: %w", err)
	}
	return collectPools(rows)
}

func (t *pgTx) UpdatePool(ctx context.Context, p quotaledger.Pool) error {
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET available = $1::numeric, frozen = $2::numeric, used = $3::numeric, updated_at = $4
			WHERE id = $5`, t.s.poolsTable()),
		p.Available.String(), p.Frozen.String(), p.Used.String(), p.UpdatedAt, p.ID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return fmt.Errorf("%w: pool %d: %s", quotaledger.ErrInvariantViolation, p.ID, pgErr.ConstraintName)
		}
		return fmt.Errorf("quotaledger/postgres: update pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pool %d", quotaledger.ErrNotFound, p.ID)
	}
	return nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e quotaledger.Entry) (quotaledger.Entry, error) {
	err := t.tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, pool_id, package_id, type, field, amount,
				before_value, after_value, reason, request_id, order_id, authorization_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $13)
			RETURNING id`, t.s.entriesTable()),
		e.UserID, e.PoolID, e.PackageID, string(e.Type), string(e.Field), e.Amount.String(),
		e.Before.String(), e.After.String(), e.Reason, e.RequestID, e.OrderID, e.AuthorizationID, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return quotaledger.Entry{}, fmt.Errorf("quotaledger/postgres: append entry: %w", err)
	}
	return e, nil
}

func (t *pgTx) EntryByOrderID(ctx context.Context, orderID string) (quotaledger.Entry, error) {
	row := t.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE order_id = $1 AND type = 'increase'`, entryColumns, t.s.entriesTable()),
		orderID,
	)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotaledger.Entry{}, fmt.Errorf("%w: entry for order %s", quotaledger.ErrNotFound, orderID)
	}
	if err != nil {
		return quotaledger.Entry{}, fmt.Errorf("quotaledger/postgres: entry by order: %w", err)
	}
	return e, nil
}

func (t *pgTx) InsertAuthorization(ctx context.Context, a quotaledger.Authorization) error {
	contributions, err := json.Marshal(a.Contributions)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: encode contributions: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, model_id, device_fingerprint, frozen_quota,
				contributions, call_token, status, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::jsonb, $7, $8, $9, $10)`, t.s.authsTable()),
		a.ID, a.UserID, a.ModelID, a.DeviceFingerprint, a.FrozenQuota.String(),
		string(contributions), a.CallToken, a.Status.String(), a.ExpiresAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: insert authorization: %w", err)
	}
	return nil
}

func (t *pgTx) LockAuthorization(ctx context.Context, callToken string) (quotaledger.Authorization, error) {
	row := t.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE call_token = $1 FOR UPDATE`, authColumns, t.s.authsTable()),
		callToken,
	)
	return scanAuthorization(row)
}

func (t *pgTx) AuthorizationByRequestID(ctx context.Context, requestID string) (quotaledger.Authorization, error) {
	row := t.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE request_id = $1`, authColumns, t.s.authsTable()),
		requestID,
	)
	return scanAuthorization(row)
}

func (t *pgTx) FinalizeAuthorization(ctx context.Context, a quotaledger.Authorization) error {
	var settlement *string
	if a.Settlement != nil {
		b, err := json.Marshal(a.Settlement)
		if err != nil {
			return fmt.Errorf("quotaledger/postgres: encode settlement: %w", err)
		}
		str := string(b)
		settlement = &str
	}

	// Compare-and-swap on the active status.
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, finalized_at = $2, request_id = $3, actor_id = $4, settlement = $5::jsonb
			WHERE id = $6 AND status = 'active'`, t.s.authsTable()),
		a.Status.String(), a.FinalizedAt, a.RequestID, a.ActorID, settlement, a.ID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", quotaledger.ErrDuplicateRequest, pgErr.ConstraintName)
		}
		return fmt.Errorf("quotaledger/postgres: finalize authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: authorization %s", quotaledger.ErrNotActive, a.ID)
	}
	return nil
}

func collectPools(rows pgx.Rows) ([]quotaledger.Pool, error) {
	defer rows.Close()
	var out []quotaledger.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("quotaledger/postgres: scan pool: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: pools: %w", err)
	}
	return out, nil
}

func scanPool(row pgx.Row) (quotaledger.Pool, error) {
	var (
		p                       quotaledger.Pool
		available, frozen, used string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.PackageID, &p.Priority, &p.ExpiresAt, &p.Models,
		&available, &frozen, &used, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return quotaledger.Pool{}, err
	}
	if p.Available, err = decimal.NewFromString(available); err != nil {
		return quotaledger.Pool{}, err
	}
	if p.Frozen, err = decimal.NewFromString(frozen); err != nil {
		return quotaledger.Pool{}, err
	}
	if p.Used, err = decimal.NewFromString(used); err != nil {
		return quotaledger.Pool{}, err
	}
	return p, nil
}

func scanEntry(row pgx.Row) (quotaledger.Entry, error) {
	var (
		e                     quotaledger.Entry
		typ, field            string
		amount, before, after string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.PoolID, &e.PackageID, &typ, &field, &amount,
		&before, &after, &e.Reason, &e.RequestID, &e.OrderID, &e.AuthorizationID, &e.CreatedAt)
	if err != nil {
		return quotaledger.Entry{}, err
	}
	e.Type = quotaledger.EntryType(typ)
	e.Field = quotaledger.Field(field)
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return quotaledger.Entry{}, err
	}
	if e.Before, err = decimal.NewFromString(before); err != nil {
		return quotaledger.Entry{}, err
	}
	if e.After, err = decimal.NewFromString(after); err != nil {
		return quotaledger.Entry{}, err
	}
	return e, nil
}

func scanAuthorization(row pgx.Row) (quotaledger.Authorization, error) {
	var (
		a                     quotaledger.Authorization
		frozen, contributions string
		status                string
		settlement            *string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.ModelID, &a.DeviceFingerprint, &frozen,
		&contributions, &a.CallToken, &status, &a.ExpiresAt, &a.CreatedAt, &a.FinalizedAt,
		&a.RequestID, &a.ActorID, &settlement)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotaledger.Authorization{}, fmt.Errorf("%w: authorization", quotaledger.ErrNotFound)
	}
	if err != nil {
		return quotaledger.Authorization{}, fmt.Errorf("quotaledger/postgres: scan authorization: %w", err)
	}

	if a.FrozenQuota, err = decimal.NewFromString(frozen); err != nil {
		return quotaledger.Authorization{}, fmt.Errorf("quotaledger/postgres: frozen quota: %w", err)
	}
	if err := json.Unmarshal([]byte(contributions), &a.Contributions); err != nil {
		return quotaledger.Authorization{}, fmt.Errorf("quotaledger/postgres: decode contributions: %w", err)
	}
	if a.Status, err = quotaledger.ParseAuthStatus(status); err != nil {
		return quotaledger.Authorization{}, err
	}
	if settlement != nil {
		var res quotaledger.SettlementResult
		if err := json.Unmarshal([]byte(*settlement), &res); err != nil {
			return quotaledger.Authorization{}, fmt.Errorf("quotaledger/postgres: decode settlement: %w", err)
		}
		a.Settlement = &res
	}
	return a, nil
}
