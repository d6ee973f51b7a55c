// Package sqlite provides a SQLite-backed Store for quotaledger.
//
// Transactions begin IMMEDIATE, so writers are serialized by the database
// write lock. It suits single-node deployments; use the postgres store when
// several service instances share a ledger.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/ineyio/quotaledger"
)

// Store is a SQLite-backed quotaledger.Store.
type Store struct {
	db          *sql.DB
	tablePrefix string
}

var _ quotaledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotaledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// Open opens the database at dsn with the pragmas the store relies on.
// dsn is a file path or a "file:" URI; ":memory:" opens a private database.
func Open(dsn string) (*sql.DB, error) {
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if dsn == ":memory:" {
		dsn = "file::memory:"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/sqlite: open: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// New creates a new SQLite-backed Store.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
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
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			package_id TEXT,
			package_key TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER,
			models TEXT NOT NULL DEFAULT '[]',
			available TEXT NOT NULL DEFAULT '0' CHECK (CAST(available AS REAL) >= 0),
			frozen TEXT NOT NULL DEFAULT '0' CHECK (CAST(frozen AS REAL) >= 0),
			used TEXT NOT NULL DEFAULT '0' CHECK (CAST(used AS REAL) >= 0),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (user_id, package_key)
		)`, s.poolsTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			pool_id INTEGER NOT NULL REFERENCES %[2]s (id),
			package_id TEXT,
			type TEXT NOT NULL,
			field TEXT NOT NULL,
			amount TEXT NOT NULL,
			before_value TEXT NOT NULL,
			after_value TEXT NOT NULL,
			reason TEXT NOT NULL,
			request_id TEXT,
			order_id TEXT,
			authorization_id TEXT,
			created_at INTEGER NOT NULL
		)`, s.entriesTable(), s.poolsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_user_idx ON %[1]s (user_id, id)`, s.entriesTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_request_idx ON %[1]s (request_id)`, s.entriesTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_authorization_idx ON %[1]s (authorization_id)`, s.entriesTable()),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_order_idx ON %[1]s (order_id)
			WHERE order_id IS NOT NULL AND type = 'increase'`, s.entriesTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			device_fingerprint TEXT NOT NULL DEFAULT '',
			frozen_quota TEXT NOT NULL,
			contributions TEXT NOT NULL,
			call_token TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			finalized_at INTEGER,
			request_id TEXT UNIQUE,
			actor_id TEXT,
			settlement TEXT
		)`, s.authsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_expiry_idx ON %[1]s (status, expires_at)`, s.authsTable()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("quotaledger/sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn in an IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx quotaledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quotaledger/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx, s: s}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("quotaledger/sqlite: commit: %w", err)
	}
	return nil
}

const poolColumns = `id, user_id, package_id, priority, expires_at, models,
	available, frozen, used, created_at, updated_at`

// UpsertPool creates a pool with zero balances or updates its package attributes.
func (s *Store) UpsertPool(ctx context.Context, p quotaledger.Pool) (quotaledger.Pool, error) {
	if err := p.ValidateKey(); err != nil {
		return quotaledger.Pool{}, err
	}
	models, err := json.Marshal(nonNil(p.Models))
	if err != nil {
		return quotaledger.Pool{}, fmt.Errorf("quotaledger/sqlite: encode models: %w", err)
	}
	now := time.Now().UTC().UnixNano()

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, package_id, package_key, priority, expires_at, models, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, package_key) DO UPDATE
			SET priority = excluded.priority, expires_at = excluded.expires_at,
				models = excluded.models, updated_at = excluded.updated_at
			RETURNING %s`, s.poolsTable(), poolColumns),
		p.UserID, p.PackageID, packageKey(p.PackageID), p.Priority, unixNanoPtr(p.ExpiresAt), string(models), now, now,
	)
	out, err := scanPool(row)
	if err != nil {
		return quotaledger.Pool{}, fmt.Errorf("quotaledger/sqlite: upsert pool: %w", err)
	}
	return out, nil
}

// Pools returns every pool of a user ordered by id.
func (s *Store) Pools(ctx context.Context, userID string) ([]quotaledger.Pool, error) {
	return queryPools(ctx, s.db, s.poolsTable(), userID)
}

const entryColumns = `id, user_id, pool_id, package_id, type, field, amount,
	before_value, after_value, reason, request_id, order_id, authorization_id, created_at`

// Entries returns ledger entries matching the filter, oldest first.
func (s *Store) Entries(ctx context.Context, f quotaledger.EntryFilter) ([]quotaledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.RequestID != "" {
		add("request_id = ?", f.RequestID)
	}
	if f.AuthorizationID != "" {
		add("authorization_id = ?", f.AuthorizationID)
	}
	if f.OrderID != "" {
		add("order_id = ?", f.OrderID)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}

	q := fmt.Sprintf(`SELECT %s FROM %s`, entryColumns, s.entriesTable())
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/sqlite: entries: %w", err)
	}
	defer rows.Close()

	var out []quotaledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("quotaledger/sqlite: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaledger/sqlite: entries: %w", err)
	}
	return out, nil
}

const authColumns = `id, user_id, model_id, device_fingerprint, frozen_quota, contributions,
	call_token, status, expires_at, created_at, finalized_at, request_id, actor_id, settlement`

// Authorization returns the authorization holding callToken.
func (s *Store) Authorization(ctx context.Context, callToken string) (quotaledger.Authorization, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE call_token = ?`, authColumns, s.authsTable()),
		callToken,
	)
	return scanAuthorization(row)
}

// ExpiredAuthorizations returns active authorizations past their deadline
// that sort after the cursor, soonest deadline first.
func (s *Store) ExpiredAuthorizations(ctx context.Context, now time.Time, after quotaledger.ExpiryCursor, limit int) ([]quotaledger.ExpiryCursor, error) {
	query := `SELECT expires_at, call_token FROM %s WHERE status = 'active' AND expires_at < ?`
	args := []any{now.UnixNano()}
	if !after.IsZero() {
		query += ` AND (expires_at > ? OR (expires_at = ? AND call_token > ?))`
		at := after.ExpiresAt.UnixNano()
		args = append(args, at, at, after.CallToken)
	}
	query += ` ORDER BY expires_at, call_token LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(query, s.authsTable()), args...)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/sqlite: expired authorizations: %w", err)
	}
	defer rows.Close()

	var expired []quotaledger.ExpiryCursor
	for rows.Next() {
		var (
			at int64
			c  quotaledger.ExpiryCursor
		)
		if err := rows.Scan(&at, &c.CallToken); err != nil {
			return nil, fmt.Errorf("quotaledger/sqlite: expired authorizations: %w", err)
		}
		c.ExpiresAt = time.Unix(0, at).UTC()
		expired = append(expired, c)
	}
	return expired, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
	s  *Store
}

// LockUserPools needs no row locks: the IMMEDIATE transaction already holds
// the database write lock.
func (t *sqliteTx) LockUserPools(ctx context.Context, userID string) ([]quotaledger.Pool, error) {
	return queryPools(ctx, t.tx, t.s.poolsTable(), userID)
}

func (t *sqliteTx) UpdatePool(ctx context.Context, p quotaledger.Pool) error {
	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET available = ?, frozen = ?, used = ?, updated_at = ? WHERE id = ?`, t.s.poolsTable()),
		p.Available.String(), p.Frozen.String(), p.Used.String(), p.UpdatedAt.UnixNano(), p.ID,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck {
			return fmt.Errorf("%w: pool %d: %v", quotaledger.ErrInvariantViolation, p.ID, err)
		}
		return fmt.Errorf("quotaledger/sqlite: update pool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pool %d", quotaledger.ErrNotFound, p.ID)
	}
	return nil
}

func (t *sqliteTx) AppendEntry(ctx context.Context, e quotaledger.Entry) (quotaledger.Entry, error) {
	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, pool_id, package_id, type, field, amount,
				before_value, after_value, reason, request_id, order_id, authorization_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.s.entriesTable()),
		e.UserID, e.PoolID, e.PackageID, string(e.Type), string(e.Field), e.Amount.String(),
		e.Before.String(), e.After.String(), e.Reason, e.RequestID, e.OrderID, e.AuthorizationID, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return quotaledger.Entry{}, fmt.Errorf("quotaledger/sqlite: append entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return quotaledger.Entry{}, fmt.Errorf("quotaledger/sqlite: append entry: %w", err)
	}
	return e, nil
}

func (t *sqliteTx) EntryByOrderID(ctx context.Context, orderID string) (quotaledger.Entry, error) {
	row := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE order_id = ? AND type = 'increase'`, entryColumns, t.s.entriesTable()),
		orderID,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return quotaledger.Entry{}, fmt.Errorf("%w: entry for order %s", quotaledger.ErrNotFound, orderID)
	}
	if err != nil {
		return quotaledger.Entry{}, fmt.Errorf("quotaledger/sqlite: entry by order: %w", err)
	}
	return e, nil
}

func (t *sqliteTx) InsertAuthorization(ctx context.Context, a quotaledger.Authorization) error {
	contributions, err := json.Marshal(a.Contributions)
	if err != nil {
		return fmt.Errorf("quotaledger/sqlite: encode contributions: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, model_id, device_fingerprint, frozen_quota,
				contributions, call_token, status, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.s.authsTable()),
		a.ID, a.UserID, a.ModelID, a.DeviceFingerprint, a.FrozenQuota.String(),
		string(contributions), a.CallToken, a.Status.String(), a.ExpiresAt.UnixNano(), a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("quotaledger/sqlite: insert authorization: %w", err)
	}
	return nil
}

func (t *sqliteTx) LockAuthorization(ctx context.Context, callToken string) (quotaledger.Authorization, error) {
	row := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE call_token = ?`, authColumns, t.s.authsTable()),
		callToken,
	)
	return scanAuthorization(row)
}

func (t *sqliteTx) AuthorizationByRequestID(ctx context.Context, requestID string) (quotaledger.Authorization, error) {
	row := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE request_id = ?`, authColumns, t.s.authsTable()),
		requestID,
	)
	return scanAuthorization(row)
}

func (t *sqliteTx) FinalizeAuthorization(ctx context.Context, a quotaledger.Authorization) error {
	var settlement sql.NullString
	if a.Settlement != nil {
		b, err := json.Marshal(a.Settlement)
		if err != nil {
			return fmt.Errorf("quotaledger/sqlite: encode settlement: %w", err)
		}
		settlement = sql.NullString{String: string(b), Valid: true}
	}

	// Compare-and-swap on the active status.
	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = ?, finalized_at = ?, request_id = ?, actor_id = ?, settlement = ?
			WHERE id = ? AND status = 'active'`, t.s.authsTable()),
		a.Status.String(), unixNanoPtr(a.FinalizedAt), a.RequestID, a.ActorID, settlement, a.ID,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %v", quotaledger.ErrDuplicateRequest, err)
		}
		return fmt.Errorf("quotaledger/sqlite: finalize authorization: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: authorization %s", quotaledger.ErrNotActive, a.ID)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryPools(ctx context.Context, q queryer, table, userID string) ([]quotaledger.Pool, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ? ORDER BY id`, poolColumns, table),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/sqlite: pools: %w", err)
	}
	defer rows.Close()

	var out []quotaledger.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("quotaledger/sqlite: scan pool: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaledger/sqlite: pools: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPool(row scanner) (quotaledger.Pool, error) {
	var (
		p                       quotaledger.Pool
		packageID               sql.NullString
		expiresAt               sql.NullInt64
		models                  string
		available, frozen, used string
		createdAt, updatedAt    int64
	)
	err := row.Scan(&p.ID, &p.UserID, &packageID, &p.Priority, &expiresAt, &models,
		&available, &frozen, &used, &createdAt, &updatedAt)
	if err != nil {
		return quotaledger.Pool{}, err
	}
	p.PackageID = stringPtr(packageID)
	p.ExpiresAt = timePtr(expiresAt)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(models), &p.Models); err != nil {
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

func scanEntry(row scanner) (quotaledger.Entry, error) {
	var (
		e                             quotaledger.Entry
		packageID, requestID, orderID sql.NullString
		authorizationID               sql.NullString
		typ, field                    string
		amount, before, after         string
		createdAt                     int64
	)
	err := row.Scan(&e.ID, &e.UserID, &e.PoolID, &packageID, &typ, &field, &amount,
		&before, &after, &e.Reason, &requestID, &orderID, &authorizationID, &createdAt)
	if err != nil {
		return quotaledger.Entry{}, err
	}
	e.PackageID = stringPtr(packageID)
	e.RequestID = stringPtr(requestID)
	e.OrderID = stringPtr(orderID)
	e.AuthorizationID = stringPtr(authorizationID)
	e.Type = quotaledger.EntryType(typ)
	e.Field = quotaledger.Field(field)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
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

func scanAuthorization(row scanner) (quotaledger.Authorization, error) {
	var (
		a                     quotaledger.Authorization
		frozen, contributions string
		status                string
		expiresAt, createdAt  int64
		finalizedAt           sql.NullInt64
		requestID, actorID    sql.NullString
		settlement            sql.NullString
	)
	err := row.Scan(&a.ID, &a.UserID, &a.ModelID, &a.DeviceFingerprint, &frozen, &contributions,
		&a.CallToken, &status, &expiresAt, &createdAt, &finalizedAt, &requestID, &actorID, &settlement)
	if errors.Is(err, sql.ErrNoRows) {
		return quotaledger.Authorization{}, fmt.Errorf("%w: authorization", quotaledger.ErrNotFound)
	}
	if err != nil {
		return quotaledger.Authorization{}, fmt.Errorf("quotaledger/sqlite: scan authorization: %w", err)
	}

	a.ExpiresAt = time.Unix(0, expiresAt).UTC()
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.FinalizedAt = timePtr(finalizedAt)
	a.RequestID = stringPtr(requestID)
	a.ActorID = stringPtr(actorID)
	if a.FrozenQuota, err = decimal.NewFromString(frozen); err != nil {
		return quotaledger.Authorization{}, fmt.Errorf("quotaledger/sqlite: frozen quota: %w", err)
	}
	if err := json.Unmarshal([]byte(contributions), &a.Contributions); err != nil {
		return quotaledger.Authorization{}, fmt.Errorf("quotaledger/sqlite: decode contributions: %w", err)
	}
	if a.Status, err = quotaledger.ParseAuthStatus(status); err != nil {
		return quotaledger.Authorization{}, err
	}
	if settlement.Valid {
		var res quotaledger.SettlementResult
		if err := json.Unmarshal([]byte(settlement.String), &res); err != nil {
			return quotaledger.Authorization{}, fmt.Errorf("quotaledger/sqlite: decode settlement: %w", err)
		}
		a.Settlement = &res
	}
	return a, nil
}

func packageKey(packageID *string) string {
	if packageID == nil {
		return ""
	}
	return *packageID
}

func nonNil(models []string) []string {
	if models == nil {
		return []string{}
	}
	return models
}

func unixNanoPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
