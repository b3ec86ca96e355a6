// Package pg implements store.Store on PostgreSQL through database/sql and
// the pgx driver.
//
// Write transactions run at READ COMMITTED and serialize on row locks taken
// with SELECT ... FOR UPDATE. Read transactions run as read-only REPEATABLE
// READ snapshots. Every call goes through a circuit breaker so an outage
// surfaces as apperr.StorageUnavailable instead of piling up on the pool.
package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/obs"
	"creditcore.io/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
	pgErrSerialization       = "40001"
	pgErrDeadlock            = "40P01"

	defaultTxAttempts = 3
)

var (
	writeTx = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	readTx  = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
)

type Store struct {
	db       *sql.DB
	breaker  *gobreaker.CircuitBreaker
	log      zerolog.Logger
	attempts int

	failures uint32
	cooldown time.Duration
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l.With().Str("component", "pgstore").Logger() }
}

// WithBreaker trips the circuit after failures consecutive outages and keeps
// it open for cooldown.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(s *Store) {
		if failures > 0 {
			s.failures = failures
		}
		if cooldown > 0 {
			s.cooldown = cooldown
		}
	}
}

// WithTxAttempts bounds how often a transaction that lost a serialization
// or deadlock race is re-run.
func WithTxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.attempts = n
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an already opened pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		log:      zerolog.Nop(),
		attempts: defaultTxAttempts,
		failures: 5,
		cooldown: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 1,
		Timeout:     s.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.failures
		},
		IsSuccessful: func(err error) bool { return err == nil || !outage(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.SetBreakerState(name, int(to))
			s.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("storage breaker state changed")
		},
	})
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.guard(func() error { return s.db.PingContext(ctx) })
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.guard(func() error {
		for attempt := 1; ; attempt++ {
			err := s.runTx(ctx, writeTx, fn)
			if err == nil || !contention(err) || attempt >= s.attempts || ctx.Err() != nil {
				return err
			}
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("retrying transaction")
		}
	})
}

func (s *Store) ReadTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.guard(func() error { return s.runTx(ctx, readTx, fn) })
}

func (s *Store) runTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &tx{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// guard runs fn through the breaker and turns infrastructure failures into
// apperr.StorageUnavailable. Domain errors pass through untouched.
func (s *Store) guard(fn func() error) error {
	_, err := s.breaker.Execute(func() (any, error) { return nil, fn() })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperr.Wrap(err, apperr.KindStorageUnavailable, "postgres circuit open")
	case outage(err), contention(err):
		return apperr.Wrap(err, apperr.KindStorageUnavailable, "postgres unavailable")
	}
	return err
}

// outage reports errors that mean the database cannot be reached.
func outage(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return true
	}
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "53300", // too many connections
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// contention reports transactions that lost a race and may be re-run as is.
func contention(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && (pgErr.Code == pgErrSerialization || pgErr.Code == pgErrDeadlock)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
		case pgErrCheckViolation:
			return apperr.Wrap(err, apperr.KindInvalidInput, "constraint "+pgErr.ConstraintName+" violated")
		}
	}
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct{ q querier }

func (t *tx) Accounts() store.AccountRepo       { return accounts{t.q} }
func (t *tx) Entries() store.EntryRepo          { return entries{t.q} }
func (t *tx) Holds() store.HoldRepo             { return holds{t.q} }
func (t *tx) Requests() store.RequestRepo       { return requests{t.q} }
func (t *tx) Rules() store.RuleRepo             { return rules{t.q} }
func (t *tx) Assignments() store.AssignmentRepo { return assignments{t.q} }
func (t *tx) Events() store.EventRepo           { return events{t.q} }

type scanner interface {
	Scan(dest ...any) error
}

// exists distinguishes a missing row from a failed precondition after a
// conditional update touched nothing.
func exists(ctx context.Context, q querier, table, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `select 1 from `+table+` where id=$1`, id).Scan(&one)
	if err != nil {
		return mapErr(err)
	}
	return store.ErrStale
}

func affected(ctx context.Context, q querier, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return exists(ctx, q, table, id)
	}
	return nil
}

// where accumulates positional predicates.
type where struct {
	clauses []string
	args    []any
}

// add appends cond, which references the next placeholder with %d.
func (w *where) add(cond string, v any) {
	w.args = append(w.args, v)
	w.clauses = append(w.clauses, fmt.Sprintf(cond, len(w.args)))
}

// in appends "col in (...)" over values; no values adds nothing.
func (w *where) in(col string, values []string) {
	if len(values) == 0 {
		return
	}
	ph := make([]string, len(values))
	for i, v := range values {
		w.args = append(w.args, v)
		ph[i] = fmt.Sprintf("$%d", len(w.args))
	}
	w.clauses = append(w.clauses, col+" in ("+strings.Join(ph, ", ")+")")
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " where " + strings.Join(w.clauses, " and ")
}

// page appends limit and offset placeholders when set.
func (w *where) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		w.args = append(w.args, limit)
		fmt.Fprintf(&b, " limit $%d", len(w.args))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		fmt.Fprintf(&b, " offset $%d", len(w.args))
	}
	return b.String()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
