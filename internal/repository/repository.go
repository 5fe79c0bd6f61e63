// Package repository owns every SQL statement the dispatcher issues against
// the outbox_event table. Each public operation runs as one explicit
// transaction that commits on success and rolls back on failure; the claim
// path (claim.go) is the one exception in shape: its transaction is handed
// to the caller and stays open until outcomes are committed.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/magsoftware/dispatchbox/internal/domain"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultQueryTimeout   = 30 * time.Second
	DefaultRetryBackoff   = 30 * time.Second
	DefaultMaxAttempts    = 5

	pingTimeout       = 2 * time.Second
	reconnectAttempts = 5
	reconnectBase     = 500 * time.Millisecond
	reconnectCap      = 10 * time.Second
)

// Config describes one repository instance. Worker mode uses the defaults;
// observability callers pass tight timeouts and close the instance per
// request.
type Config struct {
	DSN            string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	RetryBackoff   time.Duration
	MaxAttempts    int
}

func (c *Config) normalize() error {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.ConnectTimeout < 0 {
		return errors.New("connect timeout must be non-negative")
	}
	if c.QueryTimeout < 0 {
		return errors.New("query timeout must be non-negative")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry backoff must be non-negative")
	}
	if c.MaxAttempts != 0 && c.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}

// Repository is the data-access boundary for outbox events. One instance owns
// one database handle capped at a single connection, so the claim transaction
// and every other operation travel over the same session.
type Repository struct {
	db           *sql.DB
	queryTimeout time.Duration
	retryBackoff time.Duration
	maxAttempts  int
	log          *slog.Logger
}

// Open validates cfg, dials the database, and verifies the connection with a
// ping bounded by the connect timeout. The handle is capped at one open
// connection: the worker's main loop is the only user and the claim
// transaction must pin the same session for its whole lifetime.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Repository, error) {
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("repository config: %w", err)
	}

	db, err := sql.Open("pgx", dsnWithConnectTimeout(cfg.DSN, cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return New(db, cfg, logger), nil
}

// New wraps an existing handle. Used by Open and by tests.
func New(db *sql.DB, cfg Config, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Repository{
		db:           db,
		queryTimeout: cfg.QueryTimeout,
		retryBackoff: cfg.RetryBackoff,
		maxAttempts:  cfg.MaxAttempts,
		log:          logger,
	}
}

// DB exposes the underlying handle for producer-side transactions (InsertTx).
func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Close() error { return r.db.Close() }

// dsnWithConnectTimeout appends connect_timeout (seconds) unless the DSN
// already carries one. Handles both URL and keyword/value DSN forms.
func dsnWithConnectTimeout(dsn string, timeout time.Duration) string {
	if strings.Contains(dsn, "connect_timeout") {
		return dsn
	}
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d", dsn, sep, secs)
	}
	return fmt.Sprintf("%s connect_timeout=%d", dsn, secs)
}

// begin opens a transaction and bounds every statement in it. SET takes no
// bind parameters over the extended protocol, so the millisecond value is
// formatted in; it is an integer from validated config.
func (r *Repository) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", r.queryTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("set statement timeout: %w", err)
	}
	return tx, nil
}

const checkConnectionSQL = `SELECT 1`

// IsConnected issues a trivial round trip bounded by a short deadline.
func (r *Repository) IsConnected(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	var one int
	return r.db.QueryRowContext(pctx, checkConnectionSQL).Scan(&one) == nil
}

// EnsureConnected pings the database and, on failure, retries with bounded
// exponential backoff. database/sql re-dials dead connections underneath, so
// a successful ping means the next transaction gets a live session; the
// statement timeout needs no re-apply because begin() issues it per
// transaction.
func (r *Repository) EnsureConnected(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		if attempt > 0 {
			r.log.Warn("database connection lost, attempting to reconnect",
				"attempt", attempt, "err", lastErr)
			if err := sleepContext(ctx, reconnectDelay(attempt)); err != nil {
				return err
			}
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := r.db.PingContext(pctx)
		cancel()
		if err == nil {
			if attempt > 0 {
				r.log.Info("database connection restored")
			}
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("database unreachable after %d attempts: %w", reconnectAttempts, lastErr)
}

// reconnectDelay doubles from reconnectBase up to reconnectCap.
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	d := reconnectBase * time.Duration(1<<shift)
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const countByStatusSQL = `
	SELECT status, COUNT(*)
	FROM outbox_event
	GROUP BY status`

// CountByStatus returns row counts per lifecycle state, with zeroes for
// states that have no rows. Feeds the queue-depth metrics collector.
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{
		domain.StatusPending.String(): 0,
		domain.StatusRetry.String():   0,
		domain.StatusDone.String():    0,
		domain.StatusDead.String():    0,
	}

	tx, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, countByStatusSQL)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return counts, nil
}

// NewEvent is the producer-side insert payload. Status, attempts, and
// next_run_at take their column defaults (pending, 0, now()).
type NewEvent struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
}

func (e NewEvent) validate() error {
	if strings.TrimSpace(e.AggregateType) == "" {
		return errors.New("aggregate type is required")
	}
	if strings.TrimSpace(e.AggregateID) == "" {
		return errors.New("aggregate id is required")
	}
	if strings.TrimSpace(e.EventType) == "" {
		return errors.New("event type is required")
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

const insertEventSQL = `
	INSERT INTO outbox_event (aggregate_type, aggregate_id, event_type, payload)
	VALUES ($1, $2, $3, $4)
	RETURNING id`

// Insert writes one outbox row in its own transaction. Producers bundling
// the event with a business mutation use InsertTx instead.
func (r *Repository) Insert(ctx context.Context, ev NewEvent) (int64, error) {
	if err := ev.validate(); err != nil {
		return 0, err
	}
	tx, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, insertEventSQL,
		ev.AggregateType, ev.AggregateID, ev.EventType, []byte(ev.Payload),
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// InsertTx writes one outbox row inside the caller's transaction. This is the
// transactional-outbox write path: the business mutation and the event commit
// or roll back together.
func (r *Repository) InsertTx(ctx context.Context, tx *sql.Tx, ev NewEvent) (int64, error) {
	if err := ev.validate(); err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, insertEventSQL,
		ev.AggregateType, ev.AggregateID, ev.EventType, []byte(ev.Payload),
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// scanEvent decodes one outbox_event row. A NULL next_run_at is a schema
// mismatch and fails the whole read; a NULL id is passed through as zero so
// the worker can skip-and-log the row.
func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var (
		id        sql.NullInt64
		ev        domain.Event
		payload   []byte
		status    string
		nextRunAt sql.NullTime
		createdAt sql.NullTime
	)
	if err := rows.Scan(&id, &ev.AggregateType, &ev.AggregateID, &ev.EventType,
		&payload, &status, &ev.Attempts, &nextRunAt, &createdAt); err != nil {
		return domain.Event{}, fmt.Errorf("scan event: %w", err)
	}
	if !nextRunAt.Valid {
		return domain.Event{}, errors.New("next_run_at is required")
	}
	ev.ID = id.Int64
	ev.Payload = json.RawMessage(payload)
	ev.Status = domain.Status(status)
	ev.NextRunAt = nextRunAt.Time
	if createdAt.Valid {
		t := createdAt.Time
		ev.CreatedAt = &t
	}
	return ev, nil
}
