// Package idempotency runs a message handler at most once per key, keeping
// the claim and the result in a Postgres inbox table. Keys are derived from
// the message identity, so a redelivered message maps to the same row.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the state of an inbox row.
//
//	STARTED -> FINISHED
//	STARTED -> RECOVERABLE -> STARTED
//	STARTED -> FAILED
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage means another handler claimed the key first.
	ErrDuplicateMessage = errors.New("duplicate message: already claimed")
	// ErrMessageInProgress means the key is claimed and its claim is fresh.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the key failed terminally or ran out of
	// attempts.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// InboxConfig bounds how long rows live and how often a key is retried.
type InboxConfig struct {
	// DefaultTTL is how long a row is kept after its claim.
	DefaultTTL time.Duration
	// CleanupInterval is the period of the expiry and recovery sweep.
	CleanupInterval time.Duration
	// RecoveryTimeout is the age after which a STARTED claim is considered
	// abandoned by a crashed worker and may be taken over.
	RecoveryTimeout time.Duration
	// MaxAttempts fails a key for good once it was claimed that often.
	// Zero means no limit.
	MaxAttempts int
}

// DefaultInboxConfig keeps rows a week and takes over claims after 5m.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
		MaxAttempts:     5,
	}
}

// DB is the subset of *pgxpool.Pool the inbox uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProcessFunc handles the payload and returns the result to store.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// FinishFunc runs inside the transaction that marks a key FINISHED, so its
// writes commit or roll back together with the mark.
type FinishFunc func(ctx context.Context, tx pgx.Tx, result json.RawMessage) error

// ProcessResult is the outcome of Process.
type ProcessResult struct {
	// IsNew is false when the stored result of an earlier run is returned.
	IsNew bool
	// WasRecovered is set when the key had been released or abandoned by an
	// earlier attempt.
	WasRecovered bool
	Attempts     int
	Result       json.RawMessage
}

// Inbox deduplicates message handling.
type Inbox struct {
	db     DB
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewInbox creates an inbox. Zero fields of cfg take their defaults.
func NewInbox(db DB, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/phast-fr/cql-proxy/pkg/idempotency"),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Process runs fn at most once per key. A FINISHED key returns its stored
// result without calling fn. finish may be nil.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc, finish FinishFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox "+handlerName,
		trace.WithAttributes(attribute.String("inbox.key", key)))
	defer span.End()

	prior, err := i.lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("inbox lookup: %w", err)
	}

	recovered := false
	if prior != nil {
		span.SetAttributes(attribute.String("inbox.prior_status", string(prior.status)))
		switch prior.status {
		case StatusFinished:
			return &ProcessResult{Attempts: prior.attempts, Result: prior.result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if !i.abandoned(prior.updatedAt) {
				return nil, ErrMessageInProgress
			}
		}
		recovered = true
	}

	attempts, err := i.claim(ctx, key, handlerName, payload)
	if err != nil {
		return nil, err
	}
	if i.config.MaxAttempts > 0 && attempts > i.config.MaxAttempts {
		i.release(ctx, key, StatusFailed, fmt.Errorf("gave up after %d attempts", attempts-1))
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	}

	result, err := fn(ctx, payload)
	if err != nil {
		status := StatusRecoverable
		if IsTerminal(err) {
			status = StatusFailed
		}
		i.release(ctx, key, status, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := i.complete(ctx, key, result, finish); err != nil {
		// The finish writes did not commit, so the key must stay retryable.
		i.release(ctx, key, StatusRecoverable, err)
		span.RecordError(err)
		return nil, fmt.Errorf("inbox complete: %w", err)
	}

	return &ProcessResult{
		IsNew:        true,
		WasRecovered: recovered,
		Attempts:     attempts,
		Result:       result,
	}, nil
}

func (i *Inbox) abandoned(updatedAt time.Time) bool {
	return i.now().Sub(updatedAt) > i.config.RecoveryTimeout
}

const (
	sqlLookup = `
		SELECT status, result, attempts, updated_at
		FROM inbox
		WHERE idempotency_key = $1`

	// sqlClaim inserts a new claim or takes over a released or abandoned
	// one. It returns no row when the key is held or done.
	sqlClaim = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, attempts, expires_at)
		VALUES ($1, $2, 'STARTED', $3, 1, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', attempts = inbox.attempts + 1, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < $5)
		RETURNING attempts`

	sqlRelease = `
		UPDATE inbox
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE idempotency_key = $1`

	sqlComplete = `
		UPDATE inbox
		SET status = 'FINISHED', result = $2, last_error = NULL, updated_at = NOW()
		WHERE idempotency_key = $1`

	sqlExpire = `DELETE FROM inbox WHERE expires_at < NOW()`

	sqlRecoverStale = `
		UPDATE inbox
		SET status = 'RECOVERABLE', last_error = 'claim abandoned', updated_at = NOW()
		WHERE status = 'STARTED' AND updated_at < $1`

	sqlStats = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox`
)

type priorEntry struct {
	status    Status
	result    json.RawMessage
	attempts  int
	updatedAt time.Time
}

// lookup returns nil when the key was never claimed.
func (i *Inbox) lookup(ctx context.Context, key string) (*priorEntry, error) {
	var e priorEntry
	err := i.db.QueryRow(ctx, sqlLookup, key).Scan(&e.status, &e.result, &e.attempts, &e.updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// claim marks key STARTED and returns the attempt number. Losing the race
// for the key to another handler yields ErrDuplicateMessage.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (int, error) {
	now := i.now()
	var attempts int
	err := i.db.QueryRow(ctx, sqlClaim,
		key, handlerName, payload,
		now.Add(i.config.DefaultTTL),
		now.Add(-i.config.RecoveryTimeout),
	).Scan(&attempts)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, ErrDuplicateMessage
	case err != nil:
		return 0, fmt.Errorf("inbox claim: %w", err)
	}
	return attempts, nil
}

// release gives up the claim on key. A failure to write is only logged: the
// claim then turns stale and is recovered by the sweep.
func (i *Inbox) release(ctx context.Context, key string, status Status, cause error) {
	if _, err := i.db.Exec(ctx, sqlRelease, key, status, cause.Error()); err != nil {
		i.logger.Error("inbox release failed",
			zap.String("key", key),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// complete stores the result and runs finish in one transaction.
func (i *Inbox) complete(ctx context.Context, key string, result json.RawMessage, finish FinishFunc) error {
	tx, err := i.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, sqlComplete, key, result); err != nil {
		return err
	}
	if finish != nil {
		if err := finish(ctx, tx, result); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// StartCleanup starts the periodic sweep that deletes expired rows and
// releases abandoned claims.
func (i *Inbox) StartCleanup() {
	go i.sweepLoop()
	i.logger.Info("inbox sweep started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop ends the sweep started by StartCleanup.
func (i *Inbox) Stop() {
	close(i.stop)
	<-i.done
}

func (i *Inbox) sweepLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.stop:
			return
		case <-ticker.C:
			i.sweep(context.Background())
		}
	}
}

func (i *Inbox) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, i.config.CleanupInterval)
	defer cancel()

	if tag, err := i.db.Exec(ctx, sqlExpire); err != nil {
		i.logger.Error("inbox expiry failed", zap.Error(err))
	} else if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("inbox rows expired", zap.Int64("deleted", n))
	}

	if n, err := i.RecoverStaleEntries(ctx); err != nil {
		i.logger.Error("inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		i.logger.Warn("abandoned inbox claims released", zap.Int64("count", n))
	}

	if stats, err := i.Stats(ctx); err == nil {
		i.logger.Debug("inbox stats",
			zap.Int64("started", stats.Started),
			zap.Int64("finished", stats.Finished),
			zap.Int64("recoverable", stats.Recoverable),
			zap.Int64("failed", stats.Failed))
	}
}

// RecoverStaleEntries releases STARTED claims older than the recovery
// timeout and returns how many it released.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.db.Exec(ctx, sqlRecoverStale, i.now().Add(-i.config.RecoveryTimeout))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InboxStats counts rows per status.
type InboxStats struct {
	Started     int64
	Finished    int64
	Recoverable int64
	Failed      int64
}

// Total is the number of rows.
func (s InboxStats) Total() int64 {
	return s.Started + s.Finished + s.Recoverable + s.Failed
}

// Stats counts the inbox rows.
func (i *Inbox) Stats(ctx context.Context) (InboxStats, error) {
	var s InboxStats
	err := i.db.QueryRow(ctx, sqlStats).Scan(&s.Started, &s.Finished, &s.Recoverable, &s.Failed)
	return s, err
}

// GenerateKey derives a deterministic key from the identity of a message,
// such as an execution id.
func GenerateKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as permanent: the key becomes FAILED and is never
// retried. Use it for failures a retry cannot fix.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
