package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/store"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	ledgerBaseDelay = 10 * time.Millisecond
	ledgerMaxDelay  = 500 * time.Millisecond
)

// Ledger records completed chunks. The store's conditional append is the
// only synchronization point; conflicts are retried with exponential
// backoff and jitter.
type Ledger struct {
	sessions  store.SessionStore
	clock     clock.Clock
	attempts  int
	opTimeout time.Duration

	metrics *Metrics
	logger  logging.Logger
}

func NewLedger(sessions store.SessionStore, attempts int, opTimeout time.Duration, clk clock.Clock, m *Metrics, l logging.Logger) *Ledger {
	return &Ledger{
		sessions:  sessions,
		clock:     clk,
		attempts:  attempts,
		opTimeout: opTimeout,
		metrics:   m,
		logger:    l,
	}
}

// Record appends chunk to the session. Recording an index twice returns
// ChunkAlreadyPresent, never an error. Running out of attempts returns
// ErrRetryableConflict.
func (l *Ledger) Record(ctx context.Context, sessionID string, chunk models.ChunkDescriptor, accepting []models.SessionState) (models.AppendResult, error) {
	var result models.AppendResult

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
			defer cancel()

			r, err := l.sessions.AppendChunk(opCtx, sessionID, chunk, accepting)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, store.ErrConflict)
		},
		NotifyFunc: func(lastErr error, attempt int) {
			if errors.Is(lastErr, store.ErrConflict) {
				l.metrics.ledgerRetries.Inc()
				l.logger.Debug("chunk append conflict, backing off", "session_id", sessionID, "index", chunk.Index, "attempt", attempt)
			}
		},
		Attempts:    l.attempts,
		Delay:       ledgerBaseDelay,
		MaxDelay:    ledgerMaxDelay,
		BackoffFunc: retry.ExpBackoff(ledgerBaseDelay, ledgerMaxDelay, 2, true),
		Clock:       l.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return result, nil
	case retry.IsAttemptsExceeded(err):
		l.logger.Warn("chunk append gave up after conflicts", "session_id", sessionID, "index", chunk.Index, "attempts", l.attempts)
		return 0, fmt.Errorf("%w: chunk %d of session %s", apperror.ErrRetryableConflict, chunk.Index, sessionID)
	case retry.IsRetryStopped(err):
		return 0, ctx.Err()
	}
	return 0, err
}

// Recorded reports whether index is in the session's ledger.
func (l *Ledger) Recorded(ctx context.Context, sessionID string, index uint32) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()
	return l.sessions.HasChunk(opCtx, sessionID, index)
}

// ambiguous reports whether err leaves open that the write was applied.
func ambiguous(err error) bool {
	switch {
	case errors.Is(err, apperror.ErrInvalidState),
		errors.Is(err, apperror.ErrSessionNotFound),
		errors.Is(err, apperror.ErrRetryableConflict),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
