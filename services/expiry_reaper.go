package services

import (
	"context"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/store"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

// ReaperConfig holds the dependencies of an ExpiryReaper.
type ReaperConfig struct {
	Sessions  store.SessionStore
	Chunks    *store.ChunkStore
	Clock     clock.Clock
	Interval  time.Duration
	BatchSize int
	Metrics   *Metrics
	Logger    logging.Logger
}

func (c *ReaperConfig) Validate() error {
	if c.Sessions == nil {
		return errors.NotValidf("missing Sessions")
	}
	if c.Chunks == nil {
		return errors.NotValidf("missing Chunks")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("interval %v", c.Interval)
	}
	if c.Metrics == nil {
		return errors.NotValidf("missing Metrics")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// ExpiryReaper periodically removes sessions past their expiry together
// with any staging area they still hold.
type ExpiryReaper struct {
	tomb tomb.Tomb
	cfg  ReaperConfig
}

var _ worker.Worker = (*ExpiryReaper)(nil)

// NewExpiryReaper validates cfg without starting the loop. Sweep can be
// called directly; StartExpiryReaper runs it every Interval.
func NewExpiryReaper(cfg ReaperConfig) (*ExpiryReaper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &ExpiryReaper{cfg: cfg}, nil
}

// StartExpiryReaper returns a running reaper worker.
func StartExpiryReaper(cfg ReaperConfig) (*ExpiryReaper, error) {
	r, err := NewExpiryReaper(cfg)
	if err != nil {
		return nil, err
	}
	r.tomb.Go(r.loop)
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *ExpiryReaper) Kill() {
	r.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *ExpiryReaper) Wait() error {
	return r.tomb.Wait()
}

func (r *ExpiryReaper) loop() error {
	timer := r.cfg.Clock.NewTimer(r.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-r.tomb.Dying():
			return tomb.ErrDying

		case <-timer.Chan():
			ctx := r.tomb.Context(context.Background())
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.cfg.Logger.Error("expiry sweep failed", "error", err)
			}
			timer.Reset(r.cfg.Interval)
		}
	}
}

// holdsStaging reports whether an expired session may still own staged
// chunks that must be released.
func holdsStaging(s models.TransferSession) bool {
	if s.Direction != models.DirectionUpload || s.StagingPath == "" {
		return false
	}
	switch s.State {
	case models.StateInitiated, models.StateActive, models.StatePaused, models.StateFailed:
		return true
	}
	return false
}

// Sweep removes every session that expired before now. Missing records and
// directories are not errors, so sweeping twice is harmless. It returns the
// number of records removed.
func (r *ExpiryReaper) Sweep(ctx context.Context) (int, error) {
	now := r.cfg.Clock.Now()
	removed := 0

	for {
		expired, err := r.cfg.Sessions.ListExpired(ctx, now, r.cfg.BatchSize)
		if err != nil {
			return removed, errors.Annotate(err, "listing expired sessions")
		}
		if len(expired) == 0 {
			break
		}

		batchRemoved := 0
		for _, s := range expired {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if holdsStaging(s) {
				if err := r.cfg.Chunks.RemoveAll(s.StagingPath); err != nil {
					r.cfg.Logger.Warn("failed to remove expired staging area", "session_id", s.SessionId, "error", err)
					continue
				}
			}
			if err := r.cfg.Sessions.Delete(ctx, s.SessionId); err != nil {
				return removed, errors.Annotatef(err, "deleting session %s", s.SessionId)
			}
			removed++
			batchRemoved++
			r.cfg.Metrics.reaped.WithLabelValues(s.State.String()).Inc()
			r.cfg.Logger.Debug("reaped expired session", "session_id", s.SessionId, "state", s.State, "direction", s.Direction)
		}

		if batchRemoved == 0 || len(expired) < r.cfg.BatchSize {
			break
		}
	}

	if removed > 0 {
		r.cfg.Logger.Info("expiry sweep finished", "removed", removed)
	}
	return removed, nil
}
