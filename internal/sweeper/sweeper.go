// Package sweeper advances pending requests whose deadline has passed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"creditcore.io/internal/approval"
	"creditcore.io/internal/model"
	"creditcore.io/internal/obs"
)

const (
	defaultBatch    = 100
	defaultInterval = time.Minute
)

// Engine is the part of the approval engine the sweeps drive.
type Engine interface {
	Now() time.Time
	DuePending(ctx context.Context, now time.Time, after *model.DueCursor, limit int) ([]model.Request, error)
	EscalateDue(ctx context.Context, id string, now time.Time) (bool, error)
	ExpireDue(ctx context.Context, id string, now time.Time) (bool, error)
}

var _ Engine = (*approval.Engine)(nil)

// ErrLockHeld is returned by a Locker when another replica owns the tick.
var ErrLockHeld = errors.New("sweep lock held elsewhere")

// Locker elects the replica that sweeps a tick.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// Sweeper runs the escalation and expiration sweeps.
type Sweeper struct {
	engine   Engine
	log      zerolog.Logger
	batch    int
	interval time.Duration
	locker   Locker
}

type Option func(*Sweeper)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sweeper) { s.log = l.With().Str("component", "sweeper").Logger() }
}

func WithBatch(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLocker makes every tick run under a cluster-wide lock.
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

func New(engine Engine, opts ...Option) *Sweeper {
	s := &Sweeper{engine: engine, log: zerolog.Nop(), batch: defaultBatch, interval: defaultInterval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunEscalationSweep escalates every due request that is still eligible, in
// ascending deadline order, and returns how many it escalated.
func (s *Sweeper) RunEscalationSweep(ctx context.Context) (int, error) {
	return s.sweep(ctx, "escalation", s.engine.EscalateDue)
}

// RunExpirationSweep expires every due request that can no longer escalate
// and returns how many it expired.
func (s *Sweeper) RunExpirationSweep(ctx context.Context) (int, error) {
	return s.sweep(ctx, "expiration", s.engine.ExpireDue)
}

func (s *Sweeper) sweep(ctx context.Context, name string, step func(context.Context, string, time.Time) (bool, error)) (int, error) {
	start := time.Now()
	now := s.engine.Now()
	var (
		cursor *model.DueCursor
		count  int
		errs   []error
	)
	for {
		page, err := s.engine.DuePending(ctx, now, cursor, s.batch)
		if err != nil {
			return count, fmt.Errorf("%s sweep: list due requests: %w", name, err)
		}
		for _, r := range page {
			if err := ctx.Err(); err != nil {
				return count, err
			}
			changed, err := step(ctx, r.ID, now)
			if err != nil {
				s.log.Error().Err(err).Str("request_id", r.ID).Str("sweep", name).Msg("sweep step failed")
				errs = append(errs, fmt.Errorf("request %s: %w", r.ID, err))
				continue
			}
			if changed {
				count++
			}
		}
		if len(page) < s.batch {
			break
		}
		last := page[len(page)-1]
		cursor = &model.DueCursor{ExpiresAt: *last.ExpiresAt, ID: last.ID}
	}
	obs.ObserveSweep(name, count, time.Since(start))
	if count > 0 {
		s.log.Info().Str("sweep", name).Int("transitioned", count).Msg("sweep finished")
	}
	return count, errors.Join(errs...)
}

// Tick runs one escalation sweep followed by one expiration sweep. With a
// locker, a replica that does not win the lock skips the tick.
func (s *Sweeper) Tick(ctx context.Context) (escalated, expired int, err error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx)
		if errors.Is(err, ErrLockHeld) {
			s.log.Debug().Err(err).Msg("skipping tick")
			return 0, 0, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("sweeper lock: %w", err)
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				s.log.Warn().Err(rerr).Msg("release sweep lock")
			}
		}()
	}
	escalated, escErr := s.RunEscalationSweep(ctx)
	expired, expErr := s.RunExpirationSweep(ctx)
	return escalated, expired, errors.Join(escErr, expErr)
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.log.Info().Dur("interval", s.interval).Int("batch", s.batch).Msg("sweeper started")
	for {
		if _, _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("sweep tick failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return nil
		case <-t.C:
		}
	}
}
