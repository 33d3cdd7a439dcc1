package exchange

import (
	"context"
	"strconv"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"
)

// Sweeper periodically purges aged, superseded entity versions. The newest
// version of each logical entity is never removed, so retention only trims
// history.
type Sweeper struct {
	store    RetentionStore
	tenants  []string
	maxAge   time.Duration
	schedule string
	logger   Logger
	clock    clock.Clock

	cron *cron.Cron
}

type SweeperOption func(*Sweeper)

func WithSweepSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		s.schedule = spec
	}
}

func WithSweepMaxAge(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.maxAge = d
	}
}

func WithSweepLogger(l Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = l
	}
}

func WithSweepClock(c clock.Clock) SweeperOption {
	return func(s *Sweeper) {
		s.clock = c
	}
}

func NewSweeper(store RetentionStore, tenants []string, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		tenants:  tenants,
		maxAge:   90 * 24 * time.Hour,
		schedule: "0 3 * * *",
		logger:   noopLogger{},
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep and returns. Stop must be called on shutdown.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error(ctx, errors.Wrap(err, "retention sweep"))
		}
	})
	if err != nil {
		return errors.Wrap(err, "schedule retention sweep")
	}
	s.cron = c
	c.Start()
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep purges once across all configured tenants.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.maxAge)
	for _, tenant := range s.tenants {
		n, err := s.store.PurgeVersionsBefore(ctx, tenant, cutoff)
		if err != nil {
			return errors.Wrap(err, "purge entity versions")
		}
		s.logger.Debug(ctx, "purged aged entity versions", MKV{
			"tenant_id": tenant,
			"purged":    strconv.Itoa(n),
		})
	}
	return nil
}
