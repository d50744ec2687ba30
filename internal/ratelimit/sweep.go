package ratelimit

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Sweeper periodically evicts clients whose whole window has expired from a
// MemoryStore, so one-off callers do not accumulate forever.
type Sweeper struct {
	scheduler *gocron.Scheduler
	store     *MemoryStore
	window    time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewSweeper returns a Sweeper for store. interval defaults to window.
func NewSweeper(store *MemoryStore, window, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = window
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		scheduler: gocron.NewScheduler(time.UTC),
		store:     store,
		window:    window,
		interval:  interval,
		now:       time.Now,
		logger:    logger,
	}
}

// Start schedules the sweep job and starts the scheduler in the background.
func (s *Sweeper) Start() error {
	if _, err := s.scheduler.Every(s.interval).Do(s.Sweep); err != nil {
		return err
	}
	s.scheduler.StartAsync()
	return nil
}

// Sweep runs one eviction pass.
func (s *Sweeper) Sweep() {
	removed := s.store.Sweep(s.now().Add(-s.window))
	if removed > 0 {
		s.logger.Debug("rate limit windows swept", zap.Int("removed", removed), zap.Int("remaining", s.store.Len()))
	}
}

// Stop stops the scheduler.
func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}
