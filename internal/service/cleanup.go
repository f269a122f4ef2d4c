package service

import (
	"context"
	"sync"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/model"

	"go.uber.org/zap"
)

// CleanupConfig holds configuration for the cleanup scheduler.
type CleanupConfig struct {
	// Retention is how long cached daily rows are kept.
	// Default: 90 days
	Retention time.Duration

	// CleanupInterval is how often the cleanup runs.
	// Default: 6 hours
	CleanupInterval time.Duration

	// InitialDelay postpones the first run after Start.
	// Default: 1 minute
	InitialDelay time.Duration
}

// CleanupScheduler periodically prunes old daily rows from the local cache.
type CleanupScheduler struct {
	cache     cache.LocalCache
	config    CleanupConfig
	logger    *zap.Logger
	now       func() time.Time
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// NewCleanupScheduler creates a new cleanup scheduler.
func NewCleanupScheduler(c cache.LocalCache, config CleanupConfig, logger *zap.Logger) *CleanupScheduler {
	if config.Retention == 0 {
		config.Retention = 90 * 24 * time.Hour
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 6 * time.Hour
	}
	if config.InitialDelay == 0 {
		config.InitialDelay = time.Minute
	}

	return &CleanupScheduler{
		cache:  c,
		config: config,
		logger: logger.Named("cleanup"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins the cleanup scheduler.
func (s *CleanupScheduler) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ticker = time.NewTicker(s.config.CleanupInterval)
	s.mu.Unlock()

	s.logger.Info("started",
		zap.Duration("interval", s.config.CleanupInterval),
		zap.Duration("retention", s.config.Retention))

	s.wg.Add(1)
	go s.run()
}

// run is the main cleanup loop.
func (s *CleanupScheduler) run() {
	defer s.wg.Done()

	initial := time.NewTimer(s.config.InitialDelay)
	defer initial.Stop()

	for {
		select {
		case <-initial.C:
			s.runCleanup()
		case <-s.ticker.C:
			s.runCleanup()
		case <-s.stopCh:
			s.logger.Info("stopped")
			return
		}
	}
}

// cutoff is the oldest date that is kept.
func (s *CleanupScheduler) cutoff() string {
	return s.now().UTC().Add(-s.config.Retention).Format(model.DateLayout)
}

func (s *CleanupScheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := s.cutoff()
	deleted, err := s.cache.DeleteDailyBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("cleanup failed", zap.Error(err))
		return
	}

	if deleted > 0 {
		s.logger.Info("pruned daily rows", zap.Int64("deleted", deleted), zap.String("before", cutoff))
	} else {
		s.logger.Debug("no daily rows to prune", zap.String("before", cutoff))
	}
}

// Stop stops the cleanup scheduler and waits for the loop to exit.
func (s *CleanupScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.isRunning = false
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// RunNow triggers an immediate cleanup run.
func (s *CleanupScheduler) RunNow(ctx context.Context) (int64, error) {
	return s.cache.DeleteDailyBefore(ctx, s.cutoff())
}
