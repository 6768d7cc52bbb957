package variance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockwatch/internal/masterdata"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// Analyzer runs one store analysis.
type Analyzer interface {
	RunAnalysis(ctx context.Context, storeID int64) ([]Alert, error)
}

// Scheduler periodically scans every active store. Runs never overlap: a tick
// that arrives while the previous scan is still going is dropped.
type Scheduler struct {
	analyzer    Analyzer
	directory   masterdata.Directory
	interval    time.Duration
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(analyzer Analyzer, directory masterdata.Directory, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		analyzer:    analyzer,
		directory:   directory,
		interval:    interval,
		concurrency: 4,
		logger:      logger.With(slog.String("component", "variance.scheduler")),
	}
}

// Start launches the loop. It returns an error when already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("variance: scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for the current scan to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ScanAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.ErrorContext(ctx, "variance scan failed", slog.Any("error", err))
			}
		}
	}
}

// ScanAll analyses every active store with bounded parallelism. A failing
// store does not stop the others; their errors are joined.
func (s *Scheduler) ScanAll(ctx context.Context) error {
	stores, err := s.directory.ActiveStores(ctx)
	if err != nil {
		return err
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(s.concurrency)
	for _, store := range stores {
		g.Go(func() error {
			if err := s.ScanStore(ctx, store.ID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("store %d: %w", store.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ScanStore analyses one store, treating a concurrent holder as success.
func (s *Scheduler) ScanStore(ctx context.Context, storeID int64) error {
	alerts, err := s.analyzer.RunAnalysis(ctx, storeID)
	switch {
	case errors.Is(err, shared.ErrConcurrencyConflict):
		s.logger.DebugContext(ctx, "variance scan skipped", slog.Int64("store_id", storeID))
		return nil
	case err != nil:
		return err
	}
	if len(alerts) > 0 {
		s.logger.InfoContext(ctx, "variance alerts raised", slog.Int64("store_id", storeID), slog.Int("alerts", len(alerts)))
	}
	return nil
}
