// Package cleanup enforces retention on the persisted stream-event
// catchup window.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/pkg/events"
)

// Config tunes the retention sweep.
type Config struct {
	// StreamRetention is how long persisted stream events stay available
	// for SSE catchup. Clients further behind do a full REST reload.
	StreamRetention time.Duration
	// Interval between sweeps.
	Interval time.Duration
}

// DefaultConfig returns production retention settings.
func DefaultConfig() Config {
	return Config{
		StreamRetention: 24 * time.Hour,
		Interval:        time.Hour,
	}
}

// Service periodically trims stream events past their retention window.
// The sweep is idempotent and safe to run from multiple pods; the queue
// events table has its own retention inside the worker pool.
type Service struct {
	cfg       Config
	publisher *events.Publisher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service over the stream publisher.
func NewService(cfg Config, publisher *events.Publisher) *Service {
	if cfg.StreamRetention <= 0 {
		cfg.StreamRetention = DefaultConfig().StreamRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Service{cfg: cfg, publisher: publisher}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"stream_retention", s.cfg.StreamRetention,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

// Sweep deletes stream events older than the retention window and
// returns how many were removed.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.StreamRetention)
	return s.publisher.DeleteStreamEventsBefore(ctx, cutoff)
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Service) sweepAndLog(ctx context.Context) {
	count, err := s.Sweep(ctx)
	if err != nil {
		slog.Error("Retention: stream event sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: trimmed stream events", "count", count)
	}
}
