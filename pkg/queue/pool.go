package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoolHealth is the aggregate health view exposed by the API.
type PoolHealth struct {
	IsHealthy     bool           `json:"isHealthy"`
	DBReachable   bool           `json:"dbReachable"`
	DBError       string         `json:"dbError,omitempty"`
	PodID         string         `json:"podId"`
	ActiveWorkers int            `json:"activeWorkers"`
	TotalWorkers  int            `json:"totalWorkers"`
	QueueDepth    int            `json:"queueDepth"`
	WorkerStats   []WorkerHealth `json:"workerStats"`
	LastReap      time.Time      `json:"lastReap,omitempty"`
	Reclaimed     int            `json:"reclaimed"`
	Expired       int            `json:"expired"`
}

// Pool manages a pool of queue workers plus the background reaper and
// retention sweep.
type Pool struct {
	podID     string
	store     *Store
	config    Config
	processor EventProcessor
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Event cancel registry: event_id -> cancel function
	activeEvents map[string]context.CancelFunc
	mu           sync.RWMutex
	started      bool

	// Reaper stats
	reapMu    sync.Mutex
	lastReap  time.Time
	reclaimed int
	expired   int
}

// NewPool creates a worker pool.
func NewPool(podID string, store *Store, cfg Config, processor EventProcessor) *Pool {
	return &Pool{
		podID:        podID,
		store:        store,
		config:       cfg,
		processor:    processor,
		workers:      make([]*Worker, 0, cfg.WorkerCount),
		stopCh:       make(chan struct{}),
		activeEvents: make(map[string]context.CancelFunc),
	}
}

// Start releases this pod's stale claims from a previous run, then spawns
// the workers, the reaper, and the retention sweep. Safe to call multiple
// times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	released, err := p.store.ReleaseWorkerClaims(ctx, p.podID)
	if err != nil {
		return fmt.Errorf("releasing stale claims: %w", err)
	}
	if released > 0 {
		slog.Info("Released stale event claims from previous run",
			"pod_id", p.podID, "count", released)
	}

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.store, p.config, p.processor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReaper(ctx)
	}()

	if p.config.RetentionPeriod > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runRetentionSweep(ctx)
		}()
	}

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current events before exiting (graceful shutdown).
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeEventIDs()
	if len(active) > 0 {
		slog.Info("Waiting for in-flight events to complete",
			"count", len(active), "event_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterEvent stores a cancel function for manual cancellation.
func (p *Pool) RegisterEvent(eventID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeEvents[eventID] = cancel
}

// UnregisterEvent removes the cancel function when processing ends.
func (p *Pool) UnregisterEvent(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeEvents, eventID)
}

// CancelEvent triggers context cancellation for an in-flight event on this
// pod. Returns true if the event was found and cancelled here.
func (p *Pool) CancelEvent(eventID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeEvents[eventID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	depth, errQ := p.store.Depth(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil
	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	}

	p.reapMu.Lock()
	lastReap := p.lastReap
	reclaimed := p.reclaimed
	expired := p.expired
	p.reapMu.Unlock()

	return &PoolHealth{
		IsHealthy:     len(p.workers) > 0 && dbHealthy,
		DBReachable:   dbHealthy,
		DBError:       dbError,
		PodID:         p.podID,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		QueueDepth:    depth,
		WorkerStats:   workerStats,
		LastReap:      lastReap,
		Reclaimed:     reclaimed,
		Expired:       expired,
	}
}

// runReaper periodically expires TTL-passed pending events and returns
// lease-expired processing events to pending.
func (p *Pool) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := p.store.Reap(ctx)
			if err != nil {
				slog.Error("Reaper sweep failed", "pod_id", p.podID, "error", err)
				continue
			}
			if result.Expired > 0 || result.Reclaimed > 0 {
				slog.Info("Reaper sweep",
					"expired", result.Expired, "reclaimed", result.Reclaimed)
			}
			p.reapMu.Lock()
			p.lastReap = time.Now()
			p.reclaimed += result.Reclaimed
			p.expired += result.Expired
			p.reapMu.Unlock()
		}
	}
}

// runRetentionSweep periodically deletes terminal events past the
// retention period.
func (p *Pool) runRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(p.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.config.RetentionPeriod)
			deleted, err := p.store.DeleteTerminalBefore(ctx, cutoff)
			if err != nil {
				slog.Error("Retention sweep failed", "pod_id", p.podID, "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("Retention sweep deleted terminal events", "count", deleted)
			}
		}
	}
}

func (p *Pool) activeEventIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeEvents))
	for id := range p.activeEvents {
		ids = append(ids, id)
	}
	return ids
}
