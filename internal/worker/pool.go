// Package worker implements the autoscaling worker pool that consumes task
// references from the job queue and drives them through the executor
// registry. Preemption is cooperative: the pool cancels the in-flight
// execution context and the task resumes later from its last checkpoint.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flightdeck-ai/flightdeck/internal/checkpoint"
	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/events"
	"github.com/flightdeck-ai/flightdeck/internal/queue"
	"github.com/flightdeck-ai/flightdeck/internal/registry"
	"github.com/flightdeck-ai/flightdeck/internal/scheduler"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Config holds worker pool tuning knobs.
type Config struct {
	// Stream is the queue stream consumed. Default scheduler.DefaultStream.
	Stream string

	// ConsumerGroup identifies the pool's consumer group. Default "workers".
	ConsumerGroup string

	// MinWorkers and MaxWorkers bound autoscaling. Defaults 2 and 8.
	MinWorkers int
	MaxWorkers int

	// BatchSize is the maximum messages one consume call claims. Default 4.
	BatchSize int

	// ScaleInterval is how often the autoscaler samples queue depth.
	// Default 5s.
	ScaleInterval time.Duration

	// ScaleUpDepth adds a worker when claimable depth stays at or above
	// this for one sample. Default 10.
	ScaleUpDepth int

	// ScaleDownIdleSamples removes a worker after this many consecutive
	// empty samples. Default 3.
	ScaleDownIdleSamples int

	// ThrottledRate is the per-run execution rate applied while a run is
	// budget-throttled. Default one task per 10s.
	ThrottledRate rate.Limit
}

// DefaultConfig returns production defaults for the pool.
func DefaultConfig() Config {
	return Config{
		Stream:               scheduler.DefaultStream,
		ConsumerGroup:        "workers",
		MinWorkers:           2,
		MaxWorkers:           8,
		BatchSize:            4,
		ScaleInterval:        5 * time.Second,
		ScaleUpDepth:         10,
		ScaleDownIdleSamples: 3,
		ThrottledRate:        rate.Every(10 * time.Second),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = d.ConsumerGroup
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = d.MinWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = d.ScaleInterval
	}
	if c.ScaleUpDepth <= 0 {
		c.ScaleUpDepth = d.ScaleUpDepth
	}
	if c.ScaleDownIdleSamples <= 0 {
		c.ScaleDownIdleSamples = d.ScaleDownIdleSamples
	}
	if c.ThrottledRate <= 0 {
		c.ThrottledRate = d.ThrottledRate
	}
	return c
}

// Stats reports the pool's current state.
type Stats struct {
	WorkerCount int  `json:"worker_count"`
	IsRunning   bool `json:"is_running"`
}

// Pool is an autoscaling set of queue consumers.
type Pool struct {
	cfg         Config
	jobs        queue.JobQueue
	tasks       *database.TaskDAO
	runs        *database.RunDAO
	registry    registry.ExecutorRegistry
	checkpoints checkpoint.Manager
	bus         events.EventBus
	logger      *slog.Logger

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	group        *errgroup.Group
	workers      map[int]context.CancelFunc
	nextWorkerID int

	// In-flight execution cancel funcs, keyed by task ID, so preemption
	// events can reach running work.
	inflightMu sync.Mutex
	inflight   map[types.ID]context.CancelFunc

	// Per-run throttle limiters installed on budget.throttle and removed
	// on budget.resume.
	limiterMu sync.Mutex
	limiters  map[types.ID]*rate.Limiter
}

// NewPool creates a worker pool.
func NewPool(cfg Config, db *database.DB, jobs queue.JobQueue, reg registry.ExecutorRegistry, checkpoints checkpoint.Manager, bus events.EventBus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:         cfg.withDefaults(),
		jobs:        jobs,
		tasks:       database.NewTaskDAO(db),
		runs:        database.NewRunDAO(db),
		registry:    reg,
		checkpoints: checkpoints,
		bus:         bus,
		logger:      logger.With("component", "worker_pool"),
		workers:     make(map[int]context.CancelFunc),
		inflight:    make(map[types.ID]context.CancelFunc),
		limiters:    make(map[types.ID]*rate.Limiter),
	}
}

// Start launches the minimum worker count, the autoscaler, and the
// governance event listener. Start is not re-entrant.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already running")
	}

	poolCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(poolCtx)
	p.cancel = cancel
	p.group = group
	p.running = true

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.addWorkerLocked(groupCtx)
	}

	group.Go(func() error {
		p.autoscale(groupCtx)
		return nil
	})
	group.Go(func() error {
		p.listenGovernance(groupCtx)
		return nil
	})

	p.logger.Info("worker pool started",
		"min_workers", p.cfg.MinWorkers, "max_workers", p.cfg.MaxWorkers,
		"stream", p.cfg.Stream, "consumer_group", p.cfg.ConsumerGroup)
	return nil
}

// Stop cancels all workers and waits for in-flight deliveries to settle.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	group := p.group
	p.mu.Unlock()

	cancel()
	err := group.Wait()

	p.mu.Lock()
	p.workers = make(map[int]context.CancelFunc)
	p.mu.Unlock()

	p.logger.Info("worker pool stopped")
	return err
}

// GetStats reports the current worker count and running state.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{WorkerCount: len(p.workers), IsRunning: p.running}
}

// addWorkerLocked spawns one worker. Caller holds p.mu.
func (p *Pool) addWorkerLocked(ctx context.Context) {
	p.nextWorkerID++
	id := p.nextWorkerID
	workerCtx, workerCancel := context.WithCancel(ctx)
	p.workers[id] = workerCancel

	consumer := fmt.Sprintf("worker-%d", id)
	p.group.Go(func() error {
		defer func() {
			p.mu.Lock()
			delete(p.workers, id)
			p.mu.Unlock()
		}()
		p.consumeLoop(workerCtx, consumer)
		return nil
	})
	p.logger.Debug("worker added", "consumer", consumer)
}

// removeWorkerLocked cancels one worker. Caller holds p.mu.
func (p *Pool) removeWorkerLocked() {
	for id, workerCancel := range p.workers {
		workerCancel()
		p.logger.Debug("worker removed", "worker_id", id)
		return
	}
}

func (p *Pool) consumeLoop(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := p.jobs.Consume(ctx, p.cfg.Stream, p.cfg.ConsumerGroup, consumer, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("consume failed", "consumer", consumer, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, delivery := range deliveries {
			p.processDelivery(ctx, consumer, delivery)
		}
	}
}

func (p *Pool) autoscale(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()

	idleSamples := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		depth, err := p.jobs.Depth(ctx, p.cfg.Stream, p.cfg.ConsumerGroup)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("depth probe failed", "error", err)
			continue
		}

		p.mu.Lock()
		count := len(p.workers)
		switch {
		case depth >= p.cfg.ScaleUpDepth && count < p.cfg.MaxWorkers:
			idleSamples = 0
			p.addWorkerLocked(ctx)
			p.logger.Info("scaled up", "depth", depth, "workers", count+1)
		case depth == 0 && count > p.cfg.MinWorkers:
			idleSamples++
			if idleSamples >= p.cfg.ScaleDownIdleSamples {
				idleSamples = 0
				p.removeWorkerLocked()
				p.logger.Info("scaled down", "workers", count-1)
			}
		default:
			idleSamples = 0
		}
		p.mu.Unlock()
	}
}

// listenGovernance reacts to preemption and budget events: cancelling
// in-flight executions and installing or lifting per-run throttles.
func (p *Pool) listenGovernance(ctx context.Context) {
	if p.bus == nil {
		return
	}
	ch, cleanup := p.bus.Subscribe(ctx, events.Filter{
		Types: []events.EventType{
			events.EventTaskPreempted,
			events.EventBudgetThrottle,
			events.EventBudgetResume,
		},
	}, 0)
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventTaskPreempted:
				p.cancelInflight(ev.TaskID)
			case events.EventBudgetThrottle:
				p.setThrottle(ev.RunID)
			case events.EventBudgetResume:
				p.clearThrottle(ev.RunID)
			}
		}
	}
}

func (p *Pool) cancelInflight(taskID types.ID) {
	p.inflightMu.Lock()
	cancel, ok := p.inflight[taskID]
	p.inflightMu.Unlock()
	if ok {
		cancel()
		p.logger.Info("cancelled in-flight execution for preempted task", "task_id", taskID)
	}
}

func (p *Pool) setThrottle(runID types.ID) {
	p.limiterMu.Lock()
	if _, ok := p.limiters[runID]; !ok {
		p.limiters[runID] = rate.NewLimiter(p.cfg.ThrottledRate, 1)
		p.logger.Info("run throttled", "run_id", runID)
	}
	p.limiterMu.Unlock()
}

func (p *Pool) clearThrottle(runID types.ID) {
	p.limiterMu.Lock()
	if _, ok := p.limiters[runID]; ok {
		delete(p.limiters, runID)
		p.logger.Info("run throttle lifted", "run_id", runID)
	}
	p.limiterMu.Unlock()
}

func (p *Pool) limiterFor(runID types.ID) *rate.Limiter {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()
	return p.limiters[runID]
}
