package lifecycle

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/schedule"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// Config tunes the controller. Zero values pick the defaults below.
type Config struct {
	Workers           int           // due-alarm workers; default 8, capped at NumCPU
	QueueSize         int           // dispatch queue; default 4096
	TaskTimeout       time.Duration // per due-id budget; default 10s
	ReconcileInterval time.Duration // index/store drift scan; default 10m
	CleanupInterval   time.Duration // expired-row sweep; default 10m
	Retention         time.Duration // terminal one-shot retention; default 24h
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if n := runtime.NumCPU(); c.Workers > n {
		c.Workers = n
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

type job struct {
	now time.Time
	sec int
	p   schedule.Projection
}

type Controller struct {
	cfg   Config
	store storage.Store
	idx   *schedule.Index
	bus   eventbus.Bus
	log   logx.Logger

	// brk trips after repeated terminal publish failures so a dead bus
	// doesn't make every worker burn its full retry budget.
	brk *gobreaker.CircuitBreaker

	queue    chan job
	dropWarn *rate.Limiter

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cronSvc *cron.Cron
	started bool
}

func New(cfg Config, store storage.Store, idx *schedule.Index, bus eventbus.Bus, log logx.Logger) *Controller {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		cfg:      cfg,
		store:    store,
		idx:      idx,
		bus:      bus,
		log:      log,
		queue:    make(chan job, cfg.QueueSize),
		dropWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	c.brk = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bus-publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("publish breaker state change",
				logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return c
}

// Start rebuilds the index from the store, then launches the worker pool
// and the background jobs. Safe to call once.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.Rebuild(runCtx); err != nil {
		return err
	}

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.worker(runCtx)
		}()
	}

	cr := cron.New()
	if _, err := cr.AddFunc("@every "+c.cfg.CleanupInterval.String(), func() { c.cleanup(runCtx) }); err != nil {
		return err
	}
	if _, err := cr.AddFunc("@every "+c.cfg.ReconcileInterval.String(), func() { c.reconcile(runCtx) }); err != nil {
		return err
	}
	cr.Start()

	c.mu.Lock()
	c.cronSvc = cr
	c.mu.Unlock()

	c.log.Info("controller started",
		logx.Int("workers", c.cfg.Workers),
		logx.Int("indexed", c.idx.Len()),
		logx.Duration("reconcile_every", c.cfg.ReconcileInterval),
		logx.Duration("cleanup_every", c.cfg.CleanupInterval))
	return nil
}

// Stop drains the workers and halts the background jobs.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	cr := c.cronSvc
	c.cancel = nil
	c.cronSvc = nil
	c.mu.Unlock()

	if cr != nil {
		stopped := cr.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleTick is the scheduler's tick callback. It only enqueues: the tick
// loop must return without touching I/O. A full queue drops the due entry
// for this occurrence (it stays scheduled and fires at its next one).
func (c *Controller) HandleTick(now time.Time, sec int, due []schedule.Projection) {
	for _, p := range due {
		select {
		case c.queue <- job{now: now, sec: sec, p: p}:
		default:
			if c.dropWarn.Allow() {
				c.log.Error("dispatch queue full, dropping due alarm",
					logx.String("code_id", p.CodeID),
					logx.Int("queue_size", c.cfg.QueueSize))
			}
		}
	}
}

func (c *Controller) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			jobCtx, cancel := context.WithTimeout(ctx, c.cfg.TaskTimeout)
			c.processDue(jobCtx, j)
			cancel()
		}
	}
}

// ApplyUpsert folds a created or updated alarm into the index. Only
// scheduled alarms are resident; any other status evicts.
func (c *Controller) ApplyUpsert(a alarm.Alarm) {
	if a.Status == alarm.StatusScheduled {
		c.idx.Add(schedule.ProjectionOf(a))
		return
	}
	c.idx.Remove(a.CodeID)
}

// ApplyRemove evicts a canceled or deleted alarm from the index.
func (c *Controller) ApplyRemove(codeID string) {
	c.idx.Remove(codeID)
}
