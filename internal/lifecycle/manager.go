package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/atomjob/internal/executor"
	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/proof"
	"github.com/roach88/atomjob/internal/store"
	"github.com/roach88/atomjob/internal/usage"
)

// ErrClosed is returned by Submit and Retry after Shutdown.
var ErrClosed = errors.New("lifecycle: manager is shut down")

// Limits bound what a single submission may carry.
type Limits struct {
	MaxFiles      int
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// Config holds the Manager's tunables.
type Config struct {
	TTL              time.Duration
	MaxRetries       int
	Workers          int
	ExecutionTimeout time.Duration

	// SweepInterval enables the background sweeper when positive.
	SweepInterval time.Duration

	// PollInterval is how often Await re-reads the job.
	PollInterval time.Duration

	Limits Limits
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              24 * time.Hour,
		MaxRetries:       3,
		Workers:          4,
		ExecutionTimeout: 120 * time.Second,
		PollInterval:     50 * time.Millisecond,
		Limits: Limits{
			MaxFiles:      10,
			MaxFileBytes:  10 << 20,
			MaxTotalBytes: 25 << 20,
		},
	}
}

// Validate checks that cfg is usable.
func (c Config) Validate() error {
	switch {
	case c.TTL <= 0:
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	case c.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.ExecutionTimeout <= 0:
		return fmt.Errorf("execution_timeout must be positive, got %s", c.ExecutionTimeout)
	case c.Limits.MaxFiles < 1:
		return fmt.Errorf("max_files must be at least 1, got %d", c.Limits.MaxFiles)
	case c.Limits.MaxFileBytes <= 0 || c.Limits.MaxTotalBytes <= 0:
		return errors.New("file size limits must be positive")
	}
	return nil
}

// Manager runs the job lifecycle over a job table.
type Manager struct {
	table    store.Table
	guard    *guard.Guard
	executor *executor.Executor
	proofs   *proof.Generator
	prices   *usage.PriceTable

	cfg        Config
	signingKey []byte
	ids        IDGenerator
	now        func() time.Time
	logger     *slog.Logger

	queue    *taskQueue
	wg       sync.WaitGroup
	stop     chan struct{}
	startMu  sync.Mutex
	started  bool
	shutdown bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithPriceTable sets the price table used for usage metrics.
func WithPriceTable(t *usage.PriceTable) Option {
	return func(m *Manager) {
		m.prices = t
	}
}

// WithSigningKey makes every proof pack carry an HMAC-SHA256 signature.
func WithSigningKey(key []byte) Option {
	return func(m *Manager) {
		m.signingKey = key
	}
}

// WithIDGenerator overrides UUIDv7 job ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithClock sets the time source for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// New creates a Manager. Call Start to launch its workers.
func New(table store.Table, g *guard.Guard, ex *executor.Executor, opts ...Option) (*Manager, error) {
	if table == nil || g == nil || ex == nil {
		return nil, errors.New("lifecycle: table, guard and executor are required")
	}
	m := &Manager{
		table:    table,
		guard:    g,
		executor: ex,
		prices:   usage.DefaultPriceTable(),
		cfg:      DefaultConfig(),
		ids:      UUIDv7Generator{},
		now:      time.Now,
		logger:   slog.Default(),
		queue:    newTaskQueue(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.PollInterval <= 0 {
		m.cfg.PollInterval = DefaultConfig().PollInterval
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	m.proofs = proof.NewGenerator(
		proof.WithSigningKey(m.signingKey),
		proof.WithTTL(m.cfg.TTL),
		proof.WithMaxRetries(m.cfg.MaxRetries),
		proof.WithClock(m.now),
	)
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Guard returns the continuity guard, whose audit trail outlives any job.
func (m *Manager) Guard() *guard.Guard {
	return m.guard
}

// Start launches the worker pool and, if configured, the sweeper.
// Cancelling ctx aborts in-flight attempts; use Shutdown to drain.
func (m *Manager) Start(ctx context.Context) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started || m.shutdown {
		return
	}
	m.started = true

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func(worker int) {
			defer m.wg.Done()
			m.runWorker(ctx, worker)
		}(i)
	}
	if m.cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runSweeper(ctx)
		}()
	}

	m.logger.Info("lifecycle.started",
		"workers", m.cfg.Workers,
		"ttl", m.cfg.TTL,
		"max_retries", m.cfg.MaxRetries,
		"sweep_interval", m.cfg.SweepInterval)
}

// Shutdown stops accepting work, lets the workers drain the queue and
// waits for them. Returns ctx.Err() if ctx ends first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.startMu.Lock()
	if !m.shutdown {
		m.shutdown = true
		m.queue.Close()
		close(m.stop)
	}
	m.startMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("lifecycle.stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued job ids not yet picked up.
func (m *Manager) Pending() int {
	return m.queue.Len()
}

func (m *Manager) enqueue(id string) error {
	if !m.queue.Enqueue(id) {
		return ErrClosed
	}
	return nil
}
