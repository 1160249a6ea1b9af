package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"conveyor/internal/api"
	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/worker"
)

// LockFileName is the flock file guarding single-instance execution.
const LockFileName = "conveyor.lock"

// Daemon runs the scheduled dispatcher and rescue cycles, drains the worker
// pool, and serves the HTTP API. Only one daemon may hold the data directory
// lock at a time.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *api.Service
	pool    *worker.Pool

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	server  *apiServer

	running   atomic.Bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	drained   sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool              `json:"running"`
	PID          int               `json:"pid"`
	LockFilePath string            `json:"lock_file"`
	StartedAt    string            `json:"started_at,omitempty"`
	Schedules    []Schedule        `json:"schedules"`
	Pool         *worker.PoolStats `json:"pool,omitempty"`
	Orchestrator *api.Status       `json:"orchestrator,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Schedule describes one registered cron entry.
type Schedule struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
	Next string `json:"next,omitempty"`
}

// New constructs a daemon. The pool may be nil when workers run elsewhere;
// worker triggers are then refused.
func New(cfg *config.Config, svc *api.Service, pool *worker.Pool, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || svc == nil {
		return nil, errors.New("daemon requires config and api service")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		service:  svc,
		pool:     pool,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.server = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, registers the schedules, starts draining
// pool results, and begins serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conveyor daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	scheduler, entries, err := d.newScheduler()
	if err != nil {
		d.release()
		return err
	}
	d.mu.Lock()
	d.cron, d.entries = scheduler, entries
	d.mu.Unlock()

	if d.pool != nil {
		d.drained.Add(1)
		go d.drainResults()
	}
	if err := d.server.start(d.ctx); err != nil {
		d.release()
		return err
	}
	scheduler.Start()

	d.startedAt = time.Now()
	d.running.Store(true)
	d.logger.Info("conveyor daemon started",
		logging.Event("daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("api", d.server.address()),
	)
	return nil
}

// Stop halts the schedules, waits for running cycles and pooled invocations,
// shuts down the API, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.running.Store(false)
	d.server.stop()
	d.release()
	d.logger.Info("conveyor daemon stopped", logging.Event("daemon_stopped"))
}

func (d *Daemon) release() {
	d.mu.Lock()
	scheduler := d.cron
	d.cron, d.entries = nil, nil
	d.mu.Unlock()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.pool != nil {
		d.pool.Close()
		d.drained.Wait()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Running reports whether Start succeeded and Stop has not run.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// LockPath returns the flock file path.
func (d *Daemon) LockPath() string {
	return d.lockPath
}

// Status returns the current daemon status. Orchestrator counts are omitted
// with an error note when the store cannot be read.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		Schedules:    d.schedules(),
	}
	if !d.startedAt.IsZero() {
		status.StartedAt = d.startedAt.UTC().Format(time.RFC3339)
	}
	if d.pool != nil {
		stats := d.pool.Stats()
		status.Pool = &stats
	}
	summary, err := d.service.Status(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Orchestrator = &summary
	return status
}

// IsRunning probes the lock file to tell whether a daemon holds it.
func IsRunning(dataDir string) (bool, error) {
	lock := flock.New(filepath.Join(dataDir, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if ok {
		_ = lock.Unlock()
		return false, nil
	}
	return true, nil
}

func (d *Daemon) drainResults() {
	defer d.drained.Done()
	for res := range d.pool.Results() {
		worker.LogResult(d.logger, res)
	}
}
