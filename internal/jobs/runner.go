package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/assertly/backend/internal/monitoring"
)

// JobFunc is one maintenance job body. It returns the number of rows it
// touched for the run log.
type JobFunc func(ctx context.Context) (int64, error)

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
}

// Runner schedules maintenance jobs: run once on boot, then every
// interval. Every run is bracketed in the run log.
type Runner struct {
	store   RunLog
	jobs    []job
	metrics *monitoring.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// RunLog is the bookkeeping surface the runner drives.
type RunLog interface {
	StartJobRun(ctx context.Context, jobName string) (string, error)
	CompleteJobRun(ctx context.Context, id string, rowCount int64) error
	FailJobRun(ctx context.Context, id string, cause error) error
}

func NewRunner(store RunLog, metrics *monitoring.Metrics) *Runner {
	return &Runner{
		store:   store,
		metrics: metrics,
		logger:  slog.Default().With("component", "jobs"),
		done:    make(chan struct{}),
	}
}

// Register adds a job. Must be called before Start.
func (r *Runner) Register(name string, interval time.Duration, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per job. Each runs immediately, then on its
// interval.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for _, j := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, j)
	}
	r.logger.Info("job runner started", "jobs", len(r.jobs))
}

// Stop cancels all schedules and waits for in-flight runs.
func (r *Runner) Stop() {
	close(r.done)
	r.wg.Wait()
	r.logger.Info("job runner stopped")
}

func (r *Runner) loop(ctx context.Context, j job) {
	defer r.wg.Done()

	r.runOnce(ctx, j)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, j)
		}
	}
}

// RunOnce executes one registered job by name, outside its schedule.
func (r *Runner) RunOnce(ctx context.Context, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.name == name {
			r.runOnce(ctx, j)
			return true
		}
	}
	return false
}

func (r *Runner) runOnce(ctx context.Context, j job) {
	runID, err := r.store.StartJobRun(ctx, j.name)
	if err != nil {
		r.logger.Error("job run could not be opened", "job", j.name, "error", err)
		return
	}

	rows, err := j.fn(ctx)
	if err != nil {
		r.logger.Error("job failed", "job", j.name, "error", err)
		if ferr := r.store.FailJobRun(ctx, runID, err); ferr != nil {
			r.logger.Error("job run could not be closed", "job", j.name, "error", ferr)
		}
		if r.metrics != nil {
			r.metrics.JobRuns.WithLabelValues(j.name, RunFailed).Inc()
		}
		return
	}

	if cerr := r.store.CompleteJobRun(ctx, runID, rows); cerr != nil {
		r.logger.Error("job run could not be closed", "job", j.name, "error", cerr)
	}
	if r.metrics != nil {
		r.metrics.JobRuns.WithLabelValues(j.name, RunSuccess).Inc()
	}
	r.logger.Info("job completed", "job", j.name, "rows", rows)
}
