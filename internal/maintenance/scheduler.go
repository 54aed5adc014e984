// Package maintenance runs the memory store's periodic jobs: expiry sweep,
// importance decay, pruning, index compaction and checkpointing.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcliao/vecmem/internal/logger"
	"github.com/rcliao/vecmem/internal/memory"
)

// Job names.
const (
	JobExpiry     = "expiry"
	JobDecay      = "decay"
	JobPrune      = "prune"
	JobCompact    = "compact"
	JobCheckpoint = "checkpoint"
)

var (
	// ErrUnknownJob is returned by RunNow for a name that is not registered.
	ErrUnknownJob = errors.New("unknown maintenance job")
	// ErrJobRunning is returned by RunNow when the job is already in flight.
	ErrJobRunning = errors.New("maintenance job already running")
)

// Target is what the jobs maintain. *memory.Store implements it.
type Target interface {
	SweepExpired(ctx context.Context) (int, error)
	Decay(ctx context.Context) (int, error)
	Prune(ctx context.Context) (int, error)
	Compact(ctx context.Context, force bool) (memory.CompactResult, error)
	Checkpoint(ctx context.Context) error
}

// Intervals sets how often each job runs. A zero interval disables the
// job's ticker; it can still be run with RunNow.
type Intervals struct {
	Expiry     time.Duration
	Decay      time.Duration
	Prune      time.Duration
	Compact    time.Duration
	Checkpoint time.Duration
}

// DefaultIntervals returns the stock schedule.
func DefaultIntervals() Intervals {
	return Intervals{
		Expiry:     time.Minute,
		Decay:      time.Hour,
		Prune:      time.Hour,
		Compact:    10 * time.Minute,
		Checkpoint: 5 * time.Minute,
	}
}

// JobStatus is a snapshot of one job's counters.
type JobStatus struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Running  bool          `json:"running"`
	Runs     int64         `json:"runs"`
	Skipped  int64         `json:"skipped"`
	Failures int64         `json:"failures"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) ([]any, error)

	running  atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// Scheduler drives the jobs, one ticker each.
type Scheduler struct {
	log  *slog.Logger
	jobs map[string]*job

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New registers the five jobs against t.
func New(t Target, iv Intervals, log *slog.Logger) *Scheduler {
	if log == nil {
		log = logger.ForComponent("maintenance")
	}
	s := &Scheduler{log: log, jobs: make(map[string]*job)}

	s.add(JobExpiry, iv.Expiry, func(ctx context.Context) ([]any, error) {
		n, err := t.SweepExpired(ctx)
		return []any{"purged", n}, err
	})
	s.add(JobDecay, iv.Decay, func(ctx context.Context) ([]any, error) {
		n, err := t.Decay(ctx)
		return []any{"decayed", n}, err
	})
	s.add(JobPrune, iv.Prune, func(ctx context.Context) ([]any, error) {
		n, err := t.Prune(ctx)
		return []any{"pruned", n}, err
	})
	s.add(JobCompact, iv.Compact, func(ctx context.Context) ([]any, error) {
		res, err := t.Compact(ctx, false)
		return []any{"skipped", res.Skipped, "discarded", res.Discarded, "before", res.Before, "after", res.After}, err
	})
	s.add(JobCheckpoint, iv.Checkpoint, func(ctx context.Context) ([]any, error) {
		return nil, t.Checkpoint(ctx)
	})
	return s
}

func (s *Scheduler) add(name string, interval time.Duration, run func(ctx context.Context) ([]any, error)) {
	s.jobs[name] = &job{name: name, interval: interval, run: run}
}

// Start launches a ticker loop per enabled job. It returns an error if the
// scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return errors.New("maintenance scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	s.cancel, s.group = cancel, g

	started := 0
	for _, j := range s.jobs {
		if j.interval <= 0 {
			continue
		}
		j := j
		started++
		g.Go(func() error {
			s.loop(ctx, g, j)
			return nil
		})
	}
	s.log.Info("maintenance scheduler started", "jobs", started)
	return nil
}

// Stop cancels the loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()
	if g == nil {
		return
	}
	cancel()
	_ = g.Wait()
	s.log.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, g *errgroup.Group, j *job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// runs off the ticker goroutine so a slow run shows up as skipped ticks
			g.Go(func() error {
				s.tryRun(ctx, j)
				return nil
			})
		}
	}
}

// RunNow runs one job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	ran, err := s.tryRun(ctx, j)
	if !ran {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	return err
}

// tryRun executes j unless a previous run is still in flight.
func (s *Scheduler) tryRun(ctx context.Context, j *job) (ran bool, err error) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("maintenance job still running, skipping tick", "job", j.name)
		return false, nil
	}
	defer j.running.Store(false)

	start := time.Now()
	attrs, err := s.execute(ctx, j)
	j.runs.Add(1)

	j.mu.Lock()
	j.lastRun = start
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		j.failures.Add(1)
		s.log.Error("maintenance job failed", "job", j.name, "err", err)
		return true, err
	}
	s.log.Debug("maintenance job done", append([]any{"job", j.name, "took", time.Since(start)}, attrs...)...)
	return true, nil
}

func (s *Scheduler) execute(ctx context.Context, j *job) (attrs []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
			s.log.Error("maintenance job panicked", "job", j.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return j.run(ctx)
}

// Jobs reports every job's counters, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := JobStatus{
			Name:     j.name,
			Interval: j.interval,
			Running:  j.running.Load(),
			Runs:     j.runs.Load(),
			Skipped:  j.skipped.Load(),
			Failures: j.failures.Load(),
			LastRun:  j.lastRun,
			LastErr:  j.lastErr,
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
