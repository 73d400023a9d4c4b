package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/agentmgr/internal/logger"
)

// Job defines a periodic task.
// Schedule supports only the form "@every <duration>" (e.g., "@every 6h").
// Non-overlap: if the previous run of a Singleton job is still active, the tick is skipped.
//
// Name must be unique across jobs inside the same Scheduler.
type Job struct {
	Name      string
	Schedule  string
	Singleton bool // defaulted to true by Scheduler.Add
	Run       func(ctx context.Context) error

	running atomic.Bool
	runs    atomic.Int64
}

// Runs reports how many times the job body has been invoked.
func (j *Job) Runs() int64 { return j.runs.Load() }

// ParseEvery parses schedules of the form "@every <duration>".
func ParseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no body", j.Name)
	}
	return nil
}

// Scheduler runs jobs on their own tickers until Stop is called.
type Scheduler struct {
	log  *slog.Logger
	jobs []*Job

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(log *slog.Logger) *Scheduler {
	return &Scheduler{log: logger.Component(log, "cron")}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("cron job %s already registered", job.Name)
		}
	}
	if !job.Singleton {
		job.Singleton = true
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops. Call Stop to cancel.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	periods := make([]time.Duration, len(s.jobs))
	for i, j := range s.jobs {
		d, err := ParseEvery(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		periods[i] = d
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for i, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, j, periods[i])
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job, period time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if j.Singleton {
				if !j.running.CompareAndSwap(false, true) {
					s.log.Debug("skip overlapping tick", "job", j.Name)
					continue
				}
			} else {
				j.running.Store(true)
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				j.runs.Add(1)
				if err := j.Run(ctx); err != nil {
					s.log.Error("job failed", "job", j.Name, "error", err)
				}
			}()
		}
	}
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
