// Package scheduler runs periodic jobs on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/okian/fidscore/pkg/logger"
)

// ErrStarted is returned when jobs are registered after Start.
var ErrStarted = errors.New("scheduler already started")

// Job is one periodic task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler executes registered jobs. A job whose previous run is still in
// progress skips the tick.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    []Job
	locks   map[string]*sync.Mutex
	cancel  context.CancelFunc
	started bool
	logger  logger.Logger
}

// New creates a scheduler.
func New(l logger.Logger) *Scheduler {
	if l == nil {
		l = logger.Discard()
	}
	return &Scheduler{locks: make(map[string]*sync.Mutex), logger: l}
}

// Register adds a job. Names must be unique and jobs must be registered
// before Start.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if _, exists := s.locks[job.Name]; exists {
		return fmt.Errorf("scheduler: duplicate job name %q", job.Name)
	}
	if _, err := parser().Parse(job.Schedule); err != nil {
		return fmt.Errorf("scheduler: invalid schedule for job %q: %w", job.Name, err)
	}
	s.locks[job.Name] = &sync.Mutex{}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start begins executing registered jobs. Job contexts are canceled by Stop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.cron = cron.New(cron.WithParser(parser()))

	for _, job := range s.jobs {
		lock := s.locks[job.Name]
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.tick(ctx, job, lock) }); err != nil {
			cancel()
			return fmt.Errorf("scheduler: add job %q: %w", job.Name, err)
		}
	}
	s.cron.Start()
	s.started = true
	s.logger.Info(ctx, "scheduler started", logger.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	s.logger.Info(context.Background(), "scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context, job Job, lock *sync.Mutex) bool {
	if !lock.TryLock() {
		s.logger.Warn(ctx, "job still running, skipping tick", logger.String("job", job.Name))
		return false
	}
	defer lock.Unlock()

	s.logger.Debug(ctx, "job started", logger.String("job", job.Name))
	if err := job.Run(ctx); err != nil {
		s.logger.Error(ctx, "job failed", logger.String("job", job.Name), logger.Error(err))
		return true
	}
	s.logger.Debug(ctx, "job completed", logger.String("job", job.Name))
	return true
}

// parser accepts five-field expressions and descriptors such as @hourly.
func parser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}
