package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Continuation is what a job handler returns to drive its own cadence: either
// the chain is done, or the next job should fire after a delay. The scheduler
// itself stays a dumb executor; all interval logic lives in the order
// managers.
type Continuation struct {
	after      time.Duration
	reschedule bool
}

// Done ends a job chain.
func Done() Continuation {
	return Continuation{}
}

// ScheduleAfter continues the chain with a new job after d.
func ScheduleAfter(d time.Duration) Continuation {
	return Continuation{after: d, reschedule: true}
}

// Handler executes one unit of work for an order. Handlers must be
// idempotent: delivery is at-least-once and a duplicate invocation for a
// terminal order has to no-op.
type Handler func(ctx context.Context, orderID string) (Continuation, error)

type poller struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// Scheduler drives two mechanisms: a durable delayed-job queue whose handlers
// chain their own successors, and fixed-tick polls for work that scans state
// on every tick (limit order evaluation).
type Scheduler struct {
	db         *Database
	tick       time.Duration
	staleAfter time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	pollers  []poller
	wg       sync.WaitGroup
}

func New(gormDB *gorm.DB, tick time.Duration) *Scheduler {
	return &Scheduler{
		db:         NewDatabase(gormDB),
		tick:       tick,
		staleAfter: 5 * time.Minute,
		handlers:   make(map[string]Handler),
	}
}

// Register binds a job kind to its handler. Must be called before Start.
func (s *Scheduler) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// RegisterPoll adds a fixed-tick poll executed every interval.
func (s *Scheduler) RegisterPoll(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollers = append(s.pollers, poller{name: name, interval: interval, fn: fn})
}

// Enqueue persists a job to fire after delay.
func (s *Scheduler) Enqueue(kind, orderID string, delay time.Duration) error {
	job := &Job{
		JobID:   "JOB_" + uuid.New().String(),
		Kind:    kind,
		OrderID: orderID,
		RunAt:   time.Now().Add(delay),
		Status:  JobPending,
	}
	return s.db.CreateJob(job)
}

// HasPendingWork reports whether orderID has a queued or in-flight job.
func (s *Scheduler) HasPendingWork(orderID string) (bool, error) {
	count, err := s.db.PendingJobsForOrder(orderID)
	return count > 0, err
}

// Start runs the worker loop and all registered polls until ctx is cancelled.
// It blocks; run it in a goroutine and cancel the context to drain.
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "scheduler").Logger()
	logger.Info().
		Int("pollers", len(s.pollers)).
		Dur("tick", s.tick).
		Msg("starting scheduler")

	for _, p := range s.pollers {
		s.wg.Add(1)
		go s.runPoller(ctx, p)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down scheduler")
			s.wg.Wait()
			return
		case <-ticker.C:
			if err := s.dispatchDue(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to dispatch due jobs")
			}
		}
	}
}

func (s *Scheduler) runPoller(ctx context.Context, p poller) {
	defer s.wg.Done()
	logger := log.With().Str("component", "scheduler").Str("poll", p.name).Logger()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.fn(ctx); err != nil {
				logger.Error().Err(err).Msg("poll tick failed")
			}
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) error {
	if _, err := s.db.ReclaimStale(time.Now().Add(-s.staleAfter)); err != nil {
		return err
	}

	jobs, err := s.db.DueJobs(time.Now(), 50)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		claimed, err := s.db.ClaimJob(job.JobID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.runJob(ctx, job)
		}(job)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	logger := log.With().
		Str("component", "scheduler").
		Str("job_id", job.JobID).
		Str("kind", job.Kind).
		Str("order_id", job.OrderID).
		Logger()

	s.mu.Lock()
	handler, ok := s.handlers[job.Kind]
	s.mu.Unlock()
	if !ok {
		logger.Error().Msg("no handler registered for job kind")
		if err := s.db.FinishJob(job.JobID, JobFailed); err != nil {
			logger.Error().Err(err).Msg("failed to mark job failed")
		}
		return
	}

	cont, err := handler(ctx, job.OrderID)

	status := JobDone
	if err != nil {
		status = JobFailed
		logger.Warn().Err(err).Msg("job handler returned error")
	}

	// The handler owns the cadence: a continuation enqueues the successor
	// even after a soft failure, which is how DCA trades retry at their
	// existing interval. The successor goes in before this job is finished:
	// a crash in between leaves the job running, stale reclaim requeues it,
	// and the idempotent handler re-derives the continuation.
	if cont.reschedule {
		if enqErr := s.Enqueue(job.Kind, job.OrderID, cont.after); enqErr != nil {
			logger.Error().Err(enqErr).Msg("failed to enqueue continuation job, leaving job for reclaim")
			return
		}
	}
	if err := s.db.FinishJob(job.JobID, status); err != nil {
		logger.Error().Err(err).Msg("failed to finish job")
	}
}
