package timeout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foldtale/foldtale/internal/util/slogx"
)

type Handler func(ctx context.Context, job Job)

type Options struct {
	FireTimeout time.Duration `toml:"fire-timeout"`
}

func (o *Options) FillDefaults() {
	if o.FireTimeout == 0 {
		o.FireTimeout = 30 * time.Second
	}
}

// Scheduler persists timeout jobs and arms in-process timers for them.
// The persisted record is the source of truth: a fired timer first
// consumes the record, so a job that was cancelled concurrently becomes
// a silent no-op, and every job is delivered at most once. Recover
// re-arms all persisted jobs after a restart.
type Scheduler struct {
	o   Options
	db  DB
	log *slog.Logger

	gctx   context.Context
	cancel func()
	wg     sync.WaitGroup

	mu       sync.Mutex
	timers   map[string]*time.Timer
	handlers map[Phase]Handler
}

func New(log *slog.Logger, db DB, o Options) *Scheduler {
	o.FillDefaults()
	gctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		o:        o,
		db:       db,
		log:      log,
		gctx:     gctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
		handlers: make(map[Phase]Handler),
	}
}

// Handle registers the handler invoked when a job of the given phase
// fires. Must be called before Recover.
func (s *Scheduler) Handle(phase Phase, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[phase] = h
}

func (s *Scheduler) Schedule(ctx context.Context, job Job) error {
	if err := s.db.UpsertJob(ctx, job); err != nil {
		return fmt.Errorf("%w: persist job %q: %v", ErrScheduling, job.ID, err)
	}
	s.arm(job)
	s.log.Info("scheduled job",
		slog.String("job_id", job.ID),
		slog.Time("run_at", job.RunAt.UTC()),
	)
	return nil
}

// Cancel removes the persisted job and disarms its timer. It reports
// whether a pending job was actually found; cancelling a job that has
// already fired or never existed is not an error.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	s.disarm(jobID)
	found, err := s.db.DeleteJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("%w: delete job %q: %v", ErrScheduling, jobID, err)
	}
	return found, nil
}

// Recover re-arms timers for all persisted jobs. Jobs whose run time has
// already passed fire immediately.
func (s *Scheduler) Recover(ctx context.Context) error {
	jobs, err := s.db.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		s.arm(job)
	}
	s.log.Info("recovered scheduled jobs", slog.Int("count", len(jobs)))
	return nil
}

// Close cancels under the same lock that fire uses to register itself,
// so every fire either registers before the cancel or observes it and
// backs off; Wait therefore sees all in-flight fires.
func (s *Scheduler) Close() {
	s.mu.Lock()
	select {
	case <-s.gctx.Done():
	default:
		s.cancel()
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) arm(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[job.ID]; ok {
		t.Stop()
	}
	delay := max(time.Duration(0), time.Until(job.RunAt.UTC()))
	s.timers[job.ID] = time.AfterFunc(delay, func() {
		s.fire(job)
	})
}

func (s *Scheduler) disarm(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
}

func (s *Scheduler) fire(job Job) {
	s.mu.Lock()
	select {
	case <-s.gctx.Done():
		s.mu.Unlock()
		return
	default:
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.disarm(job.ID)

	log := s.log.With(
		slog.String("job_id", job.ID),
		slog.String("phase", string(job.Phase)),
	)

	ctx, cancel := context.WithTimeout(s.gctx, s.o.FireTimeout)
	defer cancel()

	// Consume the record first, so the job is delivered at most once.
	// If it is gone, the job was cancelled while the timer was firing.
	found, err := s.db.DeleteJob(ctx, job.ID)
	if err != nil {
		log.Error("could not consume job, leaving it for recovery", slogx.Err(err))
		return
	}
	if !found {
		log.Info("job cancelled before firing")
		return
	}

	handler := func() Handler {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.handlers[job.Phase]
	}()
	if handler == nil {
		log.Error("no handler for job phase")
		return
	}

	log.Info("firing job")
	defer func() {
		if r := recover(); r != nil {
			log.Error("job handler panicked", slog.Any("panic", r))
		}
	}()
	handler(ctx, job)
}
