// Package cleanup expires old emails on a cron schedule.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Purger deletes every email received before cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Status reports the scheduler state.
type Status struct {
	Schedule    string    `json:"schedule"`
	Retention   string    `json:"retention"`
	Running     bool      `json:"running"`
	LastRun     time.Time `json:"last_run,omitempty"`
	NextRun     time.Time `json:"next_run,omitempty"`
	LastDeleted int64     `json:"last_deleted"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler runs a purge of emails older than the retention period.
type Scheduler struct {
	cron      *cron.Cron
	purger    Purger
	retention time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	entry       cron.EntryID
	schedule    string
	running     bool
	lastRun     time.Time
	lastDeleted int64
	lastErr     error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// New creates a Scheduler deleting emails older than retention.
func New(purger Purger, retention time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(cron.WithParser(newParser())),
		purger:    purger,
		retention: retention,
		now:       time.Now,
		logger:    logging.WithComponent("cleanup"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Schedule sets the cron expression, replacing any previous one.
func (s *Scheduler) Schedule(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}

	entry, err := s.cron.AddFunc(expr, s.tick)
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", expr, err)
	}
	s.entry = entry
	s.schedule = expr
	return nil
}

// Start begins running scheduled purges.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Infow("Cleanup scheduler started", "schedule", s.schedule, "retention", s.retention)
}

// Stop halts the schedule and cancels a running purge. The returned context
// is done once in-flight work has finished.
func (s *Scheduler) Stop() context.Context {
	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("Skipping cleanup, previous run still active")
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	_, _ = s.run(s.ctx)
}

// RunOnce purges synchronously, outside of the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, fmt.Errorf("cleanup already running")
	}
	s.running = true
	s.mu.Unlock()

	return s.run(ctx)
}

// run expects running to be set by the caller and clears it.
func (s *Scheduler) run(ctx context.Context) (int64, error) {
	start := s.now()
	cutoff := start.Add(-s.retention)

	deleted, err := s.purger.Purge(ctx, cutoff)

	s.mu.Lock()
	s.running = false
	s.lastRun = start
	s.lastErr = err
	if err == nil {
		s.lastDeleted = deleted
	}
	s.mu.Unlock()

	if err != nil {
		metrics.CleanupRuns.WithLabelValues("error").Inc()
		s.logger.Errorw("Cleanup failed", "cutoff", cutoff, "error", err)
		return 0, err
	}

	metrics.CleanupRuns.WithLabelValues("success").Inc()
	metrics.CleanupEmailsDeleted.Add(float64(deleted))
	s.logger.Infow("Cleanup completed", "deleted", deleted, "cutoff", cutoff, "duration", time.Since(start))
	return deleted, nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Schedule:    s.schedule,
		Retention:   s.retention.String(),
		Running:     s.running,
		LastRun:     s.lastRun,
		LastDeleted: s.lastDeleted,
	}
	if s.entry != 0 {
		status.NextRun = s.cron.Entry(s.entry).Next
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// ValidateSchedule checks a cron expression without scheduling anything.
func ValidateSchedule(expr string) error {
	if _, err := newParser().Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
