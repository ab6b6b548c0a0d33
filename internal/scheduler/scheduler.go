// Package scheduler implements the in-process cron fabric (spec §4.9): job
// registration backed by github.com/adhocore/gronx, retry-then-auto-disable
// failure policy, one-shot semantics, and a bounded error ring buffer.
//
// The teacher's go.mod and internal/config/config.go reference an
// internal/scheduler + internal/cron package (CronConfig.ToRetryConfig,
// cmd/gateway_cron.go's scheduler.Scheduler/scheduler.LaneCron/sched.Schedule)
// that is not present anywhere in the retrieved teacher source — see
// DESIGN.md. This package is therefore built fresh, grounded in: the
// CronConfig{MaxRetries, RetryBaseDelay, RetryMaxDelay} shape that survives
// in internal/config/config.go, the already-declared gronx dependency, and
// the goroutine-plus-result-channel handoff visible in
// cmd/gateway_cron.go's `outCh := sched.Schedule(...); outcome := <-outCh`.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mojo117/orchestra/internal/domain"
)

// RetryConfig is the ambient config-layer shape kept compatible with the
// teacher's CronConfig.ToRetryConfig() converter. DefaultRetryConfig encodes
// spec §4.9's literal numbers: retry once after 60s, auto-disable at the
// third consecutive failure.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns spec §4.9's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 60 * time.Second, MaxDelay: 60 * time.Second}
}

const ringBufferSize = 20

// FailureRecord is one entry of the scheduler's bounded error ring buffer.
type FailureRecord struct {
	JobID     string
	JobName   string
	Error     string
	Timestamp time.Time
}

// Executor drives one turn for a scheduled job and returns its textual
// result (spec §4.9 configure(executor, ...)).
type Executor func(ctx context.Context, instruction, jobID string) (string, error)

// Notifier posts a message to an external channel (spec §4.9
// configure(..., notifier)).
type Notifier func(message, channel string)

// JobPersister is the durable backing for ScheduledJob rows (spec §6.4).
type JobPersister interface {
	LoadJob(ctx context.Context, jobID string) (*domain.ScheduledJob, bool, error)
	SaveJob(ctx context.Context, job *domain.ScheduledJob) error
	ListJobs(ctx context.Context) ([]*domain.ScheduledJob, error)
	DeleteJob(ctx context.Context, jobID string) error
}

type registration struct {
	cancel context.CancelFunc
}

// Scheduler is the Scheduler (Sc).
type Scheduler struct {
	persister JobPersister
	retry     RetryConfig
	logger    *slog.Logger

	mu       sync.Mutex
	executor Executor
	notifier Notifier
	regs     map[string]*registration
	ring     []FailureRecord
}

// New constructs a Scheduler. Call Configure before Start.
func New(persister JobPersister, retry RetryConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		persister: persister,
		retry:     retry,
		logger:    logger,
		regs:      make(map[string]*registration),
	}
}

// Configure binds the executor and notifier callbacks (spec §4.9).
func (s *Scheduler) Configure(executor Executor, notifier Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = executor
	s.notifier = notifier
}

// Start loads every job with enabled && status==active and registers a cron
// callback for each (spec §4.9).
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.persister.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Enabled && job.Status == domain.JobActive {
			s.register(ctx, job)
		}
	}
	return nil
}

// Stop unregisters every cron callback (spec §4.9).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, reg := range s.regs {
		reg.cancel()
		delete(s.regs, id)
	}
}

// RegisterJob registers (or re-registers) a single job's cron callback,
// for use when a job is created at runtime (spec §2: "registered with Sc at
// start or on-create").
func (s *Scheduler) RegisterJob(ctx context.Context, job *domain.ScheduledJob) {
	s.register(ctx, job)
}

// UnregisterJob cancels job's cron callback without touching its persisted
// row (used on delete/disable, spec §2).
func (s *Scheduler) UnregisterJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.regs[jobID]; ok {
		reg.cancel()
		delete(s.regs, jobID)
	}
}

func (s *Scheduler) register(parent context.Context, job *domain.ScheduledJob) {
	s.mu.Lock()
	if reg, ok := s.regs[job.ID]; ok {
		reg.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	s.regs[job.ID] = &registration{cancel: cancel}
	s.mu.Unlock()

	go s.runCronLoop(ctx, job.ID, job.CronExpression)
}

// runCronLoop polls gronx for the next fire time and sleeps until then,
// repeating until ctx is cancelled (cron delivery suspension point, spec §5).
func (s *Scheduler) runCronLoop(ctx context.Context, jobID, expr string) {
	gron := gronx.New()
	for {
		next, err := gronx.NextTick(expr, false)
		if err != nil {
			s.logger.Error("scheduler: invalid cron expression, stopping registration", "job_id", jobID, "expr", expr, "error", err)
			return
		}
		delay := time.Until(next)
		if delay < 0 {
			delay = time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		due, err := gron.IsDue(expr)
		if err != nil || !due {
			continue
		}
		s.ExecuteJob(ctx, jobID)
	}
}

// ExecuteJob runs jobID now: reload (skip if disabled), call the executor,
// and apply the success/failure handling of spec §4.9.
func (s *Scheduler) ExecuteJob(ctx context.Context, jobID string) {
	job, found, err := s.persister.LoadJob(ctx, jobID)
	if err != nil || !found {
		s.logger.Warn("scheduler: job vanished before execution", "job_id", jobID, "error", err)
		return
	}
	if !job.Enabled || job.Status != domain.JobActive {
		return
	}

	s.mu.Lock()
	executor := s.executor
	notifier := s.notifier
	s.mu.Unlock()
	if executor == nil {
		return
	}

	result, execErr := executor(ctx, job.Instruction, job.ID)
	if execErr == nil {
		s.onSuccess(ctx, job, result, notifier)
		return
	}
	s.onFailure(ctx, job, execErr, notifier)
}

func (s *Scheduler) onSuccess(ctx context.Context, job *domain.ScheduledJob, result string, notifier Notifier) {
	now := time.Now()
	job.ConsecutiveFailures = 0
	job.LastRunAt = &now
	job.LastResult = result

	if job.OneShot {
		job.Enabled = false
		s.UnregisterJob(job.ID)
	}
	_ = s.persister.SaveJob(ctx, job)

	if job.NotificationChannel != "" && notifier != nil {
		notifier("["+job.Name+"] "+result, job.NotificationChannel)
	}
}

// onFailure increments the job's consecutive-failure count and applies
// spec §4.9: the first consecutive failure gets one retry after 60s; at
// the third consecutive failure the job is auto-disabled; any other
// failure count just notifies.
func (s *Scheduler) onFailure(ctx context.Context, job *domain.ScheduledJob, failErr error, notifier Notifier) {
	now := time.Now()
	s.pushFailure(FailureRecord{JobID: job.ID, JobName: job.Name, Error: failErr.Error(), Timestamp: now})

	job.ConsecutiveFailures++
	job.LastErrorAt = &now

	if job.ConsecutiveFailures >= 3 {
		job.Status = domain.JobDisabledByError
		job.Enabled = false
		_ = s.persister.SaveJob(ctx, job)
		s.UnregisterJob(job.ID)
		if notifier != nil {
			notifier("["+job.Name+"] auto-disabled after 3 consecutive failures: "+failErr.Error(), job.NotificationChannel)
		}
		return
	}

	_ = s.persister.SaveJob(ctx, job)

	if job.ConsecutiveFailures == 1 {
		time.AfterFunc(60*time.Second, func() {
			s.ExecuteJob(ctx, job.ID)
		})
		return
	}

	if notifier != nil {
		notifier("["+job.Name+"] execution failed: "+failErr.Error(), job.NotificationChannel)
	}
}

func (s *Scheduler) pushFailure(rec FailureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append(s.ring, rec)
	if len(s.ring) > ringBufferSize {
		s.ring = s.ring[len(s.ring)-ringBufferSize:]
	}
}

// RecentFailures returns a copy of the bounded error ring buffer.
func (s *Scheduler) RecentFailures() []FailureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailureRecord, len(s.ring))
	copy(out, s.ring)
	return out
}
