// Package scheduler owns the job queue and drives admission. All queue
// state lives inside a single run loop; other goroutines talk to it
// through channels, so no queue access ever needs a lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/fitpipe/pkg/gate"
	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/metrics"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/signals"
	"github.com/psantana5/fitpipe/pkg/store"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
)

const (
	// DefaultMaxConcurrent bounds how many jobs may process at once.
	DefaultMaxConcurrent = 2
	// DefaultTick is the admission loop interval while work exists.
	DefaultTick = time.Second

	stopTimeout        = 10 * time.Second
	drainTimeout       = 5 * time.Second
	defaultJobEstimate = 45 * time.Second
	durationWindow     = 10
)

// Callbacks are invoked from the scheduler loop as a job advances.
// They must return quickly; a panic inside one is recovered and logged.
type Callbacks struct {
	OnProgress func(jobID string, progress models.Progress)
	OnComplete func(jobID string, report *models.PerformanceReport)
	OnError    func(jobID string, err error)
}

// Executor runs one admitted job to completion. It receives a private
// copy of the job and reports progress through onProgress.
type Executor interface {
	Execute(ctx context.Context, job *models.Job, onProgress func(models.Progress)) (*models.PerformanceReport, error)
}

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	MaxConcurrent int
	Tick          time.Duration
	Retry         models.RetryPolicy
}

// DefaultConfig returns the production scheduler settings
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: DefaultMaxConcurrent,
		Tick:          DefaultTick,
		Retry:         models.DefaultRetryPolicy(),
	}
}

type submitRequest struct {
	job   *models.Job
	cbs   Callbacks
	reply chan error
}

type cancelRequest struct {
	jobID string
	reply chan bool
}

type statusRequest struct {
	jobID string
	reply chan *models.JobSnapshot
}

type summaryRequest struct {
	reply chan models.QueueSummary
}

type completion struct {
	jobID  string
	report *models.PerformanceReport
	err    error
}

type progressUpdate struct {
	jobID    string
	progress models.Progress
}

// activeJob tracks one occupied execution slot
type activeJob struct {
	job             *models.Job
	cancel          context.CancelFunc
	cancelRequested bool
	startedAt       time.Time
}

// Scheduler accepts submissions, persists the queue on every mutation,
// and admits jobs into bounded execution slots when the resource gate
// allows them.
type Scheduler struct {
	store   store.Store
	gate    *gate.Gate
	exec    Executor
	log     *logging.Logger
	metrics *metrics.Collector

	policy        models.RetryPolicy
	maxConcurrent int
	tick          time.Duration

	// Loop-owned state. Only the run goroutine reads or writes these
	// once Start has returned.
	queue     *jobQueue
	active    map[string]*activeJob
	callbacks map[string]Callbacks
	recent    []time.Duration

	submitCh     chan submitRequest
	cancelCh     chan cancelRequest
	statusCh     chan statusRequest
	summaryCh    chan summaryRequest
	completionCh chan completion
	progressCh   chan progressUpdate
	wakeCh       chan struct{}
	stopCh       chan struct{}
	doneCh       chan struct{}

	startOnce   sync.Once
	stopOnce    sync.Once
	unsubscribe func()
}

// New creates a scheduler. Call Start before submitting.
func New(st store.Store, g *gate.Gate, exec Executor, logger *logging.Logger, collector *metrics.Collector, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = models.DefaultRetryPolicy()
	}

	return &Scheduler{
		store:         st,
		gate:          g,
		exec:          exec,
		log:           logger,
		metrics:       collector,
		policy:        cfg.Retry,
		maxConcurrent: cfg.MaxConcurrent,
		tick:          cfg.Tick,
		queue:         newJobQueue(),
		active:        make(map[string]*activeJob),
		callbacks:     make(map[string]Callbacks),
		submitCh:      make(chan submitRequest),
		cancelCh:      make(chan cancelRequest),
		statusCh:      make(chan statusRequest),
		summaryCh:     make(chan summaryRequest),
		completionCh:  make(chan completion, cfg.MaxConcurrent),
		progressCh:    make(chan progressUpdate, 16),
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start recovers the persisted queue, subscribes to device state
// changes, and launches the run loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.recoverQueue()
		s.unsubscribe = s.gate.OnChange(func(signals.Event) {
			s.Kick()
		})
		go s.run()
		s.log.Info("Scheduler started", map[string]interface{}{
			"max_concurrent": s.maxConcurrent,
			"tick":           s.tick.String(),
			"recovered_jobs": s.queue.len(),
		})
	})
}

// Stop shuts the loop down. In-flight jobs are cancelled and left in
// the persisted queue as processing, so the next Start re-admits them
// through recovery.
func (s *Scheduler) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		select {
		case <-s.doneCh:
		case <-time.After(stopTimeout):
			err = fmt.Errorf("scheduler did not stop within %s", stopTimeout)
		}
	})
	return err
}

// Kick requests an immediate admission pass. Safe to call from any
// goroutine; coalesces if one is already requested.
func (s *Scheduler) Kick() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Submit validates the payload, queues a new pending job, and returns
// its id. Validation failures are rejected here and never enqueued.
func (s *Scheduler) Submit(jobType models.JobType, payload models.Payload, priority models.Priority, condition models.ExecutionCondition, cbs Callbacks) (string, error) {
	if err := models.ValidateSubmission(jobType, payload, priority, condition); err != nil {
		return "", err
	}

	job := models.NewJob(jobType, payload, priority, condition)
	req := submitRequest{job: job, cbs: cbs, reply: make(chan error, 1)}

	select {
	case s.submitCh <- req:
	case <-s.doneCh:
		return "", ErrSchedulerStopped
	}

	if err := <-req.reply; err != nil {
		return "", err
	}
	return job.ID, nil
}

// Cancel cancels a job. Queued jobs are removed immediately; active
// jobs get a cooperative cancellation signal and finish their current
// chunk first. Returns false for unknown or already-terminal jobs, and
// for repeated cancels of the same job.
func (s *Scheduler) Cancel(jobID string) bool {
	req := cancelRequest{jobID: jobID, reply: make(chan bool, 1)}
	select {
	case s.cancelCh <- req:
		return <-req.reply
	case <-s.doneCh:
		return false
	}
}

// GetStatus returns the job's current snapshot: queued, active, or (for
// terminal jobs still within retention) the persisted result.
func (s *Scheduler) GetStatus(jobID string) (*models.JobSnapshot, error) {
	req := statusRequest{jobID: jobID, reply: make(chan *models.JobSnapshot, 1)}
	select {
	case s.statusCh <- req:
		if snap := <-req.reply; snap != nil {
			return snap, nil
		}
	case <-s.doneCh:
		return nil, ErrSchedulerStopped
	}

	// Not in memory. Terminal results live in the store until retention
	// expires them.
	res, err := s.store.GetResult(jobID)
	if err != nil {
		if errors.Is(err, store.ErrResultNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	return &models.JobSnapshot{
		Job: models.Job{
			ID:          res.JobID,
			Status:      res.Status,
			RetryCount:  res.RetryCount,
			Error:       res.Error,
			CompletedAt: &res.CompletedAt,
		},
		Report: res.Report,
	}, nil
}

// GetQueueSummary reports queue length, active slots, per-priority
// counts, and a rough wait estimate.
func (s *Scheduler) GetQueueSummary() (models.QueueSummary, error) {
	req := summaryRequest{reply: make(chan models.QueueSummary, 1)}
	select {
	case s.summaryCh <- req:
		return <-req.reply, nil
	case <-s.doneCh:
		return models.QueueSummary{}, ErrSchedulerStopped
	}
}

// run is the scheduler actor. Every queue mutation happens here.
func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		// Park the tick while there is nothing to admit or watch. A
		// submission, completion, or device event wakes the loop.
		var tickCh <-chan time.Time
		if s.queue.len() > 0 || len(s.active) > 0 {
			tickCh = ticker.C
		}

		select {
		case req := <-s.submitCh:
			s.handleSubmit(req)
		case req := <-s.cancelCh:
			req.reply <- s.handleCancel(req.jobID)
		case req := <-s.statusCh:
			req.reply <- s.handleStatus(req.jobID)
		case req := <-s.summaryCh:
			req.reply <- s.handleSummary()
		case c := <-s.completionCh:
			s.handleCompletion(c)
			s.admit(time.Now())
		case u := <-s.progressCh:
			s.handleProgress(u)
		case <-s.wakeCh:
			s.admit(time.Now())
		case <-tickCh:
			s.admit(time.Now())
		case <-s.stopCh:
			s.shutdown()
			return
		}
	}
}

func (s *Scheduler) handleSubmit(req submitRequest) {
	s.queue.push(req.job)
	s.callbacks[req.job.ID] = req.cbs
	s.persistQueue()

	s.metrics.JobSubmitted(req.job.Type, req.job.Priority)
	s.metrics.SetQueueLength(s.queue.len())
	s.log.Info("Job submitted", map[string]interface{}{
		"job_id":    req.job.ID,
		"type":      string(req.job.Type),
		"priority":  req.job.Priority.String(),
		"condition": string(req.job.Condition),
	})

	req.reply <- nil
	s.admit(time.Now())
}

func (s *Scheduler) handleCancel(jobID string) bool {
	if a, ok := s.active[jobID]; ok {
		if a.cancelRequested {
			return false
		}
		a.cancelRequested = true
		a.cancel()
		s.log.Info("Cancellation requested", map[string]interface{}{
			"job_id": jobID,
			"note":   "takes effect at next chunk boundary",
		})
		return true
	}

	if job := s.queue.remove(jobID); job != nil {
		s.finalize(job, models.JobStatusCancelled, nil, models.NewCancelledError(jobID))
		return true
	}

	return false
}

func (s *Scheduler) handleStatus(jobID string) *models.JobSnapshot {
	if a, ok := s.active[jobID]; ok {
		return &models.JobSnapshot{Job: *a.job.Clone()}
	}
	if job := s.queue.get(jobID); job != nil {
		return &models.JobSnapshot{Job: *job.Clone()}
	}
	return nil
}

func (s *Scheduler) handleSummary() models.QueueSummary {
	return models.QueueSummary{
		QueueLength:   s.queue.len(),
		ActiveCount:   len(s.active),
		PerPriority:   s.queue.perPriority(),
		EstimatedWait: s.estimateWait(),
	}
}

func (s *Scheduler) estimateWait() time.Duration {
	queued := s.queue.len()
	if queued == 0 {
		return 0
	}

	avg := defaultJobEstimate
	if len(s.recent) > 0 {
		var sum time.Duration
		for _, d := range s.recent {
			sum += d
		}
		avg = sum / time.Duration(len(s.recent))
	}

	batches := (queued + s.maxConcurrent - 1) / s.maxConcurrent
	return avg * time.Duration(batches)
}

func (s *Scheduler) recordDuration(d time.Duration) {
	s.recent = append(s.recent, d)
	if len(s.recent) > durationWindow {
		s.recent = s.recent[len(s.recent)-durationWindow:]
	}
}

// admit runs one scheduling pass: promote due retries, then fill free
// slots with the highest-priority eligible jobs. All jobs in a pass are
// judged against the same device snapshot.
func (s *Scheduler) admit(now time.Time) {
	dirty := s.queue.promoteDue(now) > 0

	snap := s.gate.Snapshot()
	for len(s.active) < s.maxConcurrent {
		job := s.nextEligible(snap)
		if job == nil {
			break
		}
		s.startJob(job, now)
		dirty = true
	}

	if dirty {
		s.persistQueue()
	}
	s.metrics.SetQueueLength(s.queue.len())
	s.metrics.SetActiveJobs(len(s.active))
}

func (s *Scheduler) nextEligible(snap signals.Snapshot) *models.Job {
	for _, job := range s.queue.sorted() {
		if job.Status != models.JobStatusPending {
			continue
		}
		decision := s.gate.CheckSnapshot(job, snap)
		if decision.Allowed {
			return job
		}
		s.metrics.GateDenied(decision.Code)
		s.log.Debug("Job held by gate", map[string]interface{}{
			"job_id": job.ID,
			"reason": decision.Reason,
		})
	}
	return nil
}

func (s *Scheduler) startJob(job *models.Job, now time.Time) {
	s.queue.remove(job.ID)

	s.transition(job, models.JobStatusProcessing, now)
	job.StartedAt = &now
	job.Progress = models.Progress{}

	ctx, cancel := context.WithCancel(context.Background())
	s.active[job.ID] = &activeJob{job: job, cancel: cancel, startedAt: now}

	s.log.Info("Job admitted", map[string]interface{}{
		"job_id":   job.ID,
		"priority": job.Priority.String(),
		"attempt":  job.RetryCount + 1,
	})

	go s.execute(ctx, job.Clone())
}

// execute runs in its own goroutine per admitted job. It reports back
// exactly one completion; the buffered channel makes the send
// non-blocking because at most maxConcurrent completions can be
// outstanding.
func (s *Scheduler) execute(ctx context.Context, job *models.Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Executor panic", map[string]interface{}{
				"job_id": job.ID,
				"panic":  fmt.Sprintf("%v", r),
			})
			s.completionCh <- completion{jobID: job.ID, err: models.NewJobError(fmt.Sprintf("executor panic: %v", r), nil)}
		}
	}()

	report, err := s.exec.Execute(ctx, job, func(p models.Progress) {
		select {
		case s.progressCh <- progressUpdate{jobID: job.ID, progress: p}:
		default:
			// Drop rather than block the worker; the next update
			// carries newer numbers anyway.
		}
	})

	s.completionCh <- completion{jobID: job.ID, report: report, err: err}
}

func (s *Scheduler) handleCompletion(c completion) {
	a, ok := s.active[c.jobID]
	if !ok {
		s.log.Warn("Completion for unknown job", map[string]interface{}{"job_id": c.jobID})
		return
	}
	delete(s.active, c.jobID)
	a.cancel()

	now := time.Now()
	s.recordDuration(now.Sub(a.startedAt))
	job := a.job

	switch {
	case a.cancelRequested || models.IsCancelled(c.err):
		s.finalize(job, models.JobStatusCancelled, nil, models.NewCancelledError(job.ID))

	case c.err == nil:
		if job.Progress.Total > 0 {
			job.Progress = models.Progress{Current: job.Progress.Total, Total: job.Progress.Total, Percent: 100}
		}
		s.finalize(job, models.JobStatusCompleted, c.report, nil)

	case !models.IsRetryable(c.err):
		s.finalize(job, models.JobStatusFailed, c.report, c.err)

	default:
		s.retryOrFail(job, c, now)
	}
}

// retryOrFail records the failed attempt and either schedules a retry
// with exponential backoff or fails the job permanently.
func (s *Scheduler) retryOrFail(job *models.Job, c completion, now time.Time) {
	job.RetryCount++
	job.Error = c.err.Error()

	if s.policy.Exhausted(job.RetryCount) {
		s.finalize(job, models.JobStatusFailed, c.report, c.err)
		return
	}

	s.transition(job, models.JobStatusRetrying, now)
	nextAttempt := now.Add(s.policy.Backoff(job.RetryCount))
	job.NextAttemptAt = &nextAttempt
	s.queue.push(job)
	s.persistQueue()

	s.log.Warn("Job will retry", map[string]interface{}{
		"job_id":       job.ID,
		"retry_count":  job.RetryCount,
		"next_attempt": nextAttempt.Format(time.RFC3339),
		"error":        c.err.Error(),
	})
}

// finalize moves a job to a terminal state: persist the result, rewrite
// the queue, and notify the caller exactly once.
func (s *Scheduler) finalize(job *models.Job, status models.JobStatus, report *models.PerformanceReport, jobErr error) {
	now := time.Now()
	s.transition(job, status, now)
	job.CompletedAt = &now
	if jobErr != nil {
		job.Error = jobErr.Error()
	}

	result := &models.JobResult{
		JobID:       job.ID,
		Status:      status,
		RetryCount:  job.RetryCount,
		Report:      report,
		CompletedAt: now,
	}
	if jobErr != nil {
		result.Error = jobErr.Error()
	}
	if err := s.store.SaveResult(result); err != nil {
		s.log.Warn("Failed to persist job result", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
	s.persistQueue()
	s.metrics.SetQueueLength(s.queue.len())
	s.metrics.SetActiveJobs(len(s.active))

	s.log.Info("Job finished", map[string]interface{}{
		"job_id":      job.ID,
		"status":      string(status),
		"retry_count": job.RetryCount,
	})

	cbs := s.callbacks[job.ID]
	delete(s.callbacks, job.ID)
	switch status {
	case models.JobStatusCompleted:
		if cbs.OnComplete != nil {
			s.safeInvoke(job.ID, func() { cbs.OnComplete(job.ID, report) })
		}
	case models.JobStatusFailed, models.JobStatusCancelled:
		if cbs.OnError != nil {
			s.safeInvoke(job.ID, func() { cbs.OnError(job.ID, jobErr) })
		}
	}
}

func (s *Scheduler) handleProgress(u progressUpdate) {
	a, ok := s.active[u.jobID]
	if !ok {
		return
	}
	// Progress never moves backwards within an attempt. Out-of-order
	// deliveries are dropped.
	if u.progress.Percent < a.job.Progress.Percent || u.progress.Current < a.job.Progress.Current {
		return
	}
	a.job.Progress = u.progress
	a.job.UpdatedAt = time.Now()

	if cbs, ok := s.callbacks[u.jobID]; ok && cbs.OnProgress != nil {
		s.safeInvoke(u.jobID, func() { cbs.OnProgress(u.jobID, u.progress) })
	}
}

// transition applies a state change, asserting it against the state
// machine. An invalid transition is a programming error, logged loudly
// but still applied so the loop cannot wedge.
func (s *Scheduler) transition(job *models.Job, to models.JobStatus, now time.Time) {
	if err := models.ValidateTransition(job.Status, to); err != nil {
		s.log.Error("Invalid state transition", map[string]interface{}{
			"job_id": job.ID,
			"from":   string(job.Status),
			"to":     string(to),
		})
	}
	job.Status = to
	job.UpdatedAt = now
	s.metrics.JobTransition(to)
}

func (s *Scheduler) safeInvoke(jobID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Callback panic recovered", map[string]interface{}{
				"job_id": jobID,
				"panic":  fmt.Sprintf("%v", r),
			})
		}
	}()
	fn()
}

// persistQueue rewrites the full non-terminal queue: queued jobs plus
// everything occupying an execution slot.
func (s *Scheduler) persistQueue() {
	jobs := s.queue.all()
	for _, a := range s.active {
		jobs = append(jobs, a.job)
	}
	if err := s.store.SaveQueue(jobs); err != nil {
		s.log.Warn("Failed to persist queue", map[string]interface{}{
			"error": err.Error(),
			"jobs":  len(jobs),
		})
	}
}

// shutdown cancels in-flight work and waits briefly for executors to
// return. Their completions are not finalized: the jobs stay
// processing in the persisted queue and recovery re-admits them on the
// next start.
func (s *Scheduler) shutdown() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	for _, a := range s.active {
		a.cancel()
	}

	deadline := time.After(drainTimeout)
	remaining := len(s.active)
	for remaining > 0 {
		select {
		case <-s.completionCh:
			remaining--
		case <-deadline:
			s.log.Warn("Executors still running at shutdown", map[string]interface{}{
				"remaining": remaining,
			})
			remaining = 0
		}
	}

	s.persistQueue()
	s.log.Info("Scheduler stopped", map[string]interface{}{
		"queued": s.queue.len(),
		"active": len(s.active),
	})
}
