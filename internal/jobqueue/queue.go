package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/trunkfeed/trunkfeed/internal/logging"
)

// executionTimeout bounds a single attempt; a hung external call becomes a
// retryable failure instead of a stalled worker. Variable so tests can
// shorten it.
var executionTimeout = 30 * time.Second

// JobQueue manages a queue of jobs that can be retried
type JobQueue struct {
	jobs               []*Job
	mu                 sync.Mutex
	stats              JobStats
	jobCounter         int
	stopCh             chan struct{}
	runningJobs        sync.WaitGroup
	isRunning          bool
	maxJobs            int
	processCancel      context.CancelFunc
	processingInterval time.Duration
	logger             *slog.Logger
}

// NewJobQueue creates a new job queue with default settings
func NewJobQueue() *JobQueue {
	return NewJobQueueWithOptions(1000)
}

// NewJobQueueWithOptions creates a new job queue with a custom capacity
func NewJobQueueWithOptions(maxJobs int) *JobQueue {
	return &JobQueue{
		jobs:               make([]*Job, 0),
		stopCh:             make(chan struct{}),
		maxJobs:            maxJobs,
		processingInterval: 1 * time.Second,
		logger:             logging.ForService("jobqueue"),
	}
}

// SetProcessingInterval sets the processing interval, used by tests to speed
// up retry scheduling.
func (q *JobQueue) SetProcessingInterval(interval time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processingInterval = interval
}

// GetMaxJobs returns the queue capacity.
func (q *JobQueue) GetMaxJobs() int {
	return q.maxJobs
}

// Start starts the job queue processing
func (q *JobQueue) Start() {
	q.StartWithContext(context.Background())
}

// StartWithContext starts the job queue processing with a context
func (q *JobQueue) StartWithContext(ctx context.Context) {
	q.mu.Lock()
	if q.isRunning {
		q.mu.Unlock()
		return
	}
	q.isRunning = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	processCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.processCancel = cancel
	q.mu.Unlock()

	go q.processJobs(processCtx)
}

// Stop stops the job queue processing
func (q *JobQueue) Stop() error {
	return q.StopWithTimeout(10 * time.Second)
}

// StopWithTimeout stops the job queue processing, waiting up to the timeout
// for running jobs to finish.
func (q *JobQueue) StopWithTimeout(timeout time.Duration) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false

	if q.processCancel != nil {
		q.processCancel()
		q.processCancel = nil
	}

	close(q.stopCh)
	q.mu.Unlock()

	c := make(chan struct{})
	go func() {
		q.runningJobs.Wait()
		close(c)
	}()

	select {
	case <-c:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for jobs to complete after %v", timeout)
	}
}

// Enqueue adds a job to the queue
func (q *JobQueue) Enqueue(action Action, data any, config RetryConfig) (*Job, error) {
	if action == nil {
		return nil, ErrNilAction
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isRunning {
		return nil, ErrQueueStopped
	}

	if len(q.jobs) >= q.maxJobs {
		q.stats.DroppedJobs++
		return nil, fmt.Errorf("%w: maximum queue size (%d) reached", ErrQueueFull, q.maxJobs)
	}

	q.jobCounter++
	job := &Job{
		ID:          fmt.Sprintf("job-%d", q.jobCounter),
		Action:      action,
		Data:        data,
		Attempts:    0,
		MaxAttempts: config.MaxRetries + 1,
		CreatedAt:   time.Now(),
		NextRetryAt: time.Now(), // Ready to run immediately
		Status:      JobStatusPending,
		Config:      config,
	}

	q.jobs = append(q.jobs, job)
	q.stats.TotalJobs++

	return job, nil
}

// processJobs is the main job processing loop
func (q *JobQueue) processJobs(ctx context.Context) {
	q.mu.Lock()
	interval := q.processingInterval
	q.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			q.cleanupFinishedJobs()
			q.processDueJobs(ctx)
		}
	}
}

// cleanupFinishedJobs drops completed and permanently failed jobs from the queue
func (q *JobQueue) cleanupFinishedJobs() {
	q.mu.Lock()
	defer q.mu.Unlock()

	activeJobs := q.jobs[:0]
	for _, job := range q.jobs {
		if job.Status != JobStatusCompleted && job.Status != JobStatusFailed {
			activeJobs = append(activeJobs, job)
		}
	}
	q.jobs = activeJobs
}

// calculateBackoffDelay calculates the delay before the next retry attempt
func calculateBackoffDelay(config RetryConfig, attemptNum int) time.Duration {
	backoff := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attemptNum))

	// jitter of roughly ±10% keeps retries from synchronizing
	jitterFactor := 0.9 + 0.2*float64(time.Now().Nanosecond())/1e9
	backoff *= jitterFactor

	if backoff > float64(config.MaxDelay) {
		backoff = float64(config.MaxDelay)
	}

	return time.Duration(backoff)
}

// processDueJobs processes jobs that are due for execution
func (q *JobQueue) processDueJobs(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	q.mu.Lock()

	var dueJobs []*Job
	now := time.Now()

	for _, job := range q.jobs {
		if (job.Status == JobStatusPending || job.Status == JobStatusRetrying) && !job.NextRetryAt.After(now) {
			dueJobs = append(dueJobs, job)
			job.Status = JobStatusRunning
		}
	}

	q.mu.Unlock()

	for _, job := range dueJobs {
		if ctx.Err() != nil {
			q.mu.Lock()
			for _, j := range dueJobs {
				if j.Status == JobStatusRunning {
					if j.Attempts > 0 {
						j.Status = JobStatusRetrying
					} else {
						j.Status = JobStatusPending
					}
				}
			}
			q.mu.Unlock()
			return
		}

		q.runningJobs.Add(1)
		go func(j *Job) {
			defer q.runningJobs.Done()
			q.executeJob(ctx, j)
		}(job)
	}
}

// executeJob executes a job and handles retries if needed
func (q *JobQueue) executeJob(ctx context.Context, job *Job) {
	job.Attempts++

	if job.Attempts > 1 {
		q.mu.Lock()
		q.stats.RetryAttempts++
		q.mu.Unlock()
		q.logger.Debug("retrying job",
			"job_id", job.ID,
			"action", job.Action.GetDescription(),
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
		)
	}

	execCtx, cancel := context.WithTimeout(ctx, executionTimeout)
	defer cancel()

	// buffered so a late-finishing action can always deliver its result and
	// exit, even after the timeout branch below has been taken
	resultCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- fmt.Errorf("job execution panicked: %v", r)
			}
		}()
		resultCh <- job.Action.Execute(job.Data)
	}()

	var err error
	select {
	case err = <-resultCh:
	case <-execCtx.Done():
		if execCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("job execution timed out after %v: %w", executionTimeout, execCtx.Err())
		} else {
			err = fmt.Errorf("job execution was cancelled: %w", execCtx.Err())
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		job.LastError = err

		if job.Attempts >= job.MaxAttempts {
			job.Status = JobStatusFailed
			q.stats.FailedJobs++
			q.logger.Error("job permanently failed",
				"job_id", job.ID,
				"action", job.Action.GetDescription(),
				"attempts", job.Attempts,
				"error", err,
			)
		} else {
			job.Status = JobStatusRetrying
			delay := calculateBackoffDelay(job.Config, job.Attempts)
			job.NextRetryAt = time.Now().Add(delay)
			q.logger.Warn("job failed, scheduling retry",
				"job_id", job.ID,
				"action", job.Action.GetDescription(),
				"retry_in", delay,
				"attempt", job.Attempts,
				"max_attempts", job.MaxAttempts,
				"error", err,
			)
		}
	} else {
		job.Status = JobStatusCompleted
		q.stats.SuccessfulJobs++
		if job.Attempts > 1 {
			q.logger.Info("job succeeded after retries",
				"job_id", job.ID,
				"action", job.Action.GetDescription(),
				"attempts", job.Attempts,
			)
		}
	}
}

// GetStats returns a snapshot of the current job statistics
func (q *JobQueue) GetStats() JobStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// PendingJobs returns the number of jobs waiting or retrying.
func (q *JobQueue) PendingJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, job := range q.jobs {
		if job.Status == JobStatusPending || job.Status == JobStatusRetrying {
			count++
		}
	}
	return count
}
