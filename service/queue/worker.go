package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/gammazero/workerpool"
	goredis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/redis"
)

// Handler processes one claimed job. A nil return completes the job; an error
// schedules the next attempt or, when attempts are exhausted, fails it.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions tune a queue consumer.
type WorkerOptions struct {
	// Concurrency bounds how many jobs are processed at once. Defaults to 5.
	Concurrency int
	// PollInterval is how long to wait when the queue is empty. Defaults to 1s.
	PollInterval time.Duration
	// LeaseTTL is how long a claimed job's lease lives between refreshes.
	// Defaults to 1m.
	LeaseTTL time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency < 1 {
		o.Concurrency = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = time.Minute
	}
	return o
}

// Worker polls a queue and hands claimed jobs to a handler, at most
// options.Concurrency at a time. Failed attempts are rescheduled with
// exponential backoff until the job's attempts are exhausted.
type Worker struct {
	queue   *Queue
	handler Handler
	options WorkerOptions

	locks    *redislock.Client
	wp       *workerpool.WorkerPool
	tokens   chan struct{}
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewWorker creates a consumer for the queue. Start must be called before any
// jobs are processed.
func NewWorker(q *Queue, handler Handler, options WorkerOptions) *Worker {
	options = options.withDefaults()
	return &Worker{
		queue:   q,
		handler: handler,
		options: options,
		locks:   redis.NewLockClient(q.cache),
		wp:      workerpool.New(options.Concurrency),
		tokens:  make(chan struct{}, options.Concurrency),
	}
}

// Start begins claiming jobs in the background. Claiming stops when the
// context is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.loopDone = make(chan struct{})
	go w.loop(ctx)
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.loopDone
	}
	w.wp.StopWait()
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case w.tokens <- struct{}{}:
		}

		if err := w.promoteDue(ctx); err != nil {
			logger.For(ctx).Errorf("failed to promote delayed jobs on queue %s: %s", w.queue.name, err)
		}

		job, err := w.claim(ctx)
		if err != nil {
			logger.For(ctx).Errorf("failed to claim a job on queue %s: %s", w.queue.name, err)
		}
		if job == nil {
			<-w.tokens
			if sleepErr := sleepContext(ctx, w.options.PollInterval); sleepErr != nil {
				return
			}
			continue
		}

		w.wp.Submit(func() {
			defer func() { <-w.tokens }()
			w.process(job)
		})
	}
}

// promoteDue moves delayed jobs whose run time has arrived onto the waiting
// list, preserving their scheduled order.
func (w *Worker) promoteDue(ctx context.Context) error {
	keys := []string{w.queue.delayedKey(), w.queue.waitingKey(), w.queue.jobKeyPrefix()}
	return promoteScript.Run(ctx, w.queue.cache.Scripter(), keys, time.Now().UnixMilli()).Err()
}

// claim pops the next waiting job and marks it active. Returns nil with no
// error when the queue is empty.
func (w *Worker) claim(ctx context.Context) (*Job, error) {
	keys := []string{w.queue.waitingKey(), w.queue.jobKeyPrefix()}
	jobID, err := claimScript.Run(ctx, w.queue.cache.Scripter(), keys, time.Now().UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	job, err := w.queue.GetJob(ctx, jobID)
	if err != nil {
		// the claim already moved the job out of waiting, so put it back
		// rather than leaving it stuck in active
		w.requeue(ctx, jobID)
		return nil, err
	}
	return job, nil
}

func (w *Worker) process(job *Job) {
	ctx := logger.NewContextWithFields(context.Background(), logrus.Fields{
		"queue": w.queue.name,
		"jobId": job.ID,
	})

	lease, err := w.locks.Obtain(ctx, w.queue.leaseKey(job.ID), w.options.LeaseTTL, nil)
	if err != nil {
		// Another holder means a lease from a previous run has not expired
		// yet. Put the job back instead of processing under a contested lease.
		logger.For(ctx).Warnf("could not obtain lease for job %s: %s", job.ID, err)
		w.requeue(ctx, job.ID)
		return
	}

	refreshDone := make(chan struct{})
	go w.refreshLease(ctx, lease, refreshDone)

	handlerErr := w.handler(ctx, job)

	close(refreshDone)
	if releaseErr := lease.Release(ctx); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
		logger.For(ctx).Warnf("failed to release lease for job %s: %s", job.ID, releaseErr)
	}

	if handlerErr == nil {
		w.finalize(ctx, job, StateCompleted, "")
		return
	}

	logger.For(ctx).Warnf("job %s attempt %d/%d failed: %s", job.ID, job.AttemptsMade, job.MaxAttempts, handlerErr)

	if job.AttemptsMade < job.MaxAttempts {
		w.retryLater(ctx, job, handlerErr)
		return
	}
	w.finalize(ctx, job, StateFailed, handlerErr.Error())
}

func (w *Worker) refreshLease(ctx context.Context, lease *redislock.Lock, done <-chan struct{}) {
	ticker := time.NewTicker(w.options.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx, w.options.LeaseTTL, nil); err != nil {
				logger.For(ctx).Warnf("failed to refresh job lease: %s", err)
			}
		}
	}
}

// retryLater schedules the next attempt with exponential backoff on the job's
// configured base delay.
func (w *Worker) retryLater(ctx context.Context, job *Job, cause error) {
	delay := job.BackoffDelay
	for i := 1; i < job.AttemptsMade; i++ {
		delay *= 2
	}
	runAt := time.Now().Add(delay).UnixMilli()

	keys := []string{w.queue.jobKey(job.ID), w.queue.delayedKey()}
	err := retryScript.Run(ctx, w.queue.cache.Scripter(), keys, job.ID, runAt, truncateReason(cause.Error())).Err()
	if err != nil {
		logger.For(ctx).Errorf("failed to schedule retry for job %s: %s", job.ID, err)
	}
}

func (w *Worker) requeue(ctx context.Context, jobID string) {
	keys := []string{w.queue.jobKey(jobID), w.queue.waitingKey()}
	if err := requeueScript.Run(ctx, w.queue.cache.Scripter(), keys, jobID).Err(); err != nil {
		logger.For(ctx).Errorf("failed to requeue job %s: %s", jobID, err)
	}
}

// finalize moves a job into a terminal state and trims that state's retention
// window by age and count.
func (w *Worker) finalize(ctx context.Context, job *Job, state State, failedReason string) {
	retention := w.queue.options.RemoveOnComplete
	terminalKey := w.queue.completedKey()
	if state == StateFailed {
		retention = w.queue.options.RemoveOnFail
		terminalKey = w.queue.failedKey()
	}

	keys := []string{w.queue.jobKey(job.ID), terminalKey, w.queue.jobKeyPrefix()}
	err := finalizeScript.Run(ctx, w.queue.cache.Scripter(), keys,
		job.ID, time.Now().UnixMilli(), string(state), truncateReason(failedReason),
		retention.Count, retention.Age.Milliseconds(),
	).Err()
	if err != nil {
		logger.For(ctx).Errorf("failed to finalize job %s as %s: %s", job.ID, state, err)
	}
}

func truncateReason(reason string) string {
	const maxLen = 500
	if len(reason) > maxLen {
		return reason[:maxLen]
	}
	return reason
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Scripts

// promoteScript moves every delayed job due at or before now onto the waiting
// list. KEYS: delayed zset, waiting list, job key prefix. ARGV: nowMs.
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('RPUSH', KEYS[2], id)
	redis.call('HSET', KEYS[3] .. id, 'state', 'waiting')
end
return #due
`)

// claimScript pops the next waiting job and marks it active, counting the
// attempt. KEYS: waiting list, job key prefix. ARGV: nowMs.
var claimScript = goredis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
redis.call('HSET', KEYS[2] .. id, 'state', 'active', 'processedAt', ARGV[1])
redis.call('HINCRBY', KEYS[2] .. id, 'attemptsMade', 1)
return id
`)

// retryScript schedules a failed job's next attempt.
// KEYS: job hash, delayed zset. ARGV: jobId, runAtMs, failedReason.
var retryScript = goredis.NewScript(`
redis.call('HSET', KEYS[1], 'state', 'delayed', 'failedReason', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// requeueScript puts a claimed job back on the waiting list without counting
// the attempt. KEYS: job hash, waiting list. ARGV: jobId.
var requeueScript = goredis.NewScript(`
redis.call('HSET', KEYS[1], 'state', 'waiting')
redis.call('HINCRBY', KEYS[1], 'attemptsMade', -1)
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// finalizeScript moves a job to a terminal state and trims the retention zset
// by age and count, deleting the trimmed job hashes.
// KEYS: job hash, terminal zset, job key prefix.
// ARGV: jobId, nowMs, state, failedReason, keepCount, maxAgeMs.
var finalizeScript = goredis.NewScript(`
redis.call('HSET', KEYS[1], 'state', ARGV[3], 'finishedAt', ARGV[2], 'failedReason', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])

local trimmed = {}
if tonumber(ARGV[6]) > 0 then
	local cutoff = tonumber(ARGV[2]) - tonumber(ARGV[6])
	local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', cutoff)
	for _, id in ipairs(expired) do
		table.insert(trimmed, id)
	end
end
if tonumber(ARGV[5]) > 0 then
	local total = redis.call('ZCARD', KEYS[2])
	if total > tonumber(ARGV[5]) then
		local excess = redis.call('ZRANGE', KEYS[2], 0, total - tonumber(ARGV[5]) - 1)
		for _, id in ipairs(excess) do
			table.insert(trimmed, id)
		end
	end
end

for _, id in ipairs(trimmed) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('DEL', KEYS[3] .. id)
end
return #trimmed
`)
