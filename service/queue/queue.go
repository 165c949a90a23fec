// Package queue implements named durable job queues on redis with the
// delivery semantics background refresh work needs: de-duplication by job ID,
// scheduled retries with exponential backoff, and bounded retention of
// finished jobs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/redis"
)

// State is the lifecycle state of a job. A job is in exactly one state at a
// time; waiting, delayed, and active are the non-terminal states.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// BackoffExponential doubles the delay after every failed attempt.
const BackoffExponential = "exponential"

// JobOptions control retry and retention behavior for a job.
type JobOptions struct {
	// Attempts is the total number of tries before the job lands in failed
	// retention. Zero means a single attempt.
	Attempts int
	Backoff  Backoff
	// RemoveOnComplete and RemoveOnFail bound how long finished jobs stay
	// readable. Zero values keep them indefinitely.
	RemoveOnComplete Retention
	RemoveOnFail     Retention
}

// Backoff is the retry delay policy between attempts.
type Backoff struct {
	Type  string
	Delay time.Duration
}

// Retention bounds terminal jobs by count and by age.
type Retention struct {
	Count int64
	Age   time.Duration
}

func (o JobOptions) withDefaults() JobOptions {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = time.Second
	}
	return o
}

// Job is a snapshot of a queued unit of work.
type Job struct {
	ID           string
	Queue        string
	Data         json.RawMessage
	State        State
	AttemptsMade int
	MaxAttempts  int
	BackoffDelay time.Duration
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
	FailedReason string
	Progress     json.RawMessage

	queue *Queue
}

// UnmarshalData decodes the job payload into the given value
func (j *Job) UnmarshalData(into interface{}) error {
	return json.Unmarshal(j.Data, into)
}

// UpdateProgress stores a progress snapshot on the job. Progress writes are
// best-effort; failures are logged and never fail the job.
func (j *Job) UpdateProgress(ctx context.Context, progress interface{}) {
	marshaled, err := json.Marshal(progress)
	if err == nil {
		err = j.queue.cache.HSet(ctx, j.queue.jobKey(j.ID), "progress", string(marshaled))
	}
	if err != nil {
		logger.For(ctx).Warnf("failed to update progress for job %s:%s: %s", j.Queue, j.ID, err)
	}
	j.Progress = marshaled
}

// ErrJobNotFound is returned when no job exists for an ID
type ErrJobNotFound struct {
	Queue string
	ID    string
}

func (e ErrJobNotFound) Error() string {
	return fmt.Sprintf("job %s not found in queue %s", e.ID, e.Queue)
}

// Queue is a named durable queue. Multiple Queue instances with the same name
// share state through redis.
type Queue struct {
	name    string
	cache   *redis.Cache
	options JobOptions
}

// New creates a handle to the named queue. The given options apply to every
// job added through this handle.
func New(name string, cache *redis.Cache, options JobOptions) *Queue {
	return &Queue{name: name, cache: cache, options: options.withDefaults()}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Add enqueues a job de-duplicated by jobID. If a job with this ID is already
// waiting, delayed, or active, no new job is created and the existing one is
// returned. A terminal job with this ID is removed and replaced. The returned
// bool reports whether a new job was created.
func (q *Queue) Add(ctx context.Context, jobID string, data interface{}) (*Job, bool, error) {
	marshaled, err := json.Marshal(data)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UnixMilli()
	keys := []string{q.jobKey(jobID), q.waitingKey(), q.completedKey(), q.failedKey()}
	created, err := addScript.Run(ctx, q.cache.Scripter(), keys,
		jobID, string(marshaled), q.options.Attempts, q.options.Backoff.Delay.Milliseconds(), now,
	).Int()
	if err != nil {
		return nil, false, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return job, created == 1, nil
}

// GetJob returns the current snapshot of a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.cache.HGetAll(ctx, q.jobKey(jobID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound{Queue: q.name, ID: jobID}
	}
	return q.parseJob(fields), nil
}

// Counts reports how many jobs sit in each state, for operational visibility.
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	waiting, err := q.cache.LLen(ctx, q.waitingKey())
	if err != nil {
		return nil, err
	}
	delayed, err := q.cache.ZCard(ctx, q.delayedKey())
	if err != nil {
		return nil, err
	}
	completed, err := q.cache.ZCard(ctx, q.completedKey())
	if err != nil {
		return nil, err
	}
	failed, err := q.cache.ZCard(ctx, q.failedKey())
	if err != nil {
		return nil, err
	}
	return map[State]int64{
		StateWaiting:   waiting,
		StateDelayed:   delayed,
		StateCompleted: completed,
		StateFailed:    failed,
	}, nil
}

func (q *Queue) parseJob(fields map[string]string) *Job {
	job := &Job{
		ID:           fields["id"],
		Queue:        q.name,
		Data:         json.RawMessage(fields["data"]),
		State:        State(fields["state"]),
		AttemptsMade: atoi(fields["attemptsMade"]),
		MaxAttempts:  atoi(fields["maxAttempts"]),
		BackoffDelay: time.Duration(atoi64(fields["backoffMs"])) * time.Millisecond,
		CreatedAt:    millisTime(fields["createdAt"]),
		ProcessedAt:  millisTime(fields["processedAt"]),
		FinishedAt:   millisTime(fields["finishedAt"]),
		FailedReason: fields["failedReason"],
		queue:        q,
	}
	if progress, ok := fields["progress"]; ok {
		job.Progress = json.RawMessage(progress)
	}
	return job
}

func (q *Queue) jobKey(jobID string) string {
	return q.name + ":job:" + jobID
}

// jobKeyPrefix is handed to scripts that look up job hashes by ID.
func (q *Queue) jobKeyPrefix() string {
	return q.name + ":job:"
}

func (q *Queue) waitingKey() string {
	return q.name + ":waiting"
}

func (q *Queue) delayedKey() string {
	return q.name + ":delayed"
}

func (q *Queue) completedKey() string {
	return q.name + ":completed"
}

func (q *Queue) failedKey() string {
	return q.name + ":failed"
}

func (q *Queue) leaseKey(jobID string) string {
	return q.name + ":lease:" + jobID
}

func atoi(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}

func atoi64(s string) int64 {
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}

func millisTime(s string) time.Time {
	ms := atoi64(s)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Scripts

// addScript creates a waiting job unless a non-terminal job with the same ID
// already exists. Terminal jobs with the ID are removed before re-adding.
// KEYS: job hash, waiting list, completed zset, failed zset.
// ARGV: jobId, data, maxAttempts, backoffMs, nowMs.
var addScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'active' or state == 'delayed' then
	return 0
end

redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[1])

redis.call('HSET', KEYS[1],
	'id', ARGV[1],
	'data', ARGV[2],
	'state', 'waiting',
	'attemptsMade', '0',
	'maxAttempts', ARGV[3],
	'backoffMs', ARGV[4],
	'createdAt', ARGV[5])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)
