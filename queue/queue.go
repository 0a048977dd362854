// Package queue is a durable Redis-backed job queue for workflow executions.
//
// A job lives as a HASH keyed by its ID; its ID circulates through a ready
// LIST, a delayed ZSET (retry backoff), per-consumer processing LISTs (the
// lease) and, after exhausting attempts, a dead LIST. Consumers register in
// a SET and maintain heartbeats so a reaper can return the leases of crashed
// consumers to the ready list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrPermanent wraps handler errors that must not be retried. Jobs failing
// permanently go straight to the dead list regardless of attempts left.
var ErrPermanent = errors.New("permanent job failure")

// jobTTL bounds how long a finished or dead job's hash lingers for
// inspection.
const jobTTL = 24 * time.Hour

// Job is one unit of work: run a single workflow execution end to end.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Queue enqueues jobs and exposes job state for inspection.
type Queue struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewQueue creates a queue over the given Redis client.
func NewQueue(client redis.Cmdable) *Queue {
	return &Queue{client: client, now: time.Now}
}

// Enqueue stores the job and makes it immediately available to consumers.
// The job ID is assigned here; callers get it back for correlation.
func (q *Queue) Enqueue(ctx context.Context, jobType string, executionID uuid.UUID, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	job := Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		ExecutionID: executionID,
		Payload:     raw,
		EnqueuedAt:  q.now().UTC(),
	}
	if err := q.writeJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, readyKey(), job.ID).Err(); err != nil {
		return "", fmt.Errorf("push job to ready list: %w", err)
	}
	return job.ID, nil
}

// Progress returns the last progress percentage reported for a job, or 0 if
// none was reported yet.
func (q *Queue) Progress(ctx context.Context, jobID string) (int, error) {
	v, err := q.client.HGet(ctx, JobKey(jobID), "progress").Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// DeadJobs returns up to limit jobs from the dead list, newest first.
func (q *Queue) DeadJobs(ctx context.Context, limit int64) ([]Job, error) {
	ids, err := q.client.LRange(ctx, deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.readJob(ctx, id)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) writeJob(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.HSet(ctx, JobKey(job.ID), map[string]any{
		"data":     data,
		"attempts": job.Attempts,
		"progress": 0,
	}).Err()
}

func (q *Queue) readJob(ctx context.Context, jobID string) (Job, error) {
	data, err := q.client.HGet(ctx, JobKey(jobID), "data").Result()
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return Job{}, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	attempts, err := q.client.HGet(ctx, JobKey(jobID), "attempts").Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Job{}, err
	}
	job.Attempts = attempts
	return job, nil
}
