package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/masstock/masstock/metrics"
)

const (
	heartbeatTTL      = 60 * time.Second
	heartbeatInterval = 30 * time.Second
	recoveryInterval  = 60 * time.Second
	promoteInterval   = time.Second
	pickupTimeout     = 5 * time.Second
)

// ProgressFunc reports a job's completion percentage, monotonically.
type ProgressFunc func(ctx context.Context, percent int) error

// Handler processes one job. A plain error means the attempt failed and the
// job may be retried; wrap with ErrPermanent to send it to the dead list
// without further attempts.
type Handler func(ctx context.Context, job Job, progress ProgressFunc) error

// DeadHandler is invoked once when a job is moved to the dead list, with the
// error that killed it.
type DeadHandler func(ctx context.Context, job Job, cause error)

// ConsumerConfig tunes a Consumer. Zero values fall back to the defaults
// noted per field.
type ConsumerConfig struct {
	Concurrency int           // parallel pickup loops, default 3
	MaxAttempts int           // attempts before the dead list, default 3
	BaseDelay   time.Duration // retry backoff base, default 2s
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
}

// Consumer pulls jobs off the queue and runs them through a Handler.
type Consumer struct {
	queue      *Queue
	client     redis.Cmdable
	instanceID string
	handler    Handler
	onDead     DeadHandler
	logger     *logharbour.Logger
	metrics    metrics.Metrics // nil disables recording
	cfg        ConsumerConfig
}

// NewConsumer creates a consumer with a fresh instance ID.
func NewConsumer(q *Queue, handler Handler, onDead DeadHandler, logger *logharbour.Logger, cfg ConsumerConfig) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		queue:      q,
		client:     q.client,
		instanceID: uuid.New().String(),
		handler:    handler,
		onDead:     onDead,
		logger:     logger,
		cfg:        cfg,
	}
}

// WithMetrics is a method to inject a metrics backend into the Consumer.
func (c *Consumer) WithMetrics(m metrics.Metrics) *Consumer {
	c.metrics = m
	return c
}

// InstanceID returns this consumer's identity in the worker registry.
func (c *Consumer) InstanceID() string {
	return c.instanceID
}

// Run registers the consumer and blocks processing jobs until ctx is
// cancelled. On return the consumer has deregistered and its in-flight jobs
// have finished or been returned to the ready list by the next reaper pass.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pickupLoop(ctx)
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.maintenanceLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	c.deregister()
	return ctx.Err()
}

func (c *Consumer) register(ctx context.Context) error {
	if err := c.client.SAdd(ctx, WorkerRegistryKey(), c.instanceID).Err(); err != nil {
		return err
	}
	return c.client.Set(ctx, WorkerHeartbeatKey(c.instanceID), "alive", heartbeatTTL).Err()
}

// deregister runs on a background context: the run context is already
// cancelled during shutdown but the registry cleanup must still go through.
func (c *Consumer) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.client.Del(ctx, WorkerHeartbeatKey(c.instanceID))
	c.client.SRem(ctx, WorkerRegistryKey(), c.instanceID)
}

func (c *Consumer) pickupLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		jobID, err := c.client.BLMove(ctx, readyKey(), processingKey(c.instanceID), "RIGHT", "LEFT", pickupTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.logger.Error(err).LogActivity("Job pickup failed", map[string]any{
				"instanceID": c.instanceID,
			})
			sleepWithJitter(ctx, time.Second)
			continue
		}

		c.processOne(ctx, jobID)
	}
}

func (c *Consumer) processOne(ctx context.Context, jobID string) {
	job, err := c.queue.readJob(ctx, jobID)
	if err != nil {
		c.logger.Error(err).LogActivity("Failed to load picked-up job", map[string]any{
			"jobID": jobID,
		})
		// Unreadable job hash: nothing to run, drop the lease entry.
		c.ack(jobID)
		return
	}

	progress := func(pctx context.Context, percent int) error {
		return c.client.HSet(pctx, JobKey(jobID), "progress", percent).Err()
	}

	handlerErr := c.handler(ctx, job, progress)
	if handlerErr == nil {
		c.ack(jobID)
		c.client.Expire(context.Background(), JobKey(jobID), jobTTL)
		return
	}

	c.retryOrKill(job, handlerErr)
}

// retryOrKill runs on a background context so a shutdown that cancelled the
// handler still records the attempt and reschedules the job.
func (c *Consumer) retryOrKill(job Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	attempts := job.Attempts + 1
	if err := c.client.HSet(ctx, JobKey(job.ID), "attempts", attempts).Err(); err != nil {
		c.logger.Error(err).LogActivity("Failed to record job attempt", map[string]any{
			"jobID": job.ID,
		})
	}
	job.Attempts = attempts

	if errors.Is(cause, ErrPermanent) || attempts >= c.cfg.MaxAttempts {
		c.kill(ctx, job, cause)
		return
	}

	delay := c.cfg.BaseDelay * (1 << (attempts - 1))
	readyAt := c.queue.now().Add(delay)
	if err := c.client.ZAdd(ctx, delayedKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		c.logger.Error(err).LogActivity("Failed to schedule job retry", map[string]any{
			"jobID": job.ID,
		})
		return
	}
	c.ack(job.ID)

	if c.metrics != nil {
		c.metrics.Record(metrics.JobRetriesTotal, 1)
	}
	c.logger.Warn().LogActivity("Job attempt failed, retry scheduled", map[string]any{
		"jobID":    job.ID,
		"attempts": attempts,
		"delayMS":  delay.Milliseconds(),
		"error":    cause.Error(),
	})
}

func (c *Consumer) kill(ctx context.Context, job Job, cause error) {
	if err := c.client.LPush(ctx, deadKey(), job.ID).Err(); err != nil {
		c.logger.Error(err).LogActivity("Failed to move job to dead list", map[string]any{
			"jobID": job.ID,
		})
	}
	c.ack(job.ID)
	c.client.Expire(ctx, JobKey(job.ID), jobTTL)

	c.logger.Error(cause).LogActivity("Job moved to dead list", map[string]any{
		"jobID":    job.ID,
		"attempts": job.Attempts,
	})
	if c.onDead != nil {
		c.onDead(ctx, job, cause)
	}
}

// ack drops the lease entry. Background context for the same reason as
// deregister: the ack must survive shutdown cancellation or the reaper will
// hand the finished job to another consumer.
func (c *Consumer) ack(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.LRem(ctx, processingKey(c.instanceID), 1, jobID).Err(); err != nil {
		c.logger.Error(err).LogActivity("Failed to ack job", map[string]any{
			"jobID": jobID,
		})
	}
}

func (c *Consumer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.client.Set(ctx, WorkerHeartbeatKey(c.instanceID), "alive", heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
				c.logger.Error(err).LogActivity("Heartbeat refresh failed", map[string]any{
					"instanceID": c.instanceID,
				})
			}
		}
	}
}

// maintenanceLoop promotes due delayed jobs every second and reaps dead
// consumers every minute. Every consumer runs it; the operations are
// idempotent so overlap between instances is harmless.
func (c *Consumer) maintenanceLoop(ctx context.Context) {
	promote := time.NewTicker(promoteInterval)
	defer promote.Stop()
	reap := time.NewTicker(recoveryInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if err := c.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error(err).LogActivity("Delayed job promotion failed", nil)
			}
			if c.metrics != nil {
				if depth, err := c.client.LLen(ctx, readyKey()).Result(); err == nil {
					c.metrics.RecordWithLabels(metrics.QueueDepth, float64(depth), "ready")
				}
				if depth, err := c.client.ZCard(ctx, delayedKey()).Result(); err == nil {
					c.metrics.RecordWithLabels(metrics.QueueDepth, float64(depth), "delayed")
				}
			}
		case <-reap.C:
			recovered, err := c.RecoverAbandonedJobs(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Error(err).LogActivity("Abandoned job recovery failed", nil)
			}
			if recovered > 0 {
				c.logger.Info().LogActivity("Recovered abandoned jobs", map[string]any{
					"count": recovered,
				})
			}
		}
	}
}

// PromoteDue moves delayed jobs whose time has come onto the ready list.
func (c *Consumer) PromoteDue(ctx context.Context) error {
	now := float64(c.queue.now().UnixMilli())
	ids, err := c.client.ZRangeByScore(ctx, delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		// ZRem first: only the instance that wins the removal re-enqueues,
		// so concurrent promoters cannot duplicate a job.
		removed, err := c.client.ZRem(ctx, delayedKey(), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := c.client.LPush(ctx, readyKey(), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// RecoverAbandonedJobs returns the leases of consumers whose heartbeat has
// expired to the ready list and drops them from the registry.
func (c *Consumer) RecoverAbandonedJobs(ctx context.Context) (int, error) {
	instanceIDs, err := c.client.SMembers(ctx, WorkerRegistryKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("read worker registry: %w", err)
	}

	var recovered int
	for _, instanceID := range instanceIDs {
		if instanceID == c.instanceID {
			continue
		}
		exists, err := c.client.Exists(ctx, WorkerHeartbeatKey(instanceID)).Result()
		if err != nil {
			c.logger.Error(err).LogActivity("Failed to check heartbeat", map[string]any{
				"instanceID": instanceID,
			})
			continue
		}
		if exists == 1 {
			continue
		}

		for {
			jobID, err := c.client.RPopLPush(ctx, processingKey(instanceID), readyKey()).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return recovered, err
			}
			recovered++
			c.logger.Warn().LogActivity("Returned job from dead consumer", map[string]any{
				"jobID":        jobID,
				"deadInstance": instanceID,
			})
		}
		c.client.SRem(ctx, WorkerRegistryKey(), instanceID)
	}
	return recovered, nil
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d + time.Duration(rand.Int63n(int64(d/2+1))))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
