package queue

import "fmt"

// Key layout of the job queue. Hash tags ({...}) keep an entity's keys on one
// Redis Cluster slot.

// readyKey is the LIST of job IDs ready for immediate pickup.
func readyKey() string {
	return "MASSTOCK_Q_READY"
}

// delayedKey is the ZSET of job IDs scheduled for later, scored by the unix
// millisecond at which they become ready.
func delayedKey() string {
	return "MASSTOCK_Q_DELAYED"
}

// deadKey is the LIST of job IDs that exhausted their attempts.
func deadKey() string {
	return "MASSTOCK_Q_DEAD"
}

// JobKey returns the Redis key of the HASH holding a job's payload, attempt
// counter and progress.
func JobKey(jobID string) string {
	return fmt.Sprintf("MASSTOCK_{%s}_JOB", jobID)
}

// processingKey returns the per-consumer LIST acting as that consumer's
// lease: job IDs it has picked up but not yet acked. Recovery moves entries
// of dead consumers back to the ready list.
func processingKey(instanceID string) string {
	return fmt.Sprintf("MASSTOCK_{%s}_PROCESSING", instanceID)
}

// WorkerRegistryKey returns the global SET of consumer instance IDs. Recovery
// reads this instead of SCAN, which does not work across cluster nodes.
func WorkerRegistryKey() string {
	return "MASSTOCK_WORKER_REGISTRY"
}

// WorkerHeartbeatKey returns the heartbeat key of a consumer instance.
func WorkerHeartbeatKey(instanceID string) string {
	return fmt.Sprintf("MASSTOCK_{%s}_HEARTBEAT", instanceID)
}
