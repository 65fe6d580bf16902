// Package pipeline runs proof generation and anchoring as asynchronous jobs.
// A Service persists jobs and publishes their IDs to a queue (memory, Redis
// or RabbitMQ); a Processor consumes the queue with a fixed number of workers,
// retries retryable failures and raises alerts when a job fails for good.
// RunBatches provides bounded-concurrency windows for bulk work.
package pipeline
