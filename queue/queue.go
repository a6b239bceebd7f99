// Package queue implements the durable delivery queue on Redis lists. Jobs
// are moved to a per-topic processing list while in flight (at-least-once);
// Recover requeues anything stranded there after a crash. The queue does no
// backoff of its own: a job fails once and its failure is counted.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Job is the wire payload placed on the queue
type Job struct {
	MessageID string `json:"message_id"`
}

type DeliveryQueue struct {
	rdb   *redis.Client
	topic string
	log   *logrus.Logger
}

func NewDeliveryQueue(rdb *redis.Client, topic string, log *logrus.Logger) *DeliveryQueue {
	return &DeliveryQueue{rdb: rdb, topic: topic, log: log}
}

func (q *DeliveryQueue) key() string           { return "queue:" + q.topic }
func (q *DeliveryQueue) processingKey() string { return "queue:" + q.topic + ":processing" }
func (q *DeliveryQueue) completedKey() string  { return "queue:" + q.topic + ":completed" }
func (q *DeliveryQueue) failedKey() string     { return "queue:" + q.topic + ":failed" }

// Enqueue pushes a job onto the topic
func (q *DeliveryQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.key(), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue delivery job: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job, moving it to the processing
// list. Returns (nil, "", nil) when the wait times out. The raw payload must
// be passed back to Ack or Fail.
func (q *DeliveryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, string, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.key(), q.processingKey(), timeout).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to dequeue delivery job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison payload: drop it from processing and count the failure
		q.rdb.LRem(ctx, q.processingKey(), 1, raw)
		q.rdb.Incr(ctx, q.failedKey())
		return nil, "", fmt.Errorf("malformed delivery job %q: %w", raw, err)
	}
	return &job, raw, nil
}

// Ack removes a completed job from the processing list
func (q *DeliveryQueue) Ack(ctx context.Context, raw string) error {
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
		return err
	}
	return q.rdb.Incr(ctx, q.completedKey()).Err()
}

// Fail removes a failed job from the processing list and counts it. The job
// is not requeued.
func (q *DeliveryQueue) Fail(ctx context.Context, raw string) error {
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
		return err
	}
	return q.rdb.Incr(ctx, q.failedKey()).Err()
}

// Recover moves jobs stranded on the processing list back onto the topic.
// Called once at startup, before workers start; in-flight redelivery is safe
// because job handling is idempotent on already-sent messages.
func (q *DeliveryQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.rdb.RPopLPush(ctx, q.processingKey(), q.key()).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover delivery jobs: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.log.Warnf("Requeued %d stranded delivery jobs", moved)
	}
	return moved, nil
}

// Counters returns the completed and failed job counts
func (q *DeliveryQueue) Counters(ctx context.Context) (completed, failed int64, err error) {
	completed, err = q.rdb.Get(ctx, q.completedKey()).Int64()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return 0, 0, err
	}
	failed, err = q.rdb.Get(ctx, q.failedKey()).Int64()
	if err == redis.Nil {
		err = nil
	}
	return completed, failed, err
}

// Len returns the number of jobs waiting on the topic
func (q *DeliveryQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key()).Result()
}
