package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func testQueue(t *testing.T) (*DeliveryQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	return NewDeliveryQueue(rdb, "delivery", log), rdb
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{MessageID: "msg-1"}); err != nil {
		t.Fatal(err)
	}

	job, raw, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.MessageID != "msg-1" {
		t.Fatalf("got %+v", job)
	}

	if err := q.Ack(ctx, raw); err != nil {
		t.Fatal(err)
	}

	completed, failed, err := q.Counters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if completed != 1 || failed != 0 {
		t.Fatalf("counters = %d/%d", completed, failed)
	}
}

func TestDequeueTimeoutReturnsNil(t *testing.T) {
	q, _ := testQueue(t)
	job, raw, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil || raw != "" {
		t.Fatalf("expected empty result, got %+v %q", job, raw)
	}
}

func TestFailCountsAndDoesNotRequeue(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{MessageID: "msg-2"})
	_, raw, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, raw); err != nil {
		t.Fatal(err)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("failed job was requeued, len = %d", n)
	}
	_, failed, _ := q.Counters(ctx)
	if failed != 1 {
		t.Fatalf("failed counter = %d", failed)
	}
}

func TestRecoverRequeuesStrandedJobs(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{MessageID: "msg-3"})
	q.Enqueue(ctx, Job{MessageID: "msg-4"})

	// Simulate a crash: both jobs dequeued, neither acked
	if _, _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}

	moved, err := q.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 2 {
		t.Fatalf("recovered %d jobs", moved)
	}

	n, _ := q.Len(ctx)
	if n != 2 {
		t.Fatalf("len = %d after recovery", n)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	q, rdb := testQueue(t)
	ctx := context.Background()

	rdb.LPush(ctx, "queue:delivery", "not json")
	_, _, err := q.Dequeue(ctx, time.Second)
	if err == nil {
		t.Fatal("expected error for poison payload")
	}

	// Must not be stranded on the processing list
	n, _ := rdb.LLen(ctx, "queue:delivery:processing").Result()
	if n != 0 {
		t.Fatalf("poison payload stranded in processing, len = %d", n)
	}
	_, failed, _ := q.Counters(ctx)
	if failed != 1 {
		t.Fatalf("failed counter = %d", failed)
	}
}
