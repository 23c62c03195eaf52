package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type drift struct {
	ClubID string `json:"clubId"`
}

func TestRedisJobQueueEnqueueStoresStatus(t *testing.T) {
	q := newTestQueue(t, miniredis.RunT(t))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "join", drift{ClubID: "c1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job = (%v, %v)", ok, err)
	}
	if got.Status != StatusQueued || got.Kind != "join" {
		t.Fatalf("unexpected job: %+v", got)
	}
	var payload drift
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ClubID != "c1" {
		t.Fatalf("payload = %+v", payload)
	}
	if _, err := q.Enqueue(ctx, " ", nil); err == nil {
		t.Fatalf("expected error for empty kind")
	}
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["kind"] != job.Kind || got.Values["payload"] != job.Payload {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
}

func TestRedisJobQueueHandleMessageRetriesThenFails(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)
	q.maxRetries = 1

	var calls int32
	handler := func(context.Context, Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("store unavailable")
	}
	q.handleMessage(ctx, redis.XMessage{ID: msgID, Values: streamValues(job)}, handler)

	got, _, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "store unavailable" {
		t.Fatalf("unexpected job status: %+v", got)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("handler calls = %d", calls)
	}
}

func TestRedisJobQueueStartProcessesJobs(t *testing.T) {
	q := newTestQueue(t, miniredis.RunT(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "leave", drift{ClubID: "c9"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := make(chan string, 1)
	q.Start(ctx, 1, func(_ context.Context, j Job) error {
		var payload drift
		if err := j.Decode(&payload); err != nil {
			return err
		}
		done <- payload.ClubID
		return nil
	})

	select {
	case got := <-done:
		if got != "c9" {
			t.Fatalf("handled club %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job was not processed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _, _ := q.GetJob(context.Background(), job.ID)
		if got.Status == StatusDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never marked done")
}

func newTestQueue(t *testing.T, srv *miniredis.Miniredis) *RedisJobQueue {
	t.Helper()
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       srv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
		Block:      50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()

	q := newTestQueue(t, miniredis.RunT(t))
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "join", drift{ClubID: "c1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job
}

func TestRedisJobQueueEnqueueWritesStreamEntry(t *testing.T) {
	q := newTestQueue(t, miniredis.RunT(t))
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "join", drift{ClubID: "c1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "leave", drift{ClubID: "c2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 2 {
		t.Fatalf("stream length = %d, want 2", n)
	}
}

func TestRedisJobQueueBackoffIsCapped(t *testing.T) {
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       "127.0.0.1:0",
		Stream:     "s",
		RetryDelay: time.Second,
		MaxBackoff: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()

	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 5: 3 * time.Second} {
		if got := q.backoff(attempt); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestNewRedisJobQueueRequiresAddrAndStream(t *testing.T) {
	if _, err := NewRedisJobQueue(RedisQueueConfig{Stream: "s"}); err == nil {
		t.Fatalf("expected error without addr")
	}
	if _, err := NewRedisJobQueue(RedisQueueConfig{Addr: "127.0.0.1:6379"}); err == nil {
		t.Fatalf("expected error without stream")
	}
}

func TestRedisJobQueueDropsMalformedEntry(t *testing.T) {
	q := newTestQueue(t, miniredis.RunT(t))
	ctx := context.Background()
	q.ensureGroup(ctx)

	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"kind": "join"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "c",
		Streams:  []string{q.stream, ">"},
		Count:    1,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	called := false
	q.handleMessage(ctx, streams[0].Messages[0], func(context.Context, Job) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("handler invoked for malformed entry")
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("malformed entry not removed, len=%d", n)
	}
}
