package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sophiasocial/internal/util"
)

// RedisQueueConfig configures a RedisJobQueue. Zero values take the
// defaults applied by NewRedisJobQueue.
type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string

	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxBackoff time.Duration
	MaxLen     int64
	BatchSize  int64

	Logger *slog.Logger
}

func (c RedisQueueConfig) withDefaults() RedisQueueConfig {
	c.Addr = strings.TrimSpace(c.Addr)
	c.Stream = strings.TrimSpace(c.Stream)
	c.Group = strings.TrimSpace(c.Group)
	c.Consumer = strings.TrimSpace(c.Consumer)
	if c.Group == "" {
		c.Group = "default"
	}
	if c.Consumer == "" {
		c.Consumer = util.NewID()
	}
	if c.JobTTL <= 0 {
		c.JobTTL = 72 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// RedisJobQueue delivers jobs at least once through a Redis stream consumer
// group. Each job also has a hash at job:<stream>:<id> recording its status,
// attempt count and last error.
type RedisJobQueue struct {
	client *redis.Client
	cfg    RedisQueueConfig
	stream string
	group  string

	maxRetries int
	logger     *slog.Logger
	groupOnce  sync.Once
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	if cfg.Stream == "" {
		return nil, errors.New("queue stream required")
	}
	return &RedisJobQueue{
		client:     redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password}),
		cfg:        cfg,
		stream:     cfg.Stream,
		group:      cfg.Group,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger.With("stream", cfg.Stream, "group", cfg.Group),
	}, nil
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Enqueue writes the job hash and the stream entry in one transaction, so a
// job is never visible to workers without its status record.
func (q *RedisJobQueue) Enqueue(ctx context.Context, kind string, payload any) (Job, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Job{}, errors.New("job kind required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	now := time.Now().UTC()
	job := Job{
		ID:        util.NewID(),
		Kind:      kind,
		Payload:   string(body),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	key := q.jobKey(job.ID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, hashFields(job))
	pipe.Expire(ctx, key, q.cfg.JobTTL)
	q.add(ctx, pipe, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return job, nil
}

// GetJob reports the recorded state of a job. ok is false once the hash has
// expired or when the id was never issued.
func (q *RedisJobQueue) GetJob(ctx context.Context, id string) (Job, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Job{}, false, nil
	}
	h, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(h) == 0 {
		return Job{}, false, nil
	}
	return jobFromHash(id, h), true, nil
}

// Start launches concurrency workers that run until ctx is cancelled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := range concurrency {
		go q.work(ctx, fmt.Sprintf("%s-%d", q.cfg.Consumer, i), handler)
	}
}

// ensureGroup creates the group at offset 0 so entries written before the
// first worker starts are still delivered.
func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			q.logger.Warn("create consumer group failed", "err", err)
		}
	})
}

func (q *RedisJobQueue) work(ctx context.Context, consumer string, handler Handler) {
	logger := q.logger.With("consumer", consumer)
	for ctx.Err() == nil {
		// Entries abandoned by a crashed consumer come first.
		for _, msg := range q.reclaim(ctx, consumer, logger) {
			q.handleMessage(ctx, msg, handler)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.cfg.BatchSize,
			Block:    q.cfg.Block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil), ctx.Err() != nil:
			continue
		case err != nil:
			logger.Warn("read group failed", "err", err)
			sleep(ctx, q.cfg.RetryDelay)
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) reclaim(ctx context.Context, consumer string, logger *slog.Logger) []redis.XMessage {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    q.cfg.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
		logger.Debug("autoclaim failed", "err", err)
		return nil
	}
	return msgs
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	job, ok := jobFromMessage(msg)
	if !ok {
		q.logger.Warn("dropping malformed entry", "message_id", msg.ID)
		q.ack(ctx, msg.ID)
		return
	}
	job, err := q.begin(ctx, job)
	if err != nil {
		// Leave the entry pending; autoclaim retries it once idle.
		q.logger.Warn("mark processing failed", "job_id", job.ID, "err", err)
		return
	}
	logger := q.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	herr := handler(ctx, job)
	switch {
	case herr == nil:
		q.setStatus(ctx, job.ID, StatusDone, "")
		q.ack(ctx, msg.ID)
	case job.Attempts >= q.maxRetries:
		logger.Error("job failed permanently", "err", herr)
		q.setStatus(ctx, job.ID, StatusFailed, herr.Error())
		q.ack(ctx, msg.ID)
	default:
		logger.Warn("job will retry", "err", herr)
		q.setStatus(ctx, job.ID, StatusQueued, herr.Error())
		sleep(ctx, q.backoff(job.Attempts))
		if err := q.requeueAndAck(ctx, msg.ID, job); err != nil {
			logger.Warn("requeue failed", "err", err)
		}
	}
}

// backoff grows linearly with the attempt count up to MaxBackoff.
func (q *RedisJobQueue) backoff(attempt int) time.Duration {
	d := q.cfg.RetryDelay * time.Duration(attempt)
	return min(d, q.cfg.MaxBackoff)
}

// begin bumps the attempt counter and marks the job processing. The hash
// is rebuilt from the stream entry if it expired in the meantime.
func (q *RedisJobQueue) begin(ctx context.Context, job Job) (Job, error) {
	key := q.jobKey(job.ID)
	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	attempts := pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.HSet(ctx, key,
		"kind", job.Kind,
		"payload", job.Payload,
		"status", StatusProcessing,
		"updatedAt", formatTime(now),
	)
	pipe.HSetNX(ctx, key, "createdAt", formatTime(now))
	created := pipe.HGet(ctx, key, "createdAt")
	pipe.Expire(ctx, key, q.cfg.JobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return job, err
	}
	job.Status = StatusProcessing
	job.Attempts = int(attempts.Val())
	job.CreatedAt = parseTime(created.Val())
	job.UpdatedAt = now
	return job, nil
}

func (q *RedisJobQueue) setStatus(ctx context.Context, id, status, errMsg string) {
	key := q.jobKey(id)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", status,
		"error", errMsg,
		"updatedAt", formatTime(time.Now()),
	)
	pipe.Expire(ctx, key, q.cfg.JobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("record job status failed", "job_id", id, "status", status, "err", err)
	}
}

func (q *RedisJobQueue) add(ctx context.Context, pipe redis.Pipeliner, job Job) {
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: streamValues(job),
	})
}

func (q *RedisJobQueue) ack(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// requeueAndAck appends a fresh entry and retires the old one atomically.
// On failure the old entry stays pending for autoclaim.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	q.add(ctx, pipe, job)
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) jobKey(id string) string {
	return "job:" + q.stream + ":" + id
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
