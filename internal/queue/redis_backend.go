package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecocollect/phonegate/internal/model"
)

const (
	defaultPrefix = "queue:"
	promoteBatch  = 100
)

// RedisBackend keeps each job in a hash and tracks its state with sorted
// sets. Every transition is a single Lua script so concurrent workers and
// cancellations never observe a half-moved job.
//
// The scripts touch job hashes derived from ids, so the keyspace must live
// on one node (no Redis Cluster).
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: defaultPrefix}
}

func (b *RedisBackend) jobPrefix() string {
	return b.prefix + "job:"
}

func (b *RedisBackend) jobKey(id string) string {
	return b.jobPrefix() + id
}

func (b *RedisBackend) waitingKey() string {
	return b.prefix + "waiting"
}

func (b *RedisBackend) delayedKey() string {
	return b.prefix + "delayed"
}

func (b *RedisBackend) activeKey() string {
	return b.prefix + "active"
}

func (b *RedisBackend) finishedKey() string {
	return b.prefix + "finished"
}

func (b *RedisBackend) counterKey(status model.JobStatus) string {
	return b.prefix + "count:" + string(status)
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Add(ctx context.Context, job *model.DeliveryJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	status := model.JobStatusWaiting
	if job.NotBefore.After(time.Now()) {
		status = model.JobStatusDelayed
	}
	score := PriorityScore(job.Priority, job.CreatedAt)

	added, err := addScript.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.waitingKey(), b.delayedKey()},
		job.ID, payload, string(status), formatScore(score), job.NotBefore.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	if added == 0 {
		return ErrDuplicate
	}

	job.Status = status
	return nil
}

func (b *RedisBackend) Claim(ctx context.Context, now time.Time) (*model.DeliveryJob, error) {
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.delayedKey(), b.waitingKey(), b.activeKey()},
		now.UnixMilli(), b.jobPrefix(), promoteBatch,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("claim job: unexpected reply of length %d", len(res))
	}

	job, err := decodeJob(res[1])
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", res[0], err)
	}
	job.ID = res[0]
	job.Status = model.JobStatusActive
	job.Attempts, _ = strconv.Atoi(res[2])
	job.Claim, _ = strconv.ParseInt(res[3], 10, 64)
	return job, nil
}

func (b *RedisBackend) Complete(ctx context.Context, job *model.DeliveryJob) error {
	return b.finish(ctx, job, model.JobStatusCompleted)
}

func (b *RedisBackend) Fail(ctx context.Context, job *model.DeliveryJob) error {
	return b.finish(ctx, job, model.JobStatusFailed)
}

func (b *RedisBackend) finish(ctx context.Context, job *model.DeliveryJob, status model.JobStatus) error {
	job.Status = status
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	n, err := finishScript.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.activeKey(), b.waitingKey(), b.finishedKey(), b.counterKey(status)},
		job.ID, string(status), job.Attempts, payload, time.Now().UnixMilli(), job.Claim,
	).Int()
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", job.ID, status, err)
	}
	if n == 0 {
		return fmt.Errorf("mark job %s %s: %w", job.ID, status, ErrStaleClaim)
	}
	return nil
}

func (b *RedisBackend) Retry(ctx context.Context, job *model.DeliveryJob, notBefore time.Time) error {
	job.Status = model.JobStatusDelayed
	job.NotBefore = notBefore
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	n, err := retryScript.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.activeKey(), b.waitingKey(), b.delayedKey()},
		job.ID, job.Attempts, payload, notBefore.UnixMilli(), job.Claim,
	).Int()
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("retry job %s: %w", job.ID, ErrStaleClaim)
	}
	return nil
}

func (b *RedisBackend) Cancel(ctx context.Context, id string) (bool, error) {
	n, err := cancelScript.Run(ctx, b.client,
		[]string{b.jobKey(id), b.waitingKey(), b.delayedKey(), b.finishedKey()},
		id, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*model.DeliveryJob, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job, err := decodeJob(fields["payload"])
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job.Status = model.JobStatus(fields["status"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	return job, nil
}

func (b *RedisBackend) Stats(ctx context.Context) (model.QueueStats, error) {
	pipe := b.client.Pipeline()
	waiting := pipe.ZCard(ctx, b.waitingKey())
	active := pipe.ZCard(ctx, b.activeKey())
	delayed := pipe.ZCard(ctx, b.delayedKey())
	completed := pipe.Get(ctx, b.counterKey(model.JobStatusCompleted))
	failed := pipe.Get(ctx, b.counterKey(model.JobStatusFailed))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return model.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}

	return model.QueueStats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: counterValue(completed),
		Failed:    counterValue(failed),
	}, nil
}

func (b *RedisBackend) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	n, err := requeueScript.Run(ctx, b.client,
		[]string{b.activeKey(), b.waitingKey()},
		claimedBefore.UnixMilli(), b.jobPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return n, nil
}

func (b *RedisBackend) PurgeFinished(ctx context.Context, finishedBefore time.Time) (int64, error) {
	n, err := purgeScript.Run(ctx, b.client,
		[]string{b.finishedKey()},
		finishedBefore.UnixMilli(), b.jobPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return n, nil
}

func decodeJob(payload string) (*model.DeliveryJob, error) {
	var job model.DeliveryJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func counterValue(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
