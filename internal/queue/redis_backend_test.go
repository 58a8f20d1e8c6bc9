package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecocollect/phonegate/internal/model"
)

func newTestBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(client)
}

func singleJob(id string, priority int, createdAt time.Time) *model.DeliveryJob {
	return &model.DeliveryJob{
		ID:        id,
		Kind:      model.JobKindSingle,
		Priority:  priority,
		CreatedAt: createdAt,
		Single: &model.SinglePayload{
			Recipient: "+233241234567",
			Message:   model.MessageSpec{Body: "hello"},
		},
	}
}

func TestRedisBackend_AddAndClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("claims lower priority value first then FIFO", func(t *testing.T) {
		b := newTestBackend(t)
		base := time.Now().Add(-time.Minute)

		require.NoError(t, b.Add(ctx, singleJob("bulk-1", 10, base)))
		require.NoError(t, b.Add(ctx, singleJob("single-1", 1, base.Add(time.Second))))
		require.NoError(t, b.Add(ctx, singleJob("single-2", 1, base.Add(2*time.Second))))

		var order []string
		for i := 0; i < 3; i++ {
			job, err := b.Claim(ctx, time.Now())
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusActive, job.Status)
			order = append(order, job.ID)
		}
		assert.Equal(t, []string{"single-1", "single-2", "bulk-1"}, order)

		_, err := b.Claim(ctx, time.Now())
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("dup", 1, time.Now())))

		err := b.Add(ctx, singleJob("dup", 1, time.Now()))
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("rejects invalid jobs", func(t *testing.T) {
		b := newTestBackend(t)
		job := singleJob("bad", 1, time.Now())
		job.Kind = model.JobKindBulkChunk

		assert.Error(t, b.Add(ctx, job))
	})

	t.Run("holds delayed jobs until due", func(t *testing.T) {
		b := newTestBackend(t)
		notBefore := time.Now().Add(time.Hour)
		job := singleJob("later", 1, time.Now())
		job.NotBefore = notBefore

		require.NoError(t, b.Add(ctx, job))
		assert.Equal(t, model.JobStatusDelayed, job.Status)

		_, err := b.Claim(ctx, time.Now())
		assert.ErrorIs(t, err, ErrEmpty)

		claimed, err := b.Claim(ctx, notBefore.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, "later", claimed.ID)
		assert.Equal(t, "+233241234567", claimed.Single.Recipient)
	})
}

func TestRedisBackend_Transitions(t *testing.T) {
	ctx := context.Background()

	t.Run("retry parks the job and keeps attempts", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("r1", 1, time.Now())))

		job, err := b.Claim(ctx, time.Now())
		require.NoError(t, err)
		job.Attempts = 1
		job.LastError = "carrier timeout"

		retryAt := time.Now().Add(5 * time.Second)
		require.NoError(t, b.Retry(ctx, job, retryAt))

		stored, err := b.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusDelayed, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
		assert.Equal(t, "carrier timeout", stored.LastError)

		_, err = b.Claim(ctx, time.Now())
		assert.ErrorIs(t, err, ErrEmpty)

		again, err := b.Claim(ctx, retryAt.Add(time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, "r1", again.ID)
		assert.Equal(t, 1, again.Attempts)
	})

	t.Run("complete and fail feed the counters", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("ok", 1, time.Now())))
		require.NoError(t, b.Add(ctx, singleJob("ko", 2, time.Now())))

		first, err := b.Claim(ctx, time.Now())
		require.NoError(t, err)
		first.Attempts = 1
		require.NoError(t, b.Complete(ctx, first))

		second, err := b.Claim(ctx, time.Now())
		require.NoError(t, err)
		second.Attempts = 3
		require.NoError(t, b.Fail(ctx, second))

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(1), stats.Failed)
		assert.Equal(t, int64(0), stats.Waiting)
		assert.Equal(t, int64(0), stats.Active)

		stored, err := b.Get(ctx, "ko")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, stored.Status)
		assert.Equal(t, 3, stored.Attempts)
	})

	t.Run("cancel only applies to waiting or delayed jobs", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("running", 1, time.Now())))
		delayed := singleJob("scheduled", 1, time.Now())
		delayed.NotBefore = time.Now().Add(time.Hour)
		require.NoError(t, b.Add(ctx, delayed))

		_, err := b.Claim(ctx, time.Now())
		require.NoError(t, err)

		ok, err := b.Cancel(ctx, "running")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Cancel(ctx, "scheduled")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Cancel(ctx, "scheduled")
		require.NoError(t, err)
		assert.False(t, ok, "already cancelled")

		ok, err = b.Cancel(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		stored, err := b.Get(ctx, "scheduled")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, stored.Status)

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Delayed)
		assert.Equal(t, int64(1), stats.Active)
	})

	t.Run("get returns nil for unknown ids", func(t *testing.T) {
		b := newTestBackend(t)
		job, err := b.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestRedisBackend_Maintenance(t *testing.T) {
	ctx := context.Background()

	t.Run("requeues jobs claimed before the cutoff", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("stuck", 1, time.Now())))

		claimedAt := time.Now().Add(-time.Hour)
		_, err := b.Claim(ctx, claimedAt)
		require.NoError(t, err)

		n, err := b.RequeueStale(ctx, time.Now().Add(-10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		job, err := b.Claim(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, "stuck", job.ID)
	})

	t.Run("leaves fresh active jobs alone", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("fresh", 1, time.Now())))
		_, err := b.Claim(ctx, time.Now())
		require.NoError(t, err)

		n, err := b.RequeueStale(ctx, time.Now().Add(-10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("purges finished jobs older than the cutoff", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("done", 1, time.Now())))
		job, err := b.Claim(ctx, time.Now())
		require.NoError(t, err)
		require.NoError(t, b.Complete(ctx, job))

		n, err := b.PurgeFinished(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = b.PurgeFinished(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		stored, err := b.Get(ctx, "done")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})
}

func TestRedisBackend_OverrunningJob(t *testing.T) {
	ctx := context.Background()
	cutoff := func() time.Time { return time.Now().Add(-10 * time.Minute) }

	t.Run("completing a requeued job removes it from waiting", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("slow", 1, time.Now())))

		job, err := b.Claim(ctx, time.Now().Add(-11*time.Minute))
		require.NoError(t, err)

		n, err := b.RequeueStale(ctx, cutoff())
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		job.Attempts = 1
		require.NoError(t, b.Complete(ctx, job))

		_, err = b.Claim(ctx, time.Now())
		assert.ErrorIs(t, err, ErrEmpty)

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(0), stats.Waiting)

		stored, err := b.Get(ctx, "slow")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, stored.Status)
	})

	t.Run("retrying a requeued job moves it to delayed only", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("slow", 1, time.Now())))

		job, err := b.Claim(ctx, time.Now().Add(-11*time.Minute))
		require.NoError(t, err)
		_, err = b.RequeueStale(ctx, cutoff())
		require.NoError(t, err)

		job.Attempts = 1
		require.NoError(t, b.Retry(ctx, job, time.Now().Add(time.Minute)))

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Waiting)
		assert.Equal(t, int64(1), stats.Delayed)

		_, err = b.Claim(ctx, time.Now())
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("superseded claim cannot finish the job", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("slow", 1, time.Now())))

		first, err := b.Claim(ctx, time.Now().Add(-11*time.Minute))
		require.NoError(t, err)
		_, err = b.RequeueStale(ctx, cutoff())
		require.NoError(t, err)

		second, err := b.Claim(ctx, time.Now())
		require.NoError(t, err)
		assert.Greater(t, second.Claim, first.Claim)

		assert.ErrorIs(t, b.Complete(ctx, first), ErrStaleClaim)
		assert.ErrorIs(t, b.Retry(ctx, first, time.Now().Add(time.Minute)), ErrStaleClaim)
		require.NoError(t, b.Complete(ctx, second))

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(0), stats.Active)
		assert.Equal(t, int64(0), stats.Delayed)
	})

	t.Run("cancelled after requeue stays cancelled", func(t *testing.T) {
		b := newTestBackend(t)
		require.NoError(t, b.Add(ctx, singleJob("slow", 1, time.Now())))

		job, err := b.Claim(ctx, time.Now().Add(-11*time.Minute))
		require.NoError(t, err)
		_, err = b.RequeueStale(ctx, cutoff())
		require.NoError(t, err)

		ok, err := b.Cancel(ctx, "slow")
		require.NoError(t, err)
		require.True(t, ok)

		assert.ErrorIs(t, b.Fail(ctx, job), ErrStaleClaim)

		stored, err := b.Get(ctx, "slow")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, stored.Status)

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Failed)
	})
}

func TestPriorityScore(t *testing.T) {
	now := time.Now()
	assert.Less(t, PriorityScore(1, now.Add(time.Hour)), PriorityScore(10, now))
	assert.Less(t, PriorityScore(1, now), PriorityScore(1, now.Add(time.Millisecond)))
}
