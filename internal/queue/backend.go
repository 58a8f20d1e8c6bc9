// Package queue stores delivery jobs durably. The backend owns job state
// transitions; scheduling policy (retry, backoff, chunking) lives in the
// delivery service.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ecocollect/phonegate/internal/model"
)

var (
	// ErrEmpty is returned by Claim when no job is due.
	ErrEmpty = errors.New("queue: no job ready")
	// ErrDuplicate is returned by Add when the job id is already taken.
	ErrDuplicate = errors.New("queue: job id already exists")
	// ErrStaleClaim is returned by Complete, Fail and Retry when the job was
	// requeued and claimed again, or cancelled, after this claim was taken.
	ErrStaleClaim = errors.New("queue: job claim is no longer current")
)

type Backend interface {
	Ping(ctx context.Context) error
	Add(ctx context.Context, job *model.DeliveryJob) error
	// Claim promotes due delayed jobs and moves the highest-priority waiting
	// job to active.
	Claim(ctx context.Context, now time.Time) (*model.DeliveryJob, error)
	// Complete, Fail and Retry apply only to the claim recorded on job.
	Complete(ctx context.Context, job *model.DeliveryJob) error
	Fail(ctx context.Context, job *model.DeliveryJob) error
	// Retry parks an active job in delayed until notBefore.
	Retry(ctx context.Context, job *model.DeliveryJob, notBefore time.Time) error
	// Cancel succeeds only for waiting or delayed jobs.
	Cancel(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*model.DeliveryJob, error)
	Stats(ctx context.Context) (model.QueueStats, error)
	// RequeueStale returns jobs claimed before the cutoff to waiting.
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	// PurgeFinished deletes completed, failed and cancelled jobs finished
	// before the cutoff.
	PurgeFinished(ctx context.Context, finishedBefore time.Time) (int64, error)
}

// PriorityScore orders waiting jobs: lower priority first, then FIFO.
func PriorityScore(priority int, createdAt time.Time) float64 {
	return float64(priority)*1e13 + float64(createdAt.UnixMilli())
}
