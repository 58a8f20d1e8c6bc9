package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/config"
	"github.com/ecocollect/phonegate/internal/queue"
)

// CleanupJob keeps the delivery queue tidy: it drops finished jobs past
// retention and returns active jobs abandoned by a crashed worker to waiting.
type CleanupJob struct {
	backend    queue.Backend
	retention  time.Duration
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
	done       chan struct{}
}

func NewCleanupJob(backend queue.Backend, retention, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		backend:    backend,
		retention:  retention,
		staleAfter: config.StaleJobThreshold,
		interval:   interval,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := j.now()
	j.runCleanup(ctx, "finished queue jobs", func(ctx context.Context) (int64, error) {
		return j.backend.PurgeFinished(ctx, now.Add(-j.retention))
	})
	j.runCleanup(ctx, "stale active jobs", func(ctx context.Context) (int64, error) {
		return j.backend.RequeueStale(ctx, now.Add(-j.staleAfter))
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
