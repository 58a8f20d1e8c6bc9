package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/model"
	"github.com/ecocollect/phonegate/internal/phone"
	"github.com/ecocollect/phonegate/internal/repository"
)

const writeTimeout = 5 * time.Second

// Recorder accepts notification records without blocking the caller.
type Recorder interface {
	Record(params model.CreateNotificationParams)
}

// NotificationLogger is a best-effort side channel to the notification log.
// Records are buffered and written by one background goroutine; a full
// buffer or a failed insert is logged and the record dropped. Delivery never
// waits on it.
type NotificationLogger struct {
	repo    repository.NotificationRepository
	records chan model.CreateNotificationParams

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotificationLogger(repo repository.NotificationRepository, buffer int) *NotificationLogger {
	if buffer < 1 {
		buffer = 1
	}
	return &NotificationLogger{
		repo:    repo,
		records: make(chan model.CreateNotificationParams, buffer),
	}
}

func (l *NotificationLogger) Start() {
	l.wg.Add(1)
	go l.run()
	log.Info().Int("buffer", cap(l.records)).Msg("notification logger started")
}

// Stop refuses new records and waits for the buffer to drain or ctx to end.
func (l *NotificationLogger) Stop(ctx context.Context) {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.records)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("notification logger stopped")
	case <-ctx.Done():
		log.Warn().Int("pending", len(l.records)).Msg("notification logger stopped before draining")
	}
}

func (l *NotificationLogger) Record(params model.CreateNotificationParams) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		logDropped(params, "logger stopped")
		return
	}

	select {
	case l.records <- params:
	default:
		logDropped(params, "buffer full")
	}
}

func (l *NotificationLogger) run() {
	defer l.wg.Done()
	for params := range l.records {
		l.write(params)
	}
}

func (l *NotificationLogger) write(params model.CreateNotificationParams) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if _, err := l.repo.Create(ctx, params); err != nil {
		log.Error().
			Err(err).
			Str("recipient", phone.Mask(params.Recipient)).
			Str("status", string(params.Status)).
			Msg("failed to write notification record")
	}
}

func logDropped(params model.CreateNotificationParams, reason string) {
	evt := log.Warn().
		Str("reason", reason).
		Str("type", string(params.Type)).
		Str("recipient", phone.Mask(params.Recipient)).
		Str("status", string(params.Status))
	if params.JobID != nil {
		evt = evt.Str("jobId", *params.JobID)
	}
	if params.ExternalID != nil {
		evt = evt.Str("externalId", *params.ExternalID)
	}
	evt.Msg("notification record dropped")
}
