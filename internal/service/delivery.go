package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ecocollect/phonegate/internal/audit"
	apperrors "github.com/ecocollect/phonegate/internal/errors"
	"github.com/ecocollect/phonegate/internal/model"
	"github.com/ecocollect/phonegate/internal/phone"
	"github.com/ecocollect/phonegate/internal/queue"
	"github.com/ecocollect/phonegate/internal/render"
)

// Lower values are claimed first.
const (
	PrioritySingle    = 1
	PriorityScheduled = 5
	PriorityBulk      = 10
)

const (
	DefaultChunkSize   = 50
	DefaultMaxAttempts = 3
	// MaxChunkSize keeps one chunk well inside the stale-job threshold at
	// the carrier's send rate.
	MaxChunkSize = 200

	carrierThrottleScope  = "carrier"
	carrierThrottleWindow = time.Minute
)

type QueueConfig struct {
	ChunkSize         int
	MaxAttempts       int
	BackoffBase       time.Duration
	Concurrency       int
	PollInterval      time.Duration
	CarrierRatePerMin int
}

// EnqueueOptions tune a single send. Zero Priority means PrioritySingle.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// BulkOptions tune a campaign. Zero values fall back to the queue defaults.
type BulkOptions struct {
	ChunkSize int
	Priority  int
	Delay     time.Duration
}

// DeliveryQueue validates, persists and executes SMS delivery jobs.
//
// Delivery is at-least-once. A worker that crashes after the carrier accepted
// a message but before Complete leaves the job active; the cleanup job later
// returns it to waiting and the message is sent again.
//
// When the backend is unreachable the queue runs degraded: jobs are delivered
// synchronously in the calling goroutine with a single attempt, and scheduled
// sends are held by in-process timers that do not survive a restart.
type DeliveryQueue struct {
	backend  queue.Backend
	carrier  Carrier
	renderer *render.Renderer
	recorder audit.Recorder
	limiter  Limiter
	cfg      QueueConfig

	now   func() time.Time
	newID func() string

	degraded atomic.Bool

	mu     sync.Mutex
	timers map[string]*time.Timer
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewDeliveryQueue(
	backend queue.Backend,
	carrier Carrier,
	renderer *render.Renderer,
	recorder audit.Recorder,
	limiter Limiter,
	cfg QueueConfig,
) *DeliveryQueue {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	return &DeliveryQueue{
		backend:  backend,
		carrier:  carrier,
		renderer: renderer,
		recorder: recorder,
		limiter:  limiter,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		timers:   make(map[string]*time.Timer),
	}
}

// Initialize probes the backend and enters degraded mode if it is down.
func (q *DeliveryQueue) Initialize(ctx context.Context) {
	if err := q.backend.Ping(ctx); err != nil {
		q.degraded.Store(true)
		log.Warn().Err(err).Msg("queue backend unreachable, delivering synchronously")
		return
	}
	q.degraded.Store(false)
	log.Info().Msg("queue backend ready")
}

func (q *DeliveryQueue) Degraded() bool {
	return q.degraded.Load()
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Shutdown is called.
func (q *DeliveryQueue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < q.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			q.work(gctx, worker)
			return nil
		})
	}

	q.mu.Lock()
	q.cancel = cancel
	q.group = g
	q.mu.Unlock()

	log.Info().
		Int("workers", q.cfg.Concurrency).
		Dur("pollInterval", q.cfg.PollInterval).
		Msg("delivery workers started")
}

// Shutdown stops the workers, waiting for in-flight jobs until ctx ends, and
// drops pending degraded-mode timers.
func (q *DeliveryQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	cancel, g := q.cancel, q.group
	q.cancel, q.group = nil, nil
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
		log.Warn().Str("jobId", id).Msg("dropping in-process scheduled send on shutdown")
	}
	q.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		log.Info().Msg("delivery workers stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for delivery workers: %w", ctx.Err())
	}
}

func (q *DeliveryQueue) EnqueueSingle(ctx context.Context, recipient string, msg model.MessageSpec, opts EnqueueOptions) (string, error) {
	to, err := validRecipient(recipient)
	if err != nil {
		return "", err
	}
	if err := q.validMessage(msg); err != nil {
		return "", err
	}

	q.warnMissingVariables(msg)

	priority := opts.Priority
	if priority == 0 {
		priority = PrioritySingle
	}

	now := q.now()
	job := &model.DeliveryJob{
		ID:        q.newID(),
		Kind:      model.JobKindSingle,
		Priority:  priority,
		NotBefore: now.Add(opts.Delay),
		CreatedAt: now,
		Single:    &model.SinglePayload{Recipient: to, Message: msg},
	}
	if err := q.submit(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// EnqueueBulk splits recipients into ceil(n/chunkSize) jobs sharing one
// campaign id. Any invalid recipient rejects the whole request.
func (q *DeliveryQueue) EnqueueBulk(ctx context.Context, recipients []model.BulkRecipient, msg model.MessageSpec, opts BulkOptions) ([]string, error) {
	if len(recipients) == 0 {
		return nil, apperrors.MissingRequired("recipients")
	}
	if err := q.validMessage(msg); err != nil {
		return nil, err
	}
	if opts.ChunkSize > MaxChunkSize {
		return nil, apperrors.InvalidInput("chunkSize", fmt.Sprintf("must be at most %d", MaxChunkSize))
	}

	normalized := make([]model.BulkRecipient, len(recipients))
	for i, r := range recipients {
		to, err := validRecipient(r.Phone)
		if err != nil {
			return nil, err
		}
		normalized[i] = model.BulkRecipient{Phone: to, Data: r.Data}
	}

	size := opts.ChunkSize
	if size < 1 {
		size = q.cfg.ChunkSize
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityBulk
	}

	now := q.now()
	campaignID := q.newID()
	total := (len(normalized) + size - 1) / size
	ids := make([]string, 0, total)

	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(normalized))
		job := &model.DeliveryJob{
			ID:        q.newID(),
			Kind:      model.JobKindBulkChunk,
			Priority:  priority,
			NotBefore: now.Add(opts.Delay),
			CreatedAt: now,
			Bulk: &model.BulkChunkPayload{
				CampaignID:  campaignID,
				ChunkIndex:  i,
				TotalChunks: total,
				Message:     msg,
				Recipients:  normalized[i*size : end],
			},
		}
		if err := q.submit(ctx, job); err != nil {
			return ids, err
		}
		ids = append(ids, job.ID)
	}

	log.Info().
		Str("campaignId", campaignID).
		Int("recipients", len(normalized)).
		Int("chunks", total).
		Msg("bulk campaign enqueued")
	return ids, nil
}

// Schedule enqueues a send for sendAt. The id is derived from the recipient
// and the current second, so two schedules for one recipient within the same
// second collide; the second is rejected with ALREADY_EXISTS.
func (q *DeliveryQueue) Schedule(ctx context.Context, recipient string, msg model.MessageSpec, sendAt time.Time) (string, error) {
	to, err := validRecipient(recipient)
	if err != nil {
		return "", err
	}
	if err := q.validMessage(msg); err != nil {
		return "", err
	}

	q.warnMissingVariables(msg)

	now := q.now()
	if sendAt.Before(now) {
		return "", apperrors.ScheduleInPast()
	}

	job := &model.DeliveryJob{
		ID:        fmt.Sprintf("sched-%s-%d", phone.Digits(to), now.Unix()),
		Kind:      model.JobKindScheduled,
		Priority:  PriorityScheduled,
		NotBefore: sendAt,
		CreatedAt: now,
		Scheduled: &model.ScheduledPayload{Recipient: to, Message: msg, SendAt: sendAt},
	}
	if err := q.submit(ctx, job); err != nil {
		return "", err
	}

	jobID := job.ID
	q.recorder.Record(model.CreateNotificationParams{
		Type:      model.NotificationTypeSMS,
		Recipient: to,
		Message:   q.renderMessage(msg, nil),
		Status:    model.NotificationStatusScheduled,
		JobID:     &jobID,
	})
	return job.ID, nil
}

// Cancel succeeds only for jobs that have not started.
func (q *DeliveryQueue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	if t, ok := q.timers[id]; ok {
		delete(q.timers, id)
		q.mu.Unlock()
		return t.Stop(), nil
	}
	q.mu.Unlock()

	if q.degraded.Load() {
		return false, nil
	}

	ok, err := q.backend.Cancel(ctx, id)
	if err != nil {
		return false, apperrors.QueueUnavailable(err)
	}
	if ok {
		log.Info().Str("jobId", id).Msg("job cancelled")
	}
	return ok, nil
}

func (q *DeliveryQueue) Get(ctx context.Context, id string) (*model.DeliveryJob, error) {
	job, err := q.backend.Get(ctx, id)
	if err != nil {
		return nil, apperrors.QueueUnavailable(err)
	}
	if job == nil {
		return nil, apperrors.JobNotFound(id)
	}
	return job, nil
}

// Stats reports zero counts with Degraded set while the backend is down.
func (q *DeliveryQueue) Stats(ctx context.Context) (model.QueueStats, error) {
	if q.degraded.Load() {
		return model.QueueStats{Degraded: true}, nil
	}
	stats, err := q.backend.Stats(ctx)
	if err != nil {
		return model.QueueStats{}, apperrors.QueueUnavailable(err)
	}
	return stats, nil
}

// DeliveryReport is the carrier's final status for one sent message. Message
// is the body of the original send when it is known.
type DeliveryReport struct {
	ExternalID string
	Recipient  string
	Message    string
	Delivered  bool
	Reason     string
}

// ReportDelivery appends the carrier's final status for a sent message.
func (q *DeliveryQueue) ReportDelivery(report DeliveryReport) {
	status := model.NotificationStatusDelivered
	var errText *string
	if !report.Delivered {
		status = model.NotificationStatusFailed
		if report.Reason != "" {
			reason := report.Reason
			errText = &reason
		}
	}
	externalID := report.ExternalID
	q.recorder.Record(model.CreateNotificationParams{
		Type:       model.NotificationTypeSMS,
		Recipient:  phone.Normalize(report.Recipient),
		Message:    report.Message,
		Status:     status,
		ExternalID: &externalID,
		Error:      errText,
	})
}

func (q *DeliveryQueue) submit(ctx context.Context, job *model.DeliveryJob) error {
	if q.degraded.Load() {
		return q.deliverInProcess(ctx, job)
	}

	err := q.backend.Add(ctx, job)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrDuplicate):
		return apperrors.AlreadyExists("Job " + job.ID)
	default:
		log.Warn().
			Err(err).
			Str("jobId", job.ID).
			Msg("queue backend add failed, delivering synchronously")
		return q.deliverInProcess(ctx, job)
	}
}

// deliverInProcess is the degraded path: one attempt now, or one attempt
// when an in-process timer fires for future jobs.
func (q *DeliveryQueue) deliverInProcess(ctx context.Context, job *model.DeliveryJob) error {
	delay := job.NotBefore.Sub(q.now())
	if delay <= 0 {
		q.executeOnce(context.WithoutCancel(ctx), job)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.timers[job.ID]; exists {
		return apperrors.AlreadyExists("Job " + job.ID)
	}
	q.timers[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		_, pending := q.timers[job.ID]
		delete(q.timers, job.ID)
		q.mu.Unlock()
		if pending {
			q.executeOnce(context.Background(), job)
		}
	})
	log.Warn().
		Str("jobId", job.ID).
		Time("notBefore", job.NotBefore).
		Msg("queue degraded, holding delayed job in process")
	return nil
}

func (q *DeliveryQueue) executeOnce(ctx context.Context, job *model.DeliveryJob) {
	job.Attempts = 1
	res := q.attempt(ctx, job, false)
	if res.err != nil {
		log.Warn().
			Err(res.err).
			Str("jobId", job.ID).
			Int("unsent", len(res.pending)).
			Msg("synchronous delivery finished with failures")
	}
}

func (q *DeliveryQueue) work(ctx context.Context, worker int) {
	logger := log.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		if q.degraded.Load() {
			q.probe(ctx)
			q.idle(ctx)
			continue
		}

		processed, err := q.processNext(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("delivery worker error")
		}
		if !processed {
			q.idle(ctx)
		}
	}
}

func (q *DeliveryQueue) idle(ctx context.Context) {
	t := time.NewTimer(q.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (q *DeliveryQueue) probe(ctx context.Context) {
	if err := q.backend.Ping(ctx); err == nil && q.degraded.CompareAndSwap(true, false) {
		log.Info().Msg("queue backend reachable again, leaving degraded mode")
	}
}

// processNext claims and executes one job. It reports false when nothing was
// due.
func (q *DeliveryQueue) processNext(ctx context.Context) (bool, error) {
	job, err := q.backend.Claim(ctx, q.now())
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = q.execute(ctx, job)
	if errors.Is(err, queue.ErrStaleClaim) {
		log.Warn().
			Str("jobId", job.ID).
			Msg("job was requeued or cancelled while running, result discarded")
		return true, nil
	}
	return true, err
}

func (q *DeliveryQueue) execute(ctx context.Context, job *model.DeliveryJob) error {
	logger := log.With().
		Str("jobId", job.ID).
		Str("kind", string(job.Kind)).
		Int("attempt", job.Attempts+1).
		Logger()

	job.Attempts++
	res := q.attempt(ctx, job, true)

	if res.sent == 0 && !res.throttledUntil.IsZero() {
		job.Attempts--
		logger.Debug().Time("until", res.throttledUntil).Msg("carrier throttled, delaying job")
		return q.backend.Retry(ctx, job, res.throttledUntil)
	}

	if job.Bulk != nil {
		job.Bulk.Pending = res.pending
	}
	if res.err != nil {
		job.LastError = res.err.Error()
	}

	switch {
	case len(res.pending) == 0 && !res.permanent:
		logger.Info().Msg("job completed")
		return q.backend.Complete(ctx, job)

	case len(res.pending) == 0:
		logger.Warn().Err(res.err).Msg("job failed permanently")
		return q.backend.Fail(ctx, job)

	case job.Attempts < q.cfg.MaxAttempts:
		notBefore := q.now().Add(q.backoff(job.Attempts))
		if res.throttledUntil.After(notBefore) {
			notBefore = res.throttledUntil
		}
		logger.Info().
			Err(res.err).
			Int("pending", len(res.pending)).
			Time("retryAt", notBefore).
			Msg("job will be retried")
		return q.backend.Retry(ctx, job, notBefore)

	default:
		q.recordExhausted(job, res)
		logger.Warn().Err(res.err).Msg("job failed after exhausting retries")
		return q.backend.Fail(ctx, job)
	}
}

// backoff is base * 2^(attempts-1): 5s, 10s, 20s with the default base.
func (q *DeliveryQueue) backoff(attempts int) time.Duration {
	return q.cfg.BackoffBase << (attempts - 1)
}

type attemptResult struct {
	sent           int
	pending        []model.BulkRecipient
	throttled      []model.BulkRecipient
	throttledUntil time.Time
	permanent      bool
	err            error
}

// attempt sends to every recipient the job still owes a message. Transient
// failures and throttled recipients end up in pending; permanent failures do
// not.
func (q *DeliveryQueue) attempt(ctx context.Context, job *model.DeliveryJob, throttle bool) attemptResult {
	res := attemptResult{pending: []model.BulkRecipient{}}
	msg := job.Message()

	targets := q.targets(job)
	for i, target := range targets {
		if throttle {
			if ok, resetAt := q.allowSend(ctx); !ok {
				res.throttledUntil = resetAt
				res.throttled = targets[i:]
				res.pending = append(res.pending, targets[i:]...)
				return res
			}
		}

		body := q.renderMessage(msg, target.Data)
		err := q.send(ctx, job, target.Phone, body)
		res.sent++
		if err == nil {
			continue
		}

		res.err = err
		if apperrors.IsRetryable(err) {
			res.pending = append(res.pending, target)
		} else if job.Bulk == nil {
			res.permanent = true
		}
	}
	return res
}

func (q *DeliveryQueue) targets(job *model.DeliveryJob) []model.BulkRecipient {
	if job.Bulk == nil {
		return []model.BulkRecipient{{Phone: job.Recipients()[0]}}
	}
	if job.Bulk.Pending != nil {
		return job.Bulk.Pending
	}
	return job.Bulk.Recipients
}

func (q *DeliveryQueue) renderMessage(msg model.MessageSpec, recipientData map[string]string) string {
	data := render.Merge(msg.Data, recipientData)
	if msg.Template != "" {
		return q.renderer.Render(msg.Template, data)
	}
	return q.renderer.RenderCustom(msg.Body, data)
}

func (q *DeliveryQueue) allowSend(ctx context.Context) (bool, time.Time) {
	if q.limiter == nil || q.cfg.CarrierRatePerMin <= 0 {
		return true, time.Time{}
	}
	return q.limiter.CheckLimit(ctx, carrierThrottleScope, "sms", q.cfg.CarrierRatePerMin, carrierThrottleWindow)
}

// send makes one carrier call and writes its notification record.
func (q *DeliveryQueue) send(ctx context.Context, job *model.DeliveryJob, recipient, body string) error {
	jobID := job.ID
	params := model.CreateNotificationParams{
		Type:      model.NotificationTypeSMS,
		Recipient: recipient,
		Message:   body,
		JobID:     &jobID,
	}

	result, err := q.carrier.Send(ctx, recipient, body)
	if err != nil {
		errText := err.Error()
		params.Status = model.NotificationStatusFailed
		params.Error = &errText
		q.recorder.Record(params)
		return err
	}

	externalID := result.ExternalID
	params.Status = result.Status
	params.ExternalID = &externalID
	q.recorder.Record(params)
	return nil
}

// recordExhausted writes a failed record for recipients that were throttled
// on the final attempt and never reached the carrier.
func (q *DeliveryQueue) recordExhausted(job *model.DeliveryJob, res attemptResult) {
	if len(res.throttled) == 0 {
		return
	}
	jobID := job.ID
	reason := "retry budget exhausted while carrier throttled"
	for _, r := range res.throttled {
		q.recorder.Record(model.CreateNotificationParams{
			Type:      model.NotificationTypeSMS,
			Recipient: r.Phone,
			Message:   q.renderMessage(job.Message(), r.Data),
			Status:    model.NotificationStatusFailed,
			JobID:     &jobID,
			Error:     &reason,
		})
	}
}

// validMessage rejects empty specs and template ids the renderer does not
// know, so a typo is not silently sent as the fallback text.
func (q *DeliveryQueue) validMessage(msg model.MessageSpec) error {
	if msg.Empty() {
		return apperrors.EmptyMessage()
	}
	if msg.Template != "" && !q.renderer.Has(msg.Template) {
		return apperrors.InvalidInput("template", fmt.Sprintf("unknown template %q", msg.Template))
	}
	return nil
}

// warnMissingVariables flags template placeholders the request leaves
// unfilled. They are sent as written.
func (q *DeliveryQueue) warnMissingVariables(msg model.MessageSpec) {
	if msg.Template == "" {
		return
	}
	if missing := q.renderer.MissingVariables(msg.Template, msg.Data); len(missing) > 0 {
		log.Warn().
			Str("template", msg.Template).
			Strs("missing", missing).
			Msg("template variables not provided")
	}
}

func validRecipient(raw string) (string, error) {
	to := phone.Normalize(raw)
	if !phone.IsValid(to) {
		return "", apperrors.InvalidPhone(raw)
	}
	return to, nil
}
