package handler

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/audit"
	apperrors "github.com/ecocollect/phonegate/internal/errors"
	"github.com/ecocollect/phonegate/internal/model"
	"github.com/ecocollect/phonegate/internal/phone"
	"github.com/ecocollect/phonegate/internal/repository"
	"github.com/ecocollect/phonegate/internal/service"
)

// DeliveryService is the SMS pipeline surface. Satisfied by
// service.DeliveryQueue.
type DeliveryService interface {
	EnqueueSingle(ctx context.Context, recipient string, msg model.MessageSpec, opts service.EnqueueOptions) (string, error)
	EnqueueBulk(ctx context.Context, recipients []model.BulkRecipient, msg model.MessageSpec, opts service.BulkOptions) ([]string, error)
	Schedule(ctx context.Context, recipient string, msg model.MessageSpec, sendAt time.Time) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*model.DeliveryJob, error)
	Stats(ctx context.Context) (model.QueueStats, error)
	ReportDelivery(report service.DeliveryReport)
}

// statsWindow bounds the notification counts reported next to queue stats.
const statsWindow = 24 * time.Hour

type SMSHandler struct {
	delivery      DeliveryService
	notifications repository.NotificationRepository
	now           func() time.Time
}

func NewSMSHandler(delivery DeliveryService, notifications repository.NotificationRepository) *SMSHandler {
	return &SMSHandler{delivery: delivery, notifications: notifications, now: time.Now}
}

// Routes mounts the SMS API. The delivery report endpoint is called by the
// carrier and stays outside auth.
func (h *SMSHandler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/delivery-report", h.DeliveryReport)

	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Post("/send", h.Send)
		r.Post("/bulk", h.Bulk)
		r.Post("/schedule", h.Schedule)
		r.Get("/jobs/{id}", h.GetJob)
		r.Delete("/jobs/{id}", h.CancelJob)
		r.Get("/stats", h.Stats)
		r.Get("/logs", h.Logs)
	})

	return r
}

type messageFields struct {
	Template string            `json:"template"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data"`
}

func (m messageFields) spec() model.MessageSpec {
	return model.MessageSpec{Template: m.Template, Body: m.Body, Data: m.Data}
}

// POST /sms/send
func (h *SMSHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageFields
		To           string `json:"to"`
		Priority     int    `json:"priority"`
		DelaySeconds int    `json:"delaySeconds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.To == "" {
		writeError(w, apperrors.MissingRequired("to"))
		return
	}

	jobID, err := h.delivery.EnqueueSingle(r.Context(), req.To, req.spec(), service.EnqueueOptions{
		Priority: req.Priority,
		Delay:    seconds(req.DelaySeconds),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID})
}

// POST /sms/bulk
func (h *SMSHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageFields
		Recipients   []model.BulkRecipient `json:"recipients"`
		ChunkSize    int                   `json:"chunkSize"`
		Priority     int                   `json:"priority"`
		DelaySeconds int                   `json:"delaySeconds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	jobIDs, err := h.delivery.EnqueueBulk(r.Context(), req.Recipients, req.spec(), service.BulkOptions{
		ChunkSize: req.ChunkSize,
		Priority:  req.Priority,
		Delay:     seconds(req.DelaySeconds),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobIds":     jobIDs,
		"chunks":     len(jobIDs),
		"recipients": len(req.Recipients),
	})
}

// POST /sms/schedule
func (h *SMSHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageFields
		To     string    `json:"to"`
		SendAt time.Time `json:"sendAt"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.To == "" {
		writeError(w, apperrors.MissingRequired("to"))
		return
	}
	if req.SendAt.IsZero() {
		writeError(w, apperrors.MissingRequired("sendAt"))
		return
	}

	jobID, err := h.delivery.Schedule(r.Context(), req.To, req.spec(), req.SendAt)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":  jobID,
		"sendAt": req.SendAt.UTC().Format(time.RFC3339),
	})
}

// GET /sms/jobs/{id}
func (h *SMSHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.delivery.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatJob(job))
}

// DELETE /sms/jobs/{id}
func (h *SMSHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled, err := h.delivery.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !cancelled {
		writeJSON(w, http.StatusConflict, map[string]any{
			"cancelled": false,
			"error":     "Job not found or already started",
		})
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventJobCancel,
		Details: map[string]interface{}{"jobId": id},
	})
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

type statsResponse struct {
	model.QueueStats
	Last24h map[model.NotificationStatus]int `json:"last24h,omitempty"`
}

// GET /sms/stats
// Notification counts are best effort; queue stats are returned without them
// when the database is unreachable.
func (h *SMSHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.delivery.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		QueueStats: stats,
		Last24h:    h.recentCounts(r.Context()),
	})
}

func (h *SMSHandler) recentCounts(ctx context.Context) map[model.NotificationStatus]int {
	since := h.now().Add(-statsWindow)
	statuses := []model.NotificationStatus{
		model.NotificationStatusSent,
		model.NotificationStatusDelivered,
		model.NotificationStatusFailed,
	}

	counts := make(map[model.NotificationStatus]int, len(statuses))
	for _, status := range statuses {
		n, err := h.notifications.CountByStatusSince(ctx, status, since)
		if err != nil {
			log.Warn().Err(err).Str("status", string(status)).Msg("failed to count notifications")
			return nil
		}
		counts[status] = n
	}
	return counts
}

// GET /sms/logs?recipient=
func (h *SMSHandler) Logs(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("recipient")
	if raw == "" {
		writeError(w, apperrors.MissingRequired("recipient"))
		return
	}
	recipient := phone.Normalize(raw)
	if !phone.IsValid(recipient) {
		writeError(w, apperrors.InvalidPhone(raw))
		return
	}

	records, err := h.notifications.FindByRecipient(r.Context(), recipient, ParseLimit(r))
	if err != nil {
		log.Error().Err(err).Msg("failed to load notification logs")
		writeError(w, apperrors.Database(err))
		return
	}

	logs := make([]map[string]any, len(records))
	for i, rec := range records {
		logs[i] = formatNotification(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recipient": recipient,
		"logs":      logs,
		"count":     len(logs),
	})
}

// Carrier final statuses. Anything else is an intermediate hop and ignored.
const (
	reportSuccess  = "Success"
	reportFailed   = "Failed"
	reportRejected = "Rejected"
)

// POST /sms/delivery-report
func (h *SMSHandler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	var report struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PhoneNumber   string `json:"phoneNumber"`
		FailureReason string `json:"failureReason"`
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if !decodeJSON(w, r, &report) {
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, apperrors.InvalidInput("body", "malformed form"))
			return
		}
		report.ID = r.PostFormValue("id")
		report.Status = r.PostFormValue("status")
		report.PhoneNumber = r.PostFormValue("phoneNumber")
		report.FailureReason = r.PostFormValue("failureReason")
	}

	if report.ID == "" {
		writeError(w, apperrors.MissingRequired("id"))
		return
	}

	var delivered bool
	switch strings.TrimSpace(report.Status) {
	case reportSuccess:
		delivered = true
	case reportFailed, reportRejected:
		delivered = false
	default:
		writeJSON(w, http.StatusOK, map[string]any{"recorded": false})
		return
	}

	recipient := strings.TrimSpace(report.PhoneNumber)
	var message string
	if original := h.originalSend(r.Context(), report.ID); original != nil {
		message = original.Message
		if recipient == "" {
			recipient = original.Recipient
		}
	}

	h.delivery.ReportDelivery(service.DeliveryReport{
		ExternalID: report.ID,
		Recipient:  recipient,
		Message:    message,
		Delivered:  delivered,
		Reason:     report.FailureReason,
	})

	audit.LogFromRequest(r, audit.Event{
		Type:  audit.EventDeliveryReport,
		Phone: phone.Mask(phone.Normalize(recipient)),
		Details: map[string]interface{}{
			"externalId": report.ID,
			"delivered":  delivered,
		},
	})
	writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

// originalSend returns the first record written for externalID, which is the
// carrier's acceptance of the send. A lookup failure is logged and the report
// is recorded with what the carrier sent.
func (h *SMSHandler) originalSend(ctx context.Context, externalID string) *model.NotificationRecord {
	records, err := h.notifications.FindByExternalID(ctx, externalID)
	if err != nil {
		log.Warn().Err(err).Str("externalId", externalID).Msg("failed to look up original send")
		return nil
	}
	if len(records) == 0 {
		return nil
	}
	return &records[0]
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperrors.InvalidInput("request body", "malformed JSON"))
		return false
	}
	return true
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
