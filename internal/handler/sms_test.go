package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ecocollect/phonegate/internal/errors"
	"github.com/ecocollect/phonegate/internal/model"
	"github.com/ecocollect/phonegate/internal/service"
)

type mockDelivery struct {
	mock.Mock
}

func (m *mockDelivery) EnqueueSingle(ctx context.Context, recipient string, msg model.MessageSpec, opts service.EnqueueOptions) (string, error) {
	args := m.Called(ctx, recipient, msg, opts)
	return args.String(0), args.Error(1)
}

func (m *mockDelivery) EnqueueBulk(ctx context.Context, recipients []model.BulkRecipient, msg model.MessageSpec, opts service.BulkOptions) ([]string, error) {
	args := m.Called(ctx, recipients, msg, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockDelivery) Schedule(ctx context.Context, recipient string, msg model.MessageSpec, sendAt time.Time) (string, error) {
	args := m.Called(ctx, recipient, msg, sendAt)
	return args.String(0), args.Error(1)
}

func (m *mockDelivery) Cancel(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockDelivery) Get(ctx context.Context, id string) (*model.DeliveryJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeliveryJob), args.Error(1)
}

func (m *mockDelivery) Stats(ctx context.Context) (model.QueueStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.QueueStats), args.Error(1)
}

func (m *mockDelivery) ReportDelivery(report service.DeliveryReport) {
	m.Called(report)
}

type mockNotificationRepo struct {
	mock.Mock
}

func (m *mockNotificationRepo) Create(ctx context.Context, params model.CreateNotificationParams) (*model.NotificationRecord, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.NotificationRecord), args.Error(1)
}

func (m *mockNotificationRepo) FindByRecipient(ctx context.Context, recipient string, limit int) ([]model.NotificationRecord, error) {
	args := m.Called(ctx, recipient, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.NotificationRecord), args.Error(1)
}

func (m *mockNotificationRepo) FindByExternalID(ctx context.Context, externalID string) ([]model.NotificationRecord, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.NotificationRecord), args.Error(1)
}

func (m *mockNotificationRepo) CountByStatusSince(ctx context.Context, status model.NotificationStatus, since time.Time) (int, error) {
	args := m.Called(ctx, status, since)
	return args.Int(0), args.Error(1)
}

type smsFixture struct {
	delivery *mockDelivery
	repo     *mockNotificationRepo
	router   chi.Router
}

func newSMSFixture(auth func(http.Handler) http.Handler) *smsFixture {
	f := &smsFixture{delivery: &mockDelivery{}, repo: &mockNotificationRepo{}}
	f.router = NewSMSHandler(f.delivery, f.repo).Routes(auth)
	return f
}

func (f *smsFixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSMSHandler_Send(t *testing.T) {
	t.Run("queues a templated message", func(t *testing.T) {
		f := newSMSFixture(nil)
		msg := model.MessageSpec{Template: "welcome", Data: map[string]string{"name": "Ama"}}
		f.delivery.On("EnqueueSingle", mock.Anything, "0241234567", msg, service.EnqueueOptions{Priority: 2, Delay: 30 * time.Second}).
			Return("job-1", nil)

		w := f.do(http.MethodPost, "/send", `{"to":"0241234567","template":"welcome","data":{"name":"Ama"},"priority":2,"delaySeconds":30}`)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "job-1", decodeBody(t, w)["jobId"])
		f.delivery.AssertExpectations(t)
	})

	t.Run("missing recipient", func(t *testing.T) {
		f := newSMSFixture(nil)

		w := f.do(http.MethodPost, "/send", `{"body":"hi"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, string(apperrors.ErrCodeMissingRequired), decodeBody(t, w)["code"])
		f.delivery.AssertNotCalled(t, "EnqueueSingle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("malformed json", func(t *testing.T) {
		f := newSMSFixture(nil)

		w := f.do(http.MethodPost, "/send", `{"to":`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, string(apperrors.ErrCodeInvalidInput), decodeBody(t, w)["code"])
	})

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "invalid phone", err: apperrors.InvalidPhone("12"), status: http.StatusBadRequest},
		{name: "empty message", err: apperrors.EmptyMessage(), status: http.StatusBadRequest},
		{name: "queue unavailable", err: apperrors.QueueUnavailable(errors.New("down")), status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSMSFixture(nil)
			f.delivery.On("EnqueueSingle", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", tt.err)

			w := f.do(http.MethodPost, "/send", `{"to":"12","body":"hi"}`)

			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestSMSHandler_Bulk(t *testing.T) {
	f := newSMSFixture(nil)
	recipients := []model.BulkRecipient{
		{Phone: "+233241234567", Data: map[string]string{"name": "Ama"}},
		{Phone: "+233201112222"},
	}
	f.delivery.On("EnqueueBulk", mock.Anything, recipients, model.MessageSpec{Body: "Hub open"}, service.BulkOptions{ChunkSize: 1}).
		Return([]string{"c-1", "c-2"}, nil)

	w := f.do(http.MethodPost, "/bulk", `{"recipients":[{"phone":"+233241234567","data":{"name":"Ama"}},{"phone":"+233201112222"}],"body":"Hub open","chunkSize":1}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["chunks"])
	assert.Equal(t, float64(2), body["recipients"])
	assert.Equal(t, []any{"c-1", "c-2"}, body["jobIds"])
}

func TestSMSHandler_Schedule(t *testing.T) {
	sendAt := time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)

	t.Run("schedules", func(t *testing.T) {
		f := newSMSFixture(nil)
		f.delivery.On("Schedule", mock.Anything, "+233241234567", model.MessageSpec{Body: "Reminder"}, mock.MatchedBy(func(at time.Time) bool {
			return at.Equal(sendAt)
		})).Return("sched-233241234567-1", nil)

		w := f.do(http.MethodPost, "/schedule", `{"to":"+233241234567","body":"Reminder","sendAt":"2026-11-02T09:00:00Z"}`)

		assert.Equal(t, http.StatusAccepted, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "sched-233241234567-1", body["jobId"])
		assert.Equal(t, "2026-11-02T09:00:00Z", body["sendAt"])
	})

	t.Run("missing sendAt", func(t *testing.T) {
		f := newSMSFixture(nil)

		w := f.do(http.MethodPost, "/schedule", `{"to":"+233241234567","body":"Reminder"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("past and duplicate are rejected", func(t *testing.T) {
		f := newSMSFixture(nil)
		f.delivery.On("Schedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("", apperrors.ScheduleInPast()).Once()
		f.delivery.On("Schedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("", apperrors.AlreadyExists("Job sched-1")).Once()

		body := `{"to":"+233241234567","body":"Reminder","sendAt":"2026-11-02T09:00:00Z"}`
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/schedule", body).Code)
		assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/schedule", body).Code)
	})
}

func TestSMSHandler_Jobs(t *testing.T) {
	t.Run("get", func(t *testing.T) {
		f := newSMSFixture(nil)
		created := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
		f.delivery.On("Get", mock.Anything, "job-7").Return(&model.DeliveryJob{
			ID:        "job-7",
			Kind:      model.JobKindBulkChunk,
			Status:    model.JobStatusDelayed,
			Attempts:  1,
			LastError: "carrier timeout",
			CreatedAt: created,
			Bulk: &model.BulkChunkPayload{
				CampaignID:  "camp-1",
				ChunkIndex:  0,
				TotalChunks: 2,
				Recipients:  []model.BulkRecipient{{Phone: "+233241234567"}, {Phone: "+233201112222"}},
				Pending:     []model.BulkRecipient{{Phone: "+233201112222"}},
			},
		}, nil)

		w := f.do(http.MethodGet, "/jobs/job-7", "")

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "delayed", body["status"])
		assert.Equal(t, "camp-1", body["campaignId"])
		assert.Equal(t, "carrier timeout", body["lastError"])
		assert.Equal(t, []any{"+233201112222"}, body["recipients"])
		assert.Equal(t, "2026-10-16T08:00:00Z", body["createdAt"])
		assert.Nil(t, body["notBefore"])
	})

	t.Run("get unknown", func(t *testing.T) {
		f := newSMSFixture(nil)
		f.delivery.On("Get", mock.Anything, "nope").Return(nil, apperrors.JobNotFound("nope"))

		w := f.do(http.MethodGet, "/jobs/nope", "")

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, string(apperrors.ErrCodeJobNotFound), decodeBody(t, w)["code"])
	})

	t.Run("cancel", func(t *testing.T) {
		f := newSMSFixture(nil)
		f.delivery.On("Cancel", mock.Anything, "job-1").Return(true, nil)
		f.delivery.On("Cancel", mock.Anything, "job-2").Return(false, nil)

		w := f.do(http.MethodDelete, "/jobs/job-1", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decodeBody(t, w)["cancelled"])

		w = f.do(http.MethodDelete, "/jobs/job-2", "")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, false, decodeBody(t, w)["cancelled"])
	})
}

func TestSMSHandler_Stats(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	dayAgo := now.Add(-24 * time.Hour)

	newStatsFixture := func() *smsFixture {
		f := &smsFixture{delivery: &mockDelivery{}, repo: &mockNotificationRepo{}}
		h := NewSMSHandler(f.delivery, f.repo)
		h.now = func() time.Time { return now }
		f.router = h.Routes(nil)
		f.delivery.On("Stats", mock.Anything).Return(model.QueueStats{Waiting: 3, Completed: 10, Degraded: false}, nil)
		return f
	}

	t.Run("queue stats with recent notification counts", func(t *testing.T) {
		f := newStatsFixture()
		f.repo.On("CountByStatusSince", mock.Anything, model.NotificationStatusSent, dayAgo).Return(12, nil)
		f.repo.On("CountByStatusSince", mock.Anything, model.NotificationStatusDelivered, dayAgo).Return(9, nil)
		f.repo.On("CountByStatusSince", mock.Anything, model.NotificationStatusFailed, dayAgo).Return(2, nil)

		w := f.do(http.MethodGet, "/stats", "")

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, float64(3), body["waiting"])
		assert.Equal(t, float64(10), body["completed"])
		assert.Equal(t, false, body["degraded"])
		assert.Equal(t, map[string]any{"sent": float64(12), "delivered": float64(9), "failed": float64(2)}, body["last24h"])
		f.repo.AssertExpectations(t)
	})

	t.Run("database error drops counts only", func(t *testing.T) {
		f := newStatsFixture()
		f.repo.On("CountByStatusSince", mock.Anything, mock.Anything, mock.Anything).Return(0, errors.New("conn reset"))

		w := f.do(http.MethodGet, "/stats", "")

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, float64(3), body["waiting"])
		assert.NotContains(t, body, "last24h")
	})
}

func TestSMSHandler_Logs(t *testing.T) {
	t.Run("normalizes recipient and applies limit", func(t *testing.T) {
		f := newSMSFixture(nil)
		ext := "ATXid_1"
		f.repo.On("FindByRecipient", mock.Anything, "+233241234567", 10).Return([]model.NotificationRecord{
			{ID: "n-2", Type: model.NotificationTypeSMS, Recipient: "+233241234567", Status: model.NotificationStatusDelivered, ExternalID: &ext},
			{ID: "n-1", Type: model.NotificationTypeSMS, Recipient: "+233241234567", Status: model.NotificationStatusSent, ExternalID: &ext},
		}, nil)

		w := f.do(http.MethodGet, "/logs?recipient=0241234567&limit=10", "")

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "+233241234567", body["recipient"])
		assert.Equal(t, float64(2), body["count"])
		logs := body["logs"].([]any)
		assert.Equal(t, "delivered", logs[0].(map[string]any)["status"])
	})

	t.Run("recipient required", func(t *testing.T) {
		f := newSMSFixture(nil)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/logs", "").Code)
	})

	t.Run("invalid recipient", func(t *testing.T) {
		f := newSMSFixture(nil)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/logs?recipient=12", "").Code)
	})

	t.Run("database error", func(t *testing.T) {
		f := newSMSFixture(nil)
		f.repo.On("FindByRecipient", mock.Anything, mock.Anything, DefaultLimit).Return(nil, errors.New("conn reset"))

		w := f.do(http.MethodGet, "/logs?recipient=%2B233241234567", "")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestSMSHandler_DeliveryReport(t *testing.T) {
	postReport := func(f *smsFixture, values url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/delivery-report", strings.NewReader(values.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}
	sent := func(externalID, recipient, message string) []model.NotificationRecord {
		return []model.NotificationRecord{{
			ID:         "n-1",
			Type:       model.NotificationTypeSMS,
			Recipient:  recipient,
			Message:    message,
			Status:     model.NotificationStatusSent,
			ExternalID: &externalID,
		}}
	}

	t.Run("success is recorded with the original message", func(t *testing.T) {
		f := newSMSFixture(nil)
		f.repo.On("FindByExternalID", mock.Anything, "ATXid_1").Return(sent("ATXid_1", "+233241234567", "Welcome to EcoCollect"), nil)
		f.delivery.On("ReportDelivery", service.DeliveryReport{
			ExternalID: "ATXid_1",
			Recipient:  "+233241234567",
			Message:    "Welcome to EcoCollect",
			Delivered:  true,
		}).Return()

		w := postReport(f, url.Values{"id": {"ATXid_1"}, "status": {"Success"}, "phoneNumber": {"+233241234567"}})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decodeBody(t, w)["recorded"])
		f.delivery.AssertExpectations(t)
	})

	t.Run("failure carries reason", func(t *testing.T) {
		f := newSMSFixture(nil)
		f.repo.On("FindByExternalID", mock.Anything, "ATXid_2").Return([]model.NotificationRecord{}, nil)
		f.delivery.On("ReportDelivery", service.DeliveryReport{
			ExternalID: "ATXid_2",
			Recipient:  "+233241234567",
			Reason:     "UserInBlacklist",
		}).Return()

		w := postReport(f, url.Values{
			"id":            {"ATXid_2"},
			"status":        {"Rejected"},
			"phoneNumber":   {"+233241234567"},
			"failureReason": {"UserInBlacklist"},
		})

		assert.Equal(t, http.StatusOK, w.Code)
		f.delivery.AssertExpectations(t)
	})

	t.Run("recipient comes from the original send when omitted", func(t *testing.T) {
		f := newSMSFixture(nil)
		f.repo.On("FindByExternalID", mock.Anything, "ATXid_6").Return(sent("ATXid_6", "+233551234567", "Hub open"), nil)
		f.delivery.On("ReportDelivery", service.DeliveryReport{
			ExternalID: "ATXid_6",
			Recipient:  "+233551234567",
			Message:    "Hub open",
			Delivered:  true,
		}).Return()

		w := f.do(http.MethodPost, "/delivery-report", `{"id":"ATXid_6","status":"Success"}`)

		assert.Equal(t, http.StatusOK, w.Code)
		f.delivery.AssertExpectations(t)
	})

	t.Run("lookup failure still records the report", func(t *testing.T) {
		f := newSMSFixture(nil)
		f.repo.On("FindByExternalID", mock.Anything, "ATXid_7").Return(nil, errors.New("conn reset"))
		f.delivery.On("ReportDelivery", service.DeliveryReport{
			ExternalID: "ATXid_7",
			Recipient:  "+233201112222",
			Delivered:  true,
		}).Return()

		w := f.do(http.MethodPost, "/delivery-report", `{"id":"ATXid_7","status":"Success","phoneNumber":"+233201112222"}`)

		assert.Equal(t, http.StatusOK, w.Code)
		f.delivery.AssertExpectations(t)
	})

	t.Run("intermediate status is ignored", func(t *testing.T) {
		f := newSMSFixture(nil)

		w := postReport(f, url.Values{"id": {"ATXid_3"}, "status": {"Buffered"}})

		assert.Equal(t, false, decodeBody(t, w)["recorded"])
		f.delivery.AssertNotCalled(t, "ReportDelivery", mock.Anything)
		f.repo.AssertNotCalled(t, "FindByExternalID", mock.Anything, mock.Anything)
	})

	t.Run("missing id", func(t *testing.T) {
		f := newSMSFixture(nil)
		assert.Equal(t, http.StatusBadRequest, postReport(f, url.Values{"status": {"Success"}}).Code)
	})
}

func TestSMSHandler_RoutesAuth(t *testing.T) {
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	f := newSMSFixture(deny)
	f.repo.On("FindByExternalID", mock.Anything, "ATXid_5").Return([]model.NotificationRecord{}, nil)
	f.delivery.On("ReportDelivery", service.DeliveryReport{ExternalID: "ATXid_5", Delivered: true}).Return()

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/send", `{"to":"+233241234567","body":"hi"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/stats", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/delivery-report", `{"id":"ATXid_5","status":"Success"}`).Code)
}
