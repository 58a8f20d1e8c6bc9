package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecocollect/phonegate/internal/service"
)

type fakeProcessor struct {
	got      *service.USSDRequest
	deadline bool
	resp     service.USSDResponse
}

func (f *fakeProcessor) Handle(ctx context.Context, req service.USSDRequest) service.USSDResponse {
	f.got = &req
	_, f.deadline = ctx.Deadline()
	return f.resp
}

func postForm(t *testing.T, h http.HandlerFunc, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ussd/callback", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestUSSDHandler_Callback(t *testing.T) {
	t.Run("form callback is answered in text", func(t *testing.T) {
		proc := &fakeProcessor{resp: service.USSDResponse{Text: "Welcome", Continue: true}}
		h := NewUSSDHandler(proc, 8*time.Second)

		w := postForm(t, h.Callback, url.Values{
			"sessionId":   {"ATUid_1"},
			"serviceCode": {"*384*123#"},
			"phoneNumber": {"+233241234567"},
			"text":        {"1*2"},
		})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Equal(t, "CON Welcome", w.Body.String())

		require.NotNil(t, proc.got)
		assert.Equal(t, "ATUid_1", proc.got.SessionID)
		assert.Equal(t, "*384*123#", proc.got.ServiceCode)
		assert.Equal(t, "+233241234567", proc.got.PhoneNumber)
		assert.Equal(t, "1*2", proc.got.Text)
		assert.True(t, proc.deadline)
	})

	t.Run("json callback", func(t *testing.T) {
		proc := &fakeProcessor{resp: service.USSDResponse{Text: "Goodbye"}}
		h := NewUSSDHandler(proc, 0)

		body := `{"sessionId":"s-2","serviceCode":"*384#","phoneNumber":"0241234567","text":""}`
		req := httptest.NewRequest(http.MethodPost, "/ussd/callback", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		w := httptest.NewRecorder()
		h.Callback(w, req)

		assert.Equal(t, "END Goodbye", w.Body.String())
		require.NotNil(t, proc.got)
		assert.Equal(t, "s-2", proc.got.SessionID)
		assert.Empty(t, proc.got.Text)
		assert.False(t, proc.deadline)
	})

	tests := []struct {
		name  string
		ctype string
		body  string
	}{
		{name: "malformed json", ctype: "application/json", body: `{"sessionId":`},
		{name: "missing session id", ctype: "application/x-www-form-urlencoded", body: "phoneNumber=%2B233241234567&text="},
		{name: "missing phone number", ctype: "application/x-www-form-urlencoded", body: "sessionId=abc&text=1"},
		{name: "blank session id", ctype: "application/json", body: `{"sessionId":"  ","phoneNumber":"+233241234567"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &fakeProcessor{}
			h := NewUSSDHandler(proc, time.Second)

			req := httptest.NewRequest(http.MethodPost, "/ussd/callback", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.ctype)
			w := httptest.NewRecorder()
			h.Callback(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.True(t, strings.HasPrefix(w.Body.String(), "END "))
			assert.Nil(t, proc.got)
		})
	}
}

func TestUSSDHandler_Routes(t *testing.T) {
	proc := &fakeProcessor{resp: service.USSDResponse{Text: "Main", Continue: true}}
	router := NewUSSDHandler(proc, time.Second).Routes()

	values := url.Values{"sessionId": {"r-1"}, "phoneNumber": {"+233241234567"}}
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "CON Main", w.Body.String())
}
