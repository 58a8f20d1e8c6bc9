package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/audit"
	"github.com/ecocollect/phonegate/internal/httputil"
	"github.com/ecocollect/phonegate/internal/phone"
	"github.com/ecocollect/phonegate/internal/service"
)

const (
	ussdRateLimitScope  = "ussd"
	ussdRateLimitWindow = time.Minute

	TooManyRequestsText = "END Too many requests. Please try again later."
)

// PhoneRateLimitMiddleware caps USSD callbacks per caller. The phone number is
// read from the callback body, which is restored for the handler.
type PhoneRateLimitMiddleware struct {
	limiter service.Limiter
	limit   int
	window  time.Duration
}

func NewPhoneRateLimitMiddleware(limiter service.Limiter, limitPerMin int) *PhoneRateLimitMiddleware {
	return &PhoneRateLimitMiddleware{
		limiter: limiter,
		limit:   limitPerMin,
		window:  ussdRateLimitWindow,
	}
}

func (m *PhoneRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := peekPhoneNumber(r)
		if raw == "" || m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		number := phone.Normalize(raw)
		allowed, resetAt := m.limiter.CheckLimit(r.Context(), ussdRateLimitScope, number, m.limit, m.window)
		if !allowed {
			secondsLeft := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secondsLeft))

			log.Warn().Str("phone", phone.Mask(number)).Msg("ussd rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Phone:   phone.Mask(number),
				Details: map[string]interface{}{"limit": m.limit},
			})
			httputil.WriteText(w, http.StatusOK, TooManyRequestsText)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// peekPhoneNumber extracts phoneNumber from a form or JSON callback without
// consuming the body. Form values stay cached on r.PostForm.
func peekPhoneNumber(r *http.Request) string {
	if r.Body == nil {
		return ""
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		if err := r.ParseForm(); err != nil {
			return ""
		}
		return r.PostFormValue("phoneNumber")
	}

	body, err := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var payload struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.PhoneNumber
}
