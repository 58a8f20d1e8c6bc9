package middleware

import (
	"net/http"

	"github.com/ecocollect/phonegate/internal/httputil"
)

const (
	DefaultMaxBodySize = 1 << 20 // 1MB
	USSDMaxBodySize    = 4 << 10 // 4KB
)

type BodyLimitMiddleware struct {
	maxSize int64
	reject  func(w http.ResponseWriter)
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{
		maxSize: maxSize,
		reject: func(w http.ResponseWriter) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "Request body too large",
			})
		},
	}
}

// WithTextReply answers oversized requests with a 200 plain-text body, for
// USSD gateways that treat any non-200 as a dropped session.
func (m *BodyLimitMiddleware) WithTextReply(text string) *BodyLimitMiddleware {
	return &BodyLimitMiddleware{
		maxSize: m.maxSize,
		reject: func(w http.ResponseWriter) {
			httputil.WriteText(w, http.StatusOK, text)
		},
	}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.ContentLength > m.maxSize {
			m.reject(w)
			return
		}

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		}
		next.ServeHTTP(w, r)
	})
}
