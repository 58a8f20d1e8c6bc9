package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/config"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueState reports whether SMS delivery fell back to in-process mode.
type QueueState interface {
	Degraded() bool
}

type HealthHandler struct {
	redis Pinger
	queue QueueState
}

func NewHealthHandler(redis Pinger, queue QueueState) *HealthHandler {
	return &HealthHandler{redis: redis, queue: queue}
}

// GET /health
// Redis holds USSD sessions, so without it the gateway cannot serve dialogs
// and the check fails. A degraded queue is reported but still healthy.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{
		"status":        "ok",
		"redis":         "ok",
		"queueDegraded": h.queue.Degraded(),
		"timestamp":     time.Now().UnixMilli(),
	}

	if err := h.redis.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health check: redis ping failed")
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["redis"] = "down"
	} else if h.queue.Degraded() {
		body["status"] = "degraded"
	}

	writeJSON(w, status, body)
}
