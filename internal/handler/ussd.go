package handler

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/httputil"
	"github.com/ecocollect/phonegate/internal/service"
)

const InvalidUSSDRequestText = "END Invalid request. Please try again."

// USSDProcessor answers one gateway callback. Satisfied by service.USSDService.
type USSDProcessor interface {
	Handle(ctx context.Context, req service.USSDRequest) service.USSDResponse
}

type USSDHandler struct {
	processor USSDProcessor
	timeout   time.Duration
}

func NewUSSDHandler(processor USSDProcessor, timeout time.Duration) *USSDHandler {
	return &USSDHandler{processor: processor, timeout: timeout}
}

func (h *USSDHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/callback", h.Callback)

	return r
}

// POST /ussd/callback
// Gateways expect a 200 with a CON/END body even for bad input, so every
// path below answers in text.
func (h *USSDHandler) Callback(w http.ResponseWriter, r *http.Request) {
	req, err := decodeUSSDRequest(r)
	if err != nil {
		log.Warn().Err(err).Msg("invalid ussd callback")
		httputil.WriteText(w, http.StatusOK, InvalidUSSDRequestText)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	resp := h.processor.Handle(ctx, req)
	httputil.WriteText(w, http.StatusOK, resp.String())
}

type ussdPayload struct {
	SessionID   string `json:"sessionId"`
	ServiceCode string `json:"serviceCode"`
	PhoneNumber string `json:"phoneNumber"`
	Text        string `json:"text"`
}

// decodeUSSDRequest accepts JSON or form-encoded callbacks.
func decodeUSSDRequest(r *http.Request) (service.USSDRequest, error) {
	var p ussdPayload

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			return service.USSDRequest{}, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return service.USSDRequest{}, err
		}
		p = ussdPayload{
			SessionID:   r.PostFormValue("sessionId"),
			ServiceCode: r.PostFormValue("serviceCode"),
			PhoneNumber: r.PostFormValue("phoneNumber"),
			Text:        r.PostFormValue("text"),
		}
	}

	p.SessionID = strings.TrimSpace(p.SessionID)
	p.PhoneNumber = strings.TrimSpace(p.PhoneNumber)
	if p.SessionID == "" {
		return service.USSDRequest{}, errors.New("sessionId is required")
	}
	if p.PhoneNumber == "" {
		return service.USSDRequest{}, errors.New("phoneNumber is required")
	}

	return service.USSDRequest{
		SessionID:   p.SessionID,
		ServiceCode: p.ServiceCode,
		PhoneNumber: p.PhoneNumber,
		Text:        p.Text,
	}, nil
}
