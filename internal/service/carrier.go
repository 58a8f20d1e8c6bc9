package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/ecocollect/phonegate/internal/errors"
	"github.com/ecocollect/phonegate/internal/model"
	"github.com/ecocollect/phonegate/internal/phone"
)

// Carrier sends one SMS. Errors are DELIVERY_TRANSIENT or DELIVERY_PERMANENT
// app errors.
type Carrier interface {
	Send(ctx context.Context, recipient, body string) (*model.SendResult, error)
}

type CarrierConfig struct {
	BaseURL  string
	Username string
	APIKey   string
	SenderID string
	Timeout  time.Duration
}

// CarrierClient talks to an Africa's Talking compatible messaging endpoint.
// Without an API key it runs in mock mode and only logs.
type CarrierClient struct {
	cfg    CarrierConfig
	client *http.Client
}

func NewCarrierClient(cfg CarrierConfig) *CarrierClient {
	return &CarrierClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (c *CarrierClient) Mock() bool {
	return c.cfg.APIKey == ""
}

type carrierResponse struct {
	SMSMessageData struct {
		Message    string             `json:"Message"`
		Recipients []carrierRecipient `json:"Recipients"`
	} `json:"SMSMessageData"`
}

type carrierRecipient struct {
	StatusCode int    `json:"statusCode"`
	Number     string `json:"number"`
	Status     string `json:"status"`
	Cost       string `json:"cost"`
	MessageID  string `json:"messageId"`
}

func (c *CarrierClient) Send(ctx context.Context, recipient, body string) (*model.SendResult, error) {
	if c.Mock() {
		id := "mock-" + uuid.NewString()
		log.Info().
			Str("recipient", phone.Mask(recipient)).
			Str("externalId", id).
			Str("body", body).
			Msg("carrier in mock mode, message not sent")
		return &model.SendResult{ExternalID: id, Status: model.NotificationStatusMock}, nil
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("to", recipient)
	form.Set("message", body)
	if c.cfg.SenderID != "" {
		form.Set("from", c.cfg.SenderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.PermanentDelivery("build carrier request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		log.Warn().
			Err(err).
			Str("recipient", phone.Mask(recipient)).
			Dur("elapsed", elapsed).
			Msg("carrier request error")
		return nil, apperrors.TransientDelivery(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, apperrors.TransientDelivery(fmt.Errorf("read carrier response: %w", err))
	}

	if err := classifyHTTPStatus(resp.StatusCode, raw); err != nil {
		log.Warn().
			Err(err).
			Str("recipient", phone.Mask(recipient)).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("carrier rejected request")
		return nil, err
	}

	var parsed carrierResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperrors.TransientDelivery(fmt.Errorf("decode carrier response: %w", err))
	}
	if len(parsed.SMSMessageData.Recipients) == 0 {
		return nil, apperrors.PermanentDelivery("carrier accepted no recipients: " + parsed.SMSMessageData.Message)
	}

	r := parsed.SMSMessageData.Recipients[0]
	if err := classifyRecipientStatus(r); err != nil {
		log.Warn().
			Err(err).
			Str("recipient", phone.Mask(recipient)).
			Int("statusCode", r.StatusCode).
			Dur("elapsed", elapsed).
			Msg("carrier rejected recipient")
		return nil, err
	}

	log.Debug().
		Str("recipient", phone.Mask(recipient)).
		Str("externalId", r.MessageID).
		Dur("elapsed", elapsed).
		Msg("carrier accepted message")

	return &model.SendResult{
		ExternalID: r.MessageID,
		Status:     model.NotificationStatusSent,
		Cost:       r.Cost,
	}, nil
}

func classifyHTTPStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status >= 500:
		return apperrors.TransientDelivery(fmt.Errorf("carrier returned %d", status))
	default:
		return apperrors.PermanentDelivery(fmt.Sprintf("carrier returned %d: %s", status, truncate(string(body), 200)))
	}
}

// Recipient codes: 100-102 accepted, 500-503 carrier side trouble, anything
// else (invalid number, blacklisted, insufficient balance...) is final.
func classifyRecipientStatus(r carrierRecipient) error {
	switch {
	case r.StatusCode >= 100 && r.StatusCode <= 102:
		return nil
	case r.StatusCode >= 500 && r.StatusCode <= 503:
		return apperrors.TransientDelivery(fmt.Errorf("carrier recipient status %d %s", r.StatusCode, r.Status))
	default:
		return apperrors.PermanentDelivery(fmt.Sprintf("carrier recipient status %d %s", r.StatusCode, r.Status))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
