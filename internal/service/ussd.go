package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/config"
	"github.com/ecocollect/phonegate/internal/menu"
	"github.com/ecocollect/phonegate/internal/model"
	"github.com/ecocollect/phonegate/internal/phone"
	"github.com/ecocollect/phonegate/internal/render"
	"github.com/ecocollect/phonegate/internal/repository"
)

const (
	goodbyeText     = "Thank you for using EcoCollect. Goodbye!"
	unavailableText = "Service temporarily unavailable. Please try again later."
	invalidPrefix   = "Invalid option. Please try again.\n"
	expiredPrefix   = "Session expired. Starting over.\n"
	recoveredPrefix = "Something went wrong. Back to the main menu.\n"

	unavailableValue = "unavailable"
	plasticTypeKey   = "plasticType"
)

// USSDRequest is one gateway callback. Text follows the cumulative
// convention: every input of the dialog joined by '*', empty on the first
// callback.
type USSDRequest struct {
	SessionID   string
	ServiceCode string
	PhoneNumber string
	Text        string
}

type USSDResponse struct {
	Text     string
	Continue bool
}

// String renders the gateway wire format.
func (r USSDResponse) String() string {
	if r.Continue {
		return "CON " + r.Text
	}
	return "END " + r.Text
}

// Notifier queues outbound SMS. Satisfied by DeliveryQueue.
type Notifier interface {
	EnqueueSingle(ctx context.Context, recipient string, msg model.MessageSpec, opts EnqueueOptions) (string, error)
}

type USSDService struct {
	sessions repository.USSDSessionStore
	domain   repository.DomainReader
	renderer *render.Renderer
	menus    menu.Table
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time

	// pending tracks confirmation SMS handed off from callbacks.
	pending sync.WaitGroup
}

func NewUSSDService(
	sessions repository.USSDSessionStore,
	domain repository.DomainReader,
	renderer *render.Renderer,
	menus menu.Table,
	notifier Notifier,
	ttl time.Duration,
) *USSDService {
	return &USSDService{
		sessions: sessions,
		domain:   domain,
		renderer: renderer,
		menus:    menus,
		notifier: notifier,
		ttl:      ttl,
		now:      time.Now,
	}
}

// LatestInput returns the last '*'-separated segment of a cumulative text.
func LatestInput(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndexByte(text, '*'); i >= 0 {
		return text[i+1:]
	}
	return text
}

// Handle processes one callback. It always returns a response; failures of
// the session store end the dialog with a generic message.
func (s *USSDService) Handle(ctx context.Context, req USSDRequest) USSDResponse {
	logger := log.With().
		Str("sessionId", req.SessionID).
		Str("phone", phone.Mask(phone.Normalize(req.PhoneNumber))).
		Logger()

	session, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load ussd session")
		return USSDResponse{Text: unavailableText}
	}

	now := s.now()
	if session == nil {
		return s.start(ctx, logger, req, now)
	}

	input := LatestInput(req.Text)
	if input == "" {
		// Repeated first callback; show where the caller is.
		return s.show(ctx, logger, session, menu.ID(session.CurrentMenu), "", now)
	}

	step := s.menus.Step(menu.ID(session.CurrentMenu), input)
	prefix := ""
	if step.Recovered {
		logger.Warn().Str("menu", session.CurrentMenu).Msg("unknown menu in session, recovering to main")
		prefix = recoveredPrefix
		session.CurrentMenu = string(menu.Main)
	}

	switch {
	case step.Exit:
		if err := s.sessions.Delete(ctx, session.SessionID); err != nil {
			logger.Warn().Err(err).Msg("failed to delete ussd session on exit")
		}
		return USSDResponse{Text: goodbyeText}

	case step.Invalid:
		return s.show(ctx, logger, session, step.Current, prefix+invalidPrefix, now)
	}

	if step.Next == menu.SubmitCollection {
		s.submitCollection(ctx, logger, session, input)
	}

	session.CurrentMenu = string(step.Next)
	session.History = append(session.History, input)
	return s.show(ctx, logger, session, step.Next, prefix, now)
}

// start opens a new session at the main menu. Non-empty text means the
// gateway thinks the dialog is in progress, so the previous session expired.
func (s *USSDService) start(ctx context.Context, logger zerolog.Logger, req USSDRequest, now time.Time) USSDResponse {
	session := &model.USSDSession{
		SessionID:   req.SessionID,
		PhoneNumber: phone.Normalize(req.PhoneNumber),
		CurrentMenu: string(menu.Main),
		History:     []string{},
		Data:        map[string]string{},
		CreatedAt:   now,
	}

	prefix := ""
	if strings.TrimSpace(req.Text) != "" {
		logger.Info().Msg("ussd session expired mid-dialog, restarting")
		prefix = expiredPrefix
	}
	return s.show(ctx, logger, session, menu.Main, prefix, now)
}

// show persists the session and renders menu id.
func (s *USSDService) show(ctx context.Context, logger zerolog.Logger, session *model.USSDSession, id menu.ID, prefix string, now time.Time) USSDResponse {
	session.Touch(now, s.ttl)
	if err := s.sessions.Put(ctx, session); err != nil {
		logger.Error().Err(err).Msg("failed to persist ussd session")
		return USSDResponse{Text: unavailableText}
	}

	m := s.menus[id]
	data := s.menuData(ctx, logger, session, id)
	return USSDResponse{
		Text:     prefix + s.renderer.RenderCustom(m.Template, data),
		Continue: true,
	}
}

func (s *USSDService) submitCollection(ctx context.Context, logger zerolog.Logger, session *model.USSDSession, input string) {
	plastic, ok := menu.PlasticTypes[input]
	if !ok {
		return
	}
	if session.Data == nil {
		session.Data = map[string]string{}
	}
	session.Data[plasticTypeKey] = plastic

	if s.notifier == nil {
		return
	}

	// The reply does not wait for the send. A degraded queue delivers inline.
	recipient := session.PhoneNumber
	sendCtx := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		_, err := s.notifier.EnqueueSingle(sendCtx, recipient, model.MessageSpec{
			Template: render.TemplateCollectionRequest,
			Data:     map[string]string{plasticTypeKey: plastic},
		}, EnqueueOptions{})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to queue collection request sms")
		}
	}()
}

// Wait blocks until confirmation SMS started by earlier callbacks have been
// handed to the notifier, or ctx ends.
func (s *USSDService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for ussd notifications: %w", ctx.Err())
	}
}

// menuData fetches the live values a menu template refers to. Lookup errors
// render as "unavailable"; the caller never sees them.
func (s *USSDService) menuData(ctx context.Context, logger zerolog.Logger, session *model.USSDSession, id menu.ID) map[string]string {
	data := map[string]string{}
	for k, v := range session.Data {
		data[k] = v
	}

	switch id {
	case menu.CheckBalance, menu.HealthTokens:
		collector, err := s.domain.FindCollectorByPhone(ctx, session.PhoneNumber)
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("collector lookup failed")
			data["cash"] = unavailableValue
			data["totalEarnings"] = unavailableValue
			data["healthTokens"] = unavailableValue
		case collector == nil:
			data["cash"] = money(0)
			data["totalEarnings"] = money(0)
			data["healthTokens"] = "0"
		default:
			data["cash"] = money(collector.Cash)
			data["totalEarnings"] = money(collector.TotalEarnings)
			data["healthTokens"] = strconv.Itoa(collector.HealthTokens)
		}

	case menu.RecentCollections:
		collections, err := s.domain.FindRecentCollections(ctx, session.PhoneNumber, config.RecentCollectionsLimit)
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("recent collections lookup failed")
			data["collections"] = "History " + unavailableValue
		case len(collections) == 0:
			data["collections"] = "No collections yet."
		default:
			lines := make([]string, len(collections))
			for i, c := range collections {
				lines[i] = fmt.Sprintf("%d. %s - GHS %s (%s)", i+1, describeCollection(c), money(c.Amount), c.CreatedAt.Format("02 Jan"))
			}
			data["collections"] = strings.Join(lines, "\n")
		}

	case menu.NearestHub:
		hub, err := s.domain.FindActiveHub(ctx)
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("hub lookup failed")
			data["hubName"] = unavailableValue
			data["hubAddress"] = ""
			data["hubHours"] = unavailableValue
		case hub == nil:
			data["hubName"] = "No hub open yet"
			data["hubAddress"] = "Check back soon."
			data["hubHours"] = "-"
		default:
			data["hubName"] = hub.Name
			data["hubAddress"] = hub.Address
			data["hubHours"] = hub.OperatingHours
		}

	case menu.CheckCollectionStatus:
		latest, err := s.domain.FindLatestCollection(ctx, session.PhoneNumber)
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("latest collection lookup failed")
			data["lastCollection"] = unavailableValue
			data["lastStatus"] = unavailableValue
		case latest == nil:
			data["lastCollection"] = "None yet"
			data["lastStatus"] = "-"
		default:
			data["lastCollection"] = describeCollection(*latest) + " on " + latest.CreatedAt.Format("02 Jan 2006")
			data["lastStatus"] = latest.Status
		}
	}
	return data
}

func describeCollection(c model.Collection) string {
	return strconv.FormatFloat(c.Weight, 'f', -1, 64) + "kg " + c.PlasticType
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
