package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/model"
	"github.com/ecocollect/phonegate/internal/redis"
)

// USSDSessionStore persists dialog state between gateway callbacks. Put is
// last-writer-wins: the gateway serializes callbacks for one session, and
// concurrent writers for the same id are a caller-side protocol violation.
type USSDSessionStore interface {
	// Get returns nil, nil when the session is absent, expired or unreadable.
	Get(ctx context.Context, sessionID string) (*model.USSDSession, error)
	Put(ctx context.Context, session *model.USSDSession) error
	Delete(ctx context.Context, sessionID string) error
}

type ussdSessionRepo struct {
	client *goredis.Client
	now    func() time.Time
}

func NewUSSDSessionStore(client *goredis.Client) USSDSessionStore {
	return &ussdSessionRepo{client: client, now: time.Now}
}

func (r *ussdSessionRepo) Get(ctx context.Context, sessionID string) (*model.USSDSession, error) {
	raw, err := r.client.Get(ctx, redis.SessionKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ussd session: %w", err)
	}

	var session model.USSDSession
	if err := json.Unmarshal(raw, &session); err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", sessionID).
			Msg("discarding corrupt ussd session")
		return nil, nil
	}

	// The key TTL is only active expiry; ExpiresAt is authoritative.
	if session.Expired(r.now()) {
		return nil, nil
	}
	return &session, nil
}

func (r *ussdSessionRepo) Put(ctx context.Context, session *model.USSDSession) error {
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return r.Delete(ctx, session.SessionID)
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal ussd session: %w", err)
	}
	if err := r.client.Set(ctx, redis.SessionKey(session.SessionID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("put ussd session: %w", err)
	}
	return nil
}

func (r *ussdSessionRepo) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, redis.SessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete ussd session: %w", err)
	}
	return nil
}
