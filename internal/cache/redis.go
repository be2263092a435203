// Package cache keeps short-lived checkout state in Redis: carts and
// checkout sessions.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
)

const (
	cartPrefix    = "cart:"
	sessionPrefix = "checkout:"

	DefaultCartTTL    = 7 * 24 * time.Hour
	DefaultSessionTTL = 30 * time.Minute
)

// NewClient parses a redis:// URL and verifies the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var _ cart.Store = (*CartStore)(nil)

// CartStore implements cart.Store with one JSON value per customer.
type CartStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewCartStore creates a CartStore. Each save refreshes the TTL.
func NewCartStore(client redis.Cmdable, ttl time.Duration) *CartStore {
	if ttl <= 0 {
		ttl = DefaultCartTTL
	}
	return &CartStore{client: client, ttl: ttl}
}

func cartKey(tenantID, customerID string) string {
	return cartPrefix + tenantID + ":" + customerID
}

// Get returns the customer's cart, or an empty one when none is stored.
func (s *CartStore) Get(ctx context.Context, tenantID, customerID string) (*cart.Cart, error) {
	data, err := s.client.Get(ctx, cartKey(tenantID, customerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cart.New(tenantID, customerID), nil
		}
		return nil, fmt.Errorf("redis get cart: %w", err)
	}

	var c cart.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}

// Save stores c.
func (s *CartStore) Save(ctx context.Context, c *cart.Cart) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}
	if err := s.client.Set(ctx, cartKey(c.TenantID, c.CustomerID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set cart: %w", err)
	}
	return nil
}

// Delete removes the customer's cart.
func (s *CartStore) Delete(ctx context.Context, tenantID, customerID string) error {
	if err := s.client.Del(ctx, cartKey(tenantID, customerID)).Err(); err != nil {
		return fmt.Errorf("redis del cart: %w", err)
	}
	return nil
}

var _ checkout.SessionStore = (*SessionStore)(nil)

// SessionStore implements checkout.SessionStore. Sessions expire TTL after
// their last change.
type SessionStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(client redis.Cmdable, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{client: client, ttl: ttl}
}

// Get returns checkout.ErrSessionNotFound for unknown or expired sessions.
func (s *SessionStore) Get(ctx context.Context, id string) (*checkout.Session, error) {
	data, err := s.client.Get(ctx, sessionPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, checkout.ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var sess checkout.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// Save stores sess and resets its TTL.
func (s *SessionStore) Save(ctx context.Context, sess *checkout.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionPrefix+sess.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}
