package memory

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/internal/model"
	"github.com/whisper/internal/storage"
)

type item struct {
	val string
	exp time.Time
}

// Client - реализация storage.Store в памяти процесса: режим -dev без Redis и тесты.
type Client struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{}
	lastSeen map[string]time.Time
	otp      map[string]item
	limit    map[string][]time.Time
	push     map[string][]model.PushSubscription
	now      func() time.Time
}

func New() *Client {
	return &Client{
		sessions: make(map[string]map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		otp:      make(map[string]item),
		limit:    make(map[string][]time.Time),
		push:     make(map[string][]model.PushSubscription),
		now:      time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Connect(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		c.sessions[userID] = set
	}
	_, had := set[sessionID]
	set[sessionID] = struct{}{}
	c.lastSeen[userID] = at
	return !had && len(set) == 1, nil
}

func (c *Client) Disconnect(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen[userID] = at
	set, ok := c.sessions[userID]
	if !ok {
		return false, nil
	}
	if _, had := set[sessionID]; !had {
		return false, nil
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(c.sessions, userID)
		return true, nil
	}
	return false, nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions[userID]) > 0, nil
}

func (c *Client) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastSeen[userID]
	return t, ok, nil
}

func (c *Client) SetOTP(ctx context.Context, phone, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.otp[phone] = item{val: code, exp: c.now().Add(storage.OTPTTL)}
	return nil
}

func (c *Client) TakeOTP(ctx context.Context, phone string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.otp[phone]
	delete(c.otp, phone)
	if !ok || c.now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

// CheckRateLimit - скользящее окно по временам запросов.
func (c *Client) CheckRateLimit(ctx context.Context, phone string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cut := now.Add(-storage.OTPRateLimitWindow)
	var kept []time.Time
	for _, t := range c.limit[phone] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= storage.OTPRateLimitMax {
		c.limit[phone] = kept
		return false, nil
	}
	c.limit[phone] = append(kept, now)
	return true, nil
}

func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := removeEndpoint(c.push[userID], sub.Endpoint)
	subs = append(subs, sub)
	if len(subs) > storage.MaxPushSubscriptions {
		subs = subs[len(subs)-storage.MaxPushSubscriptions:]
	}
	c.push[userID] = subs
	return nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push[userID] = removeEndpoint(c.push[userID], endpoint)
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.PushSubscription(nil), c.push[userID]...), nil
}

func removeEndpoint(subs []model.PushSubscription, endpoint string) []model.PushSubscription {
	kept := subs[:0:0]
	for _, s := range subs {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	return kept
}
