package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/snapetech/stalkerbridge/internal/metrics"
)

// DefaultSessionTTL is how long a handshake token is reused.
const DefaultSessionTTL = 20 * time.Minute

// Session is a cached handshake token.
type Session struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// TokenStore holds sessions by SessionKey. MemoryTokenStore is the default;
// RedisTokenStore shares tokens between replicas.
type TokenStore interface {
	Get(ctx context.Context, key string) (Session, bool, error)
	Put(ctx context.Context, key string, s Session, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// MemoryTokenStore is an in-process TokenStore. Expiry is left to SessionCache.
type MemoryTokenStore struct {
	mu sync.RWMutex
	m  map[string]Session
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{m: make(map[string]Session)}
}

func (s *MemoryTokenStore) Get(_ context.Context, key string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.m[key]
	return sess, ok, nil
}

func (s *MemoryTokenStore) Put(_ context.Context, key string, sess Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = sess
	return nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *MemoryTokenStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]Session)
	return nil
}

// HandshakeFunc performs the handshake call and reports the endpoint the
// call finally landed on (it differs from endpoint after a redirect).
type HandshakeFunc func(ctx context.Context, endpoint string, id Identity) (payload any, final string, err error)

// SessionOptions configures NewSessionCache.
type SessionOptions struct {
	Store   TokenStore       // default NewMemoryTokenStore()
	TTL     time.Duration    // default DefaultSessionTTL
	Now     func() time.Time // default time.Now
	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// SessionCache hands out tokens per (endpoint, MAC). Concurrent misses for
// the same key share one in-flight handshake.
type SessionCache struct {
	handshake HandshakeFunc
	store     TokenStore
	ttl       time.Duration
	now       func() time.Time
	log       *logrus.Entry
	metrics   *metrics.Metrics
	group     singleflight.Group
}

func NewSessionCache(handshake HandshakeFunc, opts SessionOptions) *SessionCache {
	if opts.Store == nil {
		opts.Store = NewMemoryTokenStore()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SessionCache{
		handshake: handshake,
		store:     opts.Store,
		ttl:       opts.TTL,
		now:       opts.Now,
		log:       opts.Log,
		metrics:   opts.Metrics,
	}
}

// Token returns a valid token for (endpoint, id.MAC), issuing a handshake
// when the cached one is missing or older than the TTL.
func (s *SessionCache) Token(ctx context.Context, endpoint string, id Identity) (string, error) {
	ep, err := Canonicalize(endpoint)
	if err != nil {
		return "", err
	}
	key := SessionKey(ep, id.MAC)
	if tok, ok := s.cached(ctx, key); ok {
		return tok, nil
	}
	v, err, shared := s.group.Do(key, func() (any, error) {
		if tok, ok := s.cached(ctx, key); ok {
			return tok, nil
		}
		return s.issue(ctx, ep, id)
	})
	if err != nil {
		return "", err
	}
	if shared {
		s.log.WithField("endpoint", ep).Debug("handshake shared with concurrent caller")
	}
	return v.(string), nil
}

func (s *SessionCache) cached(ctx context.Context, key string) (string, bool) {
	sess, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.log.WithError(err).Warn("token store get failed")
		return "", false
	}
	if !ok || sess.Token == "" || s.now().Sub(sess.IssuedAt) >= s.ttl {
		return "", false
	}
	return sess.Token, true
}

func (s *SessionCache) issue(ctx context.Context, ep string, id Identity) (string, error) {
	payload, final, err := s.handshake(ctx, ep, id)
	if err != nil {
		s.metrics.ObserveHandshake(err)
		return "", err
	}
	tok, ok := ExtractToken(payload)
	if !ok {
		err := fmt.Errorf("%w: no token in response %s", ErrHandshakeFailed, summarize(payload))
		s.metrics.ObserveHandshake(err)
		return "", err
	}
	s.metrics.ObserveHandshake(nil)
	if final == "" {
		final = ep
	}
	// The token belongs to the endpoint that issued it.
	key := SessionKey(final, id.MAC)
	if err := s.store.Put(ctx, key, Session{Token: tok, IssuedAt: s.now()}, s.ttl); err != nil {
		s.log.WithError(err).Warn("token store put failed")
	}
	s.log.WithFields(logrus.Fields{"endpoint": final, "mac": id.MAC}).Info("handshake ok")
	return tok, nil
}

// Evict drops the cached session for (endpoint, mac).
func (s *SessionCache) Evict(endpoint, mac string) {
	if err := s.store.Delete(context.Background(), SessionKey(endpoint, mac)); err != nil {
		s.log.WithError(err).Warn("token store delete failed")
	}
}

// Clear drops every cached session (configuration changed).
func (s *SessionCache) Clear() {
	if err := s.store.Clear(context.Background()); err != nil {
		s.log.WithError(err).Warn("token store clear failed")
	}
}

func summarize(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T", v)
	}
	if len(b) > 256 {
		return string(b[:256]) + "…"
	}
	return string(b)
}
