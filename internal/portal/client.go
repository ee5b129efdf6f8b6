package portal

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/snapetech/stalkerbridge/internal/metrics"
)

// MaxHops is the number of transport calls one logical request may take.
const MaxHops = 3

// Persister stores a permanently relocated endpoint as the configured default.
// from is the endpoint that answered with the redirect; implementations ignore
// relocations of endpoints they do not own.
type Persister interface {
	PersistEndpoint(ctx context.Context, from, to string) error
}

// Call is one logical portal request; the endpoint may be non-canonical.
type Call struct {
	Endpoint string
	Identity Identity
	Action   string
	Token    string
	Params   map[string]string
	Context  ContextType
}

// Result is the payload of a call plus the endpoint that produced it.
type Result struct {
	Body     any
	Endpoint string
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	Persister Persister // nil: permanent redirects are only logged
	Sessions  SessionOptions
	Log       *logrus.Entry
	Metrics   *metrics.Metrics
}

// Client follows portal redirects and owns the session cache.
type Client struct {
	transport Doer
	persister Persister
	sessions  *SessionCache
	log       *logrus.Entry
	metrics   *metrics.Metrics
}

func NewClient(transport Doer, opts ClientOptions) *Client {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		transport: transport,
		persister: opts.Persister,
		log:       log,
		metrics:   opts.Metrics,
	}
	so := opts.Sessions
	if so.Log == nil {
		so.Log = log
	}
	if so.Metrics == nil {
		so.Metrics = opts.Metrics
	}
	c.sessions = NewSessionCache(c.handshake, so)
	return c
}

// SetPersister replaces the relocation persister.
func (c *Client) SetPersister(p Persister) { c.persister = p }

// Sessions exposes the token cache (eviction on configuration change).
func (c *Client) Sessions() *SessionCache { return c.sessions }

// Do drives the transport across at most MaxHops hops. Every redirect evicts
// the session of the endpoint being left; permanent ones are persisted.
func (c *Client) Do(ctx context.Context, call Call) (*Result, error) {
	ep, err := Canonicalize(call.Endpoint)
	if err != nil {
		return nil, err
	}
	for hop := 0; hop < MaxHops; hop++ {
		resp, err := c.transport.Do(ctx, Request{
			Endpoint: ep,
			Identity: call.Identity,
			Action:   call.Action,
			Token:    call.Token,
			Params:   call.Params,
			Context:  call.Context,
		})
		if err != nil {
			return nil, err
		}
		if resp.Redirect == nil {
			return &Result{Body: resp.Body, Endpoint: ep}, nil
		}
		old := ep
		ep = resp.Redirect.Target
		c.sessions.Evict(old, call.Identity.MAC)
		c.metrics.ObserveRedirect(resp.Redirect.Permanent)
		fields := logrus.Fields{"from": old, "to": ep, "action": call.Action, "status": resp.Redirect.Status}
		if !resp.Redirect.Permanent {
			c.log.WithFields(fields).Info("temporary redirect")
			continue
		}
		c.log.WithFields(fields).Warn("permanent redirect")
		if c.persister != nil {
			if err := c.persister.PersistEndpoint(ctx, old, ep); err != nil {
				c.log.WithFields(fields).WithError(err).Error("persist relocated endpoint failed")
			}
		}
	}
	return nil, fmt.Errorf("%w: %s after %d hops (last %s)", ErrTooManyRedirects, call.Action, MaxHops, ep)
}

func (c *Client) handshake(ctx context.Context, endpoint string, id Identity) (any, string, error) {
	res, err := c.Do(ctx, Call{
		Endpoint: endpoint,
		Identity: id,
		Action:   "handshake",
		Context:  ContextSTB,
	})
	if err != nil {
		return nil, "", err
	}
	return res.Body, res.Endpoint, nil
}

// Handshake issues an uncached handshake and returns the raw payload.
func (c *Client) Handshake(ctx context.Context, endpoint string, id Identity) (any, error) {
	body, _, err := c.handshake(ctx, endpoint, id)
	return body, err
}

// Token returns a cached or fresh token for (endpoint, id).
func (c *Client) Token(ctx context.Context, endpoint string, id Identity) (string, error) {
	return c.sessions.Token(ctx, endpoint, id)
}

// Source fetches an authenticated action; GenreIndex and ChannelCache use it.
type Source interface {
	Fetch(ctx context.Context, action string, ct ContextType, params map[string]string) (any, error)
}

// Binding is a Source for one endpoint and identity.
type Binding struct {
	Client   *Client
	Endpoint string
	Identity Identity
}

func (b Binding) Fetch(ctx context.Context, action string, ct ContextType, params map[string]string) (any, error) {
	tok, err := b.Client.Token(ctx, b.Endpoint, b.Identity)
	if err != nil {
		return nil, err
	}
	res, err := b.Client.Do(ctx, Call{
		Endpoint: b.Endpoint,
		Identity: b.Identity,
		Action:   action,
		Token:    tok,
		Params:   params,
		Context:  ct,
	})
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}
