// Package auth resolves the bearer token and user identity presented to the
// signaling server.
package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/util"
)

// ErrNoIdentity is returned when neither the token source nor the recovery
// store can provide a token.
var ErrNoIdentity = errors.New("no auth token available")

// DefaultRefreshInterval is the minimum spacing of out-of-band refreshes.
const DefaultRefreshInterval = 5 * time.Second

var log = util.Scoped("auth")

// Identity is what the signaling handshake needs.
type Identity struct {
	Token  string
	UserID string
}

// Options selects the token source. A non-empty TokenURL uses the OAuth2
// client credentials flow; otherwise Token is used as a static bearer token.
type Options struct {
	UserID string
	Token  string

	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	RefreshInterval time.Duration
}

// Provider implements signaling.Credentials.
type Provider struct {
	opts    Options
	store   *recovery.Store
	limiter *rate.Limiter

	mu  sync.Mutex
	src oauth2.TokenSource

	refreshes atomic.Int64
}

// NewProvider builds a provider. store may be nil.
func NewProvider(opts Options, store *recovery.Store) *Provider {
	interval := opts.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	p := &Provider{
		opts:    opts,
		store:   store,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
	p.src = p.newSource()
	return p
}

func (p *Provider) newSource() oauth2.TokenSource {
	if p.opts.TokenURL != "" {
		cfg := clientcredentials.Config{
			ClientID:     p.opts.ClientID,
			ClientSecret: p.opts.ClientSecret,
			TokenURL:     p.opts.TokenURL,
			Scopes:       p.opts.Scopes,
		}
		return cfg.TokenSource(context.Background())
	}
	if p.opts.Token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.opts.Token, TokenType: "Bearer"})
	}
	return nil
}

func (p *Provider) source() oauth2.TokenSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src
}

// Identity returns the current token and user id, falling back to the last
// identity cached in the recovery store when the token source is unavailable.
func (p *Provider) Identity(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	if src := p.source(); src != nil {
		tok, err := src.Token()
		if err == nil && tok.AccessToken != "" {
			id := Identity{Token: tok.AccessToken, UserID: p.userID()}
			if p.store != nil {
				p.store.SetAuth(recovery.Auth{Token: id.Token, UserID: id.UserID})
			}
			return id, nil
		}
		log.Warn("token source unavailable, trying cached identity: %v", err)
	}

	if p.store != nil {
		if cached, ok := p.store.CachedAuth(); ok {
			log.Info("using cached identity for %s", cached.UserID)
			return Identity{Token: cached.Token, UserID: cached.UserID}, nil
		}
	}
	return Identity{}, ErrNoIdentity
}

func (p *Provider) userID() string {
	if p.opts.UserID != "" {
		return p.opts.UserID
	}
	if p.store != nil {
		if cached, ok := p.store.CachedAuth(); ok {
			return cached.UserID
		}
	}
	return ""
}

// Refresh asks for a new token in the background. Calls arriving faster than
// the refresh interval are dropped.
func (p *Provider) Refresh() {
	if !p.limiter.Allow() {
		log.Debug("refresh throttled")
		return
	}
	p.refreshes.Add(1)

	go func() {
		src := p.newSource()
		if src == nil {
			log.Warn("refresh requested but no token source is configured")
			return
		}
		if _, err := src.Token(); err != nil {
			log.Warn("token refresh failed: %v", err)
			return
		}
		p.mu.Lock()
		p.src = src
		p.mu.Unlock()
		log.Success("token refreshed")
	}()
}

// Refreshes returns how many refreshes were started.
func (p *Provider) Refreshes() int64 { return p.refreshes.Load() }
