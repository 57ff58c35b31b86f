// Package session implements the per-appliance cookie lifecycle: login,
// TTL-bounded validation, single-flight login locking, and eviction on
// downstream auth failure.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/httpx"
	"github.com/sahilghewari/prosbc-core/internal/obslog"
	"github.com/sahilghewari/prosbc-core/internal/scraper"
)

const (
	defaultTTL           = 20 * time.Minute
	defaultProbeInterval = 5 * time.Minute
)

// Options configures a Pool.
type Options struct {
	TTL           time.Duration
	ProbeInterval time.Duration
	Logger        *slog.Logger
	Metrics       *Metrics
}

// Metrics is the narrow set of counters the pool reports, kept as an
// interface-free struct so callers may wire Prometheus collectors (or
// leave it nil to disable instrumentation) without the pool importing a
// metrics registry directly.
type Metrics struct {
	LoginAttempts func(applianceID string)
	LoginFailures func(applianceID string, kind core.Kind)
	ProbeSkipped  func(applianceID string)
}

func (m *Metrics) loginAttempt(id string) {
	if m != nil && m.LoginAttempts != nil {
		m.LoginAttempts(id)
	}
}

func (m *Metrics) loginFailure(id string, k core.Kind) {
	if m != nil && m.LoginFailures != nil {
		m.LoginFailures(id, k)
	}
}

func (m *Metrics) probeSkipped(id string) {
	if m != nil && m.ProbeSkipped != nil {
		m.ProbeSkipped(id)
	}
}

type entry struct {
	mu      sync.Mutex
	session core.Session
}

// Pool manages one cookie lifecycle per appliance: single-flighted
// logins, TTL expiry, and a cheap revalidation probe.
type Pool struct {
	credentials core.CredentialRegistry
	clientFor   func(core.Appliance) *http.Client
	ttl         time.Duration
	probeEvery  time.Duration
	logger      *slog.Logger
	metrics     *Metrics

	mu      sync.Mutex
	entries map[string]*entry

	sf singleflight.Group
}

// New builds a Pool. clientFor lets callers vary TLS/timeout settings per
// appliance (e.g. InsecureSkipVerify); pass httpx.New wrapped accordingly.
func New(credentials core.CredentialRegistry, clientFor func(core.Appliance) *http.Client, opts Options) *Pool {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if clientFor == nil {
		clientFor = func(core.Appliance) *http.Client { return httpx.New(httpx.Options{}) }
	}
	return &Pool{
		credentials: credentials,
		clientFor:   clientFor,
		ttl:         opts.TTL,
		probeEvery:  opts.ProbeInterval,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		entries:     make(map[string]*entry),
	}
}

func (p *Pool) entryFor(applianceID string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[applianceID]
	if !ok {
		e = &entry{}
		p.entries[applianceID] = e
	}
	return e
}

// Acquire returns a valid session cookie for applianceID, logging in or
// revalidating as needed. Concurrent callers for the same appliance share
// a single login attempt.
func (p *Pool) Acquire(ctx context.Context, applianceID string) (core.Session, error) {
	e := p.entryFor(applianceID)

	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()

	if sess.State == core.SessionValid {
		if !sess.Expired(time.Now(), p.ttl) {
			if time.Since(sess.LastValidatedAt) < p.probeEvery {
				p.metrics.probeSkipped(applianceID)
				return sess, nil
			}
			if ok, err := p.validate(ctx, applianceID, sess); err == nil && ok {
				e.mu.Lock()
				sess.LastValidatedAt = time.Now()
				e.session = sess
				e.mu.Unlock()
				return sess, nil
			}
		}
	}

	// Use DoChan rather than Do so a caller whose own deadline expires can
	// return *Timeout* without aborting the in-flight login for the other
	// waiters; the login itself runs detached from any single caller's
	// context so the leader's departure never cancels it.
	ch := p.sf.DoChan(applianceID, func() (any, error) {
		return p.login(context.Background(), applianceID)
	})

	select {
	case <-ctx.Done():
		return core.Session{}, core.NewFault(core.KindTimeout, applianceID, fmt.Errorf("acquire session: %w", ctx.Err()))
	case res := <-ch:
		if res.Err != nil {
			return core.Session{}, res.Err
		}
		fresh := res.Val.(core.Session)
		e.mu.Lock()
		e.session = fresh
		e.mu.Unlock()
		return fresh, nil
	}
}

// Evict drops the cached session for applianceID, forcing the next
// Acquire to re-login. Callers invoke this on a downstream 401/403.
func (p *Pool) Evict(applianceID string) {
	e := p.entryFor(applianceID)
	e.mu.Lock()
	e.session = core.Session{ApplianceID: applianceID, State: core.SessionInvalid}
	e.mu.Unlock()
}

func (p *Pool) login(ctx context.Context, applianceID string) (core.Session, error) {
	p.metrics.loginAttempt(applianceID)

	appliance, err := p.credentials.Lookup(ctx, applianceID)
	if err != nil {
		p.metrics.loginFailure(applianceID, core.KindNotFound)
		return core.Session{}, err
	}

	client := p.clientFor(appliance)
	loginURL := strings.TrimRight(appliance.BaseURL, "/") + "/login"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return core.Session{}, core.NewFault(core.KindProtocolError, applianceID, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		p.metrics.loginFailure(applianceID, core.KindUpstreamUnavailable)
		return core.Session{}, core.NewFault(core.KindUpstreamUnavailable, applianceID, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return core.Session{}, core.NewFault(core.KindUpstreamUnavailable, applianceID, err)
	}
	token := scraper.ExtractCSRFToken(string(body))

	form := url.Values{}
	form.Set("username", appliance.Username)
	form.Set("password", appliance.Password)
	form.Set("authenticity_token", token)

	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return core.Session{}, core.NewFault(core.KindProtocolError, applianceID, err)
	}
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range resp.Cookies() {
		postReq.AddCookie(c)
	}

	postResp, err := client.Do(postReq)
	if err != nil {
		p.metrics.loginFailure(applianceID, core.KindUpstreamUnavailable)
		return core.Session{}, core.NewFault(core.KindUpstreamUnavailable, applianceID, err)
	}
	defer postResp.Body.Close()

	loc := postResp.Header.Get("Location")
	if postResp.StatusCode < 300 || postResp.StatusCode >= 400 || strings.Contains(loc, "/login") {
		p.logger.Warn("login rejected", "appliance_id", applianceID, "status", postResp.StatusCode, "location", obslog.Redacted(loc))
		p.metrics.loginFailure(applianceID, core.KindAuthFailed)
		return core.Session{}, core.NewFault(core.KindAuthFailed, applianceID, fmt.Errorf("login redirected back to login page or returned status %d", postResp.StatusCode))
	}

	cookie := cookieHeaderFrom(postResp.Cookies())
	if cookie == "" {
		p.metrics.loginFailure(applianceID, core.KindProtocolError)
		return core.Session{}, core.NewFault(core.KindProtocolError, applianceID, fmt.Errorf("login succeeded but no session cookie was set"))
	}

	now := time.Now()
	sess := core.Session{
		ApplianceID:     applianceID,
		CookieValue:     cookie,
		CreatedAt:       now,
		LastValidatedAt: now,
		State:           core.SessionValid,
	}
	p.logger.Info("login succeeded", "appliance_id", applianceID, "cookie_present", cookie != "")
	return sess, nil
}

func cookieHeaderFrom(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func (p *Pool) validate(ctx context.Context, applianceID string, sess core.Session) (bool, error) {
	appliance, err := p.credentials.Lookup(ctx, applianceID)
	if err != nil {
		return false, err
	}
	client := p.clientFor(appliance)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, strings.TrimRight(appliance.BaseURL, "/")+"/", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Cookie", sess.CookieValue)

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false, nil
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 && strings.Contains(resp.Header.Get("Location"), "/login") {
		return false, nil
	}
	return true, nil
}
