// Package configselector implements the Config Selector: discovering the
// configurations an appliance exposes, choosing one for the current
// session, and resolving the file-database id that file-listing URLs
// actually use (which, on one legacy appliance variant, diverges from the
// configuration id and must be read from a hard-coded mapping instead of
// the page itself).
package configselector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/scraper"
)

const defaultCacheTTL = 10 * time.Minute

// legacyApplianceID is matched case-insensitively against the appliance id
// to detect the one variant whose HTML is too fragile to parse reliably.
const legacyApplianceID = "prosbc1"

// legacyDBIDByConfigID is the authoritative id -> dbId mapping for the
// legacy-prosbc1 variant. config_1-BU (id 5) is the documented exception;
// entries are added here as further appliances of this variant are
// onboarded, never inferred from the page.
var legacyDBIDByConfigID = map[string]string{
	"5": "3", // config_1-BU
}

// SessionProvider supplies the cookie and HTTP client for an appliance;
// the selector does not manage sessions itself.
type SessionProvider interface {
	Acquire(ctx context.Context, applianceID string) (core.Session, error)
	Evict(applianceID string)
}

// Selector resolves a desired configuration reference to a concrete
// core.Configuration on one appliance.
type Selector struct {
	credentials core.CredentialRegistry
	sessions    SessionProvider
	clientFor   func(core.Appliance) *http.Client
	cacheTTL    time.Duration
	dbidProbeMax int
	logger      *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedSelection
}

type cachedSelection struct {
	ref        string
	config     core.Configuration
	resolvedAt time.Time
}

// Options configures a Selector.
type Options struct {
	CacheTTL     time.Duration
	DBIDProbeMax int
	Logger       *slog.Logger
}

// New builds a Selector.
func New(credentials core.CredentialRegistry, sessions SessionProvider, clientFor func(core.Appliance) *http.Client, opts Options) *Selector {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.DBIDProbeMax <= 0 {
		opts.DBIDProbeMax = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Selector{
		credentials:  credentials,
		sessions:     sessions,
		clientFor:    clientFor,
		cacheTTL:     opts.CacheTTL,
		dbidProbeMax: opts.DBIDProbeMax,
		logger:       opts.Logger,
		cache:        make(map[string]cachedSelection),
	}
}

// EnsureSelected resolves (configId, dbId) for applianceID and
// desiredConfigRef, a numeric id, a configuration name, or "" meaning
// any active/first configuration.
func (s *Selector) EnsureSelected(ctx context.Context, applianceID, desiredConfigRef string) (core.Configuration, error) {
	if cached, ok := s.cached(applianceID, desiredConfigRef); ok {
		return cached, nil
	}

	if strings.EqualFold(applianceID, legacyApplianceID) {
		cfg, err := s.resolveLegacy(ctx, applianceID, desiredConfigRef)
		if err != nil {
			return core.Configuration{}, err
		}
		s.store(applianceID, desiredConfigRef, cfg)
		return cfg, nil
	}

	appliance, err := s.credentials.Lookup(ctx, applianceID)
	if err != nil {
		return core.Configuration{}, err
	}
	sess, err := s.sessions.Acquire(ctx, applianceID)
	if err != nil {
		return core.Configuration{}, err
	}
	client := s.clientFor(appliance)

	configID, err := s.discoverConfigID(ctx, client, appliance, sess, desiredConfigRef)
	if err != nil {
		return core.Configuration{}, err
	}

	if err := s.choose(ctx, client, appliance, sess, configID); err != nil {
		return core.Configuration{}, err
	}

	dbID, err := s.validateAndResolveDBID(ctx, client, appliance, sess, configID)
	if err != nil {
		return core.Configuration{}, err
	}

	cfg := core.Configuration{
		ApplianceID: applianceID,
		ID:          configID,
		DBID:        dbID,
		Active:      true,
		ResolvedAt:  time.Now(),
	}
	s.store(applianceID, desiredConfigRef, cfg)
	return cfg, nil
}

func (s *Selector) cached(applianceID, ref string) (core.Configuration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[applianceID]
	if !ok || c.ref != ref {
		return core.Configuration{}, false
	}
	if time.Since(c.resolvedAt) > s.cacheTTL {
		return core.Configuration{}, false
	}
	return c.config, true
}

func (s *Selector) store(applianceID, ref string, cfg core.Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[applianceID] = cachedSelection{ref: ref, config: cfg, resolvedAt: cfg.ResolvedAt}
}

func (s *Selector) resolveLegacy(ctx context.Context, applianceID, desiredConfigRef string) (core.Configuration, error) {
	configID := desiredConfigRef
	if configID == "" {
		for id := range legacyDBIDByConfigID {
			configID = id
			break
		}
	}
	dbID, ok := legacyDBIDByConfigID[configID]
	if !ok {
		return core.Configuration{}, core.NewFault(core.KindConfigSelectionFailed, applianceID, fmt.Errorf("no legacy dbId mapping for configuration %q", configID))
	}
	return core.Configuration{
		ApplianceID: applianceID,
		ID:          configID,
		DBID:        dbID,
		Active:      true,
		ResolvedAt:  time.Now(),
	}, nil
}

var optionRe = regexp.MustCompile(`<option[^>]*value=["'](\d+)["'][^>]*>([^<]*)</option>`)
var locationDBIDRe = regexp.MustCompile(`/file_dbs/(\d+)/`)

func (s *Selector) discoverConfigID(ctx context.Context, client *http.Client, appliance core.Appliance, sess core.Session, desiredConfigRef string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(appliance.BaseURL, "/")+"/file_dbs", nil)
	if err != nil {
		return "", core.NewFault(core.KindProtocolError, appliance.ID, err)
	}
	req.Header.Set("Cookie", sess.CookieValue)

	resp, err := client.Do(req)
	if err != nil {
		return "", core.NewFault(core.KindUpstreamUnavailable, appliance.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if m := locationDBIDRe.FindStringSubmatch(resp.Header.Get("Location")); m != nil {
			return m[1], nil
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", core.NewFault(core.KindUpstreamUnavailable, appliance.ID, err)
	}
	html := string(body)

	if desiredConfigRef != "" {
		if _, err := strconv.Atoi(desiredConfigRef); err == nil {
			return desiredConfigRef, nil
		}
		for _, m := range optionRe.FindAllStringSubmatch(html, -1) {
			if strings.TrimSpace(m[2]) == desiredConfigRef {
				return m[1], nil
			}
		}
		return "", core.NewFault(core.KindConfigSelectionFailed, appliance.ID, fmt.Errorf("no configuration named %q found", desiredConfigRef)).WithSnippet(scraper.StripScripts(html))
	}

	matches := optionRe.FindAllStringSubmatch(html, -1)
	if len(matches) == 0 {
		return "", core.NewFault(core.KindConfigSelectionFailed, appliance.ID, fmt.Errorf("no configurations listed at /file_dbs")).WithSnippet(scraper.StripScripts(html))
	}
	return matches[0][1], nil
}

func (s *Selector) choose(ctx context.Context, client *http.Client, appliance core.Appliance, sess core.Session, configID string) error {
	chooseURL := strings.TrimRight(appliance.BaseURL, "/") + "/configurations/" + url.PathEscape(configID) + "/choose_redirect"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chooseURL, nil)
	if err != nil {
		return core.NewFault(core.KindProtocolError, appliance.ID, err)
	}
	req.Header.Set("Cookie", sess.CookieValue)

	resp, err := client.Do(req)
	if err != nil {
		return core.NewFault(core.KindUpstreamUnavailable, appliance.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if strings.Contains(loc, "/configurations") && !strings.Contains(loc, "/file_dbs") {
			return core.NewFault(core.KindConfigSelectionFailed, appliance.ID, fmt.Errorf("choose_redirect cycled back to %q", loc))
		}
		return nil
	}
	return core.NewFault(core.KindConfigSelectionFailed, appliance.ID, fmt.Errorf("choose_redirect returned status %d", resp.StatusCode))
}

func (s *Selector) validateAndResolveDBID(ctx context.Context, client *http.Client, appliance core.Appliance, sess core.Session, configID string) (string, error) {
	if ok, err := s.validateDBID(ctx, client, appliance, sess, configID); err != nil {
		return "", err
	} else if ok {
		return configID, nil
	}

	for dbid := 1; dbid <= s.dbidProbeMax; dbid++ {
		candidate := strconv.Itoa(dbid)
		if ok, err := s.validateDBID(ctx, client, appliance, sess, candidate); err == nil && ok {
			s.logger.Info("dbId resolved via probe", "appliance_id", appliance.ID, "config_id", configID, "db_id", candidate)
			return candidate, nil
		}
	}

	return "", core.NewFault(core.KindConfigSelectionFailed, appliance.ID, fmt.Errorf("no dbId in 1..%d validated for configuration %q", s.dbidProbeMax, configID))
}

func (s *Selector) validateDBID(ctx context.Context, client *http.Client, appliance core.Appliance, sess core.Session, dbID string) (bool, error) {
	editURL := strings.TrimRight(appliance.BaseURL, "/") + "/file_dbs/" + url.PathEscape(dbID) + "/edit"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, editURL, nil)
	if err != nil {
		return false, core.NewFault(core.KindProtocolError, appliance.ID, err)
	}
	req.Header.Set("Cookie", sess.CookieValue)

	resp, err := client.Do(req)
	if err != nil {
		return false, core.NewFault(core.KindUpstreamUnavailable, appliance.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, core.NewFault(core.KindUpstreamUnavailable, appliance.ID, err)
	}
	html := string(body)

	return scraper.HasFileDatabaseLegends(html) && !scraper.IsChooserPage(html), nil
}
