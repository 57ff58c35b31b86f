// Package fileops implements the File Operations Engine: listing,
// exporting, uploading, and deleting the DF/DM files on a selected
// appliance configuration. Every call begins by resolving a session and a
// chosen configuration, then speaks whichever of the REST or HTML-form
// dialects the appliance actually honours for that operation.
package fileops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sahilghewari/prosbc-core/internal/cache"
	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/scraper"
)

// SessionProvider supplies the cookie for an appliance.
type SessionProvider interface {
	Acquire(ctx context.Context, applianceID string) (core.Session, error)
	Evict(applianceID string)
}

// ConfigProvider resolves the (configId, dbId) pair for an appliance.
type ConfigProvider interface {
	EnsureSelected(ctx context.Context, applianceID, desiredConfigRef string) (core.Configuration, error)
}

const listCacheTTL = 5 * time.Minute

// Engine is the File Operations Engine.
type Engine struct {
	credentials core.CredentialRegistry
	sessions    SessionProvider
	configs     ConfigProvider
	clientFor   func(core.Appliance) *http.Client
	listCache   cache.Cache
	logger      *slog.Logger
}

// Options configures an Engine.
type Options struct {
	ListCache cache.Cache
	Logger    *slog.Logger
}

// New builds an Engine.
func New(credentials core.CredentialRegistry, sessions SessionProvider, configs ConfigProvider, clientFor func(core.Appliance) *http.Client, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		credentials: credentials,
		sessions:    sessions,
		configs:     configs,
		clientFor:   clientFor,
		listCache:   opts.ListCache,
		logger:      opts.Logger,
	}
}

type resolved struct {
	appliance core.Appliance
	session   core.Session
	config    core.Configuration
	client    *http.Client
}

func (e *Engine) resolve(ctx context.Context, applianceID, desiredConfigRef string) (resolved, error) {
	appliance, err := e.credentials.Lookup(ctx, applianceID)
	if err != nil {
		return resolved{}, err
	}
	sess, err := e.sessions.Acquire(ctx, applianceID)
	if err != nil {
		return resolved{}, err
	}
	cfg, err := e.configs.EnsureSelected(ctx, applianceID, desiredConfigRef)
	if err != nil {
		return resolved{}, err
	}
	return resolved{appliance: appliance, session: sess, config: cfg, client: e.clientFor(appliance)}, nil
}

func kindSegment(kind core.FileKind) string {
	if kind == core.KindDF {
		return "routesets_definitions"
	}
	return "routesets_digitmaps"
}

func formFieldPrefix(kind core.FileKind) string {
	if kind == core.KindDF {
		return "tbgw_routesets_definition"
	}
	return "tbgw_routesets_digitmap"
}

// List returns the file descriptors for kind on the appliance's selected
// configuration, cached for 5 minutes keyed by (appliance, dbId, kind).
func (e *Engine) List(ctx context.Context, rc core.RequestContext, kind core.FileKind) ([]core.FileDescriptor, error) {
	r, err := e.resolve(ctx, rc.ApplianceID, rc.DesiredConfigRef)
	if err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("list:%s:%s:%s", rc.ApplianceID, r.config.DBID, kind)
	if e.listCache != nil {
		var cached []core.FileDescriptor
		if found, _ := e.listCache.Get(ctx, cacheKey, &cached); found {
			return cached, nil
		}
	}

	editURL := strings.TrimRight(r.appliance.BaseURL, "/") + "/file_dbs/" + url.PathEscape(r.config.DBID) + "/edit"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, editURL, nil)
	if err != nil {
		return nil, core.NewFault(core.KindProtocolError, rc.ApplianceID, err)
	}
	req.Header.Set("Cookie", r.session.CookieValue)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, core.NewFault(core.KindUpstreamUnavailable, rc.ApplianceID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewFault(core.KindUpstreamUnavailable, rc.ApplianceID, err)
	}

	files, err := scraper.ParseFileTable(string(body), kind)
	if err != nil {
		return nil, core.NewFault(core.KindProtocolError, rc.ApplianceID, err)
	}
	for i := range files {
		files[i].ApplianceID = rc.ApplianceID
	}

	if e.listCache != nil {
		_ = e.listCache.Set(ctx, cacheKey, files, listCacheTTL)
	}
	return files, nil
}

// Export streams the body of one file. The caller owns closing the
// returned ReadCloser.
func (e *Engine) Export(ctx context.Context, rc core.RequestContext, kind core.FileKind, fileID string) (io.ReadCloser, error) {
	r, err := e.resolve(ctx, rc.ApplianceID, rc.DesiredConfigRef)
	if err != nil {
		return nil, err
	}
	return e.export(ctx, r, kind, fileID)
}

func (e *Engine) export(ctx context.Context, r resolved, kind core.FileKind, fileID string) (io.ReadCloser, error) {
	exportURL := fmt.Sprintf("%s/file_dbs/%s/%s/%s/export", strings.TrimRight(r.appliance.BaseURL, "/"), r.config.DBID, kindSegment(kind), fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exportURL, nil)
	if err != nil {
		return nil, core.NewFault(core.KindProtocolError, r.appliance.ID, err)
	}
	req.Header.Set("Cookie", r.session.CookieValue)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, core.NewFault(core.KindUpstreamUnavailable, r.appliance.ID, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(contentType), "csv") {
		return resp.Body, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, core.NewFault(core.KindUpstreamUnavailable, r.appliance.ID, err)
	}
	if bodyStr := string(body); strings.Contains(bodyStr, "login") || strings.Contains(bodyStr, "Login") {
		return nil, core.NewFault(core.KindSessionExpired, r.appliance.ID, fmt.Errorf("export returned a login page"))
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// exportBody is a convenience used by Upload's verification step.
func (e *Engine) exportBody(ctx context.Context, r resolved, kind core.FileKind, fileID string) (string, error) {
	rc, err := e.export(ctx, r, kind, fileID)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", core.NewFault(core.KindUpstreamUnavailable, r.appliance.ID, err)
	}
	return string(b), nil
}

// Upload creates, updates, or replaces a file depending on mode.
func (e *Engine) Upload(ctx context.Context, rc core.RequestContext, kind core.FileKind, filename string, content []byte, mode core.UploadMode) (core.FileDescriptor, error) {
	r, err := e.resolve(ctx, rc.ApplianceID, rc.DesiredConfigRef)
	if err != nil {
		return core.FileDescriptor{}, err
	}

	existing, listErr := e.List(ctx, rc, kind)
	var match *core.FileDescriptor
	if listErr == nil {
		for i := range existing {
			if existing[i].Name == filename {
				match = &existing[i]
				break
			}
		}
	}

	switch mode {
	case core.ModeUpdate:
		if match == nil {
			return core.FileDescriptor{}, core.NewFault(core.KindNotFound, rc.ApplianceID, fmt.Errorf("no file named %q to update", filename))
		}
		return e.update(ctx, r, kind, *match, filename, content)
	case core.ModeCreate:
		name := filename
		if match != nil {
			name = uniqueName(filename)
		}
		fd, err := e.createViaForm(ctx, r, kind, name, content)
		if core.IsKind(err, core.KindConflict) {
			return e.createViaForm(ctx, r, kind, uniqueName(filename), content)
		}
		return fd, err
	case core.ModeReplace:
		if match != nil {
			return e.update(ctx, r, kind, *match, filename, content)
		}
		return e.createViaForm(ctx, r, kind, filename, content)
	default: // ModeAuto
		var fd core.FileDescriptor
		var err error
		if listErr != nil || match == nil {
			fd, err = e.createViaForm(ctx, r, kind, filename, content)
		} else {
			fd, err = e.update(ctx, r, kind, *match, filename, content)
		}
		// A "Name has already been taken" conflict means the remote has a
		// file with this name our listing didn't catch; retry once as a
		// create under a unique-suffixed name rather than propagating it.
		if core.IsKind(err, core.KindConflict) {
			return e.createViaForm(ctx, r, kind, uniqueName(filename), content)
		}
		return fd, err
	}
}

func uniqueName(filename string) string {
	ext := ""
	base := filename
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		ext = filename[idx:]
		base = filename[:idx]
	}
	return fmt.Sprintf("%s_%d%s", base, time.Now().UnixMilli(), ext)
}

func (e *Engine) update(ctx context.Context, r resolved, kind core.FileKind, existing core.FileDescriptor, filename string, content []byte) (core.FileDescriptor, error) {
	if err := e.updateViaREST(ctx, r, kind, existing.ID, filename, content); err == nil {
		got, verr := e.exportBody(ctx, r, kind, existing.ID)
		if verr == nil && strings.TrimSpace(got) == strings.TrimSpace(string(content)) {
			existing.Name = filename
			return existing, nil
		}
		e.logger.Warn("REST update verification mismatch, falling back to form path",
			"appliance_id", r.appliance.ID, "file_id", existing.ID)
	}

	if _, err := e.updateViaForm(ctx, r, kind, existing, content); err != nil {
		return core.FileDescriptor{}, core.NewFault(core.KindVerificationFailed, r.appliance.ID, fmt.Errorf("update verification failed via both REST and form paths: %w", err))
	}

	got, verr := e.exportBody(ctx, r, kind, existing.ID)
	if verr != nil || strings.TrimSpace(got) != strings.TrimSpace(string(content)) {
		return core.FileDescriptor{}, core.NewFault(core.KindVerificationFailed, r.appliance.ID, fmt.Errorf("update verification failed after form fallback"))
	}

	existing.Name = filename
	return existing, nil
}

func (e *Engine) updateViaREST(ctx context.Context, r resolved, kind core.FileKind, fileID, filename string, content []byte) error {
	restURL := fmt.Sprintf("%s/configurations/%s/file_dbs/%s/%s/%s", strings.TrimRight(r.appliance.BaseURL, "/"), r.config.ID, r.config.DBID, kindSegment(kind), fileID)

	payload, err := json.Marshal(map[string]string{
		"name":    filename,
		"content": string(content),
		"type":    "csv",
	})
	if err != nil {
		return core.NewFault(core.KindProtocolError, r.appliance.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, restURL, bytes.NewReader(payload))
	if err != nil {
		return core.NewFault(core.KindProtocolError, r.appliance.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(r.appliance.Username, r.appliance.Password)

	resp, err := r.client.Do(req)
	if err != nil {
		return core.NewFault(core.KindUpstreamUnavailable, r.appliance.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return core.NewFault(core.KindUpstreamError, r.appliance.ID, fmt.Errorf("REST update returned status %d", resp.StatusCode)).WithSnippet(scraper.StripScripts(string(body)))
	}
	return nil
}

func (e *Engine) createViaForm(ctx context.Context, r resolved, kind core.FileKind, filename string, content []byte) (core.FileDescriptor, error) {
	newURL := fmt.Sprintf("%s/file_dbs/%s/%s/new", strings.TrimRight(r.appliance.BaseURL, "/"), r.config.DBID, kindSegment(kind))
	return e.submitForm(ctx, r, kind, newURL, filename, content, formOpts{commit: "Import"})
}

func (e *Engine) updateViaForm(ctx context.Context, r resolved, kind core.FileKind, existing core.FileDescriptor, content []byte) (core.FileDescriptor, error) {
	editURL := fmt.Sprintf("%s/file_dbs/%s/%s/%s/edit", strings.TrimRight(r.appliance.BaseURL, "/"), r.config.DBID, kindSegment(kind), existing.ID)
	return e.submitForm(ctx, r, kind, editURL, existing.Name, content, formOpts{commit: "Update", fileID: existing.ID, method: "put"})
}

type formOpts struct {
	commit string
	fileID string
	method string
}

func (e *Engine) submitForm(ctx context.Context, r resolved, kind core.FileKind, formURL, filename string, content []byte, opts formOpts) (core.FileDescriptor, error) {
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, formURL, nil)
	if err != nil {
		return core.FileDescriptor{}, core.NewFault(core.KindProtocolError, r.appliance.ID, err)
	}
	getReq.Header.Set("Cookie", r.session.CookieValue)

	getResp, err := r.client.Do(getReq)
	if err != nil {
		return core.FileDescriptor{}, core.NewFault(core.KindUpstreamUnavailable, r.appliance.ID, err)
	}
	getBody, err := io.ReadAll(getResp.Body)
	getResp.Body.Close()
	if err != nil {
		return core.FileDescriptor{}, core.NewFault(core.KindUpstreamUnavailable, r.appliance.ID, err)
	}
	token := scraper.ExtractCSRFToken(string(getBody))

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	prefix := formFieldPrefix(kind)

	writer.WriteField("authenticity_token", token)
	writer.WriteField("commit", opts.commit)
	if opts.fileID != "" {
		writer.WriteField(prefix+"[id]", opts.fileID)
		writer.WriteField(prefix+"[tbgw_files_db_id]", r.config.DBID)
	}
	if opts.method != "" {
		writer.WriteField("_method", opts.method)
	}

	part, err := writer.CreateFormFile(prefix+"[file]", filename)
	if err != nil {
		return core.FileDescriptor{}, core.NewFault(core.KindProtocolError, r.appliance.ID, err)
	}
	if _, err := part.Write(content); err != nil {
		return core.FileDescriptor{}, core.NewFault(core.KindProtocolError, r.appliance.ID, err)
	}
	if err := writer.Close(); err != nil {
		return core.FileDescriptor{}, core.NewFault(core.KindProtocolError, r.appliance.ID, err)
	}

	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, formURL, &buf)
	if err != nil {
		return core.FileDescriptor{}, core.NewFault(core.KindProtocolError, r.appliance.ID, err)
	}
	postReq.Header.Set("Content-Type", writer.FormDataContentType())
	postReq.Header.Set("Cookie", r.session.CookieValue)

	postResp, err := r.client.Do(postReq)
	if err != nil {
		return core.FileDescriptor{}, core.NewFault(core.KindUpstreamUnavailable, r.appliance.ID, err)
	}
	defer postResp.Body.Close()

	return e.interpretFormResult(ctx, r, kind, filename, postResp)
}

func (e *Engine) interpretFormResult(ctx context.Context, r resolved, kind core.FileKind, filename string, resp *http.Response) (core.FileDescriptor, error) {
	if resp.StatusCode != http.StatusFound {
		body, _ := io.ReadAll(resp.Body)
		return core.FileDescriptor{}, core.NewFault(core.KindUpstreamError, r.appliance.ID, fmt.Errorf("form submission returned status %d", resp.StatusCode)).WithSnippet(scraper.StripScripts(string(body)))
	}

	for _, c := range resp.Cookies() {
		if flash, ok := scraper.ExtractFlashMessage(c.Name + "=" + c.Value); ok {
			lower := strings.ToLower(flash.Text)
			if flash.Level == "notice" && (strings.Contains(lower, "successfully") || strings.Contains(lower, "imported") || strings.Contains(lower, "updated")) {
				return e.describeByName(ctx, r, kind, filename)
			}
			if flash.Level == "error" && strings.Contains(flash.Text, "Name has already been taken") {
				return core.FileDescriptor{}, core.NewFault(core.KindConflict, r.appliance.ID, fmt.Errorf("name %q already taken", filename))
			}
		}
	}

	if fd, err := e.describeByName(ctx, r, kind, filename); err == nil {
		return fd, nil
	}

	for dbid := 1; dbid <= 10; dbid++ {
		files, err := scraper.ParseFileTable(e.fetchEditPage(ctx, r, strconv.Itoa(dbid)), kind)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.Name == filename {
				return f, nil
			}
		}
	}

	return core.FileDescriptor{}, core.NewFault(core.KindVerificationFailed, r.appliance.ID, fmt.Errorf("could not confirm %q was stored after the form submission", filename))
}

func (e *Engine) describeByName(ctx context.Context, r resolved, kind core.FileKind, filename string) (core.FileDescriptor, error) {
	files, err := scraper.ParseFileTable(e.fetchEditPage(ctx, r, r.config.DBID), kind)
	if err != nil {
		return core.FileDescriptor{}, err
	}
	for _, f := range files {
		if f.Name == filename {
			return f, nil
		}
	}
	return core.FileDescriptor{}, core.NewFault(core.KindNotFound, r.appliance.ID, fmt.Errorf("file %q not found after upload", filename))
}

// fetchEditPage fetches /file_dbs/<dbID>/edit best-effort, returning "" on
// any transport error so probing callers can simply move to the next dbId.
func (e *Engine) fetchEditPage(ctx context.Context, r resolved, dbID string) string {
	editURL := fmt.Sprintf("%s/file_dbs/%s/edit", strings.TrimRight(r.appliance.BaseURL, "/"), dbID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, editURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Cookie", r.session.CookieValue)
	resp, err := r.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

// Delete removes fileID, trying the REST path first and the HTML-form
// pseudo-verb fallback second.
func (e *Engine) Delete(ctx context.Context, rc core.RequestContext, kind core.FileKind, fileID string) error {
	r, err := e.resolve(ctx, rc.ApplianceID, rc.DesiredConfigRef)
	if err != nil {
		return err
	}

	restURL := fmt.Sprintf("%s/file_dbs/%s/%s/%s", strings.TrimRight(r.appliance.BaseURL, "/"), r.config.DBID, kindSegment(kind), fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, restURL, nil)
	if err == nil {
		req.Header.Set("Accept", "application/json")
		req.SetBasicAuth(r.appliance.Username, r.appliance.Password)
		if resp, err := r.client.Do(req); err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return core.NewFault(core.KindNotFound, r.appliance.ID, fmt.Errorf("file %q not found", fileID))
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}
	}

	form := url.Values{}
	form.Set("_method", "delete")
	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, restURL, strings.NewReader(form.Encode()))
	if err != nil {
		return core.NewFault(core.KindProtocolError, r.appliance.ID, err)
	}
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	postReq.SetBasicAuth(r.appliance.Username, r.appliance.Password)

	resp, err := r.client.Do(postReq)
	if err != nil {
		return core.NewFault(core.KindUpstreamUnavailable, r.appliance.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return core.NewFault(core.KindNotFound, r.appliance.ID, fmt.Errorf("file %q not found", fileID))
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusFound:
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return core.NewFault(core.KindUpstreamError, r.appliance.ID, fmt.Errorf("delete fallback returned status %d", resp.StatusCode)).WithSnippet(scraper.StripScripts(string(body)))
	}
}
