package core

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the error taxonomy of the ProSBC integration core. These are
// kinds, not concrete Go types: callers switch on Kind, never on a
// component-specific error struct.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindAuthFailed           Kind = "auth_failed"
	KindSessionExpired       Kind = "session_expired"
	KindConfigSelectionFailed Kind = "config_selection_failed"
	KindConflict             Kind = "conflict"
	KindVerificationFailed   Kind = "verification_failed"
	KindUpstreamUnavailable  Kind = "upstream_unavailable"
	KindProtocolError        Kind = "protocol_error"
	KindTimeout              Kind = "timeout"
	KindUpstreamError        Kind = "upstream_error"
)

// Fault is the error carrier for every kind in the taxonomy above. Internal
// callers may inspect Snippet for diagnostics; it is always bounded and
// stripped of script tags before being attached (see scraper.StripScripts).
type Fault struct {
	Kind        Kind
	ApplianceID string
	Snippet     string
	Err         error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s: appliance=%s", f.Kind, f.ApplianceID)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	if f.Snippet != "" {
		msg += fmt.Sprintf(" (snippet: %q)", f.Snippet)
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Is makes errors.Is(err, &Fault{Kind: k}) match any *Fault in err's chain
// with the same Kind; see IsKind below for the ergonomic form.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.Kind == other.Kind
	}
	return false
}

// NewFault builds a Fault for the given kind.
func NewFault(kind Kind, applianceID string, err error) *Fault {
	return &Fault{Kind: kind, ApplianceID: applianceID, Err: err}
}

// WithSnippet attaches a bounded, redacted response snippet to a Fault.
func (f *Fault) WithSnippet(s string) *Fault {
	f.Snippet = BoundedSnippet(s)
	return f
}

// IsKind reports whether err (or any error it wraps) is a Fault of kind k.
func IsKind(err error, k Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == k
	}
	return false
}

// BoundedSnippet trims s to at most 200 characters, matching the
// upstream-error response-snippet bound.
func BoundedSnippet(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// ClassifyFanoutError maps a raw error observed while fanning an update out
// to one appliance to the coarse category the orchestrator reports per
// appliance. This is the single place the substring classification lives;
// every caller goes through this function rather than re-deriving its own
// substring checks.
func ClassifyFanoutError(err error) string {
	if err == nil {
		return ""
	}

	var f *Fault
	if errors.As(err, &f) {
		switch f.Kind {
		case KindUpstreamUnavailable:
			return "connection"
		case KindAuthFailed, KindSessionExpired:
			return "authentication"
		case KindTimeout:
			return "timeout"
		case KindConfigSelectionFailed, KindProtocolError:
			return "initialization"
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "socket hang up", "econnrefused", "failed to fetch"):
		return "connection"
	case containsAny(msg, "authenticity_token", "login page"):
		return "authentication"
	case containsAny(msg, "timeout"):
		return "timeout"
	case containsAny(msg, "before initialization", "hasroutesetsection"):
		return "initialization"
	default:
		return "unknown"
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
