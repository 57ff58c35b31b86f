// Package scraper implements the HTML/CSRF scraper: locating
// anti-forgery tokens, flash-cookie messages, and parsing the DF/DM file
// tables out of the fieldset-delimited HTML the remote appliance serves.
//
// The remote's markup is not always well-formed, so table/fieldset
// extraction walks a tolerant DOM tree (golang.org/x/net/html.Parse, which
// implements the HTML5 parsing algorithm and recovers from malformed
// markup the way a browser would); the CSRF token search runs a fixed
// sequence of regular expressions over the raw body and builds no DOM.
package scraper

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/sahilghewari/prosbc-core/internal/core"
)

var legendByKind = map[core.FileKind]string{
	core.KindDF: "Routesets Definition",
	core.KindDM: "Routesets Digitmap",
}

// fileActionHref matches /file_dbs/<db>/<kind>/<id>/(edit|export) and the
// bare /file_dbs/<db>/<kind>/<id> delete href.
var fileActionHref = regexp.MustCompile(`/file_dbs/(\d+)/(routesets_definitions|routesets_digitmaps)/(\d+)(?:/(edit|export))?`)

// ParseFileTable locates the fieldset for kind and extracts each file row.
// Matching is layered: exact legend text, then normalized
// containment either way, then the first fieldset on the page as a last
// resort. The fallback MUST NOT be removed: some appliance variants omit
// a matching legend entirely yet still list exactly one file table.
func ParseFileTable(htmlBody string, kind core.FileKind) ([]core.FileDescriptor, error) {
	doc, err := html.Parse(strings.NewReader(htmlBody))
	if err != nil {
		return nil, err
	}

	fieldsets := findFieldsets(doc)
	target := legendByKind[kind]

	fs := matchFieldset(fieldsets, target)
	if fs == nil && len(fieldsets) > 0 {
		fs = fieldsets[0]
	}
	if fs == nil {
		return nil, nil
	}

	return extractRows(fs, kind), nil
}

type fieldsetNode struct {
	node   *html.Node
	legend string
}

func findFieldsets(n *html.Node) []*fieldsetNode {
	var out []*fieldsetNode
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "fieldset" {
			out = append(out, &fieldsetNode{node: n, legend: legendText(n)})
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func legendText(fieldset *html.Node) string {
	for c := fieldset.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "legend" {
			return textContent(c)
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var buf bytes.Buffer
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return buf.String()
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, ":", "")
	return strings.Join(strings.Fields(s), "")
}

func matchFieldset(fieldsets []*fieldsetNode, target string) *html.Node {
	// 1. Exact match ("Routesets Definition:").
	for _, fs := range fieldsets {
		if strings.TrimSpace(fs.legend) == target+":" || strings.TrimSpace(fs.legend) == target {
			return fs.node
		}
	}
	// 2. Normalized containment, either direction.
	normTarget := normalize(target)
	for _, fs := range fieldsets {
		normLegend := normalize(fs.legend)
		if normLegend == "" {
			continue
		}
		if strings.Contains(normLegend, normTarget) || strings.Contains(normTarget, normLegend) {
			return fs.node
		}
	}
	return nil
}

func extractRows(fieldset *html.Node, kind core.FileKind) []core.FileDescriptor {
	var rows []core.FileDescriptor
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			if fd, ok := rowToDescriptor(n, kind); ok {
				rows = append(rows, fd)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(fieldset)
	return rows
}

func rowToDescriptor(tr *html.Node, kind core.FileKind) (core.FileDescriptor, bool) {
	var name string
	var hrefs []string
	nameSet := false

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "td" && !nameSet {
			if txt := strings.TrimSpace(textContent(n)); txt != "" {
				name = txt
				nameSet = true
			}
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key == "href" && fileActionHref.MatchString(a.Val) {
					hrefs = append(hrefs, a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(tr)

	if !nameSet || len(hrefs) == 0 {
		return core.FileDescriptor{}, false
	}

	fd := core.FileDescriptor{Name: name, Kind: kind}
	for _, href := range hrefs {
		m := fileActionHref.FindStringSubmatch(href)
		if m == nil {
			continue
		}
		fd.ConfigDBID = m[1]
		fd.ID = m[3]
		switch m[4] {
		case "edit":
			fd.UpdateHref = href
		case "export":
			fd.ExportHref = href
		default:
			fd.DeleteHref = href
		}
	}
	return fd, true
}

var (
	authenticityInput = regexp.MustCompile(`name=["']authenticity_token["']\s+[^>]*value=["']([^"']+)["']`)
	authenticityInputRev = regexp.MustCompile(`value=["']([^"']+)["']\s+[^>]*name=["']authenticity_token["']`)
	csrfMeta          = regexp.MustCompile(`<meta\s+name=["']csrf-token["']\s+content=["']([^"']+)["']`)
	hiddenBase64ish   = regexp.MustCompile(`type=["']hidden["'][^>]*value=["']([A-Za-z0-9+/=_-]{20,})["']`)
	jsonToken         = regexp.MustCompile(`authenticity_token["']?\s*:\s*["']([^"']+)["']`)
	onclickToken      = regexp.MustCompile(`onclick=["'][^"']*authenticity_token=([^&"'\s]+)`)
)

// ExtractCSRFToken searches, in order, for an authenticity_token input, a
// csrf-token meta tag, a long base64-ish hidden input, a JSON-embedded
// token, or an onclick attribute carrying one. Returns "" if none is
// found; callers may still attempt the POST.
func ExtractCSRFToken(htmlBody string) string {
	if m := authenticityInput.FindStringSubmatch(htmlBody); m != nil {
		return m[1]
	}
	if m := authenticityInputRev.FindStringSubmatch(htmlBody); m != nil {
		return m[1]
	}
	if m := csrfMeta.FindStringSubmatch(htmlBody); m != nil {
		return m[1]
	}
	if m := hiddenBase64ish.FindStringSubmatch(htmlBody); m != nil {
		return m[1]
	}
	if m := jsonToken.FindStringSubmatch(htmlBody); m != nil {
		return m[1]
	}
	if m := onclickToken.FindStringSubmatch(htmlBody); m != nil {
		v, err := url.QueryUnescape(m[1])
		if err == nil {
			return v
		}
		return m[1]
	}
	return ""
}

// FlashMessage is the decoded notice:/error: payload the remote encodes
// into the session cookie.
type FlashMessage struct {
	Level string // "notice" or "error"
	Text  string
}

var flashPattern = regexp.MustCompile(`(notice|error):([^;]*)`)

// ExtractFlashMessage decodes the flash message embedded in a Set-Cookie
// header value. Unknown encodings are surfaced to the caller as a false
// ok so they can be treated as *UpstreamError* with the raw snippet.
func ExtractFlashMessage(setCookieHeader string) (FlashMessage, bool) {
	decoded := setCookieHeader
	if d, err := url.QueryUnescape(strings.ReplaceAll(setCookieHeader, "+", " ")); err == nil {
		decoded = d
	}

	m := flashPattern.FindStringSubmatch(decoded)
	if m == nil {
		return FlashMessage{}, false
	}
	return FlashMessage{Level: m[1], Text: strings.TrimSpace(m[2])}, true
}

var scriptTag = regexp.MustCompile(`(?is)<script.*?</script>`)

// StripScripts removes <script>...</script> blocks from an HTML snippet,
// used when bounding a response body for inclusion in an UpstreamError.
func StripScripts(htmlBody string) string {
	return scriptTag.ReplaceAllString(htmlBody, "")
}

// IsLoginPage reports whether the body looks like the login form rather
// than the page the caller expected: it mentions "login" together with a
// password or authenticity_token field.
func IsLoginPage(htmlBody string) bool {
	lower := strings.ToLower(htmlBody)
	return strings.Contains(lower, "login") && (strings.Contains(lower, "password") || strings.Contains(lower, "authenticity_token"))
}

// IsChooserPage reports whether the body is the configuration chooser page
// rather than the file-database edit page.
func IsChooserPage(htmlBody string) bool {
	return strings.Contains(htmlBody, "configurations_list") || strings.Contains(htmlBody, "choose_redirect")
}

// HasFileDatabaseLegends reports whether the body contains the legend text
// for either file table, i.e. looks like a genuine /file_dbs/<id>/edit page.
func HasFileDatabaseLegends(htmlBody string) bool {
	return strings.Contains(htmlBody, legendByKind[core.KindDF]) || strings.Contains(htmlBody, legendByKind[core.KindDM])
}
