package transport

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

const defaultTinyDocumentBytes = 1000

var challengeMarkers = [][]byte{
	[]byte("cf-chl"),
	[]byte("challenge-platform"),
	[]byte("just a moment"),
	[]byte("cf-browser-verification"),
	[]byte("captcha"),
}

var challengeTitles = []string{
	"just a moment",
	"attention required",
	"please wait",
}

const challengeSelector = `#challenge-form, .cf-browser-verification, #cf-challenge-running, iframe[src*="challenges.cloudflare.com"]`

// Detector recognises bot-protection challenge pages.
type Detector struct {
	// TinyDocumentBytes is the size under which an HTML document mentioning
	// cloudflare is treated as an interstitial.
	TinyDocumentBytes int
}

// NewDetector creates a Detector with default thresholds.
func NewDetector() *Detector {
	return &Detector{TinyDocumentBytes: defaultTinyDocumentBytes}
}

// IsChallenge reports whether resp is a challenge page rather than content.
func (d *Detector) IsChallenge(resp harvest.Response) bool {
	if strings.EqualFold(resp.Headers.Get("Cf-Mitigated"), "challenge") {
		return true
	}
	lower := bytes.ToLower(resp.Body)
	if challengeStatus(resp.Status) && containsAny(lower, challengeMarkers) {
		return true
	}
	if !looksLikeHTML(resp) {
		return false
	}
	limit := d.TinyDocumentBytes
	if limit <= 0 {
		limit = defaultTinyDocumentBytes
	}
	if len(lower) <= limit && bytes.Contains(lower, []byte("cloudflare")) {
		return true
	}
	return inspectDocument(resp.Body)
}

func inspectDocument(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, t := range challengeTitles {
		if strings.HasPrefix(title, t) {
			return true
		}
	}
	return doc.Find(challengeSelector).Length() > 0
}

func challengeStatus(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

func looksLikeHTML(resp harvest.Response) bool {
	if ct := strings.ToLower(resp.Headers.Get("Content-Type")); ct != "" {
		return strings.Contains(ct, "html")
	}
	trimmed := bytes.TrimSpace(resp.Body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}
