package colly

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/fetchgate/fetchgate/internal/fetch"
)

// challenge markers frequently served by anti-automation layers.
var challengeKeywords = [][]byte{
	[]byte("captcha"),
	[]byte("verify you are human"),
	[]byte("unusual traffic"),
	[]byte("access denied"),
	[]byte("cf-challenge"),
}

// minHTMLBytes below which a 200 response is treated as a challenge shell.
const minHTMLBytes = 64

type blockDetector struct {
	keywords [][]byte
}

func newBlockDetector() *blockDetector {
	return &blockDetector{keywords: challengeKeywords}
}

func (d *blockDetector) isChallenge(body []byte) bool {
	if len(body) < minHTMLBytes {
		return true
	}
	lower := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ClassifyResponse turns status codes and challenge markup into the error
// taxonomy. Both extractors share it so a blocked signal looks the same
// regardless of transport.
func ClassifyResponse(statusCode int, body []byte) error {
	switch {
	case statusCode == http.StatusForbidden, statusCode == http.StatusTooManyRequests:
		return fetch.NewError(fetch.CodeSourceBlocked, "source answered status %d", statusCode).
			WithDetail("status", statusCode)
	case statusCode == http.StatusNotFound:
		return fetch.NewError(fetch.CodeNonRetryable, "target not found").
			WithDetail("status", statusCode)
	case statusCode >= 500:
		return fetch.NewError(fetch.CodeNetwork, "source answered status %d", statusCode).
			WithDetail("status", statusCode)
	case statusCode >= 400:
		return fetch.NewError(fetch.CodeNonRetryable, "source answered status %d", statusCode).
			WithDetail("status", statusCode)
	}
	if defaultDetector.isChallenge(body) {
		return fetch.NewError(fetch.CodeSourceBlocked, "source served a challenge page")
	}
	return nil
}

var defaultDetector = newBlockDetector()

// ExtractFields pulls the selector table's fields out of the page. A
// non-empty fields list restricts extraction to those fields; unknown or
// unmatched fields come back as empty strings so callers see the full shape
// they asked for.
func ExtractFields(body []byte, selectors map[string]string, fields []string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	wanted := selectors
	if len(fields) > 0 {
		wanted = make(map[string]string, len(fields))
		for _, f := range fields {
			wanted[f] = selectors[f]
		}
	}

	data := make(map[string]any, len(wanted))
	for field, selector := range wanted {
		if selector == "" {
			data[field] = ""
			continue
		}
		data[field] = strings.TrimSpace(doc.Find(selector).First().Text())
	}
	return data, nil
}
