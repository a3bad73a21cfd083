// Package detector decides when a plain HTTP fetch should be repeated in a
// headless browser because the page renders its content with JavaScript.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	// MinTextBytes promotes HTML pages whose visible text is shorter.
	MinTextBytes int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldPromote decides whether a headless fetch is required.
// Only successful HTML responses are candidates.
func (h *Heuristic) ShouldPromote(resp pipeline.FetchResponse) bool {
	if resp.StatusCode != 200 || !isHTML(resp) {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if h.MinTextBytes > 0 && visibleTextBytes(body) < h.MinTextBytes {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func isHTML(resp pipeline.FetchResponse) bool {
	ct := strings.ToLower(resp.Headers.Get("Content-Type"))
	if ct != "" {
		return strings.Contains(ct, "html")
	}
	return bytes.Contains(bytes.ToLower(resp.Body[:min(len(resp.Body), 512)]), []byte("<html"))
}

// visibleTextBytes approximates the amount of non-markup text.
func visibleTextBytes(body []byte) int {
	n, inTag := 0, false
	for _, b := range body {
		switch {
		case b == '<':
			inTag = true
		case b == '>':
			inTag = false
		case !inTag && b > ' ':
			n++
		}
	}
	return n
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
