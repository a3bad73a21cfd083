// Package normalize turns raw source content into a labeled corpus.
//
// Text sources carry no ground truth, so documents are labeled by a fixed
// positive ratio spread evenly over document order. This keeps training
// possible on unlabeled scrapes; it is a modeling workaround and the labels
// carry no meaning beyond that.
package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

var (
	urlPattern        = regexp.MustCompile(`https?://\S+|www\.\S+`)
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	punctPattern      = regexp.MustCompile(`[^\p{L}\p{N}_\s]+`)
	digitPattern      = regexp.MustCompile(`\p{Nd}+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Clean lowercases text and strips URLs, markup, punctuation and digits,
// collapsing runs of whitespace into single spaces.
func Clean(text string) string {
	text = strings.ToLower(text)
	text = urlPattern.ReplaceAllString(text, " ")
	text = tagPattern.ReplaceAllString(text, " ")
	text = punctPattern.ReplaceAllString(text, " ")
	text = digitPattern.ReplaceAllString(text, " ")
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Normalize produces a corpus from raw content. Tables pass through unchanged
// and ignore positiveRatio. Text entries are deduplicated by ID (first wins),
// cleaned, dropped when nothing remains, then labeled by PositiveCount.
func Normalize(raw pipeline.RawContent, positiveRatio float64) (pipeline.Corpus, error) {
	if raw.Table != nil {
		return pipeline.Corpus{Table: raw.Table}, nil
	}
	if positiveRatio < 0 || positiveRatio > 1 || math.IsNaN(positiveRatio) {
		return pipeline.Corpus{}, &pipeline.ValidationError{
			Field:  "positive_ratio",
			Value:  fmt.Sprint(positiveRatio),
			Reason: "must be within [0, 1]",
		}
	}

	seen := make(map[string]struct{}, len(raw.Entries))
	docs := make([]pipeline.Document, 0, len(raw.Entries))
	for _, entry := range raw.Entries {
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		seen[entry.ID] = struct{}{}
		text := Clean(entry.Text)
		if text == "" {
			continue
		}
		docs = append(docs, pipeline.Document{ID: entry.ID, Text: text})
	}
	if len(docs) == 0 {
		return pipeline.Corpus{}, &pipeline.EmptyContentError{Entries: len(raw.Entries)}
	}

	AssignLabels(docs, positiveRatio)
	return pipeline.Corpus{Documents: docs}, nil
}

// PositiveCount returns round(ratio*n), rounding halves away from zero.
func PositiveCount(ratio float64, n int) int {
	k := int(math.Round(ratio * float64(n)))
	if k < 0 {
		return 0
	}
	if k > n {
		return n
	}
	return k
}

// AssignLabels marks exactly PositiveCount(ratio, len(docs)) documents
// positive. Document i is positive iff floor((i+1)k/n) > floor(ik/n), which
// spreads positives evenly and depends only on document order.
func AssignLabels(docs []pipeline.Document, ratio float64) {
	n := len(docs)
	k := PositiveCount(ratio, n)
	for i := range docs {
		if (i+1)*k/n > i*k/n {
			docs[i].Label = 1
		} else {
			docs[i].Label = 0
		}
	}
}
