// Package features converts a normalized corpus into a numeric feature matrix.
package features

import (
	"fmt"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Matrix is a fixed-width feature matrix with one label per row.
type Matrix struct {
	Columns []string
	Rows    [][]float64
	Labels  []int
}

// Extract builds the training matrix. Tables pass through with their schema
// and ignore maxFeatures; documents are vectorized with TF-IDF and the fitted
// vectorizer is returned for use at prediction time.
func Extract(corpus pipeline.Corpus, maxFeatures int) (Matrix, *Vectorizer, error) {
	var (
		m   Matrix
		vec *Vectorizer
	)
	if corpus.Table != nil {
		m = Matrix{
			Columns: corpus.Table.Columns,
			Rows:    corpus.Table.Rows,
			Labels:  corpus.Table.Labels,
		}
	} else {
		if maxFeatures <= 0 {
			return Matrix{}, nil, &pipeline.ValidationError{Field: "max_features", Value: fmt.Sprint(maxFeatures), Reason: "must be > 0"}
		}
		texts := make([]string, len(corpus.Documents))
		labels := make([]int, len(corpus.Documents))
		for i, doc := range corpus.Documents {
			texts[i] = doc.Text
			labels[i] = doc.Label
		}
		var rows [][]float64
		vec, rows = Fit(texts, maxFeatures)
		if vec.Width() == 0 {
			return Matrix{}, nil, &pipeline.EmptyContentError{Entries: len(texts)}
		}
		m = Matrix{Columns: vec.Vocabulary, Rows: rows, Labels: labels}
	}

	classes := make(map[int]struct{}, 2)
	for _, l := range m.Labels {
		classes[l] = struct{}{}
	}
	if len(m.Rows) < 2 || len(classes) < 2 {
		return Matrix{}, nil, &pipeline.InsufficientDataError{Rows: len(m.Rows), Classes: len(classes)}
	}
	return m, vec, nil
}
