package features

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

// Tokenize lowercases text, drops English stop words and returns unigrams
// followed by bigrams of the remaining tokens.
func Tokenize(text string) []string {
	words := tokenPattern.FindAllString(strings.ToLower(text), -1)
	kept := words[:0]
	for _, w := range words {
		if _, stop := englishStopWords[w]; !stop {
			kept = append(kept, w)
		}
	}
	terms := make([]string, 0, 2*len(kept))
	terms = append(terms, kept...)
	for i := 0; i+1 < len(kept); i++ {
		terms = append(terms, kept[i]+" "+kept[i+1])
	}
	return terms
}

// Vectorizer maps text to a fixed-width TF-IDF vector. It is fitted once and
// frozen; terms outside the vocabulary are ignored by Transform.
type Vectorizer struct {
	Vocabulary []string  `json:"vocabulary"`
	IDF        []float64 `json:"idf"`
	Scale      []float64 `json:"scale"`

	once  sync.Once
	index map[string]int
}

// Fit learns a vocabulary of at most maxFeatures terms from docs and returns
// the fitted vectorizer together with the transformed rows.
func Fit(docs []string, maxFeatures int) (*Vectorizer, [][]float64) {
	tokenized := make([][]string, len(docs))
	freq := make(map[string]int)
	df := make(map[string]int)
	for i, doc := range docs {
		terms := Tokenize(doc)
		tokenized[i] = terms
		seen := make(map[string]struct{}, len(terms))
		for _, term := range terms {
			freq[term]++
			if _, ok := seen[term]; !ok {
				seen[term] = struct{}{}
				df[term]++
			}
		}
	}

	vocab := make([]string, 0, len(freq))
	for term := range freq {
		vocab = append(vocab, term)
	}
	sort.Slice(vocab, func(i, j int) bool {
		if freq[vocab[i]] != freq[vocab[j]] {
			return freq[vocab[i]] > freq[vocab[j]]
		}
		return vocab[i] < vocab[j]
	})
	if len(vocab) > maxFeatures {
		vocab = vocab[:maxFeatures]
	}
	sort.Strings(vocab)

	n := float64(len(docs))
	v := &Vectorizer{
		Vocabulary: vocab,
		IDF:        make([]float64, len(vocab)),
		Scale:      make([]float64, len(vocab)),
	}
	for j, term := range vocab {
		v.IDF[j] = math.Log((1+n)/(1+float64(df[term]))) + 1
		v.Scale[j] = 1
	}

	rows := make([][]float64, len(docs))
	for i, terms := range tokenized {
		rows[i] = v.tfidf(terms)
	}

	// Column scaling by population standard deviation, without centering.
	for j := range vocab {
		var sum, sumSq float64
		for _, row := range rows {
			sum += row[j]
			sumSq += row[j] * row[j]
		}
		mean := sum / n
		variance := sumSq/n - mean*mean
		if variance > 1e-24 {
			v.Scale[j] = math.Sqrt(variance)
		}
		for _, row := range rows {
			row[j] /= v.Scale[j]
		}
	}
	return v, rows
}

// Width is the number of feature columns.
func (v *Vectorizer) Width() int { return len(v.Vocabulary) }

// Transform vectorizes text using the frozen vocabulary and scaling.
func (v *Vectorizer) Transform(text string) []float64 {
	row := v.tfidf(Tokenize(text))
	for j := range row {
		row[j] /= v.Scale[j]
	}
	return row
}

func (v *Vectorizer) tfidf(terms []string) []float64 {
	v.once.Do(func() {
		v.index = make(map[string]int, len(v.Vocabulary))
		for j, term := range v.Vocabulary {
			v.index[term] = j
		}
	})
	row := make([]float64, len(v.Vocabulary))
	for _, term := range terms {
		if j, ok := v.index[term]; ok {
			row[j]++
		}
	}
	var norm float64
	for j := range row {
		row[j] *= v.IDF[j]
		norm += row[j] * row[j]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for j := range row {
			row[j] /= norm
		}
	}
	return row
}
