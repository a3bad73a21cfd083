package features

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

func TestTokenize(t *testing.T) {
	t.Parallel()

	got := Tokenize("The quick brown fox is a fox")
	require.Equal(t, []string{"quick", "brown", "fox", "fox", "quick brown", "brown fox", "fox fox"}, got)
	require.Empty(t, Tokenize("a an the of x"))
}

func docCorpus(labels []int, texts ...string) pipeline.Corpus {
	docs := make([]pipeline.Document, len(texts))
	for i, text := range texts {
		docs[i] = pipeline.Document{ID: text, Text: text, Label: labels[i]}
	}
	return pipeline.Corpus{Documents: docs}
}

func TestExtractTextWidthAndOrder(t *testing.T) {
	t.Parallel()

	corpus := docCorpus([]int{1, 0, 1},
		"golang channels goroutines",
		"python generators asyncio",
		"golang interfaces channels",
	)
	m, vec, err := Extract(corpus, 4)
	require.NoError(t, err)
	require.NotNil(t, vec)
	require.Len(t, m.Columns, 4)
	require.Equal(t, []int{1, 0, 1}, m.Labels)
	require.Len(t, m.Rows, 3)
	for _, row := range m.Rows {
		require.Len(t, row, 4)
	}
	// The most frequent terms survive the cut; columns are sorted.
	require.Contains(t, m.Columns, "golang")
	require.Contains(t, m.Columns, "channels")
	require.IsIncreasing(t, m.Columns)
}

func TestExtractWidthCappedByVocabulary(t *testing.T) {
	t.Parallel()

	m, _, err := Extract(docCorpus([]int{0, 1}, "alpha beta", "gamma"), 1000)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "alpha beta", "beta", "gamma"}, m.Columns)
}

func TestTransformMatchesFit(t *testing.T) {
	t.Parallel()

	texts := []string{"red apple pie", "green apple tart", "blue berry pie"}
	vec, rows := Fit(texts, 100)
	for i, text := range texts {
		got := vec.Transform(text)
		for j := range got {
			require.InDelta(t, rows[i][j], got[j], 1e-9)
		}
	}

	unseen := vec.Transform("completely unrelated words")
	for _, v := range unseen {
		require.Zero(t, v)
	}
}

func TestVectorizerSurvivesJSON(t *testing.T) {
	t.Parallel()

	vec, _ := Fit([]string{"one word here", "another word there"}, 10)
	payload, err := json.Marshal(vec)
	require.NoError(t, err)

	var restored Vectorizer
	require.NoError(t, json.Unmarshal(payload, &restored))
	require.Equal(t, vec.Transform("word here"), restored.Transform("word here"))
}

func TestFitIDFAndScaling(t *testing.T) {
	t.Parallel()

	vec, rows := Fit([]string{"shared apple", "shared pear"}, 10)
	idx := map[string]int{}
	for j, term := range vec.Vocabulary {
		idx[term] = j
	}
	require.InDelta(t, 1.0, vec.IDF[idx["shared"]], 1e-12)
	require.InDelta(t, math.Log(3.0/2.0)+1, vec.IDF[idx["apple"]], 1e-12)
	for _, row := range rows {
		for _, v := range row {
			require.False(t, math.IsNaN(v))
		}
	}
}

func TestExtractRejectsSingleClass(t *testing.T) {
	t.Parallel()

	_, _, err := Extract(docCorpus([]int{1, 1, 1}, "alpha", "beta", "gamma"), 10)
	var insufficient *pipeline.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 1, insufficient.Classes)

	_, _, err = Extract(docCorpus([]int{1}, "alpha"), 10)
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 1, insufficient.Rows)
}

func TestExtractRejectsNonPositiveMaxFeatures(t *testing.T) {
	t.Parallel()

	_, _, err := Extract(docCorpus([]int{0, 1}, "alpha beta", "gamma delta"), -4)
	var vErr *pipeline.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "max_features", vErr.Field)
	require.Equal(t, "-4", vErr.Value)
}

func TestExtractOnlyStopWords(t *testing.T) {
	t.Parallel()

	_, _, err := Extract(docCorpus([]int{0, 1}, "the and", "of a"), 10)
	var empty *pipeline.EmptyContentError
	require.ErrorAs(t, err, &empty)
}

func TestExtractTablePassthrough(t *testing.T) {
	t.Parallel()

	table := &pipeline.Table{
		Columns: []string{"a", "b", "c"},
		Rows:    [][]float64{{1, 2, 3}, {4, 5, 6}},
		Labels:  []int{0, 1},
	}
	m, vec, err := Extract(pipeline.Corpus{Table: table}, 1)
	require.NoError(t, err)
	require.Nil(t, vec)
	require.Equal(t, table.Columns, m.Columns)
	require.Equal(t, table.Rows, m.Rows)
	require.Equal(t, table.Labels, m.Labels)
}
