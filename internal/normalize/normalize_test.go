package normalize

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

func TestClean(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Hello, <b>World</b>!":                       "hello world",
		"see https://example.com/x?y=1 and www.a.io": "see and",
		"version 2.0 released in 2024":               "version released in",
		"  tabs\tand\n\nnewlines  ":                  "tabs and newlines",
		"snake_case stays":                           "snake_case stays",
		"12345 !!!":                                  "",
	}
	for in, want := range cases {
		require.Equal(t, want, Clean(in), in)
	}
}

func entries(n int) []pipeline.RawEntry {
	out := make([]pipeline.RawEntry, n)
	for i := range out {
		out[i] = pipeline.RawEntry{ID: fmt.Sprintf("doc-%d", i), Text: fmt.Sprintf("document body %c", 'a'+i%26), Hint: pipeline.HintUnknown}
	}
	return out
}

func countPositive(docs []pipeline.Document) int {
	n := 0
	for _, d := range docs {
		n += d.Label
	}
	return n
}

func TestNormalizeRatioIsExact(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 7, 10, 25} {
		for _, r := range []float64{0, 0.1, 0.25, 0.5, 0.75, 1} {
			corpus, err := Normalize(pipeline.RawContent{Entries: entries(n)}, r)
			require.NoError(t, err)
			require.Len(t, corpus.Documents, n)
			require.Equal(t, PositiveCount(r, n), countPositive(corpus.Documents), "n=%d r=%v", n, r)
		}
	}
}

func TestNormalizeHalfRoundsUp(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2, PositiveCount(0.5, 3))
	require.Equal(t, 1, PositiveCount(0.5, 1))
	require.Equal(t, 3, PositiveCount(0.3, 10))
}

func TestNormalizeIsDeterministic(t *testing.T) {
	t.Parallel()

	raw := pipeline.RawContent{Entries: entries(9)}
	first, err := Normalize(raw, 0.4)
	require.NoError(t, err)
	second, err := Normalize(raw, 0.4)
	require.NoError(t, err)
	require.Equal(t, first, second)

	labels := make([]int, 0, 9)
	for _, d := range first.Documents {
		labels = append(labels, d.Label)
	}
	require.Equal(t, []int{0, 0, 1, 0, 1, 0, 1, 0, 1}, labels)
}

func TestNormalizeDedupAndEmpty(t *testing.T) {
	t.Parallel()

	raw := pipeline.RawContent{Entries: []pipeline.RawEntry{
		{ID: "a", Text: "First copy"},
		{ID: "a", Text: "Second copy"},
		{ID: "b", Text: "1234 ..."},
		{ID: "c", Text: "<p>Kept</p>"},
	}}
	corpus, err := Normalize(raw, 1)
	require.NoError(t, err)
	require.Equal(t, []pipeline.Document{
		{ID: "a", Text: "first copy", Label: 1},
		{ID: "c", Text: "kept", Label: 1},
	}, corpus.Documents)
}

func TestNormalizeEmptyContent(t *testing.T) {
	t.Parallel()

	_, err := Normalize(pipeline.RawContent{Entries: []pipeline.RawEntry{{ID: "x", Text: "42 !"}}}, 0.5)
	var emptyErr *pipeline.EmptyContentError
	require.ErrorAs(t, err, &emptyErr)
	require.Equal(t, 1, emptyErr.Entries)

	_, err = Normalize(pipeline.RawContent{}, 0.5)
	require.ErrorAs(t, err, &emptyErr)
}

func TestNormalizeTablePassthrough(t *testing.T) {
	t.Parallel()

	table := &pipeline.Table{Columns: []string{"a"}, Rows: [][]float64{{1}, {2}}, Labels: []int{0, 1}}
	corpus, err := Normalize(pipeline.RawContent{Table: table}, 1)
	require.NoError(t, err)
	require.Same(t, table, corpus.Table)
	require.Equal(t, []int{0, 1}, corpus.Table.Labels)
}

func TestNormalizeRejectsRatio(t *testing.T) {
	t.Parallel()

	_, err := Normalize(pipeline.RawContent{Entries: entries(2)}, 1.2)
	var vErr *pipeline.ValidationError
	require.ErrorAs(t, err, &vErr)
}
