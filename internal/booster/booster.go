// Package booster fits binary gradient-boosted regression trees with a
// logistic objective. It is the black-box trainer behind the training
// orchestrator: callers hand it a matrix and parameters and get back a
// serializable model.
package booster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Params controls tree growth.
type Params struct {
	MaxDepth       int     `json:"max_depth"`
	Eta            float64 `json:"eta"`
	Rounds         int     `json:"rounds"`
	Lambda         float64 `json:"lambda"`
	MinChildWeight float64 `json:"min_child_weight"`
}

func (p Params) withDefaults() Params {
	if p.Lambda <= 0 {
		p.Lambda = 1
	}
	if p.MinChildWeight <= 0 {
		p.MinChildWeight = 1
	}
	return p
}

// Node is one tree node. Leaves have Leaf set and carry Value; internal nodes
// send rows with x[Feature] < Threshold to Left.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// Tree is a flat node array rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t Tree) predict(row []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if row[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Model is a trained ensemble.
type Model struct {
	Features int    `json:"features"`
	Params   Params `json:"params"`
	Trees    []Tree `json:"trees"`
}

// ErrWidthMismatch is returned when a row does not match the model width.
var ErrWidthMismatch = errors.New("feature width mismatch")

// PredictProba returns [P(class 0), P(class 1)] for each row.
func (m *Model) PredictProba(rows [][]float64) ([][2]float64, error) {
	out := make([][2]float64, len(rows))
	for i, row := range rows {
		if len(row) != m.Features {
			return nil, fmt.Errorf("row %d has %d values, want %d: %w", i, len(row), m.Features, ErrWidthMismatch)
		}
		p := sigmoid(m.margin(row))
		out[i] = [2]float64{1 - p, p}
	}
	return out, nil
}

func (m *Model) margin(row []float64) float64 {
	var sum float64
	for _, t := range m.Trees {
		sum += t.predict(row)
	}
	return sum
}

// Trainer fits models. The zero value is ready to use.
type Trainer struct{}

// Fit trains an ensemble on rows and 0/1 labels. The context is checked
// between rounds so cancellation discards the partial model.
func (Trainer) Fit(ctx context.Context, rows [][]float64, labels []int, params Params) (*Model, error) {
	if len(rows) == 0 || len(rows) != len(labels) {
		return nil, fmt.Errorf("need equal, non-zero rows and labels (rows=%d labels=%d)", len(rows), len(labels))
	}
	if params.MaxDepth <= 0 || params.Eta <= 0 || params.Rounds <= 0 {
		return nil, fmt.Errorf("invalid params: max_depth=%d eta=%v rounds=%d", params.MaxDepth, params.Eta, params.Rounds)
	}
	params = params.withDefaults()
	width := len(rows[0])
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d values, want %d: %w", i, len(row), width, ErrWidthMismatch)
		}
	}

	model := &Model{Features: width, Params: params}
	margins := make([]float64, len(rows))
	grad := make([]float64, len(rows))
	hess := make([]float64, len(rows))
	all := make([]int, len(rows))
	for i := range all {
		all[i] = i
	}

	for round := 0; round < params.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		for i := range rows {
			p := sigmoid(margins[i])
			grad[i] = p - float64(labels[i])
			hess[i] = math.Max(p*(1-p), 1e-16)
		}
		b := &builder{rows: rows, grad: grad, hess: hess, params: params}
		b.grow(append([]int(nil), all...), 0)
		tree := Tree{Nodes: b.nodes}
		for i, row := range rows {
			margins[i] += tree.predict(row)
		}
		model.Trees = append(model.Trees, tree)
	}
	return model, nil
}

type builder struct {
	rows   [][]float64
	grad   []float64
	hess   []float64
	params Params
	nodes  []Node
}

type split struct {
	feature   int
	threshold float64
	gain      float64
}

// grow appends the subtree for idx and returns its node index.
func (b *builder) grow(idx []int, depth int) int {
	var g, h float64
	for _, i := range idx {
		g += b.grad[i]
		h += b.hess[i]
	}
	pos := len(b.nodes)
	b.nodes = append(b.nodes, Node{})

	best := split{feature: -1}
	if depth < b.params.MaxDepth {
		best = b.bestSplit(idx, g, h)
	}
	if best.feature < 0 {
		b.nodes[pos] = Node{Leaf: true, Value: -g / (h + b.params.Lambda) * b.params.Eta}
		return pos
	}

	var left, right []int
	for _, i := range idx {
		if b.rows[i][best.feature] < best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[pos] = Node{Feature: best.feature, Threshold: best.threshold, Left: l, Right: r}
	return pos
}

func (b *builder) bestSplit(idx []int, g, h float64) split {
	lambda := b.params.Lambda
	parent := g * g / (h + lambda)
	best := split{feature: -1}
	order := make([]int, len(idx))
	width := len(b.rows[idx[0]])
	for f := 0; f < width; f++ {
		copy(order, idx)
		sort.Slice(order, func(a, c int) bool { return b.rows[order[a]][f] < b.rows[order[c]][f] })
		var gl, hl float64
		for k := 0; k < len(order)-1; k++ {
			i := order[k]
			gl += b.grad[i]
			hl += b.hess[i]
			cur, next := b.rows[i][f], b.rows[order[k+1]][f]
			if cur == next {
				continue
			}
			gr, hr := g-gl, h-hl
			if hl < b.params.MinChildWeight || hr < b.params.MinChildWeight {
				continue
			}
			gain := gl*gl/(hl+lambda) + gr*gr/(hr+lambda) - parent
			if gain > best.gain+1e-12 {
				best = split{feature: f, threshold: (cur + next) / 2, gain: gain}
			}
		}
	}
	return best
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
