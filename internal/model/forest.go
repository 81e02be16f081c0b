// Package model owns the unsupervised outlier scorer: an isolation forest,
// the atomic (schema, forest) snapshot served to scoring callers, the
// background training worker and the labeled-feedback store.
package model

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// ErrEmptyTrainingSet is returned when Fit receives no samples.
var ErrEmptyTrainingSet = errors.New("empty training set")

const (
	numTrees      = 100
	maxSampleSize = 256
)

type treeNode struct {
	// Internal nodes carry a split; Size > 0 marks an external node.
	Attr  int       `json:"a,omitempty"`
	Split float64   `json:"s,omitempty"`
	Left  *treeNode `json:"l,omitempty"`
	Right *treeNode `json:"r,omitempty"`
	Size  int       `json:"n,omitempty"`
}

// Forest is a trained isolation forest. RawScore follows the standard
// convention (higher = more isolated = more anomalous); Offset is the
// contamination quantile of the training scores, i.e. the raw-score
// decision boundary fitted to the training batch.
type Forest struct {
	Trees      []*treeNode `json:"trees"`
	SampleSize int         `json:"sample_size"`
	Dim        int         `json:"dim"`
	Offset     float64     `json:"offset"`
}

// Fit trains a forest on data. contamination is the assumed anomaly
// fraction and fixes Offset; seed makes training deterministic.
func Fit(data [][]float64, contamination float64, seed int64) (*Forest, error) {
	if len(data) == 0 || len(data[0]) == 0 {
		return nil, ErrEmptyTrainingSet
	}
	rng := rand.New(rand.NewSource(seed))
	sample := min(maxSampleSize, len(data))
	heightLimit := int(math.Ceil(math.Log2(float64(sample))))
	if heightLimit < 1 {
		heightLimit = 1
	}

	f := &Forest{
		Trees:      make([]*treeNode, numTrees),
		SampleSize: sample,
		Dim:        len(data[0]),
	}
	idx := make([]int, len(data))
	for i := range idx {
		idx[i] = i
	}
	for t := 0; t < numTrees; t++ {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		subset := make([][]float64, sample)
		for i := 0; i < sample; i++ {
			subset[i] = data[idx[i]]
		}
		f.Trees[t] = buildTree(subset, 0, heightLimit, rng)
	}

	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.RawScore(row)
	}
	sort.Float64s(scores)
	// Offset sits at the (1 - contamination) quantile: the raw score above
	// which the fitted fraction of the training batch is flagged.
	pos := int(math.Ceil(float64(len(scores)) * (1 - contamination)))
	if pos >= len(scores) {
		pos = len(scores) - 1
	}
	if pos < 0 {
		pos = 0
	}
	f.Offset = scores[pos]
	return f, nil
}

func buildTree(data [][]float64, depth, limit int, rng *rand.Rand) *treeNode {
	if depth >= limit || len(data) <= 1 {
		return &treeNode{Size: len(data)}
	}
	dim := len(data[0])
	// Only attributes with spread are splittable.
	splittable := make([]int, 0, dim)
	for a := 0; a < dim; a++ {
		lo, hi := data[0][a], data[0][a]
		for _, row := range data[1:] {
			if row[a] < lo {
				lo = row[a]
			}
			if row[a] > hi {
				hi = row[a]
			}
		}
		if hi > lo {
			splittable = append(splittable, a)
		}
	}
	if len(splittable) == 0 {
		return &treeNode{Size: len(data)}
	}
	attr := splittable[rng.Intn(len(splittable))]
	lo, hi := data[0][attr], data[0][attr]
	for _, row := range data[1:] {
		if row[attr] < lo {
			lo = row[attr]
		}
		if row[attr] > hi {
			hi = row[attr]
		}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range data {
		if row[attr] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &treeNode{
		Attr:  attr,
		Split: split,
		Left:  buildTree(left, depth+1, limit, rng),
		Right: buildTree(right, depth+1, limit, rng),
	}
}

// RawScore computes the isolation score of vec in (0, 1]: the shorter the
// average isolation path, the closer to 1.
func (f *Forest) RawScore(vec []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for _, t := range f.Trees {
		sum += pathLength(t, vec, 0)
	}
	avg := sum / float64(len(f.Trees))
	return math.Pow(2, -avg/avgPathLength(f.SampleSize))
}

func pathLength(n *treeNode, vec []float64, depth int) float64 {
	if n.Left == nil && n.Right == nil {
		return float64(depth) + avgPathLength(n.Size)
	}
	attr := n.Attr
	if attr >= len(vec) {
		attr = 0
	}
	if vec[attr] < n.Split {
		return pathLength(n.Left, vec, depth+1)
	}
	return pathLength(n.Right, vec, depth+1)
}

// avgPathLength is c(n), the average unsuccessful-search path length of a
// binary search tree over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
