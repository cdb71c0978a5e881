package ml

import (
	"encoding/json"
	"fmt"
)

const MaxTreeDepth = 64

// TreeNode is one node of a binary decision tree stored in pre-order. A
// node with a Value is a leaf; any other node sends x[Feature] <= Threshold
// to Left and everything else to Right.
type TreeNode struct {
	Feature   int       `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Left      int       `json:"left,omitempty"`
	Right     int       `json:"right,omitempty"`
	Value     []float64 `json:"value,omitempty"`
}

type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// validate rejects trees that could loop or index outside the input: every
// child must come strictly after its parent, so a walk always terminates.
func (t *Tree) validate(dim, leafWidth int) error {
	n := len(t.Nodes)
	if n == 0 {
		return fmt.Errorf("empty tree")
	}
	depth := make([]int, n)
	for i, nd := range t.Nodes {
		if len(nd.Value) > 0 {
			if len(nd.Value) != leafWidth {
				return fmt.Errorf("node %d: leaf has %d values, want %d", i, len(nd.Value), leafWidth)
			}
			if !allFinite(nd.Value) {
				return fmt.Errorf("node %d: non-finite leaf value", i)
			}
			continue
		}
		if nd.Feature < 0 || nd.Feature >= dim {
			return fmt.Errorf("node %d: feature index %d out of range [0,%d)", i, nd.Feature, dim)
		}
		if !finite(nd.Threshold) {
			return fmt.Errorf("node %d: non-finite threshold", i)
		}
		for _, c := range []int{nd.Left, nd.Right} {
			if c <= i || c >= n {
				return fmt.Errorf("node %d: child %d must follow its parent within %d nodes", i, c, n)
			}
			if d := depth[i] + 1; d > depth[c] {
				depth[c] = d
			}
		}
		if depth[i]+1 > MaxTreeDepth {
			return fmt.Errorf("node %d: tree deeper than %d", i, MaxTreeDepth)
		}
	}
	return nil
}

func (t *Tree) leaf(x FeatureVector) []float64 {
	i := 0
	for {
		nd := &t.Nodes[i]
		if len(nd.Value) > 0 {
			return nd.Value
		}
		if x[nd.Feature] <= nd.Threshold {
			i = nd.Left
		} else {
			i = nd.Right
		}
	}
}

// Forest averages the per-tree class distributions.
type Forest struct {
	dim   int
	trees []Tree
}

type forestData struct {
	NFeatures int    `json:"n_features"`
	Trees     []Tree `json:"trees"`
}

func parseForest(data []byte) (*Forest, error) {
	var fd forestData
	if err := json.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("parse random_forest: %w", err)
	}
	return NewForest(fd.NFeatures, fd.Trees)
}

// NewForest validates trees whose leaves hold [benign, malicious] class
// weights (counts or fractions).
func NewForest(dim int, trees []Tree) (*Forest, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("random_forest: n_features must be positive")
	}
	if len(trees) == 0 {
		return nil, fmt.Errorf("random_forest: no trees")
	}
	for i := range trees {
		if err := trees[i].validate(dim, 2); err != nil {
			return nil, fmt.Errorf("random_forest: tree %d: %w", i, err)
		}
		for j, nd := range trees[i].Nodes {
			if len(nd.Value) == 2 && (nd.Value[0] < 0 || nd.Value[1] < 0 || nd.Value[0]+nd.Value[1] == 0) {
				return nil, fmt.Errorf("random_forest: tree %d node %d: invalid class weights", i, j)
			}
		}
	}
	return &Forest{dim: dim, trees: trees}, nil
}

func (f *Forest) Family() string { return FamilyRandomForest }

func (f *Forest) InputDim() int { return f.dim }

func (f *Forest) Classify(v FeatureVector) (Label, Probabilities, error) {
	if err := checkInput(f, v); err != nil {
		return Benign, Probabilities{}, err
	}
	sum := 0.0
	for i := range f.trees {
		w := f.trees[i].leaf(v)
		sum += w[1] / (w[0] + w[1])
	}
	label, p := binaryOutcome(sum / float64(len(f.trees)))
	return label, p, nil
}

// Boosted is an additive ensemble of regression trees on the log-odds scale.
type Boosted struct {
	dim          int
	init         float64
	learningRate float64
	trees        []Tree
}

type boostedData struct {
	NFeatures    int     `json:"n_features"`
	Init         float64 `json:"init"`
	LearningRate float64 `json:"learning_rate"`
	Trees        []Tree  `json:"trees"`
}

func parseBoosted(data []byte) (*Boosted, error) {
	var bd boostedData
	if err := json.Unmarshal(data, &bd); err != nil {
		return nil, fmt.Errorf("parse gradient_boosting: %w", err)
	}
	return NewBoosted(bd.NFeatures, bd.Init, bd.LearningRate, bd.Trees)
}

func NewBoosted(dim int, init, learningRate float64, trees []Tree) (*Boosted, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("gradient_boosting: n_features must be positive")
	}
	if !finite(init) || !finite(learningRate) || learningRate <= 0 {
		return nil, fmt.Errorf("gradient_boosting: invalid init or learning_rate")
	}
	for i := range trees {
		if err := trees[i].validate(dim, 1); err != nil {
			return nil, fmt.Errorf("gradient_boosting: tree %d: %w", i, err)
		}
	}
	return &Boosted{dim: dim, init: init, learningRate: learningRate, trees: trees}, nil
}

func (b *Boosted) Family() string { return FamilyGradientBoosting }

func (b *Boosted) InputDim() int { return b.dim }

func (b *Boosted) Classify(v FeatureVector) (Label, Probabilities, error) {
	if err := checkInput(b, v); err != nil {
		return Benign, Probabilities{}, err
	}
	score := b.init
	for i := range b.trees {
		score += b.learningRate * b.trees[i].leaf(v)[0]
	}
	label, p := binaryOutcome(sigmoid(score))
	return label, p, nil
}
