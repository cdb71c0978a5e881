package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireNormalised(t *testing.T, p Probabilities) {
	t.Helper()
	assert.InDelta(t, 1.0, p[0]+p[1], 1e-9)
	assert.GreaterOrEqual(t, p[0], 0.0)
	assert.GreaterOrEqual(t, p[1], 0.0)
}

func TestLogistic(t *testing.T) {
	c, err := ParseClassifier([]byte(`{"family":"logistic","coef":[1,-1],"intercept":0}`))
	require.NoError(t, err)
	assert.Equal(t, FamilyLogistic, c.Family())
	assert.Equal(t, 2, c.InputDim())

	label, p, err := c.Classify(FeatureVector{2, 0})
	require.NoError(t, err)
	assert.Equal(t, Malicious, label)
	assert.InDelta(t, 1/(1+math.Exp(-2)), p[1], 1e-12)
	requireNormalised(t, p)

	label, p, err = c.Classify(FeatureVector{0, 800})
	require.NoError(t, err)
	assert.Equal(t, Benign, label)
	assert.False(t, math.IsNaN(p[1]))
	requireNormalised(t, p)

	label, p, err = c.Classify(FeatureVector{0, 0})
	require.NoError(t, err)
	assert.Equal(t, Malicious, label, "ties go to Malicious")
	assert.Equal(t, Probabilities{0.5, 0.5}, p)

	_, _, err = c.Classify(FeatureVector{1})
	assert.True(t, IsSchemaMismatch(err))
}

const forestDoc = `{
  "family": "random_forest",
  "n_features": 2,
  "trees": [
    {"nodes": [
      {"feature": 0, "threshold": 0.5, "left": 1, "right": 2},
      {"value": [9, 1]},
      {"value": [1, 3]}
    ]},
    {"nodes": [
      {"feature": 1, "threshold": 10, "left": 1, "right": 2},
      {"value": [1, 0]},
      {"value": [0, 1]}
    ]}
  ]
}`

func TestForest(t *testing.T) {
	c, err := ParseClassifier([]byte(forestDoc))
	require.NoError(t, err)
	assert.Equal(t, FamilyRandomForest, c.Family())

	label, p, err := c.Classify(FeatureVector{0, 0})
	require.NoError(t, err)
	assert.Equal(t, Benign, label)
	assert.InDelta(t, (0.1+0)/2, p[1], 1e-12)
	requireNormalised(t, p)

	label, p, err = c.Classify(FeatureVector{1, 11})
	require.NoError(t, err)
	assert.Equal(t, Malicious, label)
	assert.InDelta(t, (0.75+1)/2, p[1], 1e-12)
}

func TestBoosted(t *testing.T) {
	c, err := ParseClassifier([]byte(`{
	  "family": "gradient_boosting", "n_features": 1, "init": -1, "learning_rate": 0.5,
	  "trees": [
	    {"nodes": [{"feature": 0, "threshold": 0, "left": 1, "right": 2}, {"value": [-2]}, {"value": [4]}]},
	    {"nodes": [{"value": [1]}]}
	  ]
	}`))
	require.NoError(t, err)

	_, p, err := c.Classify(FeatureVector{1})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(-1+0.5*4+0.5*1), p[1], 1e-12)

	label, p, err := c.Classify(FeatureVector{-1})
	require.NoError(t, err)
	assert.Equal(t, Benign, label)
	assert.InDelta(t, sigmoid(-1-1+0.5), p[1], 1e-12)
	requireNormalised(t, p)
}

func TestTreeValidation(t *testing.T) {
	for name, doc := range map[string]string{
		"cycle":           `{"family":"random_forest","n_features":1,"trees":[{"nodes":[{"feature":0,"left":0,"right":1},{"value":[1,1]}]}]}`,
		"child past end":  `{"family":"random_forest","n_features":1,"trees":[{"nodes":[{"feature":0,"left":1,"right":5},{"value":[1,1]}]}]}`,
		"feature range":   `{"family":"random_forest","n_features":1,"trees":[{"nodes":[{"feature":3,"left":1,"right":2},{"value":[1,1]},{"value":[1,1]}]}]}`,
		"leaf width":      `{"family":"random_forest","n_features":1,"trees":[{"nodes":[{"value":[1]}]}]}`,
		"negative weight": `{"family":"random_forest","n_features":1,"trees":[{"nodes":[{"value":[-1,2]}]}]}`,
		"no trees":        `{"family":"random_forest","n_features":1,"trees":[]}`,
		"empty tree":      `{"family":"gradient_boosting","n_features":1,"learning_rate":0.1,"trees":[{"nodes":[]}]}`,
		"bad rate":        `{"family":"gradient_boosting","n_features":1,"learning_rate":0,"trees":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClassifier([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestTreeDepthLimit(t *testing.T) {
	var nodes []TreeNode
	for i := 0; i <= MaxTreeDepth; i++ {
		nodes = append(nodes, TreeNode{Feature: 0, Left: 2*i + 1, Right: 2*i + 2})
		nodes = append(nodes, TreeNode{Value: []float64{1}})
	}
	// Right child of the deepest split.
	nodes = append(nodes, TreeNode{Value: []float64{1}})
	_, err := NewBoosted(1, 0, 0.1, []Tree{{Nodes: nodes}})
	assert.ErrorContains(t, err, "deeper")
}

func TestMLP(t *testing.T) {
	c, err := ParseClassifier([]byte(`{
	  "family": "mlp",
	  "w1": [[1, -1], [0, 2]],
	  "b1": [0, 0],
	  "w2": [[1], [1]],
	  "b2": [0],
	  "w3": [1],
	  "b3": -1,
	  "leaky_alpha": 0.1
	}`))
	require.NoError(t, err)
	assert.Equal(t, 2, c.InputDim())

	// h1 = [1, -1+2*1] = [1, 1]; h2 = [2]; logit = 2 - 1.
	_, p, err := c.Classify(FeatureVector{1, 1})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(1), p[1], 1e-12)

	// h1 = [-2 -> -0.2, 2]; h2 = [1.8]; logit = 0.8.
	_, p, err = c.Classify(FeatureVector{-2, 0})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(0.8), p[1], 1e-12)
	requireNormalised(t, p)
}

func TestMLPDefaultsAndValidation(t *testing.T) {
	c, err := ParseClassifier([]byte(`{"family":"mlp","w1":[[1]],"b1":[0],"w2":[[1]],"b2":[0],"w3":[1],"b3":0}`))
	require.NoError(t, err)
	assert.Equal(t, defaultLeakyAlpha, c.(*MLP).LeakyAlpha)

	_, err = ParseClassifier([]byte(`{"family":"mlp","w1":[[1,2]],"b1":[0],"w2":[[1]],"b2":[0],"w3":[1],"b3":0}`))
	assert.ErrorContains(t, err, "w1 row 0")

	_, err = ParseClassifier([]byte(`{"family":"mlp","w1":[[1]],"b1":[0],"w2":[[1]],"b2":[0],"w3":[1,2],"b3":0}`))
	assert.ErrorContains(t, err, "w3")
}

func TestParseClassifierFamily(t *testing.T) {
	_, err := ParseClassifier([]byte(`{"coef":[1]}`))
	assert.ErrorContains(t, err, "missing family")
	_, err = ParseClassifier([]byte(`{"family":"svm"}`))
	assert.ErrorContains(t, err, "unsupported family")
	_, err = ParseClassifier([]byte(`nope`))
	assert.Error(t, err)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c, err := ParseClassifier([]byte(forestDoc))
	require.NoError(t, err)
	v := FeatureVector{0.7, 3}
	l1, p1, _ := c.Classify(v)
	for i := 0; i < 20; i++ {
		l2, p2, _ := c.Classify(v)
		assert.Equal(t, l1, l2)
		assert.Equal(t, p1, p2)
	}
}
