package ml

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalerRegressionFixture(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "testdata", "bundle", "scaler.json"))
	require.NoError(t, err)
	s, err := ParseScaler(raw)
	require.NoError(t, err)

	var fx struct {
		Input    []float64 `json:"input"`
		Expected []float64 `json:"expected"`
	}
	data, err := os.ReadFile(filepath.Join("testdata", "scaler_regression.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &fx))

	in := FeatureVector(fx.Input)
	orig := in.Clone()
	out, err := s.Transform(in)
	require.NoError(t, err)

	require.Len(t, out, len(fx.Expected))
	assert.InDeltaSlice(t, fx.Expected, []float64(out), 1e-9)
	assert.Equal(t, orig, in, "input must not be modified")
}

func TestScalerKinds(t *testing.T) {
	std, err := NewStandardScaler([]float64{1, 2}, []float64{2, 0})
	require.NoError(t, err)
	out, err := std.Transform(FeatureVector{5, 7})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 5}, []float64(out), 1e-12)

	// sklearn MinMaxScaler fitted on [0, 10]: scale_=0.1, min_=0.
	mm, err := NewMinMaxScaler([]float64{0, -0.5}, []float64{0.1, 0.25})
	require.NoError(t, err)
	out, err = mm.Transform(FeatureVector{5, 4})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, []float64(out), 1e-12)

	rb, err := NewRobustScaler([]float64{10}, []float64{4})
	require.NoError(t, err)
	out, err = rb.Transform(FeatureVector{2})
	require.NoError(t, err)
	assert.InDelta(t, -2.0, out[0], 1e-12)

	id, err := NewIdentityScaler(3)
	require.NoError(t, err)
	out, err = id.Transform(FeatureVector{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, FeatureVector{1, 2, 3}, out)
	assert.Equal(t, ScalerIdentity, id.Kind())
}

func TestScalerDimensionMismatch(t *testing.T) {
	s, err := NewStandardScaler([]float64{0, 0}, []float64{1, 1})
	require.NoError(t, err)

	_, err = s.Transform(FeatureVector{1, 2, 3})
	var sme *SchemaMismatchError
	require.ErrorAs(t, err, &sme)
	assert.Equal(t, 2, sme.Want)
	assert.Equal(t, 3, sme.Got)
	assert.True(t, IsSchemaMismatch(err))
}

func TestParseScalerRejectsBadArtifacts(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":       "{",
		"missing kind":   `{"mean":[1],"scale":[1]}`,
		"unknown kind":   `{"kind":"quantile"}`,
		"length differs": `{"kind":"standard","mean":[1,2],"scale":[1]}`,
		"empty":          `{"kind":"robust","center":[],"scale":[]}`,
		"zero minmax":    `{"kind":"minmax","min":[0],"scale":[0]}`,
		"identity dim":   `{"kind":"identity"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScaler([]byte(doc))
			assert.Error(t, err)
		})
	}
}
