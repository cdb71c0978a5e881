package ml

import (
	"encoding/json"
	"fmt"
	"math"
)

type ScalerKind string

const (
	ScalerStandard ScalerKind = "standard"
	ScalerMinMax   ScalerKind = "minmax"
	ScalerRobust   ScalerKind = "robust"
	ScalerIdentity ScalerKind = "identity"
)

// Scaler applies a fitted per-slot affine transform: out = (x - offset) * factor.
// Every kind is reduced to that form when the artifact is loaded.
type Scaler struct {
	kind   ScalerKind
	dim    int
	offset []float64
	factor []float64
}

// scalerData is the on-disk layout. Field names follow the attributes of the
// fitted scikit-learn objects the parameters are exported from.
type scalerData struct {
	Kind   ScalerKind `json:"kind"`
	Dim    int        `json:"dim,omitempty"`
	Mean   []float64  `json:"mean,omitempty"`
	Center []float64  `json:"center,omitempty"`
	Min    []float64  `json:"min,omitempty"`
	Scale  []float64  `json:"scale,omitempty"`
}

func ParseScaler(data []byte) (*Scaler, error) {
	var sd scalerData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("parse scaler: %w", err)
	}
	switch sd.Kind {
	case ScalerStandard:
		return NewStandardScaler(sd.Mean, sd.Scale)
	case ScalerRobust:
		return NewRobustScaler(sd.Center, sd.Scale)
	case ScalerMinMax:
		return NewMinMaxScaler(sd.Min, sd.Scale)
	case ScalerIdentity:
		return NewIdentityScaler(sd.Dim)
	case "":
		return nil, fmt.Errorf("parse scaler: missing kind")
	default:
		return nil, fmt.Errorf("parse scaler: unknown kind %q", sd.Kind)
	}
}

// NewStandardScaler computes (x - mean) / scale. A zero scale (constant
// training column) is treated as 1.
func NewStandardScaler(mean, scale []float64) (*Scaler, error) {
	return newCenteredScaler(ScalerStandard, mean, scale)
}

// NewRobustScaler computes (x - center) / scale with the same zero handling.
func NewRobustScaler(center, scale []float64) (*Scaler, error) {
	return newCenteredScaler(ScalerRobust, center, scale)
}

func newCenteredScaler(kind ScalerKind, center, scale []float64) (*Scaler, error) {
	if err := checkParams(kind, center, scale); err != nil {
		return nil, err
	}
	s := &Scaler{kind: kind, dim: len(center), offset: append([]float64(nil), center...), factor: make([]float64, len(scale))}
	for i, sc := range scale {
		if sc == 0 {
			sc = 1
		}
		s.factor[i] = 1 / sc
	}
	return s, nil
}

// NewMinMaxScaler computes x*scale + min, the fitted MinMaxScaler layout.
func NewMinMaxScaler(min, scale []float64) (*Scaler, error) {
	if err := checkParams(ScalerMinMax, min, scale); err != nil {
		return nil, err
	}
	s := &Scaler{kind: ScalerMinMax, dim: len(min), offset: make([]float64, len(min)), factor: append([]float64(nil), scale...)}
	for i := range min {
		if scale[i] == 0 {
			return nil, fmt.Errorf("minmax scaler: zero scale at slot %d", i)
		}
		// x*scale + min == (x - (-min/scale)) * scale
		s.offset[i] = -min[i] / scale[i]
	}
	return s, nil
}

func NewIdentityScaler(dim int) (*Scaler, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("identity scaler: dim must be positive, got %d", dim)
	}
	return &Scaler{kind: ScalerIdentity, dim: dim}, nil
}

func checkParams(kind ScalerKind, a, b []float64) error {
	if len(a) == 0 {
		return fmt.Errorf("%s scaler: no parameters", kind)
	}
	if len(a) != len(b) {
		return fmt.Errorf("%s scaler: parameter lengths differ (%d vs %d)", kind, len(a), len(b))
	}
	for i := range a {
		if !finite(a[i]) || !finite(b[i]) {
			return fmt.Errorf("%s scaler: non-finite parameter at slot %d", kind, i)
		}
	}
	return nil
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

func (s *Scaler) Kind() ScalerKind { return s.kind }

func (s *Scaler) Dim() int { return s.dim }

// Transform returns a new scaled vector. v is never modified.
func (s *Scaler) Transform(v FeatureVector) (FeatureVector, error) {
	if len(v) != s.dim {
		return nil, &SchemaMismatchError{Component: "scaler", Want: s.dim, Got: len(v)}
	}
	out := v.Clone()
	if s.kind == ScalerIdentity {
		return out, nil
	}
	for i := range out {
		out[i] = (out[i] - s.offset[i]) * s.factor[i]
	}
	return out, nil
}
