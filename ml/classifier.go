package ml

import (
	"encoding/json"
	"fmt"
	"math"
)

type Label int

const (
	Benign Label = iota
	Malicious
)

func (l Label) String() string {
	if l == Malicious {
		return "Malicious"
	}
	return "Benign"
}

func (l Label) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Label) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Benign":
		*l = Benign
	case "Malicious":
		*l = Malicious
	default:
		return fmt.Errorf("unknown label %q", b)
	}
	return nil
}

// Probabilities holds [p(Benign), p(Malicious)].
type Probabilities [2]float64

func (p Probabilities) Of(l Label) float64 { return p[l] }

// Classifier maps a scaled vector to a two-class decision. Implementations
// are immutable after construction and safe for concurrent use.
type Classifier interface {
	Family() string
	InputDim() int
	Classify(FeatureVector) (Label, Probabilities, error)
}

const (
	FamilyLogistic         = "logistic"
	FamilyRandomForest     = "random_forest"
	FamilyGradientBoosting = "gradient_boosting"
	FamilyMLP              = "mlp"
)

// ParseClassifier decodes a classifier artifact, dispatching on its
// "family" field.
func ParseClassifier(data []byte) (Classifier, error) {
	var head struct {
		Family string `json:"family"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse classifier: %w", err)
	}
	switch head.Family {
	case FamilyLogistic:
		return parseLogistic(data)
	case FamilyRandomForest:
		return parseForest(data)
	case FamilyGradientBoosting:
		return parseBoosted(data)
	case FamilyMLP:
		return parseMLP(data)
	case "":
		return nil, fmt.Errorf("parse classifier: missing family")
	default:
		return nil, fmt.Errorf("parse classifier: unsupported family %q", head.Family)
	}
}

func checkInput(c Classifier, v FeatureVector) error {
	if len(v) != c.InputDim() {
		return &SchemaMismatchError{Component: c.Family() + " classifier", Want: c.InputDim(), Got: len(v)}
	}
	return nil
}

// binaryOutcome turns p(Malicious) into a normalised pair and its argmax.
// Ties go to Malicious.
func binaryOutcome(p float64) (Label, Probabilities) {
	switch {
	case math.IsNaN(p):
		p = 0.5
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	probs := Probabilities{1 - p, p}
	if p >= 0.5 {
		return Malicious, probs
	}
	return Benign, probs
}

// sigmoid is the logistic function, evaluated without overflow for large |x|.
func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func dot(w, x []float64) float64 {
	sum := 0.0
	for i := range w {
		sum += w[i] * x[i]
	}
	return sum
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if !finite(x) {
			return false
		}
	}
	return true
}
