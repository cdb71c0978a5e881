package ml

import (
	"encoding/json"
	"fmt"
)

// Logistic is a linear model with a sigmoid link.
type Logistic struct {
	coef      []float64
	intercept float64
}

type logisticData struct {
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func NewLogistic(coef []float64, intercept float64) (*Logistic, error) {
	if len(coef) == 0 {
		return nil, fmt.Errorf("logistic: no coefficients")
	}
	if !allFinite(coef) || !finite(intercept) {
		return nil, fmt.Errorf("logistic: non-finite parameter")
	}
	return &Logistic{coef: append([]float64(nil), coef...), intercept: intercept}, nil
}

func parseLogistic(data []byte) (*Logistic, error) {
	var ld logisticData
	if err := json.Unmarshal(data, &ld); err != nil {
		return nil, fmt.Errorf("parse logistic: %w", err)
	}
	return NewLogistic(ld.Coef, ld.Intercept)
}

func (m *Logistic) Family() string { return FamilyLogistic }

func (m *Logistic) InputDim() int { return len(m.coef) }

func (m *Logistic) Classify(v FeatureVector) (Label, Probabilities, error) {
	if err := checkInput(m, v); err != nil {
		return Benign, Probabilities{}, err
	}
	label, p := binaryOutcome(sigmoid(m.intercept + dot(m.coef, v)))
	return label, p, nil
}
