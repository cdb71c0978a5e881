package ml

import (
	"encoding/json"
	"fmt"
)

const defaultLeakyAlpha = 0.05

// MLP is a feed-forward network with two leaky-ReLU hidden layers and a
// sigmoid output unit. Weights are stored input-major: W1[i][j] connects
// input i to hidden unit j.
type MLP struct {
	W1 [][]float64 // [in][h1]
	B1 []float64   // [h1]
	W2 [][]float64 // [h1][h2]
	B2 []float64   // [h2]
	W3 []float64   // [h2]
	B3 float64

	LeakyAlpha float64
}

type mlpData struct {
	W1         [][]float64 `json:"w1"`
	B1         []float64   `json:"b1"`
	W2         [][]float64 `json:"w2"`
	B2         []float64   `json:"b2"`
	W3         []float64   `json:"w3"`
	B3         float64     `json:"b3"`
	LeakyAlpha *float64    `json:"leaky_alpha,omitempty"`
}

func parseMLP(data []byte) (*MLP, error) {
	var md mlpData
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse mlp: %w", err)
	}
	m := &MLP{W1: md.W1, B1: md.B1, W2: md.W2, B2: md.B2, W3: md.W3, B3: md.B3, LeakyAlpha: defaultLeakyAlpha}
	if md.LeakyAlpha != nil {
		m.LeakyAlpha = *md.LeakyAlpha
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MLP) validate() error {
	in, h1, h2 := len(m.W1), len(m.B1), len(m.B2)
	if in == 0 || h1 == 0 || h2 == 0 {
		return fmt.Errorf("mlp: empty layer (in=%d h1=%d h2=%d)", in, h1, h2)
	}
	if err := checkMatrix("w1", m.W1, in, h1); err != nil {
		return err
	}
	if err := checkMatrix("w2", m.W2, h1, h2); err != nil {
		return err
	}
	if len(m.W3) != h2 {
		return fmt.Errorf("mlp: w3 has %d weights, want %d", len(m.W3), h2)
	}
	if !allFinite(m.B1) || !allFinite(m.B2) || !allFinite(m.W3) || !finite(m.B3) || !finite(m.LeakyAlpha) {
		return fmt.Errorf("mlp: non-finite parameter")
	}
	return nil
}

func checkMatrix(name string, w [][]float64, rows, cols int) error {
	if len(w) != rows {
		return fmt.Errorf("mlp: %s has %d rows, want %d", name, len(w), rows)
	}
	for i, row := range w {
		if len(row) != cols {
			return fmt.Errorf("mlp: %s row %d has %d columns, want %d", name, i, len(row), cols)
		}
		if !allFinite(row) {
			return fmt.Errorf("mlp: %s row %d has a non-finite weight", name, i)
		}
	}
	return nil
}

func (m *MLP) Family() string { return FamilyMLP }

func (m *MLP) InputDim() int { return len(m.W1) }

func (m *MLP) Classify(v FeatureVector) (Label, Probabilities, error) {
	if err := checkInput(m, v); err != nil {
		return Benign, Probabilities{}, err
	}
	label, p := binaryOutcome(m.forward(v))
	return label, p, nil
}

func (m *MLP) forward(x []float64) float64 {
	h1, h2 := len(m.B1), len(m.B2)

	a1 := make([]float64, h1)
	for j := 0; j < h1; j++ {
		sum := m.B1[j]
		for i := range x {
			sum += x[i] * m.W1[i][j]
		}
		a1[j] = leakyRelu(sum, m.LeakyAlpha)
	}

	a2 := make([]float64, h2)
	for j := 0; j < h2; j++ {
		sum := m.B2[j]
		for i := 0; i < h1; i++ {
			sum += a1[i] * m.W2[i][j]
		}
		a2[j] = leakyRelu(sum, m.LeakyAlpha)
	}

	return sigmoid(m.B3 + dot(m.W3, a2))
}

func leakyRelu(x, a float64) float64 {
	if x >= 0 {
		return x
	}
	return a * x
}
