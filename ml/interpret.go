package ml

import "fmt"

type Tier string

const (
	TierLow        Tier = "low"
	TierMedium     Tier = "medium"
	TierHigh       Tier = "high"
	TierUnreliable Tier = "unreliable"
)

// FailureKind names why a request could not be analysed. It is safe to show
// to untrusted clients.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureMalformed      FailureKind = "malformed_binary"
	FailureTimeout        FailureKind = "timeout"
	FailureTooLarge       FailureKind = "too_large"
	FailureSchemaMismatch FailureKind = "schema_mismatch"
)

const (
	DefaultThreshold = 0.5
	DefaultMediumAt  = 0.70
	DefaultHighAt    = 0.90
)

// Interpreter turns class probabilities into a verdict. The zero value is
// not usable; start from DefaultInterpreter.
type Interpreter struct {
	// Threshold is the minimum p(Malicious) for a Malicious verdict.
	Threshold float64
	// MediumAt and HighAt band the reported label's probability into tiers.
	// A label forced by the threshold against the model's argmax is always
	// below 0.5 and so low.
	MediumAt float64
	HighAt   float64
}

func DefaultInterpreter() Interpreter {
	return Interpreter{Threshold: DefaultThreshold, MediumAt: DefaultMediumAt, HighAt: DefaultHighAt}
}

func (in Interpreter) Validate() error {
	if in.Threshold <= 0 || in.Threshold > 1 {
		return fmt.Errorf("threshold %.3f outside (0,1]", in.Threshold)
	}
	if in.MediumAt < 0.5 || in.MediumAt > in.HighAt || in.HighAt > 1 {
		return fmt.Errorf("tier bands must satisfy 0.5 <= medium (%.3f) <= high (%.3f) <= 1", in.MediumAt, in.HighAt)
	}
	return nil
}

// Verdict is the reported outcome of one classification.
type Verdict struct {
	Label         Label         `json:"label"`
	Probabilities Probabilities `json:"probabilities"`
	Confidence    float64       `json:"confidence"`
	Tier          Tier          `json:"confidence_tier"`
	Inconclusive  bool          `json:"inconclusive"`
	Failure       FailureKind   `json:"failure,omitempty"`
	// ModelLabel is the classifier's own argmax, which can differ from
	// Label when the threshold is not 0.5.
	ModelLabel Label `json:"model_label"`
}

// Interpret applies the threshold and tier bands. A non-empty failure marks
// the verdict inconclusive: the probabilities then describe the default
// vector, not the sample, and the tier is always unreliable.
func (in Interpreter) Interpret(modelLabel Label, p Probabilities, failure FailureKind) Verdict {
	v := Verdict{Probabilities: p, ModelLabel: modelLabel, Failure: failure, Label: Benign}
	if p.Of(Malicious) >= in.Threshold {
		v.Label = Malicious
	}
	v.Confidence = p.Of(v.Label)

	if failure != FailureNone {
		v.Inconclusive = true
		v.Tier = TierUnreliable
		return v
	}
	switch {
	case v.Confidence >= in.HighAt:
		v.Tier = TierHigh
	case v.Confidence >= in.MediumAt:
		v.Tier = TierMedium
	default:
		v.Tier = TierLow
	}
	return v
}
