package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// BundlePaths locates the three artifacts exported with a trained model.
type BundlePaths struct {
	Classifier string `yaml:"classifier"`
	Scaler     string `yaml:"scaler"`
	Schema     string `yaml:"schema"`
}

// Bundle is the immutable model state shared by every request. Its parts
// are reachable only through read-only accessors.
type Bundle struct {
	schema      *FeatureSchema
	scaler      *Scaler
	classifier  Classifier
	fingerprint string
}

// BundleInfo summarises a bundle for operators.
type BundleInfo struct {
	Family      string   `json:"family"`
	Scaler      string   `json:"scaler"`
	Features    int      `json:"feature_count"`
	Names       []string `json:"features"`
	Fingerprint string   `json:"fingerprint"`
}

// LoadBundle reads, parses and cross-checks all artifacts. Any failure is a
// *ModelLoadError naming the artifact at fault.
func LoadBundle(paths BundlePaths) (*Bundle, error) {
	schemaRaw, err := readArtifact("schema", paths.Schema)
	if err != nil {
		return nil, err
	}
	scalerRaw, err := readArtifact("scaler", paths.Scaler)
	if err != nil {
		return nil, err
	}
	clfRaw, err := readArtifact("classifier", paths.Classifier)
	if err != nil {
		return nil, err
	}

	schema, err := ParseFeatureSchema(schemaRaw)
	if err != nil {
		return nil, &ModelLoadError{Artifact: "schema", Path: paths.Schema, Err: err}
	}
	scaler, err := ParseScaler(scalerRaw)
	if err != nil {
		return nil, &ModelLoadError{Artifact: "scaler", Path: paths.Scaler, Err: err}
	}
	clf, err := ParseClassifier(clfRaw)
	if err != nil {
		return nil, &ModelLoadError{Artifact: "classifier", Path: paths.Classifier, Err: err}
	}

	b, err := NewBundle(schema, scaler, clf)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	for _, raw := range [][]byte{schemaRaw, scalerRaw, clfRaw} {
		sum := sha256.Sum256(raw)
		h.Write(sum[:])
	}
	b.fingerprint = hex.EncodeToString(h.Sum(nil))
	return b, nil
}

// NewBundle assembles already-built components, checking that all three
// agree on the input dimension.
func NewBundle(schema *FeatureSchema, scaler *Scaler, clf Classifier) (*Bundle, error) {
	n := schema.Len()
	if scaler.Dim() != n {
		return nil, &ModelLoadError{Artifact: "scaler", Err: &SchemaMismatchError{Component: "scaler", Want: n, Got: scaler.Dim()}}
	}
	if clf.InputDim() != n {
		return nil, &ModelLoadError{Artifact: "classifier", Err: &SchemaMismatchError{Component: clf.Family() + " classifier", Want: n, Got: clf.InputDim()}}
	}
	return &Bundle{schema: schema, scaler: scaler, classifier: clf}, nil
}

func (b *Bundle) Schema() *FeatureSchema { return b.schema }

func (b *Bundle) Scaler() *Scaler { return b.scaler }

func (b *Bundle) Classifier() Classifier { return b.classifier }

// Fingerprint is a SHA-256 over the artifact bytes; empty for bundles built
// with NewBundle.
func (b *Bundle) Fingerprint() string { return b.fingerprint }

func readArtifact(name, path string) ([]byte, error) {
	if path == "" {
		return nil, &ModelLoadError{Artifact: name, Err: fmt.Errorf("no path configured")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ModelLoadError{Artifact: name, Path: path, Err: err}
	}
	return data, nil
}

func (b *Bundle) Info() BundleInfo {
	return BundleInfo{
		Family:      b.classifier.Family(),
		Scaler:      string(b.scaler.Kind()),
		Features:    b.schema.Len(),
		Names:       b.schema.Names(),
		Fingerprint: b.fingerprint,
	}
}

// Classify runs assemble, scale and classify on raw features. Dropped lists
// the raw names the schema ignored.
func (b *Bundle) Classify(raw map[string]float64) (Label, Probabilities, Assembly, error) {
	asm := b.schema.Assemble(raw)
	label, p, err := b.ClassifyVector(asm.Vector)
	return label, p, asm, err
}

// ClassifyVector scales and classifies an already assembled vector.
func (b *Bundle) ClassifyVector(v FeatureVector) (Label, Probabilities, error) {
	scaled, err := b.scaler.Transform(v)
	if err != nil {
		return Benign, Probabilities{}, err
	}
	return b.classifier.Classify(scaled)
}
