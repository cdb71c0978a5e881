package ml

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gopkg.in/yaml.v3"
)

// FeatureVector is an ordered, fully populated model input.
type FeatureVector []float64

// Clone returns a copy that does not alias v.
func (v FeatureVector) Clone() FeatureVector {
	out := make(FeatureVector, len(v))
	copy(out, v)
	return out
}

type SlotType string

const (
	SlotFloat SlotType = "float"
	SlotInt   SlotType = "int"
	SlotBool  SlotType = "bool"
)

// Slot is one named position of the model input.
type Slot struct {
	Name    string   `yaml:"name" json:"name"`
	Type    SlotType `yaml:"type,omitempty" json:"type,omitempty"`
	Default float64  `yaml:"default,omitempty" json:"default,omitempty"`
}

// UnmarshalYAML accepts either a bare feature name or a mapping, so the
// plain column list exported alongside a trained model loads as-is.
func (s *Slot) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*s = Slot{Name: value.Value}
		return nil
	}
	type plain Slot
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = Slot(p)
	return nil
}

// FeatureSchema is the immutable, ordered list of slots a bundle was trained
// on. Build it with NewFeatureSchema or ParseFeatureSchema.
type FeatureSchema struct {
	slots []Slot
	index map[string]int
}

func NewFeatureSchema(slots []Slot) (*FeatureSchema, error) {
	if len(slots) == 0 {
		return nil, errors.New("schema has no features")
	}
	s := &FeatureSchema{
		slots: make([]Slot, len(slots)),
		index: make(map[string]int, len(slots)),
	}
	for i, sl := range slots {
		if sl.Name == "" {
			return nil, fmt.Errorf("feature %d has an empty name", i)
		}
		if _, dup := s.index[sl.Name]; dup {
			return nil, fmt.Errorf("duplicate feature %q", sl.Name)
		}
		switch sl.Type {
		case "":
			sl.Type = SlotFloat
		case SlotFloat, SlotInt, SlotBool:
		default:
			return nil, fmt.Errorf("feature %q has unknown type %q", sl.Name, sl.Type)
		}
		if math.IsNaN(sl.Default) || math.IsInf(sl.Default, 0) {
			return nil, fmt.Errorf("feature %q has a non-finite default", sl.Name)
		}
		sl.Default = sl.coerce(sl.Default)
		s.slots[i] = sl
		s.index[sl.Name] = i
	}
	return s, nil
}

type schemaDoc struct {
	Features []Slot `yaml:"features"`
}

// ParseFeatureSchema reads a schema document. Accepted forms are a mapping
// with a "features" list, or a bare list; list items are names or slot
// mappings. JSON input is accepted since it is valid YAML.
func ParseFeatureSchema(data []byte) (*FeatureSchema, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.New("parse schema: empty document")
	}
	doc := root.Content[0]

	var slots []Slot
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&slots); err != nil {
			return nil, fmt.Errorf("parse schema: %w", err)
		}
	case yaml.MappingNode:
		var sd schemaDoc
		if err := doc.Decode(&sd); err != nil {
			return nil, fmt.Errorf("parse schema: %w", err)
		}
		slots = sd.Features
	default:
		return nil, errors.New("parse schema: expected a list or a mapping")
	}
	return NewFeatureSchema(slots)
}

func (s *FeatureSchema) Len() int { return len(s.slots) }

func (s *FeatureSchema) Slot(i int) Slot { return s.slots[i] }

func (s *FeatureSchema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

func (s *FeatureSchema) Names() []string {
	out := make([]string, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.Name
	}
	return out
}

// Defaults returns the vector used when nothing could be extracted.
func (s *FeatureSchema) Defaults() FeatureVector {
	v := make(FeatureVector, len(s.slots))
	for i, sl := range s.slots {
		v[i] = sl.Default
	}
	return v
}

// Assembly is the result of mapping raw features onto a schema.
type Assembly struct {
	Vector FeatureVector
	// Dropped lists raw names the schema does not know, sorted.
	Dropped []string
	// Defaulted lists schema slots that were missing or non-finite, in
	// schema order.
	Defaulted []string
}

// Assemble fills every slot in schema order from raw, falling back to the
// slot default. The vector length always equals Len.
func (s *FeatureSchema) Assemble(raw map[string]float64) Assembly {
	a := Assembly{Vector: make(FeatureVector, len(s.slots))}
	for i, sl := range s.slots {
		v, ok := raw[sl.Name]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			a.Vector[i] = sl.Default
			a.Defaulted = append(a.Defaulted, sl.Name)
			continue
		}
		a.Vector[i] = sl.coerce(v)
	}
	for name := range raw {
		if _, ok := s.index[name]; !ok {
			a.Dropped = append(a.Dropped, name)
		}
	}
	sort.Strings(a.Dropped)
	return a
}

func (sl Slot) coerce(v float64) float64 {
	switch sl.Type {
	case SlotInt:
		return math.Round(v)
	case SlotBool:
		if v != 0 {
			return 1
		}
		return 0
	}
	return v
}

// VectorBuilder sets slots by name and rejects names outside the schema.
type VectorBuilder struct {
	schema *FeatureSchema
	vec    FeatureVector
}

func (s *FeatureSchema) NewBuilder() *VectorBuilder {
	return &VectorBuilder{schema: s, vec: s.Defaults()}
}

func (b *VectorBuilder) Set(name string, v float64) error {
	i, ok := b.schema.index[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFeature, name)
	}
	return b.SetAt(i, v)
}

func (b *VectorBuilder) SetAt(i int, v float64) error {
	if i < 0 || i >= len(b.vec) {
		return fmt.Errorf("slot %d out of range [0,%d)", i, len(b.vec))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("feature %q: non-finite value", b.schema.slots[i].Name)
	}
	b.vec[i] = b.schema.slots[i].coerce(v)
	return nil
}

// Build returns a copy of the current vector; the builder stays usable.
func (b *VectorBuilder) Build() FeatureVector { return b.vec.Clone() }
