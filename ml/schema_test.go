package ml

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *FeatureSchema {
	t.Helper()
	s, err := NewFeatureSchema([]Slot{
		{Name: "Machine", Type: SlotInt},
		{Name: "FileEntropy"},
		{Name: "HasSignature", Type: SlotBool},
		{Name: "SectionsMeanEntropy", Default: -1},
	})
	require.NoError(t, err)
	return s
}

func TestAssembleFillsEverySlot(t *testing.T) {
	s := testSchema(t)

	a := s.Assemble(map[string]float64{
		"Machine":     332.4,
		"FileEntropy": 6.25,
		"Extra":       1,
		"AnotherOne":  2,
	})

	require.Len(t, a.Vector, s.Len())
	assert.Equal(t, FeatureVector{332, 6.25, 0, -1}, a.Vector)
	assert.Equal(t, []string{"AnotherOne", "Extra"}, a.Dropped)
	assert.Equal(t, []string{"HasSignature", "SectionsMeanEntropy"}, a.Defaulted)
}

func TestAssembleTreatsNonFiniteAsAbsent(t *testing.T) {
	s := testSchema(t)

	a := s.Assemble(map[string]float64{
		"Machine":             math.NaN(),
		"FileEntropy":         math.Inf(1),
		"HasSignature":        7,
		"SectionsMeanEntropy": 3.5,
	})
	assert.Equal(t, FeatureVector{0, 0, 1, 3.5}, a.Vector)
	assert.Equal(t, []string{"Machine", "FileEntropy"}, a.Defaulted)
}

func TestAssembleLengthAlwaysMatchesSchema(t *testing.T) {
	s := testSchema(t)
	for _, raw := range []map[string]float64{nil, {}, {"x": 1}, {"Machine": 1, "FileEntropy": 2, "HasSignature": 0, "SectionsMeanEntropy": 0, "y": 3}} {
		assert.Len(t, s.Assemble(raw).Vector, s.Len())
	}
}

func TestNewFeatureSchemaRejectsBadSlots(t *testing.T) {
	_, err := NewFeatureSchema(nil)
	assert.Error(t, err)

	_, err = NewFeatureSchema([]Slot{{Name: "a"}, {Name: "a"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewFeatureSchema([]Slot{{Name: ""}})
	assert.ErrorContains(t, err, "empty name")

	_, err = NewFeatureSchema([]Slot{{Name: "a", Type: "complex"}})
	assert.ErrorContains(t, err, "unknown type")

	_, err = NewFeatureSchema([]Slot{{Name: "a", Default: math.NaN()}})
	assert.ErrorContains(t, err, "non-finite")
}

func TestParseFeatureSchemaForms(t *testing.T) {
	cases := map[string]string{
		"yaml mapping": "features:\n  - Machine\n  - {name: HasSignature, type: bool}\n",
		"yaml list":    "- Machine\n- name: HasSignature\n  type: bool\n",
		"json list":    `["Machine", {"name": "HasSignature", "type": "bool"}]`,
		"json mapping": `{"features": ["Machine", {"name": "HasSignature", "type": "bool"}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := ParseFeatureSchema([]byte(doc))
			require.NoError(t, err)
			assert.Equal(t, []string{"Machine", "HasSignature"}, s.Names())
			assert.Equal(t, SlotFloat, s.Slot(0).Type)
			assert.Equal(t, SlotBool, s.Slot(1).Type)
		})
	}

	_, err := ParseFeatureSchema([]byte(""))
	assert.Error(t, err)
	_, err = ParseFeatureSchema([]byte("just a string"))
	assert.Error(t, err)
	_, err = ParseFeatureSchema([]byte("features: [a, a]"))
	assert.Error(t, err)
}

func TestVectorBuilder(t *testing.T) {
	s := testSchema(t)
	b := s.NewBuilder()

	require.NoError(t, b.Set("Machine", 34404.6))
	require.NoError(t, b.Set("HasSignature", 0.2))

	err := b.Set("Nope", 1)
	assert.True(t, errors.Is(err, ErrUnknownFeature))
	assert.ErrorContains(t, err, "Nope")

	assert.Error(t, b.SetAt(9, 1))
	assert.Error(t, b.Set("FileEntropy", math.NaN()))

	v := b.Build()
	assert.Equal(t, FeatureVector{34405, 0, 1, -1}, v)

	v[0] = 0
	assert.Equal(t, 34405.0, b.Build()[0], "Build returns a copy")
}

func TestIndex(t *testing.T) {
	s := testSchema(t)
	i, ok := s.Index("HasSignature")
	assert.True(t, ok)
	assert.Equal(t, 2, i)
	_, ok = s.Index("missing")
	assert.False(t, ok)
}
