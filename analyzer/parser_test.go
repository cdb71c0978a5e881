package analyzer

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ransomguard/internal/pefixture"
)

func sampleSpec() pefixture.Spec {
	return pefixture.Spec{
		MajorLinkerVersion: 14,
		MinorLinkerVersion: 29,
		Imports: []pefixture.Import{
			{DLL: "KERNEL32.dll", Functions: []string{"CreateFileW", "FindFirstFileW", "ExitProcess"}},
			{DLL: "ADVAPI32.dll", Functions: []string{"CryptEncrypt"}},
		},
		DebugEntries:   1,
		ResourceLeaves: 3,
	}
}

func TestParsePE32(t *testing.T) {
	img, _ := pefixture.Build(sampleSpec())

	p, err := Parse(context.Background(), img, DefaultLimits())
	require.NoError(t, err)

	assert.False(t, p.Is64)
	assert.Equal(t, uint16(pefixture.MachineI386), p.FileHeader.Machine)
	assert.Equal(t, uint8(14), p.Optional.MajorLinkerVersion)
	assert.Equal(t, uint64(0x400000), p.Optional.ImageBase)
	require.Len(t, p.Sections, 4)
	assert.Equal(t, ".text", p.Sections[0].Name)
	assert.Equal(t, ".rsrc", p.Sections[3].Name)
	assert.Equal(t, 0, p.EntrySectionIndex())

	require.Len(t, p.Imports, 2)
	assert.Equal(t, "KERNEL32.dll", p.Imports[0].Name)
	assert.Equal(t, []string{"CreateFileW", "FindFirstFileW", "ExitProcess"}, p.Imports[0].Functions)
	assert.Equal(t, []string{"CryptEncrypt"}, p.Imports[1].Functions)
	assert.Equal(t, 4, p.ImportCount)

	assert.Len(t, p.Debug, 1)
	assert.Equal(t, 1, p.ResourceDirs)
	assert.Equal(t, 3, p.ResourceLeafs)
	assert.Nil(t, p.Certificate)
	assert.Zero(t, p.OverlaySize)
	assert.Empty(t, p.Anomalies)
}

func TestParsePE32Plus(t *testing.T) {
	img, _ := pefixture.Build(pefixture.Spec{
		Is64:    true,
		Imports: []pefixture.Import{{DLL: "bcrypt.dll", Functions: []string{"BCryptEncrypt", "BCryptGenRandom"}}},
		Exports: []string{"EncryptFiles", "Run"},
	})

	p, err := Parse(context.Background(), img, DefaultLimits())
	require.NoError(t, err)

	assert.True(t, p.Is64)
	assert.Equal(t, uint16(pefixture.MachineAMD64), p.FileHeader.Machine)
	assert.Equal(t, uint64(0x140000000), p.Optional.ImageBase)
	assert.Equal(t, uint64(0x100000), p.Optional.SizeOfStackReserve)
	require.Len(t, p.Imports, 1)
	assert.Equal(t, []string{"BCryptEncrypt", "BCryptGenRandom"}, p.Imports[0].Functions)
	assert.Equal(t, []string{"EncryptFiles", "Run"}, p.Exports)
	assert.Equal(t, uint32(2), p.ExportedFuncs)
}

func TestParseOverlayAndCertificate(t *testing.T) {
	spec := sampleSpec()
	spec.Overlay = make([]byte, 64)
	spec.Signature = make([]byte, 32)
	img, lay := pefixture.Build(spec)

	p, err := Parse(context.Background(), img, DefaultLimits())
	require.NoError(t, err)

	require.NotNil(t, p.Certificate)
	assert.Equal(t, uint32(lay.CertOffset), p.Certificate.Offset)
	assert.Equal(t, uint16(0x0200), p.Certificate.Revision)
	assert.Equal(t, uint16(0x0002), p.Certificate.Type)
	assert.Equal(t, int64(64), p.OverlaySize)
}

func TestParseRejectsMalformed(t *testing.T) {
	valid, lay := pefixture.Build(sampleSpec())

	cases := []struct {
		name  string
		patch func([]byte) []byte
	}{
		{"empty", func([]byte) []byte { return nil }},
		{"short", func(b []byte) []byte { return b[:MinPESize-1] }},
		{"no MZ", func(b []byte) []byte { b[0] = 'Z'; return b }},
		{"lfanew outside file", func(b []byte) []byte {
			pefixture.Put32(b, pefixture.LfanewOffset, 0xfffffff0)
			return b
		}},
		{"no PE signature", func(b []byte) []byte { b[pefixture.PEHeaderOffset] = 'X'; return b }},
		{"too many sections", func(b []byte) []byte {
			pefixture.Put16(b, pefixture.NumberOfSectionsOffset, 0xffff)
			return b
		}},
		{"bad optional magic", func(b []byte) []byte {
			pefixture.Put16(b, pefixture.OptionalHeaderOffset, 0x999)
			return b
		}},
		{"section raw data past EOF", func(b []byte) []byte {
			pefixture.Put32(b, lay.SectionTableOffset+16, 0x7fffffff)
			return b
		}},
		{"truncated after headers", func(b []byte) []byte { return b[:0x1f0] }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			img := append([]byte(nil), valid...)
			_, err := Parse(context.Background(), tc.patch(img), DefaultLimits())
			require.Error(t, err)
			assert.True(t, IsMalformed(err), "got %v", err)
			assert.False(t, IsTimeout(err))
		})
	}
}

func TestParseReportsOffset(t *testing.T) {
	img, _ := pefixture.Build(sampleSpec())
	pefixture.Put32(img, pefixture.LfanewOffset, 0xfffffff0)

	_, err := Parse(context.Background(), img, DefaultLimits())
	var mbe *MalformedBinaryError
	require.True(t, errors.As(err, &mbe))
	assert.Equal(t, int64(pefixture.LfanewOffset), mbe.Offset)
	assert.Contains(t, mbe.Error(), "offset 0x3c")
}

func TestParseRejectsRunawayImportThunks(t *testing.T) {
	spec := sampleSpec()
	spec.Data = make([]byte, 300*1024)
	for i := range spec.Data {
		spec.Data[i] = 0x41
	}
	img, lay := pefixture.Build(spec)
	// Point the first descriptor's lookup table at a run of non-zero thunks.
	pefixture.Put32(img, lay.ImportDescOffset, lay.DataRVA)

	_, err := Parse(context.Background(), img, DefaultLimits())
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	assert.Contains(t, err.Error(), "import thunk array")
}

// importTableImage builds sampleSpec with its first import descriptor
// redirected to n thunks in .data. Thunk k points at hint/name slot
// k%slots; each 502-byte slot holds a 499-byte name.
func importTableImage(n, slots int) []byte {
	const slot = 502
	base := (n + 1) * 4
	spec := sampleSpec()
	spec.Data = make([]byte, base+slots*slot)
	img, lay := pefixture.Build(spec)

	for k := 0; k < n; k++ {
		pefixture.Put32(img, lay.DataOffset+k*4, lay.DataRVA+uint32(base+(k%slots)*slot))
	}
	for k := 0; k < slots; k++ {
		name := img[lay.DataOffset+base+k*slot+2:]
		for i := 0; i < slot-3; i++ {
			name[i] = 'A'
		}
	}
	pefixture.Put32(img, lay.ImportDescOffset, lay.DataRVA)
	return img
}

func TestParseSharedImportNamesAreInterned(t *testing.T) {
	img := importTableImage(60_000, 1)

	p, err := Parse(context.Background(), img, DefaultLimits())
	require.NoError(t, err)
	fns := p.Imports[0].Functions
	require.Len(t, fns, 60_000)
	assert.Len(t, fns[0], 499)
	assert.Equal(t, unsafe.StringData(fns[0]), unsafe.StringData(fns[len(fns)-1]))

	allocs := testing.AllocsPerRun(1, func() {
		_, _ = Parse(context.Background(), img, DefaultLimits())
	})
	assert.Less(t, allocs, 1000.0)
}

func TestParseRejectsOversizedImportNames(t *testing.T) {
	n := MaxSymbolBytes/499 + 16
	img := importTableImage(n, n)

	_, err := Parse(context.Background(), img, DefaultLimits())
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	assert.Contains(t, err.Error(), "import names exceed")
}

func TestParseResourceDepth(t *testing.T) {
	spec := sampleSpec()
	spec.ResourceLeaves = 1

	spec.ResourceDepth = MaxResourceDepth
	img, _ := pefixture.Build(spec)
	p, err := Parse(context.Background(), img, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, MaxResourceDepth, p.ResourceDirs)
	assert.Equal(t, 1, p.ResourceLeafs)

	spec.ResourceDepth = MaxResourceDepth + 2
	img, _ = pefixture.Build(spec)
	_, err = Parse(context.Background(), img, DefaultLimits())
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	assert.Contains(t, err.Error(), "resource tree deeper")
}

func TestParseDebugEntryLimit(t *testing.T) {
	spec := sampleSpec()
	spec.DebugEntries = MaxDebugEntries + 1
	img, _ := pefixture.Build(spec)

	_, err := Parse(context.Background(), img, DefaultLimits())
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
}

func TestParseUnmappedImportIsAnomaly(t *testing.T) {
	img, _ := pefixture.Build(sampleSpec())
	importDir := pefixture.OptionalHeaderOffset + 96 + 8
	pefixture.Put32(img, importDir, 0x7fff0000)

	p, err := Parse(context.Background(), img, DefaultLimits())
	require.NoError(t, err)
	assert.Empty(t, p.Imports)
	require.Len(t, p.Anomalies, 1)
	assert.Contains(t, p.Anomalies[0], "import directory")
}

func TestParseStepBudget(t *testing.T) {
	img, _ := pefixture.Build(sampleSpec())

	_, err := Parse(context.Background(), img, Limits{MaxSteps: 2})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsMalformed(err))
}

func TestParseCancelledContext(t *testing.T) {
	img, _ := pefixture.Build(sampleSpec())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Parse(ctx, img, DefaultLimits())
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestParseTooLarge(t *testing.T) {
	img, _ := pefixture.Build(sampleSpec())

	_, err := Parse(context.Background(), img, Limits{MaxFileSize: 128})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestParseRandomInputNeverPanics(t *testing.T) {
	valid, _ := pefixture.Build(sampleSpec())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		var buf []byte
		if i%2 == 0 {
			buf = make([]byte, rng.Intn(4096))
			rng.Read(buf)
			if len(buf) > 2 && i%4 == 0 {
				buf[0], buf[1] = 'M', 'Z'
			}
		} else {
			buf = append([]byte(nil), valid...)
			for n := rng.Intn(32) + 1; n > 0; n-- {
				buf[rng.Intn(len(buf))] = byte(rng.Intn(256))
			}
		}
		p, err := Parse(context.Background(), buf, Limits{Timeout: time.Second})
		if err != nil {
			assert.True(t, IsMalformed(err), "iteration %d: %v", i, err)
			continue
		}
		assert.NotPanics(t, func() { _, _ = Extract(context.Background(), p) })
	}
}

func FuzzParse(f *testing.F) {
	valid, _ := pefixture.Build(sampleSpec())
	valid64, _ := pefixture.Build(pefixture.Spec{Is64: true, Exports: []string{"a"}, ResourceLeaves: 2, Signature: []byte("sig")})
	f.Add([]byte{})
	f.Add([]byte("MZ"))
	f.Add(valid)
	f.Add(valid64)

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := Parse(context.Background(), data, Limits{Timeout: time.Second})
		if err != nil {
			if !IsMalformed(err) {
				t.Fatalf("unexpected error type %T: %v", err, err)
			}
			return
		}
		feats, err := Extract(context.Background(), p)
		if err != nil {
			if !IsTimeout(err) {
				t.Fatalf("unexpected extract error %T: %v", err, err)
			}
			return
		}
		if len(feats) != len(catalog) {
			t.Fatalf("extracted %d features, catalog has %d", len(feats), len(catalog))
		}
	})
}
