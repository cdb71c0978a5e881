package analyzer

import (
	"context"
	"debug/pe"
	"fmt"
	"strings"
	"time"
)

const (
	MaxFileSize           = 64 * 1024 * 1024
	DefaultParseTimeout   = 5 * time.Second
	DefaultMaxParseSteps  = 5_000_000
	DefaultMaxStringBytes = 8 << 20

	MinPESize = 64

	MaxSections          = 96
	MaxDataDirectories   = 16
	MaxImportDescriptors = 4096
	MaxImportsPerDLL     = 65536
	MaxTotalImports      = 200_000
	MaxExportNames       = 65536
	MaxDebugEntries      = 64
	MaxResourceDepth     = 16
	MaxResourceDirs      = 65536
	MaxSymbolNameLength  = 512
	MaxSymbolBytes       = 4 << 20
)

const (
	sectionHeaderSize = 40
	fileHeaderSize    = 20
	importDescSize    = 20
	exportDirSize     = 40
	debugEntrySize    = 28
	resourceDirSize   = 16
	resourceEntrySize = 8
	winCertHeaderSize = 8

	optHeader32DirsOff = 96
	optHeader64DirsOff = 112

	magicPE32     = 0x10b
	magicPE32Plus = 0x20b
)

// Limits bounds what a single Parse and the Extract that follows it may
// consume. Timeout and MaxSteps cover both calls together.
type Limits struct {
	MaxFileSize int64
	MaxSteps    int
	Timeout     time.Duration
	// MaxStringBytes caps the printable-string text Extract inspects.
	MaxStringBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxFileSize: MaxFileSize,
		MaxSteps:    DefaultMaxParseSteps,
		Timeout:     DefaultParseTimeout,

		MaxStringBytes: DefaultMaxStringBytes,
	}
}

// OptionalHeader holds the fields shared by PE32 and PE32+ optional headers,
// widened to the PE32+ sizes.
type OptionalHeader struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	NumberOfRvaAndSizes         uint32
}

type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	RawOffset       uint32
	RawSize         uint32
	Characteristics uint32
}

type ImportedDLL struct {
	Name      string
	Functions []string
}

type DebugEntry struct {
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

type Certificate struct {
	Offset   uint32
	Length   uint32
	Revision uint16
	Type     uint16
}

// ParsedBinary is a validated structural view of one PE image. It references
// the caller's buffer and must not outlive the extraction that created it.
type ParsedBinary struct {
	FileHeader  pe.FileHeader
	Optional    OptionalHeader
	Is64        bool
	Sections    []Section
	Directories [MaxDataDirectories]pe.DataDirectory
	NumDirs     int

	Imports       []ImportedDLL
	ImportCount   int
	Exports       []string
	ExportedFuncs uint32
	Debug         []DebugEntry
	ResourceDirs  int
	ResourceLeafs int
	Certificate   *Certificate

	OverlayOffset int64
	OverlaySize   int64

	// Anomalies lists optional directories that were declared but could not
	// be mapped. They are dropped rather than failing the whole parse.
	Anomalies []string

	data byteView

	// What Parse left of its budget, spent by Extract.
	deadline       time.Time
	stepsLeft      int
	maxStringBytes int64
}

func (p *ParsedBinary) Size() int64 { return int64(len(p.data)) }

func (p *ParsedBinary) Bytes() []byte { return p.data }

// SectionData returns the raw bytes of section i; bounds were validated by Parse.
func (p *ParsedBinary) SectionData(i int) []byte {
	if i < 0 || i >= len(p.Sections) {
		return nil
	}
	s := p.Sections[i]
	if s.RawSize == 0 || s.RawOffset == 0 {
		return nil
	}
	b, ok := p.data.slice(uint64(s.RawOffset), uint64(s.RawSize))
	if !ok {
		return nil
	}
	return b
}

func (p *ParsedBinary) Directory(idx int) (pe.DataDirectory, bool) {
	if idx < 0 || idx >= p.NumDirs {
		return pe.DataDirectory{}, false
	}
	d := p.Directories[idx]
	if d.VirtualAddress == 0 || d.Size == 0 {
		return d, false
	}
	return d, true
}

// EntrySectionIndex returns the section holding the entry point or -1.
func (p *ParsedBinary) EntrySectionIndex() int {
	ep := p.Optional.AddressOfEntryPoint
	if ep == 0 {
		return -1
	}
	for i := range p.Sections {
		if rvaInSection(ep, &p.Sections[i]) {
			return i
		}
	}
	return -1
}

// Parse validates data as a PE image. It never executes or maps the input,
// and every table walk is capped both by a constant and by the step budget.
func Parse(ctx context.Context, data []byte, limits Limits) (*ParsedBinary, error) {
	if limits.MaxFileSize <= 0 {
		limits.MaxFileSize = MaxFileSize
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultParseTimeout
	}
	if limits.MaxStringBytes <= 0 {
		limits.MaxStringBytes = DefaultMaxStringBytes
	}
	if int64(len(data)) > limits.MaxFileSize {
		return nil, &MalformedBinaryError{Reason: "file too large", Offset: -1, Err: ErrTooLarge}
	}

	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	p := &ParsedBinary{data: byteView(data)}
	b := newBudget(ctx, limits.MaxSteps)
	if err := b.spend(0); err != nil {
		return nil, err
	}

	optOff, err := p.parseHeaders()
	if err != nil {
		return nil, err
	}
	if err := p.parseSections(optOff+uint64(p.FileHeader.SizeOfOptionalHeader), b); err != nil {
		return nil, err
	}
	if err := p.parseImports(b); err != nil {
		return nil, err
	}
	if err := p.parseExports(b); err != nil {
		return nil, err
	}
	if err := p.parseDebug(b); err != nil {
		return nil, err
	}
	if err := p.parseResources(b); err != nil {
		return nil, err
	}
	p.parseCertificate()
	p.locateOverlay()

	p.deadline, _ = ctx.Deadline()
	p.stepsLeft = max(b.max-b.steps, 1)
	p.maxStringBytes = limits.MaxStringBytes
	return p, nil
}

func (p *ParsedBinary) parseHeaders() (uint64, error) {
	d := p.data
	if len(d) < MinPESize {
		return 0, malformedNoOffset("file shorter than DOS header (%d bytes)", len(d))
	}
	if d[0] != 'M' || d[1] != 'Z' {
		return 0, malformed(0, "missing MZ signature")
	}
	lfanew, _ := d.u32(0x3c)
	sig, ok := d.slice(uint64(lfanew), 4)
	if !ok {
		return 0, malformed(0x3c, "e_lfanew 0x%x points outside the file", lfanew)
	}
	if sig[0] != 'P' || sig[1] != 'E' || sig[2] != 0 || sig[3] != 0 {
		return 0, malformed(uint64(lfanew), "missing PE signature")
	}

	fh := uint64(lfanew) + 4
	if !d.inRange(fh, fileHeaderSize) {
		return 0, malformed(fh, "truncated COFF file header")
	}
	p.FileHeader.Machine, _ = d.u16(fh)
	p.FileHeader.NumberOfSections, _ = d.u16(fh + 2)
	p.FileHeader.TimeDateStamp, _ = d.u32(fh + 4)
	p.FileHeader.PointerToSymbolTable, _ = d.u32(fh + 8)
	p.FileHeader.NumberOfSymbols, _ = d.u32(fh + 12)
	p.FileHeader.SizeOfOptionalHeader, _ = d.u16(fh + 16)
	p.FileHeader.Characteristics, _ = d.u16(fh + 18)

	optOff := fh + fileHeaderSize
	optSize := uint64(p.FileHeader.SizeOfOptionalHeader)
	if !d.inRange(optOff, optSize) {
		return 0, malformed(optOff, "optional header size %d exceeds file", optSize)
	}
	if err := p.parseOptionalHeader(optOff, optSize); err != nil {
		return 0, err
	}
	return optOff, nil
}

func (p *ParsedBinary) parseOptionalHeader(off, size uint64) error {
	d := p.data
	if size < 2 {
		return malformed(off, "optional header missing")
	}
	magic, _ := d.u16(off)
	var dirsOff uint64
	switch magic {
	case magicPE32:
		dirsOff = optHeader32DirsOff
	case magicPE32Plus:
		dirsOff = optHeader64DirsOff
		p.Is64 = true
	default:
		return malformed(off, "unknown optional header magic 0x%x", magic)
	}
	if size < dirsOff {
		return malformed(off, "optional header too small (%d bytes) for magic 0x%x", size, magic)
	}

	oh := &p.Optional
	oh.Magic = magic
	oh.MajorLinkerVersion, _ = d.u8(off + 2)
	oh.MinorLinkerVersion, _ = d.u8(off + 3)
	oh.SizeOfCode, _ = d.u32(off + 4)
	oh.SizeOfInitializedData, _ = d.u32(off + 8)
	oh.SizeOfUninitializedData, _ = d.u32(off + 12)
	oh.AddressOfEntryPoint, _ = d.u32(off + 16)
	oh.BaseOfCode, _ = d.u32(off + 20)
	if p.Is64 {
		oh.ImageBase, _ = d.u64(off + 24)
	} else {
		base, _ := d.u32(off + 28)
		oh.ImageBase = uint64(base)
	}
	oh.SectionAlignment, _ = d.u32(off + 32)
	oh.FileAlignment, _ = d.u32(off + 36)
	oh.MajorOperatingSystemVersion, _ = d.u16(off + 40)
	oh.MinorOperatingSystemVersion, _ = d.u16(off + 42)
	oh.MajorImageVersion, _ = d.u16(off + 44)
	oh.MinorImageVersion, _ = d.u16(off + 46)
	oh.MajorSubsystemVersion, _ = d.u16(off + 48)
	oh.MinorSubsystemVersion, _ = d.u16(off + 50)
	oh.SizeOfImage, _ = d.u32(off + 56)
	oh.SizeOfHeaders, _ = d.u32(off + 60)
	oh.CheckSum, _ = d.u32(off + 64)
	oh.Subsystem, _ = d.u16(off + 68)
	oh.DllCharacteristics, _ = d.u16(off + 70)
	if p.Is64 {
		oh.SizeOfStackReserve, _ = d.u64(off + 72)
		oh.SizeOfStackCommit, _ = d.u64(off + 80)
		oh.SizeOfHeapReserve, _ = d.u64(off + 88)
		oh.NumberOfRvaAndSizes, _ = d.u32(off + 108)
	} else {
		v, _ := d.u32(off + 72)
		oh.SizeOfStackReserve = uint64(v)
		v, _ = d.u32(off + 76)
		oh.SizeOfStackCommit = uint64(v)
		v, _ = d.u32(off + 80)
		oh.SizeOfHeapReserve = uint64(v)
		oh.NumberOfRvaAndSizes, _ = d.u32(off + 92)
	}

	// Clamp the directory count to what the loader honours and what the
	// declared header size actually holds.
	n := uint64(oh.NumberOfRvaAndSizes)
	if n > MaxDataDirectories {
		n = MaxDataDirectories
	}
	if room := (size - dirsOff) / 8; n > room {
		n = room
	}
	for i := uint64(0); i < n; i++ {
		e := off + dirsOff + i*8
		p.Directories[i].VirtualAddress, _ = d.u32(e)
		p.Directories[i].Size, _ = d.u32(e + 4)
	}
	p.NumDirs = int(n)
	return nil
}

func (p *ParsedBinary) parseSections(off uint64, b *budget) error {
	n := uint64(p.FileHeader.NumberOfSections)
	if n > MaxSections {
		return malformed(off, "section count %d exceeds limit %d", n, MaxSections)
	}
	if !p.data.inRange(off, n*sectionHeaderSize) {
		return malformed(off, "section table of %d entries exceeds file size", n)
	}
	p.Sections = make([]Section, 0, n)
	for i := uint64(0); i < n; i++ {
		if err := b.spend(1); err != nil {
			return err
		}
		h := off + i*sectionHeaderSize
		raw, _ := p.data.slice(h, 8)
		s := Section{Name: strings.TrimRight(string(raw), "\x00")}
		s.VirtualSize, _ = p.data.u32(h + 8)
		s.VirtualAddress, _ = p.data.u32(h + 12)
		s.RawSize, _ = p.data.u32(h + 16)
		s.RawOffset, _ = p.data.u32(h + 20)
		s.Characteristics, _ = p.data.u32(h + 36)
		if s.RawOffset != 0 && s.RawSize != 0 && !p.data.inRange(uint64(s.RawOffset), uint64(s.RawSize)) {
			return malformed(h, "section %q raw data [0x%x+0x%x] exceeds file size", s.Name, s.RawOffset, s.RawSize)
		}
		p.Sections = append(p.Sections, s)
	}
	return nil
}

// rvaToOffset maps an RVA to a file offset. RVAs inside the headers map 1:1.
func (p *ParsedBinary) rvaToOffset(rva uint32) (uint64, bool) {
	for i := range p.Sections {
		s := &p.Sections[i]
		if !rvaInSection(rva, s) {
			continue
		}
		delta := uint64(rva - s.VirtualAddress)
		if delta >= uint64(s.RawSize) {
			return 0, false
		}
		off := uint64(s.RawOffset) + delta
		if !p.data.inRange(off, 1) {
			return 0, false
		}
		return off, true
	}
	if rva < p.Optional.SizeOfHeaders && p.data.inRange(uint64(rva), 1) {
		return uint64(rva), true
	}
	return 0, false
}

func (p *ParsedBinary) anomaly(format string, args ...any) {
	p.Anomalies = append(p.Anomalies, fmt.Sprintf(format, args...))
}

func (p *ParsedBinary) locateOverlay() {
	end := uint64(p.Optional.SizeOfHeaders)
	for _, s := range p.Sections {
		if s.RawOffset == 0 || s.RawSize == 0 {
			continue
		}
		if e := uint64(s.RawOffset) + uint64(s.RawSize); e > end {
			end = e
		}
	}
	size := uint64(len(p.data))
	if end > size {
		end = size
	}
	over := size - end
	// An appended Authenticode blob is not overlay.
	if c := p.Certificate; c != nil && uint64(c.Offset) >= end && uint64(c.Length) <= over {
		over -= uint64(c.Length)
	}
	p.OverlayOffset = int64(end)
	p.OverlaySize = int64(over)
}

func rvaInSection(rva uint32, s *Section) bool {
	if s == nil {
		return false
	}
	start := s.VirtualAddress
	size := maxU32(s.VirtualSize, s.RawSize)
	if size == 0 {
		return false
	}
	if rva < start {
		return false
	}
	return (rva - start) < size
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
