// Package pefixture builds small, well-formed PE images in memory so tests can
// exercise the parser and the end-to-end pipeline without checked-in binaries.
package pefixture

import "encoding/binary"

const (
	fileAlign = 0x200
	sectAlign = 0x1000

	LfanewOffset           = 0x3c
	PEHeaderOffset         = 0x40
	FileHeaderOffset       = 0x44
	NumberOfSectionsOffset = 0x46
	OptionalHeaderOffset   = 0x58

	MachineI386  = 0x14c
	MachineAMD64 = 0x8664

	scnCode      = 0x00000020
	scnInitData  = 0x00000040
	scnMemExec   = 0x20000000
	scnMemRead   = 0x40000000
	scnMemWrite  = 0x80000000
	certRevision = 0x0200
	certPKCS     = 0x0002
)

type Import struct {
	DLL       string
	Functions []string
}

// Spec describes the image to build. Zero values give a plain 32-bit console
// executable with a single ret instruction.
type Spec struct {
	Is64               bool
	Machine            uint16
	Characteristics    uint16
	TimeDateStamp      uint32
	Subsystem          uint16
	DllCharacteristics uint16
	MajorLinkerVersion uint8
	MinorLinkerVersion uint8
	MajorOSVersion     uint16
	MajorImageVersion  uint16

	TextName     string
	WritableCode bool
	Code         []byte
	Data         []byte

	Imports      []Import
	Exports      []string
	DebugEntries int

	ResourceLeaves int
	ResourceDepth  int

	Signature []byte
	Overlay   []byte
}

// Layout reports file offsets of structures tests may want to corrupt.
type Layout struct {
	SectionTableOffset int
	ImportDescOffset   int
	ExportDirOffset    int
	ResourceOffset     int
	CertOffset         int
	DataRVA            uint32
	DataOffset         int
}

type blob struct{ b []byte }

func (bl *blob) alloc(n int) int {
	off := len(bl.b)
	bl.b = append(bl.b, make([]byte, n)...)
	return off
}

func (bl *blob) align(n int) {
	for len(bl.b)%n != 0 {
		bl.b = append(bl.b, 0)
	}
}

func (bl *blob) str(s string) int {
	off := bl.alloc(len(s) + 1)
	copy(bl.b[off:], s)
	return off
}

func (bl *blob) put16(off int, v uint16) { binary.LittleEndian.PutUint16(bl.b[off:], v) }
func (bl *blob) put32(off int, v uint32) { binary.LittleEndian.PutUint32(bl.b[off:], v) }
func (bl *blob) put64(off int, v uint64) { binary.LittleEndian.PutUint64(bl.b[off:], v) }

type section struct {
	name  string
	data  []byte
	chars uint32
	rva   uint32
	off   uint32
}

type dataDir struct{ rva, size uint32 }

func alignUp(v, a int) int { return (v + a - 1) / a * a }

// Build assembles the image described by s.
func Build(s Spec) ([]byte, Layout) {
	lay := Layout{ImportDescOffset: -1, ExportDirOffset: -1, ResourceOffset: -1, CertOffset: -1}

	thunk := 4
	optSize := 224
	if s.Is64 {
		thunk = 8
		optSize = 240
	}
	if s.Machine == 0 {
		s.Machine = MachineI386
		if s.Is64 {
			s.Machine = MachineAMD64
		}
	}
	if s.Characteristics == 0 {
		s.Characteristics = 0x0102 // EXECUTABLE_IMAGE | 32BIT_MACHINE
	}
	if s.Subsystem == 0 {
		s.Subsystem = 3
	}
	if s.MajorOSVersion == 0 {
		s.MajorOSVersion = 6
	}
	if s.TextName == "" {
		s.TextName = ".text"
	}
	code := s.Code
	if len(code) == 0 {
		code = []byte{0xc3}
	}
	data := s.Data
	if len(data) == 0 {
		data = []byte{0}
	}

	nsec := 3
	if s.ResourceLeaves > 0 {
		nsec = 4
	}
	lay.SectionTableOffset = OptionalHeaderOffset + optSize
	sizeOfHeaders := alignUp(lay.SectionTableOffset+nsec*40, fileAlign)

	textChars := uint32(scnCode | scnMemExec | scnMemRead)
	if s.WritableCode {
		textChars |= scnMemWrite
	}
	text := &section{name: s.TextName, data: code, chars: textChars, rva: sectAlign}
	rdataRVA := uint32(alignUp(int(text.rva)+len(code), sectAlign))

	var dirs [16]dataDir
	rb := &blob{}
	rb.alloc(16)

	if len(s.Imports) > 0 {
		desc := rb.alloc((len(s.Imports) + 1) * 20)
		var iatStart, iatEnd int
		for i, imp := range s.Imports {
			n := len(imp.Functions) + 1
			ilt := rb.alloc(n * thunk)
			iat := rb.alloc(n * thunk)
			if i == 0 {
				iatStart = iat
			}
			iatEnd = iat + n*thunk
			for j, fn := range imp.Functions {
				rb.align(2)
				hn := rb.alloc(2)
				rb.str(fn)
				rva := uint64(rdataRVA) + uint64(hn)
				if s.Is64 {
					rb.put64(ilt+j*thunk, rva)
					rb.put64(iat+j*thunk, rva)
				} else {
					rb.put32(ilt+j*thunk, uint32(rva))
					rb.put32(iat+j*thunk, uint32(rva))
				}
			}
			name := rb.str(imp.DLL)
			d := desc + i*20
			rb.put32(d, rdataRVA+uint32(ilt))
			rb.put32(d+12, rdataRVA+uint32(name))
			rb.put32(d+16, rdataRVA+uint32(iat))
		}
		dirs[1] = dataDir{rdataRVA + uint32(desc), uint32((len(s.Imports) + 1) * 20)}
		dirs[12] = dataDir{rdataRVA + uint32(iatStart), uint32(iatEnd - iatStart)}
		lay.ImportDescOffset = desc
	}

	if len(s.Exports) > 0 {
		rb.align(4)
		n := len(s.Exports)
		dir := rb.alloc(40)
		funcs := rb.alloc(4 * n)
		names := rb.alloc(4 * n)
		ords := rb.alloc(2 * n)
		dll := rb.str("fixture.dll")
		for i, e := range s.Exports {
			no := rb.str(e)
			rb.put32(funcs+4*i, text.rva)
			rb.put32(names+4*i, rdataRVA+uint32(no))
			rb.put16(ords+2*i, uint16(i))
		}
		rb.put32(dir+12, rdataRVA+uint32(dll))
		rb.put32(dir+16, 1)
		rb.put32(dir+20, uint32(n))
		rb.put32(dir+24, uint32(n))
		rb.put32(dir+28, rdataRVA+uint32(funcs))
		rb.put32(dir+32, rdataRVA+uint32(names))
		rb.put32(dir+36, rdataRVA+uint32(ords))
		dirs[0] = dataDir{rdataRVA + uint32(dir), uint32(len(rb.b) - dir)}
		lay.ExportDirOffset = dir
	}

	if s.DebugEntries > 0 {
		rb.align(4)
		dbg := rb.alloc(28 * s.DebugEntries)
		for i := 0; i < s.DebugEntries; i++ {
			e := dbg + 28*i
			rb.put32(e+12, 2) // IMAGE_DEBUG_TYPE_CODEVIEW
			rb.put32(e+16, 0x20)
		}
		dirs[6] = dataDir{rdataRVA + uint32(dbg), uint32(28 * s.DebugEntries)}
	}

	rdata := &section{name: ".rdata", data: rb.b, chars: scnInitData | scnMemRead, rva: rdataRVA}
	dsec := &section{name: ".data", data: data, chars: scnInitData | scnMemRead | scnMemWrite,
		rva: uint32(alignUp(int(rdataRVA)+len(rb.b), sectAlign))}
	secs := []*section{text, rdata, dsec}

	if s.ResourceLeaves > 0 {
		rsrcRVA := uint32(alignUp(int(dsec.rva)+len(data), sectAlign))
		rs := buildResources(s.ResourceLeaves, s.ResourceDepth, rsrcRVA)
		secs = append(secs, &section{name: ".rsrc", data: rs, chars: scnInitData | scnMemRead, rva: rsrcRVA})
		dirs[2] = dataDir{rsrcRVA, uint32(len(rs))}
	}

	off := uint32(sizeOfHeaders)
	for _, sec := range secs {
		sec.off = off
		off += uint32(alignUp(len(sec.data), fileAlign))
	}
	last := secs[len(secs)-1]
	sizeOfImage := uint32(alignUp(int(last.rva)+len(last.data), sectAlign))

	out := &blob{}
	out.alloc(int(off))
	copy(out.b, "MZ")
	out.put32(LfanewOffset, PEHeaderOffset)
	copy(out.b[PEHeaderOffset:], "PE\x00\x00")

	fh := FileHeaderOffset
	out.put16(fh, s.Machine)
	out.put16(fh+2, uint16(len(secs)))
	out.put32(fh+4, s.TimeDateStamp)
	out.put16(fh+16, uint16(optSize))
	out.put16(fh+18, s.Characteristics)

	for i, sec := range secs {
		h := lay.SectionTableOffset + i*40
		copy(out.b[h:h+8], sec.name)
		out.put32(h+8, uint32(len(sec.data)))
		out.put32(h+12, sec.rva)
		out.put32(h+16, uint32(alignUp(len(sec.data), fileAlign)))
		out.put32(h+20, sec.off)
		out.put32(h+36, sec.chars)
		copy(out.b[sec.off:], sec.data)
	}
	lay.DataRVA = dsec.rva
	lay.DataOffset = int(dsec.off)
	if lay.ImportDescOffset >= 0 {
		lay.ImportDescOffset += int(rdata.off)
	}
	if lay.ExportDirOffset >= 0 {
		lay.ExportDirOffset += int(rdata.off)
	}
	if s.ResourceLeaves > 0 {
		lay.ResourceOffset = int(secs[3].off)
	}

	out.b = append(out.b, s.Overlay...)

	if len(s.Signature) > 0 {
		out.align(8)
		certOff := out.alloc(8)
		out.b = append(out.b, s.Signature...)
		out.align(8)
		length := len(out.b) - certOff
		out.put32(certOff, uint32(length))
		out.put16(certOff+4, certRevision)
		out.put16(certOff+6, certPKCS)
		dirs[4] = dataDir{uint32(certOff), uint32(length)}
		lay.CertOffset = certOff
	}

	o := OptionalHeaderOffset
	imageBase := uint64(0x400000)
	dirsOff := 96
	if s.Is64 {
		out.put16(o, 0x20b)
		imageBase = 0x140000000
		dirsOff = 112
	} else {
		out.put16(o, 0x10b)
	}
	out.b[o+2] = s.MajorLinkerVersion
	out.b[o+3] = s.MinorLinkerVersion
	out.put32(o+4, uint32(alignUp(len(code), fileAlign)))
	out.put32(o+8, uint32(alignUp(len(rb.b), fileAlign)+alignUp(len(data), fileAlign)))
	out.put32(o+16, text.rva)
	out.put32(o+20, text.rva)
	if s.Is64 {
		out.put64(o+24, imageBase)
	} else {
		out.put32(o+24, rdataRVA)
		out.put32(o+28, uint32(imageBase))
	}
	out.put32(o+32, sectAlign)
	out.put32(o+36, fileAlign)
	out.put16(o+40, s.MajorOSVersion)
	out.put16(o+44, s.MajorImageVersion)
	out.put16(o+48, s.MajorOSVersion)
	out.put32(o+56, sizeOfImage)
	out.put32(o+60, uint32(sizeOfHeaders))
	out.put16(o+68, s.Subsystem)
	out.put16(o+70, s.DllCharacteristics)
	if s.Is64 {
		out.put64(o+72, 0x100000)
		out.put64(o+80, 0x1000)
		out.put64(o+88, 0x100000)
		out.put64(o+96, 0x1000)
		out.put32(o+108, 16)
	} else {
		out.put32(o+72, 0x100000)
		out.put32(o+76, 0x1000)
		out.put32(o+80, 0x100000)
		out.put32(o+84, 0x1000)
		out.put32(o+92, 16)
	}
	for i, d := range dirs {
		out.put32(o+dirsOff+i*8, d.rva)
		out.put32(o+dirsOff+i*8+4, d.size)
	}
	return out.b, lay
}

// buildResources lays out a chain of depth directories, the last of which
// holds leaves data entries.
func buildResources(leaves, depth int, rva uint32) []byte {
	if depth < 1 {
		depth = 1
	}
	rb := &blob{}
	for level := 0; level < depth; level++ {
		dir := rb.alloc(16)
		if level < depth-1 {
			rb.put16(dir+14, 1)
			e := rb.alloc(8)
			rb.put32(e, uint32(level+1))
			rb.put32(e+4, 0x80000000|uint32(len(rb.b)))
			continue
		}
		rb.put16(dir+14, uint16(leaves))
		entries := rb.alloc(8 * leaves)
		for i := 0; i < leaves; i++ {
			leaf := rb.alloc(16)
			rb.put32(entries+8*i, uint32(i+1))
			rb.put32(entries+8*i+4, uint32(leaf))
			rb.put32(leaf, rva)
			rb.put32(leaf+4, 16)
		}
	}
	return rb.b
}

// Put32 patches a little-endian uint32 into an image produced by Build.
func Put32(img []byte, off int, v uint32) { binary.LittleEndian.PutUint32(img[off:], v) }

// Put16 patches a little-endian uint16 into an image produced by Build.
func Put16(img []byte, off int, v uint16) { binary.LittleEndian.PutUint16(img[off:], v) }
