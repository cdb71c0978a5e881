package analyzer

import (
	"debug/pe"
	"fmt"
)

// Directory walkers. A directory that is declared but cannot be mapped to
// file bytes is recorded as an anomaly and treated as absent; a directory
// whose declared counts exceed the safety limits fails the whole parse.

func (p *ParsedBinary) parseImports(b *budget) error {
	dir, ok := p.Directory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT)
	if !ok {
		return nil
	}
	off, ok := p.rvaToOffset(dir.VirtualAddress)
	if !ok {
		p.anomaly("import directory rva 0x%x unmapped", dir.VirtualAddress)
		return nil
	}

	thunkSize := uint64(4)
	ordinalFlag := uint64(1) << 31
	if p.Is64 {
		thunkSize = 8
		ordinalFlag = 1 << 63
	}

	// Thunks may share a hint/name entry; each distinct entry is read once.
	names := make(map[uint32]string)
	nameBytes := 0

	for i := 0; ; i++ {
		if i >= MaxImportDescriptors {
			return malformed(off, "import descriptor table exceeds %d entries", MaxImportDescriptors)
		}
		if err := b.spend(1); err != nil {
			return err
		}
		desc := off + uint64(i)*importDescSize
		if !p.data.inRange(desc, importDescSize) {
			p.anomaly("import descriptor %d truncated", i)
			return nil
		}
		originalThunk, _ := p.data.u32(desc)
		nameRVA, _ := p.data.u32(desc + 12)
		firstThunk, _ := p.data.u32(desc + 16)
		if originalThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			return nil
		}

		dll := ImportedDLL{}
		if noff, ok := p.rvaToOffset(nameRVA); ok {
			dll.Name, _ = p.data.cstring(noff, MaxSymbolNameLength)
		}
		if dll.Name == "" {
			p.anomaly("import descriptor %d has unreadable name", i)
		}

		thunkRVA := originalThunk
		if thunkRVA == 0 {
			thunkRVA = firstThunk
		}
		toff, ok := p.rvaToOffset(thunkRVA)
		if !ok {
			p.anomaly("import thunks for %q unmapped", dll.Name)
			p.Imports = append(p.Imports, dll)
			continue
		}

		for j := uint64(0); ; j++ {
			if j >= MaxImportsPerDLL {
				return malformed(toff, "import thunk array for %q exceeds %d entries", dll.Name, MaxImportsPerDLL)
			}
			if p.ImportCount >= MaxTotalImports {
				return malformed(toff, "total imports exceed %d", MaxTotalImports)
			}
			if err := b.spend(1); err != nil {
				return err
			}
			var thunk uint64
			if p.Is64 {
				thunk, ok = p.data.u64(toff + j*thunkSize)
			} else {
				var v uint32
				v, ok = p.data.u32(toff + j*thunkSize)
				thunk = uint64(v)
			}
			if !ok {
				p.anomaly("import thunks for %q truncated", dll.Name)
				break
			}
			if thunk == 0 {
				break
			}

			var fn string
			if thunk&ordinalFlag != 0 {
				fn = fmt.Sprintf("#%d", thunk&0xffff)
			} else {
				rva := uint32(thunk & 0x7fffffff)
				var seen bool
				if fn, seen = names[rva]; !seen {
					if hint, ok := p.rvaToOffset(rva); ok {
						fn, _ = p.data.cstring(hint+2, MaxSymbolNameLength)
					}
					names[rva] = fn
					nameBytes += len(fn)
					if nameBytes > MaxSymbolBytes {
						return malformed(toff, "import names exceed %d bytes", MaxSymbolBytes)
					}
					if err := b.spend(len(fn) / 64); err != nil {
						return err
					}
				}
			}
			if fn == "" {
				continue
			}
			dll.Functions = append(dll.Functions, fn)
			p.ImportCount++
		}
		p.Imports = append(p.Imports, dll)
	}
}

func (p *ParsedBinary) parseExports(b *budget) error {
	dir, ok := p.Directory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if !ok {
		return nil
	}
	off, ok := p.rvaToOffset(dir.VirtualAddress)
	if !ok || !p.data.inRange(off, exportDirSize) {
		p.anomaly("export directory rva 0x%x unmapped", dir.VirtualAddress)
		return nil
	}
	numFuncs, _ := p.data.u32(off + 20)
	numNames, _ := p.data.u32(off + 24)
	namesRVA, _ := p.data.u32(off + 32)
	if numNames > MaxExportNames || numFuncs > MaxExportNames {
		return malformed(off, "export directory declares %d functions / %d names", numFuncs, numNames)
	}
	p.ExportedFuncs = numFuncs
	if numNames == 0 {
		return nil
	}

	names, ok := p.rvaToOffset(namesRVA)
	if !ok || !p.data.inRange(names, uint64(numNames)*4) {
		p.anomaly("export name table of %d entries unmapped", numNames)
		return nil
	}
	p.Exports = make([]string, 0, numNames)
	nameBytes := 0
	for i := uint64(0); i < uint64(numNames); i++ {
		if err := b.spend(1); err != nil {
			return err
		}
		rva, _ := p.data.u32(names + i*4)
		noff, ok := p.rvaToOffset(rva)
		if !ok {
			continue
		}
		if name, ok := p.data.cstring(noff, MaxSymbolNameLength); ok && name != "" {
			nameBytes += len(name)
			if nameBytes > MaxSymbolBytes {
				return malformed(names, "export names exceed %d bytes", MaxSymbolBytes)
			}
			p.Exports = append(p.Exports, name)
		}
	}
	return nil
}

func (p *ParsedBinary) parseDebug(b *budget) error {
	dir, ok := p.Directory(pe.IMAGE_DIRECTORY_ENTRY_DEBUG)
	if !ok {
		return nil
	}
	n := uint64(dir.Size) / debugEntrySize
	if n > MaxDebugEntries {
		return malformedNoOffset("debug directory declares %d entries", n)
	}
	off, ok := p.rvaToOffset(dir.VirtualAddress)
	if !ok || !p.data.inRange(off, n*debugEntrySize) {
		p.anomaly("debug directory rva 0x%x unmapped", dir.VirtualAddress)
		return nil
	}
	for i := uint64(0); i < n; i++ {
		if err := b.spend(1); err != nil {
			return err
		}
		e := off + i*debugEntrySize
		var de DebugEntry
		de.Type, _ = p.data.u32(e + 12)
		de.SizeOfData, _ = p.data.u32(e + 16)
		de.AddressOfRawData, _ = p.data.u32(e + 20)
		de.PointerToRawData, _ = p.data.u32(e + 24)
		p.Debug = append(p.Debug, de)
	}
	return nil
}

func (p *ParsedBinary) parseResources(b *budget) error {
	dir, ok := p.Directory(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	if !ok {
		return nil
	}
	off, ok := p.rvaToOffset(dir.VirtualAddress)
	if !ok {
		p.anomaly("resource directory rva 0x%x unmapped", dir.VirtualAddress)
		return nil
	}
	size := uint64(dir.Size)
	if avail := uint64(len(p.data)) - off; size > avail {
		size = avail
	}
	data, _ := p.data.slice(off, size)
	if len(data) < resourceDirSize {
		p.anomaly("resource directory truncated")
		return nil
	}

	w := resourceWalker{data: byteView(data), budget: b, visited: make(map[uint32]struct{}, 64)}
	leaves, err := w.walk(0, 0)
	if err != nil {
		return err
	}
	p.ResourceDirs = w.dirs
	p.ResourceLeafs = leaves
	return nil
}

type resourceWalker struct {
	data    byteView
	budget  *budget
	visited map[uint32]struct{}
	dirs    int
}

const (
	entryIsDirectory = 0x80000000
	offsetMask       = 0x7fffffff
)

func (w *resourceWalker) walk(dirOff uint32, depth int) (int, error) {
	if depth > MaxResourceDepth {
		return 0, malformedNoOffset("resource tree deeper than %d levels", MaxResourceDepth)
	}
	if w.dirs >= MaxResourceDirs {
		return 0, malformedNoOffset("resource tree has more than %d directories", MaxResourceDirs)
	}
	if !w.data.inRange(uint64(dirOff), resourceDirSize) {
		return 0, nil
	}
	if _, ok := w.visited[dirOff]; ok {
		return 0, nil
	}
	w.visited[dirOff] = struct{}{}
	w.dirs++

	nNamed, _ := w.data.u16(uint64(dirOff) + 12)
	nIDs, _ := w.data.u16(uint64(dirOff) + 14)
	n := uint64(nNamed) + uint64(nIDs)

	entries := uint64(dirOff) + resourceDirSize
	if room := (uint64(len(w.data)) - entries) / resourceEntrySize; n > room {
		n = room
	}

	leaves := 0
	for i := uint64(0); i < n; i++ {
		if err := w.budget.spend(1); err != nil {
			return 0, err
		}
		target, _ := w.data.u32(entries + i*resourceEntrySize + 4)
		if target&entryIsDirectory != 0 {
			sub, err := w.walk(target&offsetMask, depth+1)
			if err != nil {
				return 0, err
			}
			leaves += sub
			continue
		}
		if w.data.inRange(uint64(target&offsetMask), resourceDirSize) {
			leaves++
		}
	}
	return leaves, nil
}

// parseCertificate reads the WIN_CERTIFICATE header. The security directory
// holds a file offset, not an RVA.
func (p *ParsedBinary) parseCertificate() {
	dir, ok := p.Directory(pe.IMAGE_DIRECTORY_ENTRY_SECURITY)
	if !ok {
		return
	}
	off := uint64(dir.VirtualAddress)
	if !p.data.inRange(off, uint64(dir.Size)) || dir.Size < winCertHeaderSize {
		p.anomaly("certificate table [0x%x+0x%x] outside file", dir.VirtualAddress, dir.Size)
		return
	}
	c := &Certificate{Offset: dir.VirtualAddress, Length: dir.Size}
	length, _ := p.data.u32(off)
	c.Revision, _ = p.data.u16(off + 4)
	c.Type, _ = p.data.u16(off + 6)
	if length < winCertHeaderSize || length > dir.Size {
		p.anomaly("certificate length %d inconsistent with directory size %d", length, dir.Size)
		return
	}
	p.Certificate = c
}
