package analyzer

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// Kind is a coarse container guess made from magic bytes alone. It is used to
// explain why a non-PE upload was rejected; only KindPE is ever parsed.
type Kind int

const (
	KindUnknown Kind = iota
	KindPE
	KindELF
	KindMachO
	KindZip
)

func (k Kind) String() string {
	switch k {
	case KindPE:
		return "pe"
	case KindELF:
		return "elf"
	case KindMachO:
		return "macho"
	case KindZip:
		return "zip"
	default:
		return "unknown"
	}
}

// Sniff classifies data by magic bytes without parsing it.
func Sniff(data []byte) Kind {
	switch {
	case looksPE(data):
		return KindPE
	case bytes.HasPrefix(data, []byte{0x7f, 'E', 'L', 'F'}):
		return KindELF
	case looksMachO(data):
		return KindMachO
	case bytes.HasPrefix(data, []byte{'P', 'K', 0x03, 0x04}),
		bytes.HasPrefix(data, []byte{'P', 'K', 0x05, 0x06}),
		bytes.HasPrefix(data, []byte{'P', 'K', 0x07, 0x08}):
		return KindZip
	}
	return KindUnknown
}

func looksPE(data []byte) bool {
	if len(data) < MinPESize || data[0] != 'M' || data[1] != 'Z' {
		return false
	}
	e := uint64(binary.LittleEndian.Uint32(data[0x3c:]))
	sig, ok := byteView(data).slice(e, 4)
	return ok && bytes.Equal(sig, []byte{'P', 'E', 0, 0})
}

func looksMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch binary.BigEndian.Uint32(data) {
	case 0xFEEDFACE, 0xFEEDFACF, 0xCAFEBABE, 0xCAFEBABF:
		return true
	}
	switch binary.LittleEndian.Uint32(data) {
	case 0xCEFAEDFE, 0xCFFAEDFE, 0xBEBAFECA, 0xBFBAFECA:
		return true
	}
	return false
}

// ReadFile loads path fully into memory, refusing anything above maxSize.
func ReadFile(path string, maxSize int64) ([]byte, error) {
	if path == "" {
		return nil, errors.New("empty filepath provided")
	}
	if maxSize <= 0 {
		maxSize = MaxFileSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if st.Size() > maxSize {
		return nil, &MalformedBinaryError{Reason: fmt.Sprintf("file is %d bytes (max %d)", st.Size(), maxSize), Offset: -1, Err: ErrTooLarge}
	}
	return ReadLimited(f, maxSize)
}

// ReadLimited reads r to EOF, failing with ErrTooLarge past maxSize bytes.
func ReadLimited(r io.Reader, maxSize int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, &MalformedBinaryError{Reason: fmt.Sprintf("input exceeds %d bytes", maxSize), Offset: -1, Err: ErrTooLarge}
	}
	return data, nil
}

// SHA256 returns the lowercase hex digest of data.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
