package analyzer

import (
	"bytes"
	"crypto/sha256"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Payment address validation. A candidate only counts when its checksum
// verifies, which keeps random high-entropy byte runs from matching.

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(base58Alphabet); i++ {
		idx[base58Alphabet[i]] = int8(i)
	}
	return idx
}()

func base58Decode(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	// Big-endian base-256 accumulator; input length is capped by the
	// candidate regexp so this stays tiny.
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		v := base58Index[s[i]]
		if v < 0 {
			return nil, false
		}
		carry := int(v)
		for j := len(out) - 1; j >= 0; j-- {
			carry += int(out[j]) * 58
			out[j] = byte(carry)
			carry >>= 8
		}
		for carry > 0 {
			out = append([]byte{byte(carry)}, out...)
			carry >>= 8
		}
	}
	zeros := 0
	for zeros < len(s) && s[zeros] == '1' {
		zeros++
	}
	return append(make([]byte, zeros), out...), true
}

// validBase58Address accepts Base58Check P2PKH (version 0x00) and P2SH
// (version 0x05) mainnet addresses.
func validBase58Address(s string) bool {
	raw, ok := base58Decode(s)
	if !ok || len(raw) != 25 {
		return false
	}
	if raw[0] != 0x00 && raw[0] != 0x05 {
		return false
	}
	first := sha256.Sum256(raw[:21])
	second := sha256.Sum256(first[:])
	return bytes.Equal(second[:4], raw[21:])
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

const (
	bech32Const  = 1
	bech32mConst = 0x2bc830a3
)

func bech32Polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HRPExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]&31)
	}
	return out
}

func convertBits(data []byte, from, to uint, pad bool) ([]byte, bool) {
	acc, bits := uint32(0), uint(0)
	maxv := uint32(1)<<to - 1
	var out []byte
	for _, v := range data {
		if uint32(v)>>from != 0 {
			return nil, false
		}
		acc = acc<<from | uint32(v)
		bits += from
		for bits >= to {
			bits -= to
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(to-bits)&maxv))
		}
	} else if bits >= from || acc<<(to-bits)&maxv != 0 {
		return nil, false
	}
	return out, true
}

// validSegwitAddress checks a mainnet "bc1" segwit address per BIP-173
// (witness v0, bech32) and BIP-350 (witness v1+, bech32m).
func validSegwitAddress(s string) bool {
	if strings.ToLower(s) != s && strings.ToUpper(s) != s {
		return false
	}
	s = strings.ToLower(s)
	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || sep+7 > len(s) || len(s) > 90 {
		return false
	}
	hrp := s[:sep]
	if hrp != "bc" {
		return false
	}
	data := make([]byte, 0, len(s)-sep-1)
	for i := sep + 1; i < len(s); i++ {
		v := strings.IndexByte(bech32Charset, s[i])
		if v < 0 {
			return false
		}
		data = append(data, byte(v))
	}
	check := bech32Polymod(append(bech32HRPExpand(hrp), data...))
	if check != bech32Const && check != bech32mConst {
		return false
	}

	payload := data[:len(data)-6]
	if len(payload) < 1 {
		return false
	}
	version := payload[0]
	if version > 16 {
		return false
	}
	program, ok := convertBits(payload[1:], 5, 8, false)
	if !ok || len(program) < 2 || len(program) > 40 {
		return false
	}
	if version == 0 {
		return check == bech32Const && (len(program) == 20 || len(program) == 32)
	}
	return check == bech32mConst
}

// validEIP55Address accepts an Ethereum address only when it is mixed case
// and the case pattern matches its EIP-55 Keccak-256 checksum. Single-case
// hex strings carry no checksum and are too easily produced by hashes.
func validEIP55Address(s string) bool {
	if len(s) != 42 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	hexPart := s[2:]
	lower := strings.ToLower(hexPart)
	if hexPart == lower || hexPart == strings.ToUpper(hexPart) {
		return false
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	sum := h.Sum(nil)
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		if c >= '0' && c <= '9' {
			continue
		}
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		upper := c >= 'A' && c <= 'F'
		if (nibble&0xf >= 8) != upper {
			return false
		}
	}
	return true
}
