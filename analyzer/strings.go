package analyzer

import (
	"errors"
	"regexp"
)

const (
	MinStringLength = 4
	MaxStringLength = 4096

	// scanChunk raw bytes cost one budget step; visited text costs one step
	// per stringStepBytes on top of that.
	scanChunk       = 4096
	stringStepBytes = 64
)

var errStringLimit = errors.New("string scan limit reached")

var (
	urlPattern      = regexp.MustCompile(`https?://[a-zA-Z0-9\-\.]+\.[a-zA-Z]{2,}`)
	ipPattern       = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)
	regPattern      = regexp.MustCompile(`(?i)HKEY_[A-Z_]+\\[\\a-zA-Z0-9_\-]+`)
	ransomPattern   = regexp.MustCompile(`(?i)(your (?:files|documents|data|network).{0,24}(?:encrypted|locked)|decrypt(?:ion|or)? (?:key|tool|software|service)|pay.{0,24}(?:bitcoin|btc|monero|xmr|ransom)|tor browser|\.onion\b|recover your files|ransom)`)
	shadowPattern   = regexp.MustCompile(`(?i)(vssadmin(?:\.exe)?\s+delete\s+shadows|wmic(?:\.exe)?\s+shadowcopy\s+delete|wbadmin(?:\.exe)?\s+delete\s+(?:catalog|systemstatebackup)|bcdedit(?:\.exe)?\s*/set.{0,40}recoveryenabled\s+no|delete\s+shadows)`)
	base58Candidate = regexp.MustCompile(`\b[13][1-9A-HJ-NP-Za-km-z]{25,34}\b`)
	bech32Candidate = regexp.MustCompile(`\b(?:bc1|BC1)[02-9ac-hj-np-zAC-HJ-NP-Z]{11,71}\b`)
	ethCandidate    = regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`)
)

type stringStats struct {
	printable   int
	urls        int
	ips         int
	registry    int
	ransomNotes int
	shadowCopy  int

	// Distinct addresses; a note repeated across resources counts once.
	bitcoin  map[string]struct{}
	ethereum map[string]struct{}
}

func newStringStats() *stringStats {
	return &stringStats{
		bitcoin:  make(map[string]struct{}),
		ethereum: make(map[string]struct{}),
	}
}

func (st *stringStats) observe(s string) {
	st.printable++
	st.urls += len(urlPattern.FindAllStringIndex(s, -1))
	st.ips += len(ipPattern.FindAllStringIndex(s, -1))
	st.registry += len(regPattern.FindAllStringIndex(s, -1))
	st.ransomNotes += len(ransomPattern.FindAllStringIndex(s, -1))
	st.shadowCopy += len(shadowPattern.FindAllStringIndex(s, -1))

	for _, c := range base58Candidate.FindAllString(s, -1) {
		if validBase58Address(c) {
			st.bitcoin[c] = struct{}{}
		}
	}
	for _, c := range bech32Candidate.FindAllString(s, -1) {
		if validSegwitAddress(c) {
			st.bitcoin[toLowerASCII(c)] = struct{}{}
		}
	}
	for _, c := range ethCandidate.FindAllString(s, -1) {
		if validEIP55Address(c) {
			st.ethereum[c] = struct{}{}
		}
	}
}

func isPrintable(c byte) bool { return c >= ' ' && c <= '~' }

// scanStrings visits every printable ASCII run and every UTF-16LE run of
// printable ASCII code units, each at least MinStringLength long. Runs longer
// than MaxStringLength are cut into MaxStringLength pieces. Work is charged to
// b, and the scan stops with errStringLimit once more than maxBytes of text
// would have been visited.
func scanStrings(data []byte, b *budget, maxBytes int64, visit func(string)) error {
	var visited int64
	emit := func(s []byte) error {
		visited += int64(len(s))
		if visited > maxBytes {
			return errStringLimit
		}
		if err := b.spend(1 + len(s)/stringStepBytes); err != nil {
			return err
		}
		visit(string(s))
		return nil
	}

	start := -1
	for i, c := range data {
		if i%scanChunk == 0 {
			if err := b.spend(1); err != nil {
				return err
			}
		}
		if isPrintable(c) {
			if start < 0 {
				start = i
			}
			if i-start+1 == MaxStringLength {
				if err := emit(data[start : i+1]); err != nil {
					return err
				}
				start = -1
			}
			continue
		}
		if start >= 0 && i-start >= MinStringLength {
			if err := emit(data[start:i]); err != nil {
				return err
			}
		}
		start = -1
	}
	if start >= 0 && len(data)-start >= MinStringLength {
		if err := emit(data[start:]); err != nil {
			return err
		}
	}

	for align := 0; align < 2; align++ {
		buf := make([]byte, 0, 64)
		for i := align; i+1 < len(data); i += 2 {
			if (i-align)%scanChunk == 0 {
				if err := b.spend(1); err != nil {
					return err
				}
			}
			if isPrintable(data[i]) && data[i+1] == 0 {
				buf = append(buf, data[i])
				if len(buf) == MaxStringLength {
					if err := emit(buf); err != nil {
						return err
					}
					buf = buf[:0]
				}
				continue
			}
			if len(buf) >= MinStringLength {
				if err := emit(buf); err != nil {
					return err
				}
			}
			buf = buf[:0]
		}
		if len(buf) >= MinStringLength {
			if err := emit(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
