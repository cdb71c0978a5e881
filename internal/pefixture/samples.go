package pefixture

// BenignSpec is a signed console program with a debug directory and only
// ordinary imports.
func BenignSpec() Spec {
	return Spec{
		MajorLinkerVersion: 14,
		MinorLinkerVersion: 29,
		Imports: []Import{
			{DLL: "KERNEL32.dll", Functions: []string{"GetStdHandle", "WriteFile", "ExitProcess"}},
		},
		DebugEntries:   1,
		ResourceLeaves: 2,
		Data:           []byte("Copyright (c) Example Corp\x00usage: tool [options]\x00"),
		Signature:      make([]byte, 256),
	}
}

// RansomNote is string data typical of a ransomware payload: a note, one
// valid Bitcoin and one valid EIP-55 address, a shadow copy wipe and an
// onion URL.
func RansomNote() []byte {
	var b []byte
	for _, s := range []string{
		"Your files are encrypted by us",
		"send 0.5 BTC to 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		"or to 0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"vssadmin delete shadows /all /quiet",
		"http://payment.example.onion",
	} {
		b = append(b, s...)
		b = append(b, 0)
	}
	return b
}

// RansomwareSpec is an unsigned image with no debug directory that imports
// crypto and file enumeration APIs and carries RansomNote.
func RansomwareSpec() Spec {
	return Spec{
		MajorLinkerVersion: 6,
		Imports: []Import{
			{DLL: "KERNEL32.dll", Functions: []string{"FindFirstFileW", "FindNextFileW", "ExitProcess"}},
			{DLL: "ADVAPI32.dll", Functions: []string{"CryptGenKey", "CryptEncrypt"}},
		},
		Data: RansomNote(),
	}
}
