package analyzer

import (
	"context"
	"debug/pe"
	"errors"
	"math"
	"sort"
	"strings"
)

// RawFeatures maps feature names to extracted values. It may carry names the
// model schema does not know; those are ignored downstream.
type RawFeatures map[string]float64

// Sentinel values for features whose source structure is absent.
const (
	// SentinelUnmeasured marks entropy statistics that could not be computed
	// because no section (or no entry-point section) has raw data.
	SentinelUnmeasured = -1.0
	// SentinelAbsent is used for sizes, RVAs, counts and flags of directories
	// the image does not declare.
	SentinelAbsent = 0.0
)

const (
	scnMemExecute = 0x20000000
	scnMemWrite   = 0x80000000

	winCertTypePKCSSignedData = 0x0002
)

var suspiciousAPIList = []string{
	"VirtualAlloc", "VirtualAllocEx", "VirtualProtect", "VirtualProtectEx",
	"WriteProcessMemory", "ReadProcessMemory", "NtAllocateVirtualMemory",

	"CreateRemoteThread", "CreateRemoteThreadEx", "RtlCreateUserThread",
	"NtCreateThread", "NtCreateThreadEx", "QueueUserAPC", "NtQueueApcThread",
	"CreateProcess", "CreateProcessInternal", "ShellExecute", "ShellExecuteEx", "WinExec",
	"ResumeThread", "SuspendThread", "NtResumeThread", "NtSuspendThread",
	"TerminateProcess", "NtTerminateProcess",

	"SetWindowsHookEx", "SetThreadContext", "NtSetContextThread",
	"NtUnmapViewOfSection", "NtMapViewOfSection",

	"LoadLibrary", "LoadLibraryEx", "GetProcAddress", "LdrLoadDll",
	"LdrGetProcedureAddress",

	"RegSetValue", "RegSetValueEx", "RegCreateKey", "RegCreateKeyEx",
	"RegDeleteKey", "RegDeleteValue", "NtSetValueKey", "NtDeleteKey",

	"CreateService", "ControlService", "ChangeServiceConfig",

	"AdjustTokenPrivileges", "LookupPrivilegeValue", "OpenProcessToken",
}

var cryptoAPIList = []string{
	"CryptAcquireContext", "CryptGenKey", "CryptImportKey", "CryptExportKey",
	"CryptDeriveKey", "CryptEncrypt", "CryptDecrypt", "CryptGenRandom",
	"CryptCreateHash", "CryptHashData", "CryptDestroyKey", "CryptSetKeyParam",
	"CryptStringToBinary", "CryptBinaryToString",
	"BCryptOpenAlgorithmProvider", "BCryptGenerateSymmetricKey", "BCryptGenerateKeyPair",
	"BCryptImportKeyPair", "BCryptEncrypt", "BCryptDecrypt", "BCryptGenRandom",
	"BCryptSetProperty", "NCryptOpenStorageProvider", "NCryptEncrypt",
	"RtlEncryptMemory", "SystemFunction032", "SystemFunction036",
}

var fileEnumAPIList = []string{
	"FindFirstFile", "FindFirstFileEx", "FindNextFile", "FindFirstVolume", "FindNextVolume",
	"GetLogicalDrives", "GetLogicalDriveStrings", "GetDriveType", "GetVolumeInformation",
	"MoveFile", "MoveFileEx", "ReplaceFile", "SetFileAttributes", "DeleteFile",
	"NetShareEnum", "WNetOpenEnum", "WNetEnumResource",
}

var shadowCopyAPIList = []string{
	"CreateVssBackupComponents", "CreateVssBackupComponentsInternal",
	"VssFreeSnapshotProperties", "CoCreateInstance", "CoInitializeSecurity",
}

var antiDebugAPIList = []string{
	"IsDebuggerPresent", "CheckRemoteDebuggerPresent", "NtQueryInformationProcess",
	"OutputDebugString", "ZwSetInformationThread", "NtSetInformationThread",
	"GetTickCount", "QueryPerformanceCounter",
}

var networkAPIList = []string{
	"URLDownloadToFile", "InternetOpen", "InternetConnect", "InternetOpenUrl",
	"HttpSendRequest", "HttpOpenRequest", "WinHttpOpen", "WinHttpConnect",
	"WinHttpSendRequest", "WSAStartup", "send", "recv", "connect", "socket",
	"bind", "listen", "accept", "gethostbyname", "getaddrinfo",
}

func apiSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

var (
	suspiciousAPIs = apiSet(suspiciousAPIList)
	cryptoAPIs     = apiSet(cryptoAPIList)
	fileEnumAPIs   = apiSet(fileEnumAPIList)
	shadowAPIs     = apiSet(shadowCopyAPIList)
	antiDebugAPIs  = apiSet(antiDebugAPIList)
	networkAPIs    = apiSet(networkAPIList)
)

var packerSectionNames = []string{
	".upx", "upx", ".aspack", ".petite", ".mpress", ".nsp", ".packed", ".enigma",
	".themida", ".vmp", ".!packed", ".mzalv", ".iopacker", ".iohp",
}

// Extract derives the raw feature map from a parsed image. Structures the
// image lacks take the sentinels documented above. The string scan runs on
// what is left of the Parse deadline and step budget; running out of either
// is the only error, a *MalformedBinaryError wrapping ErrParseTimeout.
func Extract(ctx context.Context, p *ParsedBinary) (RawFeatures, error) {
	if !p.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, p.deadline)
		defer cancel()
	}
	b := newBudget(ctx, p.stepsLeft)

	f := make(RawFeatures, 96)
	extractHeader(p, f)
	extractDirectories(p, f)
	extractSections(p, f)
	extractImports(p, f)
	extractTrust(p, f)
	if err := extractStrings(p, b, f); err != nil {
		return nil, err
	}
	return f, nil
}

func extractHeader(p *ParsedBinary, f RawFeatures) {
	fh, oh := p.FileHeader, p.Optional
	f["Machine"] = float64(fh.Machine)
	f["Characteristics"] = float64(fh.Characteristics)
	f["TimeDateStamp"] = float64(fh.TimeDateStamp)
	f["NumberOfSections"] = float64(len(p.Sections))
	f["Subsystem"] = float64(oh.Subsystem)
	f["DllCharacteristics"] = float64(oh.DllCharacteristics)
	f["MajorLinkerVersion"] = float64(oh.MajorLinkerVersion)
	f["MinorLinkerVersion"] = float64(oh.MinorLinkerVersion)
	f["MajorOSVersion"] = float64(oh.MajorOperatingSystemVersion)
	f["MinorOSVersion"] = float64(oh.MinorOperatingSystemVersion)
	f["MajorImageVersion"] = float64(oh.MajorImageVersion)
	f["MinorImageVersion"] = float64(oh.MinorImageVersion)
	f["MajorSubsystemVersion"] = float64(oh.MajorSubsystemVersion)
	f["SizeOfCode"] = float64(oh.SizeOfCode)
	f["SizeOfInitializedData"] = float64(oh.SizeOfInitializedData)
	f["SizeOfImage"] = float64(oh.SizeOfImage)
	f["SizeOfHeaders"] = float64(oh.SizeOfHeaders)
	f["CheckSum"] = float64(oh.CheckSum)
	f["SizeOfStackReserve"] = float64(oh.SizeOfStackReserve)
	f["ImageBase"] = float64(oh.ImageBase)
	f["AddressOfEntryPoint"] = float64(oh.AddressOfEntryPoint)
	f["Is64Bit"] = boolFeature(p.Is64)
	f["IsDLL"] = boolFeature(fh.Characteristics&pe.IMAGE_FILE_DLL != 0)
	f["StructuralAnomalies"] = float64(len(p.Anomalies))
}

func extractDirectories(p *ParsedBinary, f RawFeatures) {
	dir := func(idx int, rvaName, sizeName string) {
		d, ok := p.Directory(idx)
		if !ok {
			f[rvaName], f[sizeName] = SentinelAbsent, SentinelAbsent
			return
		}
		f[rvaName], f[sizeName] = float64(d.VirtualAddress), float64(d.Size)
	}
	dir(pe.IMAGE_DIRECTORY_ENTRY_EXPORT, "ExportRVA", "ExportSize")
	dir(pe.IMAGE_DIRECTORY_ENTRY_IMPORT, "ImportRVA", "ImportSize")
	// "IatVRA" keeps the spelling used by the published training data.
	dir(pe.IMAGE_DIRECTORY_ENTRY_IAT, "IatVRA", "IatSize")
	dir(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE, "ResourceRVA", "ResourceSize")
	dir(pe.IMAGE_DIRECTORY_ENTRY_DEBUG, "DebugRVA", "DebugSize")

	tls, hasTLS := p.Directory(pe.IMAGE_DIRECTORY_ENTRY_TLS)
	f["TLSSize"] = SentinelAbsent
	if hasTLS {
		f["TLSSize"] = float64(tls.Size)
	}
	reloc, hasReloc := p.Directory(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	f["RelocationSize"] = SentinelAbsent
	if hasReloc {
		f["RelocationSize"] = float64(reloc.Size)
	}

	f["DebugEntries"] = float64(len(p.Debug))
	f["HasDebug"] = boolFeature(len(p.Debug) > 0)
	f["ResourceCount"] = float64(p.ResourceLeafs)
}

func extractSections(p *ParsedBinary, f RawFeatures) {
	var (
		entropies   []float64
		rawSizes    []float64
		virtSizes   []float64
		wx, packers int
	)
	ep := p.EntrySectionIndex()
	f["EntryPointSectionEntropy"] = SentinelUnmeasured

	for i, s := range p.Sections {
		if s.Characteristics&scnMemExecute != 0 && s.Characteristics&scnMemWrite != 0 {
			wx++
		}
		if isSuspiciousSectionName(s.Name) {
			packers++
		}
		rawSizes = append(rawSizes, float64(s.RawSize))
		virtSizes = append(virtSizes, float64(s.VirtualSize))

		data := p.SectionData(i)
		if len(data) == 0 {
			continue
		}
		ent := shannonEntropy(data)
		entropies = append(entropies, ent)
		if i == ep {
			f["EntryPointSectionEntropy"] = ent
		}
	}

	f["WritableExecutableSections"] = float64(wx)
	f["SuspiciousSectionNames"] = float64(packers)
	f["EntryPointInLastSection"] = boolFeature(ep >= 0 && ep == len(p.Sections)-1)
	f["FileEntropy"] = shannonEntropy(p.Bytes())

	if len(entropies) == 0 {
		f["SectionsMeanEntropy"] = SentinelUnmeasured
		f["SectionsMinEntropy"] = SentinelUnmeasured
		f["SectionsMaxEntropy"] = SentinelUnmeasured
		f["SectionsEntropyStdDev"] = SentinelUnmeasured
	} else {
		mean, std := meanStdDev(entropies)
		lo, hi := minMax(entropies)
		f["SectionsMeanEntropy"] = mean
		f["SectionsMinEntropy"] = lo
		f["SectionsMaxEntropy"] = hi
		f["SectionsEntropyStdDev"] = std
	}

	meanRaw, _ := meanStdDev(rawSizes)
	_, maxRaw := minMax(rawSizes)
	meanVirt, _ := meanStdDev(virtSizes)
	f["SectionsMeanRawSize"] = meanRaw
	f["SectionsMaxRawSize"] = maxRaw
	f["SectionsMeanVirtualSize"] = meanVirt
}

func isSuspiciousSectionName(name string) bool {
	lower := strings.ToLower(name)
	for _, sus := range packerSectionNames {
		if strings.Contains(lower, sus) {
			return true
		}
	}
	if len(name) > 0 && (name[0] < 'A' || name[0] > 'z') && name[0] != '.' {
		return true
	}
	return false
}

func extractImports(p *ParsedBinary, f RawFeatures) {
	var sus, crypto, enum, shadow, anti, network int
	for _, dll := range p.Imports {
		for _, fn := range dll.Functions {
			base := apiBaseName(fn)
			if _, ok := suspiciousAPIs[base]; ok {
				sus++
			}
			if _, ok := cryptoAPIs[base]; ok {
				crypto++
			}
			if _, ok := fileEnumAPIs[base]; ok {
				enum++
			}
			if _, ok := shadowAPIs[base]; ok {
				shadow++
			}
			if _, ok := antiDebugAPIs[base]; ok {
				anti++
			}
			if _, ok := networkAPIs[base]; ok {
				network++
			}
		}
	}
	f["ImportedDLLs"] = float64(len(p.Imports))
	f["ImportedFunctions"] = float64(p.ImportCount)
	f["ExportedFunctions"] = float64(len(p.Exports))
	f["SuspiciousAPIs"] = float64(sus)
	f["CryptoAPIs"] = float64(crypto)
	f["FileEnumerationAPIs"] = float64(enum)
	f["ShadowCopyAPIs"] = float64(shadow)
	f["AntiDebugAPIs"] = float64(anti)
	f["NetworkAPIs"] = float64(network)
}

// apiBaseName strips the ANSI/Unicode suffix so "FindFirstFileW" and
// "FindFirstFileA" both match "FindFirstFile".
func apiBaseName(fn string) string {
	n := len(fn)
	if n < 3 {
		return fn
	}
	last, prev := fn[n-1], fn[n-2]
	if (last == 'A' || last == 'W') && ((prev >= 'a' && prev <= 'z') || (prev >= '0' && prev <= '9')) {
		return fn[:n-1]
	}
	return fn
}

func extractTrust(p *ParsedBinary, f RawFeatures) {
	f["FileSize"] = float64(p.Size())
	f["HasSignature"] = SentinelAbsent
	f["SignatureSize"] = SentinelAbsent
	if c := p.Certificate; c != nil {
		f["HasSignature"] = boolFeature(c.Type == winCertTypePKCSSignedData)
		f["SignatureSize"] = float64(c.Length)
	}
	f["HasOverlay"] = boolFeature(p.OverlaySize > 0)
	f["OverlaySize"] = float64(p.OverlaySize)
	f["OverlayRatio"] = 0
	if p.Size() > 0 {
		f["OverlayRatio"] = float64(p.OverlaySize) / float64(p.Size())
	}
}

func extractStrings(p *ParsedBinary, b *budget, f RawFeatures) error {
	limit := p.maxStringBytes
	if limit <= 0 {
		limit = DefaultMaxStringBytes
	}
	st := newStringStats()
	switch err := scanStrings(p.Bytes(), b, limit, st.observe); {
	case errors.Is(err, errStringLimit):
		p.anomaly("string scan stopped after %d bytes", limit)
	case err != nil:
		return err
	}
	f["PrintableStrings"] = float64(st.printable)
	f["URLs"] = float64(st.urls)
	f["IPAddresses"] = float64(st.ips)
	f["RegistryKeys"] = float64(st.registry)
	f["RansomNoteStrings"] = float64(st.ransomNotes)
	f["ShadowCopyCommands"] = float64(st.shadowCopy)
	f["BitcoinAddresses"] = float64(len(st.bitcoin))
	f["EthereumAddresses"] = float64(len(st.ethereum))
	f["PaymentAddresses"] = float64(len(st.bitcoin) + len(st.ethereum))
	return nil
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func minMax(xs []float64) (lo, hi float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// Catalog lists every feature name Extract can produce, sorted.
func Catalog() []string {
	names := make([]string, 0, len(catalog))
	names = append(names, catalog...)
	sort.Strings(names)
	return names
}

var catalog = []string{
	"Machine", "Characteristics", "TimeDateStamp", "NumberOfSections", "Subsystem",
	"DllCharacteristics", "MajorLinkerVersion", "MinorLinkerVersion", "MajorOSVersion",
	"MinorOSVersion", "MajorImageVersion", "MinorImageVersion", "MajorSubsystemVersion",
	"SizeOfCode", "SizeOfInitializedData", "SizeOfImage", "SizeOfHeaders", "CheckSum",
	"SizeOfStackReserve", "ImageBase", "AddressOfEntryPoint", "Is64Bit", "IsDLL",
	"StructuralAnomalies",

	"ExportRVA", "ExportSize", "ImportRVA", "ImportSize", "IatVRA", "IatSize",
	"ResourceRVA", "ResourceSize", "DebugRVA", "DebugSize", "TLSSize", "RelocationSize",
	"DebugEntries", "HasDebug", "ResourceCount",

	"WritableExecutableSections", "SuspiciousSectionNames", "EntryPointInLastSection",
	"EntryPointSectionEntropy", "FileEntropy", "SectionsMeanEntropy", "SectionsMinEntropy",
	"SectionsMaxEntropy", "SectionsEntropyStdDev", "SectionsMeanRawSize",
	"SectionsMaxRawSize", "SectionsMeanVirtualSize",

	"ImportedDLLs", "ImportedFunctions", "ExportedFunctions", "SuspiciousAPIs",
	"CryptoAPIs", "FileEnumerationAPIs", "ShadowCopyAPIs", "AntiDebugAPIs", "NetworkAPIs",

	"FileSize", "HasSignature", "SignatureSize", "HasOverlay", "OverlaySize", "OverlayRatio",

	"PrintableStrings", "URLs", "IPAddresses", "RegistryKeys", "RansomNoteStrings",
	"ShadowCopyCommands", "BitcoinAddresses", "EthereumAddresses", "PaymentAddresses",
}
