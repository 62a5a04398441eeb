package analysis

import "bytes"

// Sample formats recognized by triage. Detection is by leading magic bytes
// only; a mismatch against the declared format is recorded, not fatal.
const (
	FormatPE      = "pe"
	FormatELF     = "elf"
	FormatMachO   = "macho"
	FormatPDF     = "pdf"
	FormatZIP     = "zip"
	FormatScript  = "script"
	FormatUnknown = "unknown"
)

var machoMagics = [][]byte{
	{0xfe, 0xed, 0xfa, 0xce},
	{0xfe, 0xed, 0xfa, 0xcf},
	{0xcf, 0xfa, 0xed, 0xfe},
	{0xce, 0xfa, 0xed, 0xfe},
}

// DetectFormat classifies content by magic bytes.
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return FormatUnknown
	}
	switch {
	case data[0] == 'M' && data[1] == 'Z':
		return FormatPE
	case bytes.HasPrefix(data, []byte{0x7f, 'E', 'L', 'F'}):
		return FormatELF
	case bytes.HasPrefix(data, []byte("%PDF")):
		return FormatPDF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")), bytes.HasPrefix(data, []byte("PK\x05\x06")):
		return FormatZIP
	case bytes.HasPrefix(data, []byte("#!")):
		return FormatScript
	}
	for _, m := range machoMagics {
		if bytes.HasPrefix(data, m) {
			return FormatMachO
		}
	}
	return FormatUnknown
}

// HasExecutableSurface reports whether a format can be detonated usefully.
// Triage skips the dynamic stage for formats without one.
func HasExecutableSurface(format string) bool {
	switch format {
	case FormatPE, FormatELF, FormatMachO, FormatScript:
		return true
	default:
		return false
	}
}
