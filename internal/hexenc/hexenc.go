// Package hexenc provides the ASCII-hex conversions used by the Intel-HEX
// decode path and the flash dump. All formatting is most-significant digit
// first; parsing is case-insensitive and maps non-hex input to zero.
package hexenc

// FormatNibble converts the low 4 bits of x to an uppercase hex digit.
func FormatNibble(x byte) byte {
	x &= 0x0F
	if x <= 9 {
		return x + '0'
	}
	return x + 'A' - 10
}

// FormatByte converts x to two hex digits, most-significant first.
func FormatByte(x byte) [2]byte {
	return [2]byte{FormatNibble(x >> 4), FormatNibble(x)}
}

// FormatWord converts x to four hex digits, most-significant first.
func FormatWord(x uint16) [4]byte {
	hi := FormatByte(byte(x >> 8))
	lo := FormatByte(byte(x))
	return [4]byte{hi[0], hi[1], lo[0], lo[1]}
}

// ParseNibble converts an ASCII hex digit to its value.
// Non-hex input decodes to 0; this leniency is deliberate.
func ParseNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

// ParseByte converts the first two bytes of s to a value between 0 and 255.
func ParseByte(s []byte) byte {
	return ParseNibble(s[0])<<4 | ParseNibble(s[1])
}

// ParseWord converts the first four bytes of s to a 16-bit value.
func ParseWord(s []byte) uint16 {
	return uint16(ParseByte(s))<<8 | uint16(ParseByte(s[2:]))
}
