package engine

import "github.com/rashkobg/hexloader/internal/hexenc"

// lineAt returns the line byte at i, or 0 past the end. The decode path may
// index past a short or truncated line; treating the missing characters as
// zero keeps the permissive hex parsing consistent and lets the checksum
// reject the record.
func lineAt(line []byte, i int) byte {
	if i < len(line) {
		return line[i]
	}
	return 0
}

func lineByteAt(line []byte, i int) byte {
	return hexenc.ParseNibble(lineAt(line, i))<<4 | hexenc.ParseNibble(lineAt(line, i+1))
}

func lineWordAt(line []byte, i int) uint16 {
	return uint16(lineByteAt(line, i))<<8 | uint16(lineByteAt(line, i+2))
}

// flashHexLine decodes one Intel-HEX record from the line buffer and either
// stages its bytes for flashing or verifies them against flash, depending on
// mode. Record layout: ':' count(2) address(4) type(2) data(2*count)
// checksum(2), most-significant digit first throughout.
func (b *Bootloader) flashHexLine(mode Mode) Status {
	line := b.line
	pageSize := uint16(b.dev.PageSize())

	count := lineByteAt(line, 1)
	address := lineWordAt(line, 3)
	recordType := lineByteAt(line, 7)

	if recordType == recData && !b.addressValid(address) {
		return StatusError
	}

	checksum := count + byte(address) + byte(address>>8) + recordType

	for i := 0; i < int(count); i++ {
		v := lineByteAt(line, 9+i*2)
		a := address + uint16(i)

		if recordType != recData {
			// Bytes of uninterpreted record types only feed the checksum.
		} else if mode == ModeFlash {
			if a/pageSize != b.currentPage {
				// Crossed into a new page: the staged one is complete.
				b.writeCurrentPage()
				b.newPage()
				b.currentPage = a / pageSize
			}
			b.page[a%pageSize] = v
		} else {
			if b.dev.ReadByte(a) != v {
				b.u.SendString("\r\nHex and flash mismatch:\r\n")
				b.dumpLine()
				b.pointOutError(9+i*2, 2)
				return StatusError
			}
		}
		checksum += v
	}

	checksum += lineByteAt(line, 9+int(count)*2)
	if checksum != 0 {
		b.u.SendString("\r\nChecksum error in line:\r\n")
		b.dumpLine()
		return StatusError
	}

	switch recordType {
	case recEOF:
		if mode == ModeFlash {
			// Flush the partially filled staged page and make the
			// written region readable again for the verify pass.
			b.writeCurrentPage()
			b.dev.RWWEnable()
			b.newPage()
			b.currentPage = 0
			b.lastAddr = noAddr
		}
		return StatusOK

	case recData:
		if mode == ModeFlash {
			b.u.SendString("\rFlashed: ")
		} else {
			b.u.SendString("\rVerified: ")
		}
		b.u.SendDec(uint32(address) + uint32(count))
		b.lastAddr = address + uint16(count) - 1
		return StatusInProgress

	default:
		// Other record types pass checksum validation but are not
		// interpreted and do not move the address tracking state.
		if b.lastAddr == noAddr {
			return StatusWaiting
		}
		return StatusInProgress
	}
}

// addressValid enforces the image layout rules: the first data record must
// start at address 0 and later records must not regress below the last
// processed end address. The address field sits at columns 3-6 of the line.
func (b *Bootloader) addressValid(address uint16) bool {
	if b.lastAddr == noAddr && address != 0 {
		b.u.SendString("\r\nFirst address must be 0:\r\n")
		b.dumpLine()
		b.pointOutError(3, 4)
		return false
	}
	if b.lastAddr != noAddr && address < b.lastAddr {
		b.u.SendString("\r\nAddresses must be increasing:\r\n")
		b.dumpLine()
		b.pointOutError(3, 4)
		return false
	}
	return true
}

// dumpLine echoes the offending line back.
func (b *Bootloader) dumpLine() {
	for _, c := range b.line {
		b.u.SendByte(c)
	}
	b.u.SendString("\r\n")
}

// pointOutError prints carets under the offending field of the line echoed
// just above.
func (b *Bootloader) pointOutError(col, carets int) {
	for i := 0; i < col; i++ {
		b.u.SendByte(' ')
	}
	for i := 0; i < carets; i++ {
		b.u.SendByte('^')
	}
	b.u.SendString("\r\n")
}
