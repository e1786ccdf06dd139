package engine

const helpText = " q\treboot to app\r\n" +
	" r\treboot to bootloader\r\n" +
	" d\tdump flash in hex format\r\n" +
	" esc\tabort current command\r\n"

// runCommand dispatches a non-hex line on its first character. Unrecognized
// input is non-fatal: a one-line hint and a fresh prompt.
func (b *Bootloader) runCommand() error {
	var c byte
	if len(b.line) > 0 {
		c = b.line[0]
	}
	switch c {
	case 'q':
		return b.rebootToApp()
	case 'r':
		return b.rebootToBootloader("requested")
	case 'd':
		b.dumpFlash()
		b.prompt()
	case 'h':
		b.u.SendString(helpText)
		b.prompt()
	case 0:
		b.prompt()
	default:
		b.u.SendString("'h' for help\r\n")
		b.prompt()
	}
	return nil
}

// dumpFlash re-encodes the entire flash contents as Intel-HEX, 16 data
// bytes per record, closed by an end-of-file record.
func (b *Bootloader) dumpFlash() {
	var checksum byte
	for address := 0; address < b.dev.Size(); address++ {
		a := uint16(address)
		if address%16 == 0 {
			b.u.SendString("\r\n:10")
			b.u.SendHexWord(a)
			b.u.SendHexByte(0)
			checksum = -(0x10 + byte(a>>8) + byte(a))
		}
		v := b.dev.ReadByte(a)
		b.u.SendHexByte(v)
		checksum -= v
		if address%16 == 15 {
			b.u.SendHexByte(checksum)
		}
	}
	b.u.SendString("\r\n:00000001FF\r\n")
}
