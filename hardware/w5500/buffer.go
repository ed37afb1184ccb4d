package w5500

// Per socket TX and RX ring size, set at init.
const BufferSize = 2048

const bufferMask = BufferSize - 1

// Only low 11 bits of a pointer index the ring, full 16 bits keep counting.
// A transfer that crosses the end is split in two, second part from offset 0.
func (d *Driver) writeRing(block Block, ptr uint16, data []byte) error {
	off := ptr & bufferMask
	head := BufferSize - int(off)
	if head >= len(data) {
		return d.tr.WriteRegister(off, block, data)
	}
	if err := d.tr.WriteRegister(off, block, data[:head]); err != nil {
		return err
	}
	return d.tr.WriteRegister(0, block, data[head:])
}

func (d *Driver) readRing(block Block, ptr uint16, b []byte) error {
	off := ptr & bufferMask
	head := BufferSize - int(off)
	if head >= len(b) {
		return d.tr.ReadInto(off, block, b)
	}
	if err := d.tr.ReadInto(off, block, b[:head]); err != nil {
		return err
	}
	return d.tr.ReadInto(0, block, b[head:])
}
