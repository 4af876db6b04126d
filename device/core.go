package device

import (
	"github.com/embryte/smcboot/nvm"
)

// core holds the whole mutable state of one update session: the packet
// being assembled, the page accumulator, and the target address cursor.
// It processes exactly one bus transaction at a time; the Device wrapper
// provides the locking.
type core struct {
	flash *nvm.Flash

	// Current transaction.
	opcode  byte
	haveOp  bool
	readIdx int

	// Commit status is computed once per transaction, repeated reads
	// see the same byte.
	commitDone   bool
	commitStatus byte

	// Packet assembler.
	pkt      [PacketSize]byte
	pktCount int

	// Page accumulator and transfer state.
	page    [PageSize]byte
	fill    int
	commits int
	target  uint16

	rebootReq bool
	fault     error
}

// start marks a new transaction boundary. Packet and page state carry
// over; only per-transaction bookkeeping is cleared.
func (c *core) start() {
	c.haveOp = false
	c.readIdx = 0
	c.commitDone = false
}

// write handles one host-to-device byte. The first byte of a transaction
// selects the command, further bytes belong to it. Unknown opcodes are
// ignored without touching any state.
func (c *core) write(b byte) {
	if !c.haveOp {
		c.haveOp = true
		c.opcode = b

		switch b {
		case OpRewind:
			c.target = 0
		case OpReboot:
			c.flushPartial()
			c.rebootReq = true
		}
		return
	}

	if c.opcode == OpTransmit {
		if c.pktCount < PacketSize {
			c.pkt[c.pktCount] = b
		}
		c.pktCount++
	}
}

// read produces one device-to-host byte for the active command.
func (c *core) read() byte {
	switch c.opcode {
	case OpCommit:
		if !c.commitDone {
			c.commitStatus = c.commit()
			c.commitDone = true
		}
		return c.commitStatus

	case OpGetVersion:
		if c.readIdx > 1 {
			return busIdle
		}
		b := c.flash.ReadByte(uint16(VersionAddr + c.readIdx))
		c.readIdx++
		return b

	case OpReadFlash:
		b := c.flash.ReadByte(c.target)
		c.target++
		return b
	}

	return busIdle
}

// commit validates the assembled packet and, if it passes, hands the
// payload to the page accumulator. The packet is consumed either way.
func (c *core) commit() byte {
	n := c.pktCount
	c.pktCount = 0

	if n != PacketSize {
		return StatusSizeErr
	}

	var sum byte
	for _, b := range c.pkt {
		sum += b
	}
	if sum != 0 {
		return StatusSumErr
	}

	if int(c.target)+PayloadSize > FirmwareEnd {
		return StatusProtected
	}

	copy(c.page[int(c.target)%PageSize:], c.pkt[:PayloadSize])
	c.fill += PayloadSize
	c.commits++
	c.target += PayloadSize

	if c.fill >= PageSize {
		c.flushFull()
	}

	return StatusOK
}

// flushFull writes the completed page. The page holding the reset vector
// triggers the erase of the whole firmware area and the vector
// relocation before anything is programmed.
func (c *core) flushFull() {
	base := c.target - PageSize

	if base == 0 {
		c.eraseFirmware()
		relocatePage(&c.page)
	}

	if err := c.flash.Write(base, c.page[:]); err != nil {
		c.fault = err
	}
	c.fill = 0
}

// flushPartial writes whatever the accumulator holds, at its correct
// offset, leaving the rest of the page untouched in flash. Used by the
// reboot command only. Read-back and rewind move the shared cursor, so
// the computed base can be nonsense; such a buffer is dropped rather
// than ever writing outside the firmware area.
func (c *core) flushPartial() {
	if c.fill == 0 {
		return
	}

	base := c.target - uint16(c.fill)
	if int(base)+c.fill > FirmwareEnd {
		c.fill = 0
		return
	}

	if err := c.flash.Write(base, c.page[:c.fill]); err != nil {
		c.fault = err
	}
	c.fill = 0
}

// eraseFirmware erases the firmware area, last page first, so the page
// holding the reset vector is the last one to go. If power fails mid
// erase the vector still leads into code that reaches the bootloader
// entry.
func (c *core) eraseFirmware() {
	for a := FirmwareEnd - PageSize; ; a -= PageSize {
		if err := c.flash.ErasePage(uint16(a)); err != nil {
			c.fault = err
		}
		if a == 0 {
			break
		}
	}
}

// relocatePage patches the in-memory image of the first page: the
// firmware's reset vector moves to the EE_RDY slot and the reset vector
// becomes a jump to the bootloader entry. As soon as this page exists in
// flash, reset leads back to the bootloader.
func relocatePage(page *[PageSize]byte) {
	page[EEReadyVector] = page[0]
	page[EEReadyVector+1] = page[1]

	j := RelJump(ResetVector, BootEntry)
	page[0] = j[0]
	page[1] = j[1]
}
