// Package device implements the bootloader side of the update bus
// protocol: the command dispatcher, the packet checksum gate, the
// page-granularity flash programmer with its reset-vector relocation, and
// the boot decision that picks between update mode and the installed
// firmware at every reset.
package device

// Memory map. These addresses are a binary contract shared with the
// on-device firmware and must not move between bootloader versions.
const (
	FlashSize = 0x2000
	PageSize  = 64

	// FirmwareEnd is the first address of the bootloader area. The
	// protocol may never write at or past it.
	FirmwareEnd = 0x1E00

	ResetVector      = 0x0000
	EEReadyVector    = 0x0012
	BootEntry        = 0x1E00
	StartUpdateEntry = 0x1E02
	VersionAddr      = 0x1FFE
)

// Version is reported by OpGetVersion. Rewind and read-back exist from
// version 3 on.
const Version uint16 = 3

// Packet geometry: 8 payload bytes plus one checksum byte per packet.
const (
	PayloadSize = 8
	PacketSize  = PayloadSize + 1
)

// Bus opcodes, one per transaction.
const (
	OpTransmit   = 0x80 // host->device, one payload/checksum byte
	OpCommit     = 0x81 // device->host, one status byte
	OpReboot     = 0x82 // host->device, flush and reset
	OpGetVersion = 0x83 // device->host, two version bytes
	OpRewind     = 0x84 // host->device, target address to zero
	OpReadFlash  = 0x85 // device->host, one byte, post-increment
)

// Commit status codes. Status 4 is reserved and never produced, but hosts
// must tolerate seeing it from future versions.
const (
	StatusOK        = 1
	StatusSizeErr   = 2
	StatusSumErr    = 3
	StatusProtected = 5
)

// busIdle is what a read returns when no command produces data (open
// drain bus, released line reads high).
const busIdle = 0xFF

// Checksum returns the byte that makes the 9-byte packet sum to zero
// modulo 256.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return -sum
}

// RelJump encodes a relative jump from one byte address to another, little
// endian, as the coprocessor's instruction set expresses it
// (0xC000 | (words-1 & 0x0FFF)).
func RelJump(from, to uint16) [2]byte {
	k := (int(to)-int(from))/2 - 1
	op := 0xC000 | uint16(k)&0x0FFF
	return [2]byte{byte(op), byte(op >> 8)}
}

// Relocated returns a copy of fw with the vector relocation applied: the
// firmware's own reset vector moved to the EE_RDY slot and the reset
// vector replaced with a jump to the bootloader entry. This is the image
// a read-back sees after a completed update, so the host verifier uses it
// as its reference.
func Relocated(fw []byte) []byte {
	out := make([]byte, len(fw))
	copy(out, fw)

	if len(out) < EEReadyVector+2 {
		return out
	}

	out[EEReadyVector] = out[0]
	out[EEReadyVector+1] = out[1]

	j := RelJump(ResetVector, BootEntry)
	out[0] = j[0]
	out[1] = j[1]

	return out
}
