package image

import (
	"encoding/binary"

	"github.com/snksoft/crc"
)

func crcBlock(data []byte) uint32 {
	return uint32(crc.CalculateCRC(crc.CRC32, data))
}

func crcWriteCheck(slice []byte, value uint32, valid bool, doWrite bool) bool {
	if len(slice) < 4 {
		panic("slice length invalid")
	}

	orig := binary.BigEndian.Uint32(slice)
	if doWrite {
		binary.BigEndian.PutUint32(slice, value)
	}
	return orig == value && valid
}
