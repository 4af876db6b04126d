// Package image loads firmware for the coprocessor's firmware area and
// implements the SMC1 container used to distribute it: a small header,
// the raw firmware, and a CRC32 trailer. The CRC is an integrity check
// on the file, nothing more.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"strings"

	"github.com/marcinbor85/gohex"

	"github.com/embryte/smcboot/device"
)

var (
	ErrorInvalidLength = errors.New("image length not valid")
	ErrorInvalidHeader = errors.New("header is not valid")
	ErrorInvalidCRC    = errors.New("CRC is not valid")
	ErrorTooLarge      = errors.New("firmware does not fit the firmware area")
)

var magic = []byte("SMC1")

const (
	headerSize  = 8
	trailerSize = 4
)

// Pad extends fw with 0xFF to a whole number of packet payloads, the unit
// the bus protocol transfers.
func Pad(fw []byte) []byte {
	rem := len(fw) % device.PayloadSize
	if rem == 0 {
		return fw
	}

	out := make([]byte, len(fw)+device.PayloadSize-rem)
	copy(out, fw)
	for i := len(fw); i < len(out); i++ {
		out[i] = 0xFF
	}
	return out
}

// Build wraps firmware in an SMC1 container.
func Build(fw []byte) ([]byte, error) {
	if len(fw) > device.FirmwareEnd {
		return nil, ErrorTooLarge
	}

	out := make([]byte, headerSize+len(fw)+trailerSize)
	copy(out, magic)
	binary.LittleEndian.PutUint16(out[4:], uint16(len(fw)))
	/* Bytes 6..7 are flags, zero in this version */
	copy(out[headerSize:], fw)

	crcWriteCheck(out[headerSize+len(fw):], crcBlock(out[:headerSize+len(fw)]), true, true)

	return out, nil
}

// Validate checks a container without modifying it.
func Validate(data []byte) error {
	if len(data) < headerSize+trailerSize {
		return ErrorInvalidLength
	}
	if !bytes.Equal(data[:4], magic) {
		return ErrorInvalidHeader
	}

	length := int(binary.LittleEndian.Uint16(data[4:]))
	if len(data) != headerSize+length+trailerSize {
		return ErrorInvalidLength
	}

	if !crcWriteCheck(data[headerSize+length:], crcBlock(data[:headerSize+length]), true, false) {
		return ErrorInvalidCRC
	}

	return nil
}

// Extract returns the firmware held by a container.
func Extract(data []byte) ([]byte, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	length := int(binary.LittleEndian.Uint16(data[4:]))
	return data[headerSize : headerSize+length], nil
}

// Load reads firmware from path. Intel HEX (.hex/.ihx) is decoded with
// undefined ranges filled with 0xFF, SMC1 containers (.smc) are unpacked
// and validated, anything else is taken as a raw binary. The result is
// padded to a whole number of payloads and checked against the firmware
// area size.
func Load(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fw []byte
	switch {
	case strings.HasSuffix(path, ".hex") || strings.HasSuffix(path, ".ihx"):
		fw, err = decodeHex(raw)
		if err != nil {
			return nil, err
		}
	case strings.HasSuffix(path, ".smc"):
		fw, err = Extract(raw)
		if err != nil {
			return nil, err
		}
	default:
		fw = raw
	}

	fw = Pad(fw)
	if len(fw) > device.FirmwareEnd {
		return nil, ErrorTooLarge
	}

	return fw, nil
}

// decodeHex flattens an Intel HEX file into the firmware area address
// space. Gaps read as erased flash.
func decodeHex(raw []byte) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	end := 0
	for _, seg := range mem.GetDataSegments() {
		segEnd := int(seg.Address) + len(seg.Data)
		if segEnd > device.FirmwareEnd {
			return nil, ErrorTooLarge
		}
		if segEnd > end {
			end = segEnd
		}
	}

	fw := make([]byte, end)
	for i := range fw {
		fw[i] = 0xFF
	}
	for _, seg := range mem.GetDataSegments() {
		copy(fw[seg.Address:], seg.Data)
	}

	return fw, nil
}
