package host

import (
	"errors"
	"fmt"

	"github.com/embryte/smcboot/device"
)

var (
	ErrSizeMismatch = errors.New("host: device reports wrong packet size")
	ErrChecksum     = errors.New("host: device reports bad checksum")
	ErrProtected    = errors.New("host: write would hit the bootloader area")
	ErrVerify       = errors.New("host: read-back does not match")
	ErrTooOld       = errors.New("host: bootloader too old for this operation")
)

// statusErr maps a commit status byte to an error; nil for OK. Unknown
// status values (including the reserved 4) map to a generic error so a
// newer bootloader does not wedge an old host in retry loops.
func statusErr(status byte) error {
	switch status {
	case device.StatusOK:
		return nil
	case device.StatusSizeErr:
		return ErrSizeMismatch
	case device.StatusSumErr:
		return ErrChecksum
	case device.StatusProtected:
		return ErrProtected
	}
	return fmt.Errorf("host: commit status %d", status)
}
