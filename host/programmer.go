// Package host drives an update session from the host side: it cuts
// firmware into checksummed packets, feeds them over the bus, verifies
// the result by reading flash back, and reboots the device into the new
// firmware.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/embryte/smcboot/bus"
	"github.com/embryte/smcboot/device"
)

// Programmer sequences bootloader commands over a bus master.
type Programmer struct {
	bus bus.Master

	// Retries is how often a packet is retransmitted when the device
	// reports a checksum error before giving up.
	Retries int

	// Progress, when set, is called after every committed packet.
	Progress func(done, total int)

	LogFunc func(format string, params ...any)
}

func New(m bus.Master) *Programmer {
	return &Programmer{
		bus:     m,
		Retries: 3,
	}
}

func (p *Programmer) log(format string, params ...any) {
	if p.LogFunc != nil {
		p.LogFunc(format, params...)
	}
}

// Version reads the bootloader version field.
func (p *Programmer) Version() (uint16, error) {
	var v [2]byte
	if err := p.bus([]byte{device.OpGetVersion}, v[:]); err != nil {
		return 0, err
	}
	return uint16(v[0]) | uint16(v[1])<<8, nil
}

// Reboot flushes the device's page buffer and resets it.
func (p *Programmer) Reboot() error {
	return p.bus([]byte{device.OpReboot}, nil)
}

// Rewind moves the device's target address back to zero.
func (p *Programmer) Rewind() error {
	version, err := p.Version()
	if err != nil {
		return err
	}
	if version < 3 {
		return ErrTooOld
	}

	return p.bus([]byte{device.OpRewind}, nil)
}

// ReadFlash reads n bytes starting at the current target address.
func (p *Programmer) ReadFlash(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		if err := p.bus([]byte{device.OpReadFlash}, out[i:i+1]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// sendPacket transmits one payload byte by byte, appends the checksum,
// and commits. Only the commit status is interpreted.
func (p *Programmer) sendPacket(payload []byte) (byte, error) {
	for _, b := range payload {
		if err := p.bus([]byte{device.OpTransmit, b}, nil); err != nil {
			return 0, err
		}
	}
	if err := p.bus([]byte{device.OpTransmit, device.Checksum(payload)}, nil); err != nil {
		return 0, err
	}

	var status [1]byte
	if err := p.bus([]byte{device.OpCommit}, status[:]); err != nil {
		return 0, err
	}
	return status[0], nil
}

// Program writes fw, which must be a whole number of payloads, to the
// device. Checksum rejections are retried per packet; any other
// rejection aborts, leaving the device in update mode for another
// attempt from scratch.
func (p *Programmer) Program(ctx context.Context, fw []byte) error {
	if len(fw)%device.PayloadSize != 0 {
		return fmt.Errorf("host: firmware length %d is not a multiple of %d", len(fw), device.PayloadSize)
	}
	if len(fw) > device.FirmwareEnd {
		return fmt.Errorf("host: firmware length %d exceeds the firmware area", len(fw))
	}

	total := len(fw) / device.PayloadSize
	p.log("programming %d bytes in %d packets", len(fw), total)

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload := fw[i*device.PayloadSize : (i+1)*device.PayloadSize]

		var err error
		for attempt := 0; ; attempt++ {
			var status byte
			status, err = p.sendPacket(payload)
			if err != nil {
				return err
			}

			err = statusErr(status)
			if err == nil || !errors.Is(err, ErrChecksum) || attempt >= p.Retries {
				break
			}
			p.log("packet %d: checksum rejected, retrying", i)
		}
		if err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}

		if p.Progress != nil {
			p.Progress(i+1, total)
		}
	}

	return nil
}

// Verify reads the firmware area back and compares it against what a
// completed update of fw must look like, vector relocation included.
func (p *Programmer) Verify(fw []byte) error {
	if err := p.Rewind(); err != nil {
		return err
	}

	rb, err := p.ReadFlash(len(fw))
	if err != nil {
		return err
	}

	want := device.Relocated(fw)
	if !bytes.Equal(rb, want) {
		for i := range rb {
			if rb[i] != want[i] {
				return fmt.Errorf("%w: first difference at %#04x (%#02x != %#02x)", ErrVerify, i, rb[i], want[i])
			}
		}
		return ErrVerify
	}

	return nil
}

// Update is the whole procedure: probe, program, verify, reboot. The
// image is padded to whole pages so that everything reaches flash before
// the verification pass; only the reboot command flushes partial pages,
// and it takes the device out of update mode.
func (p *Programmer) Update(ctx context.Context, fw []byte, verify bool) error {
	version, err := p.Version()
	if err != nil {
		return err
	}
	p.log("bootloader version %d", version)
	if verify && version < 3 {
		return ErrTooOld
	}

	if rem := len(fw) % device.PageSize; rem != 0 {
		padded := make([]byte, len(fw)+device.PageSize-rem)
		copy(padded, fw)
		for i := len(fw); i < len(padded); i++ {
			padded[i] = 0xFF
		}
		fw = padded
	}

	if err := p.Program(ctx, fw); err != nil {
		return err
	}

	if verify {
		if err := p.Verify(fw); err != nil {
			return err
		}
	}

	return p.Reboot()
}
