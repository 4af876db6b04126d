package bus

import (
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Frame format used to carry transactions over a byte stream:
//
//	host:   [0xA5] [len(out)] [len(in)] [out...]
//	device: [0x5A] [in...]
//
// A transaction moves at most 255 bytes each way, far beyond anything
// the protocol needs.
const (
	frameRequest = 0xA5
	frameReply   = 0x5A
)

var errFrame = errors.New("bus: framing error")

// Open opens a serial port with the fixed link settings (115200 8N1) and
// returns a master talking through it.
func Open(port string) (Master, func() error, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, nil, err
	}

	return Remote(p), p.Close, nil
}

// Remote returns a master that frames transactions over rw.
func Remote(rw io.ReadWriter) Master {
	return func(out, in []byte) error {
		if len(out) > 255 || len(in) > 255 {
			return errors.New("bus: transaction too long")
		}

		req := make([]byte, 0, 3+len(out))
		req = append(req, frameRequest, byte(len(out)), byte(len(in)))
		req = append(req, out...)

		if _, err := rw.Write(req); err != nil {
			return err
		}

		var hdr [1]byte
		if _, err := io.ReadFull(rw, hdr[:]); err != nil {
			return err
		}
		if hdr[0] != frameReply {
			return fmt.Errorf("%w: reply byte %#02x", errFrame, hdr[0])
		}

		_, err := io.ReadFull(rw, in)
		return err
	}
}

// Serve answers framed transactions on rw with the given device until a
// read fails (port closed) or a framing error is seen. Device errors are
// reported through onErr when set; the device itself stays silent on the
// bus, matching a bootloader that does not acknowledge while firmware is
// running.
func Serve(rw io.ReadWriter, e Exchanger, onErr func(error)) error {
	for {
		var hdr [3]byte
		if _, err := io.ReadFull(rw, hdr[:]); err != nil {
			return err
		}
		if hdr[0] != frameRequest {
			return fmt.Errorf("%w: request byte %#02x", errFrame, hdr[0])
		}

		out := make([]byte, hdr[1])
		in := make([]byte, hdr[2])
		if _, err := io.ReadFull(rw, out); err != nil {
			return err
		}

		if err := e.Exchange(out, in); err != nil {
			if onErr != nil {
				onErr(err)
			}
			// Idle bus: the reply carries 0xFF for every byte.
			for i := range in {
				in[i] = 0xFF
			}
		}

		reply := make([]byte, 0, 1+len(in))
		reply = append(reply, frameReply)
		reply = append(reply, in...)
		if _, err := rw.Write(reply); err != nil {
			return err
		}
	}
}
