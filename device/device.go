package device

import (
	"errors"
	"sync"

	"github.com/embryte/smcboot/nvm"
)

// ErrNotUpdating is returned by Exchange while the device is executing
// the installed firmware. On the physical bus the bootloader simply does
// not answer in that state.
var ErrNotUpdating = errors.New("device: not in update mode")

// Mode is what the boot controller decided at the last reset.
type Mode int

const (
	// ModeUpdate runs the command dispatcher loop.
	ModeUpdate Mode = iota
	// ModeFirmware handed control to the installed firmware via the
	// EE_RDY vector.
	ModeFirmware
)

func (m Mode) String() string {
	if m == ModeUpdate {
		return "update"
	}
	return "firmware"
}

// Config configures a simulated device.
type Config struct {
	// Flash backs the device. A blank one is created when nil.
	Flash *nvm.Flash

	// Recovery reads the physical recovery input at reset. Nil means
	// not asserted.
	Recovery func() bool
}

// Device is one simulated coprocessor: flash, protocol core and boot
// controller. The embedded lock serializes bus transactions around the
// (page buffer, target address, flash image) triple; flash erase and
// write run under it and are therefore never observed half done, the
// same way the real part masks bus interrupts for their duration.
type Device struct {
	mu sync.Mutex

	flash    *nvm.Flash
	core     core
	recovery func() bool

	mode   Mode
	resets int
}

func New(cfg Config) *Device {
	flash := cfg.Flash
	if flash == nil {
		flash = nvm.New(FlashSize, PageSize)
	}

	d := &Device{
		flash:    flash,
		recovery: cfg.Recovery,
	}

	d.installROM()
	d.core = core{flash: flash}
	d.mode = d.decide(false)

	return d
}

// installROM places the bootloader's own fixed data into the bootloader
// area: the version field. The counters are cleared afterwards so tests
// observe only protocol-driven flash traffic.
func (d *Device) installROM() {
	d.flash.Write(VersionAddr, []byte{byte(Version), byte(Version >> 8)})
	d.flash.ResetCounts()
}

// decide is the boot controller: recovery input or an explicit
// start-update request selects the update loop, an erased reset vector
// (nothing to run, execution would fall through to the bootloader entry)
// does too, anything else jumps to the firmware.
func (d *Device) decide(startUpdate bool) Mode {
	if d.recovery != nil && d.recovery() {
		return ModeUpdate
	}
	if startUpdate {
		return ModeUpdate
	}
	if !d.firmwarePresent() {
		return ModeUpdate
	}
	return ModeFirmware
}

func (d *Device) firmwarePresent() bool {
	return d.flash.ReadByte(ResetVector) != 0xFF || d.flash.ReadByte(ResetVector+1) != 0xFF
}

// reset models a hardware reset: all session state is lost and the boot
// decision runs again.
func (d *Device) reset() {
	d.resets++
	d.core = core{flash: d.flash}
	d.mode = d.decide(false)
}

// Reset is an externally forced reset (power cycle, reset pin).
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

// StartUpdate models the firmware invoking the start-update entry: the
// dispatcher loop is entered without a reset.
func (d *Device) StartUpdate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.core = core{flash: d.flash}
	d.mode = ModeUpdate
}

// Exchange performs one bus transaction: start condition, the out bytes
// written to the device, then len(in) bytes read back. It implements
// bus.Exchanger.
func (d *Device) Exchange(out, in []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode != ModeUpdate {
		return ErrNotUpdating
	}

	d.core.start()
	for _, b := range out {
		d.core.write(b)
	}
	for i := range in {
		in[i] = d.core.read()
	}

	if d.core.rebootReq {
		d.reset()
	}

	return nil
}

func (d *Device) Flash() *nvm.Flash {
	return d.flash
}

func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Resets returns how many resets the device has performed since creation.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// FirmwareEntry returns the two bytes the boot controller jumps through
// when handing over to firmware (the relocated reset vector).
func (d *Device) FirmwareEntry() [2]byte {
	return [2]byte{d.flash.ReadByte(EEReadyVector), d.flash.ReadByte(EEReadyVector + 1)}
}

// Fault reports an internal flash programming error, if one happened.
// The bus protocol has no way to signal it; it exists for diagnostics.
func (d *Device) Fault() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.core.fault
}
