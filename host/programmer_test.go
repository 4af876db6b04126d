package host

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embryte/smcboot/bus"
	"github.com/embryte/smcboot/device"
)

func testSetup(recovery bool) (*device.Device, *Programmer) {
	dev := device.New(device.Config{
		Recovery: func() bool { return recovery },
	})
	return dev, New(bus.Direct(dev))
}

func TestVersion(t *testing.T) {
	_, p := testSetup(false)

	v, err := p.Version()
	require.NoError(t, err)
	assert.Equal(t, device.Version, v)
}

func TestUpdate(t *testing.T) {
	dev, p := testSetup(false)

	fw := make([]byte, 3*device.PageSize)
	rand.New(rand.NewSource(3)).Read(fw)
	fw[0] = 0x01
	fw[1] = 0x02

	var lastDone, total int
	p.Progress = func(d, tot int) { lastDone, total = d, tot }

	require.NoError(t, p.Update(context.Background(), fw, true))

	assert.Equal(t, total, lastDone)
	assert.Equal(t, 3*device.PageSize/device.PayloadSize, total)

	// Device rebooted into the new firmware.
	assert.Equal(t, device.ModeFirmware, dev.Mode())
	assert.Equal(t, 1, dev.Resets())

	snap := dev.Flash().Snapshot()
	assert.Equal(t, device.Relocated(fw), snap[:len(fw)])

	entry := dev.FirmwareEntry()
	assert.Equal(t, [2]byte{0x01, 0x02}, entry)
}

func TestUpdatePadsToPage(t *testing.T) {
	dev, p := testSetup(true)

	fw := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, p.Update(context.Background(), fw, true))

	snap := dev.Flash().Snapshot()
	want := device.Relocated(append(fw, bytesOf(0xFF, device.PageSize-len(fw))...))
	assert.Equal(t, want, snap[:device.PageSize])
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestProgramRejectsBadLength(t *testing.T) {
	_, p := testSetup(false)

	assert.Error(t, p.Program(context.Background(), make([]byte, 7)))
	assert.Error(t, p.Program(context.Background(), make([]byte, device.FirmwareEnd+8)))
}

func TestProgramCancelled(t *testing.T) {
	_, p := testSetup(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Program(ctx, make([]byte, device.PageSize))
	assert.ErrorIs(t, err, context.Canceled)
}

// corruptOnce flips a bit in the first transmitted payload byte, once,
// so the first commit fails its checksum and the retransmission
// succeeds.
func corruptOnce(m bus.Master) bus.Master {
	done := false
	return func(out, in []byte) error {
		if !done && len(out) == 2 && out[0] == device.OpTransmit {
			done = true
			return m([]byte{out[0], out[1] ^ 0x80}, in)
		}
		return m(out, in)
	}
}

func TestProgramRetriesChecksum(t *testing.T) {
	dev := device.New(device.Config{
		Recovery: func() bool { return true },
	})
	p := New(corruptOnce(bus.Direct(dev)))

	var logged bool
	p.LogFunc = func(format string, params ...any) { logged = true }

	fw := make([]byte, device.PageSize)
	for i := range fw {
		fw[i] = byte(i)
	}

	require.NoError(t, p.Update(context.Background(), fw, true))
	assert.True(t, logged)

	snap := dev.Flash().Snapshot()
	assert.Equal(t, device.Relocated(fw), snap[:len(fw)])
}

func TestProgramGivesUpAfterRetries(t *testing.T) {
	dev := device.New(device.Config{})
	inner := bus.Direct(dev)

	// Corrupt every packet's first byte: checksum never passes.
	m := func(out, in []byte) error {
		if len(out) == 2 && out[0] == device.OpTransmit && out[1] == 0x00 {
			return inner([]byte{out[0], 0xFF}, in)
		}
		return inner(out, in)
	}

	p := New(m)
	p.Retries = 2

	err := p.Program(context.Background(), make([]byte, device.PayloadSize))
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestReadFlash(t *testing.T) {
	dev, p := testSetup(true)

	require.NoError(t, dev.Flash().Write(0, []byte{0xCA, 0xFE, 0xBA, 0xBE}))

	require.NoError(t, p.Rewind())
	got, err := p.ReadFlash(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE, 0xBA, 0xBE}, got)
}

func TestRewindTooOld(t *testing.T) {
	dev, p := testSetup(true)

	// Forge an older bootloader version in flash.
	require.NoError(t, dev.Flash().Write(device.VersionAddr, []byte{2, 0}))

	assert.ErrorIs(t, p.Rewind(), ErrTooOld)
	assert.ErrorIs(t, p.Update(context.Background(), make([]byte, 8), true), ErrTooOld)
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, statusErr(device.StatusOK))
	assert.ErrorIs(t, statusErr(device.StatusSizeErr), ErrSizeMismatch)
	assert.ErrorIs(t, statusErr(device.StatusSumErr), ErrChecksum)
	assert.ErrorIs(t, statusErr(device.StatusProtected), ErrProtected)

	// Reserved and future codes map to a plain error, not a retry.
	assert.Error(t, statusErr(4))
	assert.Error(t, statusErr(77))
}
