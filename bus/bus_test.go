package bus

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoDevice answers every read byte with the last written byte plus one.
type echoDevice struct {
	transactions int
	last         byte
}

func (e *echoDevice) Exchange(out, in []byte) error {
	e.transactions++
	for _, b := range out {
		e.last = b
	}
	for i := range in {
		in[i] = e.last + 1
	}
	return nil
}

func TestDirect(t *testing.T) {
	dev := &echoDevice{}
	m := Direct(dev)

	var in [2]byte
	require.NoError(t, m([]byte{0x41}, in[:]))
	assert.Equal(t, byte(0x42), in[0])
	assert.Equal(t, byte(0x42), in[1])
	assert.Equal(t, 1, dev.transactions)
}

func TestRemoteServe(t *testing.T) {
	hostEnd, devEnd := net.Pipe()
	defer hostEnd.Close()

	dev := &echoDevice{}
	done := make(chan error, 1)
	go func() {
		done <- Serve(devEnd, dev, nil)
	}()

	m := Remote(hostEnd)

	var in [1]byte
	require.NoError(t, m([]byte{0x10, 0x20}, in[:]))
	assert.Equal(t, byte(0x21), in[0])

	// Write-only and read-only transactions work too.
	require.NoError(t, m([]byte{0x30}, nil))
	require.NoError(t, m(nil, in[:]))
	assert.Equal(t, byte(0x31), in[0])

	assert.Equal(t, 3, dev.transactions)

	hostEnd.Close()
	require.Error(t, <-done, "serve ends when the link drops")
}

type failingDevice struct{}

func (failingDevice) Exchange(out, in []byte) error {
	return assert.AnError
}

func TestServeDeviceErrorReadsIdle(t *testing.T) {
	hostEnd, devEnd := net.Pipe()
	defer hostEnd.Close()

	var seen error
	go Serve(devEnd, failingDevice{}, func(err error) { seen = err })

	m := Remote(hostEnd)

	var in [2]byte
	require.NoError(t, m([]byte{0x83}, in[:]))
	assert.Equal(t, byte(0xFF), in[0], "unanswered transaction reads the idle level")
	assert.Equal(t, byte(0xFF), in[1])
	assert.ErrorIs(t, seen, assert.AnError)
}

func TestRemoteTooLong(t *testing.T) {
	m := Remote(nil)
	assert.Error(t, m(make([]byte, 300), nil))
}
