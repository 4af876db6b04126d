// Package bus carries bytes between a host and the bootloader. One bus
// transaction is a start condition, a run of host-to-device bytes and a
// run of device-to-host bytes. The package knows nothing about opcodes
// or packets; it only moves bytes.
package bus

// Master performs one transaction: write all of out, then fill in with
// bytes read from the device. Either slice may be empty.
type Master func(out, in []byte) error

// Exchanger is the device side of a transaction.
type Exchanger interface {
	Exchange(out, in []byte) error
}

// Direct binds a master to an in-process device.
func Direct(e Exchanger) Master {
	return e.Exchange
}
