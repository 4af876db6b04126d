// Package nvm models the coprocessor's non-volatile memory: a small
// byte-addressable flash with page-granularity erase. Erases and writes are
// counted and erase order is recorded so higher layers can be checked for
// the exact sequence of flash operations they issue.
package nvm

import (
	"fmt"
	"sync"
)

type Flash struct {
	mu sync.Mutex

	data     []byte
	pageSize int

	erases   int
	writes   int
	eraseLog []uint16
}

func New(size, pageSize int) *Flash {
	if size <= 0 || pageSize <= 0 || size%pageSize != 0 {
		panic("nvm: size must be a positive multiple of the page size")
	}

	f := &Flash{
		data:     make([]byte, size),
		pageSize: pageSize,
	}
	for i := range f.data {
		f.data[i] = 0xFF
	}

	return f
}

func (f *Flash) Size() int {
	return len(f.data)
}

func (f *Flash) PageSize() int {
	return f.pageSize
}

// ErasePage fills one page with 0xFF. The address must be page-aligned.
func (f *Flash) ErasePage(addr uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int(addr)%f.pageSize != 0 {
		return fmt.Errorf("nvm: erase address %#04x not page aligned", addr)
	}
	if int(addr)+f.pageSize > len(f.data) {
		return fmt.Errorf("nvm: erase address %#04x out of range", addr)
	}

	for i := 0; i < f.pageSize; i++ {
		f.data[int(addr)+i] = 0xFF
	}

	f.erases++
	f.eraseLog = append(f.eraseLog, addr)
	return nil
}

// Write programs data at addr. The write may not cross the end of the
// array; partial-page writes are allowed and untouched bytes keep their
// previous content.
func (f *Flash) Write(addr uint16, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int(addr)+len(data) > len(f.data) {
		return fmt.Errorf("nvm: write of %d bytes at %#04x out of range", len(data), addr)
	}
	if len(data) == 0 {
		return nil
	}

	copy(f.data[addr:], data)
	f.writes++
	return nil
}

// ReadByte returns the byte at addr, or 0xFF for addresses past the end of
// the array (the bus reads back the idle level rather than faulting).
func (f *Flash) ReadByte(addr uint16) byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int(addr) >= len(f.data) {
		return 0xFF
	}
	return f.data[addr]
}

func (f *Flash) Read(addr uint16, buf []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range buf {
		a := int(addr) + i
		if a >= len(f.data) {
			buf[i] = 0xFF
			continue
		}
		buf[i] = f.data[a]
	}
}

// Snapshot returns a copy of the full array.
func (f *Flash) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

// Counts returns the number of erase and write operations performed.
func (f *Flash) Counts() (erases, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.erases, f.writes
}

// EraseLog returns the page addresses erased so far, in order.
func (f *Flash) EraseLog() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]uint16, len(f.eraseLog))
	copy(out, f.eraseLog)
	return out
}

// ResetCounts clears the operation counters and the erase log.
func (f *Flash) ResetCounts() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.erases = 0
	f.writes = 0
	f.eraseLog = nil
}
