package nvm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Backing attaches a flash array to a file on disk so a simulated device
// keeps its contents across runs. The file is held open with an exclusive
// advisory lock so two simulators cannot share one image.
type Backing struct {
	flash *Flash
	file  *os.File
}

// OpenBacking loads path into flash (creating the file from the current
// flash contents if it does not exist) and takes an exclusive lock on it.
func OpenBacking(path string, flash *Flash) (*Backing, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("nvm: image %s is in use: %w", path, err)
	}

	b := &Backing{
		flash: flash,
		file:  file,
	}

	info, err := file.Stat()
	if err != nil {
		b.Close()
		return nil, err
	}

	if info.Size() == 0 {
		/* New image, seed it from the flash array */
		if err := b.Sync(); err != nil {
			b.Close()
			return nil, err
		}
		return b, nil
	}

	if info.Size() != int64(flash.Size()) {
		b.Close()
		return nil, fmt.Errorf("nvm: image %s is %d bytes, want %d", path, info.Size(), flash.Size())
	}

	buf := make([]byte, flash.Size())
	if _, err := file.ReadAt(buf, 0); err != nil {
		b.Close()
		return nil, err
	}

	flash.mu.Lock()
	copy(flash.data, buf)
	flash.mu.Unlock()

	return b, nil
}

// Sync writes the current flash contents back to the file.
func (b *Backing) Sync() error {
	data := b.flash.Snapshot()
	if _, err := b.file.WriteAt(data, 0); err != nil {
		return err
	}
	return b.file.Sync()
}

// Close syncs and releases the file and its lock.
func (b *Backing) Close() error {
	if b.file == nil {
		return nil
	}

	syncErr := b.Sync()
	unix.Flock(int(b.file.Fd()), unix.LOCK_UN)
	closeErr := b.file.Close()
	b.file = nil

	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
