//go:build unix

package safetensors

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile prefers a shared read-only mapping and falls back to reading the
// whole file when mmap is unavailable.
func mapFile(f *os.File, size int) ([]byte, bool, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return data, true, nil
	}
	data, err = readAll(f, size)
	return data, false, err
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}
