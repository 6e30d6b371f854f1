//go:build unix

package vector

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int) ([]byte, bool, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		// Fall back to a plain read; some filesystems refuse mmap.
		buf, rerr := os.ReadFile(f.Name())
		if rerr != nil {
			return nil, false, err
		}
		return buf, false, nil
	}
	return data, true, nil
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}
