//go:build !unix

package vector

import "os"

func mapFile(f *os.File, size int) ([]byte, bool, error) {
	buf, err := os.ReadFile(f.Name())
	if err != nil {
		return nil, false, err
	}
	return buf, false, nil
}

func unmapFile(data []byte) error { return nil }
