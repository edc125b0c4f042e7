//go:build unix

package serialization

import (
	"fmt"
	"math"
	"os"
	"syscall"
)

// mapReadOnly maps the first size bytes of f as a shared read-only view.
func mapReadOnly(f *os.File, size int64) ([]byte, error) {
	if size > math.MaxInt {
		return nil, fmt.Errorf("file of %d bytes is too large to map", size)
	}
	fd := int(f.Fd()) //nolint:gosec // G115: descriptors fit in int
	return syscall.Mmap(fd, 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
}

func unmap(data []byte) error {
	return syscall.Munmap(data)
}
