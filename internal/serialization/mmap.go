package serialization

import (
	"encoding/binary"
	"fmt"
	"os"
)

// MappedFile is a read-only memory mapping of a whole file.
// Pages are faulted in on access, so nothing is read up front.
//
// Important: Always call Close() when done to unmap the file (use defer).
type MappedFile struct {
	file   *os.File
	data   []byte
	closed bool
}

// MapFile maps path read-only. Empty files map to an empty slice.
func MapFile(path string) (*MappedFile, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for data loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	m := &MappedFile{file: file}
	if stat.Size() == 0 {
		return m, nil
	}

	data, err := mapReadOnly(file, stat.Size())
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	m.data = data
	return m, nil
}

// Bytes returns the mapped region. It is valid only until Close and must not be written.
func (m *MappedFile) Bytes() []byte {
	return m.data
}

// Len returns the mapped size in bytes.
func (m *MappedFile) Len() int {
	return len(m.data)
}

// Close unmaps and closes the file.
func (m *MappedFile) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if m.data != nil {
		err = unmap(m.data)
		m.data = nil
	}
	if closeErr := m.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// TokenShard is a mapped flat array of little-endian uint16 token ids.
type TokenShard struct {
	m *MappedFile
	n int
}

// MapTokens maps a binary token shard.
func MapTokens(path string) (*TokenShard, error) {
	m, err := MapFile(path)
	if err != nil {
		return nil, err
	}
	if m.Len()%2 != 0 {
		_ = m.Close()
		return nil, fmt.Errorf("%s: %w (%d bytes)", path, ErrOddLength, m.Len())
	}
	return &TokenShard{m: m, n: m.Len() / 2}, nil
}

// Len returns the number of tokens in the shard.
func (s *TokenShard) Len() int {
	return s.n
}

// CopyInt32 copies tokens [start, start+len(dst)) into dst.
// Only this span is read from the mapping.
func (s *TokenShard) CopyInt32(dst []int32, start int) error {
	end := start + len(dst)
	if start < 0 || end > s.n {
		return fmt.Errorf("%w: span [%d, %d) of %d tokens", ErrOutOfBounds, start, end, s.n)
	}
	b := s.m.data[2*start : 2*end]
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return nil
}

// Close unmaps the shard.
func (s *TokenShard) Close() error {
	return s.m.Close()
}
