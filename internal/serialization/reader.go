package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/born-ml/tinyllama/internal/tensor"
)

// BornReader reads .born v2 files through a read-only memory mapping.
// Only the header is parsed on open; tensor data is copied out on demand.
type BornReader struct {
	m          *MappedFile
	header     Header
	flags      uint32
	dataOffset int64
	dataSize   int64
	checksum   [32]byte
}

// ReaderOptions configures the behavior of BornReader.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// NewBornReader opens a .born file with strict validation and checksum verification.
func NewBornReader(path string) (*BornReader, error) {
	return NewBornReaderWithOptions(path, ReaderOptions{ValidationLevel: ValidationStrict})
}

// NewBornReaderWithOptions opens a .born file with custom options.
func NewBornReaderWithOptions(path string, opts ReaderOptions) (*BornReader, error) {
	m, err := MapFile(path)
	if err != nil {
		return nil, err
	}

	r := &BornReader{m: m}
	if err := r.parseHeader(opts); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("failed to parse header of %s: %w", path, err)
	}
	return r, nil
}

// parseHeader reads and validates the fixed header and the JSON header.
func (r *BornReader) parseHeader(opts ReaderOptions) error {
	data := r.m.Bytes()
	size := int64(len(data))
	if size < FixedHeaderSizeV2 {
		return fmt.Errorf("file too small: %d bytes (minimum %d bytes required)", size, FixedHeaderSizeV2)
	}

	if string(data[0:4]) != MagicBytes {
		return ErrInvalidMagic
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != FormatVersionV2 {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, version, FormatVersionV2)
	}
	r.flags = binary.LittleEndian.Uint32(data[8:12])

	headerSize := binary.LittleEndian.Uint64(data[16:24])
	if headerSize > MaxHeaderSize {
		return ErrHeaderTooLarge
	}
	dataSize := binary.LittleEndian.Uint64(data[24:32])
	copy(r.checksum[:], data[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize])

	headerEnd := int64(FixedHeaderSizeV2) + int64(headerSize) //nolint:gosec // G115: bounded by MaxHeaderSize
	if headerEnd > size {
		return fmt.Errorf("header extends beyond file: header_end=%d, file_size=%d", headerEnd, size)
	}
	if err := json.Unmarshal(data[FixedHeaderSizeV2:headerEnd], &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}

	r.dataOffset = alignedDataOffset(headerEnd)
	r.dataSize = int64(dataSize) //nolint:gosec // G115: checked against file size below
	if r.dataSize < 0 || r.dataOffset+r.dataSize > size {
		return fmt.Errorf("%w: data section of %d bytes at %d, file_size %d", ErrOutOfBounds, dataSize, r.dataOffset, size)
	}

	if err := ValidateHeader(&r.header, r.dataSize, opts.ValidationLevel); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !opts.SkipChecksumValidation {
		computed := ComputeChecksum(data[r.dataOffset : r.dataOffset+r.dataSize])
		if err := ValidateChecksum(computed, r.checksum); err != nil {
			return err
		}
	}
	return nil
}

// Header returns the file header.
func (r *BornReader) Header() Header {
	return r.header
}

// Flags returns the flags bitfield.
func (r *BornReader) Flags() uint32 {
	return r.flags
}

// TensorNames returns a list of all tensor names in the file.
func (r *BornReader) TensorNames() []string {
	names := make([]string, len(r.header.Tensors))
	for i, meta := range r.header.Tensors {
		names[i] = meta.Name
	}
	return names
}

// TensorInfo returns metadata about a specific tensor.
func (r *BornReader) TensorInfo(name string) (*TensorMeta, error) {
	for i := range r.header.Tensors {
		if r.header.Tensors[i].Name == name {
			return &r.header.Tensors[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
}

// LoadTensor copies a single tensor out of the mapping.
func (r *BornReader) LoadTensor(name string) (*tensor.RawTensor, error) {
	meta, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	dtype, ok := tensor.ParseDataType(meta.DType)
	if !ok {
		return nil, fmt.Errorf("unsupported dtype: %s", meta.DType)
	}

	start := r.dataOffset + meta.Offset
	end := start + meta.Size
	if end > r.dataOffset+r.dataSize {
		return nil, fmt.Errorf("%w: tensor %q", ErrOutOfBounds, name)
	}

	data := make([]byte, meta.Size)
	copy(data, r.m.Bytes()[start:end])

	raw, err := tensor.FromBytes(tensor.Shape(meta.Shape), dtype, data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return raw, nil
}

// ReadStateDict reads all tensors into a state dictionary.
func (r *BornReader) ReadStateDict() (map[string]*tensor.RawTensor, error) {
	stateDict := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, meta := range r.header.Tensors {
		raw, err := r.LoadTensor(meta.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to load tensor %s: %w", meta.Name, err)
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, nil
}

// Close unmaps the file.
func (r *BornReader) Close() error {
	return r.m.Close()
}

// LoadStateDict opens path, reads every tensor and closes the file.
func LoadStateDict(path string) (map[string]*tensor.RawTensor, Header, error) {
	r, err := NewBornReader(path)
	if err != nil {
		return nil, Header{}, err
	}
	defer func() { _ = r.Close() }()

	sd, err := r.ReadStateDict()
	if err != nil {
		return nil, Header{}, err
	}
	return sd, r.Header(), nil
}
