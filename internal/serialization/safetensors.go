package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/born-ml/tinyllama/internal/tensor"
)

// SafeTensorHeader represents a tensor in the SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors writes tensors to a SafeTensors file, atomically.
//
// Format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header, space padded to a multiple of 8]
// [tensor data: raw bytes]
//
// Tensors are written in alphabetical order by name.
func WriteSafeTensors(path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) error {
	return WriteFileAtomic(path, func(w io.Writer) error {
		return writeSafeTensors(w, tensors, metadata)
	})
}

func writeSafeTensors(w io.Writer, tensors map[string]*tensor.RawTensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var currentOffset int64
	for _, name := range names {
		raw := tensors[name]
		dtype, ok := raw.DType().SafeTensorsCode()
		if !ok {
			return fmt.Errorf("tensor %s: no safetensors dtype for %s", name, raw.DType())
		}
		size := int64(raw.ByteSize())

		shape := make([]int64, len(raw.Shape()))
		for i, dim := range raw.Shape() {
			shape[i] = int64(dim)
		}

		header[name] = SafeTensorHeader{
			DType:       dtype,
			Shape:       shape,
			DataOffsets: [2]int64{currentOffset, currentOffset + size},
		}
		currentOffset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := w.Write(tensors[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

// ReadSafeTensors loads every tensor of a SafeTensors file along with its metadata.
func ReadSafeTensors(path string) (map[string]*tensor.RawTensor, map[string]string, error) {
	m, err := MapFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = m.Close() }()

	data := m.Bytes()
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("%s: file too small", path)
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > MaxHeaderSize || 8+headerSize > uint64(len(data)) {
		return nil, nil, fmt.Errorf("%s: %w", path, ErrHeaderTooLarge)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, nil, fmt.Errorf("%s: failed to parse header: %w", path, err)
	}

	var metadata map[string]string
	body := data[8+headerSize:]
	tensors := make(map[string]*tensor.RawTensor, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, fmt.Errorf("%s: bad metadata: %w", path, err)
			}
			continue
		}

		var th SafeTensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, nil, fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		dtype, ok := tensor.ParseSafeTensorsCode(th.DType)
		if !ok {
			return nil, nil, fmt.Errorf("%s: tensor %s: unsupported safetensors dtype %q", path, name, th.DType)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(body)) {
			return nil, nil, fmt.Errorf("%s: tensor %s: %w", path, name, ErrOutOfBounds)
		}

		shape := make(tensor.Shape, len(th.Shape))
		for i, dim := range th.Shape {
			shape[i] = int(dim)
		}
		buf := make([]byte, end-start)
		copy(buf, body[start:end])
		t, err := tensor.FromBytes(shape, dtype, buf)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		tensors[name] = t
	}
	return tensors, metadata, nil
}
