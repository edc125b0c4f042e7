// Package tensor holds the flat typed buffers that parameters, gradients,
// optimizer moments and state dicts are made of.
package tensor

import "fmt"

// DataType is the element type of a RawTensor.
type DataType int

// Element types. Training computes in Float32; BFloat16 is an export
// precision and Uint16 the token shard format.
const (
	Float32 DataType = iota
	Float64
	Int32
	Int64
	Uint8
	Bool
	BFloat16
	Uint16
)

// dtypeInfo is indexed by DataType. code is the safetensors header name.
var dtypeInfo = [...]struct {
	name string
	code string
	size int
}{
	Float32:  {"float32", "F32", 4},
	Float64:  {"float64", "F64", 8},
	Int32:    {"int32", "I32", 4},
	Int64:    {"int64", "I64", 8},
	Uint8:    {"uint8", "U8", 1},
	Bool:     {"bool", "BOOL", 1},
	BFloat16: {"bfloat16", "BF16", 2},
	Uint16:   {"uint16", "U16", 2},
}

func (dt DataType) valid() bool {
	return dt >= 0 && int(dt) < len(dtypeInfo)
}

// Size returns the bytes per element. It panics on an unknown type.
func (dt DataType) Size() int {
	if !dt.valid() {
		panic(fmt.Sprintf("tensor: unknown data type %d", int(dt)))
	}
	return dtypeInfo[dt].size
}

// String returns the lower-case name stored in .born headers.
func (dt DataType) String() string {
	if !dt.valid() {
		return "unknown"
	}
	return dtypeInfo[dt].name
}

// SafeTensorsCode returns the dtype name used in safetensors headers.
func (dt DataType) SafeTensorsCode() (string, bool) {
	if !dt.valid() {
		return "", false
	}
	return dtypeInfo[dt].code, true
}

// ParseDataType is the inverse of String.
func ParseDataType(name string) (DataType, bool) {
	for dt, info := range dtypeInfo {
		if info.name == name {
			return DataType(dt), true
		}
	}
	return 0, false
}

// ParseSafeTensorsCode is the inverse of SafeTensorsCode.
func ParseSafeTensorsCode(code string) (DataType, bool) {
	for dt, info := range dtypeInfo {
		if info.code == code {
			return DataType(dt), true
		}
	}
	return 0, false
}
