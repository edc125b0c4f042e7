package serialization

import (
	"crypto/sha256"
	"encoding/json"
	"time"
)

// Format constants.
const (
	MagicBytes        = "BORN"
	FormatVersionV2   = 2    // v2: With SHA-256 checksum
	HeaderAlignment   = 64   // Align tensor data to 64 bytes
	FixedHeaderSizeV2 = 64   // v2 fixed header size (0x40 bytes)
	ChecksumSize      = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffsetV2  = 0x20 // Checksum offset in v2 fixed header
)

// Flags for the .born format.
const (
	FlagHasOptimizer uint32 = 1 << 1 // bit 1: optimizer state included
	FlagHasMetadata  uint32 = 1 << 2 // bit 2: custom metadata included
)

// Header represents the JSON header in a .born file.
type Header struct {
	FormatVersion  int               `json:"format_version"`
	Version        string            `json:"version"`    // Version of the tool that wrote the file
	ModelType      string            `json:"model_type"` // e.g. "Llama"
	CreatedAt      time.Time         `json:"created_at"`
	Tensors        []TensorMeta      `json:"tensors"`
	Metadata       map[string]string `json:"metadata"`
	CheckpointMeta *CheckpointMeta   `json:"checkpoint,omitempty"`
}

// CheckpointMeta contains training state information for resumable checkpoints.
type CheckpointMeta struct {
	IsCheckpoint    bool            `json:"is_checkpoint"`
	IterNum         int64           `json:"iter_num"`    // Absolute iteration (session + resume offset)
	MaxIters        int64           `json:"max_iters"`   // Absolute iteration budget
	BestValLoss     float64         `json:"best_val_loss"`
	ModelArgs       json.RawMessage `json:"model_args"`  // Hyperparameters that must match on resume
	OptimizerType   string          `json:"optimizer_type"`
	OptimizerConfig map[string]any  `json:"optimizer_config"`
	Config          map[string]any  `json:"config"` // Full flattened launch configuration
}

// TensorMeta describes a tensor in the .born file.
type TensorMeta struct {
	Name   string `json:"name"`   // Tensor name (e.g., "layers.0.attention.wq.weight")
	DType  string `json:"dtype"`  // Data type (e.g., "float32")
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Offset in the data section
	Size   int64  `json:"size"`   // Size in bytes
}

// alignedDataOffset rounds the end of the JSON header up to the next
// HeaderAlignment boundary, where the data section begins.
func alignedDataOffset(headerEnd int64) int64 {
	return (headerEnd + HeaderAlignment - 1) / HeaderAlignment * HeaderAlignment
}

// ComputeChecksum computes SHA-256 checksum of data.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ValidateChecksum compares computed checksum against stored checksum.
func ValidateChecksum(computed, stored [32]byte) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}
