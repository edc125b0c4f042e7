// Package checkpoint saves and restores training state.
//
// A run directory holds:
//   - resume.pt_ckpt: weights, optimizer state and loop counters (.born v2)
//   - ckpt.pt: inference weights only (.born v2)
//   - tokenizer files copied from the tokenizer spec
//   - hf/: a layered safetensors export loadable as a Llama checkpoint
//
// All files are written through a temp file and renamed into place.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/serialization"
	"github.com/born-ml/tinyllama/internal/tensor"
)

// File names inside a run directory.
const (
	ResumeFile    = "resume.pt_ckpt"
	InferenceFile = "ckpt.pt"
)

const (
	modelType       = "Llama"
	optimizerPrefix = "optimizer."
	runIDKey        = "run_id"
)

// State is everything needed to continue a run.
type State struct {
	Model     map[string]*tensor.RawTensor
	Optimizer map[string]*tensor.RawTensor
	Args      nn.ModelArgs

	IterNum     int64   // Absolute iteration: session count plus resume offset
	MaxIters    int64   // Absolute iteration budget
	BestValLoss float64

	OptimizerType   string
	OptimizerConfig map[string]any
	Config          map[string]any // Flattened launch configuration
	RunID           string
}

// SaveResume writes st to dir/resume.pt_ckpt.
func SaveResume(dir string, st *State) error {
	args, err := json.Marshal(st.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal model args: %w", err)
	}

	sd := make(map[string]*tensor.RawTensor, len(st.Model)+len(st.Optimizer))
	for name, t := range st.Model {
		sd[name] = t
	}
	for name, t := range st.Optimizer {
		sd[optimizerPrefix+name] = t
	}

	header := serialization.Header{
		ModelType: modelType,
		Metadata:  runMetadata(st.RunID),
		CheckpointMeta: &serialization.CheckpointMeta{
			IsCheckpoint:    true,
			IterNum:         st.IterNum,
			MaxIters:        st.MaxIters,
			BestValLoss:     st.BestValLoss,
			ModelArgs:       args,
			OptimizerType:   st.OptimizerType,
			OptimizerConfig: st.OptimizerConfig,
			Config:          st.Config,
		},
	}

	path := filepath.Join(dir, ResumeFile)
	if err := serialization.SaveStateDict(path, sd, header); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// LoadResume reads a resume checkpoint.
func LoadResume(path string) (*State, error) {
	sd, header, err := serialization.LoadStateDict(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	meta := header.CheckpointMeta
	if meta == nil || !meta.IsCheckpoint {
		return nil, fmt.Errorf("%s is not a resume checkpoint", path)
	}

	st := &State{
		Model:           make(map[string]*tensor.RawTensor),
		Optimizer:       make(map[string]*tensor.RawTensor),
		IterNum:         meta.IterNum,
		MaxIters:        meta.MaxIters,
		BestValLoss:     meta.BestValLoss,
		OptimizerType:   meta.OptimizerType,
		OptimizerConfig: meta.OptimizerConfig,
		Config:          meta.Config,
		RunID:           header.Metadata[runIDKey],
	}
	if err := json.Unmarshal(meta.ModelArgs, &st.Args); err != nil {
		return nil, fmt.Errorf("%s: bad model args: %w", path, err)
	}
	for name, t := range sd {
		if rest, ok := strings.CutPrefix(name, optimizerPrefix); ok {
			st.Optimizer[rest] = t
		} else {
			st.Model[name] = t
		}
	}
	return st, nil
}

// SaveInference writes model weights to dir/ckpt.pt.
func SaveInference(dir string, model map[string]*tensor.RawTensor, args nn.ModelArgs, runID string) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal model args: %w", err)
	}
	metadata := runMetadata(runID)
	metadata["model_args"] = string(raw)

	path := filepath.Join(dir, InferenceFile)
	header := serialization.Header{ModelType: modelType, Metadata: metadata}
	if err := serialization.SaveStateDict(path, model, header); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// LoadModel reads weights and model args from either checkpoint file.
// Optimizer tensors in a resume checkpoint are ignored.
func LoadModel(path string) (map[string]*tensor.RawTensor, nn.ModelArgs, error) {
	sd, header, err := serialization.LoadStateDict(path)
	if err != nil {
		return nil, nn.ModelArgs{}, fmt.Errorf("failed to load %s: %w", path, err)
	}

	var args nn.ModelArgs
	var raw []byte
	switch {
	case header.CheckpointMeta != nil && len(header.CheckpointMeta.ModelArgs) > 0:
		raw = header.CheckpointMeta.ModelArgs
	case header.Metadata["model_args"] != "":
		raw = []byte(header.Metadata["model_args"])
	default:
		return nil, args, fmt.Errorf("%s: no model args", path)
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, args, fmt.Errorf("%s: bad model args: %w", path, err)
	}

	for name := range sd {
		if strings.HasPrefix(name, optimizerPrefix) {
			delete(sd, name)
		}
	}
	return sd, args, nil
}

func runMetadata(runID string) map[string]string {
	md := make(map[string]string)
	if runID != "" {
		md[runIDKey] = runID
	}
	return md
}
