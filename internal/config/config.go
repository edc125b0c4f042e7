// Package config holds the immutable launch configuration of a training run.
//
// Keys are flat, in the style of nanoGPT/llama2.c configurators. A run is
// configured from defaults, then YAML files and --key=value overrides applied
// in command-line order.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/born-ml/tinyllama/internal/nn"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// FieldError describes one bad key.
type FieldError struct {
	Key    string
	Reason string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalid.
func (e *FieldError) Unwrap() error {
	return ErrInvalid
}

// Supported precisions. Compute is float32; dtype selects loss scaling and
// the exported weight type.
const (
	DTypeFloat32  = "float32"
	DTypeBFloat16 = "bfloat16"
	DTypeFloat16  = "float16"
)

// Config is the full set of training hyperparameters.
type Config struct {
	// I/O
	InDir                string `yaml:"in_dir"`
	OutDir               string `yaml:"out_dir"`
	EvalInterval         int    `yaml:"eval_interval"`
	LogInterval          int    `yaml:"log_interval"`
	EvalIters            int    `yaml:"eval_iters"`
	EvalOnly             bool   `yaml:"eval_only"`
	AlwaysSaveCheckpoint bool   `yaml:"always_save_checkpoint"`
	HFExport             bool   `yaml:"hf_export"`

	// Metrics
	WandbLog     bool   `yaml:"wandb_log"`
	WandbProject string `yaml:"wandb_project"`
	WandbRunName string `yaml:"wandb_run_name"`
	MetricsURL   string `yaml:"metrics_url"`

	// Data
	Dataset    string `yaml:"dataset"`
	Tokenizer  string `yaml:"tokenizer"`
	BatchSize  int    `yaml:"batch_size"`
	MaxSeqLen  int    `yaml:"max_seq_len"`
	NumWorkers int    `yaml:"num_workers"`

	// Model
	Dim        int     `yaml:"dim"`
	NLayers    int     `yaml:"n_layers"`
	NHeads     int     `yaml:"n_heads"`
	NKVHeads   int     `yaml:"n_kv_heads"` // 0 means n_heads
	VocabSize  int     `yaml:"vocab_size"`
	MultipleOf int     `yaml:"multiple_of"`
	NormEps    float64 `yaml:"norm_eps"`
	Dropout    float64 `yaml:"dropout"`

	// Optimizer
	Optimizer                 string  `yaml:"optimizer"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	LearningRate              float64 `yaml:"learning_rate"`
	MaxIters                  int     `yaml:"max_iters"`
	WeightDecay               float64 `yaml:"weight_decay"`
	Beta1                     float64 `yaml:"beta1"`
	Beta2                     float64 `yaml:"beta2"`
	GradClip                  float64 `yaml:"grad_clip"`

	// Schedule
	DecayLR      bool    `yaml:"decay_lr"`
	WarmupIters  int     `yaml:"warmup_iters"`
	Patience     int     `yaml:"patience"`
	MaxLR        float64 `yaml:"max_lr"` // <= 0 disables the ceiling
	RewarmFactor float64 `yaml:"rewarm_factor"`

	// System
	Device    string  `yaml:"device"`
	DType     string  `yaml:"dtype"`
	Seed      int64   `yaml:"seed"`
	PeakFLOPS float64 `yaml:"peak_flops"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		OutDir:       "models/tinyllama",
		EvalInterval: 500,
		LogInterval:  1,
		EvalIters:    100,
		HFExport:     true,

		WandbLog:     true,
		WandbProject: "listen",

		Dataset:   "data/tokenized",
		BatchSize: 8,
		MaxSeqLen: 2048,

		Dim:        768,
		NLayers:    12,
		NHeads:     12,
		VocabSize:  32000,
		MultipleOf: 32,
		NormEps:    1e-5,
		Dropout:    0.1,

		Optimizer:                 "adamw",
		GradientAccumulationSteps: 8,
		LearningRate:              3e-4,
		MaxIters:                  100000,
		WeightDecay:               1e-1,
		Beta1:                     0.9,
		Beta2:                     0.95,
		GradClip:                  1.0,

		DecayLR:      true,
		WarmupIters:  1000,
		Patience:     2,
		MaxLR:        -1,
		RewarmFactor: 1.5,

		Device:    "cpu",
		DType:     DTypeBFloat16,
		Seed:      1337,
		PeakFLOPS: 312e12,
	}
}

// Validate checks every key and joins the failures.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, key, reason string) {
		if !ok {
			errs = append(errs, &FieldError{Key: key, Reason: reason})
		}
	}

	check(c.OutDir != "", "out_dir", "must not be empty")
	check(c.Dataset != "", "dataset", "must not be empty")
	check(c.EvalInterval > 0, "eval_interval", "must be positive")
	check(c.LogInterval > 0, "log_interval", "must be positive")
	check(c.EvalIters > 0, "eval_iters", "must be positive")

	check(c.BatchSize > 0, "batch_size", "must be positive")
	check(c.MaxSeqLen > 0, "max_seq_len", "must be positive")
	check(c.NumWorkers >= 0, "num_workers", "must not be negative")

	check(c.NKVHeads >= 0, "n_kv_heads", "must not be negative")
	check(c.VocabSize <= 1<<16, "vocab_size", "token shards hold uint16 ids")
	if err := c.ModelArgs().Validate(); err != nil {
		errs = append(errs, &FieldError{Key: "model", Reason: err.Error()})
	}

	check(c.Optimizer == "adamw" || c.Optimizer == "sgd", "optimizer", fmt.Sprintf("unknown optimizer %q", c.Optimizer))
	check(c.GradientAccumulationSteps > 0, "gradient_accumulation_steps", "must be positive")
	check(c.LearningRate > 0, "learning_rate", "must be positive")
	check(c.MaxIters >= 0, "max_iters", "must not be negative")
	check(c.WeightDecay >= 0, "weight_decay", "must not be negative")
	check(c.Beta1 >= 0 && c.Beta1 < 1, "beta1", "must be in [0, 1)")
	check(c.Beta2 >= 0 && c.Beta2 < 1, "beta2", "must be in [0, 1)")
	check(c.GradClip >= 0, "grad_clip", "must not be negative")

	check(c.WarmupIters >= 0, "warmup_iters", "must not be negative")
	check(c.Patience >= 0, "patience", "must not be negative")
	check(c.RewarmFactor > 0, "rewarm_factor", "must be positive")

	check(c.Device == "cpu", "device", fmt.Sprintf("unsupported device %q", c.Device))
	switch c.DType {
	case DTypeFloat32, DTypeBFloat16, DTypeFloat16:
	default:
		errs = append(errs, &FieldError{Key: "dtype", Reason: fmt.Sprintf("unsupported dtype %q", c.DType)})
	}
	check(c.PeakFLOPS > 0, "peak_flops", "must be positive")

	return errors.Join(errs...)
}

// ModelArgs returns the model hyperparameters named by the config.
func (c *Config) ModelArgs() nn.ModelArgs {
	return nn.ModelArgs{
		Dim:        c.Dim,
		NLayers:    c.NLayers,
		NHeads:     c.NHeads,
		NKVHeads:   c.NKVHeads,
		VocabSize:  c.VocabSize,
		MultipleOf: c.MultipleOf,
		NormEps:    float32(c.NormEps),
		MaxSeqLen:  c.MaxSeqLen,
		Dropout:    float32(c.Dropout),
	}
}

// RunName returns wandb_run_name, or "<out_dir> | <timestamp>" when unset.
func (c *Config) RunName(now time.Time) string {
	if c.WandbRunName != "" {
		return c.WandbRunName
	}
	return fmt.Sprintf("%s | %s", c.OutDir, now.Format("2006_01_02_15_04_05"))
}

// Flatten returns the config as a key/value map, as stored in checkpoints.
func (c *Config) Flatten() map[string]any {
	data, err := yaml.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("config: marshal: %v", err))
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("config: unmarshal: %v", err))
	}
	return m
}
