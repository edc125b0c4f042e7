package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/serialization"
	"github.com/born-ml/tinyllama/internal/tensor"
)

// HuggingFace export layout.
const (
	HFDir      = "hf"
	IndexFile  = "model.safetensors.index.json"
	ConfigFile = "config.json"
)

// ExportOptions control the layered export.
type ExportOptions struct {
	Step       int64           // Absolute iteration recorded as "steps"
	DType      tensor.DataType // Float32 or BFloat16
	BosTokenID int
	EosTokenID int
}

// hfIndex is model.safetensors.index.json.
type hfIndex struct {
	Metadata  hfIndexMetadata   `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

type hfIndexMetadata struct {
	TotalSize int64 `json:"total_size"`
}

// hfConfig is the subset of LlamaConfig written to config.json.
type hfConfig struct {
	Architectures         []string `json:"architectures"`
	ModelType             string   `json:"model_type"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumKeyValueHeads      int      `json:"num_key_value_heads"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	VocabSize             int      `json:"vocab_size"`
	RMSNormEps            float32  `json:"rms_norm_eps"`
	RopeTheta             float64  `json:"rope_theta"`
	HiddenAct             string   `json:"hidden_act"`
	InitializerRange      float64  `json:"initializer_range"`
	TieWordEmbeddings     bool     `json:"tie_word_embeddings"`
	BosTokenID            int      `json:"bos_token_id"`
	EosTokenID            int      `json:"eos_token_id"`
	TorchDType            string   `json:"torch_dtype"`
	Steps                 int64    `json:"steps"`
}

// IntermediateSize is the SwiGLU width as LlamaConfig records it.
func IntermediateSize(dim, multipleOf int) int {
	return multipleOf * ((8*dim/3 + multipleOf - 1) / multipleOf)
}

// PermuteRotary reorders the rows of a q or k projection [heads*headDim, in]
// from interleaved rotary pairs to the split-half layout: within each head,
// output row j*half+i is input row 2*i+j.
func PermuteRotary(w []float32, heads, headDim, in int) []float32 {
	out := make([]float32, len(w))
	half := headDim / 2
	for h := 0; h < heads; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			for j := 0; j < 2; j++ {
				src := (base + 2*i + j) * in
				dst := (base + j*half + i) * in
				copy(out[dst:dst+in], w[src:src+in])
			}
		}
	}
	return out
}

// ExportHF writes dir/hf: one safetensors file per layer, a final file with
// the embeddings, final norm and head, the index and config.json.
func ExportHF(dir string, model map[string]*tensor.RawTensor, args nn.ModelArgs, opts ExportOptions) error {
	switch opts.DType {
	case tensor.Float32, tensor.BFloat16:
	default:
		return fmt.Errorf("unsupported export dtype %s", opts.DType)
	}

	out := filepath.Join(dir, HFDir)
	if err := os.MkdirAll(out, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}

	get := func(name string) (*tensor.RawTensor, error) {
		t, ok := model[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", serialization.ErrTensorNotFound, name)
		}
		if t.DType() == tensor.BFloat16 {
			t = t.ToFloat32()
		}
		return t, nil
	}
	cast := func(t *tensor.RawTensor) *tensor.RawTensor {
		if opts.DType == tensor.BFloat16 {
			return t.ToBFloat16()
		}
		return t
	}
	permuted := func(name string, heads int) (*tensor.RawTensor, error) {
		t, err := get(name)
		if err != nil {
			return nil, err
		}
		rows, cols := t.Shape().Rows()
		if rows != heads*args.HeadDim() {
			return nil, fmt.Errorf("%s: %d rows, want %d heads × %d", name, rows, heads, args.HeadDim())
		}
		p, err := tensor.FromFloat32(t.Shape(), PermuteRotary(t.AsFloat32(), heads, args.HeadDim(), cols))
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	nFiles := args.NLayers + 1
	index := hfIndex{WeightMap: make(map[string]string)}
	write := func(i int, tensors map[string]*tensor.RawTensor) error {
		name := fmt.Sprintf("model-%05d-of-%05d.safetensors", i+1, nFiles)
		for k, t := range tensors {
			tensors[k] = cast(t)
			index.WeightMap[k] = name
			index.Metadata.TotalSize += int64(tensors[k].ByteSize())
		}
		return serialization.WriteSafeTensors(filepath.Join(out, name), tensors, map[string]string{"format": "pt"})
	}

	for l := 0; l < args.NLayers; l++ {
		src := fmt.Sprintf("layers.%d.", l)
		dst := fmt.Sprintf("model.layers.%d.", l)

		tensors := make(map[string]*tensor.RawTensor, 9)
		var err error
		if tensors[dst+"self_attn.q_proj.weight"], err = permuted(src+"attention.wq.weight", args.NHeads); err != nil {
			return err
		}
		if tensors[dst+"self_attn.k_proj.weight"], err = permuted(src+"attention.wk.weight", args.KVHeads()); err != nil {
			return err
		}
		for hfName, name := range map[string]string{
			"self_attn.v_proj.weight":         "attention.wv.weight",
			"self_attn.o_proj.weight":         "attention.wo.weight",
			"mlp.gate_proj.weight":            "feed_forward.w1.weight",
			"mlp.down_proj.weight":            "feed_forward.w2.weight",
			"mlp.up_proj.weight":              "feed_forward.w3.weight",
			"input_layernorm.weight":          "attention_norm.weight",
			"post_attention_layernorm.weight": "ffn_norm.weight",
		} {
			if tensors[dst+hfName], err = get(src + name); err != nil {
				return err
			}
		}
		if err := write(l, tensors); err != nil {
			return err
		}
	}

	final := make(map[string]*tensor.RawTensor, 3)
	for hfName, name := range map[string]string{
		"model.embed_tokens.weight": nn.NameEmbeddings,
		"model.norm.weight":         nn.NameNorm,
		"lm_head.weight":            nn.NameOutput,
	} {
		t, err := get(name)
		if err != nil {
			return err
		}
		final[hfName] = t
	}
	if err := write(args.NLayers, final); err != nil {
		return err
	}

	if err := writeJSON(filepath.Join(out, IndexFile), index); err != nil {
		return err
	}

	cfg := hfConfig{
		Architectures:         []string{"LlamaForCausalLM"},
		ModelType:             "llama",
		HiddenSize:            args.Dim,
		IntermediateSize:      IntermediateSize(args.Dim, args.MultipleOf),
		NumAttentionHeads:     args.NHeads,
		NumKeyValueHeads:      args.KVHeads(),
		NumHiddenLayers:       args.NLayers,
		MaxPositionEmbeddings: args.MaxSeqLen,
		VocabSize:             args.VocabSize,
		RMSNormEps:            args.NormEps,
		RopeTheta:             10000,
		HiddenAct:             "silu",
		InitializerRange:      0.02,
		BosTokenID:            opts.BosTokenID,
		EosTokenID:            opts.EosTokenID,
		TorchDType:            torchDType(opts.DType),
		Steps:                 opts.Step,
	}
	return writeJSON(filepath.Join(out, ConfigFile), cfg)
}

func torchDType(dt tensor.DataType) string {
	if dt == tensor.BFloat16 {
		return "bfloat16"
	}
	return "float32"
}

func writeJSON(path string, v any) error {
	return serialization.WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
		}
		return nil
	})
}
