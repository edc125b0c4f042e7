package checkpoint

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/optim"
	"github.com/born-ml/tinyllama/internal/parallel"
	"github.com/born-ml/tinyllama/internal/serialization"
	"github.com/born-ml/tinyllama/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyArgs() nn.ModelArgs {
	return nn.ModelArgs{
		Dim:        16,
		NLayers:    2,
		NHeads:     4,
		NKVHeads:   2,
		VocabSize:  13,
		MultipleOf: 8,
		NormEps:    1e-5,
		MaxSeqLen:  8,
	}
}

var (
	batchX = []int32{1, 4, 7, 2, 9, 3, 0, 12}
	batchY = []int32{4, 7, 2, 9, 3, 0, 12, 5}
)

// trainedModel returns a model and optimizer after two AdamW steps.
func trainedModel(t *testing.T) (*nn.Transformer, *optim.AdamW) {
	t.Helper()
	m, err := nn.NewTransformer(tinyArgs(), 42)
	require.NoError(t, err)
	opt := optim.NewAdamW(m.Parameters(), optim.AdamWConfig{LR: 1e-2, WeightDecay: 0.1})
	for range 2 {
		_, err := m.Forward(batchX, batchY, 2, 4, true)
		require.NoError(t, err)
		require.NoError(t, m.Backward(1))
		opt.Step()
		opt.ZeroGrad()
	}
	return m, opt
}

func TestResume_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, opt := trainedModel(t)

	st := &State{
		Model:           m.StateDict(),
		Optimizer:       opt.StateDict(),
		Args:            m.Args,
		IterNum:         250,
		MaxIters:        1000,
		BestValLoss:     2.5,
		OptimizerType:   optim.TypeAdamW,
		OptimizerConfig: opt.Config(),
		Config:          map[string]any{"out_dir": "out", "learning_rate": 0.0006},
		RunID:           "run-1",
	}
	require.NoError(t, SaveResume(dir, st))

	got, err := LoadResume(filepath.Join(dir, ResumeFile))
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.IterNum)
	assert.Equal(t, int64(1000), got.MaxIters)
	assert.Equal(t, 2.5, got.BestValLoss)
	assert.Equal(t, m.Args, got.Args)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, optim.TypeAdamW, got.OptimizerType)
	assert.Equal(t, "out", got.Config["out_dir"])
	assert.Len(t, got.Model, len(st.Model))
	assert.Len(t, got.Optimizer, len(st.Optimizer))

	// A restored model and optimizer continue exactly like the original.
	m2, err := nn.NewTransformer(got.Args, 7)
	require.NoError(t, err)
	require.NoError(t, m2.LoadStateDict(got.Model))
	opt2 := optim.NewAdamW(m2.Parameters(), optim.AdamWConfig{LR: 1e-2, WeightDecay: 0.1})
	require.NoError(t, opt2.LoadStateDict(got.Optimizer))

	for _, model := range []*nn.Transformer{m, m2} {
		model.SetParallel(parallel.Config{})
	}
	step := func(model *nn.Transformer, o optim.Optimizer) float32 {
		loss, err := model.Forward(batchX, batchY, 2, 4, true)
		require.NoError(t, err)
		require.NoError(t, model.Backward(1))
		o.Step()
		o.ZeroGrad()
		return loss
	}
	assert.Equal(t, step(m, opt), step(m2, opt2))
	assert.Equal(t,
		m.StateDict()["layers.1.feed_forward.w2.weight"].AsFloat32(),
		m2.StateDict()["layers.1.feed_forward.w2.weight"].AsFloat32())
}

func TestLoadResume_RejectsInference(t *testing.T) {
	dir := t.TempDir()
	m, _ := trainedModel(t)
	require.NoError(t, SaveInference(dir, m.StateDict(), m.Args, ""))

	_, err := LoadResume(filepath.Join(dir, InferenceFile))
	assert.ErrorContains(t, err, "not a resume checkpoint")
}

func TestInference_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, _ := trainedModel(t)
	want, err := m.Forward(batchX, batchY, 2, 4, false)
	require.NoError(t, err)

	require.NoError(t, SaveInference(dir, m.StateDict(), m.Args, "abc"))

	sd, args, err := LoadModel(filepath.Join(dir, InferenceFile))
	require.NoError(t, err)
	assert.Equal(t, m.Args, args)
	assert.Contains(t, sd, nn.NameOutput)

	m2, err := nn.NewTransformer(args, 1)
	require.NoError(t, err)
	require.NoError(t, m2.LoadStateDict(sd))
	got, err := m2.Forward(batchX, batchY, 2, 4, false)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-6)
}

func TestLoadModel_FromResumeAndLegacyNames(t *testing.T) {
	dir := t.TempDir()
	m, opt := trainedModel(t)

	legacy := make(map[string]*tensor.RawTensor)
	for name, tt := range m.StateDict() {
		legacy["_orig_mod."+name] = tt
	}
	require.NoError(t, SaveResume(dir, &State{
		Model:     legacy,
		Optimizer: opt.StateDict(),
		Args:      m.Args,
		IterNum:   1,
	}))

	sd, args, err := LoadModel(filepath.Join(dir, ResumeFile))
	require.NoError(t, err)
	for name := range sd {
		assert.NotContains(t, name, "optimizer.")
	}

	m2, err := nn.NewTransformer(args, 3)
	require.NoError(t, err)
	require.NoError(t, m2.LoadStateDict(sd))
	assert.Equal(t, m.StateDict()[nn.NameNorm].AsFloat32(), m2.StateDict()[nn.NameNorm].AsFloat32())
}

func TestPermuteRotary(t *testing.T) {
	// One head of dim 4, one input column: rows [0 1 2 3] -> [0 2 1 3].
	got := PermuteRotary([]float32{0, 1, 2, 3}, 1, 4, 1)
	assert.Equal(t, []float32{0, 2, 1, 3}, got)

	// Two heads, two columns: each head permuted independently.
	w := []float32{
		0, 0, 1, 1, 2, 2, 3, 3,
		4, 4, 5, 5, 6, 6, 7, 7,
	}
	got = PermuteRotary(w, 2, 4, 2)
	assert.Equal(t, []float32{
		0, 0, 2, 2, 1, 1, 3, 3,
		4, 4, 6, 6, 5, 5, 7, 7,
	}, got)
}

// Interleaved rotation of q equals split-half rotation of the permuted q.
func TestPermuteRotary_MatchesSplitHalfRope(t *testing.T) {
	const headDim, seq = 8, 3
	half := headDim / 2
	rope := nn.NewRotaryEmbedding(headDim, seq)

	q := make([]float32, seq*headDim)
	for i := range q {
		q[i] = float32(math.Sin(float64(i) + 0.3))
	}

	// Permuting a column vector per position is PermuteRotary with in = 1.
	var permuted []float32
	for pos := 0; pos < seq; pos++ {
		permuted = append(permuted, PermuteRotary(q[pos*headDim:(pos+1)*headDim], 1, headDim, 1)...)
	}

	rotated := append([]float32(nil), q...)
	rope.Apply(rotated, seq, seq, 1, parallel.Config{})

	for pos := 0; pos < seq; pos++ {
		v := permuted[pos*headDim : (pos+1)*headDim]
		for i := 0; i < half; i++ {
			theta := float64(pos) / math.Pow(10000, float64(2*i)/headDim)
			c, s := math.Cos(theta), math.Sin(theta)
			lo := float64(v[i])*c - float64(v[i+half])*s
			hi := float64(v[i+half])*c + float64(v[i])*s
			assert.InDelta(t, lo, rotated[pos*headDim+2*i], 1e-5, "pos %d pair %d", pos, i)
			assert.InDelta(t, hi, rotated[pos*headDim+2*i+1], 1e-5, "pos %d pair %d", pos, i)
		}
	}
}

func TestIntermediateSize(t *testing.T) {
	for _, tt := range []struct{ dim, multipleOf int }{{288, 32}, {512, 32}, {4096, 256}, {16, 8}, {100, 7}} {
		args := nn.ModelArgs{Dim: tt.dim, MultipleOf: tt.multipleOf}
		assert.Equal(t, args.HiddenDim(), IntermediateSize(tt.dim, tt.multipleOf), "dim %d", tt.dim)
	}
	assert.Equal(t, 11008, IntermediateSize(4096, 256))
}

func TestExportHF(t *testing.T) {
	dir := t.TempDir()
	m, _ := trainedModel(t)
	args := m.Args
	model := m.StateDict()

	require.NoError(t, ExportHF(dir, model, args, ExportOptions{
		Step: 1234, DType: tensor.Float32, BosTokenID: 1, EosTokenID: 2,
	}))
	out := filepath.Join(dir, HFDir)

	files := []string{
		"model-00001-of-00003.safetensors",
		"model-00002-of-00003.safetensors",
		"model-00003-of-00003.safetensors",
	}
	for _, f := range files {
		assert.FileExists(t, filepath.Join(out, f))
	}

	var index hfIndex
	readJSON(t, filepath.Join(out, IndexFile), &index)
	assert.Len(t, index.WeightMap, 9*args.NLayers+3)
	assert.Equal(t, files[1], index.WeightMap["model.layers.1.mlp.down_proj.weight"])
	assert.Equal(t, files[2], index.WeightMap["lm_head.weight"])

	// output.weight aliases the embedding but is exported as its own lm_head.
	var total int64
	for _, w := range model {
		total += int64(w.ByteSize())
	}
	assert.Equal(t, total, index.Metadata.TotalSize)

	layer1, _, err := serialization.ReadSafeTensors(filepath.Join(out, files[1]))
	require.NoError(t, err)
	assert.Len(t, layer1, 9)

	wq := model["layers.1.attention.wq.weight"]
	rows, cols := wq.Shape().Rows()
	assert.Equal(t,
		PermuteRotary(wq.AsFloat32(), args.NHeads, args.HeadDim(), cols),
		layer1["model.layers.1.self_attn.q_proj.weight"].AsFloat32())
	assert.Equal(t, rows, layer1["model.layers.1.self_attn.q_proj.weight"].Shape()[0])

	wk := model["layers.1.attention.wk.weight"]
	_, cols = wk.Shape().Rows()
	assert.Equal(t,
		PermuteRotary(wk.AsFloat32(), args.KVHeads(), args.HeadDim(), cols),
		layer1["model.layers.1.self_attn.k_proj.weight"].AsFloat32())
	assert.Equal(t, model["layers.1.attention.wv.weight"].AsFloat32(),
		layer1["model.layers.1.self_attn.v_proj.weight"].AsFloat32(), "v is not permuted")
	assert.Equal(t, model["layers.1.ffn_norm.weight"].AsFloat32(),
		layer1["model.layers.1.post_attention_layernorm.weight"].AsFloat32())

	final, _, err := serialization.ReadSafeTensors(filepath.Join(out, files[2]))
	require.NoError(t, err)
	assert.Equal(t, model[nn.NameEmbeddings].AsFloat32(), final["lm_head.weight"].AsFloat32())
	assert.Equal(t, model[nn.NameEmbeddings].AsFloat32(), final["model.embed_tokens.weight"].AsFloat32())

	var cfg map[string]any
	readJSON(t, filepath.Join(out, ConfigFile), &cfg)
	assert.Equal(t, []any{"LlamaForCausalLM"}, cfg["architectures"])
	for key, want := range map[string]float64{
		"hidden_size":             16,
		"intermediate_size":       float64(IntermediateSize(16, 8)),
		"num_attention_heads":     4,
		"num_key_value_heads":     2,
		"num_hidden_layers":       2,
		"max_position_embeddings": 8,
		"vocab_size":              13,
		"steps":                   1234,
	} {
		assert.Equal(t, want, cfg[key], key)
	}
	assert.Equal(t, "float32", cfg["torch_dtype"])
}

func TestExportHF_BFloat16(t *testing.T) {
	dir := t.TempDir()
	m, _ := trainedModel(t)

	require.NoError(t, ExportHF(dir, m.StateDict(), m.Args, ExportOptions{DType: tensor.BFloat16}))

	final, _, err := serialization.ReadSafeTensors(filepath.Join(dir, HFDir, "model-00003-of-00003.safetensors"))
	require.NoError(t, err)
	norm := final["model.norm.weight"]
	assert.Equal(t, tensor.BFloat16, norm.DType())
	assert.InDeltaSlice(t, m.StateDict()[nn.NameNorm].AsFloat32(), norm.ToFloat32().AsFloat32(), 1e-2)

	var index hfIndex
	readJSON(t, filepath.Join(dir, HFDir, IndexFile), &index)
	assert.Equal(t, int64(2*m.NumParams()+2*m.Args.VocabSize*m.Args.Dim), index.Metadata.TotalSize,
		"lm_head is stored separately")

	var cfg map[string]any
	readJSON(t, filepath.Join(dir, HFDir, ConfigFile), &cfg)
	assert.Equal(t, "bfloat16", cfg["torch_dtype"])
}

func TestExportHF_Errors(t *testing.T) {
	m, _ := trainedModel(t)

	err := ExportHF(t.TempDir(), m.StateDict(), m.Args, ExportOptions{DType: tensor.Int32})
	assert.ErrorContains(t, err, "unsupported export dtype")

	sd := m.StateDict()
	delete(sd, "layers.0.feed_forward.w3.weight")
	err = ExportHF(t.TempDir(), sd, m.Args, ExportOptions{DType: tensor.Float32})
	assert.ErrorIs(t, err, serialization.ErrTensorNotFound)
}

func TestCopyTokenizer(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	var files []string
	for i, name := range []string{"tokenizer.json", "tokenizer_config.json"} {
		path := filepath.Join(src, name)
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`{"n":%d}`, i)), 0o600))
		files = append(files, path)
	}

	require.NoError(t, CopyTokenizer(files, dst))
	data, err := os.ReadFile(filepath.Join(dst, "tokenizer_config.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(data))

	err = CopyTokenizer([]string{filepath.Join(src, "missing.model")}, dst)
	assert.ErrorContains(t, err, "missing.model")
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}
