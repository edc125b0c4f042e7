package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/born-ml/tinyllama/internal/parallel"
	"github.com/born-ml/tinyllama/internal/tensor"
)

// legacyPrefix is added to every name by compiled PyTorch modules.
const legacyPrefix = "_orig_mod."

// Canonical names of the non-layer parameters.
const (
	NameEmbeddings = "tok_embeddings.weight"
	NameOutput     = "output.weight"
	NameNorm       = "norm.weight"
)

// initStd is the standard deviation of every weight at initialization.
const initStd = 0.02

// ErrNoForward is returned by Backward without a preceding training Forward.
var ErrNoForward = errors.New("backward called without a forward pass")

// ModelArgs are the hyperparameters that fix the model's shapes.
type ModelArgs struct {
	Dim        int     `json:"dim"`
	NLayers    int     `json:"n_layers"`
	NHeads     int     `json:"n_heads"`
	NKVHeads   int     `json:"n_kv_heads"`
	VocabSize  int     `json:"vocab_size"`
	MultipleOf int     `json:"multiple_of"`
	NormEps    float32 `json:"norm_eps"`
	MaxSeqLen  int     `json:"max_seq_len"`
	Dropout    float32 `json:"dropout"`
}

// KVHeads returns the number of key/value heads (NHeads when unset).
func (a ModelArgs) KVHeads() int {
	if a.NKVHeads <= 0 {
		return a.NHeads
	}
	return a.NKVHeads
}

// HeadDim returns Dim / NHeads.
func (a ModelArgs) HeadDim() int {
	return a.Dim / a.NHeads
}

// HiddenDim returns the SwiGLU width: 2/3 of 4·dim rounded up to MultipleOf.
func (a ModelArgs) HiddenDim() int {
	hidden := 2 * (4 * a.Dim) / 3
	return a.MultipleOf * ((hidden + a.MultipleOf - 1) / a.MultipleOf)
}

// Validate checks that the arguments describe a buildable model.
func (a ModelArgs) Validate() error {
	switch {
	case a.Dim <= 0, a.NLayers <= 0, a.NHeads <= 0, a.VocabSize <= 0, a.MaxSeqLen <= 0:
		return fmt.Errorf("dim, n_layers, n_heads, vocab_size and max_seq_len must be positive: %+v", a)
	case a.MultipleOf <= 0:
		return fmt.Errorf("multiple_of must be positive, got %d", a.MultipleOf)
	case a.Dim%a.NHeads != 0:
		return fmt.Errorf("dim %d not divisible by n_heads %d", a.Dim, a.NHeads)
	case a.HeadDim()%2 != 0:
		return fmt.Errorf("head dim %d must be even for rotary embeddings", a.HeadDim())
	case a.NHeads%a.KVHeads() != 0:
		return fmt.Errorf("n_heads %d not divisible by n_kv_heads %d", a.NHeads, a.KVHeads())
	case a.Dropout < 0 || a.Dropout >= 1:
		return fmt.Errorf("dropout must be in [0, 1), got %g", a.Dropout)
	case a.NormEps <= 0:
		return fmt.Errorf("norm_eps must be positive, got %g", a.NormEps)
	}
	return nil
}

// Block is one pre-norm decoder layer.
type Block struct {
	AttentionNorm *RMSNorm
	Attention     *Attention
	FFNNorm       *RMSNorm
	FeedForward   *SwiGLUFFN
}

type blockCache struct {
	in       []float32 // block input [n, dim]
	rinvAttn []float32
	attn     *attentionCache
	attnMask []float32
	mid      []float32 // after the attention residual
	rinvFFN  []float32
	ffn      *ffnCache
	ffnMask  []float32
}

type forwardCache struct {
	tokens  []int32
	targets []int32
	batch   int
	seq     int
	embMask []float32
	blocks  []*blockCache
	last    []float32 // final block output
	rinv    []float32
	normed  []float32
	probs   []float32 // [n, vocab]
	count   int
}

// Transformer is the Llama decoder. The output head shares its weight with
// the token embedding.
//
// Forward keeps the activations of the last training call; Backward
// consumes them. A Transformer is not safe for concurrent use.
type Transformer struct {
	Args          ModelArgs
	TokEmbeddings *Embedding
	Layers        []*Block
	Norm          *RMSNorm

	rope     *RotaryEmbedding
	params   []*Parameter
	parallel parallel.Config
	rng      *rand.Rand
	cache    *forwardCache
}

// NewTransformer builds a model with weights drawn from N(0, 0.02²); the
// residual projections (wo, w3) use 0.02/sqrt(2·n_layers).
func NewTransformer(args ModelArgs, seed int64) (*Transformer, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}

	m := &Transformer{
		Args:          args,
		TokEmbeddings: NewEmbedding("tok_embeddings", args.VocabSize, args.Dim),
		Norm:          NewRMSNorm("norm", args.Dim, args.NormEps),
		rope:          NewRotaryEmbedding(args.HeadDim(), args.MaxSeqLen),
		parallel:      parallel.DefaultConfig(),
		rng:           rand.New(rand.NewSource(seed)), //nolint:gosec // G404: weight init and dropout
	}

	m.params = append(m.params, m.TokEmbeddings.Weight)
	for i := 0; i < args.NLayers; i++ {
		prefix := fmt.Sprintf("layers.%d.", i)
		b := &Block{
			AttentionNorm: NewRMSNorm(prefix+"attention_norm", args.Dim, args.NormEps),
			Attention:     NewAttention(prefix+"attention", args.Dim, args.NHeads, args.KVHeads()),
			FFNNorm:       NewRMSNorm(prefix+"ffn_norm", args.Dim, args.NormEps),
			FeedForward:   NewSwiGLUFFN(prefix+"feed_forward", args.Dim, args.HiddenDim()),
		}
		m.Layers = append(m.Layers, b)
		m.params = append(m.params, b.Attention.Parameters()...)
		m.params = append(m.params, b.FeedForward.Parameters()...)
		m.params = append(m.params, b.AttentionNorm.Weight, b.FFNNorm.Weight)
	}
	m.params = append(m.params, m.Norm.Weight)

	residualStd := initStd / math.Sqrt(2*float64(args.NLayers))
	for _, p := range m.params {
		switch {
		case p.Shape().Equal(tensor.Shape{args.Dim}):
			// Norm gains stay at one.
		case strings.HasSuffix(p.Name(), "wo.weight"), strings.HasSuffix(p.Name(), "w3.weight"):
			initNormal(p, residualStd, m.rng)
		default:
			initNormal(p, initStd, m.rng)
		}
	}

	return m, nil
}

// SetParallel overrides the intra-op parallelism settings.
func (m *Transformer) SetParallel(cfg parallel.Config) {
	m.parallel = cfg
}

// Parameters returns every trainable parameter once, in canonical order.
func (m *Transformer) Parameters() []*Parameter {
	return m.params
}

// NumParams returns the number of trainable scalars.
func (m *Transformer) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += p.Shape().NumElements()
	}
	return n
}

// ZeroGrad clears every gradient.
func (m *Transformer) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// dropoutMask draws a scaled keep mask of size n, or nil when disabled.
func (m *Transformer) dropoutMask(n int, train bool) []float32 {
	p := m.Args.Dropout
	if !train || p == 0 {
		return nil
	}
	keep := 1 / (1 - p)
	mask := make([]float32, n)
	for i := range mask {
		if m.rng.Float32() >= p {
			mask[i] = keep
		}
	}
	return mask
}

func applyMask(x, mask []float32) {
	for i, k := range mask {
		x[i] *= k
	}
}

func addInto(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// run executes the decoder stack and returns the cache with unnormalized
// logits in probs.
func (m *Transformer) run(tokens []int32, batch, seq int, train bool) (*forwardCache, error) {
	if batch <= 0 || seq <= 0 || len(tokens) != batch*seq {
		return nil, fmt.Errorf("got %d tokens for batch %d × seq %d", len(tokens), batch, seq)
	}
	if seq > m.Args.MaxSeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds max_seq_len %d", seq, m.Args.MaxSeqLen)
	}

	d, n, cfg := m.Args.Dim, batch*seq, m.parallel
	c := &forwardCache{tokens: tokens, batch: batch, seq: seq}

	h := make([]float32, n*d)
	if err := m.TokEmbeddings.Forward(h, tokens); err != nil {
		return nil, err
	}
	c.embMask = m.dropoutMask(n*d, train)
	applyMask(h, c.embMask)

	for _, b := range m.Layers {
		bc := &blockCache{in: h}

		xa := make([]float32, n*d)
		bc.rinvAttn = b.AttentionNorm.Forward(xa, h, n, cfg)
		ao := make([]float32, n*d)
		bc.attn = b.Attention.Forward(ao, xa, batch, seq, m.rope, cfg)
		bc.attnMask = m.dropoutMask(n*d, train)
		applyMask(ao, bc.attnMask)

		bc.mid = make([]float32, n*d)
		copy(bc.mid, h)
		addInto(bc.mid, ao)

		xf := make([]float32, n*d)
		bc.rinvFFN = b.FFNNorm.Forward(xf, bc.mid, n, cfg)
		fo := make([]float32, n*d)
		bc.ffn = b.FeedForward.Forward(fo, xf, n, cfg)
		bc.ffnMask = m.dropoutMask(n*d, train)
		applyMask(fo, bc.ffnMask)

		h = make([]float32, n*d)
		copy(h, bc.mid)
		addInto(h, fo)

		c.blocks = append(c.blocks, bc)
	}

	c.last = h
	c.normed = make([]float32, n*d)
	c.rinv = m.Norm.Forward(c.normed, h, n, cfg)
	c.probs = make([]float32, n*m.Args.VocabSize)
	linearForward(c.probs, c.normed, m.TokEmbeddings.Weight.Data(), n, d, m.Args.VocabSize)

	return c, nil
}

// Forward runs the model on tokens [batch·seq] and returns the mean
// cross-entropy against targets. Targets equal to IgnoreIndex are skipped.
//
// With train set, dropout is active and the activations are kept for
// Backward. Without it, nothing is kept.
func (m *Transformer) Forward(tokens, targets []int32, batch, seq int, train bool) (float32, error) {
	m.cache = nil
	if len(targets) != len(tokens) {
		return 0, fmt.Errorf("got %d targets for %d tokens", len(targets), len(tokens))
	}
	for _, t := range targets {
		if t != IgnoreIndex && (t < 0 || int(t) >= m.Args.VocabSize) {
			return 0, fmt.Errorf("target id %d out of range [0, %d)", t, m.Args.VocabSize)
		}
	}

	c, err := m.run(tokens, batch, seq, train)
	if err != nil {
		return 0, err
	}
	loss, count := crossEntropy(c.probs, targets, batch*seq, m.Args.VocabSize, m.parallel)
	c.targets, c.count = targets, count

	if train {
		m.cache = c
	}
	return float32(loss), nil
}

// Backward accumulates into every parameter gradient the derivative of
// scale·loss, where loss is the value returned by the last training Forward.
func (m *Transformer) Backward(scale float32) error {
	c := m.cache
	if c == nil {
		return ErrNoForward
	}
	m.cache = nil

	d, v, cfg := m.Args.Dim, m.Args.VocabSize, m.parallel
	n := c.batch * c.seq

	crossEntropyBackward(c.probs, c.targets, n, v, c.count, scale)

	dnormed := make([]float32, n*d)
	emb := m.TokEmbeddings.Weight
	linearBackward(dnormed, emb.GradData(), c.probs, c.normed, emb.Data(), n, d, v)

	dh := make([]float32, n*d)
	m.Norm.Backward(dh, dnormed, c.last, c.rinv, n, cfg)

	branch := make([]float32, n*d)
	dx := make([]float32, n*d)
	for l := len(m.Layers) - 1; l >= 0; l-- {
		b, bc := m.Layers[l], c.blocks[l]

		// Feed-forward residual: dh reaches mid directly and through the branch.
		copy(branch, dh)
		applyMask(branch, bc.ffnMask)
		clear(dx)
		b.FeedForward.Backward(dx, branch, bc.ffn, n, cfg)
		b.FFNNorm.Backward(dh, dx, bc.mid, bc.rinvFFN, n, cfg)

		// Attention residual.
		copy(branch, dh)
		applyMask(branch, bc.attnMask)
		clear(dx)
		b.Attention.Backward(dx, branch, bc.attn, c.batch, c.seq, m.rope, cfg)
		b.AttentionNorm.Backward(dh, dx, bc.in, bc.rinvAttn, n, cfg)
	}

	applyMask(dh, c.embMask)
	m.TokEmbeddings.Backward(dh, c.tokens)
	return nil
}

// Logits returns the next-token logits after the last position of tokens.
func (m *Transformer) Logits(tokens []int32) ([]float32, error) {
	c, err := m.run(tokens, 1, len(tokens), false)
	if err != nil {
		return nil, err
	}
	v := m.Args.VocabSize
	last := len(tokens) - 1
	out := make([]float32, v)
	copy(out, c.probs[last*v:(last+1)*v])
	return out, nil
}

// StateDict maps canonical names to the live parameter tensors.
// output.weight aliases tok_embeddings.weight.
func (m *Transformer) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor, len(m.params)+1)
	for _, p := range m.params {
		sd[p.Name()] = p.Tensor()
	}
	sd[NameOutput] = m.TokEmbeddings.Weight.Tensor()
	return sd
}

// LoadStateDict copies values into the parameters. Names may carry the
// legacy "_orig_mod." prefix. Every parameter must be present with a
// matching shape; unknown names are rejected. BFloat16 tensors are widened.
func (m *Transformer) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	clean := make(map[string]*tensor.RawTensor, len(stateDict))
	for name, t := range stateDict {
		clean[strings.TrimPrefix(name, legacyPrefix)] = t
	}

	known := make(map[string]*Parameter, len(m.params))
	for _, p := range m.params {
		known[p.Name()] = p
	}

	var unexpected []string
	for name := range clean {
		if _, ok := known[name]; !ok && name != NameOutput {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("unexpected keys in state dict: %s", strings.Join(unexpected, ", "))
	}

	for _, p := range m.params {
		src, ok := clean[p.Name()]
		if !ok {
			return fmt.Errorf("missing key %q in state dict", p.Name())
		}
		if !src.Shape().Equal(p.Shape()) {
			return fmt.Errorf("shape mismatch for %s: checkpoint %v, model %v", p.Name(), src.Shape(), p.Shape())
		}
		switch src.DType() {
		case tensor.Float32:
		case tensor.BFloat16:
			src = src.ToFloat32()
		default:
			return fmt.Errorf("%s: unsupported dtype %s", p.Name(), src.DType())
		}
		copy(p.Data(), src.AsFloat32())
	}

	if out, ok := clean[NameOutput]; ok && !out.Shape().Equal(m.TokEmbeddings.Weight.Shape()) {
		return fmt.Errorf("shape mismatch for %s: checkpoint %v", NameOutput, out.Shape())
	}
	return nil
}

// FLOPsPerToken estimates forward+backward FLOPs per token at sequence
// length seq: 6·N for the weights plus 12·L·H·Q·T for attention.
func (m *Transformer) FLOPsPerToken(seq int) float64 {
	a := m.Args
	n := float64(m.NumParams())
	return 6*n + 12*float64(a.NLayers*a.NHeads*a.HeadDim()*seq)
}

// EstimateMFU returns model FLOPs utilization relative to peakFLOPS for
// fwdbwdPerIter sequences processed in dtSeconds.
func (m *Transformer) EstimateMFU(fwdbwdPerIter int, dtSeconds, peakFLOPS float64) float64 {
	if dtSeconds <= 0 || peakFLOPS <= 0 {
		return 0
	}
	seq := m.Args.MaxSeqLen
	perIter := m.FLOPsPerToken(seq) * float64(seq) * float64(fwdbwdPerIter)
	return perIter / dtSeconds / peakFLOPS
}

var _ Module = (*Transformer)(nil)
