// Package train runs the distributed training loop: gradient accumulation,
// loss scaling, clipping, a cosine learning-rate schedule with warmup,
// periodic evaluation with patience-based early stopping, and checkpoints.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/tinyllama/internal/checkpoint"
	"github.com/born-ml/tinyllama/internal/config"
	"github.com/born-ml/tinyllama/internal/dataset"
	"github.com/born-ml/tinyllama/internal/dist"
	"github.com/born-ml/tinyllama/internal/metrics"
	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/optim"
	"github.com/born-ml/tinyllama/internal/tensor"
	"github.com/born-ml/tinyllama/internal/tokenizer"
)

// MetricsFile is the JSONL metrics log inside out_dir.
const MetricsFile = "metrics.jsonl"

// Llama token ids recorded in the HF config when no tokenizer is configured.
const (
	defaultBosID = 1
	defaultEosID = 2
)

// Options configure a Trainer.
type Options struct {
	Config *config.Config
	Env    dist.Env
	Group  dist.Group   // nil joins the group described by Env
	Sink   metrics.Sink // nil builds sinks from Config on the master
	Logger *slog.Logger
}

// Trainer owns the model, optimizer and data of one training process.
type Trainer struct {
	cfg    *config.Config
	logger *slog.Logger
	group  dist.Group
	sink   metrics.Sink

	rank   int
	world  int
	master bool
	accum  int

	args  nn.ModelArgs
	model *nn.Transformer
	opt   optim.Optimizer
	sc    *optim.GradScaler

	sched  Schedule
	offset int64 // iter_num of the resumed checkpoint
	best   float64
	runID  string

	train     *dataset.Loader
	tokFiles  []string
	bos, eos  int
	gradBuf   []float32
	tokensPer int
}

// New validates the distributed layout, builds or restores the model and
// opens the training data.
func New(ctx context.Context, opts Options) (*Trainer, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env := opts.Env
	if env.WorldSize <= 0 {
		env.WorldSize = 1
	}

	accum := cfg.GradientAccumulationSteps
	if env.WorldSize > 1 {
		if accum%env.WorldSize != 0 {
			return nil, &config.FieldError{
				Key:    "gradient_accumulation_steps",
				Reason: fmt.Sprintf("%d not divisible by world size %d", accum, env.WorldSize),
			}
		}
		accum /= env.WorldSize
	}

	t := &Trainer{
		cfg:    cfg,
		logger: logger.With(slog.Int("rank", env.Rank)),
		rank:   env.Rank,
		world:  env.WorldSize,
		master: env.Rank == 0,
		accum:  accum,
		best:   noBest,
		bos:    defaultBosID,
		eos:    defaultEosID,
	}

	if err := t.init(ctx, env, opts); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Trainer) init(ctx context.Context, env dist.Env, opts Options) error {
	cfg := t.cfg

	if t.master {
		if err := os.MkdirAll(cfg.OutDir, 0o750); err != nil {
			return fmt.Errorf("failed to create out_dir: %w", err)
		}
	}

	seed := cfg.Seed + int64(t.rank)
	t.args = cfg.ModelArgs()
	t.sched = NewSchedule(cfg.LearningRate, int64(cfg.WarmupIters), int64(cfg.MaxIters), cfg.MaxLR, cfg.DecayLR)

	var resumed *checkpoint.State
	if cfg.InDir != "" {
		st, err := checkpoint.LoadResume(filepath.Join(cfg.InDir, checkpoint.ResumeFile))
		if err != nil {
			return err
		}
		resumed = st
		t.args = resumeArgs(t.args, st.Args)
	}
	t.tokensPer = t.accum * t.world * cfg.BatchSize * t.args.MaxSeqLen
	if t.master {
		t.logger.Info("tokens per iteration",
			slog.Int("tokens", t.tokensPer),
			slog.Int("grad_accum", t.accum),
			slog.Int("world_size", t.world),
			slog.Int("batch_size", cfg.BatchSize),
			slog.Int("max_seq_len", t.args.MaxSeqLen),
		)
	}

	model, err := nn.NewTransformer(t.args, seed)
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}
	t.model = model

	t.opt, err = optim.New(cfg.Optimizer, model.Parameters(), optim.AdamWConfig{
		LR:          float32(cfg.LearningRate),
		Betas:       [2]float32{float32(cfg.Beta1), float32(cfg.Beta2)},
		WeightDecay: float32(cfg.WeightDecay),
	})
	if err != nil {
		return &config.FieldError{Key: "optimizer", Reason: err.Error()}
	}

	if resumed != nil {
		if err := t.restore(resumed); err != nil {
			return err
		}
	} else {
		t.logger.Info("initializing a new model from scratch", slog.Int("params", model.NumParams()))
	}
	if t.runID == "" {
		t.runID = metrics.NewRunID()
	}

	t.sc = optim.NewGradScaler(cfg.DType == config.DTypeFloat16)

	if opts.Group != nil {
		t.group = opts.Group
	} else if t.group, err = dist.Join(ctx, env, t.logger); err != nil {
		return err
	}
	if t.world > 1 {
		if err := t.broadcastWeights(ctx); err != nil {
			return err
		}
	}

	if cfg.Tokenizer != "" {
		if err := t.loadTokenizer(); err != nil {
			return err
		}
	}

	t.train, err = dataset.NewLoader(dataset.LoaderOptions{
		Dir:        cfg.Dataset,
		Split:      dataset.Train,
		BatchSize:  cfg.BatchSize,
		MaxSeqLen:  t.args.MaxSeqLen,
		NumWorkers: cfg.NumWorkers,
		Rank:       t.rank,
		Logger:     t.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open training data: %w", err)
	}

	t.sink = opts.Sink
	if t.sink == nil {
		t.sink, err = t.openSink()
		if err != nil {
			return err
		}
	}
	return nil
}

// resumeArgs takes the shape of the model from the checkpoint and the
// runtime settings from the config.
func resumeArgs(cfg, ckpt nn.ModelArgs) nn.ModelArgs {
	args := cfg
	args.Dim = ckpt.Dim
	args.NLayers = ckpt.NLayers
	args.NHeads = ckpt.NHeads
	args.NKVHeads = ckpt.NKVHeads
	args.VocabSize = ckpt.VocabSize
	args.MultipleOf = ckpt.MultipleOf
	args.MaxSeqLen = ckpt.MaxSeqLen
	return args
}

func (t *Trainer) restore(st *checkpoint.State) error {
	cfg := t.cfg
	if err := t.model.LoadStateDict(st.Model); err != nil {
		return fmt.Errorf("failed to restore model: %w", err)
	}
	if len(st.Optimizer) > 0 {
		if st.OptimizerType != "" && st.OptimizerType != cfg.Optimizer {
			t.logger.Warn("optimizer changed, starting with fresh optimizer state",
				slog.String("checkpoint", st.OptimizerType), slog.String("config", cfg.Optimizer))
		} else if err := t.opt.LoadStateDict(st.Optimizer); err != nil {
			return fmt.Errorf("failed to restore optimizer: %w", err)
		}
	}

	prev := NewSchedule(cfg.LearningRate, int64(cfg.WarmupIters), st.MaxIters, cfg.MaxLR, cfg.DecayLR)
	t.offset = st.IterNum
	t.sched = prev.Resume(st.IterNum, int64(cfg.MaxIters), cfg.RewarmFactor)

	if filepath.Clean(cfg.InDir) == filepath.Clean(cfg.OutDir) {
		t.best = st.BestValLoss
		t.runID = st.RunID
	}

	t.logger.Info("resuming training",
		slog.String("in_dir", cfg.InDir),
		slog.Int64("iter", t.offset),
		slog.Float64("max_lr", t.sched.Ceiling),
		slog.Int("max_iters", cfg.MaxIters),
		slog.Int64("horizon", t.sched.Horizon),
	)
	return nil
}

// broadcastWeights makes every rank start from rank 0's parameters.
func (t *Trainer) broadcastWeights(ctx context.Context) error {
	for _, p := range t.model.Parameters() {
		if err := t.group.Broadcast(ctx, p.Data()); err != nil {
			return fmt.Errorf("failed to broadcast %s: %w", p.Name(), err)
		}
	}
	return nil
}

func (t *Trainer) loadTokenizer() error {
	tok, err := tokenizer.Load(t.cfg.Tokenizer)
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	if tok.VocabSize() > t.args.VocabSize {
		return &config.FieldError{
			Key:    "vocab_size",
			Reason: fmt.Sprintf("%d is smaller than the tokenizer vocabulary %d", t.args.VocabSize, tok.VocabSize()),
		}
	}
	if id := tok.BosToken(); id >= 0 {
		t.bos = int(id)
	}
	if id := tok.EosToken(); id >= 0 {
		t.eos = int(id)
	}
	t.tokFiles, err = tokenizer.Files(t.cfg.Tokenizer)
	return err
}

func (t *Trainer) openSink() (metrics.Sink, error) {
	if !t.master || !t.cfg.WandbLog {
		return metrics.Nop{}, nil
	}
	return metrics.Open(metrics.Options{
		Path:    filepath.Join(t.cfg.OutDir, MetricsFile),
		URL:     t.cfg.MetricsURL,
		Project: t.cfg.WandbProject,
		RunName: t.cfg.RunName(time.Now()),
		RunID:   t.runID,
		Logger:  t.logger,
	})
}

// Model returns the model being trained.
func (t *Trainer) Model() *nn.Transformer { return t.model }

// Schedule returns the learning-rate schedule of this session.
func (t *Trainer) Schedule() Schedule { return t.sched }

// Offset returns the absolute iteration this session started from.
func (t *Trainer) Offset() int64 { return t.offset }

// RunID identifies the run in metrics and checkpoints.
func (t *Trainer) RunID() string { return t.runID }

// exportDType is the HF weight type for the configured precision.
func (t *Trainer) exportDType() tensor.DataType {
	if t.cfg.DType == config.DTypeBFloat16 {
		return tensor.BFloat16
	}
	return tensor.Float32
}

// Close releases the data loaders, the metrics sinks and the collective.
func (t *Trainer) Close() error {
	var errs []error
	if t.train != nil {
		errs = append(errs, t.train.Close())
		t.train = nil
	}
	if t.sink != nil {
		if err := t.sink.Close(); err != nil {
			t.logger.Warn("failed to close metrics sink", slog.Any("error", err))
		}
		t.sink = nil
	}
	if t.group != nil {
		errs = append(errs, t.group.Close())
		t.group = nil
	}
	return errors.Join(errs...)
}
