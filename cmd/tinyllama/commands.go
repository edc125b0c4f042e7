package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/born-ml/tinyllama/internal/checkpoint"
	"github.com/born-ml/tinyllama/internal/config"
	"github.com/born-ml/tinyllama/internal/dist"
	"github.com/born-ml/tinyllama/internal/generate"
	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/pretok"
	"github.com/born-ml/tinyllama/internal/tokenizer"
	"github.com/born-ml/tinyllama/internal/train"
)

func runPretokenize(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("pretokenize", flag.ContinueOnError)
	cores := fs.Int("cores", runtime.NumCPU(), "worker goroutines")
	tokName := fs.String("tokenizer", "", "tokenizer.json, a directory holding one, or a tiktoken encoding")
	column := fs.String("column", pretok.DefaultTextColumn, "text column of the raw shards")
	out := fs.String("out", "", "output directory (default <parent of data_dir>/tokenized)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("pretokenize takes exactly one data directory")
	}
	if *tokName == "" {
		return errors.New("--tokenizer is required")
	}

	tok, err := tokenizer.Load(*tokName)
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	report, err := pretok.Pretokenize(ctx, pretok.Options{
		DataDir:    fs.Arg(0),
		OutDir:     *out,
		Workers:    *cores,
		TextColumn: *column,
		Tokenizer:  tok,
		Logger:     logger,
	})
	for _, s := range report.Shards {
		if s.Err == nil {
			logger.Debug("shard", "source", filepath.Base(s.Source), "rows", s.Rows, "tokens", s.Tokens)
		}
	}
	if err != nil {
		return fmt.Errorf("%d of %d shards failed: %w", len(report.Failed()), len(report.Shards), err)
	}
	return nil
}

func runTrain(ctx context.Context, args []string, logger *slog.Logger) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	env, err := dist.FromEnv()
	if err != nil {
		return err
	}

	t, err := train.New(ctx, train.Options{Config: cfg, Env: env, Logger: logger})
	if err != nil {
		return err
	}
	res, err := t.Run(ctx)
	if err != nil {
		return err
	}
	if env.IsMaster() {
		logger.Info("training finished",
			"reason", res.Reason,
			"iter", res.IterNum,
			"steps", res.Steps,
			"best_val_loss", res.BestValLoss,
			"checkpoints", res.Saves,
		)
	}
	return nil
}

func runSample(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	ckpt := fs.String("ckpt", "", "run directory or checkpoint file")
	prompt := fs.String("prompt", "", "text to continue")
	tokName := fs.String("tokenizer", "", "tokenizer (default: the one saved in the run directory)")
	maxNew := fs.Int("max-new-tokens", 256, "tokens to generate")
	sc := generate.DefaultSamplingConfig()
	temperature := fs.Float64("temperature", float64(sc.Temperature), "0 samples greedily")
	topK := fs.Int("top-k", sc.TopK, "keep the k most likely tokens, 0 keeps all")
	topP := fs.Float64("top-p", float64(sc.TopP), "nucleus threshold, 1 disables")
	seed := fs.Int64("seed", sc.Seed, "negative seeds from the clock")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ckpt == "" {
		return errors.New("--ckpt is required")
	}

	path, dir := *ckpt, *ckpt
	if info, err := os.Stat(path); err != nil {
		return err
	} else if info.IsDir() {
		path = filepath.Join(dir, checkpoint.InferenceFile)
	} else {
		dir = filepath.Dir(path)
	}
	if *tokName == "" {
		*tokName = dir
	}

	sd, margs, err := checkpoint.LoadModel(path)
	if err != nil {
		return err
	}
	margs.Dropout = 0
	model, err := nn.NewTransformer(margs, 0)
	if err != nil {
		return err
	}
	if err := model.LoadStateDict(sd); err != nil {
		return err
	}
	tok, err := tokenizer.Load(*tokName)
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	logger.Debug("loaded checkpoint", "path", path, "params", model.NumParams())

	sc.Temperature = float32(*temperature)
	sc.TopK = *topK
	sc.TopP = float32(*topP)
	sc.Seed = *seed

	fmt.Fprint(stdout, *prompt)
	res, err := generate.Generate(ctx, model, tok, *prompt, generate.Options{
		MaxNewTokens: *maxNew,
		MaxSeqLen:    margs.MaxSeqLen,
		Sampling:     sc,
		OnToken:      func(_ int32, text string) { fmt.Fprint(stdout, text) },
	})
	fmt.Fprintln(stdout)
	if err != nil {
		return err
	}
	logger.Debug("generation stopped", "reason", res.Reason, "tokens", len(res.Tokens))
	return nil
}
