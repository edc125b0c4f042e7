package train

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/born-ml/tinyllama/internal/checkpoint"
	"github.com/born-ml/tinyllama/internal/dataset"
	"github.com/born-ml/tinyllama/internal/metrics"
	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/optim"
)

// Why the loop ended.
const (
	StopConverged = "max_iters"
	StopEarly     = "early_stopping"
	StopEvalOnly  = "eval_only"
)

// Result summarizes a finished session.
type Result struct {
	Steps       int     // optimizer steps attempted this session
	IterNum     int64   // absolute iteration the loop stopped at
	BestValLoss float64 // best validation loss seen (master only)
	Evals       int
	Saves       int
	Reason      string
}

// Losses are the mean evaluation losses of both splits.
type Losses struct {
	Train float64
	Val   float64
}

type fetched struct {
	batch dataset.Batch
	err   error
}

// Run trains until max_iters, early stopping or, in eval_only mode, the
// first evaluation. The trainer is closed on return.
func (t *Trainer) Run(ctx context.Context) (res Result, err error) {
	defer func() {
		if cerr := t.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	cfg := t.cfg
	params := t.model.Parameters()
	stop := newStopper(cfg.Patience, t.best)

	batch, err := t.train.Next(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch first batch: %w", err)
	}

	var (
		iterNum    int64 // this session
		localIter  int
		runningMFU = -1.0
		earlyStop  bool
		lastLoss   float32
	)
	t0 := time.Now()

	for {
		abs := t.offset + iterNum
		lr := t.sched.LR(abs)
		t.opt.SetLR(float32(lr))

		evalPending := iterNum%int64(cfg.EvalInterval) == 0
		if evalPending && t.master {
			losses, err := t.estimateLoss(ctx)
			if err != nil {
				return res, err
			}
			res.Evals++
			t.logger.Info("eval",
				slog.Int64("iter", iterNum),
				slog.Int64("offset", t.offset),
				slog.Float64("train_loss", losses.Train),
				slog.Float64("val_loss", losses.Val),
				slog.Int("patience", stop.waited),
				slog.Int("max_patience", cfg.Patience),
			)
			t.logMetrics(ctx, metrics.Record{
				Iter:      iterNum,
				Tokens:    iterNum * int64(t.tokensPer),
				TrainLoss: losses.Train,
				ValLoss:   losses.Val,
				LR:        lr,
				MFU:       runningMFU * 100,
			})

			d := stop.observe(losses.Val, cfg.AlwaysSaveCheckpoint)
			if d.stop && !earlyStop {
				t.logger.Info("patience exhausted, stopping early",
					slog.Int("waited", stop.waited), slog.Int("patience", cfg.Patience), slog.Int64("iter", iterNum))
			}
			earlyStop = d.stop
			if d.save && abs > 0 {
				if err := t.save(abs, d.best); err != nil {
					return res, err
				}
				res.Saves++
			}
			res.BestValLoss = d.best
		}
		if evalPending && t.world > 1 {
			if earlyStop, err = t.shareStop(ctx, earlyStop); err != nil {
				return res, err
			}
		}

		if earlyStop {
			res.Reason = StopEarly
			break
		}
		if iterNum == 0 && cfg.EvalOnly {
			res.Reason = StopEvalOnly
			break
		}

		batch, lastLoss, err = t.step(ctx, params, batch)
		if err != nil {
			return res, err
		}
		res.Steps++

		t1 := time.Now()
		dt := t1.Sub(t0)
		t0 = t1
		if iterNum%int64(cfg.LogInterval) == 0 && t.master {
			lossf := float64(lastLoss) * float64(t.accum)
			if localIter >= 5 {
				mfu := t.model.EstimateMFU(cfg.BatchSize*t.accum, dt.Seconds(), cfg.PeakFLOPS)
				if runningMFU < 0 {
					runningMFU = mfu
				} else {
					runningMFU = 0.9*runningMFU + 0.1*mfu
				}
			}
			t.logger.Info("step",
				slog.Int64("iter", iterNum),
				slog.Float64("loss", lossf),
				slog.Float64("lr", lr),
				slog.Duration("dt", dt),
				slog.Float64("tokens_per_sec", float64(t.tokensPer)/dt.Seconds()),
				slog.Float64("mfu", runningMFU*100),
			)
		}
		iterNum++
		localIter++

		if iterNum > int64(cfg.MaxIters) {
			res.Reason = StopConverged
			break
		}
	}

	res.IterNum = t.offset + iterNum
	return res, nil
}

// step runs one accumulation group and the optimizer update. It returns the
// batch prefetched for the next step and the last micro-step loss divided by
// the accumulation count.
func (t *Trainer) step(ctx context.Context, params []*nn.Parameter, batch dataset.Batch) (dataset.Batch, float32, error) {
	var loss float32
	scale := t.sc.Scale() / float32(t.accum)
	for micro := 0; micro < t.accum; micro++ {
		l, err := t.model.Forward(batch.X, batch.Y, batch.BatchSize, batch.SeqLen, true)
		if err != nil {
			return batch, 0, fmt.Errorf("forward: %w", err)
		}
		loss = l / float32(t.accum)

		next := make(chan fetched, 1)
		go func() {
			b, err := t.train.Next(ctx)
			next <- fetched{b, err}
		}()

		berr := t.model.Backward(scale)
		f := <-next
		if berr != nil {
			return batch, 0, fmt.Errorf("backward: %w", berr)
		}
		if f.err != nil {
			return batch, 0, fmt.Errorf("failed to fetch batch: %w", f.err)
		}
		batch = f.batch
	}

	if t.world > 1 {
		if err := t.allReduceGrads(ctx, params); err != nil {
			return batch, 0, err
		}
	}

	finite := t.sc.Unscale(params)
	if finite {
		if t.cfg.GradClip > 0 {
			optim.ClipGradNorm(params, t.cfg.GradClip)
		}
		t.opt.Step()
	} else {
		t.logger.Warn("non-finite gradients, skipping step", slog.Float64("scale", float64(t.sc.Scale())))
	}
	t.sc.Update(!finite)
	t.opt.ZeroGrad()
	return batch, loss, nil
}

// allReduceGrads averages every gradient across ranks in one collective.
func (t *Trainer) allReduceGrads(ctx context.Context, params []*nn.Parameter) error {
	if t.gradBuf == nil {
		n := 0
		for _, p := range params {
			n += len(p.GradData())
		}
		t.gradBuf = make([]float32, n)
	}
	off := 0
	for _, p := range params {
		off += copy(t.gradBuf[off:], p.GradData())
	}
	if err := t.group.AllReduceMean(ctx, t.gradBuf); err != nil {
		return fmt.Errorf("gradient all-reduce: %w", err)
	}
	off = 0
	for _, p := range params {
		off += copy(p.GradData(), t.gradBuf[off:])
	}
	return nil
}

// shareStop hands the master's stop decision to every rank so all of them
// leave the loop at the same iteration.
func (t *Trainer) shareStop(ctx context.Context, stop bool) (bool, error) {
	flag := []float32{0}
	if stop {
		flag[0] = 1
	}
	if err := t.group.Broadcast(ctx, flag); err != nil {
		return false, fmt.Errorf("stop broadcast: %w", err)
	}
	return flag[0] != 0, nil
}

// estimateLoss averages eval_iters batches of each split with dropout off.
// Each call opens fresh streams, so every evaluation sees the same batches.
func (t *Trainer) estimateLoss(ctx context.Context) (Losses, error) {
	var out Losses
	for _, split := range []dataset.Split{dataset.Train, dataset.Val} {
		mean, err := t.meanLoss(ctx, split)
		if err != nil {
			return out, err
		}
		if split == dataset.Train {
			out.Train = mean
		} else {
			out.Val = mean
		}
	}
	return out, nil
}

func (t *Trainer) meanLoss(ctx context.Context, split dataset.Split) (float64, error) {
	loader, err := dataset.NewLoader(dataset.LoaderOptions{
		Dir:       t.cfg.Dataset,
		Split:     split,
		BatchSize: t.cfg.BatchSize,
		MaxSeqLen: t.args.MaxSeqLen,
		Rank:      t.rank,
		Logger:    t.logger,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open %s data: %w", split, err)
	}
	defer func() { _ = loader.Close() }()

	var sum float64
	for range t.cfg.EvalIters {
		b, err := loader.Next(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch %s batch: %w", split, err)
		}
		l, err := t.model.Forward(b.X, b.Y, b.BatchSize, b.SeqLen, false)
		if err != nil {
			return 0, fmt.Errorf("eval forward: %w", err)
		}
		sum += float64(l)
	}
	return sum / float64(t.cfg.EvalIters), nil
}

func (t *Trainer) logMetrics(ctx context.Context, rec metrics.Record) {
	if err := t.sink.Log(ctx, rec); err != nil {
		t.logger.Warn("logging metrics failed", slog.Any("error", err))
	}
}

// save writes, in order, the resume checkpoint, the inference weights, the
// tokenizer files and the HF export. Each starts after the previous one is
// on disk.
func (t *Trainer) save(abs int64, best float64) error {
	dir := t.cfg.OutDir
	t.logger.Info("saving checkpoint", slog.String("out_dir", dir), slog.Int64("iter", abs))

	sd := t.model.StateDict()
	err := checkpoint.SaveResume(dir, &checkpoint.State{
		Model:           sd,
		Optimizer:       t.opt.StateDict(),
		Args:            t.args,
		IterNum:         abs,
		MaxIters:        int64(t.cfg.MaxIters) + t.offset,
		BestValLoss:     best,
		OptimizerType:   t.cfg.Optimizer,
		OptimizerConfig: t.opt.Config(),
		Config:          t.cfg.Flatten(),
		RunID:           t.runID,
	})
	if err != nil {
		return err
	}
	if err := checkpoint.SaveInference(dir, sd, t.args, t.runID); err != nil {
		return err
	}
	if len(t.tokFiles) > 0 {
		if err := checkpoint.CopyTokenizer(t.tokFiles, dir); err != nil {
			return err
		}
	}
	if t.cfg.HFExport {
		err := checkpoint.ExportHF(dir, sd, t.args, checkpoint.ExportOptions{
			Step:       abs,
			DType:      t.exportDType(),
			BosTokenID: t.bos,
			EosTokenID: t.eos,
		})
		if err != nil {
			return fmt.Errorf("failed to export HF weights: %w", err)
		}
	}
	return nil
}
