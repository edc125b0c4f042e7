package train

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/born-ml/tinyllama/internal/checkpoint"
	"github.com/born-ml/tinyllama/internal/config"
	"github.com/born-ml/tinyllama/internal/dataset"
	"github.com/born-ml/tinyllama/internal/dist"
	"github.com/born-ml/tinyllama/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyVocab = 16

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeShards writes n shards of a cyclic token pattern (next = cur+1 mod
// vocab), which a small model learns within a few steps.
func writeShards(t *testing.T, n, tokens int) string {
	t.Helper()
	dir := t.TempDir()
	for k := 0; k < n; k++ {
		buf := make([]byte, 2*tokens)
		for i := 0; i < tokens; i++ {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16((i+k)%tinyVocab))
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%03d.bin", k)), buf, 0o600))
	}
	return dir
}

func tinyConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Dataset = writeShards(t, 3, 400)
	cfg.OutDir = filepath.Join(t.TempDir(), "out")
	cfg.WandbLog = false

	cfg.Dim = 16
	cfg.NLayers = 1
	cfg.NHeads = 2
	cfg.VocabSize = tinyVocab
	cfg.MultipleOf = 8
	cfg.MaxSeqLen = 8
	cfg.Dropout = 0

	cfg.BatchSize = 2
	cfg.GradientAccumulationSteps = 2
	cfg.LearningRate = 2e-2
	cfg.WarmupIters = 2
	cfg.MaxIters = 6
	cfg.EvalInterval = 3
	cfg.EvalIters = 2
	cfg.Patience = 0
	cfg.DType = config.DTypeFloat32
	cfg.PeakFLOPS = 1e12
	require.NoError(t, cfg.Validate())
	return &cfg
}

type memSink struct {
	mu   sync.Mutex
	recs []metrics.Record
}

func (m *memSink) Log(_ context.Context, rec metrics.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memSink) Close() error { return nil }

type brokenSink struct{}

func (brokenSink) Log(context.Context, metrics.Record) error { return metrics.ErrSink }
func (brokenSink) Close() error                              { return nil }

func newTrainer(t *testing.T, cfg *config.Config, sink metrics.Sink) *Trainer {
	t.Helper()
	tr, err := New(context.Background(), Options{
		Config: cfg,
		Env:    dist.Env{WorldSize: 1},
		Sink:   sink,
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	return tr
}

func TestTrainer_EndToEnd(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.AlwaysSaveCheckpoint = true
	sink := &memSink{}

	tr := newTrainer(t, cfg, sink)
	sched := tr.Schedule()
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopConverged, res.Reason)
	assert.Equal(t, 7, res.Steps, "iterations 0..6 each step once")
	assert.Equal(t, int64(7), res.IterNum)
	assert.Equal(t, 3, res.Evals, "evaluations at 0, 3 and 6")
	assert.Equal(t, 2, res.Saves, "iteration 0 is never saved")

	require.Len(t, sink.recs, 3)
	for i, rec := range sink.recs {
		iter := int64(3 * i)
		assert.Equal(t, iter, rec.Iter)
		assert.Equal(t, iter*int64(2*2*8), rec.Tokens)
		assert.Equal(t, sched.LR(iter), rec.LR)
	}
	assert.Less(t, sink.recs[2].TrainLoss, sink.recs[0].TrainLoss, "training reduces the loss")

	st, err := checkpoint.LoadResume(filepath.Join(cfg.OutDir, checkpoint.ResumeFile))
	require.NoError(t, err)
	assert.Equal(t, int64(6), st.IterNum)
	assert.Equal(t, int64(6), st.MaxIters)
	assert.Equal(t, tr.RunID(), st.RunID)
	assert.Equal(t, "adamw", st.OptimizerType)
	assert.Equal(t, 2.0, st.Config["batch_size"])
	assert.Equal(t, res.BestValLoss, st.BestValLoss)

	assert.FileExists(t, filepath.Join(cfg.OutDir, checkpoint.InferenceFile))
	data, err := os.ReadFile(filepath.Join(cfg.OutDir, checkpoint.HFDir, checkpoint.ConfigFile))
	require.NoError(t, err)
	var hf map[string]any
	require.NoError(t, json.Unmarshal(data, &hf))
	assert.Equal(t, 6.0, hf["steps"])
	assert.Equal(t, "float32", hf["torch_dtype"])
}

func TestTrainer_CheckpointMatchesModel(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.AlwaysSaveCheckpoint = true
	cfg.MaxIters = 3

	tr := newTrainer(t, cfg, metrics.Nop{})
	_, err := tr.Run(context.Background())
	require.NoError(t, err)

	// The last save happened at iteration 3, before the final step.
	sd, args, err := checkpoint.LoadModel(filepath.Join(cfg.OutDir, checkpoint.InferenceFile))
	require.NoError(t, err)
	assert.Equal(t, cfg.ModelArgs(), args)

	x := []int32{3, 4, 5, 6, 7, 8, 9, 10}
	y := []int32{4, 5, 6, 7, 8, 9, 10, 11}

	resumed := newTrainer(t, withResume(cfg, cfg.OutDir, filepath.Join(t.TempDir(), "next")), metrics.Nop{})
	defer resumed.Close()
	got, err := resumed.Model().Forward(x, y, 1, 8, false)
	require.NoError(t, err)

	fresh := newTrainer(t, cfg, metrics.Nop{})
	defer fresh.Close()
	require.NoError(t, fresh.Model().LoadStateDict(sd))
	want, err := fresh.Model().Forward(x, y, 1, 8, false)
	require.NoError(t, err)

	assert.InDelta(t, want, got, 1e-6)
}

func withResume(cfg *config.Config, in, out string) *config.Config {
	next := *cfg
	next.InDir = in
	next.OutDir = out
	return &next
}

func TestTrainer_Resume(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.AlwaysSaveCheckpoint = true
	cfg.MaxIters = 4
	cfg.EvalInterval = 2

	first := newTrainer(t, cfg, metrics.Nop{})
	res, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), res.IterNum)

	saved, err := checkpoint.LoadResume(filepath.Join(cfg.OutDir, checkpoint.ResumeFile))
	require.NoError(t, err)
	require.Equal(t, int64(4), saved.IterNum)

	t.Run("new directory", func(t *testing.T) {
		next := withResume(cfg, cfg.OutDir, filepath.Join(t.TempDir(), "b"))
		next.Dim = 32 // ignored: the checkpoint fixes the shape
		next.Dropout = 0.1

		tr := newTrainer(t, next, &memSink{})
		assert.Equal(t, int64(4), tr.Offset())
		assert.Equal(t, 16, tr.Model().Args.Dim)
		assert.Equal(t, float32(0.1), tr.Model().Args.Dropout)

		prev := NewSchedule(cfg.LearningRate, int64(cfg.WarmupIters), 4, cfg.MaxLR, true)
		sched := tr.Schedule()
		assert.InDelta(t, 1.5*prev.LR(4), sched.Ceiling, 1e-15)
		assert.Equal(t, int64(8), sched.Horizon)
		assert.NotEqual(t, saved.RunID, tr.RunID(), "a new directory starts a new run")
		assert.Equal(t, float64(noBest), tr.best)

		res, err := tr.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(9), res.IterNum)

		st, err := checkpoint.LoadResume(filepath.Join(next.OutDir, checkpoint.ResumeFile))
		require.NoError(t, err)
		assert.Equal(t, int64(8), st.IterNum)
		assert.Equal(t, int64(8), st.MaxIters)
	})

	t.Run("same directory", func(t *testing.T) {
		tr := newTrainer(t, withResume(cfg, cfg.OutDir, cfg.OutDir), metrics.Nop{})
		defer tr.Close()
		assert.Equal(t, saved.BestValLoss, tr.best)
		assert.Equal(t, saved.RunID, tr.RunID())
	})

	t.Run("custom rewarm", func(t *testing.T) {
		next := withResume(cfg, cfg.OutDir, filepath.Join(t.TempDir(), "c"))
		next.RewarmFactor = 1
		tr := newTrainer(t, next, metrics.Nop{})
		defer tr.Close()
		prev := NewSchedule(cfg.LearningRate, int64(cfg.WarmupIters), 4, cfg.MaxLR, true)
		assert.InDelta(t, prev.LR(4), tr.Schedule().Ceiling, 1e-15)
	})
}

func TestTrainer_EvalOnly(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.EvalOnly = true
	sink := &memSink{}

	tr := newTrainer(t, cfg, sink)
	before := append([]float32(nil), tr.Model().Parameters()[0].Data()...)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopEvalOnly, res.Reason)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, 1, res.Evals)
	assert.Len(t, sink.recs, 1)
	assert.Equal(t, before, tr.Model().Parameters()[0].Data())
	assert.NoFileExists(t, filepath.Join(cfg.OutDir, checkpoint.ResumeFile))
}

func TestTrainer_SinkFailureIsNotFatal(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.MaxIters = 2

	res, err := newTrainer(t, cfg, brokenSink{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopConverged, res.Reason)
}

func TestTrainer_MetricsFile(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.WandbLog = true
	cfg.MaxIters = 3

	res, err := newTrainer(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evals)

	data, err := os.ReadFile(filepath.Join(cfg.OutDir, MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"loss/val"`)
}

func TestNew_Errors(t *testing.T) {
	t.Run("accumulation not divisible by world size", func(t *testing.T) {
		cfg := tinyConfig(t)
		cfg.GradientAccumulationSteps = 3
		_, err := New(context.Background(), Options{
			Config: cfg,
			Env:    dist.Env{Rank: 0, WorldSize: 2, MasterAddr: "127.0.0.1", MasterPort: "1"},
			Logger: quietLogger(),
		})
		assert.ErrorIs(t, err, config.ErrInvalid)
		assert.ErrorContains(t, err, "not divisible by world size 2")
	})

	t.Run("missing resume checkpoint", func(t *testing.T) {
		cfg := tinyConfig(t)
		cfg.InDir = t.TempDir()
		_, err := New(context.Background(), Options{Config: cfg, Logger: quietLogger()})
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("no training shards", func(t *testing.T) {
		cfg := tinyConfig(t)
		cfg.Dataset = writeShards(t, 1, 400)
		_, err := New(context.Background(), Options{Config: cfg, Logger: quietLogger()})
		assert.ErrorIs(t, err, dataset.ErrEmptySplit)
	})
}

// runRanks trains cfg on world ranks over loopback. prepare, when set, runs
// on each trainer between New and Run.
func runRanks(t *testing.T, cfg *config.Config, world int, prepare func(rank int, tr *Trainer)) ([]*Trainer, []Result) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	trainers := make([]*Trainer, world)
	results := make([]Result, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var g dist.Group
			if rank == 0 {
				g, errs[rank] = dist.ServeTCP(ctx, ln, world, quietLogger())
			} else {
				g, errs[rank] = dist.DialTCP(ctx, addr, rank, world, quietLogger())
			}
			if errs[rank] != nil {
				return
			}
			tr, err := New(ctx, Options{
				Config: cfg,
				Env:    dist.Env{Rank: rank, WorldSize: world},
				Group:  g,
				Sink:   metrics.Nop{},
				Logger: quietLogger(),
			})
			if err != nil {
				errs[rank] = err
				return
			}
			if prepare != nil {
				prepare(rank, tr)
			}
			trainers[rank] = tr
			results[rank], errs[rank] = tr.Run(ctx)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	return trainers, results
}

// Two ranks over loopback end with bitwise identical weights.
func TestTrainer_Distributed(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.MaxIters = 3

	trainers, results := runRanks(t, cfg, 2, nil)

	assert.Equal(t, results[0].IterNum, results[1].IterNum)
	assert.Equal(t, results[0].Steps, results[1].Steps)
	assert.Equal(t, 2, results[0].Evals)
	assert.Equal(t, 0, results[1].Evals, "only the master evaluates")

	p0, p1 := trainers[0].Model().Parameters(), trainers[1].Model().Parameters()
	for i := range p0 {
		assert.Equal(t, p0[i].Data(), p1[i].Data(), p0[i].Name())
	}
}

// earlyStopConfig evaluates every 3 iterations with a patience of one. With
// the best loss preset to 0, which no cross-entropy reaches, no evaluation
// improves: the first one uses up the patience and the second one stops
// the run at iteration 3.
func earlyStopConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := tinyConfig(t)
	cfg.MaxIters = 30
	cfg.Patience = 1
	return cfg
}

func TestTrainer_EarlyStop(t *testing.T) {
	cfg := earlyStopConfig(t)
	sink := &memSink{}
	tr := newTrainer(t, cfg, sink)
	tr.best = 0

	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopEarly, res.Reason)
	assert.Equal(t, int64(3), res.IterNum)
	assert.Equal(t, 3, res.Steps, "no step runs at the stopping iteration")
	assert.Equal(t, 2, res.Evals)
	assert.Equal(t, 1, res.Saves, "the stopping evaluation saves")
	assert.Zero(t, res.BestValLoss)
	require.Len(t, sink.recs, 2)

	st, err := checkpoint.LoadResume(filepath.Join(cfg.OutDir, checkpoint.ResumeFile))
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.IterNum)
	assert.Zero(t, st.BestValLoss)
	assert.FileExists(t, filepath.Join(cfg.OutDir, checkpoint.InferenceFile))
}

func TestTrainer_EarlyStopDistributed(t *testing.T) {
	cfg := earlyStopConfig(t)

	_, results := runRanks(t, cfg, 2, func(rank int, tr *Trainer) {
		if rank == 0 {
			tr.best = 0
		}
	})

	for rank, res := range results {
		assert.Equal(t, StopEarly, res.Reason, "rank %d", rank)
		assert.Equal(t, int64(3), res.IterNum, "rank %d", rank)
		assert.Equal(t, 3, res.Steps, "rank %d", rank)
	}
	assert.Equal(t, 1, results[0].Saves)
	assert.Zero(t, results[1].Saves, "only the master saves")
	assert.Zero(t, results[1].Evals)
}
