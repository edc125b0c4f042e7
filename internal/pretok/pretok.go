// Package pretok converts raw text shards into flat uint16 token shards.
//
// Every shard is processed by exactly one worker. A shard that fails is
// reported and skipped; the rest of the corpus is still written.
package pretok

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/born-ml/tinyllama/internal/parallel"
	"github.com/born-ml/tinyllama/internal/serialization"
	"github.com/born-ml/tinyllama/internal/tokenizer"
)

// DefaultTextColumn is the column holding cleaned document text.
const DefaultTextColumn = "example"

// TokenizedDirName is the output directory created next to the data directory.
const TokenizedDirName = "tokenized"

// Options configures a pretokenization run.
type Options struct {
	DataDir    string
	OutDir     string // default: <parent(DataDir)>/tokenized
	Workers    int    // default: runtime.NumCPU()
	TextColumn string // default: "example"
	Tokenizer  tokenizer.Tokenizer
	Logger     *slog.Logger
}

// ShardResult describes one processed shard.
type ShardResult struct {
	Source string
	Output string
	Rows   int
	Tokens int
	Err    error
}

// Report summarizes a run, one entry per shard in name order.
type Report struct {
	Shards   []ShardResult
	Duration time.Duration
}

// Tokens returns the total tokens written across successful shards.
func (r Report) Tokens() int {
	total := 0
	for _, s := range r.Shards {
		if s.Err == nil {
			total += s.Tokens
		}
	}
	return total
}

// Failed returns the shards that could not be written.
func (r Report) Failed() []ShardResult {
	var failed []ShardResult
	for _, s := range r.Shards {
		if s.Err != nil {
			failed = append(failed, s)
		}
	}
	return failed
}

// DefaultOutDir returns the tokenized directory sibling to dataDir.
func DefaultOutDir(dataDir string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(dataDir)), TokenizedDirName)
}

func (o *Options) withDefaults() error {
	if o.DataDir == "" {
		return errors.New("data directory is required")
	}
	if o.Tokenizer == nil {
		return errors.New("tokenizer is required")
	}
	if o.OutDir == "" {
		o.OutDir = DefaultOutDir(o.DataDir)
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.TextColumn == "" {
		o.TextColumn = DefaultTextColumn
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// Pretokenize tokenizes every raw shard in opts.DataDir into opts.OutDir.
//
// The returned error joins the errors of every failed shard; the report is
// complete either way.
func Pretokenize(ctx context.Context, opts Options) (Report, error) {
	start := time.Now()
	if err := opts.withDefaults(); err != nil {
		return Report{}, err
	}
	if err := tokenizer.CheckUint16(opts.Tokenizer); err != nil {
		return Report{}, err
	}

	shards, err := discoverShards(opts.DataDir)
	if err != nil {
		return Report{}, err
	}
	if len(shards) == 0 {
		return Report{}, fmt.Errorf("no .csv or .parquet shards in %s", opts.DataDir)
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("failed to create %s: %w", opts.OutDir, err)
	}

	opts.Logger.Info("pretokenizing",
		"shards", len(shards), "workers", opts.Workers, "out", opts.OutDir)

	report := Report{Shards: make([]ShardResult, len(shards))}
	errs := parallel.Run(ctx, len(shards), opts.Workers, func(ctx context.Context, i int) error {
		res := processShard(ctx, shards[i], opts)
		report.Shards[i] = res
		return res.Err
	})

	var failures []error
	for i, err := range errs {
		if err == nil {
			continue
		}
		// Panics and unstarted tasks never filled their slot.
		report.Shards[i].Source = shards[i]
		report.Shards[i].Err = err
		opts.Logger.Error("shard failed", "shard", filepath.Base(shards[i]), "err", err)
		failures = append(failures, fmt.Errorf("%s: %w", filepath.Base(shards[i]), err))
	}

	report.Duration = time.Since(start)
	opts.Logger.Info("done",
		"tokens", report.Tokens(), "failed", len(failures), "elapsed", report.Duration.Round(time.Millisecond))

	return report, errors.Join(failures...)
}

// processShard tokenizes one raw shard and writes its .bin file atomically.
func processShard(ctx context.Context, src string, opts Options) ShardResult {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	res := ShardResult{
		Source: src,
		Output: filepath.Join(opts.OutDir, base+".bin"),
	}

	var tokens []uint16
	err := eachText(src, opts.TextColumn, func(row int, text string) error {
		if row%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		ids, err := tokenizer.EncodeWithMarkers(opts.Tokenizer, strings.TrimSpace(text), true, true)
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		for _, id := range ids {
			if id < 0 || id > math.MaxUint16 {
				return fmt.Errorf("row %d: token id %d does not fit uint16", row, id)
			}
			tokens = append(tokens, uint16(id))
		}
		res.Rows++
		return nil
	})
	if err != nil {
		res.Err = err
		return res
	}

	res.Err = serialization.WriteFileAtomic(res.Output, func(w io.Writer) error {
		if len(tokens) == 0 {
			return nil
		}
		return binary.Write(w, binary.LittleEndian, tokens)
	})
	res.Tokens = len(tokens)

	opts.Logger.Debug("shard written",
		"shard", filepath.Base(src), "rows", res.Rows, "tokens", res.Tokens)
	return res
}
