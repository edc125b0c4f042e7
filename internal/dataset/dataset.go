// Package dataset serves fixed-length training windows from binary token
// shards as an endless, reshuffled stream.
//
// A shard is a flat little-endian uint16 array. Each epoch shuffles the
// shard order, then the window order inside every shard; windows of two
// shards are never interleaved. Shards are memory-mapped and only the
// requested window is copied out.
package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/born-ml/tinyllama/internal/serialization"
)

// Split selects the shards a stream draws from.
type Split string

const (
	// Train uses every shard but the first.
	Train Split = "train"
	// Val uses only the first shard.
	Val Split = "val"
)

// Stream errors.
var (
	// ErrEmptySplit is returned when a split resolves to zero shards.
	ErrEmptySplit = errors.New("split has no shards")

	// ErrShardTooSmall is returned for a shard holding fewer than two windows.
	ErrShardTooSmall = errors.New("shard too small for max_seq_len")
)

// seedBase and rankStride derive a per-(worker, rank) seed.
const (
	seedBase   = 42
	rankStride = 1337
)

// Options configures a Stream.
type Options struct {
	Dir       string
	Split     Split
	MaxSeqLen int
	WorkerID  int
	Rank      int
	Logger    *slog.Logger
}

// Window is one training sample: Y[i] == X[i+1].
type Window struct {
	X []int32
	Y []int32
}

// Stream is an infinite pull iterator over windows of one split.
// A Stream is not safe for concurrent use; give every worker its own.
type Stream struct {
	opts   Options
	logger *slog.Logger
	seed   int64
	rng    *rand.Rand
	shards []string

	pos   int // next shard in shards
	shard *serialization.TokenShard
	ixs   []int
	ix    int

	started bool
	epoch   int
}

// Shards returns the .bin shards of dir assigned to split, sorted by name.
func Shards(dir string, split Split) ([]string, error) {
	all, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	sort.Strings(all)

	var shards []string
	switch split {
	case Train:
		if len(all) > 1 {
			shards = all[1:]
		}
	case Val:
		if len(all) > 0 {
			shards = all[:1]
		}
	default:
		return nil, fmt.Errorf("unknown split %q", split)
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrEmptySplit, split, dir)
	}
	return shards, nil
}

// Seed returns the shuffle seed for a worker on a rank.
func Seed(workerID, rank int) int64 {
	return int64(seedBase + workerID + rankStride*rank)
}

// Open prepares a stream. No shard is mapped until the first Next.
func Open(opts Options) (*Stream, error) {
	if opts.MaxSeqLen <= 0 {
		return nil, fmt.Errorf("max_seq_len must be positive, got %d", opts.MaxSeqLen)
	}
	if _, err := os.Stat(opts.Dir); err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	shards, err := Shards(opts.Dir, opts.Split)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seed := Seed(opts.WorkerID, opts.Rank)
	logger.Debug("opened dataset stream",
		"split", opts.Split, "shards", len(shards), "seed", seed)

	return &Stream{
		opts:   opts,
		logger: logger,
		seed:   seed,
		rng:    rand.New(rand.NewSource(seed)), //nolint:gosec // G404: reproducible shuffling, not security
		shards: shards,
		pos:    len(shards),
	}, nil
}

// Seed returns the seed driving this stream's shuffles.
func (s *Stream) Seed() int64 { return s.seed }

// Epoch returns the number of completed passes over the split.
func (s *Stream) Epoch() int { return s.epoch }

// Next returns the next window. It never reports end of data; errors come
// from shards that cannot be mapped or are too small.
func (s *Stream) Next() (Window, error) {
	for s.shard == nil || s.ix >= len(s.ixs) {
		if err := s.advance(); err != nil {
			return Window{}, err
		}
	}

	seq := s.opts.MaxSeqLen
	start := s.ixs[s.ix] * seq
	s.ix++

	buf := make([]int32, seq+1)
	if err := s.shard.CopyInt32(buf, start); err != nil {
		return Window{}, fmt.Errorf("failed to read window at %d: %w", start, err)
	}
	return Window{X: buf[:seq], Y: buf[1:]}, nil
}

// advance unmaps the current shard and maps the next one, starting a new
// epoch when the shard list is exhausted.
func (s *Stream) advance() error {
	if err := s.release(); err != nil {
		return err
	}

	if s.pos >= len(s.shards) {
		if s.started {
			s.epoch++
			s.logger.Info("finished epoch, reshuffling shards",
				"epoch", s.epoch, "split", s.opts.Split, "seed", s.seed)
		}
		s.started = true
		s.rng.Shuffle(len(s.shards), func(i, j int) {
			s.shards[i], s.shards[j] = s.shards[j], s.shards[i]
		})
		s.pos = 0
	}

	path := s.shards[s.pos]
	s.pos++

	shard, err := serialization.MapTokens(path)
	if err != nil {
		return fmt.Errorf("failed to map shard %s: %w", filepath.Base(path), err)
	}

	// The trailing partial window is dropped.
	n := shard.Len()/s.opts.MaxSeqLen - 1
	if n <= 0 {
		_ = shard.Close()
		return fmt.Errorf("%w: %s holds %d tokens, max_seq_len %d",
			ErrShardTooSmall, filepath.Base(path), shard.Len(), s.opts.MaxSeqLen)
	}

	ixs := make([]int, n)
	for i := range ixs {
		ixs[i] = i
	}
	s.rng.Shuffle(n, func(i, j int) { ixs[i], ixs[j] = ixs[j], ixs[i] })

	s.shard, s.ixs, s.ix = shard, ixs, 0
	return nil
}

func (s *Stream) release() error {
	if s.shard == nil {
		return nil
	}
	err := s.shard.Close()
	s.shard, s.ixs, s.ix = nil, nil, 0
	return err
}

// Close unmaps the current shard.
func (s *Stream) Close() error {
	return s.release()
}
