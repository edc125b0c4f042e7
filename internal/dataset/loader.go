package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrLoaderClosed is returned by Next after Close.
var ErrLoaderClosed = errors.New("loader closed")

// defaultPrefetch is the number of ready batches buffered per worker.
const defaultPrefetch = 2

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Dir        string
	Split      Split
	BatchSize  int
	MaxSeqLen  int
	NumWorkers int // 0 builds batches on the caller's goroutine
	Prefetch   int // batches buffered per worker, default 2
	Rank       int
	Logger     *slog.Logger
}

// Batch holds BatchSize windows laid out row-major as [BatchSize*SeqLen].
type Batch struct {
	X         []int32
	Y         []int32
	BatchSize int
	SeqLen    int
}

// Row returns the inputs and targets of sample i.
func (b Batch) Row(i int) (x, y []int32) {
	lo, hi := i*b.SeqLen, (i+1)*b.SeqLen
	return b.X[lo:hi], b.Y[lo:hi]
}

type batchResult struct {
	batch Batch
	err   error
}

// Loader groups windows into batches. With workers it runs one Stream per
// worker and hands out their batches round-robin.
type Loader struct {
	opts LoaderOptions

	stream *Stream // NumWorkers == 0

	queues []chan batchResult
	next   int
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewLoader opens every worker stream and starts the producers.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch_size must be positive, got %d", opts.BatchSize)
	}
	if opts.NumWorkers < 0 {
		return nil, fmt.Errorf("num_workers must be >= 0, got %d", opts.NumWorkers)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = defaultPrefetch
	}

	open := func(worker int) (*Stream, error) {
		return Open(Options{
			Dir:       opts.Dir,
			Split:     opts.Split,
			MaxSeqLen: opts.MaxSeqLen,
			WorkerID:  worker,
			Rank:      opts.Rank,
			Logger:    opts.Logger,
		})
	}

	l := &Loader{opts: opts}
	if opts.NumWorkers == 0 {
		s, err := open(0)
		if err != nil {
			return nil, err
		}
		l.stream = s
		return l, nil
	}

	streams := make([]*Stream, opts.NumWorkers)
	for w := range streams {
		s, err := open(w)
		if err != nil {
			for _, prev := range streams[:w] {
				_ = prev.Close()
			}
			return nil, err
		}
		streams[w] = s
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.queues = make([]chan batchResult, opts.NumWorkers)
	for w, s := range streams {
		q := make(chan batchResult, opts.Prefetch)
		l.queues[w] = q
		l.wg.Add(1)
		go l.produce(ctx, s, q)
	}
	return l, nil
}

func (l *Loader) produce(ctx context.Context, s *Stream, out chan<- batchResult) {
	defer l.wg.Done()
	defer close(out)
	defer s.Close()

	for {
		b, err := collate(s, l.opts.BatchSize, l.opts.MaxSeqLen)
		select {
		case out <- batchResult{batch: b, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// collate pulls batchSize windows from s into one batch.
func collate(s *Stream, batchSize, seqLen int) (Batch, error) {
	b := Batch{
		X:         make([]int32, batchSize*seqLen),
		Y:         make([]int32, batchSize*seqLen),
		BatchSize: batchSize,
		SeqLen:    seqLen,
	}
	for i := 0; i < batchSize; i++ {
		w, err := s.Next()
		if err != nil {
			return Batch{}, err
		}
		copy(b.X[i*seqLen:], w.X)
		copy(b.Y[i*seqLen:], w.Y)
	}
	return b, nil
}

// Next returns the next batch. It blocks only while the producer whose turn
// it is has nothing ready.
func (l *Loader) Next(ctx context.Context) (Batch, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return Batch{}, ErrLoaderClosed
	}

	if l.stream != nil {
		return collate(l.stream, l.opts.BatchSize, l.opts.MaxSeqLen)
	}

	q := l.queues[l.next]
	l.next = (l.next + 1) % len(l.queues)

	select {
	case r, ok := <-q:
		if !ok {
			return Batch{}, ErrLoaderClosed
		}
		return r.batch, r.err
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Close stops the producers and unmaps every shard.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.stream != nil {
		return l.stream.Close()
	}
	l.cancel()
	l.wg.Wait()
	return nil
}
