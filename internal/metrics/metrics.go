// Package metrics records evaluation results for a training run.
//
// A Sink receives one Record per evaluation. Sinks are best effort: the
// trainer logs a failed Log call and keeps going.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrSink wraps every failure to deliver or persist a record.
var ErrSink = errors.New("metrics sink failed")

// Record is one evaluation point.
type Record struct {
	RunID     string    `json:"run_id,omitempty"`
	Time      time.Time `json:"time"`
	Iter      int64     `json:"iter"`
	Tokens    int64     `json:"tokens"`
	TrainLoss float64   `json:"loss/train"`
	ValLoss   float64   `json:"loss/val"`
	LR        float64   `json:"lr"`
	MFU       float64   `json:"mfu"` // percent
}

// Sink consumes records.
type Sink interface {
	Log(ctx context.Context, rec Record) error
	Close() error
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Options select the sinks built by Open.
type Options struct {
	Path    string // JSONL file; empty disables it
	URL     string // HTTP endpoint; empty disables it
	Project string
	RunName string
	RunID   string
	Logger  *slog.Logger
}

// Open builds the sinks named by opts. With none configured it returns Nop.
func Open(opts Options) (Sink, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []Sink
	if opts.Path != "" {
		s, err := OpenJSONL(opts.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if opts.URL != "" {
		sinks = append(sinks, NewHTTP(HTTPOptions{
			URL:     opts.URL,
			Project: opts.Project,
			RunName: opts.RunName,
		}))
	}

	switch len(sinks) {
	case 0:
		return Nop{}, nil
	case 1:
		return withRunID(sinks[0], opts.RunID), nil
	}
	logger.Debug("metrics sinks", slog.Int("count", len(sinks)), slog.String("run_id", opts.RunID))
	return withRunID(Multi(sinks), opts.RunID), nil
}

// Nop discards records.
type Nop struct{}

func (Nop) Log(context.Context, Record) error { return nil }
func (Nop) Close() error                      { return nil }

// Multi fans a record out to every sink. All sinks are tried; their errors
// are joined.
type Multi []Sink

func (m Multi) Log(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Log(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type runIDSink struct {
	Sink
	runID string
}

func (s runIDSink) Log(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		rec.RunID = s.runID
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	return s.Sink.Log(ctx, rec)
}

func withRunID(s Sink, runID string) Sink {
	return runIDSink{Sink: s, runID: runID}
}
