package dist

import (
	"context"
	"log/slog"
)

// Group is a set of processes that run collectives together.
//
// Every member must call the same collectives in the same order with
// buffers of the same length. A member that skips one blocks the others
// until its context is cancelled.
type Group interface {
	Rank() int
	WorldSize() int

	// AllReduceMean replaces buf on every member with the element-wise
	// mean of all members' buffers.
	AllReduceMean(ctx context.Context, buf []float32) error

	// Broadcast replaces buf on every member with rank 0's buffer.
	Broadcast(ctx context.Context, buf []float32) error

	// Barrier returns once every member has reached it.
	Barrier(ctx context.Context) error

	Close() error
}

// Single is the group of one process. Its collectives do nothing.
type Single struct{}

func (Single) Rank() int { return 0 }
func (Single) WorldSize() int { return 1 }
func (Single) AllReduceMean(context.Context, []float32) error { return nil }
func (Single) Broadcast(context.Context, []float32) error { return nil }
func (Single) Barrier(context.Context) error { return nil }
func (Single) Close() error { return nil }

// Join returns the group described by env: Single for one process,
// otherwise a TCP group rendezvousing at env.Addr().
func Join(ctx context.Context, env Env, logger *slog.Logger) (Group, error) {
	if env.WorldSize <= 1 {
		return Single{}, nil
	}
	return NewTCPGroup(ctx, env, logger)
}
