package dist

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseEnv(t *testing.T) {
	tests := []struct {
		name   string
		vars   map[string]string
		want   Env
		dist   bool
		errMsg string
	}{
		{
			name: "standalone",
			vars: map[string]string{},
			want: Env{WorldSize: 1},
		},
		{
			name: "torchrun",
			vars: map[string]string{
				"RANK": "2", "LOCAL_RANK": "0", "WORLD_SIZE": "4",
				"MASTER_ADDR": "10.0.0.1", "MASTER_PORT": "29500",
			},
			want: Env{Rank: 2, LocalRank: 0, WorldSize: 4, MasterAddr: "10.0.0.1", MasterPort: "29500", distributed: true},
			dist: true,
		},
		{
			name: "single ranked process needs no master",
			vars: map[string]string{"RANK": "0", "LOCAL_RANK": "0", "WORLD_SIZE": "1"},
			want: Env{WorldSize: 1, distributed: true},
			dist: true,
		},
		{
			name:   "bad number",
			vars:   map[string]string{"RANK": "x", "LOCAL_RANK": "0", "WORLD_SIZE": "1"},
			errMsg: "invalid RANK",
		},
		{
			name:   "rank out of range",
			vars:   map[string]string{"RANK": "4", "LOCAL_RANK": "0", "WORLD_SIZE": "4", "MASTER_ADDR": "a", "MASTER_PORT": "1"},
			errMsg: "out of range",
		},
		{
			name:   "missing master",
			vars:   map[string]string{"RANK": "1", "LOCAL_RANK": "1", "WORLD_SIZE": "2"},
			errMsg: "MASTER_ADDR and MASTER_PORT are required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := parseEnv(func(k string) string { return tt.vars[k] })
			if tt.errMsg != "" {
				assert.ErrorContains(t, err, tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, env)
			assert.Equal(t, tt.dist, env.IsDistributed())
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvRank, "1")
	t.Setenv(EnvLocalRank, "1")
	t.Setenv(EnvWorldSize, "2")
	t.Setenv(EnvMasterAddr, "localhost")
	t.Setenv(EnvMasterPort, "29500")

	env, err := FromEnv()
	require.NoError(t, err)
	assert.False(t, env.IsMaster())
	assert.Equal(t, "localhost:29500", env.Addr())
}

func TestSingle(t *testing.T) {
	g, err := Join(context.Background(), Env{WorldSize: 1}, nil)
	require.NoError(t, err)
	assert.IsType(t, Single{}, g)

	buf := []float32{1, 2}
	require.NoError(t, g.AllReduceMean(context.Background(), buf))
	require.NoError(t, g.Broadcast(context.Background(), buf))
	assert.Equal(t, []float32{1, 2}, buf)
	assert.Equal(t, 1, g.WorldSize())
	assert.NoError(t, g.Close())
}

// startGroup runs a loopback group of world members and returns them by rank.
func startGroup(t *testing.T, world int) []Group {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	groups := make([]Group, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	wg.Add(world)
	go func() {
		defer wg.Done()
		g, err := ServeTCP(ctx, ln, world, quietLogger())
		groups[0], errs[0] = g, err
	}()
	for r := 1; r < world; r++ {
		go func() {
			defer wg.Done()
			g, err := DialTCP(ctx, addr, r, world, quietLogger())
			groups[r], errs[r] = g, err
		}()
	}
	wg.Wait()

	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Close()
		}
	})
	return groups
}

// each runs fn concurrently on every member and fails on any error.
func each(t *testing.T, groups []Group, fn func(g Group) error) {
	t.Helper()
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(g)
		}()
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
}

func TestTCPGroup_AllReduceMean(t *testing.T) {
	const world = 3
	groups := startGroup(t, world)
	for r, g := range groups {
		assert.Equal(t, r, g.Rank())
		assert.Equal(t, world, g.WorldSize())
	}

	bufs := make([][]float32, world)
	for r := range bufs {
		bufs[r] = []float32{float32(r), float32(10 * r), 1}
	}

	ctx := context.Background()
	each(t, groups, func(g Group) error {
		return g.AllReduceMean(ctx, bufs[g.Rank()])
	})

	for r := range bufs {
		assert.Equal(t, []float32{1, 10, 1}, bufs[r], "rank %d", r)
	}

	// Repeated collectives stay in lockstep.
	for step := range 5 {
		each(t, groups, func(g Group) error {
			buf := []float32{float32(step * g.Rank())}
			if err := g.AllReduceMean(ctx, buf); err != nil {
				return err
			}
			if buf[0] != float32(step) {
				return assert.AnError
			}
			return g.Barrier(ctx)
		})
	}
}

func TestTCPGroup_Broadcast(t *testing.T) {
	groups := startGroup(t, 4)

	bufs := make([][]float32, len(groups))
	for r := range bufs {
		bufs[r] = []float32{float32(r), float32(r)}
	}
	bufs[0] = []float32{7, -7}

	each(t, groups, func(g Group) error {
		return g.Broadcast(context.Background(), bufs[g.Rank()])
	})
	for r := range bufs {
		assert.Equal(t, []float32{7, -7}, bufs[r], "rank %d", r)
	}
}

func TestTCPGroup_LengthMismatch(t *testing.T) {
	groups := startGroup(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var rootErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rootErr = groups[0].AllReduceMean(ctx, make([]float32, 3))
	}()
	go func() {
		defer wg.Done()
		_ = groups[1].AllReduceMean(ctx, make([]float32, 2))
	}()
	wg.Wait()

	assert.ErrorIs(t, rootErr, ErrFrameLength)
}

func TestTCPGroup_CancelledCollective(t *testing.T) {
	groups := startGroup(t, 2)

	// Rank 1 never participates: rank 0 must return once ctx expires.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := groups[0].AllReduceMean(ctx, []float32{1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialTCP_GivesUp(t *testing.T) {
	// Reserve a port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = DialTCP(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 1, 2, quietLogger())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServeTCP_RejectsWrongWorld(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := ServeTCP(ctx, ln, 2, quietLogger())
		done <- err
	}()

	g, err := DialTCP(ctx, addr, 1, 3, quietLogger())
	require.NoError(t, err)
	defer g.Close()

	assert.ErrorContains(t, <-done, "expects world size 3")
}
