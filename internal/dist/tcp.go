package dist

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	handshakeMagic = "TLDG"
	dialRetry      = 200 * time.Millisecond
)

// ErrFrameLength is returned when a peer sends a buffer of another length.
var ErrFrameLength = errors.New("collective buffer length mismatch")

type peer struct {
	rank int
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newPeer(rank int, conn net.Conn) *peer {
	return &peer{rank: rank, conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// TCPGroup is a star topology over TCP: rank 0 accepts one connection per
// other rank and reduces on their behalf. Frames are a little-endian
// uint32 element count followed by little-endian float32 values.
type TCPGroup struct {
	rank   int
	world  int
	peers  []*peer // rank 0: ranks 1..world-1 in order; others: rank 0 only
	logger *slog.Logger

	mu  sync.Mutex
	acc []float64
}

// NewTCPGroup joins the group described by env. Rank 0 listens on
// env.Addr(); the others dial it, retrying until ctx is done.
func NewTCPGroup(ctx context.Context, env Env, logger *slog.Logger) (*TCPGroup, error) {
	if env.Rank == 0 {
		ln, err := net.Listen("tcp", env.Addr())
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", env.Addr(), err)
		}
		return ServeTCP(ctx, ln, env.WorldSize, logger)
	}
	return DialTCP(ctx, env.Addr(), env.Rank, env.WorldSize, logger)
}

// ServeTCP accepts world-1 peers on ln as rank 0 and closes ln once all
// have joined.
func ServeTCP(ctx context.Context, ln net.Listener, world int, logger *slog.Logger) (*TCPGroup, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	g := &TCPGroup{rank: 0, world: world, logger: logger}
	seen := make(map[int]bool, world-1)
	for len(g.peers) < world-1 {
		conn, err := ln.Accept()
		if err != nil {
			_ = g.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("rendezvous aborted with %d/%d peers: %w", len(g.peers), world-1, ctx.Err())
			}
			return nil, fmt.Errorf("failed to accept peer: %w", err)
		}

		rank, err := readHandshake(conn, world)
		if err == nil && seen[rank] {
			err = fmt.Errorf("rank %d joined twice", rank)
		}
		if err != nil {
			_ = conn.Close()
			_ = g.Close()
			return nil, err
		}
		seen[rank] = true
		g.peers = append(g.peers, newPeer(rank, conn))
		logger.Debug("peer joined", "rank", rank, "remote", conn.RemoteAddr().String())
	}

	sort.Slice(g.peers, func(i, j int) bool { return g.peers[i].rank < g.peers[j].rank })
	logger.Info("process group ready", "world_size", world)
	return g, nil
}

// DialTCP connects to rank 0 at addr as rank.
func DialTCP(ctx context.Context, addr string, rank, world int, logger *slog.Logger) (*TCPGroup, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var d net.Dialer
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			if err := writeHandshake(conn, rank, world); err != nil {
				_ = conn.Close()
				return nil, err
			}
			logger.Debug("joined process group", "rank", rank, "addr", addr, "attempts", attempt)
			return &TCPGroup{
				rank:   rank,
				world:  world,
				peers:  []*peer{newPeer(0, conn)},
				logger: logger,
			}, nil
		}

		logger.Debug("waiting for rank 0", "addr", addr, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to reach rank 0 at %s: %w", addr, ctx.Err())
		case <-time.After(dialRetry):
		}
	}
}

func writeHandshake(conn net.Conn, rank, world int) error {
	var msg [12]byte
	copy(msg[:4], handshakeMagic)
	binary.LittleEndian.PutUint32(msg[4:], uint32(rank))  //nolint:gosec // G115: validated rank
	binary.LittleEndian.PutUint32(msg[8:], uint32(world)) //nolint:gosec // G115: validated world size
	if _, err := conn.Write(msg[:]); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	return nil
}

func readHandshake(conn net.Conn, world int) (int, error) {
	var msg [12]byte
	if _, err := io.ReadFull(conn, msg[:]); err != nil {
		return 0, fmt.Errorf("failed to read handshake: %w", err)
	}
	if string(msg[:4]) != handshakeMagic {
		return 0, fmt.Errorf("bad handshake from %s", conn.RemoteAddr())
	}
	rank := int(binary.LittleEndian.Uint32(msg[4:]))
	peerWorld := int(binary.LittleEndian.Uint32(msg[8:]))
	if peerWorld != world {
		return 0, fmt.Errorf("rank %d expects world size %d, rank 0 has %d", rank, peerWorld, world)
	}
	if rank < 1 || rank >= world {
		return 0, fmt.Errorf("peer rank %d out of range [1, %d)", rank, world)
	}
	return rank, nil
}

// Rank returns this process's rank.
func (g *TCPGroup) Rank() int { return g.rank }

// WorldSize returns the number of processes.
func (g *TCPGroup) WorldSize() int { return g.world }

// AllReduceMean averages buf across the group. Rank 0 sums in rank order
// and sends the same result to everyone, so all members end bit-identical.
func (g *TCPGroup) AllReduceMean(ctx context.Context, buf []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.guard(ctx, func() error {
		if g.rank != 0 {
			if err := writeFrame(g.peers[0].w, buf); err != nil {
				return err
			}
			return readFrame(g.peers[0].r, buf)
		}

		if cap(g.acc) < len(buf) {
			g.acc = make([]float64, len(buf))
		}
		acc := g.acc[:len(buf)]
		for i, v := range buf {
			acc[i] = float64(v)
		}
		tmp := make([]float32, len(buf))
		for _, p := range g.peers {
			if err := readFrame(p.r, tmp); err != nil {
				return fmt.Errorf("rank %d: %w", p.rank, err)
			}
			for i, v := range tmp {
				acc[i] += float64(v)
			}
		}
		inv := 1 / float64(g.world)
		for i := range buf {
			buf[i] = float32(acc[i] * inv)
		}
		return g.sendAll(buf)
	})
}

// Broadcast copies rank 0's buf to every member.
func (g *TCPGroup) Broadcast(ctx context.Context, buf []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.guard(ctx, func() error {
		if g.rank != 0 {
			return readFrame(g.peers[0].r, buf)
		}
		return g.sendAll(buf)
	})
}

// Barrier is an all-reduce of one value.
func (g *TCPGroup) Barrier(ctx context.Context) error {
	return g.AllReduceMean(ctx, make([]float32, 1))
}

// Close closes every connection.
func (g *TCPGroup) Close() error {
	var errs []error
	for _, p := range g.peers {
		if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *TCPGroup) sendAll(buf []float32) error {
	for _, p := range g.peers {
		if err := writeFrame(p.w, buf); err != nil {
			return fmt.Errorf("rank %d: %w", p.rank, err)
		}
	}
	return nil
}

// guard runs fn with connection deadlines following ctx: its deadline if
// any, and an immediate one on cancellation.
func (g *TCPGroup) guard(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	for _, p := range g.peers {
		_ = p.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		for _, p := range g.peers {
			_ = p.conn.SetDeadline(time.Now())
		}
	})
	defer func() {
		stop()
		for _, p := range g.peers {
			_ = p.conn.SetDeadline(time.Time{})
		}
	}()

	err := fn()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("collective interrupted: %w", ctx.Err())
	case errors.Is(err, os.ErrDeadlineExceeded):
		// The connection deadline can fire before ctx records it.
		return fmt.Errorf("collective interrupted: %w", context.DeadlineExceeded)
	}
	return err
}

func writeFrame(w *bufio.Writer, buf []float32) error {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(buf))) //nolint:gosec // G115: buffers are far below 4G elements
	if _, err := w.Write(n[:]); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader, buf []float32) error {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return fmt.Errorf("failed to read frame: %w", err)
	}
	if got := int(binary.LittleEndian.Uint32(n[:])); got != len(buf) {
		return fmt.Errorf("%w: got %d elements, want %d", ErrFrameLength, got, len(buf))
	}
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("failed to read frame: %w", err)
	}
	return nil
}

var _ Group = (*TCPGroup)(nil)
