package dist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	opAllReduce byte = 1
	opBarrier   byte = 2
	opBroadcast byte = 3

	connectTimeout = 60 * time.Second
	connectRetry   = 100 * time.Millisecond
)

// socketBackend is a hub-and-spoke collective over local sockets. Rank 0
// listens, every other rank holds one connection to it. Collectives must
// be issued in the same order on every rank.
type socketBackend struct {
	cfg      Config
	listener net.Listener
	peers    []*peer // master only, indexed by rank-1
	conn     *peer   // worker only
	sockPath string
}

type peer struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newPeer(c net.Conn) *peer {
	return &peer{conn: c, r: bufio.NewReaderSize(c, 1<<20), w: bufio.NewWriterSize(c, 1<<20)}
}

// newSocketBackend establishes the group. Unix domain sockets are used
// where available, TCP on Windows.
func newSocketBackend(cfg Config) (*socketBackend, error) {
	b := &socketBackend{cfg: cfg}
	network, addr := b.endpoint()
	if cfg.Rank == 0 {
		if network == "unix" {
			os.Remove(addr)
			b.sockPath = addr
		}
		ln, err := net.Listen(network, addr)
		if err != nil {
			return nil, err
		}
		b.listener = ln
		b.peers = make([]*peer, cfg.WorldSize-1)
		for i := 0; i < cfg.WorldSize-1; i++ {
			conn, err := ln.Accept()
			if err != nil {
				b.Close()
				return nil, err
			}
			p := newPeer(conn)
			var rank int32
			if err := binary.Read(p.r, binary.LittleEndian, &rank); err != nil {
				b.Close()
				return nil, fmt.Errorf("handshake: %w", err)
			}
			if rank < 1 || int(rank) >= cfg.WorldSize || b.peers[rank-1] != nil {
				b.Close()
				return nil, fmt.Errorf("handshake: unexpected rank %d", rank)
			}
			b.peers[rank-1] = p
		}
		return b, nil
	}

	deadline := time.Now().Add(connectTimeout)
	for {
		conn, err := net.Dial(network, addr)
		if err == nil {
			b.conn = newPeer(conn)
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial master at %s: %w", addr, err)
		}
		time.Sleep(connectRetry)
	}
	if err := binary.Write(b.conn.w, binary.LittleEndian, int32(cfg.Rank)); err != nil {
		return nil, err
	}
	return b, b.conn.w.Flush()
}

func (b *socketBackend) endpoint() (network, addr string) {
	if runtime.GOOS == "windows" {
		return "tcp", fmt.Sprintf("%s:%d", b.cfg.MasterAddr, b.cfg.MasterPort)
	}
	return "unix", filepath.Join(os.TempDir(), fmt.Sprintf("sftkit-group-%d.sock", b.cfg.MasterPort))
}

// AllReduce averages buf across ranks. The master gathers every worker's
// contribution, sums in rank order so the result is deterministic, and
// broadcasts the mean back.
func (b *socketBackend) AllReduce(buf []float32) error {
	if b.cfg.Rank == 0 {
		return b.masterAllReduce(buf)
	}
	if err := b.conn.send(opAllReduce, buf); err != nil {
		return err
	}
	return b.conn.recv(opAllReduce, buf)
}

func (b *socketBackend) masterAllReduce(buf []float32) error {
	parts := make([][]float32, len(b.peers))
	var g errgroup.Group
	for i, p := range b.peers {
		i, p := i, p
		g.Go(func() error {
			parts[i] = make([]float32, len(buf))
			return p.recv(opAllReduce, parts[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	inv := float32(1) / float32(b.cfg.WorldSize)
	for j := range buf {
		sum := buf[j]
		for _, part := range parts {
			sum += part[j]
		}
		buf[j] = sum * inv
	}
	for _, p := range b.peers {
		p := p
		g.Go(func() error { return p.send(opAllReduce, buf) })
	}
	return g.Wait()
}

// Broadcast sends rank 0's buf to every worker, which overwrites its own.
func (b *socketBackend) Broadcast(buf []float32) error {
	if b.cfg.Rank == 0 {
		var g errgroup.Group
		for _, p := range b.peers {
			p := p
			g.Go(func() error { return p.send(opBroadcast, buf) })
		}
		return g.Wait()
	}
	return b.conn.recv(opBroadcast, buf)
}

// Barrier blocks until every rank has entered it.
func (b *socketBackend) Barrier() error {
	if b.cfg.Rank == 0 {
		var g errgroup.Group
		for _, p := range b.peers {
			p := p
			g.Go(func() error { return p.recv(opBarrier, nil) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, p := range b.peers {
			p := p
			g.Go(func() error { return p.send(opBarrier, nil) })
		}
		return g.Wait()
	}
	if err := b.conn.send(opBarrier, nil); err != nil {
		return err
	}
	return b.conn.recv(opBarrier, nil)
}

func (b *socketBackend) Close() error {
	if b.conn != nil {
		b.conn.conn.Close()
	}
	for _, p := range b.peers {
		if p != nil {
			p.conn.Close()
		}
	}
	if b.listener != nil {
		b.listener.Close()
	}
	if b.sockPath != "" {
		os.Remove(b.sockPath)
	}
	return nil
}

// send writes one length-prefixed frame.
func (p *peer) send(op byte, data []float32) error {
	if err := p.w.WriteByte(op); err != nil {
		return err
	}
	if err := binary.Write(p.w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	if len(data) > 0 {
		if err := binary.Write(p.w, binary.LittleEndian, data); err != nil {
			return err
		}
	}
	return p.w.Flush()
}

// recv reads one frame into data, which must match the sent length.
func (p *peer) recv(op byte, data []float32) error {
	got, err := p.r.ReadByte()
	if err != nil {
		return err
	}
	if got != op {
		return fmt.Errorf("expected op %d, got %d", op, got)
	}
	var n uint32
	if err := binary.Read(p.r, binary.LittleEndian, &n); err != nil {
		return err
	}
	if int(n) != len(data) {
		return fmt.Errorf("frame length %d, want %d", n, len(data))
	}
	if len(data) > 0 {
		return binary.Read(p.r, binary.LittleEndian, data)
	}
	return nil
}
