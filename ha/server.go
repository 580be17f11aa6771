package ha

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"github.com/klev-dev/klevmq/metrics"
	"github.com/klev-dev/kleverr"
)

type ServerOptions struct {
	// Addr is the HA listen address, e.g. ":10912".
	Addr string
	// TransferBatch bounds the body bytes of a single push frame.
	TransferBatch int
	// HeartbeatInterval paces keepalive frames to a caught-up slave.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds a single socket write to a slave.
	WriteTimeout time.Duration
	// FallbehindMax is the max distance between the master write
	// offset and the acked offset for IsSlaveOK to hold.
	FallbehindMax int64

	Logger *slog.Logger
}

// Server is the master side of replication: it accepts slave
// connections, owns their push/ack loops and tracks the highest
// offset any slave confirmed written.
type Server struct {
	opts ServerOptions
	log  Log
	gate *TransferGate

	ln net.Listener

	mu    sync.Mutex
	conns map[string]*Connection

	connCount atomic.Int32
	pushedMax atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lg *slog.Logger
}

func NewServer(log Log, opts ServerOptions) *Server {
	if opts.TransferBatch <= 0 {
		opts.TransferBatch = 32 * 1024
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.FallbehindMax <= 0 {
		opts.FallbehindMax = 256 * 1024 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		log:    log,
		conns:  map[string]*Connection{},
		ctx:    ctx,
		cancel: cancel,
		lg:     opts.Logger,
	}
	s.gate = NewTransferGate(s.pushedMax.Load, opts.Logger)
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return kleverr.Newf("could not listen: %w", err)
	}
	s.ln = ln

	s.gate.Start()

	s.wg.Add(1)
	go s.acceptLoop()

	s.lg.Info("replication listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, for callers that passed ":0".
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.lg.Error("accept failed", "error", err)
			continue
		}

		id := connID()
		s.lg.Info("slave connected", "conn", id, "remote", conn.RemoteAddr().String())

		c := newConnection(s, conn, id)
		s.addConnection(c)
		c.start()
	}
}

func connID() string {
	b := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "unknown"
	}
	return base58.Encode(b)
}

func (s *Server) addConnection(c *Connection) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	metrics.HAConnections.Set(float64(s.connCount.Add(1)))
}

func (s *Server) removeConnection(c *Connection) {
	s.mu.Lock()
	_, live := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	if live {
		metrics.HAConnections.Set(float64(s.connCount.Add(-1)))
		s.lg.Info("slave disconnected", "conn", c.id)
	}
}

// NotifyTransferSome raises the acked watermark to offset and wakes
// the transfer gate. The watermark only moves forward, whichever
// connection reports.
func (s *Server) NotifyTransferSome(offset int64) {
	for {
		value := s.pushedMax.Load()
		if offset <= value {
			return
		}
		if s.pushedMax.CompareAndSwap(value, offset) {
			metrics.PushedOffset.Set(float64(offset))
			s.gate.NotifyTransferSome()
			return
		}
	}
}

// Push2SlaveMaxOffset returns the highest offset acked by any slave.
func (s *Server) Push2SlaveMaxOffset() int64 {
	return s.pushedMax.Load()
}

func (s *Server) ConnectionCount() int {
	return int(s.connCount.Load())
}

// IsSlaveOK reports whether sync-mode publishes should proceed: some
// slave is connected and not too far behind the master write offset.
func (s *Server) IsSlaveOK(masterWriteOffset int64) bool {
	return s.connCount.Load() > 0 &&
		masterWriteOffset-s.pushedMax.Load() < s.opts.FallbehindMax
}

// PutRequest enqueues a producer wait on the transfer gate.
func (s *Server) PutRequest(r *Request) {
	s.gate.Put(r)
}

func (s *Server) Shutdown() {
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	s.wg.Wait()
	s.gate.Shutdown()
}
