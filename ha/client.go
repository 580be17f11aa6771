package ha

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klev-dev/klevmq/metrics"
	"github.com/klev-dev/kleverr"
)

// ErrDiverged means the master pushed an offset that does not line up
// with the slave's local log. The local log is no longer a prefix of
// the master's and must be rebuilt from a snapshot; the client does
// not attempt partial resynchronization.
var ErrDiverged = errors.New("replication diverged")

type ClientOptions struct {
	// Master is the master's HA address. May be set later via SetMaster.
	Master string
	// BufferSize is the receive/reassembly buffer capacity.
	BufferSize int
	// DialTimeout bounds the TCP connect to the master.
	DialTimeout time.Duration
	// HeartbeatInterval paces offset reports while idle.
	HeartbeatInterval time.Duration
	// HousekeepingInterval closes a connection with no master traffic.
	HousekeepingInterval time.Duration
	// ReconnectBackoff is slept between connect attempts.
	ReconnectBackoff time.Duration
	// WriteTimeout bounds a single report write.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Client is the slave side of replication: a single loop that keeps a
// connection to the master, reports the local max offset and appends
// the framed log bytes the master pushes.
//
// Frames are reassembled in a two-buffer scheme: bytes land in the
// read buffer and are parsed behind a dispatch position; when the
// buffer runs out of room, the unparsed tail is copied to the backup
// buffer and the two are swapped.
type Client struct {
	opts ClientOptions
	log  Log

	master atomic.Pointer[string]

	conn        net.Conn
	bufRead     []byte
	bufBackup   []byte
	writePos    int
	dispatchPos int

	currentReported int64
	reportBuf       [ReportSize]byte
	lastRead        time.Time
	lastWrite       time.Time

	diverged atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	lg *slog.Logger
}

func NewClient(log Log, opts ClientOptions) *Client {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4 * 1024 * 1024
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = 20 * time.Second
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		opts:      opts,
		log:       log,
		bufRead:   make([]byte, opts.BufferSize),
		bufBackup: make([]byte, opts.BufferSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		lg:        opts.Logger,
	}
	if opts.Master != "" {
		c.master.Store(&opts.Master)
	}
	return c
}

// SetMaster updates the master address; the next (re)connect uses it.
func (c *Client) SetMaster(addr string) {
	old := c.master.Load()
	if old == nil || *old != addr {
		c.master.Store(&addr)
		c.lg.Info("update master address", "addr", addr)
	}
}

// Diverged reports whether the client stopped on a stream mismatch.
func (c *Client) Diverged() bool {
	return c.diverged.Load()
}

func (c *Client) Start() {
	go c.run()
}

func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

func (c *Client) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if c.connect() {
			c.serve()
		}

		select {
		case <-c.stop:
			return
		case <-time.After(c.opts.ReconnectBackoff):
		}
	}
}

func (c *Client) connect() bool {
	addr := c.master.Load()
	if addr == nil || *addr == "" {
		return false
	}

	conn, err := net.DialTimeout("tcp", *addr, c.opts.DialTimeout)
	if err != nil {
		c.lg.Warn("could not connect master", "addr", *addr, "error", err)
		return false
	}

	c.conn = conn
	c.writePos = 0
	c.dispatchPos = 0
	c.currentReported = c.log.MaxOffset()
	c.lastRead = time.Now()
	c.lastWrite = time.Now()

	// first report tells the master where to start pushing
	if !c.report(c.currentReported) {
		c.closeMaster()
		return false
	}

	c.lg.Info("connected to master", "addr", *addr, "offset", c.currentReported)
	return true
}

func (c *Client) serve() {
	defer c.closeMaster()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.conn.Read(c.bufRead[c.writePos:])
		now := time.Now()

		if n > 0 {
			c.writePos += n
			c.lastRead = now

			if err := c.dispatch(); err != nil {
				if errors.Is(err, ErrDiverged) {
					c.diverged.Store(true)
					metrics.ReplicationDivergence.Inc()
					c.lg.Error("master push does not line up with local log", "error", err)
				} else {
					c.lg.Error("could not apply master push", "error", err)
				}
				return
			}

			if !c.reportProgress() {
				return
			}
		} else if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				c.lg.Warn("master connection read failed", "error", err)
				return
			}
		}

		if now.Sub(c.lastWrite) > c.opts.HeartbeatInterval {
			if !c.report(c.currentReported) {
				return
			}
		}
		if now.Sub(c.lastRead) > c.opts.HousekeepingInterval {
			c.lg.Warn("master silent for too long, reconnecting",
				"silent", now.Sub(c.lastRead).String())
			return
		}
	}
}

// dispatch parses complete frames out of the read buffer, appending
// their bodies to the local log. Incomplete frames stay buffered; a
// full buffer compacts before the next read.
func (c *Client) dispatch() error {
	for {
		avail := c.writePos - c.dispatchPos
		if avail >= FrameHeaderSize {
			masterOffset, bodyLen := FrameHeader(c.bufRead[c.dispatchPos:])

			if bodyLen < 0 || FrameHeaderSize+bodyLen > len(c.bufRead) {
				return kleverr.Newf("frame of %d bytes exceeds buffer", bodyLen)
			}

			if local := c.log.MaxOffset(); local != 0 && local != masterOffset {
				return kleverr.Newf("%w: slave %d, master %d", ErrDiverged, local, masterOffset)
			}

			if avail >= FrameHeaderSize+bodyLen {
				if bodyLen > 0 {
					start := c.dispatchPos + FrameHeaderSize
					if err := c.log.AppendAt(masterOffset, c.bufRead[start:start+bodyLen]); err != nil {
						return err
					}
				}
				c.dispatchPos += FrameHeaderSize + bodyLen
				continue
			}
		}

		if c.writePos == len(c.bufRead) {
			c.compact()
		}
		return nil
	}
}

func (c *Client) compact() {
	remain := c.writePos - c.dispatchPos
	copy(c.bufBackup[:remain], c.bufRead[c.dispatchPos:c.writePos])
	c.bufRead, c.bufBackup = c.bufBackup, c.bufRead
	c.writePos = remain
	c.dispatchPos = 0
}

// reportProgress sends an updated offset report if the local log
// advanced past the last reported value.
func (c *Client) reportProgress() bool {
	if max := c.log.MaxOffset(); max > c.currentReported {
		return c.report(max)
	}
	return true
}

func (c *Client) report(offset int64) bool {
	PutReport(c.reportBuf[:], offset)

	written := 0
	for i := 0; i < 3 && written < ReportSize; i++ {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		n, err := c.conn.Write(c.reportBuf[written:])
		if err != nil {
			c.lg.Warn("could not report offset", "offset", offset, "error", err)
			return false
		}
		written += n
	}
	if written < ReportSize {
		return false
	}

	c.currentReported = offset
	c.lastWrite = time.Now()
	return true
}

func (c *Client) closeMaster() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.writePos = 0
	c.dispatchPos = 0
}
