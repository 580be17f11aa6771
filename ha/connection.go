package ha

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Connection is one slave attached to the master, with a loop per
// direction: the read loop consumes 8-byte offset reports, the write
// loop pushes framed log bytes forward from the offset the slave
// first asked for. Either loop failing closes the connection.
type Connection struct {
	id   string
	srv  *Server
	conn net.Conn

	// -1 until the slave's first report arrives
	slaveRequestOffset atomic.Int64
	slaveAckOffset     atomic.Int64

	firstOnce sync.Once
	firstAck  chan struct{}

	closeOnce sync.Once
	done      chan struct{}

	lg *slog.Logger
}

func newConnection(srv *Server, conn net.Conn, id string) *Connection {
	c := &Connection{
		id:       id,
		srv:      srv,
		conn:     conn,
		firstAck: make(chan struct{}),
		done:     make(chan struct{}),
		lg:       srv.lg.With("conn", id, "remote", conn.RemoteAddr().String()),
	}
	c.slaveRequestOffset.Store(-1)
	return c
}

func (c *Connection) start() {
	c.srv.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

// SlaveAckOffset returns the last offset the slave confirmed written.
func (c *Connection) SlaveAckOffset() int64 {
	return c.slaveAckOffset.Load()
}

func (c *Connection) readLoop() {
	defer c.srv.wg.Done()
	defer c.close()

	buf := make([]byte, 1024)
	var acc []byte

	for {
		select {
		case <-c.done:
			return
		case <-c.srv.ctx.Done():
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if len(acc) >= ReportSize {
				// reports are absolute; only the newest complete one matters
				valid := len(acc) - len(acc)%ReportSize
				ack := Report(acc[valid-ReportSize:])
				acc = append(acc[:0], acc[valid:]...)

				c.slaveAckOffset.Store(ack)
				c.firstOnce.Do(func() {
					c.slaveRequestOffset.Store(ack)
					close(c.firstAck)
				})
				c.srv.NotifyTransferSome(ack)
			}
			continue
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			c.lg.Warn("slave ack read failed", "error", err)
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.srv.wg.Done()
	defer c.close()

	select {
	case <-c.firstAck:
	case <-c.done:
		return
	case <-c.srv.ctx.Done():
		return
	}

	next := c.slaveRequestOffset.Load()
	hdr := make([]byte, FrameHeaderSize)

	for {
		select {
		case <-c.done:
			return
		case <-c.srv.ctx.Done():
			return
		default:
		}

		body, err := c.srv.log.Read(next, c.srv.opts.TransferBatch)
		if err != nil {
			c.lg.Error("log read failed", "offset", next, "error", err)
			return
		}

		if len(body) > 0 {
			PutFrameHeader(hdr, next, len(body))
			if !c.write(hdr) || !c.write(body) {
				return
			}
			next += int64(len(body))
			continue
		}

		// caught up: block until new bytes or the heartbeat timer
		ctx, cancel := context.WithTimeout(c.srv.ctx, c.srv.opts.HeartbeatInterval)
		err = c.srv.log.WaitFor(ctx, next)
		cancel()

		switch {
		case err == nil:
			// new bytes, loop and push them
		case errors.Is(err, context.DeadlineExceeded):
			// keepalive so the slave's housekeeping does not trip
			PutFrameHeader(hdr, next, 0)
			if !c.write(hdr) {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(b []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
	if _, err := c.conn.Write(b); err != nil {
		c.lg.Warn("push to slave failed", "error", err)
		return false
	}
	return true
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.done)
		c.srv.removeConnection(c)
	})
}
