package ha

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klev-dev/klevmq/commitlog"
)

func openTestLog(t *testing.T) *commitlog.Log {
	t.Helper()

	l, err := commitlog.Open(filepath.Join(t.TempDir(), "commitlog"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func startTestServer(t *testing.T, log Log) *Server {
	t.Helper()

	srv := NewServer(log, ServerOptions{
		Addr:              "127.0.0.1:0",
		TransferBatch:     64 * 1024,
		HeartbeatInterval: 100 * time.Millisecond,
		Logger:            testLogger(),
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv
}

func startTestClient(t *testing.T, log Log, master string) *Client {
	t.Helper()

	cl := NewClient(log, ClientOptions{
		Master:               master,
		HeartbeatInterval:    100 * time.Millisecond,
		HousekeepingInterval: 5 * time.Second,
		ReconnectBackoff:     50 * time.Millisecond,
		Logger:               testLogger(),
	})
	cl.Start()
	t.Cleanup(cl.Shutdown)
	return cl
}

func TestReplication(t *testing.T) {
	master := openTestLog(t)

	data := make([]byte, 1024*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)
	_, err = master.Append(data)
	require.NoError(t, err)

	srv := startTestServer(t, master)

	slave := openTestLog(t)
	cl := startTestClient(t, slave, srv.Addr().String())

	require.Eventually(t, func() bool {
		return slave.MaxOffset() == master.MaxOffset()
	}, 5*time.Second, 10*time.Millisecond, "slave catches up to the master")

	require.Eventually(t, func() bool {
		return srv.Push2SlaveMaxOffset() == master.MaxOffset()
	}, 5*time.Second, 10*time.Millisecond, "slave ack reaches the master")

	require.Equal(t, 1, srv.ConnectionCount())
	require.True(t, srv.IsSlaveOK(master.MaxOffset()))

	mb, err := master.Read(0, len(data))
	require.NoError(t, err)
	sb, err := slave.Read(0, len(data))
	require.NoError(t, err)
	require.True(t, bytes.Equal(mb, sb), "slave log is a byte-exact copy")

	t.Run("Streaming", func(t *testing.T) {
		_, err := master.Append([]byte("more bytes"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return slave.MaxOffset() == master.MaxOffset()
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("GroupTransfer", func(t *testing.T) {
		_, err := master.Append([]byte("sync publish"))
		require.NoError(t, err)

		req := NewRequest(master.MaxOffset())
		srv.PutRequest(req)

		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()

		ok, err := req.Wait(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	})

	require.False(t, cl.Diverged())
}

func TestReplicationHeartbeat(t *testing.T) {
	master := openTestLog(t)
	srv := startTestServer(t, master)

	slave := openTestLog(t)
	cl := NewClient(slave, ClientOptions{
		Master:               srv.Addr().String(),
		HeartbeatInterval:    100 * time.Millisecond,
		HousekeepingInterval: 500 * time.Millisecond,
		ReconnectBackoff:     50 * time.Millisecond,
		Logger:               testLogger(),
	})
	cl.Start()
	t.Cleanup(cl.Shutdown)

	require.Eventually(t, func() bool {
		return srv.ConnectionCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// nothing to replicate: master keepalives must hold the
	// connection open past the housekeeping window
	time.Sleep(1200 * time.Millisecond)
	require.Equal(t, 1, srv.ConnectionCount())
	require.False(t, cl.Diverged())
}

func TestIsSlaveOK(t *testing.T) {
	master := openTestLog(t)
	srv := NewServer(master, ServerOptions{
		Addr:          "127.0.0.1:0",
		FallbehindMax: 1024,
		Logger:        testLogger(),
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)

	require.False(t, srv.IsSlaveOK(0), "no connections")

	slave := openTestLog(t)
	startTestClient(t, slave, srv.Addr().String())

	require.Eventually(t, func() bool {
		return srv.IsSlaveOK(0)
	}, 5*time.Second, 10*time.Millisecond)

	require.False(t, srv.IsSlaveOK(srv.Push2SlaveMaxOffset()+2048), "too far behind")
}

func TestReplicationDivergence(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// a fake master that pushes from the wrong offset
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		report := make([]byte, ReportSize)
		if _, err := conn.Read(report); err != nil {
			return
		}

		_, _ = conn.Write(frame(600, []byte("abc")))

		// hold the socket open; the slave closes it
		b := make([]byte, 64)
		for {
			if _, err := conn.Read(b); err != nil {
				return
			}
		}
	}()

	slave := openTestLog(t)
	require.NoError(t, slave.AppendAt(0, make([]byte, 500)))

	cl := startTestClient(t, slave, ln.Addr().String())

	require.Eventually(t, cl.Diverged, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(500), slave.MaxOffset(), "local log unchanged")
}
