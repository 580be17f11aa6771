package ha

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGateTransfer(t *testing.T) {
	var acked atomic.Int64
	acked.Store(500_000)

	g := NewTransferGate(acked.Load, testLogger())
	g.Start()
	defer g.Shutdown()

	t.Run("AlreadyTransferred", func(t *testing.T) {
		r := NewRequest(400_000)
		g.Put(r)

		ok, err := r.Wait(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("TransferArrives", func(t *testing.T) {
		r := NewRequest(1_000_000)
		g.Put(r)

		go func() {
			time.Sleep(50 * time.Millisecond)
			acked.Store(1_000_000)
			g.NotifyTransferSome()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()

		ok, err := r.Wait(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestGateTimeout(t *testing.T) {
	var acked atomic.Int64

	g := NewTransferGate(acked.Load, testLogger())
	g.checkEvery = 10 * time.Millisecond
	g.Start()
	defer g.Shutdown()

	r := NewRequest(1_000_000)
	g.Put(r)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, err := r.Wait(ctx)
	require.NoError(t, err)
	require.False(t, ok, "no slave progress resolves false after the retries")
}

func TestGateShutdown(t *testing.T) {
	var acked atomic.Int64

	g := NewTransferGate(acked.Load, testLogger())
	g.checkEvery = time.Hour
	g.Start()

	r := NewRequest(1_000_000)
	g.Put(r)
	time.Sleep(20 * time.Millisecond)

	g.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, err := r.Wait(ctx)
	require.NoError(t, err)
	require.False(t, ok, "pending requests fail on shutdown")

	t.Run("PutAfterShutdown", func(t *testing.T) {
		r := NewRequest(1)
		g.Put(r)

		ok, err := r.Wait(context.Background())
		require.NoError(t, err)
		require.False(t, ok)
	})
}
