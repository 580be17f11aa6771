// Package klevmq wires the broker's storage and replication pieces:
// the commit log, the hash-by-key index over it, and the master/slave
// replication services, behind a single publish/query surface.
package klevmq

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klev-dev/klevmq/checkpoint"
	"github.com/klev-dev/klevmq/commitlog"
	"github.com/klev-dev/klevmq/config"
	"github.com/klev-dev/klevmq/ha"
	"github.com/klev-dev/klevmq/index"
	"github.com/klev-dev/kleverr"
)

// Status is the outcome of a publish towards the producer.
type Status int

const (
	StatusOK Status = iota
	// StatusSlaveNotAvailable: sync replication is on and no slave is
	// connected or the slave fell too far behind.
	StatusSlaveNotAvailable
	// StatusFlushSlaveTimeout: the message was stored but was not
	// acknowledged by a slave within the transfer window.
	StatusFlushSlaveTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSlaveNotAvailable:
		return "SLAVE_NOT_AVAILABLE"
	case StatusFlushSlaveTimeout:
		return "FLUSH_SLAVE_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

type PublishResult struct {
	Status Status
	Offset int64
}

type Broker struct {
	cfg config.Config
	lg  *slog.Logger

	log *commitlog.Log
	cp  *checkpoint.Store
	ix  *index.Service

	server *ha.Server
	client *ha.Client

	abortPath string
}

// Open brings up the broker's stores. An abort marker left behind by
// a previous run means the shutdown was unclean and index files past
// the checkpoint cannot be trusted.
func Open(cfg config.Config, lg *slog.Logger) (*Broker, error) {
	if lg == nil {
		lg = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, kleverr.Newf("could not create data dir: %w", err)
	}

	abortPath := filepath.Join(cfg.DataDir, "abort")
	_, err := os.Stat(abortPath)
	cleanShutdown := os.IsNotExist(err)
	if !cleanShutdown {
		lg.Warn("previous shutdown was unclean")
	}
	if err := os.WriteFile(abortPath, nil, 0600); err != nil {
		return nil, kleverr.Newf("could not write abort marker: %w", err)
	}

	log, err := commitlog.Open(filepath.Join(cfg.DataDir, "commitlog"))
	if err != nil {
		return nil, err
	}

	cp, err := checkpoint.Open(filepath.Join(cfg.DataDir, "checkpoint"))
	if err != nil {
		return nil, err
	}

	ix, err := index.OpenService(filepath.Join(cfg.DataDir, "index"), index.Options{
		SlotCount:     cfg.IndexSlotCount,
		MaxIndexCount: cfg.IndexMaxCount,
		MaxQueryCount: cfg.MaxQueryCount,
		Logger:        lg,
	}, cp)
	if err != nil {
		return nil, err
	}
	if err := ix.Load(cleanShutdown); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:       cfg,
		lg:        lg,
		log:       log,
		cp:        cp,
		ix:        ix,
		abortPath: abortPath,
	}

	switch cfg.Role {
	case config.RoleMaster:
		b.server = ha.NewServer(log, ha.ServerOptions{
			Addr:              cfg.HAListenAddr,
			TransferBatch:     cfg.TransferBatch,
			HeartbeatInterval: cfg.HeartbeatInterval,
			FallbehindMax:     cfg.FallbehindMax,
			Logger:            lg,
		})
	case config.RoleSlave:
		b.client = ha.NewClient(log, ha.ClientOptions{
			Master:               cfg.MasterAddr,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			HousekeepingInterval: cfg.HousekeepingInterval,
			ReconnectBackoff:     cfg.ReconnectBackoff,
			Logger:               lg,
		})
	default:
		return nil, kleverr.Newf("unknown role: %s", cfg.Role)
	}

	return b, nil
}

func (b *Broker) Start() error {
	switch {
	case b.server != nil:
		return b.server.Start()
	case b.client != nil:
		b.client.Start()
	}
	return nil
}

// Publish appends body to the commit log, indexes its keys and, when
// sync replication is configured, waits for a slave to acknowledge
// the bytes. keys holds space-separated user keys, possibly empty.
func (b *Broker) Publish(ctx context.Context, topic, keys string, body []byte) (PublishResult, error) {
	offset, err := b.log.Append(body)
	if err != nil {
		return PublishResult{}, err
	}
	nextOffset := offset + int64(len(body))

	// dispatch the persisted message into the index
	if err := b.ix.BuildIndex(index.DispatchRequest{
		Topic:           topic,
		Keys:            keys,
		CommitLogOffset: offset,
		StoreTimestamp:  time.Now().UnixMilli(),
	}); err != nil {
		// the broker keeps serving; queries just go stale from here
		b.lg.Error("could not index message", "topic", topic, "offset", offset, "error", err)
	}

	if b.server != nil && b.cfg.SyncReplication {
		if !b.server.IsSlaveOK(nextOffset) {
			return PublishResult{Status: StatusSlaveNotAvailable, Offset: offset}, nil
		}

		req := ha.NewRequest(nextOffset)
		b.server.PutRequest(req)
		ok, err := req.Wait(ctx)
		if err != nil {
			return PublishResult{}, err
		}
		if !ok {
			return PublishResult{Status: StatusFlushSlaveTimeout, Offset: offset}, nil
		}
	}

	return PublishResult{Status: StatusOK, Offset: offset}, nil
}

// QueryOffsets finds commit log offsets for (topic, key) in a store
// time range, newest first.
func (b *Broker) QueryOffsets(topic, key string, maxCount int, begin, end int64) index.QueryResult {
	return b.ix.QueryOffsets(topic, key, maxCount, begin, end)
}

// DeleteExpiredIndex drops index files fully behind the commit log
// retention cutoff.
func (b *Broker) DeleteExpiredIndex(cutoff int64) int {
	return b.ix.DeleteExpired(cutoff)
}

// ReplicationAddr returns the bound HA listen address on a master,
// and "" on a slave.
func (b *Broker) ReplicationAddr() string {
	if b.server == nil {
		return ""
	}
	return b.server.Addr().String()
}

// IsSlaveOK reports whether a slave is keeping up. Always false on a
// slave broker.
func (b *Broker) IsSlaveOK(masterWriteOffset int64) bool {
	return b.server != nil && b.server.IsSlaveOK(masterWriteOffset)
}

// IndexUnwritable reports the index build latch.
func (b *Broker) IndexUnwritable() bool {
	return b.ix.Unwritable()
}

// MaxOffset returns the commit log tail offset.
func (b *Broker) MaxOffset() int64 {
	return b.log.MaxOffset()
}

// Shutdown stops replication, flushes the stores and clears the abort
// marker so the next start loads clean.
func (b *Broker) Shutdown() error {
	if b.server != nil {
		b.server.Shutdown()
	}
	if b.client != nil {
		b.client.Shutdown()
	}

	if err := b.ix.Close(); err != nil {
		return err
	}
	if err := b.cp.Flush(); err != nil {
		return err
	}
	if err := b.log.Flush(); err != nil {
		return err
	}
	if err := b.log.Close(); err != nil {
		return err
	}

	if err := os.Remove(b.abortPath); err != nil {
		return kleverr.Newf("could not remove abort marker: %w", err)
	}
	return nil
}
