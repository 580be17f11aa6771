// Package ha replicates the commit log from a master broker to its
// slaves over a framed TCP protocol, and gates sync-mode producers on
// slave acknowledgement.
//
// Wire format, big-endian:
//
//	slave -> master: bare 8-byte max offset, sent as heartbeat and
//	  whenever the local log advances
//	master -> slave: frames of [8-byte phyOffset][4-byte bodyLen][body],
//	  phyOffset being the log offset of the first body byte; a zero
//	  bodyLen frame is a keepalive
//
// There is no magic, versioning or checksum: TCP carries integrity,
// and stream divergence is caught by the offset equality check.
package ha

import (
	"context"
	"encoding/binary"
)

const (
	// ReportSize is the size of a slave offset report.
	ReportSize = 8
	// FrameHeaderSize is the size of a master push frame header.
	FrameHeaderSize = 12
)

func PutFrameHeader(b []byte, phyOffset int64, bodyLen int) {
	binary.BigEndian.PutUint64(b[0:], uint64(phyOffset))
	binary.BigEndian.PutUint32(b[8:], uint32(bodyLen))
}

func FrameHeader(b []byte) (phyOffset int64, bodyLen int) {
	phyOffset = int64(binary.BigEndian.Uint64(b[0:]))
	bodyLen = int(int32(binary.BigEndian.Uint32(b[8:])))
	return
}

func PutReport(b []byte, offset int64) {
	binary.BigEndian.PutUint64(b, uint64(offset))
}

func Report(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Log is the slice of the commit log replication relies on.
type Log interface {
	MaxOffset() int64
	Read(start int64, maxBytes int) ([]byte, error)
	AppendAt(offset int64, b []byte) error
	WaitFor(ctx context.Context, offset int64) error
}
