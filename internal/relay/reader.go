package relay

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/devrev/pairdb/walrelay/internal/model"
)

// AckReader decodes ack frames off a follower's reply channel and feeds
// them into a Relay's FollowerVClock, matching spec §4.3's "reader fiber"
// that runs concurrently with the sender loop on the same connection.
// Acks are framed the same way vy-log records are: a 4-byte
// little-endian length prefix around a MessagePack-encoded VClock, kept
// deliberately simpler than the xlog row format since acks never need a
// body.
type AckReader struct {
	relay *Relay
	r     *bufio.Reader
}

// NewAckReader wraps r as the source of ack frames for relay.
func NewAckReader(relay *Relay, r io.Reader) *AckReader {
	return &AckReader{relay: relay, r: bufio.NewReader(r)}
}

// Run reads ack frames until ctx is cancelled or the connection closes.
func (a *AckReader) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vc, err := a.readOne()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("relay: ack reader: %w", err)
		}
		a.relay.AckVClock(vc)
	}
}

func (a *AckReader) readOne() (model.VClock, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(a.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])

	payload := make([]byte, n)
	if _, err := io.ReadFull(a.r, payload); err != nil {
		return nil, fmt.Errorf("read ack payload: %w", err)
	}

	vc, err := decodeAckVClock(payload)
	if err != nil {
		return nil, err
	}
	return vc, nil
}
