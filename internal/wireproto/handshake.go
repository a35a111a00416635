// Package wireproto frames the handshake a follower sends when it opens
// a replication connection: JOIN for a full initial copy, SUBSCRIBE to
// resume streaming from an already-held position. Once the handshake is
// read, the rest of the connection is symmetric xrow frames
// (xlog.EncodeRow/DecodeRow) in one direction and ack frames
// (relay.EncodeAck) in the other — this package only owns the one frame
// exchanged before that.
package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack"

	"github.com/devrev/pairdb/walrelay/internal/model"
)

// Command distinguishes a follower's two ways of attaching.
type Command uint8

const (
	// CmdJoin requests a full initial copy: the relay replays every row
	// from the start of retained history and the local-row policy drops
	// GroupLocal rows instead of rewriting them to NOPs.
	CmdJoin Command = iota
	// CmdSubscribe resumes streaming from a VClock the follower already
	// holds.
	CmdSubscribe
)

// Handshake is the one frame a follower sends before the relay starts
// streaming.
type Handshake struct {
	Command   Command `msgpack:"command"`
	ReplicaID uint32  `msgpack:"replica_id"`
	VClock    map[uint32]int64 `msgpack:"vclock"`
}

// Encode frames h as a 4-byte little-endian length prefix around its
// MessagePack encoding, the same envelope relay.EncodeAck uses.
func Encode(h Handshake) ([]byte, error) {
	body, err := msgpack.Marshal(&h)
	if err != nil {
		return nil, fmt.Errorf("wireproto: encode handshake: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Read reads one Handshake frame off r.
func Read(r io.Reader) (Handshake, model.VClock, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Handshake{}, nil, fmt.Errorf("wireproto: read handshake payload: %w", err)
	}

	var h Handshake
	if err := msgpack.Unmarshal(payload, &h); err != nil {
		return Handshake{}, nil, fmt.Errorf("wireproto: decode handshake: %w", err)
	}
	return h, model.VClock(h.VClock), nil
}
