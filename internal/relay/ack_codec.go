package relay

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack"

	"github.com/devrev/pairdb/walrelay/internal/model"
)

// EncodeAck frames a VClock as a follower would before sending it back
// over the wire: a 4-byte length prefix around its MessagePack encoding.
func EncodeAck(vc model.VClock) ([]byte, error) {
	body, err := msgpack.Marshal(map[uint32]int64(vc))
	if err != nil {
		return nil, fmt.Errorf("relay: encode ack: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

func decodeAckVClock(payload []byte) (model.VClock, error) {
	var raw map[uint32]int64
	if err := msgpack.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("relay: decode ack: %w", err)
	}
	return model.VClock(raw), nil
}
