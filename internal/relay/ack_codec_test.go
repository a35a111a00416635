package relay_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/devrev/pairdb/walrelay/internal/relay"
	"github.com/devrev/pairdb/walrelay/internal/ring"
	"github.com/devrev/pairdb/walrelay/internal/xlog"
)

func TestEncodeAck_FramesALengthPrefixAroundMsgpack(t *testing.T) {
	vc := model.VClock{1: 5, 2: 9}
	encoded, err := relay.EncodeAck(vc)
	require.NoError(t, err)
	assert.Greater(t, len(encoded), 4)
}

// TestAckReader_DecodesFramesEncodedByEncodeAck exercises EncodeAck and
// AckReader back to back, confirming the wire ack format round-trips
// through a live Relay the way server.go wires AckReader to a connection.
func TestAckReader_DecodesFramesEncodedByEncodeAck(t *testing.T) {
	dir := t.TempDir()
	xd, err := xlog.Open(dir)
	require.NoError(t, err)
	src := relay.Source{Ring: ring.New(16), Dir: xd}

	var gotAck model.VClock
	r := relay.New(relay.Config{
		ReplicaID: 1,
		OnAck:     func(vc model.VClock) { gotAck = vc },
	}, relay.Capability{Write: func(*model.Row) error { return nil }}, src)

	vc := model.VClock{1: 3, 2: 7}
	frame, err := relay.EncodeAck(vc)
	require.NoError(t, err)

	reader := relay.NewAckReader(r, bytes.NewReader(frame))
	require.NoError(t, reader.Run(context.Background()))

	assert.EqualValues(t, 3, r.FollowerVClock().Get(1))
	assert.EqualValues(t, 7, r.FollowerVClock().Get(2))
	assert.EqualValues(t, 3, gotAck.Get(1))
}
