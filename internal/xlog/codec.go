// Package xlog implements the on-disk segment format spec §6 pins
// bit-exact: a text header followed by a sequence of tx-blocks, each a
// fixheader (magic, crc, lengths) followed by one or more varint-length +
// MessagePack-encoded rows.
package xlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/vmihailenco/msgpack"
)

// rowHeader is the MessagePack-encoded row header. Field names match
// spec §6's enumerated keys exactly.
type rowHeader struct {
	Type      uint16 `msgpack:"type"`
	ReplicaID uint32 `msgpack:"replica_id"`
	LSN       int64  `msgpack:"lsn"`
	TSN       int64  `msgpack:"tsn"`
	Tm        int64  `msgpack:"tm"`
	GroupID   uint8  `msgpack:"group_id"`
	IsCommit  bool   `msgpack:"is_commit"`
}

// EncodeRow writes one row as varint-length-prefixed MessagePack header
// followed by MessagePack-encoded body, appending to dst.
func EncodeRow(dst []byte, row *model.Row) ([]byte, error) {
	hdr := rowHeader{
		Type:      uint16(row.Type),
		ReplicaID: row.ReplicaID,
		LSN:       row.LSN,
		TSN:       row.TSN,
		Tm:        row.Timestamp,
		GroupID:   uint8(row.GroupID),
		IsCommit:  row.IsCommit,
	}

	hdrBytes, err := msgpack.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("xlog: encode row header: %w", err)
	}
	bodyBytes, err := msgpack.Marshal(row.Body)
	if err != nil {
		return nil, fmt.Errorf("xlog: encode row body: %w", err)
	}

	var varint [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varint[:], uint64(len(hdrBytes)))
	dst = append(dst, varint[:n]...)
	dst = append(dst, hdrBytes...)

	n = binary.PutUvarint(varint[:], uint64(len(bodyBytes)))
	dst = append(dst, varint[:n]...)
	dst = append(dst, bodyBytes...)

	return dst, nil
}

// DecodeRow reads one varint-length-prefixed header + body pair from r.
func DecodeRow(r *bufio.Reader) (*model.Row, error) {
	hdrLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return nil, fmt.Errorf("xlog: read row header: %w", err)
	}
	var hdr rowHeader
	if err := msgpack.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("xlog: decode row header: %w", err)
	}

	bodyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("xlog: read body length: %w", err)
	}
	bodyBytes := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, bodyBytes); err != nil {
		return nil, fmt.Errorf("xlog: read row body: %w", err)
	}
	var body []byte
	if err := msgpack.Unmarshal(bodyBytes, &body); err != nil {
		return nil, fmt.Errorf("xlog: decode row body: %w", err)
	}

	return &model.Row{
		Type:      model.RowType(hdr.Type),
		ReplicaID: hdr.ReplicaID,
		LSN:       hdr.LSN,
		TSN:       hdr.TSN,
		Timestamp: hdr.Tm,
		GroupID:   model.GroupID(hdr.GroupID),
		IsCommit:  hdr.IsCommit,
		Body:      body,
	}, nil
}
