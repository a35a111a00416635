package xlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/walrelay/internal/model"
	"github.com/devrev/pairdb/walrelay/internal/util"
	"golang.org/x/sys/unix"
)

const (
	// FileExt is the extension of an open, healthy segment.
	FileExt = ".xlog"
	// CorruptedExt is appended in place of FileExt when a segment fails
	// to parse at startup (spec §7, "corruption").
	CorruptedExt = ".xlog.corrupted"

	magicText    = "XLOG"
	formatText   = "0.13"
	blockMagic   = uint32(0xd5ba0bab)
	nameDigits   = 20
	preallocMult = 2 // fallocate to >= 2x the approximate batch length, per spec §batch step 3
)

// SegmentName returns the canonical filename for a segment starting at the
// given VClock signature.
func SegmentName(signature int64) string {
	return fmt.Sprintf("%0*d%s", nameDigits, signature, FileExt)
}

// Header is the segment's text preamble: magic, format version,
// instance-uuid, and starting VClock.
type Header struct {
	InstanceUUID string
	StartVClock  model.VClock
}

func writeHeader(w io.Writer, h Header) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n%s\n", magicText, formatText)
	fmt.Fprintf(&sb, "Instance-UUID: %s\n", h.InstanceUUID)
	fmt.Fprintf(&sb, "VClock:")
	for id, lsn := range h.StartVClock {
		fmt.Fprintf(&sb, " %d:%d", id, lsn)
	}
	sb.WriteString("\n\n")
	_, err := w.Write([]byte(sb.String()))
	return err
}

func readHeader(r *bufio.Reader) (Header, error) {
	magic, err := r.ReadString('\n')
	if err != nil {
		return Header{}, fmt.Errorf("xlog: read magic: %w", err)
	}
	if strings.TrimSpace(magic) != magicText {
		return Header{}, fmt.Errorf("xlog: bad magic %q", magic)
	}
	if _, err := r.ReadString('\n'); err != nil { // format version, unchecked beyond presence
		return Header{}, fmt.Errorf("xlog: read format: %w", err)
	}

	var h Header
	h.StartVClock = model.NewVClock()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return Header{}, fmt.Errorf("xlog: read header: %w", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		switch {
		case strings.HasPrefix(line, "Instance-UUID: "):
			h.InstanceUUID = strings.TrimPrefix(line, "Instance-UUID: ")
		case strings.HasPrefix(line, "VClock:"):
			fields := strings.Fields(strings.TrimPrefix(line, "VClock:"))
			for _, f := range fields {
				parts := strings.SplitN(f, ":", 2)
				if len(parts) != 2 {
					continue
				}
				id, err1 := strconv.ParseUint(parts[0], 10, 32)
				lsn, err2 := strconv.ParseInt(parts[1], 10, 64)
				if err1 != nil || err2 != nil {
					continue
				}
				h.StartVClock[uint32(id)] = lsn
			}
		}
	}
	return h, nil
}

// Segment is one on-disk append-only log file.
type Segment struct {
	Path        string
	StartVClock model.VClock

	file   *os.File
	offset int64
}

// Create opens a brand new segment file named for startVClock's signature
// in dir, and writes its header.
func Create(dir string, startVClock model.VClock, instanceUUID string) (*Segment, error) {
	name := SegmentName(startVClock.Signature())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("xlog: create segment: %w", err)
	}

	if err := writeHeader(f, Header{InstanceUUID: instanceUUID, StartVClock: startVClock.Clone()}); err != nil {
		f.Close()
		return nil, fmt.Errorf("xlog: write header: %w", err)
	}
	off, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Segment{
		Path:        path,
		StartVClock: startVClock.Clone(),
		file:        f,
		offset:      off,
	}, nil
}

// OpenForAppend reopens an existing (presumably the latest, not-yet-full)
// segment for appends, seeking to its end.
func OpenForAppend(path string, startVClock model.VClock) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Segment{Path: path, StartVClock: startVClock.Clone(), file: f, offset: off}, nil
}

// Preallocate ensures approxLen*preallocMult bytes beyond the current
// offset are reserved on disk, so a subsequent Append cannot be interrupted by
// ENOSPC mid-write. Returns a *PathError wrapping syscall.ENOSPC when the
// filesystem has no room — callers match on that to drive the WAL's GC
// retry loop (spec §batch step 3).
func (s *Segment) Preallocate(approxLen int) error {
	want := int64(approxLen * preallocMult)
	if want <= 0 {
		return nil
	}
	err := unix.Fallocate(int(s.file.Fd()), 0, s.offset, want)
	if err == unix.ENOSPC {
		return &os.PathError{Op: "fallocate", Path: s.Path, Err: unix.ENOSPC}
	}
	if err == unix.EOPNOTSUPP || err == unix.ENOTSUP {
		// Some filesystems (tmpfs, certain overlay configurations)
		// don't support fallocate; that is not a durability problem,
		// just a missed optimization.
		return nil
	}
	return err
}

// AppendBatch writes one tx-block containing rows and returns the number
// of bytes appended. The final row in rows must carry IsCommit, matching
// the write-to-disk algorithm's step 5.
func (s *Segment) AppendBatch(rows []*model.Row) (int, error) {
	var body []byte
	for _, row := range rows {
		var err error
		body, err = EncodeRow(body, row)
		if err != nil {
			return 0, err
		}
	}

	crc := util.ComputeChecksum(body)

	var block bytes.Buffer
	binary.Write(&block, binary.LittleEndian, blockMagic)
	binary.Write(&block, binary.LittleEndian, crc)
	binary.Write(&block, binary.LittleEndian, uint32(len(body)))
	binary.Write(&block, binary.LittleEndian, uint32(len(body)))
	block.Write(body)

	n, err := s.file.Write(block.Bytes())
	if err != nil {
		return n, fmt.Errorf("xlog: append batch: %w", err)
	}
	s.offset += int64(n)
	return n, nil
}

// Sync flushes the segment to stable storage.
func (s *Segment) Sync() error {
	return s.file.Sync()
}

// Size returns the current logical size of the segment (the write offset,
// not the possibly-larger preallocated extent).
func (s *Segment) Size() int64 {
	return s.offset
}

// Close closes the underlying file.
func (s *Segment) Close() error {
	return s.file.Close()
}

// MarkCorrupted renames the segment file at path to its .corrupted form, so
// it is skipped on the next startup scan (spec §7).
func MarkCorrupted(path string) error {
	return os.Rename(path, strings.TrimSuffix(path, FileExt)+CorruptedExt)
}

// Reader replays rows out of a closed (or still-growing, for recovery from
// file during relay phase 2) segment file.
type Reader struct {
	Header Header
	r      *bufio.Reader
	f      *os.File
}

// OpenReader opens path for sequential row replay, parsing and validating
// its header. A header parse failure returns an error the caller should
// treat per spec §7 ("corruption"): rename to *.corrupted and skip.
// Tx-block fixheader and checksum errors surface later, from ReadBlock.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	hdr, err := readHeader(br)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{Header: hdr, r: br, f: f}, nil
}

// ReadBlock reads one tx-block and returns its rows in commit order. It
// returns io.EOF when the segment has no more complete blocks.
func (rd *Reader) ReadBlock() ([]*model.Row, error) {
	var magic, crc, uncompLen, length uint32
	if err := binary.Read(rd.r, binary.LittleEndian, &magic); err != nil {
		return nil, err // io.EOF on a clean end-of-segment
	}
	if magic != blockMagic {
		return nil, fmt.Errorf("xlog: bad tx-block magic %x", magic)
	}
	if err := binary.Read(rd.r, binary.LittleEndian, &crc); err != nil {
		return nil, fmt.Errorf("xlog: read crc: %w", err)
	}
	if err := binary.Read(rd.r, binary.LittleEndian, &uncompLen); err != nil {
		return nil, fmt.Errorf("xlog: read uncompressed len: %w", err)
	}
	if err := binary.Read(rd.r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("xlog: read len: %w", err)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(rd.r, body); err != nil {
		return nil, fmt.Errorf("xlog: read tx-block body: %w", err)
	}
	if !util.ValidateChecksum(body, crc) {
		return nil, fmt.Errorf("xlog: tx-block checksum mismatch")
	}

	br := bufio.NewReader(bytes.NewReader(body))
	var rows []*model.Row
	for {
		row, err := DecodeRow(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xlog: decode row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Close closes the reader's underlying file.
func (rd *Reader) Close() error {
	return rd.f.Close()
}
