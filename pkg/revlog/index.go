package revlog

import (
	"encoding/binary"
	"fmt"
)

const (
	indexHeaderSize = 8
	indexEntrySize  = 64
	indexVersion    = 1
)

var indexMagic = [4]byte{'R', 'L', 'O', 'G'}

// Header flag bits, persisted in the index file header.
const (
	// headerInline marks a log whose data chunks are interleaved with the
	// index records in the .i file.
	headerInline = uint16(1 << 0)
	// headerGeneralDelta allows a delta base to be any earlier revision
	// rather than only the immediately preceding one.
	headerGeneralDelta = uint16(1 << 1)
	// headerNoDelta disables delta storage: every revision is a full
	// snapshot. Used by the changelog, where random access must not pay
	// for chain reconstruction.
	headerNoDelta = uint16(1 << 2)
)

// IndexEntry is one fixed-size record in the index file.
//
// Bytes (big-endian):
//   - 0..7:   data offset
//   - 8..11:  stored chunk length (including the compression tag byte)
//   - 12..15: raw (uncompressed, undeltified) text size
//   - 16..19: base rev of the delta chain segment; equal to the entry's
//     own rev when the chunk is a full snapshot
//   - 20..23: link rev
//   - 24..27: p1 rev
//   - 28..31: p2 rev
//   - 32..51: node
//   - 52..53: flags
//   - 54..63: reserved (zero)
type IndexEntry struct {
	Offset  int64
	Length  int32
	RawSize int32
	Base    Rev
	Link    Rev
	P1      Rev
	P2      Rev
	Node    Node
	Flags   uint16
}

func (e *IndexEntry) marshal() []byte {
	buf := make([]byte, indexEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Offset))
	binary.BigEndian.PutUint32(buf[8:12], uint32(e.Length))
	binary.BigEndian.PutUint32(buf[12:16], uint32(e.RawSize))
	binary.BigEndian.PutUint32(buf[16:20], uint32(e.Base))
	binary.BigEndian.PutUint32(buf[20:24], uint32(e.Link))
	binary.BigEndian.PutUint32(buf[24:28], uint32(e.P1))
	binary.BigEndian.PutUint32(buf[28:32], uint32(e.P2))
	copy(buf[32:52], e.Node[:])
	binary.BigEndian.PutUint16(buf[52:54], e.Flags)
	return buf
}

func unmarshalIndexEntry(buf []byte) (IndexEntry, error) {
	var e IndexEntry
	if len(buf) < indexEntrySize {
		return e, fmt.Errorf("index entry truncated: got %d bytes", len(buf))
	}
	e.Offset = int64(binary.BigEndian.Uint64(buf[0:8]))
	e.Length = int32(binary.BigEndian.Uint32(buf[8:12]))
	e.RawSize = int32(binary.BigEndian.Uint32(buf[12:16]))
	e.Base = Rev(binary.BigEndian.Uint32(buf[16:20]))
	e.Link = Rev(binary.BigEndian.Uint32(buf[20:24]))
	e.P1 = Rev(binary.BigEndian.Uint32(buf[24:28]))
	e.P2 = Rev(binary.BigEndian.Uint32(buf[28:32]))
	copy(e.Node[:], buf[32:52])
	e.Flags = binary.BigEndian.Uint16(buf[52:54])
	return e, nil
}

func marshalIndexHeader(flags uint16) []byte {
	buf := make([]byte, indexHeaderSize)
	copy(buf[:4], indexMagic[:])
	binary.BigEndian.PutUint16(buf[4:6], indexVersion)
	binary.BigEndian.PutUint16(buf[6:8], flags)
	return buf
}

func unmarshalIndexHeader(buf []byte) (uint16, error) {
	if len(buf) < indexHeaderSize {
		return 0, fmt.Errorf("index header too short: got %d bytes", len(buf))
	}
	if [4]byte(buf[:4]) != indexMagic {
		return 0, fmt.Errorf("invalid index magic %q", buf[:4])
	}
	version := binary.BigEndian.Uint16(buf[4:6])
	if version != indexVersion {
		return 0, fmt.Errorf("unsupported index version %d", version)
	}
	return binary.BigEndian.Uint16(buf[6:8]), nil
}
