package revlog

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Delta streams use the canonical varint-prefixed copy/insert instruction
// encoding: base size, result size, then a sequence of instructions where
// a command byte with the high bit set is a copy from the base and a
// command byte 1..127 is that many literal bytes to insert.

func encodeDeltaVarint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	out := make([]byte, 0, 10)
	for v > 0 {
		b := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func decodeDeltaVarint(r io.ByteReader) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("delta varint too large")
		}
	}
}

func writeDeltaInsert(out *bytes.Buffer, data []byte) {
	for pos := 0; pos < len(data); {
		chunk := len(data) - pos
		if chunk > 127 {
			chunk = 127
		}
		out.WriteByte(byte(chunk))
		out.Write(data[pos : pos+chunk])
		pos += chunk
	}
}

func writeDeltaCopy(out *bytes.Buffer, offset, size int) {
	for size > 0 {
		n := size
		if n > 0xffffff {
			n = 0xffffff
		}
		cmd := byte(0x80)
		var args []byte
		for i := 0; i < 4; i++ {
			if b := byte(offset >> (8 * i)); b != 0 {
				cmd |= 1 << i
				args = append(args, b)
			}
		}
		for i := 0; i < 3; i++ {
			if b := byte(n >> (8 * i)); b != 0 {
				cmd |= 0x10 << i
				args = append(args, b)
			}
		}
		out.WriteByte(cmd)
		out.Write(args)
		offset += n
		size -= n
	}
}

// buildDelta encodes target as a delta against base. It copies the longest
// common prefix and suffix of the two texts and inserts the middle as
// literal bytes, which is cheap to compute and effective for line-oriented
// records that change in one region.
func buildDelta(base, target []byte) []byte {
	prefix := 0
	max := len(base)
	if len(target) < max {
		max = len(target)
	}
	for prefix < max && base[prefix] == target[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < max-prefix &&
		base[len(base)-1-suffix] == target[len(target)-1-suffix] {
		suffix++
	}

	var out bytes.Buffer
	out.Write(encodeDeltaVarint(uint64(len(base))))
	out.Write(encodeDeltaVarint(uint64(len(target))))
	if prefix > 0 {
		writeDeltaCopy(&out, 0, prefix)
	}
	if mid := target[prefix : len(target)-suffix]; len(mid) > 0 {
		writeDeltaInsert(&out, mid)
	}
	if suffix > 0 {
		writeDeltaCopy(&out, len(base)-suffix, suffix)
	}
	return out.Bytes()
}

// applyDelta replays a delta stream against base and returns the result.
func applyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)

	baseSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read delta base size: %w", err)
	}
	if int(baseSize) != len(base) {
		return nil, fmt.Errorf("delta base size mismatch: got %d want %d", len(base), baseSize)
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read delta result size: %w", err)
	}

	out := make([]byte, 0, resultSize)
	for dr.Len() > 0 {
		cmd, err := dr.ReadByte()
		if err != nil {
			return nil, err
		}
		switch {
		case cmd&0x80 != 0:
			// Copy from base.
			var offset, size int
			for i := 0; i < 4; i++ {
				if cmd&(1<<i) != 0 {
					b, err := dr.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("delta copy offset truncated")
					}
					offset |= int(b) << (8 * i)
				}
			}
			for i := 0; i < 3; i++ {
				if cmd&(0x10<<i) != 0 {
					b, err := dr.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("delta copy size truncated")
					}
					size |= int(b) << (8 * i)
				}
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > len(base) {
				return nil, fmt.Errorf("delta copy out of range: %d+%d > %d", offset, size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
		case cmd > 0:
			// Literal insert.
			lit := make([]byte, cmd)
			if _, err := io.ReadFull(dr, lit); err != nil {
				return nil, fmt.Errorf("delta insert truncated: %w", err)
			}
			out = append(out, lit...)
		default:
			return nil, fmt.Errorf("invalid delta command 0")
		}
	}
	if len(out) != int(resultSize) {
		return nil, fmt.Errorf("delta result size mismatch: got %d want %d", len(out), resultSize)
	}
	return out, nil
}

// Stored chunks carry a one-byte tag: 'u' for raw bytes, 'z' for a
// zstd-compressed body. Empty chunks are stored as zero bytes.
const (
	chunkRaw  = 'u'
	chunkZstd = 'z'
)

// packChunk frames data for storage, compressing when it saves space.
func packChunk(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("pack chunk: %w", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(data, nil)
	if len(compressed)+1 < len(data)+1 {
		return append([]byte{chunkZstd}, compressed...), nil
	}
	return append([]byte{chunkRaw}, data...), nil
}

// unpackChunk reverses packChunk.
func unpackChunk(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	switch chunk[0] {
	case chunkRaw:
		return chunk[1:], nil
	case chunkZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("unpack chunk: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(chunk[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("unpack chunk: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown chunk tag 0x%02x", chunk[0])
	}
}
