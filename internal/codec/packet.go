package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
)

// ErrMalformedChunk is returned by Unpack for truncated or empty bundles.
var ErrMalformedChunk = errors.New("malformed chunk")

// Pack bundles Opus packets into one chunk: each packet is prefixed with its
// QUIC varint length. A bundle of one packet is how per-frame broadcast
// chunks travel; chunked mode puts a whole slice in one bundle.
func Pack(packets [][]byte) []byte {
	size := 0
	for _, p := range packets {
		size += quicvarint.Len(uint64(len(p))) + len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range packets {
		out = quicvarint.Append(out, uint64(len(p)))
		out = append(out, p...)
	}
	return out
}

// Unpack splits a bundle produced by Pack. The returned packets alias chunk.
func Unpack(chunk []byte) ([][]byte, error) {
	if len(chunk) == 0 {
		return nil, ErrMalformedChunk
	}
	var packets [][]byte
	for pos := 0; pos < len(chunk); {
		l, n, err := quicvarint.Parse(chunk[pos:])
		if err != nil {
			return nil, fmt.Errorf("%w: length at offset %d: %v", ErrMalformedChunk, pos, err)
		}
		pos += n
		if l == 0 || uint64(len(chunk)-pos) < l {
			return nil, fmt.Errorf("%w: packet of %d bytes at offset %d, %d remain", ErrMalformedChunk, l, pos, len(chunk)-pos)
		}
		packets = append(packets, chunk[pos:pos+int(l)])
		pos += int(l)
	}
	return packets, nil
}

// Single treats the whole chunk as one packet. It is the unpacker for the
// point-to-point path, where each frame carries exactly one access unit.
func Single(chunk []byte) ([][]byte, error) {
	if len(chunk) == 0 {
		return nil, ErrMalformedChunk
	}
	return [][]byte{chunk}, nil
}

// PacketDuration reads the Opus TOC byte (RFC 6716 section 3.1) and returns
// the audio duration the packet carries.
func PacketDuration(pkt []byte) (time.Duration, error) {
	if len(pkt) == 0 {
		return 0, errors.New("opus: empty packet")
	}
	toc := pkt[0]
	config := toc >> 3

	var frame time.Duration
	switch {
	case config < 12: // SILK
		frame = [4]time.Duration{10, 20, 40, 60}[config%4] * time.Millisecond
	case config < 16: // Hybrid
		frame = [2]time.Duration{10, 20}[config%2] * time.Millisecond
	default: // CELT
		frame = [4]time.Duration{2500, 5000, 10000, 20000}[config%4] * time.Microsecond
	}

	var count int
	switch toc & 0x3 {
	case 0:
		count = 1
	case 1, 2:
		count = 2
	default:
		if len(pkt) < 2 {
			return 0, errors.New("opus: code 3 packet without frame count")
		}
		count = int(pkt[1] & 0x3F)
		if count == 0 {
			return 0, errors.New("opus: code 3 packet with zero frames")
		}
	}

	return frame * time.Duration(count), nil
}
