package transcode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Ogg page layout (RFC 3533 §6):
//
//	0  capture pattern "OggS"
//	4  stream structure version (0)
//	5  header type flags
//	6  granule position (int64)
//	14 bitstream serial number
//	18 page sequence number
//	22 CRC-32 over the whole page with this field zeroed
//	26 number of segments
//	27 segment table, then the segment data
const (
	oggHeaderSize = 27
	oggCRCOffset  = 22

	oggFlagContinued = 0x01
)

var errOggTruncated = errors.New("ogg: truncated page")

// oggPage is a parsed page. data aliases the input buffer.
type oggPage struct {
	headerType byte
	granule    int64
	serial     uint32
	sequence   uint32
	segments   []byte
	data       []byte
}

// oggPacketReader splits the first logical bitstream of an Ogg file into
// packets. Pages belonging to other serial numbers are skipped.
type oggPacketReader struct {
	buf     []byte
	pos     int
	serial  uint32
	started bool
	lastSeq uint32

	// pending holds a packet continued from the previous page.
	pending []byte
	// queue holds complete packets not yet returned.
	queue [][]byte
}

func newOggPacketReader(b []byte) *oggPacketReader {
	return &oggPacketReader{buf: b}
}

// next returns the next complete packet, or (nil, nil) at end of stream.
func (r *oggPacketReader) next() ([]byte, error) {
	for len(r.queue) == 0 {
		if r.pos >= len(r.buf) {
			// A trailing partial packet without a terminating segment is dropped.
			return nil, nil
		}
		page, n, err := parseOggPage(r.buf[r.pos:])
		if err != nil {
			return nil, fmt.Errorf("ogg: page at offset %d: %w", r.pos, err)
		}
		r.pos += n

		if !r.started {
			r.serial = page.serial
			r.started = true
		} else if page.serial != r.serial {
			continue
		} else if page.sequence != r.lastSeq+1 {
			// Lost pages: a packet spanning the gap cannot be trusted.
			r.pending = nil
		}
		r.lastSeq = page.sequence

		if page.headerType&oggFlagContinued == 0 {
			r.pending = nil
		}
		r.split(page)
	}

	p := r.queue[0]
	r.queue = r.queue[1:]
	return p, nil
}

// split walks the lacing values of page and queues every packet it completes.
func (r *oggPacketReader) split(page oggPage) {
	off := 0
	for _, lace := range page.segments {
		seg := page.data[off : off+int(lace)]
		off += int(lace)
		r.pending = append(r.pending, seg...)
		if lace < 255 {
			r.queue = append(r.queue, r.pending)
			r.pending = nil
		}
	}
}

// parseOggPage parses one page from the start of b and returns it together
// with its total length in bytes.
func parseOggPage(b []byte) (oggPage, int, error) {
	if len(b) < oggHeaderSize {
		return oggPage{}, 0, errOggTruncated
	}
	if string(b[0:4]) != "OggS" {
		return oggPage{}, 0, errors.New("missing OggS capture pattern")
	}
	if b[4] != 0 {
		return oggPage{}, 0, fmt.Errorf("unsupported stream structure version %d", b[4])
	}

	nseg := int(b[26])
	headerLen := oggHeaderSize + nseg
	if len(b) < headerLen {
		return oggPage{}, 0, errOggTruncated
	}
	segments := b[oggHeaderSize:headerLen]
	bodyLen := 0
	for _, s := range segments {
		bodyLen += int(s)
	}
	total := headerLen + bodyLen
	if len(b) < total {
		return oggPage{}, 0, errOggTruncated
	}

	want := binary.LittleEndian.Uint32(b[oggCRCOffset : oggCRCOffset+4])
	if got := oggChecksum(b[:total]); got != want {
		return oggPage{}, 0, fmt.Errorf("checksum mismatch: got %#08x, want %#08x", got, want)
	}

	return oggPage{
		headerType: b[5],
		granule:    int64(binary.LittleEndian.Uint64(b[6:14])),
		serial:     binary.LittleEndian.Uint32(b[14:18]),
		sequence:   binary.LittleEndian.Uint32(b[18:22]),
		segments:   segments,
		data:       b[headerLen:total],
	}, total, nil
}

// oggCRCTable is the lookup table for Ogg's CRC-32: polynomial 0x04c11db7,
// no reflection, zero initial value and no final xor. hash/crc32 only offers
// the reflected variant.
var oggCRCTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// oggChecksum computes the page CRC treating the CRC field as zero.
func oggChecksum(page []byte) uint32 {
	var crc uint32
	for i, b := range page {
		if i >= oggCRCOffset && i < oggCRCOffset+4 {
			b = 0
		}
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}
