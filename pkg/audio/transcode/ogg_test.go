package transcode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/sayless/pkg/audio"
)

// ---- helpers ----------------------------------------------------------------

// oggPageBytes builds one Ogg page holding the given segments verbatim.
func oggPageBytes(headerType byte, serial, seq uint32, lacing []byte, body []byte) []byte {
	b := make([]byte, oggHeaderSize+len(lacing)+len(body))
	copy(b[0:4], "OggS")
	b[5] = headerType
	binary.LittleEndian.PutUint32(b[14:18], serial)
	binary.LittleEndian.PutUint32(b[18:22], seq)
	b[26] = byte(len(lacing))
	copy(b[oggHeaderSize:], lacing)
	copy(b[oggHeaderSize+len(lacing):], body)
	binary.LittleEndian.PutUint32(b[oggCRCOffset:], oggChecksum(b))
	return b
}

// lace returns the lacing values for a single packet of n bytes.
func lace(n int) []byte {
	var l []byte
	for n >= 255 {
		l = append(l, 255)
		n -= 255
	}
	return append(l, byte(n))
}

// buildOgg puts each packet on its own page.
func buildOgg(serial uint32, packets ...[]byte) []byte {
	var out []byte
	for i, p := range packets {
		var flags byte
		if i == 0 {
			flags = 0x02 // beginning of stream
		}
		out = append(out, oggPageBytes(flags, serial, uint32(i), lace(len(p)), p)...)
	}
	return out
}

func opusHeadPacket(channels int, preSkip uint16) []byte {
	p := make([]byte, 19)
	copy(p, "OpusHead")
	p[8] = 1
	p[9] = byte(channels)
	binary.LittleEndian.PutUint16(p[10:12], preSkip)
	binary.LittleEndian.PutUint32(p[12:16], 48000)
	return p
}

func opusTagsPacket() []byte {
	p := []byte("OpusTags")
	p = binary.LittleEndian.AppendUint32(p, 6)
	p = append(p, "sayless"[:6]...)
	return binary.LittleEndian.AppendUint32(p, 0)
}

// encodeTone encodes frames×20 ms of a 440 Hz mono tone as Opus packets.
func encodeTone(t *testing.T, frames int) [][]byte {
	t.Helper()
	enc, err := gopus.NewEncoder(opusSampleRate, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	const frameSize = opusSampleRate / 50
	var packets [][]byte
	for f := range frames {
		pcm := make([]int16, frameSize)
		for i := range pcm {
			n := f*frameSize + i
			pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(n)/opusSampleRate))
		}
		pkt, err := enc.Encode(pcm, frameSize, 4000)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		packets = append(packets, pkt)
	}
	return packets
}

// ---- page parsing -----------------------------------------------------------

func TestOggPacketReader_PacketSpanningPages(t *testing.T) {
	t.Parallel()
	big := bytes.Repeat([]byte{0xAB}, 600)
	small := []byte{1, 2, 3}

	// Page 0 carries 510 bytes of the big packet (two 255 segments, no
	// terminator). Page 1 continues it with 90 bytes then holds the small one.
	p0 := oggPageBytes(0x02, 7, 0, []byte{255, 255}, big[:510])
	p1 := oggPageBytes(oggFlagContinued, 7, 1, []byte{90, 3}, append(append([]byte{}, big[510:]...), small...))

	r := newOggPacketReader(append(p0, p1...))
	got1, err := r.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !bytes.Equal(got1, big) {
		t.Errorf("first packet len = %d, want 600", len(got1))
	}
	got2, err := r.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !bytes.Equal(got2, small) {
		t.Errorf("second packet = %v, want %v", got2, small)
	}
	end, err := r.next()
	if err != nil || end != nil {
		t.Errorf("next at EOS = (%v, %v), want (nil, nil)", end, err)
	}
}

func TestOggPacketReader_SkipsOtherStreams(t *testing.T) {
	t.Parallel()
	var b []byte
	b = append(b, oggPageBytes(0x02, 1, 0, lace(2), []byte{1, 1})...)
	b = append(b, oggPageBytes(0x02, 2, 0, lace(2), []byte{2, 2})...)
	b = append(b, oggPageBytes(0, 1, 1, lace(2), []byte{3, 3})...)

	r := newOggPacketReader(b)
	var got [][]byte
	for {
		p, err := r.next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if p == nil {
			break
		}
		got = append(got, p)
	}
	if len(got) != 2 || got[0][0] != 1 || got[1][0] != 3 {
		t.Errorf("packets = %v, want [[1 1] [3 3]]", got)
	}
}

func TestParseOggPage_Errors(t *testing.T) {
	t.Parallel()
	good := oggPageBytes(0x02, 1, 0, lace(4), []byte{1, 2, 3, 4})

	corrupt := append([]byte{}, good...)
	corrupt[len(corrupt)-1] ^= 0xFF

	tests := []struct {
		name string
		in   []byte
	}{
		{"short header", good[:10]},
		{"truncated body", good[:len(good)-1]},
		{"bad capture pattern", append([]byte("OggX"), good[4:]...)},
		{"checksum mismatch", corrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := parseOggPage(tt.in); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

// ---- opus -------------------------------------------------------------------

func TestEngine_DecodeOggOpus(t *testing.T) {
	t.Parallel()
	packets := append([][]byte{opusHeadPacket(1, 0), opusTagsPacket()}, encodeTone(t, 10)...)
	raw := buildOgg(42, packets...)

	if got := Sniff(raw, ""); got != KindOggOpus {
		t.Fatalf("Sniff = %v, want KindOggOpus", got)
	}

	clip, err := New().Decode(t.Context(), raw, "ogg")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.Format != audio.Speech {
		t.Errorf("Format = %v, want %v", clip.Format, audio.Speech)
	}
	if got := clip.Duration(); got != 200*time.Millisecond {
		t.Errorf("Duration = %v, want 200ms", got)
	}
}

func TestDecodeOggOpus_PreSkipTrimmed(t *testing.T) {
	t.Parallel()
	packets := append([][]byte{opusHeadPacket(1, 960), opusTagsPacket()}, encodeTone(t, 5)...)
	clip, err := decodeOggOpus(buildOgg(1, packets...), 0)
	if err != nil {
		t.Fatalf("decodeOggOpus: %v", err)
	}
	// 5 frames of 960 samples minus a 960-sample pre-skip.
	if got := clip.Frames(); got != 4*960 {
		t.Errorf("Frames = %d, want %d", got, 4*960)
	}
}

func TestDecodeOggOpus_MaxDuration(t *testing.T) {
	t.Parallel()
	packets := append([][]byte{opusHeadPacket(1, 0), opusTagsPacket()}, encodeTone(t, 10)...)
	_, err := decodeOggOpus(buildOgg(1, packets...), 100*time.Millisecond)
	if !errors.Is(err, ErrTooLong) {
		t.Errorf("err = %v, want ErrTooLong", err)
	}
}

func TestDecodeOggOpus_SurroundIsLayoutError(t *testing.T) {
	t.Parallel()
	head := opusHeadPacket(6, 0)
	head = append(head[:18], 1) // mapping family 1
	_, err := decodeOggOpus(buildOgg(1, head, opusTagsPacket()), 0)
	if !errors.Is(err, errOpusLayout) {
		t.Errorf("err = %v, want errOpusLayout", err)
	}
}

func TestDecodeOggOpus_MissingTags(t *testing.T) {
	t.Parallel()
	_, err := decodeOggOpus(buildOgg(1, opusHeadPacket(1, 0), []byte("NotTags!")), 0)
	if err == nil {
		t.Fatal("expected error for missing OpusTags")
	}
}
