package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/sayless/pkg/audio"
)

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()
	c := audio.Clip{Format: audio.Speech, PCM: samplesToBytes([]int16{1, 2, 3, 4})}
	wav := audio.EncodeWAV(c)

	if len(wav) != 44+8 {
		t.Fatalf("len = %d, want 52", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Errorf("unexpected chunk ids in header % x", wav[:44])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 8 {
		t.Errorf("data size = %d, want 8", got)
	}
}

func TestDecodeWAV_Encoded(t *testing.T) {
	t.Parallel()
	src := audio.Clip{Format: audio.Format{SampleRate: 44100, Channels: 2}, PCM: samplesToBytes([]int16{5, -5, 7, -7})}
	got, err := audio.DecodeWAV(audio.EncodeWAV(src))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if got.Format != src.Format {
		t.Errorf("Format = %v, want %v", got.Format, src.Format)
	}
	if !bytes.Equal(got.PCM, src.PCM) {
		t.Errorf("PCM = %v, want %v", got.PCM, src.PCM)
	}
}

func TestDecodeWAV_SkipsListChunk(t *testing.T) {
	t.Parallel()
	base := audio.EncodeWAV(audio.Clip{Format: audio.Speech, PCM: samplesToBytes([]int16{9, 9})})

	// Insert an odd-sized LIST chunk (padded to even) between fmt and data.
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	var b []byte
	b = append(b, base[:36]...)
	b = append(b, list...)
	b = append(b, base[36:]...)

	got, err := audio.DecodeWAV(b)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	assertSamples(t, bytesToSamples(got.PCM), []int16{9, 9})
}

func TestDecodeWAV_TruncatedData(t *testing.T) {
	t.Parallel()
	wav := audio.EncodeWAV(audio.Clip{Format: audio.Speech, PCM: samplesToBytes([]int16{1, 2, 3})})
	// Header says 6 bytes of data but only 3 bytes (1.5 samples) arrive.
	got, err := audio.DecodeWAV(wav[:44+3])
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	assertSamples(t, bytesToSamples(got.PCM), []int16{1})
}

func TestDecodeWAV_Errors(t *testing.T) {
	t.Parallel()

	float := audio.EncodeWAV(audio.Clip{Format: audio.Speech, PCM: make([]byte, 4)})
	binary.LittleEndian.PutUint16(float[20:22], 3) // IEEE float

	eightBit := audio.EncodeWAV(audio.Clip{Format: audio.Speech, PCM: make([]byte, 4)})
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"not riff", []byte("OggS\x00\x02garbage")},
		{"float samples", float},
		{"8-bit samples", eightBit},
		{"header only", audio.EncodeWAV(audio.Clip{Format: audio.Speech})[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := audio.DecodeWAV(tt.in); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestDecodeWAV_NotWAV(t *testing.T) {
	t.Parallel()
	_, err := audio.DecodeWAV([]byte("hello world!"))
	if !errors.Is(err, audio.ErrNotWAV) {
		t.Errorf("err = %v, want ErrNotWAV", err)
	}
}
