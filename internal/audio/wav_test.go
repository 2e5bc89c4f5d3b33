package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sine(440, 8000, 400)

	data, err := EncodeWAV(in, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	out, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}

	if rate != 8000 {
		t.Fatalf("rate = %d, want 8000", rate)
	}

	if len(out) != len(in) {
		t.Fatalf("samples = %d, want %d", len(out), len(in))
	}

	// 16-bit quantization bounds the round-trip error.
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1.0/32000 {
			t.Fatalf("sample %d = %f, want %f", i, out[i], in[i])
		}
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV(nil); err == nil {
		t.Fatalf("empty input should fail")
	}

	if _, _, err := DecodeWAV([]byte("not a wav file at all")); err == nil {
		t.Fatalf("garbage input should fail")
	}
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	// Hand-build a stereo 16-bit WAV: left channel at +0.5, right at -0.5,
	// so the mono mix must be ~0.
	const frames = 64

	var pcm bytes.Buffer
	for range frames {
		_ = binary.Write(&pcm, binary.LittleEndian, int16(16384))
		_ = binary.Write(&pcm, binary.LittleEndian, int16(-16384))
	}

	data := buildWAV(t, pcm.Bytes(), 2, 8000)

	out, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}

	if rate != 8000 {
		t.Fatalf("rate = %d, want 8000", rate)
	}

	if len(out) != frames {
		t.Fatalf("mono frames = %d, want %d", len(out), frames)
	}

	for i, s := range out {
		if math.Abs(float64(s)) > 1e-4 {
			t.Fatalf("downmixed sample %d = %f, want ~0", i, s)
		}
	}
}

func TestWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")

	if err := WriteWAVFile(path, sine(440, 8000, 200), 8000); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}

	samples, rate, err := DecodeWAVFile(path)
	if err != nil {
		t.Fatalf("DecodeWAVFile: %v", err)
	}

	if rate != 8000 || len(samples) != 200 {
		t.Fatalf("read back %d samples at %d Hz, want 200 at 8000", len(samples), rate)
	}
}

func TestDecodeWAVFileMissing(t *testing.T) {
	_, _, err := DecodeWAVFile(filepath.Join(t.TempDir(), "missing.wav"))
	if err == nil || !os.IsNotExist(errUnwrapAll(err)) {
		t.Fatalf("missing file err = %v, want not-exist", err)
	}
}

func errUnwrapAll(err error) error {
	for {
		type unwrapper interface{ Unwrap() error }

		u, ok := err.(unwrapper)
		if !ok {
			return err
		}

		err = u.Unwrap()
	}
}

// buildWAV assembles a minimal RIFF/WAVE container around raw PCM bytes.
func buildWAV(t *testing.T, pcm []byte, channels, sampleRate int) []byte {
	t.Helper()

	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	riffSize := 4 + (8 + 16) + (8 + len(pcm))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(riffSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
