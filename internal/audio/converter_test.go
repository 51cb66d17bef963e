package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestDecodePCM16(t *testing.T) {
	data := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}

	samples, err := DecodePCM16(data)
	if err != nil {
		t.Fatalf("DecodePCM16 failed: %v", err)
	}

	expected := []int16{0, 32767, -32768}
	if len(samples) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(samples))
	}
	for i, exp := range expected {
		if samples[i] != exp {
			t.Errorf("Expected sample %d at index %d, got %d", exp, i, samples[i])
		}
	}
}

func TestDecodePCM16_OddLength(t *testing.T) {
	if _, err := DecodePCM16([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Error("Expected error for odd-length PCM data")
	}
}

func TestEncodePCM16(t *testing.T) {
	data := EncodePCM16([]int16{0, 32767, -32768})

	expected := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}
	if len(data) != len(expected) {
		t.Fatalf("Expected %d bytes, got %d", len(expected), len(data))
	}
	for i, exp := range expected {
		if data[i] != exp {
			t.Errorf("Expected byte %d at index %d, got %d", exp, i, data[i])
		}
	}
}

func TestMulaw_RoundTrip(t *testing.T) {
	for _, sample := range []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000} {
		decoded := DecodeMulaw(EncodeMulaw([]int16{sample}))[0]

		// μ-law quantisation error grows with magnitude (about 1/16 per segment)
		tolerance := math.Abs(float64(sample))/16 + 8
		if math.Abs(float64(decoded)-float64(sample)) > tolerance {
			t.Errorf("Sample %d decoded as %d, outside tolerance %.0f", sample, decoded, tolerance)
		}
		if (sample > 0 && decoded < 0) || (sample < 0 && decoded > 0) {
			t.Errorf("Sign lost for sample %d: got %d", sample, decoded)
		}
	}
}

func TestMulaw_KnownValues(t *testing.T) {
	// 0xFF is μ-law zero, 0x80 is the largest positive code, 0x00 the largest negative
	samples := DecodeMulaw([]byte{0xFF, 0x80, 0x00})
	if samples[0] != 0 {
		t.Errorf("Expected 0xFF to decode to 0, got %d", samples[0])
	}
	if samples[1] != 32124 {
		t.Errorf("Expected 0x80 to decode to 32124, got %d", samples[1])
	}
	if samples[2] != -32124 {
		t.Errorf("Expected 0x00 to decode to -32124, got %d", samples[2])
	}
}

func TestDecode(t *testing.T) {
	pcm, err := Decode([]byte{0x10, 0x00}, EncodingPCM16)
	if err != nil || len(pcm) != 1 || pcm[0] != 16 {
		t.Errorf("Expected [16], got %v (err %v)", pcm, err)
	}

	mulaw, err := Decode([]byte{0xFF, 0xFF}, EncodingMulaw)
	if err != nil || len(mulaw) != 2 {
		t.Errorf("Expected 2 samples, got %v (err %v)", mulaw, err)
	}

	if _, err := Decode([]byte{0x00}, Encoding("opus")); err == nil {
		t.Error("Expected error for unsupported encoding")
	}
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    Encoding
		wantErr bool
	}{
		{"", EncodingPCM16, false},
		{"pcm16", EncodingPCM16, false},
		{"mulaw", EncodingMulaw, false},
		{"pcmu", EncodingMulaw, false},
		{"flac", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEncoding(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResample(t *testing.T) {
	samples := make([]int16, 100)
	for i := range samples {
		samples[i] = int16(i * 100)
	}

	// 8kHz to 16kHz doubles the length
	if resampled := Resample(samples, 8000, 16000); len(resampled) != 200 {
		t.Errorf("Expected resampled length 200, got %d", len(resampled))
	}

	// 16kHz to 8kHz halves it
	if resampled := Resample(samples, 16000, 8000); len(resampled) != 50 {
		t.Errorf("Expected resampled length 50, got %d", len(resampled))
	}

	// Same rate should return unchanged
	if resampled := Resample(samples, 8000, 8000); len(resampled) != len(samples) {
		t.Errorf("Expected unchanged length %d, got %d", len(samples), len(resampled))
	}
}

func TestEncodeWAV(t *testing.T) {
	samples := []int16{1, -1, 2, -2}
	wav := EncodeWAV(samples, 16000)

	if len(wav) != 44+len(samples)*2 {
		t.Fatalf("Expected %d bytes, got %d", 44+len(samples)*2, len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("Expected RIFF/WAVE/data markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", rate)
	}
	if dataLen := binary.LittleEndian.Uint32(wav[40:44]); dataLen != 8 {
		t.Errorf("Expected data length 8, got %d", dataLen)
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	rms := CalculateRMS(samples)

	expected := math.Sqrt((1000000 + 1000000 + 4000000 + 4000000) / 4.0)
	if math.Abs(rms-expected) > 0.1 {
		t.Errorf("Expected RMS %.2f, got %.2f", expected, rms)
	}
}

func TestCalculateRMS_Empty(t *testing.T) {
	if rms := CalculateRMS([]int16{}); rms != 0.0 {
		t.Errorf("Expected RMS 0.0 for empty slice, got %.2f", rms)
	}
}
