package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Encoding identifies the wire format of incoming audio bytes
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16" // 16-bit signed little-endian
	EncodingMulaw Encoding = "mulaw" // G.711 PCMU
)

// ParseEncoding validates an encoding name, defaulting to PCM16
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingPCM16:
		return EncodingPCM16, nil
	case EncodingMulaw, "pcmu", "ulaw":
		return EncodingMulaw, nil
	}
	return "", fmt.Errorf("unsupported audio encoding %q", s)
}

// Decode converts raw bytes in the given encoding to PCM16 samples
func Decode(data []byte, enc Encoding) ([]int16, error) {
	switch enc {
	case EncodingPCM16:
		return DecodePCM16(data)
	case EncodingMulaw:
		return DecodeMulaw(data), nil
	}
	return nil, fmt.Errorf("unsupported audio encoding %q", enc)
}

// DecodePCM16 converts 16-bit little-endian bytes to samples
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// EncodePCM16 converts samples to 16-bit little-endian bytes
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
	}
	return data
}

// DecodeMulaw converts G.711 PCMU bytes to linear PCM16 samples
func DecodeMulaw(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = mulawToLinear(b)
	}
	return samples
}

// EncodeMulaw converts linear PCM16 samples to G.711 PCMU bytes
func EncodeMulaw(samples []int16) []byte {
	data := make([]byte, len(samples))
	for i, sample := range samples {
		data[i] = linearToMulaw(sample)
	}
	return data
}

// Resample performs linear interpolation resampling.
// Telephony (8 kHz) and browser (48 kHz) audio is brought to the
// recognizer's rate with it; quality is adequate for speech.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 || inputRate <= 0 || outputRate <= 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// EncodeWAV wraps mono PCM16 samples in a canonical 44-byte RIFF header
func EncodeWAV(samples []int16, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := uint32(len(samples) * 2)
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(EncodePCM16(samples))
	return buf.Bytes()
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law (ITU-T G.711)
func linearToMulaw(sample int16) byte {
	const (
		clip = 8158 // Maximum 14-bit magnitude before bias
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample) >> 2
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segment is the position of the highest set bit above bit 5
	var segment byte
	for temp := magnitude >> 6; temp != 0 && segment < 7; temp >>= 1 {
		segment++
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa << (segment + 1)) + (int32(0x21) << segment) - 0x21) << 2

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
