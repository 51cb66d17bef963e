package audio

import "time"

// Frame is a fixed-duration slice of mono PCM16 samples. Frames are
// immutable once captured.
type Frame struct {
	Seq        uint64
	Samples    []int16
	SampleRate int
	CapturedAt time.Time
}

// Duration returns the audio length of the frame
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration converts a sample count to audio time
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// Framer re-chunks an arbitrary sample stream into fixed-size frames.
// Capture timestamps follow the audio clock: the first frame is stamped
// with the wall time of the first write and every later frame is offset
// by the audio already emitted, so timestamps never overlap.
type Framer struct {
	frameSamples int
	sampleRate   int
	now          func() time.Time

	pending []int16
	seq     uint64
	emitted int
	base    time.Time
}

// NewFramer creates a framer producing frames of frameSamples samples
func NewFramer(frameSamples, sampleRate int) *Framer {
	if frameSamples <= 0 {
		frameSamples = sampleRate / 10
	}
	return &Framer{
		frameSamples: frameSamples,
		sampleRate:   sampleRate,
		now:          time.Now,
		pending:      make([]int16, 0, frameSamples),
	}
}

// Write appends samples and returns every frame completed by them
func (f *Framer) Write(samples []int16) []Frame {
	if len(samples) == 0 {
		return nil
	}
	if f.base.IsZero() {
		f.base = f.now()
	}

	var frames []Frame
	for len(samples) > 0 {
		n := f.frameSamples - len(f.pending)
		if n > len(samples) {
			n = len(samples)
		}
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]

		if len(f.pending) == f.frameSamples {
			frames = append(frames, f.emit())
		}
	}
	return frames
}

// Flush emits the buffered remainder as a short frame, if any
func (f *Framer) Flush() (Frame, bool) {
	if len(f.pending) == 0 {
		return Frame{}, false
	}
	return f.emit(), true
}

func (f *Framer) emit() Frame {
	frame := Frame{
		Seq:        f.seq,
		Samples:    f.pending,
		SampleRate: f.sampleRate,
		CapturedAt: f.base.Add(SamplesDuration(f.emitted, f.sampleRate)),
	}
	f.seq++
	f.emitted += len(f.pending)
	f.pending = make([]int16, 0, f.frameSamples)
	return frame
}
