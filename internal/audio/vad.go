package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end a speech run
}

// DefaultVADConfig returns a default VAD configuration tuned for 16 kHz
// speech captured in 100 ms frames (about 0.01 of full scale).
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 300.0,
		SilenceFrames:   10,
	}
}

// Activity is the detector state after one frame
type Activity struct {
	Speaking bool // Inside a speech run, including its silent tail
	Started  bool // This frame opened a speech run
	Ended    bool // This frame closed a speech run
}

// VADDetector gates the recognizer: a buffer that never entered a speech
// run is silence and is not sent for recognition. Short pauses inside a
// run (fewer than SilenceFrames) still count as speech.
// It is not safe for concurrent use; each session owns one.
type VADDetector struct {
	config   *VADConfig
	quiet    int
	inSpeech bool
}

// NewVADDetector creates a detector; a nil config uses the defaults
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// Observe feeds one frame to the detector
func (v *VADDetector) Observe(samples []int16) Activity {
	var act Activity

	if !DetectSilence(samples, v.config.EnergyThreshold) {
		v.quiet = 0
		act.Started = !v.inSpeech
		v.inSpeech = true
	} else if v.inSpeech {
		v.quiet++
		if v.quiet >= v.config.SilenceFrames {
			act.Ended = true
			v.inSpeech = false
			v.quiet = 0
		}
	}

	act.Speaking = v.inSpeech || act.Ended
	return act
}

// Reset forgets any open speech run
func (v *VADDetector) Reset() {
	v.quiet = 0
	v.inSpeech = false
}

// InSpeech reports whether a speech run is open
func (v *VADDetector) InSpeech() bool {
	return v.inSpeech
}

// DetectSilence reports whether samples fall below the energy threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) <= threshold
}
