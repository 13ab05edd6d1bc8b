package audio

// FeatureConfig holds configuration for log-mel feature extraction
type FeatureConfig struct {
	SampleRate int     // Target sample rate after resampling
	FFTSize    int     // STFT window and FFT length
	HopLength  int     // Samples between successive frames
	MelBins    int     // Number of mel bands
	MaxFrames  int     // Frames kept after padding or truncation
	FMin       float64 // Lowest filterbank frequency in Hz
	FMax       float64 // Highest filterbank frequency in Hz, 0 means SampleRate/2

	// dB conversion
	RefPower float64
	AminDB   float64
	TopDB    float64 // Dynamic range kept below the peak, <= 0 disables clipping
}

// DefaultFeatureConfig returns the configuration the audio model was trained with
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		SampleRate: 16000,
		FFTSize:    1024,
		HopLength:  512,
		MelBins:    64,
		MaxFrames:  300,
		FMin:       0,
		FMax:       0,

		RefPower: 1.0,
		AminDB:   1e-10,
		TopDB:    80,
	}
}

func (c FeatureConfig) fmax() float64 {
	if c.FMax <= 0 {
		return float64(c.SampleRate) / 2
	}
	return c.FMax
}

// Clip is decoded mono audio in [-1, 1]
type Clip struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the clip length in seconds
func (c Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Spectrogram is a (Bins, Frames) row-major matrix
type Spectrogram struct {
	Bins   int
	Frames int
	Data   []float32
}

// At returns the value for mel bin b at frame f
func (s *Spectrogram) At(b, f int) float32 {
	return s.Data[b*s.Frames+f]
}
