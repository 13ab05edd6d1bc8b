package audio

import (
	"context"
	"fmt"
	"sync"

	"emotion-server/pkg/errors"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Extractor turns audio into the fixed size log-mel input of the audio model.
// It is immutable after construction and safe for concurrent use.
type Extractor struct {
	cfg        FeatureConfig
	window     []float64
	filterbank []float64
	fftPool    sync.Pool
}

// NewExtractor precomputes the window and filterbank for cfg
func NewExtractor(cfg FeatureConfig) (*Extractor, error) {
	switch {
	case cfg.SampleRate <= 0, cfg.FFTSize <= 0, cfg.HopLength <= 0, cfg.MelBins <= 0, cfg.MaxFrames <= 0:
		return nil, errors.NewInvalidInput(fmt.Sprintf("invalid feature configuration %+v", cfg))
	case cfg.FFTSize%2 != 0:
		return nil, errors.NewInvalidInput(fmt.Sprintf("FFT size must be even, got %d", cfg.FFTSize))
	case cfg.fmax() <= cfg.FMin:
		return nil, errors.NewInvalidInput(fmt.Sprintf("mel range [%v, %v] is empty", cfg.FMin, cfg.fmax()))
	}

	e := &Extractor{
		cfg:        cfg,
		window:     PeriodicHann(cfg.FFTSize),
		filterbank: MelFilterbank(cfg.SampleRate, cfg.FFTSize, cfg.MelBins, cfg.FMin, cfg.fmax()),
	}
	n := cfg.FFTSize
	e.fftPool.New = func() interface{} {
		return fourier.NewFFT(n)
	}
	return e, nil
}

// Config returns the extractor's configuration
func (e *Extractor) Config() FeatureConfig {
	return e.cfg
}

// Extract resamples the clip to the target rate and computes its log-mel spectrogram
func (e *Extractor) Extract(ctx context.Context, clip Clip) (*Spectrogram, error) {
	samples := clip.Samples
	if clip.SampleRate != e.cfg.SampleRate {
		var err error
		samples, err = Resample(ctx, clip.Samples, clip.SampleRate, e.cfg.SampleRate)
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "resample cancelled")
		}
		if err != nil {
			return nil, errors.NewInvalidInput(err.Error())
		}
	}

	logMel, frames := e.LogMel(samples)
	return &Spectrogram{
		Bins:   e.cfg.MelBins,
		Frames: e.cfg.MaxFrames,
		Data:   FitFrames(logMel, e.cfg.MelBins, frames, e.cfg.MaxFrames),
	}, nil
}

// LogMel computes the unpadded (MelBins, frames) log-mel spectrogram of
// samples already at the target rate.
func (e *Extractor) LogMel(samples []float64) ([]float64, int) {
	power, frames := powerSTFT(samples, e.window, e.cfg.HopLength, &e.fftPool)
	mel := applyFilterbank(e.filterbank, e.cfg.MelBins, power, e.cfg.FFTSize/2+1, frames)
	PowerToDB(mel, e.cfg.RefPower, e.cfg.AminDB, e.cfg.TopDB)
	return mel, frames
}
