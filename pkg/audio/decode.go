package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"emotion-server/pkg/errors"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

var supportedExtensions = map[string]struct{}{
	".wav": {},
	".mp3": {},
	".ogg": {},
}

// IsSupported reports whether the file name has a decodable extension (case insensitive)
func IsSupported(filename string) bool {
	_, ok := supportedExtensions[Extension(filename)]
	return ok
}

// Extension returns the lower-cased extension including the dot
func Extension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// Decode reads an audio file into a mono clip at its native sample rate
func Decode(path string) (Clip, error) {
	ext := Extension(path)
	if !IsSupported(path) {
		return Clip{}, errors.NewUnsupportedFormat(filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return Clip{}, errors.NewDecodeFailed(path, err)
	}
	defer f.Close()

	clip, err := DecodeReader(f, ext)
	if err != nil {
		return Clip{}, errors.NewDecodeFailed(path, err)
	}
	return clip, nil
}

// DecodeReader decodes a stream whose container is named by ext
func DecodeReader(r io.ReadSeeker, ext string) (Clip, error) {
	var (
		clip Clip
		err  error
	)
	switch strings.ToLower(ext) {
	case ".wav":
		clip, err = decodeWAV(r)
	case ".mp3":
		clip, err = decodeMP3(r)
	case ".ogg":
		clip, err = decodeOgg(r)
	default:
		return Clip{}, errors.NewUnsupportedFormat(ext)
	}
	if err != nil {
		return Clip{}, err
	}
	if len(clip.Samples) == 0 {
		return Clip{}, fmt.Errorf("no audio samples")
	}
	if clip.SampleRate <= 0 {
		return Clip{}, fmt.Errorf("invalid sample rate %d", clip.SampleRate)
	}
	return clip, nil
}

func decodeWAV(r io.ReadSeeker) (Clip, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		if err := d.Err(); err != nil {
			return Clip{}, fmt.Errorf("invalid wav file: %w", err)
		}
		return Clip{}, fmt.Errorf("invalid wav file")
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("read wav samples: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return Clip{}, fmt.Errorf("wav file has no format chunk")
	}

	var samples []float64
	switch d.WavAudioFormat {
	case wavFormatPCM, wavFormatExtensible:
		samples, err = intToFloat(buf)
	case wavFormatIEEEFloat:
		samples, err = floatBitsToFloat(buf)
	default:
		err = fmt.Errorf("wav audio format %d is not supported", d.WavAudioFormat)
	}
	if err != nil {
		return Clip{}, err
	}

	return Clip{
		Samples:    downmix(samples, buf.Format.NumChannels),
		SampleRate: buf.Format.SampleRate,
	}, nil
}

// intToFloat scales integer PCM to [-1, 1). 8 bit wav is unsigned.
func intToFloat(buf *audio.IntBuffer) ([]float64, error) {
	var offset, scale float64
	switch buf.SourceBitDepth {
	case 8:
		offset, scale = 128, 128
	case 16:
		scale = 1 << 15
	case 24:
		scale = 1 << 23
	case 32:
		scale = 1 << 31
	default:
		return nil, fmt.Errorf("unsupported wav bit depth %d", buf.SourceBitDepth)
	}

	out := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = (float64(v) - offset) / scale
	}
	return out, nil
}

// floatBitsToFloat reinterprets 32 bit IEEE samples, which the wav decoder
// hands back as raw integer bit patterns.
func floatBitsToFloat(buf *audio.IntBuffer) ([]float64, error) {
	if buf.SourceBitDepth != 32 {
		return nil, fmt.Errorf("unsupported float wav bit depth %d", buf.SourceBitDepth)
	}
	out := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float64(math.Float32frombits(uint32(int32(v))))
	}
	return out, nil
}

func decodeMP3(r io.Reader) (Clip, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return Clip{}, fmt.Errorf("invalid mp3 stream: %w", err)
	}

	// go-mp3 always produces 16 bit little endian stereo
	raw, err := io.ReadAll(d)
	if err != nil {
		return Clip{}, fmt.Errorf("read mp3 frames: %w", err)
	}

	const frameSize = 4
	frames := len(raw) / frameSize
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		b := raw[i*frameSize:]
		left := int16(uint16(b[0]) | uint16(b[1])<<8)
		right := int16(uint16(b[2]) | uint16(b[3])<<8)
		samples[i] = (float64(left) + float64(right)) / 2 / (1 << 15)
	}

	return Clip{Samples: samples, SampleRate: d.SampleRate()}, nil
}

func decodeOgg(r io.Reader) (Clip, error) {
	data, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return Clip{}, fmt.Errorf("invalid ogg vorbis stream: %w", err)
	}

	samples := make([]float64, len(data))
	for i, v := range data {
		samples[i] = float64(v)
	}
	return Clip{
		Samples:    downmix(samples, format.Channels),
		SampleRate: format.SampleRate,
	}, nil
}

// downmix averages interleaved channels into mono
func downmix(interleaved []float64, channels int) []float64 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float64(channels)
	}
	return mono
}
