// Package analysis derives global descriptors of an audio track: its
// musical key via chroma/template correlation and its tempo in BPM, plus
// the time-stretch planning used to match a track to a requested tempo.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// ErrUnreadable wraps failures to open or decode the input waveform.
var ErrUnreadable = errors.New("input unreadable")

// ChromaExtractor turns a waveform into a 12-bin pitch class energy
// profile. Injected so tests (or a heavier DSP backend) can replace it.
type ChromaExtractor interface {
	Chroma(samples []float64, sampleRate int) ([12]float64, error)
}

// TempoEstimator estimates a global tempo in BPM for a waveform.
type TempoEstimator interface {
	Tempo(samples []float64, sampleRate int) (float64, error)
}

// Report is the analysis stage output for one track.
type Report struct {
	BPM float64
	Key string
}

// Analyzer runs key and tempo detection over a representative excerpt of a
// track. Only a window centered in the track is analyzed: intros and outros
// are more likely to carry atypical harmonic or rhythmic content than the
// sustained body, and it bounds the cost on long inputs.
type Analyzer struct {
	chroma ChromaExtractor
	tempo  TempoEstimator
	window time.Duration
}

func NewAnalyzer(window time.Duration) *Analyzer {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Analyzer{
		chroma: &GoertzelChroma{},
		tempo:  &OnsetTempo{},
		window: window,
	}
}

// NewAnalyzerWith builds an analyzer with injected DSP capabilities.
func NewAnalyzerWith(chroma ChromaExtractor, tempo TempoEstimator, window time.Duration) *Analyzer {
	a := NewAnalyzer(window)
	if chroma != nil {
		a.chroma = chroma
	}
	if tempo != nil {
		a.tempo = tempo
	}
	return a
}

// Analyze loads the track, selects the centered excerpt and runs both
// detectors. Any error here is the caller's to downgrade; the pipeline
// swallows analysis failures and continues with key "Unknown".
func (a *Analyzer) Analyze(ctx context.Context, path string) (Report, error) {
	samples, sampleRate, err := LoadWav(path)
	if err != nil {
		return Report{Key: "Unknown"}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if err := ctx.Err(); err != nil {
		return Report{Key: "Unknown"}, err
	}

	excerpt := centerWindow(samples, sampleRate, a.window)

	profile, err := a.chroma.Chroma(excerpt, sampleRate)
	if err != nil {
		return Report{Key: "Unknown"}, err
	}
	report := Report{Key: DetectKey(profile)}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	bpm, err := a.tempo.Tempo(excerpt, sampleRate)
	if err != nil {
		// Key detection already succeeded; a missing tempo is reported
		// as zero rather than voiding the key.
		return report, nil
	}
	report.BPM = bpm
	return report, nil
}

// LoadWav decodes a WAV file into a mono float64 waveform in [-1, 1] and
// its sample rate.
func LoadWav(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decoding %s: %w", path, err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, 0, fmt.Errorf("no audio data in %s", path)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	scale := float64(int(1) << (dec.BitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		samples[i] = sum / float64(channels) / scale
	}
	return samples, buf.Format.SampleRate, nil
}

// centerWindow returns up to window seconds of samples taken from the
// middle of the track. Shorter tracks come back whole.
func centerWindow(samples []float64, sampleRate int, window time.Duration) []float64 {
	want := int(window.Seconds() * float64(sampleRate))
	if want <= 0 || want >= len(samples) {
		return samples
	}
	start := (len(samples) - want) / 2
	return samples[start : start+want]
}
