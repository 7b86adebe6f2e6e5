// Package mix renders preview mixes: a separated stem overlaid on a
// backing track, so a user can hear the stem sitting in context instead of
// in isolation. A synthesized demo bassline is provided so the feature
// works without uploading a second file.
package mix

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"stemapi/analysis"
)

const (
	sampleRate = 44100
	bitDepth   = 16
	maxSample  = 1<<(bitDepth-1) - 1
)

// Demo backing pattern: one bar of four beats at 120 BPM, a short pulse
// bass note (C2) with a fade-out followed by rest.
const (
	bassFreq  = 65.41 // C2
	noteMs    = 200
	fadeMs    = 50
	restMs    = 300
	beatsBar  = 4
	demoLevel = 0.5 // about -6 dB, leaves headroom for the stem
)

// GenerateDemoBacking writes a mono WAV bassline of the given length.
func GenerateDemoBacking(path string, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("backing length must be positive")
	}

	noteSamples := sampleRate * noteMs / 1000
	fadeSamples := sampleRate * fadeMs / 1000
	beatSamples := sampleRate * (noteMs + restMs) / 1000
	total := sampleRate * seconds

	data := make([]int, total)
	for i := 0; i < total; i++ {
		pos := i % beatSamples
		if pos >= noteSamples {
			continue // rest
		}

		// Pulse wave carries more harmonics than a sine, reads as "bass".
		ts := float64(i) / sampleRate
		v := demoLevel
		if math.Sin(2*math.Pi*bassFreq*ts) < 0 {
			v = -demoLevel
		}
		if remain := noteSamples - pos; remain < fadeSamples {
			v *= float64(remain) / float64(fadeSamples)
		}
		data[i] = int(v * maxSample)
	}

	return writeWav(path, data, sampleRate)
}

// Overlay sums a stem over a backing track and writes the result. The
// backing is looped when shorter than the stem and trimmed to its length:
// the stem is the subject, it dictates the duration.
func Overlay(stemPath, backingPath, outPath string) error {
	stem, stemRate, err := analysis.LoadWav(stemPath)
	if err != nil {
		return fmt.Errorf("loading stem: %w", err)
	}
	backing, backingRate, err := analysis.LoadWav(backingPath)
	if err != nil {
		return fmt.Errorf("loading backing: %w", err)
	}
	if stemRate != backingRate {
		return fmt.Errorf("sample rate mismatch: stem %d Hz, backing %d Hz", stemRate, backingRate)
	}
	if len(backing) == 0 {
		return fmt.Errorf("backing track is empty")
	}

	data := make([]int, len(stem))
	for i, s := range stem {
		v := s + backing[i%len(backing)]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		data[i] = int(v * maxSample)
	}

	return writeWav(outPath, data, stemRate)
}

func writeWav(path string, data []int, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
