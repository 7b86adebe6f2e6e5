package analysis

import (
	"errors"
	"math"
)

// GoertzelChroma computes pitch class energy with one Goertzel filter per
// note over octaves 2..6 (about 65 Hz to 2 kHz), summed octave-independent
// into 12 bins. It is a deliberately plain stand-in for a constant-Q
// transform: logarithmically spaced probes matching musical notes.
type GoertzelChroma struct{}

func (GoertzelChroma) Chroma(samples []float64, sampleRate int) ([12]float64, error) {
	var profile [12]float64
	if len(samples) == 0 {
		return profile, errors.New("empty waveform")
	}
	if sampleRate <= 0 {
		return profile, errors.New("invalid sample rate")
	}

	nyquist := float64(sampleRate) / 2
	for octave := 2; octave <= 6; octave++ {
		for pitch := 0; pitch < 12; pitch++ {
			midi := 12*(octave+1) + pitch
			freq := 440 * math.Pow(2, (float64(midi)-69)/12)
			if freq >= nyquist {
				continue
			}
			profile[pitch] += goertzelPower(samples, sampleRate, freq)
		}
	}

	// Time-average so the profile scale does not depend on excerpt length.
	n := float64(len(samples))
	for i := range profile {
		profile[i] /= n
	}
	return profile, nil
}

// goertzelPower returns the spectral power of samples at freq.
func goertzelPower(samples []float64, sampleRate int, freq float64) float64 {
	w := 2 * math.Pi * freq / float64(sampleRate)
	coeff := 2 * math.Cos(w)

	var s1, s2 float64
	for _, x := range samples {
		s0 := x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

// OnsetTempo estimates tempo from the periodicity of the onset strength
// envelope: frame-wise energy flux, autocorrelated over the lag range that
// corresponds to plausible tempi.
type OnsetTempo struct {
	MinBPM float64
	MaxBPM float64
}

const (
	tempoFrameSize = 1024
	tempoHopSize   = 512
)

func (o *OnsetTempo) Tempo(samples []float64, sampleRate int) (float64, error) {
	minBPM := o.MinBPM
	if minBPM <= 0 {
		minBPM = 40
	}
	maxBPM := o.MaxBPM
	if maxBPM <= 0 {
		maxBPM = 220
	}
	if sampleRate <= 0 {
		return 0, errors.New("invalid sample rate")
	}
	if len(samples) < tempoFrameSize*4 {
		return 0, errors.New("waveform too short for tempo estimation")
	}

	// Onset strength: positive energy flux between consecutive frames.
	var energies []float64
	for start := 0; start+tempoFrameSize <= len(samples); start += tempoHopSize {
		var e float64
		for _, x := range samples[start : start+tempoFrameSize] {
			e += x * x
		}
		energies = append(energies, e)
	}
	flux := make([]float64, len(energies))
	for i := 1; i < len(energies); i++ {
		if d := energies[i] - energies[i-1]; d > 0 {
			flux[i] = d
		}
	}

	frameRate := float64(sampleRate) / tempoHopSize
	minLag := int(60 * frameRate / maxBPM)
	maxLag := int(60 * frameRate / minBPM)
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= len(flux) {
		maxLag = len(flux) - 1
	}
	if minLag > maxLag {
		return 0, errors.New("waveform too short for tempo estimation")
	}

	bestLag, bestCorr := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var corr float64
		for i := lag; i < len(flux); i++ {
			corr += flux[i] * flux[i-lag]
		}
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}
	if bestLag == 0 {
		return 0, errors.New("no periodic onsets found")
	}
	return 60 * frameRate / float64(bestLag), nil
}
