// stemapi/mix/mix_test.go
package mix

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemapi/analysis"
)

func TestGenerateDemoBacking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing.wav")
	require.NoError(t, GenerateDemoBacking(path, 2))

	samples, rate, err := analysis.LoadWav(path)
	require.NoError(t, err)
	assert.Equal(t, sampleRate, rate)
	assert.Len(t, samples, 2*sampleRate)

	// The bassline must actually contain signal.
	var peak float64
	for _, s := range samples {
		if s > peak {
			peak = s
		}
	}
	assert.Greater(t, peak, 0.3)
}

func TestGenerateDemoBacking_RejectsZeroLength(t *testing.T) {
	assert.Error(t, GenerateDemoBacking(filepath.Join(t.TempDir(), "x.wav"), 0))
}

func TestOverlay_LoopsShortBacking(t *testing.T) {
	dir := t.TempDir()
	stemPath := filepath.Join(dir, "stem.wav")
	backingPath := filepath.Join(dir, "backing.wav")
	outPath := filepath.Join(dir, "mix.wav")

	// 3s stem of silence, 1s backing: the backing must loop and the mix
	// must match the stem's length.
	require.NoError(t, GenerateDemoBacking(backingPath, 1))
	require.NoError(t, writeWav(stemPath, make([]int, 3*sampleRate), sampleRate))

	require.NoError(t, Overlay(stemPath, backingPath, outPath))

	mixed, rate, err := analysis.LoadWav(outPath)
	require.NoError(t, err)
	assert.Equal(t, sampleRate, rate)
	assert.Len(t, mixed, 3*sampleRate)

	// Silent stem + backing = the backing, audible across the whole mix.
	var lastThirdPeak float64
	for _, s := range mixed[2*sampleRate:] {
		if s > lastThirdPeak {
			lastThirdPeak = s
		}
	}
	assert.Greater(t, lastThirdPeak, 0.3)
}

func TestOverlay_SampleRateMismatch(t *testing.T) {
	dir := t.TempDir()
	stemPath := filepath.Join(dir, "stem.wav")
	backingPath := filepath.Join(dir, "backing.wav")

	require.NoError(t, writeWav(stemPath, make([]int, 8000), 8000))
	require.NoError(t, GenerateDemoBacking(backingPath, 1))

	err := Overlay(stemPath, backingPath, filepath.Join(dir, "mix.wav"))
	assert.ErrorContains(t, err, "sample rate mismatch")
}
