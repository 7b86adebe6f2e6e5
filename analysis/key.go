package analysis

import (
	"fmt"
	"math"
)

// PitchNames indexes pitch classes C..B.
var PitchNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Krumhansl-Schmuckler tonal stability profiles. All 24 key templates are
// synthesized from these two by circular rotation over the pitch class index.
var (
	majorProfile = [12]float64{6.35, 2.23, 3.48, 2.33, 4.38, 4.09, 2.52, 5.19, 2.39, 3.66, 2.29, 2.88}
	minorProfile = [12]float64{6.33, 2.68, 3.52, 5.38, 2.60, 3.53, 2.54, 4.75, 3.98, 2.69, 3.34, 3.17}
)

// epsilon guards the z-score division on a degenerate (silent/flat) profile.
const epsilon = 1e-6

// DetectKey matches a 12-bin chroma profile against the 24 rotated key
// templates and returns a label like "C Major" or "F# Minor". The scan is
// deterministic: roots 0..11, major before minor, strict > comparison, so
// the first maximal correlation wins.
func DetectKey(profile [12]float64) string {
	obs := zscore(profile)
	maj := zscore(majorProfile)
	min := zscore(minorProfile)

	best := "Unknown"
	bestCorr := math.Inf(-1)

	for root := 0; root < 12; root++ {
		rotated := rotate(obs, root)
		if c := pearson(rotated, maj); c > bestCorr {
			bestCorr = c
			best = fmt.Sprintf("%s Major", PitchNames[root])
		}
		if c := pearson(rotated, min); c > bestCorr {
			bestCorr = c
			best = fmt.Sprintf("%s Minor", PitchNames[root])
		}
	}
	return best
}

func zscore(v [12]float64) [12]float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / 12

	var variance float64
	for _, x := range v {
		variance += (x - mean) * (x - mean)
	}
	std := math.Sqrt(variance / 12)

	var out [12]float64
	for i, x := range v {
		out[i] = (x - mean) / (std + epsilon)
	}
	return out
}

// rotate circularly shifts v by -root so the candidate root lands on bin 0.
func rotate(v [12]float64, root int) [12]float64 {
	var out [12]float64
	for i := range v {
		out[i] = v[(i+root)%12]
	}
	return out
}

// pearson returns the correlation of two 12-bin vectors, 0 when either side
// has no variance (there is nothing to correlate against).
func pearson(a, b [12]float64) float64 {
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= 12
	meanB /= 12

	var cov, varA, varB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA < epsilon || varB < epsilon {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
