package analysis

import "math"

// Plan is the outcome of one time-stretch planning call. EffectiveBPM is
// the requested target scaled into the octave that needs the smallest
// stretch relative to the source tempo.
type Plan struct {
	SourceBPM    float64 `json:"sourceBpm"`
	RequestedBPM float64 `json:"requestedBpm"`
	EffectiveBPM float64 `json:"effectiveBpm"`
	StretchRatio float64 `json:"stretchRatio"`
	NoStretch    bool    `json:"noStretch"`
}

// identityTolerance is how close a ratio has to be to 1.0 before a stretch
// would only degrade the audio.
const identityTolerance = 0.01

// octaveMultipliers, in tie-break scan order. Tempo detectors commonly
// report half or double the perceptual tempo, so the requested target is
// tried one octave down and up as well.
var octaveMultipliers = [3]float64{0.5, 1.0, 2.0}

// PlanStretch resolves the octave ambiguity between a detected source
// tempo and a requested target and returns the stretch plan. Non-positive
// inputs mean no usable tempo information: the request passes through
// unstretched.
func PlanStretch(sourceBPM, requestedBPM float64) Plan {
	p := Plan{
		SourceBPM:    sourceBPM,
		RequestedBPM: requestedBPM,
		EffectiveBPM: requestedBPM,
		StretchRatio: 1.0,
		NoStretch:    true,
	}
	if sourceBPM <= 0 || requestedBPM <= 0 {
		return p
	}

	bestDist := math.Inf(1)
	for _, m := range octaveMultipliers {
		candidate := requestedBPM * m
		ratio := candidate / sourceBPM
		if d := math.Abs(ratio - 1); d < bestDist {
			bestDist = d
			p.EffectiveBPM = candidate
			p.StretchRatio = ratio
		}
	}

	p.NoStretch = math.Abs(p.StretchRatio-1) < identityTolerance
	return p
}
