// Package beep plays short cue tones when recording starts, ends or fails.
package beep

import (
	"math"
	"sync"
	"sync/atomic"
)

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

func Disabled() bool { return disabled.Load() }

const (
	sampleRate = 44100

	// Start beep: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End beep: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error beep: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

type cue int

const (
	cueStart cue = iota
	cueEnd
	cueError
)

var (
	cues     [3][]int16
	cuesOnce sync.Once
)

func initCues() {
	cues[cueStart] = generateTick(sampleRate, startFreq, 0.05, startVolume, startDecay)
	cues[cueEnd] = generateTick(sampleRate, endFreq, 0.08, endVolume, endDecay)
	cues[cueError] = generateDoubleBeep(sampleRate, errorFreq, 0.08, 0.05, errorVolume, errorDecay)
}

// generateTick renders a mono sine with an exponential decay envelope.
func generateTick(sampleRate int, freq, duration, volume, decay float64) []int16 {
	n := int(float64(sampleRate) * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

func generateDoubleBeep(sampleRate int, freq, beepDur, gapDur, volume, decay float64) []int16 {
	beep := generateTick(sampleRate, freq, beepDur, volume, decay)
	gap := make([]int16, int(float64(sampleRate)*gapDur))
	result := make([]int16, 0, len(beep)*2+len(gap))
	result = append(result, beep...)
	result = append(result, gap...)
	result = append(result, beep...)
	return result
}

func play(c cue) {
	if disabled.Load() {
		return
	}
	cuesOnce.Do(initCues)
	go playSamples(cues[c])
}

// Init renders the cue tones ahead of the first use.
func Init() { cuesOnce.Do(initCues) }

func PlayStart() { play(cueStart) }
func PlayEnd()   { play(cueEnd) }
func PlayError() { play(cueError) }
