package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// RMS returns the normalized root-mean-square level (0..1) of 16-bit PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// PCMDuration converts a byte count of mono 16-bit PCM to a duration.
func PCMDuration(bytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(bytes/2) * time.Second / time.Duration(sampleRate)
}

// Threshold derives the speech threshold from the ambient level measured
// during calibration.
func Threshold(ambient, ratio, floor float64) float64 {
	t := ambient * ratio
	if t < floor {
		return floor
	}
	return t
}

// VAD is an energy detector with hysteresis: speech starts after onset worth
// of loud audio and ends after hangover worth of quiet audio.
type VAD struct {
	start    float64
	release  float64
	onset    time.Duration
	hangover time.Duration

	inSpeech bool
	above    time.Duration
	below    time.Duration
}

func NewVAD(threshold float64, onset, hangover time.Duration) *VAD {
	return &VAD{
		start:    threshold,
		release:  threshold * 0.8,
		onset:    onset,
		hangover: hangover,
	}
}

// Process feeds one chunk's level and duration. ended is true exactly once,
// on the chunk that closes a speech segment.
func (v *VAD) Process(level float64, d time.Duration) (speaking, ended bool) {
	if v.inSpeech {
		if level < v.release {
			v.below += d
			if v.below >= v.hangover {
				v.inSpeech = false
				v.below = 0
				return false, true
			}
		} else {
			v.below = 0
		}
		return true, false
	}
	if level >= v.start {
		v.above += d
		if v.above >= v.onset {
			v.inSpeech = true
			v.above = 0
			return true, false
		}
	} else {
		v.above = 0
	}
	return false, false
}

func (v *VAD) Reset() {
	v.inSpeech = false
	v.above = 0
	v.below = 0
}
