package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// ErrNoSpeech is returned when the listen window passes without speech.
var ErrNoSpeech = errors.New("no speech detected")

const (
	onsetDuration  = 60 * time.Millisecond
	preRollLimit   = 300 * time.Millisecond
	frameQueueSize = 512
)

// Recorder calibrates against ambient noise, then records one phrase.
type Recorder struct {
	src    Source
	cfg    config.CaptureConfig
	logger *slog.Logger
}

func NewRecorder(src Source, cfg config.CaptureConfig, logger *slog.Logger) *Recorder {
	return &Recorder{src: src, cfg: cfg, logger: logger.With(slog.String("component", "recorder"))}
}

func (r *Recorder) SampleRate() int { return r.src.SampleRate() }

// Record blocks until a phrase ends, the phrase limit is reached, the listen
// window elapses (ErrNoSpeech) or ctx is done. Durations are measured in
// captured audio, not wall time.
func (r *Recorder) Record(ctx context.Context) ([]byte, error) {
	frames := make(chan []byte, frameQueueSize)
	if err := r.src.Start(func(pcm []byte) {
		buf := make([]byte, len(pcm))
		copy(buf, pcm)
		select {
		case frames <- buf:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}
	defer func() {
		if err := r.src.Stop(); err != nil {
			r.logger.Warn("stop capture failed", slog.String("error", err.Error()))
		}
	}()

	rate := r.src.SampleRate()
	next := func() ([]byte, error) {
		select {
		case f := <-frames:
			return f, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	calibration := time.Duration(r.cfg.CalibrationMS) * time.Millisecond
	var ambientSum float64
	var ambientFrames int
	for elapsed := time.Duration(0); elapsed < calibration; {
		f, err := next()
		if err != nil {
			return nil, err
		}
		ambientSum += RMS(f)
		ambientFrames++
		elapsed += PCMDuration(len(f), rate)
	}
	ambient := 0.0
	if ambientFrames > 0 {
		ambient = ambientSum / float64(ambientFrames)
	}
	threshold := Threshold(ambient, r.cfg.EnergyRatio, r.cfg.MinEnergy)
	r.logger.Debug("ambient calibration complete",
		slog.Float64("ambient", ambient),
		slog.Float64("threshold", threshold))

	vad := NewVAD(threshold, onsetDuration, time.Duration(r.cfg.SilenceMS)*time.Millisecond)
	listenLimit := time.Duration(r.cfg.ListenTimeoutMS) * time.Millisecond
	phraseLimit := time.Duration(r.cfg.PhraseLimitMS) * time.Millisecond

	var preRoll [][]byte
	var preRollDur time.Duration
	var waited time.Duration
	for {
		f, err := next()
		if err != nil {
			return nil, err
		}
		d := PCMDuration(len(f), rate)
		speaking, _ := vad.Process(RMS(f), d)

		preRoll = append(preRoll, f)
		preRollDur += d
		for preRollDur > preRollLimit+onsetDuration && len(preRoll) > 1 {
			preRollDur -= PCMDuration(len(preRoll[0]), rate)
			preRoll = preRoll[1:]
		}
		if speaking {
			break
		}
		waited += d
		if listenLimit > 0 && waited >= listenLimit {
			return nil, ErrNoSpeech
		}
	}

	var phrase []byte
	var phraseDur time.Duration
	for _, f := range preRoll {
		phrase = append(phrase, f...)
		phraseDur += PCMDuration(len(f), rate)
	}
	for {
		if phraseLimit > 0 && phraseDur >= phraseLimit {
			return phrase, nil
		}
		f, err := next()
		if err != nil {
			return nil, err
		}
		d := PCMDuration(len(f), rate)
		phrase = append(phrase, f...)
		phraseDur += d
		if _, ended := vad.Process(RMS(f), d); ended {
			return phrase, nil
		}
	}
}
