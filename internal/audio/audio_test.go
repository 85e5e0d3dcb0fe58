package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

const testRate = 16000

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// tone returns a square wave with the given normalized RMS level.
func tone(level float64, ms int) []byte {
	samples := testRate * ms / 1000
	buf := make([]byte, samples*2)
	amp := int16(level * 32768)
	for i := 0; i < samples; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func frames(level float64, count int) [][]byte {
	out := make([][]byte, count)
	for i := range out {
		out[i] = tone(level, 20)
	}
	return out
}

type fakeSource struct {
	script [][]byte
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeSource) Start(onFrame func([]byte)) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	go func() {
		for _, fr := range f.script {
			onFrame(fr)
		}
	}()
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSource) Close() error    { return nil }
func (f *fakeSource) SampleRate() int { return testRate }

func testCaptureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		SampleRate:      testRate,
		Channels:        1,
		FrameDurationMS: 20,
		CalibrationMS:   100,
		ListenTimeoutMS: 1000,
		PhraseLimitMS:   5000,
		SilenceMS:       100,
		EnergyRatio:     1.5,
		MinEnergy:       0.01,
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("expected 0 for empty input, got %f", got)
	}
	got := RMS(tone(0.25, 20))
	if math.Abs(got-0.25) > 0.001 {
		t.Fatalf("expected ~0.25, got %f", got)
	}
}

func TestThresholdFloor(t *testing.T) {
	if got := Threshold(0.001, 1.5, 0.01); got != 0.01 {
		t.Fatalf("expected floor, got %f", got)
	}
	if got := Threshold(0.1, 1.5, 0.01); math.Abs(got-0.15) > 1e-9 {
		t.Fatalf("expected scaled ambient, got %f", got)
	}
}

func TestVADHysteresis(t *testing.T) {
	v := NewVAD(0.1, 40*time.Millisecond, 60*time.Millisecond)
	step := 20 * time.Millisecond

	if speaking, _ := v.Process(0.2, step); speaking {
		t.Fatal("speech should need onset duration")
	}
	if speaking, _ := v.Process(0.2, step); !speaking {
		t.Fatal("expected speech after onset")
	}
	// Between release (0.08) and start (0.1) keeps speech alive.
	if speaking, ended := v.Process(0.09, step); !speaking || ended {
		t.Fatal("expected speech to continue above release level")
	}
	v.Process(0.01, step)
	v.Process(0.01, step)
	speaking, ended := v.Process(0.01, step)
	if speaking || !ended {
		t.Fatalf("expected end after hangover, got speaking=%v ended=%v", speaking, ended)
	}
	if _, ended := v.Process(0.01, step); ended {
		t.Fatal("ended must fire once")
	}
}

func TestRecorderCapturesPhrase(t *testing.T) {
	var script [][]byte
	script = append(script, frames(0.005, 5)...) // calibration
	script = append(script, frames(0.005, 5)...) // quiet before speech
	script = append(script, frames(0.2, 10)...)
	script = append(script, frames(0.001, 10)...)
	src := &fakeSource{script: script}

	rec := NewRecorder(src, testCaptureConfig(), newLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pcm, err := rec.Record(ctx)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	// 5 quiet pre-roll + 10 speech + 5 trailing silence frames.
	if want := 20 * 640; len(pcm) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(pcm))
	}
	if src.stops != 1 {
		t.Fatalf("expected source stopped once, got %d", src.stops)
	}
}

func TestRecorderNoSpeech(t *testing.T) {
	cfg := testCaptureConfig()
	cfg.ListenTimeoutMS = 100
	src := &fakeSource{script: frames(0.002, 20)}

	rec := NewRecorder(src, cfg, newLogger())
	_, err := rec.Record(context.Background())
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestRecorderPhraseLimit(t *testing.T) {
	cfg := testCaptureConfig()
	cfg.PhraseLimitMS = 200
	var script [][]byte
	script = append(script, frames(0.005, 5)...)
	script = append(script, frames(0.3, 50)...)
	src := &fakeSource{script: script}

	rec := NewRecorder(src, cfg, newLogger())
	pcm, err := rec.Record(context.Background())
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if d := PCMDuration(len(pcm), testRate); d < 200*time.Millisecond || d > 260*time.Millisecond {
		t.Fatalf("expected phrase capped near 200ms, got %s", d)
	}
}

func TestRecorderHonoursContext(t *testing.T) {
	src := &fakeSource{script: frames(0.005, 5)}
	rec := NewRecorder(src, testCaptureConfig(), newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := rec.Record(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
