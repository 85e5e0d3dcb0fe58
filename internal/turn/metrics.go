package turn

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/loqalabs/loqa-avatar/internal/turn"

var tracer = otel.Tracer(scopeName)

type instruments struct {
	turns          metric.Int64Counter
	bargeIns       metric.Int64Counter
	captureResults metric.Int64Counter
	turnDuration   metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (instruments, error) {
	var (
		ins instruments
		err error
	)
	ins.turns, err = meter.Int64Counter("loqa.turns",
		metric.WithDescription("Completed conversation turns"))
	if err != nil {
		return ins, fmt.Errorf("create turns counter: %w", err)
	}
	ins.bargeIns, err = meter.Int64Counter("loqa.bargeins",
		metric.WithDescription("Utterances interrupted by a termination phrase"))
	if err != nil {
		return ins, fmt.Errorf("create barge-in counter: %w", err)
	}
	ins.captureResults, err = meter.Int64Counter("loqa.capture.results",
		metric.WithDescription("Listening phase outcomes"))
	if err != nil {
		return ins, fmt.Errorf("create capture counter: %w", err)
	}
	ins.turnDuration, err = meter.Float64Histogram("loqa.turn.duration",
		metric.WithDescription("Time from listening to the end of the reply"),
		metric.WithUnit("ms"))
	if err != nil {
		return ins, fmt.Errorf("create turn histogram: %w", err)
	}
	return ins, nil
}

func (ins instruments) recordTurn(ctx context.Context, t ConversationTurn) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(t.Outcome)),
		attribute.Bool("interrupted", t.Interrupted),
	)
	ins.turns.Add(ctx, 1, attrs)
	ins.turnDuration.Record(ctx, float64(t.Duration().Milliseconds()), attrs)
}
