package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

type sinksKey struct{}

// WithEventSinks returns a context whose runs publish to sinks as well as to the sinks
// already attached to ctx.
func WithEventSinks(ctx context.Context, sinks ...EventSink) context.Context {
	if len(sinks) == 0 {
		return ctx
	}
	existing := GetEventSinks(ctx)
	combined := make([]EventSink, 0, len(existing)+len(sinks))
	combined = append(combined, existing...)
	combined = append(combined, sinks...)
	return context.WithValue(ctx, sinksKey{}, combined)
}

// WithoutEventSinks detaches every sink, so nested runs such as a judge grading an output
// do not show up in the caller's event stream.
func WithoutEventSinks(ctx context.Context) context.Context {
	if !HasEventSinks(ctx) {
		return ctx
	}
	return context.WithValue(ctx, sinksKey{}, []EventSink(nil))
}

func GetEventSinks(ctx context.Context) []EventSink {
	sinks, _ := ctx.Value(sinksKey{}).([]EventSink)
	return sinks
}

func HasEventSinks(ctx context.Context) bool {
	return len(GetEventSinks(ctx)) > 0
}

// PublishEventToContext hands event to every sink of ctx. A failing sink is logged and
// does not stop the run.
func PublishEventToContext(ctx context.Context, event Event) {
	sinks := GetEventSinks(ctx)
	if len(sinks) == 0 {
		return
	}
	for i, sink := range sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).
				Int("sink", i).
				Str("event_type", string(event.Type())).
				Int("run_step", event.Metadata().RunStep).
				Msg("event sink failed")
		}
	}
}
