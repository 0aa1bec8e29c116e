// Package graph runs a state machine made of nodes. Each node does its work and returns the
// next node, until an End node carries the result out.
package graph

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunContext is handed to every node: the mutable state of the run and its fixed
// dependencies.
type RunContext[S any, D any] struct {
	State S
	Deps  D
}

type Node[S any, D any, R any] interface {
	ID() string
	Run(ctx context.Context, gctx *RunContext[S, D]) (Node[S, D, R], error)
}

// End terminates a run with Data.
type End[S any, D any, R any] struct {
	Data R
}

func (*End[S, D, R]) ID() string { return "End" }

func (*End[S, D, R]) Run(context.Context, *RunContext[S, D]) (Node[S, D, R], error) {
	return nil, errors.New("end node cannot be run")
}

// HistoryStep records one executed node.
type HistoryStep struct {
	NodeID   string        `json:"node_id"`
	Start    time.Time     `json:"start_ts"`
	Duration time.Duration `json:"duration"`
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

type Graph[S any, D any, R any] struct {
	Name   string
	tracer trace.Tracer
}

type Option func(*options)

type options struct {
	tracer trace.Tracer
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

func New[S any, D any, R any](name string, opts ...Option) *Graph[S, D, R] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("turnloop.graph")
	}
	return &Graph[S, D, R]{Name: name, tracer: o.tracer}
}

// Run drives start to an End node and returns its data.
func (g *Graph[S, D, R]) Run(ctx context.Context, start Node[S, D, R], state S, deps D) (R, []HistoryStep, error) {
	run := g.Iter(start, state, deps)
	for {
		_, err := run.Next(ctx)
		if err != nil {
			var zero R
			return zero, run.History(), err
		}
		if data, ok := run.Result(); ok {
			return data, run.History(), nil
		}
	}
}

// Iter prepares a run that the caller advances node by node.
func (g *Graph[S, D, R]) Iter(start Node[S, D, R], state S, deps D) *Run[S, D, R] {
	return &Run[S, D, R]{
		graph: g,
		gctx:  &RunContext[S, D]{State: state, Deps: deps},
		next:  start,
	}
}

type Run[S any, D any, R any] struct {
	graph   *Graph[S, D, R]
	gctx    *RunContext[S, D]
	next    Node[S, D, R]
	history []HistoryStep
	end     *End[S, D, R]
}

func (r *Run[S, D, R]) Context() *RunContext[S, D] {
	return r.gctx
}

// NextPending is the node Next would run.
func (r *Run[S, D, R]) NextPending() Node[S, D, R] {
	return r.next
}

func (r *Run[S, D, R]) History() []HistoryStep {
	return append([]HistoryStep(nil), r.history...)
}

// Result returns the end data once the run reached an End node.
func (r *Run[S, D, R]) Result() (R, bool) {
	if r.end == nil {
		var zero R
		return zero, false
	}
	return r.end.Data, true
}

func (r *Run[S, D, R]) Next(ctx context.Context) (Node[S, D, R], error) {
	return r.NextNode(ctx, r.next)
}

// NextNode runs node in place of the pending one. Callers that already drove a node
// themselves (e.g. by streaming it) pass it here to collect its successor.
func (r *Run[S, D, R]) NextNode(ctx context.Context, node Node[S, D, R]) (Node[S, D, R], error) {
	if r.end != nil {
		return nil, errors.New("graph run already ended")
	}
	if node == nil {
		return nil, errors.New("no node to run")
	}

	ctx, span := r.graph.tracer.Start(ctx, "graph node",
		trace.WithAttributes(
			attribute.String("graph", r.graph.Name),
			attribute.String("node_id", node.ID()),
		))
	defer span.End()

	start := NowUTC()
	log.Debug().Str("graph", r.graph.Name).Str("node", node.ID()).Msg("running graph node")
	next, err := node.Run(ctx, r.gctx)
	r.history = append(r.history, HistoryStep{
		NodeID:   node.ID(),
		Start:    start,
		Duration: time.Since(start),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if next == nil {
		return nil, errors.Errorf("node %s returned no successor", node.ID())
	}

	if end, ok := next.(*End[S, D, R]); ok {
		r.end = end
	}
	r.next = next
	return next, nil
}
