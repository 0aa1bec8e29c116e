package agent

import (
	"context"
	"sync"

	"github.com/go-go-golems/turnloop/pkg/graph"
	"github.com/go-go-golems/turnloop/pkg/helpers"
	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/go-go-golems/turnloop/pkg/result"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRetries is the default retry bound of tools and of result validation.
const DefaultRetries = 1

type config struct {
	name              string
	model             models.Model
	systemPrompts     []string
	systemPromptFuncs []SystemPromptFunc
	tools             []*tools.Tool
	// resultSchema and resultValidators hold typed values checked against the result
	// type in New.
	resultSchema     any
	resultValidators []any
	endStrategy      EndStrategy
	retries          int
	maxResultRetries *int
	modelSettings    *models.Settings
	usageLimits      *usage.Limits
	tracer           trace.Tracer
	maxParallelTools int
	defaultDeps      any
}

type Option func(*config) error

func WithName(name string) Option {
	return func(c *config) error {
		c.name = name
		return nil
	}
}

// WithModel sets the default model. Runs may override it with WithRunModel.
func WithModel(m models.Model) Option {
	return func(c *config) error {
		c.model = m
		return nil
	}
}

func WithSystemPrompt(prompts ...string) Option {
	return func(c *config) error {
		c.systemPrompts = append(c.systemPrompts, prompts...)
		return nil
	}
}

func WithSystemPromptFunc(fn SystemPromptFn) Option {
	return func(c *config) error {
		c.systemPromptFuncs = append(c.systemPromptFuncs, NewSystemPromptFunc(fn, false))
		return nil
	}
}

// WithDynamicSystemPromptFunc adds a system prompt that is recomputed when a run continues
// from a message history that contains it.
func WithDynamicSystemPromptFunc(fn SystemPromptFn) Option {
	return func(c *config) error {
		c.systemPromptFuncs = append(c.systemPromptFuncs, NewSystemPromptFunc(fn, true))
		return nil
	}
}

func WithSystemPromptTemplate(name, tmpl string, dynamic bool) Option {
	return func(c *config) error {
		f, err := NewSystemPromptTemplate(name, tmpl, dynamic)
		if err != nil {
			return err
		}
		c.systemPromptFuncs = append(c.systemPromptFuncs, f)
		return nil
	}
}

func WithTools(ts ...*tools.Tool) Option {
	return func(c *config) error {
		c.tools = append(c.tools, ts...)
		return nil
	}
}

func WithResultSchema[R any](s *result.Schema[R]) Option {
	return func(c *config) error {
		c.resultSchema = s
		return nil
	}
}

func WithResultValidator[R any](vs ...result.Validator[R]) Option {
	return func(c *config) error {
		for _, v := range vs {
			c.resultValidators = append(c.resultValidators, v)
		}
		return nil
	}
}

func WithEndStrategy(s EndStrategy) Option {
	return func(c *config) error {
		if _, err := ParseEndStrategy(string(s)); err != nil {
			return err
		}
		c.endStrategy = s
		return nil
	}
}

// WithRetries sets the default retry bound of tools, and of result validation unless
// WithMaxResultRetries is given.
func WithRetries(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return errors.Errorf("retries must not be negative, got %d", n)
		}
		c.retries = n
		return nil
	}
}

func WithMaxResultRetries(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return errors.Errorf("max result retries must not be negative, got %d", n)
		}
		c.maxResultRetries = &n
		return nil
	}
}

func WithModelSettings(s *models.Settings) Option {
	return func(c *config) error {
		c.modelSettings = s
		return nil
	}
}

func WithUsageLimits(l *usage.Limits) Option {
	return func(c *config) error {
		c.usageLimits = l
		return nil
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *config) error {
		c.tracer = t
		return nil
	}
}

// WithMaxParallelTools bounds how many tool calls of one response run at once. 0 means
// no bound.
func WithMaxParallelTools(n int) Option {
	return func(c *config) error {
		c.maxParallelTools = n
		return nil
	}
}

func WithDefaultDeps(deps any) Option {
	return func(c *config) error {
		c.defaultDeps = deps
		return nil
	}
}

// Agent is a reusable run configuration producing results of type R. An Agent is safe for
// concurrent runs; each run gets its own copy of the tools.
type Agent[R any] struct {
	Name string

	model             models.Model
	systemPrompts     []string
	systemPromptFuncs []SystemPromptFunc
	dynamicPrompts    map[string]SystemPromptFunc
	tools             *tools.Registry
	resultSchema      *result.Schema[R]
	resultValidators  []result.Validator[R]
	endStrategy       EndStrategy
	maxResultRetries  int
	modelSettings     *models.Settings
	usageLimits       *usage.Limits
	tracer            trace.Tracer
	maxParallelTools  int
	defaultDeps       any
}

func New[R any](opts ...Option) (*Agent[R], error) {
	cfg := &config{
		endStrategy: EndStrategyEarly,
		retries:     DefaultRetries,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	registry, err := tools.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, t := range cfg.tools {
		t.SetDefaultMaxRetries(cfg.retries)
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	var schema *result.Schema[R]
	if cfg.resultSchema != nil {
		s, ok := cfg.resultSchema.(*result.Schema[R])
		if !ok {
			return nil, runerrors.NewUserError("result schema %T does not produce the agent's result type", cfg.resultSchema)
		}
		schema = s
	} else if !result.IsTextType[R]() {
		schema, err = result.NewSchema[R]()
		if err != nil {
			return nil, err
		}
	}
	if schema != nil && schema.AllowTextResult() && !result.IsTextType[R]() {
		return nil, runerrors.NewUserError("plain text results need a string result type")
	}
	for _, name := range schema.ToolNames() {
		if registry.Has(name) {
			return nil, runerrors.NewUserError("tool name conflicts with result tool name: %q", name)
		}
	}

	validators := make([]result.Validator[R], 0, len(cfg.resultValidators))
	for _, v := range cfg.resultValidators {
		typed, ok := v.(result.Validator[R])
		if !ok {
			return nil, runerrors.NewUserError("result validator %T does not accept the agent's result type", v)
		}
		validators = append(validators, typed)
	}

	dynamic := map[string]SystemPromptFunc{}
	for _, f := range cfg.systemPromptFuncs {
		if f.Dynamic && f.Ref != "" {
			dynamic[f.Ref] = f
		}
	}

	maxResultRetries := cfg.retries
	if cfg.maxResultRetries != nil {
		maxResultRetries = *cfg.maxResultRetries
	}
	tracer := cfg.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	limits := cfg.usageLimits
	if limits == nil {
		limits = usage.DefaultLimits()
	}

	return &Agent[R]{
		Name:              cfg.name,
		model:             cfg.model,
		systemPrompts:     cfg.systemPrompts,
		systemPromptFuncs: cfg.systemPromptFuncs,
		dynamicPrompts:    dynamic,
		tools:             registry,
		resultSchema:      schema,
		resultValidators:  validators,
		endStrategy:       cfg.endStrategy,
		maxResultRetries:  maxResultRetries,
		modelSettings:     cfg.modelSettings,
		usageLimits:       limits,
		tracer:            tracer,
		maxParallelTools:  cfg.maxParallelTools,
		defaultDeps:       cfg.defaultDeps,
	}, nil
}

type runConfig struct {
	history       []messages.Message
	deps          any
	hasDeps       bool
	model         models.Model
	modelSettings *models.Settings
	usageLimits   *usage.Limits
	usage         *usage.Usage
}

type RunOption func(*runConfig)

// WithMessageHistory continues a previous conversation. The slice is copied.
func WithMessageHistory(msgs []messages.Message) RunOption {
	return func(c *runConfig) {
		c.history = msgs
	}
}

func WithDeps(deps any) RunOption {
	return func(c *runConfig) {
		c.deps = deps
		c.hasDeps = true
	}
}

func WithRunModel(m models.Model) RunOption {
	return func(c *runConfig) {
		c.model = m
	}
}

// WithRunModelSettings is merged over the agent's model settings.
func WithRunModelSettings(s *models.Settings) RunOption {
	return func(c *runConfig) {
		c.modelSettings = s
	}
}

func WithRunUsageLimits(l *usage.Limits) RunOption {
	return func(c *runConfig) {
		c.usageLimits = l
	}
}

// WithInitialUsage seeds the run's usage, e.g. with the usage of a parent run.
func WithInitialUsage(u usage.Usage) RunOption {
	return func(c *runConfig) {
		c.usage = &u
	}
}

// AgentRun is a run the caller advances node by node.
type AgentRun[R any] struct {
	run  *graph.Run[*State, *Deps[R], result.FinalResult[R]]
	span trace.Span

	mu   sync.Mutex
	done bool
}

// Iter prepares a run without executing any node.
func (a *Agent[R]) Iter(ctx context.Context, prompt string, opts ...RunOption) (*AgentRun[R], error) {
	rcfg := &runConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(rcfg)
		}
	}

	model := rcfg.model
	if model == nil {
		model = a.model
	}
	if model == nil {
		return nil, runerrors.NewUserError("`model` must be set either when creating the agent or when calling it.")
	}
	deps := a.defaultDeps
	if rcfg.hasDeps {
		deps = rcfg.deps
	}
	limits := a.usageLimits
	if rcfg.usageLimits != nil {
		limits = rcfg.usageLimits
	}

	state := &State{
		MessageHistory: append([]messages.Message(nil), rcfg.history...),
	}
	if rcfg.usage != nil {
		state.Usage = rcfg.usage.Clone()
	}

	_, span := a.tracer.Start(ctx, "agent run", trace.WithAttributes(
		attribute.String("agent_name", a.Name),
		attribute.String("model_name", model.Name()),
		attribute.String("prompt", prompt),
	))

	d := &Deps[R]{
		UserDeps:         deps,
		Prompt:           prompt,
		NewMessageIndex:  len(rcfg.history),
		Model:            model,
		ModelSettings:    models.MergeSettings(a.modelSettings, rcfg.modelSettings),
		UsageLimits:      limits,
		MaxResultRetries: a.maxResultRetries,
		EndStrategy:      a.endStrategy,
		MaxParallelTools: a.maxParallelTools,
		ResultSchema:     a.resultSchema,
		ResultValidators: a.resultValidators,
		FunctionTools:    a.tools.Clone(),
		RunSpan:          span,
		Tracer:           a.tracer,
	}

	start := &UserPromptNode[R]{
		UserPrompt:               prompt,
		SystemPrompts:            a.systemPrompts,
		SystemPromptFuncs:        a.systemPromptFuncs,
		DynamicSystemPromptFuncs: a.dynamicPrompts,
	}
	g := graph.New[*State, *Deps[R], result.FinalResult[R]](a.Name, graph.WithTracer(a.tracer))

	log.Debug().
		Str("agent", a.Name).
		Str("model", model.Name()).
		Int("request_limit", helpers.Deref(limits.RequestLimit, 0)).
		Int("history", len(rcfg.history)).
		Msg("starting agent run")
	return &AgentRun[R]{run: g.Iter(start, state, d), span: span}, nil
}

// Next runs the pending node and returns its successor, a *graph.End once the run is
// finished.
func (r *AgentRun[R]) Next(ctx context.Context) (graph.Node[*State, *Deps[R], result.FinalResult[R]], error) {
	return r.NextNode(ctx, r.run.NextPending())
}

// NextNode runs node in place of the pending node.
func (r *AgentRun[R]) NextNode(ctx context.Context, node graph.Node[*State, *Deps[R], result.FinalResult[R]]) (graph.Node[*State, *Deps[R], result.FinalResult[R]], error) {
	next, err := r.run.NextNode(r.spanContext(ctx), node)
	if err != nil {
		r.finish(err)
		return nil, err
	}
	if _, ok := r.run.Result(); ok {
		r.finish(nil)
	}
	return next, nil
}

func (r *AgentRun[R]) spanContext(ctx context.Context) context.Context {
	return trace.ContextWithSpan(ctx, r.span)
}

// finish ends the run span once, recording err on it.
func (r *AgentRun[R]) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.End()
}

func (r *AgentRun[R]) NextPending() graph.Node[*State, *Deps[R], result.FinalResult[R]] {
	return r.run.NextPending()
}

func (r *AgentRun[R]) State() *State {
	return r.run.Context().State
}

func (r *AgentRun[R]) GraphContext() *graph.RunContext[*State, *Deps[R]] {
	return r.run.Context()
}

func (r *AgentRun[R]) History() []graph.HistoryStep {
	return r.run.History()
}

// Result is available once the run reached its End node.
func (r *AgentRun[R]) Result() (*RunResult[R], bool) {
	final, ok := r.run.Result()
	if !ok {
		return nil, false
	}
	gctx := r.run.Context()
	return &RunResult[R]{
		Data:            final.Data,
		ToolName:        final.ToolName,
		messages:        gctx.State.MessageHistory,
		newMessageIndex: gctx.Deps.NewMessageIndex,
		usage:           gctx.State.Usage,
	}, true
}

// Run executes a run to completion.
func (a *Agent[R]) Run(ctx context.Context, prompt string, opts ...RunOption) (*RunResult[R], error) {
	run, err := a.Iter(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := run.Next(ctx); err != nil {
			return nil, err
		}
		if res, ok := run.Result(); ok {
			return res, nil
		}
	}
}

// RunResult is the outcome of a completed run.
type RunResult[R any] struct {
	Data R
	// ToolName is the result tool that produced Data, empty for text results.
	ToolName string

	messages        []messages.Message
	newMessageIndex int
	usage           usage.Usage
}

func (r *RunResult[R]) Usage() usage.Usage {
	return r.usage
}

// AllMessages includes the history the run started from.
func (r *RunResult[R]) AllMessages() []messages.Message {
	return r.messages
}

// NewMessages are the messages produced by this run.
func (r *RunResult[R]) NewMessages() []messages.Message {
	return r.messages[r.newMessageIndex:]
}

func (r *RunResult[R]) AllMessagesJSON() ([]byte, error) {
	return messages.MarshalMessages(r.AllMessages())
}

func (r *RunResult[R]) NewMessagesJSON() ([]byte, error) {
	return messages.MarshalMessages(r.NewMessages())
}
