// Package engine drives protocol instances through their phase graphs.
//
// One Engine serves every protocol kind; the kind selects a graph from the
// catalog. Every operation follows the same sequence under the per-key
// lock: load, validate, mutate a private copy, persist, and only then render
// and publish the next directive. A request that fails validation or an
// artifact precondition leaves persisted state untouched.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/artifact"
	"github.com/fyrsmithlabs/protocold/internal/branch"
	"github.com/fyrsmithlabs/protocold/internal/directive"
	"github.com/fyrsmithlabs/protocold/internal/graph"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/remediation"
	"github.com/fyrsmithlabs/protocold/internal/store"
)

// Defaults.
const (
	DefaultArtifactRoot = "artifacts"
	DefaultParallelism  = 4
	defaultAbandonNote  = "abandoned"
)

// ErrInvalidInput is returned for a malformed initial context, output or
// answer.
var ErrInvalidInput = errors.New("invalid input")

// Outcome summarizes where an operation left the instance.
type Outcome string

const (
	OutcomeNext      Outcome = "next"
	OutcomeHalted    Outcome = "halted"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Result is returned by every state-changing operation.
type Result struct {
	// State is the committed state after the operation.
	State *protocol.State
	// Directive was rendered from State after it was saved.
	Directive *directive.Directive
	Outcome   Outcome
	// Warnings are non-fatal, e.g. *protocol.RemediationExhaustedError.
	Warnings []error
	// Halt is set when the instance is halted awaiting input.
	Halt *protocol.ProtocolHaltError
}

// AdvanceRequest reports that the executor finished Phase.
type AdvanceRequest struct {
	Phase  string          `json:"phase"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Engine executes protocol graphs against a Repository.
type Engine struct {
	repo        store.Repository
	catalog     *graph.Catalog
	locker      *store.Locker
	verifier    *artifact.Verifier
	emitter     *directive.Emitter
	publisher   directive.Publisher
	remediation *remediation.Controller
	now         func() time.Time
	logger      *Logger
	metrics     *Metrics
	tracer      trace.Tracer
	parallelism int
}

type options struct {
	logger       *zap.Logger
	clock        func() time.Time
	publisher    directive.Publisher
	locker       *store.Locker
	artifactRoot string
	emitterOpts  []directive.Option
	parallelism  int
	meter        metric.Meter
	tracer       trace.Tracer
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithPublisher sets where directives and events are published.
func WithPublisher(p directive.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLocker shares a Locker between engines over the same repository.
func WithLocker(l *store.Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithArtifactRoot sets the directory artifacts are verified under.
func WithArtifactRoot(root string) Option {
	return func(o *options) { o.artifactRoot = root }
}

// WithEmitterOptions configures the directive emitter.
func WithEmitterOptions(opts ...directive.Option) Option {
	return func(o *options) { o.emitterOpts = append(o.emitterOpts, opts...) }
}

// WithParallelism bounds how many branches RunBranches executes at once.
func WithParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithMeter sets the meter used for engine metrics.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithTracer sets the tracer used for operation spans. The global tracer
// provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// New creates an Engine over repo serving the graphs in catalog.
func New(repo store.Repository, catalog *graph.Catalog, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("engine: repository is required")
	}
	if catalog == nil {
		return nil, errors.New("engine: catalog is required")
	}
	o := options{
		clock:        time.Now,
		publisher:    directive.NopPublisher{},
		artifactRoot: DefaultArtifactRoot,
		parallelism:  DefaultParallelism,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.locker == nil {
		o.locker = store.NewLocker()
	}
	if o.tracer == nil {
		o.tracer = Tracer()
	}

	metrics, err := NewMetrics(o.meter)
	if err != nil {
		o.logger.Warn("failed to initialize engine metrics", zap.Error(err))
	}

	emitterOpts := append([]directive.Option{directive.WithArtifactRoot(o.artifactRoot)}, o.emitterOpts...)
	return &Engine{
		repo:        repo,
		catalog:     catalog,
		locker:      o.locker,
		verifier:    artifact.NewVerifier(o.artifactRoot, o.logger),
		emitter:     directive.NewEmitter(emitterOpts...),
		publisher:   o.publisher,
		remediation: remediation.NewController(o.logger),
		now:         func() time.Time { return o.clock().UTC() },
		logger:      NewLogger(o.logger),
		metrics:     metrics,
		tracer:      o.tracer,
		parallelism: o.parallelism,
	}, nil
}

// Catalog returns the graphs the engine serves.
func (e *Engine) Catalog() *graph.Catalog {
	return e.catalog
}

// ArtifactRoot returns the directory artifacts are verified under.
func (e *Engine) ArtifactRoot() string {
	return e.verifier.Root()
}

// Start creates an instance of kind for sessionID, enters the entry phase and
// returns its first directive.
func (e *Engine) Start(ctx context.Context, kind, sessionID string, initial json.RawMessage) (res *Result, err error) {
	key := protocol.Key{Kind: kind, SessionID: sessionID}
	ctx, done := e.operation(ctx, "start", key)
	defer func() { done(err) }()

	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(initial) > 0 && !json.Valid(initial) {
		return nil, fmt.Errorf("%w: initial context is not valid JSON", ErrInvalidInput)
	}
	g, err := e.catalog.Get(kind)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exists, err := e.repo.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", key, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", protocol.ErrAlreadyExists, key)
	}

	now := e.now()
	st := protocol.NewState(key, initial, now)
	st.Status = protocol.StatusExecuting

	var failure error
	if err := enterPhase(g, st, g.Entry(), now); err != nil {
		if failure = e.absorbFailure(st, err); failure == nil {
			return nil, err
		}
	}

	res = &Result{}
	if err := e.commit(ctx, g, st, res); err != nil {
		return nil, err
	}
	e.metrics.RecordStarted(ctx, kind)
	e.logger.Started(ctx, key, res.State.CurrentPhase)
	e.finish(ctx, res, "", protocol.StatusExecuting, directive.EventStarted, nil)
	return res, failure
}

// Resume re-renders the directive of a persisted instance. It never writes
// and never publishes; the same stored state always yields the same
// directive.
func (e *Engine) Resume(ctx context.Context, kind, sessionID string) (res *Result, err error) {
	key := protocol.Key{Kind: kind, SessionID: sessionID}
	ctx, done := e.operation(ctx, "resume", key)
	defer func() { done(err) }()

	c, g, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.render(c, g)
}

// NextDirective returns the directive for the persisted state of an
// instance. It is Resume without the state.
func (e *Engine) NextDirective(ctx context.Context, kind, sessionID string) (*directive.Directive, error) {
	res, err := e.Resume(ctx, kind, sessionID)
	if err != nil {
		return nil, err
	}
	return res.Directive, nil
}

// State returns the persisted state of an instance.
func (e *Engine) State(ctx context.Context, kind, sessionID string) (*protocol.State, error) {
	key := protocol.Key{Kind: kind, SessionID: sessionID}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return e.repo.Load(ctx, key)
}

// List returns the instance keys of kind, or of every kind when kind is "".
func (e *Engine) List(ctx context.Context, kind string) ([]protocol.Key, error) {
	return e.repo.List(ctx, kind)
}

// Advance completes the current phase with req.Output and moves to the next
// one.
//
// The request is rejected with *protocol.InvalidTransitionError when the
// instance is not executing or req.Phase is not the current phase, and with
// *protocol.BlockingPreconditionError when the phase artifact is missing or
// malformed. Neither rejection changes persisted state.
func (e *Engine) Advance(ctx context.Context, kind, sessionID string, req AdvanceRequest) (res *Result, err error) {
	key := protocol.Key{Kind: kind, SessionID: sessionID}
	ctx, done := e.operation(ctx, "advance", key, attribute.String("phase", req.Phase))
	defer func() { done(err) }()

	if len(req.Output) > 0 && !json.Valid(req.Output) {
		return nil, fmt.Errorf("%w: output of %q is not valid JSON", ErrInvalidInput, req.Phase)
	}

	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, g, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	st := c.State()
	if st.Status != protocol.StatusExecuting {
		return nil, e.invalid(st, req.Phase, statusReason(st.Status))
	}
	if req.Phase != st.CurrentPhase {
		return nil, e.invalid(st, req.Phase, "not the current phase")
	}
	return e.advance(ctx, g, st, req.Output, protocol.StatusExecuting, directive.EventAdvanced)
}

// Halt suspends an executing instance until Answer is called. The result
// carries a *protocol.ProtocolHaltError describing the suspension.
func (e *Engine) Halt(ctx context.Context, kind, sessionID, reason string) (res *Result, err error) {
	key := protocol.Key{Kind: kind, SessionID: sessionID}
	ctx, done := e.operation(ctx, "halt", key)
	defer func() { done(err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, protocol.ErrMissingHaltReason
	}

	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, g, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	st := c.State()
	if st.Status != protocol.StatusExecuting {
		return nil, e.invalid(st, st.CurrentPhase, statusReason(st.Status))
	}

	st.Status = protocol.StatusHalted
	st.HaltReason = reason
	res = &Result{}
	if err := e.commit(ctx, g, st, res); err != nil {
		return nil, err
	}
	e.metrics.RecordHalt(ctx, kind, st.CurrentPhase)
	e.logger.Halted(ctx, key, st.CurrentPhase, reason)
	e.finish(ctx, res, st.CurrentPhase, protocol.StatusExecuting, directive.EventHalted, nil)
	return res, nil
}

// Answer resumes a halted instance. The answer becomes the output of the
// current phase, which is then advanced exactly like Advance. If the phase
// artifact blocks, the instance stays halted.
func (e *Engine) Answer(ctx context.Context, kind, sessionID string, answer json.RawMessage) (res *Result, err error) {
	key := protocol.Key{Kind: kind, SessionID: sessionID}
	ctx, done := e.operation(ctx, "answer", key)
	defer func() { done(err) }()

	if len(answer) > 0 && !json.Valid(answer) {
		return nil, fmt.Errorf("%w: answer is not valid JSON", ErrInvalidInput)
	}

	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, g, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	st := c.State()
	if st.Status != protocol.StatusHalted {
		return nil, e.invalid(st, st.CurrentPhase, "only a halted instance can be answered")
	}
	st.Status = protocol.StatusExecuting
	st.HaltReason = ""
	return e.advance(ctx, g, st, answer, protocol.StatusHalted, directive.EventResumed)
}

// Abandon cancels a non-terminal instance.
func (e *Engine) Abandon(ctx context.Context, kind, sessionID, reason string) (res *Result, err error) {
	key := protocol.Key{Kind: kind, SessionID: sessionID}
	ctx, done := e.operation(ctx, "abandon", key)
	defer func() { done(err) }()

	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, g, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	st := c.State()
	if st.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", protocol.ErrTerminal, key, st.Status)
	}
	prev := st.Status
	st.Status = protocol.StatusAbandoned
	st.HaltReason = strings.TrimSpace(reason)
	if st.HaltReason == "" {
		st.HaltReason = defaultAbandonNote
	}
	res = &Result{}
	if err := e.commit(ctx, g, st, res); err != nil {
		return nil, err
	}
	e.finish(ctx, res, st.CurrentPhase, prev, directive.EventAbandoned, nil)
	return res, nil
}

// ReportBranch records the terminal outcome of one branch of a PARALLEL
// phase. Reporting the outcome a branch already holds is a no-op that
// re-renders the current directive; reporting a different one fails with
// branch.ErrConflictingOutcome. When the last pending branch reports on an
// executing instance, the branch-failure policy is applied and the phase is
// advanced. A policy rejection fails the instance and is returned as
// *protocol.BranchFailureError alongside the persisted result.
func (e *Engine) ReportBranch(ctx context.Context, kind, sessionID, branchID string, r branch.Report) (res *Result, err error) {
	key := protocol.Key{Kind: kind, SessionID: sessionID}
	ctx, done := e.operation(ctx, "report_branch", key, attribute.String("branch_id", branchID))
	defer func() { done(err) }()

	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, g, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	st := c.State()
	phase, err := locateBranch(st, branchID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	t := branch.FromState(st.Branches)
	changed, err := t.Report(phase, branchID, r, now)
	if err != nil {
		return nil, fmt.Errorf("reporting branch %s of %s: %w", branchID, key, err)
	}
	e.logger.BranchReported(ctx, key, phase, branchID, r.Outcome, changed)
	if !changed {
		return e.render(c, g)
	}
	if st.Status.IsTerminal() {
		return nil, e.invalid(st, phase, statusReason(st.Status))
	}
	e.metrics.RecordBranch(ctx, kind, r.Outcome)

	from, prev := st.CurrentPhase, st.Status
	st.Branches = t.Export()
	res = &Result{}
	var failure error
	if st.Status == protocol.StatusExecuting && phase == st.CurrentPhase && t.IsReadyToMerge(phase) {
		p, _ := g.Phase(phase)
		if blocked := e.verify(ctx, st, p, phase); blocked != nil {
			var bpe *protocol.BlockingPreconditionError
			if !errors.As(blocked, &bpe) {
				return nil, blocked
			}
			res.Warnings = append(res.Warnings, blocked)
		} else if err := e.exitPhase(ctx, g, st, p, nil, now, res); err != nil {
			if failure = e.absorbFailure(st, err); failure == nil {
				return nil, err
			}
		}
	}

	if err := e.commit(ctx, g, st, res); err != nil {
		return nil, err
	}
	detail, _ := json.Marshal(map[string]string{"phase": phase, "branch": branchID, "outcome": string(r.Outcome)})
	e.finish(ctx, res, from, prev, directive.EventBranch, detail)
	return res, failure
}

// advance verifies the exit contract of the current phase of st, applies the
// phase-type exit logic and persists. st must be a private copy.
func (e *Engine) advance(ctx context.Context, g *graph.Graph, st *protocol.State, output json.RawMessage, prev protocol.Status, event string) (*Result, error) {
	key := st.Key()
	current := st.CurrentPhase
	p, err := phaseOf(g, st)
	if err != nil {
		return nil, err
	}

	if p.Type == graph.Parallel {
		if pending := branch.FromState(st.Branches).Pending(p.ID); len(pending) > 0 {
			return nil, &protocol.BlockingPreconditionError{
				Key:      key,
				Phase:    current,
				Problems: []string{"branches pending: " + strings.Join(pending, ", ")},
			}
		}
	}
	if err := e.verify(ctx, st, p, current); err != nil {
		return nil, err
	}

	now := e.now()
	res := &Result{}
	var failure error
	if err := e.exitPhase(ctx, g, st, p, output, now, res); err != nil {
		if failure = e.absorbFailure(st, err); failure == nil {
			return nil, err
		}
	}
	if err := e.commit(ctx, g, st, res); err != nil {
		return nil, err
	}
	e.finish(ctx, res, current, prev, event, nil)
	return res, failure
}

// exitPhase applies the exit logic of phase p, whose current producer is
// st.CurrentPhase, and enters whatever comes next.
func (e *Engine) exitPhase(ctx context.Context, g *graph.Graph, st *protocol.State, p *graph.Phase, output json.RawMessage, now time.Time, res *Result) error {
	current := st.CurrentPhase
	if len(output) > 0 {
		st.PhaseOutputs[current] = append(json.RawMessage(nil), output...)
	}

	if st.ParentPhase != "" {
		next, err := completeSubPhase(st, now)
		if err != nil || next != "" {
			return err
		}
		return enterPhase(g, st, p.Next, now)
	}

	switch p.Type {
	case graph.Remediation:
		verdict := remediation.Verdict{Pass: true}
		if p.Validate != nil {
			verdict = p.Validate(st, st.PhaseOutputs[current])
		}
		spec := remediation.Spec{Phase: p.ID, Target: p.Target, Max: p.MaxRemediation, Policy: p.OnExhausted}
		d := e.remediation.Decide(ctx, st, spec, verdict, now)
		switch d.Action {
		case remediation.ActionRetry:
			resetForRetry(g, st, p.Target, p.ID)
			return enterPhase(g, st, p.Target, now)
		case remediation.ActionForceComplete:
			rec := st.Phases[p.ID]
			rec.Forced = true
			st.Phases[p.ID] = rec
			st.MarkCompleted(p.ID, now)
			res.Warnings = append(res.Warnings, d.Warning)
			return enterPhase(g, st, p.Next, now)
		case remediation.ActionFail:
			res.Warnings = append(res.Warnings, d.Warning)
			st.Status = protocol.StatusFailed
			st.HaltReason = d.Warning.Error()
			return nil
		}
		st.MarkCompleted(p.ID, now)
		return enterPhase(g, st, p.Next, now)

	case graph.Parallel:
		t := branch.FromState(st.Branches)
		m, err := t.Merge(p.ID, branch.Policy{FailOnError: p.FailOnError, MinSuccesses: p.MinSuccesses})
		if err != nil {
			return err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding merge of %s: %w", p.ID, err)
		}
		st.PhaseOutputs[p.ID] = raw
		st.MarkCompleted(p.ID, now)
		return enterPhase(g, st, p.Next, now)
	}

	st.MarkCompleted(p.ID, now)
	return enterPhase(g, st, p.Next, now)
}

// absorbFailure turns a BranchFailureError into a failed instance that the
// caller persists. Any other error is left for the caller to return without
// saving; absorbFailure then returns nil.
func (e *Engine) absorbFailure(st *protocol.State, err error) error {
	var bfe *protocol.BranchFailureError
	if !errors.As(err, &bfe) {
		return nil
	}
	st.Status = protocol.StatusFailed
	st.HaltReason = bfe.Error()
	return bfe
}

// verify checks the artifact contract of producer within phase p.
func (e *Engine) verify(ctx context.Context, st *protocol.State, p *graph.Phase, producer string) error {
	c := p.ContractFor(producer)
	if c == nil {
		return nil
	}
	report, err := e.verifier.Verify(ctx, st.SessionID, *c)
	if err != nil {
		return fmt.Errorf("verifying artifact of %s: %w", producer, err)
	}
	for _, w := range report.Warnings {
		e.logger.Debug(ctx, "artifact warning",
			zap.String("session_id", st.SessionID),
			zap.String("producer", producer),
			zap.String("warning", w),
		)
	}
	if report.OK() {
		return nil
	}

	key := st.Key()
	e.metrics.RecordBlocked(ctx, key.Kind, producer)
	e.logger.Blocked(ctx, key, producer, report.Path, report.Problems)
	detail, _ := json.Marshal(report)
	e.publishEvent(ctx, directive.Event{
		Kind:      key.Kind,
		SessionID: key.SessionID,
		Event:     directive.EventBlocked,
		Phase:     producer,
		Version:   st.Version,
		Detail:    detail,
		At:        e.now(),
	})
	return &protocol.BlockingPreconditionError{
		Key:      key,
		Phase:    producer,
		Path:     report.Path,
		Problems: report.Problems,
	}
}

// commit stamps and saves st, then renders the directive from the saved
// snapshot into res.
func (e *Engine) commit(ctx context.Context, g *graph.Graph, st *protocol.State, res *Result) error {
	st.UpdatedAt = e.now()
	c, err := store.Commit(ctx, e.repo, st)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.metrics.RecordConflict(ctx, st.Kind)
		}
		return fmt.Errorf("saving %s: %w", st.Key(), err)
	}
	rendered, err := e.render(c, g)
	if err != nil {
		return err
	}
	res.State = rendered.State
	res.Directive = rendered.Directive
	res.Outcome = rendered.Outcome
	res.Halt = rendered.Halt
	return nil
}

func (e *Engine) render(c store.Committed, g *graph.Graph) (*Result, error) {
	d, err := e.emitter.Render(c, g)
	if err != nil {
		return nil, fmt.Errorf("rendering directive for %s: %w", c.Key(), err)
	}
	st := c.State()
	res := &Result{State: st, Directive: d, Outcome: outcomeOf(st.Status)}
	if st.Status == protocol.StatusHalted {
		res.Halt = &protocol.ProtocolHaltError{Key: st.Key(), Phase: st.CurrentPhase, Reason: st.HaltReason}
	}
	return res, nil
}

// finish logs, counts and publishes a committed change.
func (e *Engine) finish(ctx context.Context, res *Result, from string, prev protocol.Status, event string, detail json.RawMessage) {
	st := res.State
	key := st.Key()
	for _, w := range res.Warnings {
		e.logger.Warning(ctx, key, w)
	}
	if st.CurrentPhase != from {
		e.metrics.RecordTransition(ctx, key.Kind, from, st.CurrentPhase)
		e.logger.Transition(ctx, key, from, st.CurrentPhase, st.Version)
	}
	if st.Status.IsTerminal() && !prev.IsTerminal() {
		e.metrics.RecordTerminal(ctx, key.Kind, st.Status)
		e.logger.Terminal(ctx, key, st.Status, st.HaltReason)
	}

	if err := e.publisher.PublishDirective(ctx, res.Directive); err != nil {
		e.logger.Error(ctx, "failed to publish directive", err,
			zap.String("protocol_kind", key.Kind),
			zap.String("session_id", key.SessionID),
		)
	}
	for _, name := range eventsFor(event, st.Status) {
		e.publishEvent(ctx, directive.Event{
			Kind:      key.Kind,
			SessionID: key.SessionID,
			Event:     name,
			Phase:     st.CurrentPhase,
			Version:   st.Version,
			Detail:    detail,
			At:        st.UpdatedAt,
		})
	}
}

// eventsFor returns event followed by the terminal event status implies.
func eventsFor(event string, s protocol.Status) []string {
	out := []string{event}
	var terminal string
	switch s {
	case protocol.StatusCompleted:
		terminal = directive.EventCompleted
	case protocol.StatusFailed:
		terminal = directive.EventFailed
	}
	if terminal != "" && terminal != event {
		out = append(out, terminal)
	}
	return out
}

func (e *Engine) publishEvent(ctx context.Context, ev directive.Event) {
	if err := e.publisher.PublishEvent(ctx, ev); err != nil {
		e.logger.Error(ctx, "failed to publish event", err,
			zap.String("event", ev.Event),
			zap.String("session_id", ev.SessionID),
		)
	}
}

// load reads the committed state of key and the graph of its kind.
func (e *Engine) load(ctx context.Context, key protocol.Key) (store.Committed, *graph.Graph, error) {
	if err := key.Validate(); err != nil {
		return store.Committed{}, nil, err
	}
	g, err := e.catalog.Get(key.Kind)
	if err != nil {
		return store.Committed{}, nil, err
	}
	c, err := store.LoadCommitted(ctx, e.repo, key)
	if err != nil {
		return store.Committed{}, nil, err
	}
	return c, g, nil
}

// operation starts the span and timer of one engine operation.
func (e *Engine) operation(ctx context.Context, name string, key protocol.Key, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine."+name,
		trace.WithAttributes(SpanAttributes(key)...),
		trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		defer span.End()
		e.metrics.RecordOperation(ctx, name, time.Since(start), err)
		if err != nil && !protocol.IsRecoverable(err) {
			RecordError(ctx, err)
			SetSpanStatus(ctx, codes.Error, err.Error())
		}
	}
}

func (e *Engine) invalid(st *protocol.State, requested, reason string) error {
	return &protocol.InvalidTransitionError{
		Key:       st.Key(),
		Current:   st.CurrentPhase,
		Requested: requested,
		Status:    st.Status,
		Reason:    reason,
	}
}

// phaseOf returns the graph phase that owns the current phase of st, which
// is the ITERATIVE parent for a sub-phase.
func phaseOf(g *graph.Graph, st *protocol.State) (*graph.Phase, error) {
	id := st.CurrentPhase
	if st.ParentPhase != "" {
		id = st.ParentPhase
	}
	p, ok := g.Phase(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s is at unknown phase %q", protocol.ErrInconsistentState, st.Key(), id)
	}
	return p, nil
}

// locateBranch finds the PARALLEL phase holding branchID, preferring the
// current phase.
func locateBranch(st *protocol.State, branchID string) (string, error) {
	if _, ok := st.Branches[st.CurrentPhase][branchID]; ok {
		return st.CurrentPhase, nil
	}
	phases := make([]string, 0, len(st.Branches))
	for phase := range st.Branches {
		phases = append(phases, phase)
	}
	sort.Strings(phases)
	for _, phase := range phases {
		if _, ok := st.Branches[phase][branchID]; ok {
			return phase, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", branch.ErrBranchNotFound, branchID, st.Key())
}

func outcomeOf(s protocol.Status) Outcome {
	switch s {
	case protocol.StatusCompleted:
		return OutcomeCompleted
	case protocol.StatusFailed, protocol.StatusAbandoned:
		return OutcomeFailed
	case protocol.StatusHalted:
		return OutcomeHalted
	default:
		return OutcomeNext
	}
}

func statusReason(s protocol.Status) string {
	switch s {
	case protocol.StatusHalted:
		return "instance is halted; answer it to resume"
	case protocol.StatusInitialized:
		return "instance has not started"
	default:
		return fmt.Sprintf("instance is %s", s)
	}
}
