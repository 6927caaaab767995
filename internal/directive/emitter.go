package directive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/protocold/internal/artifact"
	"github.com/fyrsmithlabs/protocold/internal/graph"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/remediation"
	"github.com/fyrsmithlabs/protocold/internal/secrets"
	"github.com/fyrsmithlabs/protocold/internal/store"
)

// DefaultMaxContextBytes bounds each context value carried by a directive.
const DefaultMaxContextBytes = 16 * 1024

// Emitter errors.
var (
	ErrNotCommitted  = errors.New("directive requires a committed state")
	ErrGraphMismatch = errors.New("graph does not match protocol kind")
)

// idNamespace scopes directive ids. Ids are derived from the committed
// version so a resumed instance reproduces the id it had before a crash.
var idNamespace = uuid.MustParse("5b0a8c5e-3f0d-4c53-9a53-2b7c1d0e6f41")

// Emitter renders directives from committed state.
type Emitter struct {
	maxContextBytes int
	artifactRoot    string
	scrubber        secrets.Scrubber
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithMaxContextBytes sets the per-value context budget.
func WithMaxContextBytes(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.maxContextBytes = n
		}
	}
}

// WithArtifactRoot sets the root used to derive artifact paths.
func WithArtifactRoot(root string) Option {
	return func(e *Emitter) { e.artifactRoot = root }
}

// WithScrubber scrubs every context value and free-text reason.
func WithScrubber(s secrets.Scrubber) Option {
	return func(e *Emitter) { e.scrubber = s }
}

// NewEmitter creates an Emitter. Without a scrubber, payloads pass through
// unchanged.
func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		maxContextBytes: DefaultMaxContextBytes,
		scrubber:        secrets.NoopScrubber{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Render computes the directive for a committed snapshot. The result depends
// only on the snapshot and the graph.
func (e *Emitter) Render(c store.Committed, g *graph.Graph) (*Directive, error) {
	if !c.Valid() {
		return nil, ErrNotCommitted
	}
	st := c.State()
	if g == nil || g.Kind() != st.Kind {
		return nil, fmt.Errorf("%w: %s", ErrGraphMismatch, st.Kind)
	}

	d := &Directive{
		Kind:         st.Kind,
		SessionID:    st.SessionID,
		Completed:    append([]string{}, st.CompletedPhases...),
		StateVersion: st.Version,
		IssuedAt:     st.UpdatedAt,
		Gaps:         append([]protocol.Gap(nil), st.Gaps...),
	}

	switch st.Status {
	case protocol.StatusCompleted:
		d.Action = ActionComplete
	case protocol.StatusFailed, protocol.StatusAbandoned:
		d.Action = ActionFailed
		d.Phase = st.CurrentPhase
		d.Reason = e.scrubText(st.HaltReason)
	case protocol.StatusHalted:
		d.Action = ActionAwaitInput
		d.Phase = st.CurrentPhase
		d.Reason = e.scrubText(st.HaltReason)
	default:
		if err := e.renderPhase(d, st, g); err != nil {
			return nil, err
		}
	}
	d.ID = directiveID(st, d.Action)
	return d, nil
}

func (e *Emitter) renderPhase(d *Directive, st *protocol.State, g *graph.Graph) error {
	graphPhase := st.CurrentPhase
	if st.ParentPhase != "" {
		graphPhase = st.ParentPhase
	}
	p, ok := g.Phase(graphPhase)
	if !ok {
		return fmt.Errorf("%w: %s is at unknown phase %q", protocol.ErrInconsistentState, st.Key(), graphPhase)
	}

	d.Action = ActionExecutePhase
	d.Phase = st.CurrentPhase
	d.PhaseType = string(p.Type)
	d.Description = p.Description
	for _, s := range p.Steps {
		d.Steps = append(d.Steps, Step{ID: s.ID, Kind: s.Kind.Name, Description: s.Description})
	}

	if st.ParentPhase != "" {
		subs := st.Expansions[st.ParentPhase]
		for i, id := range subs {
			if id == st.CurrentPhase {
				d.Iteration = &Iteration{
					Parent: st.ParentPhase,
					Label:  strings.TrimPrefix(id, st.ParentPhase+"-"),
					Index:  i + 1,
					Total:  len(subs),
				}
				break
			}
		}
	}

	keys := append([]string(nil), p.Context...)
	switch {
	case p.Type == graph.Parallel:
		for _, b := range sortedBranches(st.Branches[p.ID]) {
			d.Branches = append(d.Branches, Branch{
				ID:        b.ID,
				Outcome:   b.Outcome,
				Kind:      p.BranchKind,
				SessionID: protocol.ChildSessionID(st.SessionID, b.ID),
			})
		}
		if len(d.PendingBranches()) > 0 {
			d.Action = ActionRunBranches
		} else {
			d.Action = ActionMerge
		}
	default:
		if parallel, ok := g.MergeOf(p.ID); ok {
			d.Action = ActionMerge
			keys = appendUnique(keys, parallel)
		}
	}

	e.attachContext(d, st, keys)

	if c := p.ContractFor(st.CurrentPhase); c != nil {
		ref := &ArtifactRef{
			Path:   artifact.Path(e.artifactRoot, st.SessionID, c.Producer),
			Marker: c.Marker,
		}
		for _, s := range c.Sections {
			ref.Sections = append(ref.Sections, s.Heading)
		}
		d.Artifact = ref
	}

	if limit, ok := remediationLimit(g, p.ID); ok {
		if guidance := remediation.GuidanceFor(st, p.ID, limit); guidance != nil {
			guidance.Reason = e.scrubText(guidance.Reason)
			for i, h := range guidance.History {
				guidance.History[i] = e.scrubText(h)
			}
			d.Remediation = guidance
		}
	}
	return nil
}

// attachContext copies the enumerated outputs into d in compact form, so the
// directive does not depend on how a backend formatted the stored JSON.
func (e *Emitter) attachContext(d *Directive, st *protocol.State, keys []string) {
	for _, k := range keys {
		raw, ok := st.Output(k)
		if !ok {
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err == nil {
			raw = compact.Bytes()
		}
		raw, _ = secrets.ScrubJSON(e.scrubber, raw)
		if len(raw) > e.maxContextBytes {
			cut := strings.ToValidUTF8(string(raw[:e.maxContextBytes]), "")
			raw, _ = json.Marshal(cut)
			d.Truncated = append(d.Truncated, k)
		}
		if d.Context == nil {
			d.Context = make(map[string]json.RawMessage, len(keys))
		}
		d.Context[k] = raw
	}
}

func (e *Emitter) scrubText(s string) string {
	if s == "" {
		return s
	}
	return e.scrubber.Scrub(s).Scrubbed
}

// remediationLimit returns the max_remediation of the phase that loops back
// to target, if any.
func remediationLimit(g *graph.Graph, target string) (int, bool) {
	for _, p := range g.Phases() {
		if p.Type == graph.Remediation && p.Target == target {
			return p.MaxRemediation, true
		}
	}
	return 0, false
}

func directiveID(st *protocol.State, a Action) string {
	name := strings.Join([]string{
		st.Kind, st.SessionID, strconv.FormatInt(st.Version, 10), st.CurrentPhase, string(a),
	}, "/")
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

func sortedBranches(m map[string]protocol.BranchState) []protocol.BranchState {
	out := make([]protocol.BranchState, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
