package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/branch"
	"github.com/fyrsmithlabs/protocold/internal/engine"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

type instanceInput struct {
	ProtocolKind string `json:"protocol_kind" jsonschema:"Protocol kind, e.g. research"`
	SessionID    string `json:"session_id" jsonschema:"Stable session or task identifier"`
}

type startInput struct {
	ProtocolKind string `json:"protocol_kind" jsonschema:"Protocol kind, e.g. research"`
	SessionID    string `json:"session_id" jsonschema:"Stable session or task identifier"`
	Context      any    `json:"context,omitempty" jsonschema:"Initial context object made available to every phase"`
}

type advanceInput struct {
	ProtocolKind string `json:"protocol_kind" jsonschema:"Protocol kind, e.g. research"`
	SessionID    string `json:"session_id" jsonschema:"Stable session or task identifier"`
	Phase        string `json:"phase" jsonschema:"Id of the phase that was just finished. Must be the current phase."`
	Output       any    `json:"output,omitempty" jsonschema:"Structured output of the phase"`
}

type haltInput struct {
	ProtocolKind string `json:"protocol_kind" jsonschema:"Protocol kind, e.g. research"`
	SessionID    string `json:"session_id" jsonschema:"Stable session or task identifier"`
	Reason       string `json:"reason" jsonschema:"Why the protocol needs external input"`
}

type answerInput struct {
	ProtocolKind string `json:"protocol_kind" jsonschema:"Protocol kind, e.g. research"`
	SessionID    string `json:"session_id" jsonschema:"Stable session or task identifier"`
	Answer       any    `json:"answer" jsonschema:"Answer to the halt. Becomes the output of the halted phase."`
}

type reportBranchInput struct {
	ProtocolKind string   `json:"protocol_kind" jsonschema:"Protocol kind, e.g. research"`
	SessionID    string   `json:"session_id" jsonschema:"Stable session or task identifier"`
	BranchID     string   `json:"branch_id" jsonschema:"Branch id from the run_branches directive"`
	Outcome      string   `json:"outcome" jsonschema:"succeeded or failed"`
	Artifact     string   `json:"artifact,omitempty" jsonschema:"Path of the artifact the branch wrote"`
	Findings     []string `json:"findings,omitempty" jsonschema:"Findings to merge across branches"`
	Reason       string   `json:"reason,omitempty" jsonschema:"Failure reason"`
}

type listInput struct {
	ProtocolKind string `json:"protocol_kind,omitempty" jsonschema:"Only list instances of this kind"`
}

type abandonInput struct {
	ProtocolKind string `json:"protocol_kind" jsonschema:"Protocol kind, e.g. research"`
	SessionID    string `json:"session_id" jsonschema:"Stable session or task identifier"`
	Reason       string `json:"reason,omitempty" jsonschema:"Why the instance is cancelled"`
}

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Search query or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Limit results to lifecycle, inspection, branches or search"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

// resultOutput summarizes an engine result. The full directive is returned
// as text content.
type resultOutput struct {
	ProtocolKind    string   `json:"protocol_kind"`
	SessionID       string   `json:"session_id"`
	Outcome         string   `json:"outcome" jsonschema:"next, halted, completed or failed"`
	Status          string   `json:"status"`
	CurrentPhase    string   `json:"current_phase,omitempty"`
	StateVersion    int64    `json:"state_version"`
	Action          string   `json:"action,omitempty" jsonschema:"What the executor must do next"`
	DirectiveID     string   `json:"directive_id,omitempty"`
	PendingBranches []string `json:"pending_branches,omitempty"`
	HaltReason      string   `json:"halt_reason,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

type listOutput struct {
	Instances []instanceRef `json:"instances"`
	Count     int           `json:"count"`
}

type instanceRef struct {
	ProtocolKind string `json:"protocol_kind"`
	SessionID    string `json:"session_id"`
}

type toolSearchOutput struct {
	Query   string          `json:"query"`
	Results []toolSearchHit `json:"results"`
	Count   int             `json:"count"`
	Total   int             `json:"total_tools"`
}

type toolSearchHit struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

// addTool registers h under meta and indexes meta for tool_search.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h func(context.Context, In) (*mcp.CallToolResult, Out, error)) error {
	if err := s.registry.Register(meta); err != nil {
		return err
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.track(ctx, meta.Name)
		res, out, err := h(ctx, in)
		done(err)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", meta.Name), zap.Error(err))
		}
		return res, out, err
	})
	return nil
}

func (s *Server) registerTools() error {
	regs := []func() error{
		func() error {
			return addTool(s, &ToolMetadata{
				Name:        "protocol_start",
				Description: "Start a protocol instance for a session and return the directive for its first phase.",
				Category:    CategoryLifecycle,
				Keywords:    []string{"create", "begin", "new"},
			}, s.handleStart)
		},
		func() error {
			return addTool(s, &ToolMetadata{
				Name:        "protocol_advance",
				Description: "Report that the current phase is finished and return the directive for the next step. Fails without changing state when the phase artifact is missing or malformed.",
				Category:    CategoryLifecycle,
				Keywords:    []string{"next", "complete", "phase"},
			}, s.handleAdvance)
		},
		func() error {
			return addTool(s, &ToolMetadata{
				Name:        "protocol_halt",
				Description: "Suspend an executing protocol until protocol_answer supplies the missing input.",
				Category:    CategoryLifecycle,
				Keywords:    []string{"pause", "suspend", "question"},
			}, s.handleHalt)
		},
		func() error {
			return addTool(s, &ToolMetadata{
				Name:        "protocol_answer",
				Description: "Resume a halted protocol. The answer becomes the output of the halted phase.",
				Category:    CategoryLifecycle,
				Keywords:    []string{"resume", "reply"},
			}, s.handleAnswer)
		},
		func() error {
			return addTool(s, &ToolMetadata{
				Name:        "protocol_status",
				Description: "Return the current directive of a protocol instance without changing it. Use after a restart to continue where the session left off.",
				Category:    CategoryInspection,
				Keywords:    []string{"resume", "directive", "state"},
			}, s.handleStatus)
		},
		func() error {
			return addTool(s, &ToolMetadata{
				Name:        "protocol_report_branch",
				Description: "Record the outcome of one branch of a parallel phase. The phase is merged when the last branch reports.",
				Category:    CategoryBranches,
				Keywords:    []string{"parallel", "merge", "fan-out"},
			}, s.handleReportBranch)
		},
		func() error {
			return addTool(s, &ToolMetadata{
				Name:        "protocol_list",
				Description: "List protocol instances, optionally of one kind.",
				Category:    CategoryInspection,
				Keywords:    []string{"sessions", "instances"},
			}, s.handleList)
		},
		func() error {
			return addTool(s, &ToolMetadata{
				Name:        "protocol_abandon",
				Description: "Cancel a protocol instance that is not finished.",
				Category:    CategoryLifecycle,
				Keywords:    []string{"cancel", "stop"},
			}, s.handleAbandon)
		},
		func() error {
			return addTool(s, &ToolMetadata{
				Name:        "tool_search",
				Description: "Search the protocol tools by name, description or keyword.",
				Category:    CategorySearch,
				Keywords:    []string{"discover", "find"},
			}, s.handleToolSearch)
		},
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleStart(ctx context.Context, in startInput) (*mcp.CallToolResult, resultOutput, error) {
	initial, err := rawJSON("context", in.Context)
	if err != nil {
		return nil, resultOutput{}, err
	}
	res, err := s.protocols.Start(ctx, in.ProtocolKind, in.SessionID, initial)
	return s.result(res, err)
}

func (s *Server) handleAdvance(ctx context.Context, in advanceInput) (*mcp.CallToolResult, resultOutput, error) {
	if in.Phase == "" {
		return nil, resultOutput{}, fmt.Errorf("phase is required")
	}
	output, err := rawJSON("output", in.Output)
	if err != nil {
		return nil, resultOutput{}, err
	}
	res, err := s.protocols.Advance(ctx, in.ProtocolKind, in.SessionID, engine.AdvanceRequest{Phase: in.Phase, Output: output})
	return s.result(res, err)
}

func (s *Server) handleHalt(ctx context.Context, in haltInput) (*mcp.CallToolResult, resultOutput, error) {
	res, err := s.protocols.Halt(ctx, in.ProtocolKind, in.SessionID, in.Reason)
	return s.result(res, err)
}

func (s *Server) handleAnswer(ctx context.Context, in answerInput) (*mcp.CallToolResult, resultOutput, error) {
	answer, err := rawJSON("answer", in.Answer)
	if err != nil {
		return nil, resultOutput{}, err
	}
	res, err := s.protocols.Answer(ctx, in.ProtocolKind, in.SessionID, answer)
	return s.result(res, err)
}

func (s *Server) handleStatus(ctx context.Context, in instanceInput) (*mcp.CallToolResult, resultOutput, error) {
	res, err := s.protocols.Resume(ctx, in.ProtocolKind, in.SessionID)
	return s.result(res, err)
}

func (s *Server) handleReportBranch(ctx context.Context, in reportBranchInput) (*mcp.CallToolResult, resultOutput, error) {
	res, err := s.protocols.ReportBranch(ctx, in.ProtocolKind, in.SessionID, in.BranchID, branch.Report{
		Outcome:  protocol.Outcome(in.Outcome),
		Artifact: in.Artifact,
		Findings: in.Findings,
		Reason:   in.Reason,
	})
	return s.result(res, err)
}

func (s *Server) handleAbandon(ctx context.Context, in abandonInput) (*mcp.CallToolResult, resultOutput, error) {
	res, err := s.protocols.Abandon(ctx, in.ProtocolKind, in.SessionID, in.Reason)
	return s.result(res, err)
}

func (s *Server) handleList(ctx context.Context, in listInput) (*mcp.CallToolResult, listOutput, error) {
	keys, err := s.protocols.List(ctx, in.ProtocolKind)
	if err != nil {
		return nil, listOutput{}, err
	}
	out := listOutput{Instances: make([]instanceRef, 0, len(keys)), Count: len(keys)}
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		out.Instances = append(out.Instances, instanceRef{ProtocolKind: k.Kind, SessionID: k.SessionID})
		lines = append(lines, k.String())
	}
	text := fmt.Sprintf("%d protocol instance(s)", len(keys))
	if len(lines) > 0 {
		text += ":\n" + strings.Join(lines, "\n")
	}
	return textResult(text, false), out, nil
}

func (s *Server) handleToolSearch(_ context.Context, in toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, toolSearchOutput{}, fmt.Errorf("query is required")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	hits := s.registry.Search(in.Query, ToolCategory(in.Category))
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := toolSearchOutput{Query: in.Query, Results: make([]toolSearchHit, 0, len(hits)), Total: s.registry.Count()}
	names := make([]string, 0, len(hits))
	for _, h := range hits {
		out.Results = append(out.Results, toolSearchHit{
			Name:        h.Tool.Name,
			Description: h.Tool.Description,
			Category:    string(h.Tool.Category),
			Score:       h.Score,
			MatchReason: h.MatchReason,
		})
		names = append(names, h.Tool.Name)
	}
	out.Count = len(out.Results)
	return textResult(fmt.Sprintf("Found %d tool(s): %s", out.Count, strings.Join(names, ", ")), false), out, nil
}

// result converts an engine result. A failure that still persisted a result,
// such as a parallel phase without enough successful branches, is returned
// as an error result that carries the new state.
func (s *Server) result(res *engine.Result, err error) (*mcp.CallToolResult, resultOutput, error) {
	if res == nil {
		if err == nil {
			err = fmt.Errorf("engine returned no result")
		}
		return nil, resultOutput{}, err
	}

	out := summarize(res)
	text, rerr := s.render(res)
	if rerr != nil {
		return nil, resultOutput{}, rerr
	}
	if err != nil {
		return textResult(err.Error()+"\n\n"+text, true), out, nil
	}
	return textResult(text, false), out, nil
}

func (s *Server) render(res *engine.Result) (string, error) {
	if res.Directive == nil {
		return fmt.Sprintf("%s/%s is %s", res.State.Kind, res.State.SessionID, res.State.Status), nil
	}
	b, err := s.renderer.Render(res.Directive)
	if err != nil {
		return "", fmt.Errorf("rendering directive: %w", err)
	}
	return string(b), nil
}

func summarize(res *engine.Result) resultOutput {
	st := res.State
	out := resultOutput{
		ProtocolKind: st.Kind,
		SessionID:    st.SessionID,
		Outcome:      string(res.Outcome),
		Status:       string(st.Status),
		CurrentPhase: st.CurrentPhase,
		StateVersion: st.Version,
		HaltReason:   st.HaltReason,
	}
	if d := res.Directive; d != nil {
		out.Action = string(d.Action)
		out.DirectiveID = d.ID
		out.PendingBranches = d.PendingBranches()
	}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, w.Error())
	}
	return out
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

// rawJSON re-encodes a decoded tool argument for the engine.
func rawJSON(field string, v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", engine.ErrInvalidInput, field, err)
	}
	return b, nil
}
