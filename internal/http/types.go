package http

import (
	"encoding/json"

	"github.com/fyrsmithlabs/protocold/internal/directive"
	"github.com/fyrsmithlabs/protocold/internal/engine"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/telemetry"
)

// StartRequest is the request body for POST /v1/protocols/:kind/:session.
type StartRequest struct {
	Context json.RawMessage `json:"context,omitempty"`
}

// AdvanceRequest is the request body for POST .../advance.
type AdvanceRequest struct {
	Phase  string          `json:"phase"`
	Output json.RawMessage `json:"output,omitempty"`
}

// HaltRequest is the request body for POST .../halt and DELETE
// /v1/protocols/:kind/:session.
type HaltRequest struct {
	Reason string `json:"reason"`
}

// AnswerRequest is the request body for POST .../answer.
type AnswerRequest struct {
	Answer json.RawMessage `json:"answer"`
}

// BranchRequest is the request body for POST .../branches/:branch.
type BranchRequest struct {
	Outcome  protocol.Outcome `json:"outcome"`
	Artifact string           `json:"artifact,omitempty"`
	Findings []string         `json:"findings,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// ResultResponse is returned by every state-changing endpoint. Error is set
// when the operation persisted a result and still failed, e.g. a parallel
// phase that did not collect enough successful branches.
type ResultResponse struct {
	Outcome   engine.Outcome       `json:"outcome"`
	State     *protocol.State      `json:"state"`
	Directive *directive.Directive `json:"directive,omitempty"`
	Warnings  []string             `json:"warnings,omitempty"`
	Error     *ErrorResponse       `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Path is the artifact the request was blocked on.
	Path     string   `json:"path,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// ListResponse is the response body for GET /v1/protocols.
type ListResponse struct {
	Instances []protocol.Key `json:"instances"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Kinds     []string                `json:"kinds,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

func newResultResponse(res *engine.Result) ResultResponse {
	out := ResultResponse{
		Outcome:   res.Outcome,
		State:     res.State,
		Directive: res.Directive,
	}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, w.Error())
	}
	return out
}
