package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/branch"
	"github.com/fyrsmithlabs/protocold/internal/directive"
	"github.com/fyrsmithlabs/protocold/internal/engine"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// Protocols is the engine surface the tools call. *engine.Engine
// implements it.
type Protocols interface {
	Start(ctx context.Context, kind, sessionID string, initial json.RawMessage) (*engine.Result, error)
	Resume(ctx context.Context, kind, sessionID string) (*engine.Result, error)
	List(ctx context.Context, kind string) ([]protocol.Key, error)
	Advance(ctx context.Context, kind, sessionID string, req engine.AdvanceRequest) (*engine.Result, error)
	Halt(ctx context.Context, kind, sessionID, reason string) (*engine.Result, error)
	Answer(ctx context.Context, kind, sessionID string, answer json.RawMessage) (*engine.Result, error)
	Abandon(ctx context.Context, kind, sessionID, reason string) (*engine.Result, error)
	ReportBranch(ctx context.Context, kind, sessionID, branchID string, r branch.Report) (*engine.Result, error)
}

// Server is an MCP server that calls the engine directly.
type Server struct {
	mcp       *mcp.Server
	protocols Protocols
	renderer  directive.Renderer
	registry  *ToolRegistry
	metrics   *Metrics
	logger    *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "protocold")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	Logger *zap.Logger

	// Meter records tool metrics. Nil uses the global meter provider.
	Meter metric.Meter

	// Renderer formats the directive text returned by tools
	// (default: directive.MarkdownRenderer).
	Renderer directive.Renderer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:     "protocold",
		Version:  "1.0.0",
		Logger:   zap.NewNop(),
		Renderer: directive.MarkdownRenderer{},
	}
}

// NewServer creates an MCP server with every protocol tool registered.
func NewServer(cfg *Config, protocols Protocols) (*Server, error) {
	if protocols == nil {
		return nil, fmt.Errorf("protocols is required")
	}
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.Renderer == nil {
		cfg.Renderer = defaults.Renderer
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		protocols: protocols,
		renderer:  cfg.Renderer,
		registry:  NewToolRegistry(),
		metrics:   NewMetrics(cfg.Meter, cfg.Logger),
		logger:    cfg.Logger.Named("mcp"),
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Registry returns the tool registry.
func (s *Server) Registry() *ToolRegistry {
	return s.registry
}

// Run serves MCP on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session on transport. The caller waits on or closes
// the returned session.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}
