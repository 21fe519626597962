// Package mcp implements the MCP (Model Context Protocol) server for vaultfill.
// Agents can classify forms and start a fill, but never receive credential
// values: phase 2 stays with the host.
package mcp

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/forest6511/vaultfill/pkg/audit"
	"github.com/forest6511/vaultfill/pkg/autofill"
)

// Version is reported to MCP clients.
var Version = "dev"

// Broker is the phase-1 half of *autofill.Broker.
type Broker interface {
	Fill(ctx context.Context, req autofill.FillRequest) *autofill.AuthRequest
}

// AuditLogger records policy refusals. *audit.Logger implements it.
type AuditLogger interface {
	LogDenied(op, source, pkg, reason string) error
}

// Server represents the MCP server for vaultfill.
type Server struct {
	server *mcp.Server
	broker Broker
	policy *Policy
	audit  AuditLogger
	log    *zap.Logger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// PolicyPath is the package policy file. A missing file leaves
	// autofill_request denied for every package.
	PolicyPath string

	// Audit, if set, receives a denied event for every refused package.
	Audit AuditLogger

	Logger *zap.Logger
}

// NewServer creates a new MCP server instance.
func NewServer(broker Broker, opts *ServerOptions) (*Server, error) {
	if broker == nil {
		return nil, errors.New("mcp: broker is required")
	}
	if opts == nil {
		opts = &ServerOptions{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var policy *Policy
	if opts.PolicyPath != "" {
		p, err := LoadPolicy(opts.PolicyPath)
		switch {
		case err == nil:
			policy = p
		case errors.Is(err, ErrPolicyNotFound):
			log.Info("no MCP policy, autofill_request disabled", zap.String("path", opts.PolicyPath))
		default:
			// Restricted mode rather than refusing to start.
			log.Warn("failed to load MCP policy", zap.Error(err))
		}
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: "vaultfill", Version: Version}, nil),
		broker: broker,
		policy: policy,
		audit:  opts.Audit,
		log:    log,
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "autofill_classify",
		Description: "Classify a window forest and return the field ids that would receive the username and password. Does NOT read the vault.",
	}, s.handleClassify)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "autofill_request",
		Description: "Start a fill for an allowed package. Returns a single-use token and the fillable field ids; the host redeems the token after the user authenticates. Does NOT return credential values.",
	}, s.handleRequest)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// auditDenied records a policy refusal. The reason text names the package,
// so only a fixed code goes to the audit log, which stores packages hashed.
func (s *Server) auditDenied(pkg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogDenied(audit.OpFillRequest, audit.SourceMCP, pkg, "policy"); err != nil {
		s.log.Warn("failed to write audit event", zap.Error(err))
	}
}
