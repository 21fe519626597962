package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/forest6511/vaultfill/pkg/autofill"
	"github.com/forest6511/vaultfill/pkg/classify"
)

// ClassifyInput represents the input for autofill_classify tool. Windows is
// left untyped because the node type is recursive; see parseWindows.
type ClassifyInput struct {
	Windows []any `json:"windows"`
}

// ClassifyOutput represents the output for autofill_classify tool.
type ClassifyOutput struct {
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	FieldIDs []string `json:"field_ids"`
	Empty    bool     `json:"empty"`
}

// RequestInput represents the input for autofill_request tool.
type RequestInput struct {
	Package string `json:"package"`
	Windows []any  `json:"windows"`
}

// RequestOutput represents the output for autofill_request tool.
type RequestOutput struct {
	Offered   bool              `json:"offered"`
	Token     string            `json:"token,omitempty"`
	FieldIDs  []string          `json:"field_ids,omitempty"`
	Roles     map[string]string `json:"roles,omitempty"`
	ExpiresAt string            `json:"expires_at,omitempty"`
}

// handleClassify implements the autofill_classify tool.
func (s *Server) handleClassify(_ context.Context, _ *mcp.CallToolRequest, input ClassifyInput) (*mcp.CallToolResult, ClassifyOutput, error) {
	windows, err := parseWindows(input.Windows)
	if err != nil {
		return nil, ClassifyOutput{}, err
	}
	result := classify.Classify(classify.Nodes(windows))

	out := ClassifyOutput{FieldIDs: result.FieldIDs(), Empty: result.Empty()}
	if out.FieldIDs == nil {
		out.FieldIDs = []string{}
	}
	out.Username, _ = result.Get(classify.Username)
	out.Password, _ = result.Get(classify.Password)
	return nil, out, nil
}

// handleRequest implements the autofill_request tool. A refused package is
// an error; anything else the broker declines is a plain "not offered".
func (s *Server) handleRequest(ctx context.Context, _ *mcp.CallToolRequest, input RequestInput) (*mcp.CallToolResult, RequestOutput, error) {
	if allowed, reason := s.policy.IsPackageAllowed(input.Package); !allowed {
		s.log.Info("autofill_request refused by policy", zap.String("reason", reason))
		s.auditDenied(input.Package)
		return nil, RequestOutput{}, fmt.Errorf("policy denied: %s", reason)
	}

	windows, err := parseWindows(input.Windows)
	if err != nil {
		return nil, RequestOutput{}, err
	}

	auth := s.broker.Fill(ctx, autofill.FillRequest{
		Package:  input.Package,
		Contexts: []autofill.FillContext{{Windows: windows}},
	})
	if auth == nil {
		return nil, RequestOutput{}, nil
	}

	return nil, RequestOutput{
		Offered:   true,
		Token:     auth.Token,
		FieldIDs:  auth.FieldIDs,
		Roles:     auth.Roles,
		ExpiresAt: auth.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}

// parseWindows re-decodes the generic JSON the SDK produced into fields.
func parseWindows(raw []any) ([]*classify.Field, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid windows: %w", err)
	}
	windows, err := classify.ParseForest(data)
	if err != nil {
		return nil, fmt.Errorf("invalid windows: %w", err)
	}
	return windows, nil
}
