package mcp

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/vaultfill/internal/cli"
)

// Policy decides which packages an agent may start a fill for.
type Policy struct {
	Version         int      `yaml:"version"`
	DefaultAction   string   `yaml:"default_action"`
	DeniedPackages  []string `yaml:"denied_packages"`
	AllowedPackages []string `yaml:"allowed_packages"`
}

// PolicyFileName is the name of the policy file in the data directory.
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

const maxPolicySize = 64 << 10

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("MCP policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("MCP policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("MCP policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("MCP policy file not owned by current user")

// LoadPolicy loads the policy at path. The file is opened without following
// symlinks and every check runs on the open descriptor.
func LoadPolicy(path string) (*Policy, error) {
	f, err := openPolicyFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(io.LimitReader(f, maxPolicySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	if err := policy.ValidatePolicy(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// IsPackageAllowed evaluates denied_packages, then allowed_packages, then
// default_action. A nil policy denies everything.
func (p *Policy) IsPackageAllowed(pkg string) (allowed bool, reason string) {
	if p == nil {
		return false, "no MCP policy configured"
	}
	if pkg == "" {
		return false, "package is required"
	}
	for _, denied := range p.DeniedPackages {
		if cli.MatchAny([]string{denied}, pkg) {
			return false, fmt.Sprintf("package '%s' matches denied pattern '%s'", pkg, denied)
		}
	}
	if cli.MatchAny(p.AllowedPackages, pkg) {
		return true, ""
	}
	if p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("package '%s' not in allowed_packages list", pkg)
}

// ValidatePolicy validates the policy configuration
func (p *Policy) ValidatePolicy() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}
	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}
	if err := cli.ValidatePatterns(p.DeniedPackages); err != nil {
		return fmt.Errorf("denied_packages: %w", err)
	}
	if err := cli.ValidatePatterns(p.AllowedPackages); err != nil {
		return fmt.Errorf("allowed_packages: %w", err)
	}
	return nil
}
