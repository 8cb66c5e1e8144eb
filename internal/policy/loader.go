package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	relayotel "github.com/relaycrm/relay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/policy")

// ResolvePathUnderBase resolves path relative to baseDir and guarantees the
// result stays under baseDir. Policy paths can arrive from tenant config, so
// traversal out of the policy directory must be impossible.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	pathAbs, err := filepath.Abs(filepath.Clean(full))
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil {
		return "", fmt.Errorf("policy path outside base directory")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("policy path outside base directory")
	}
	return pathAbs, nil
}

// Load reads and validates a relay.policy.yaml. baseDir confines the path;
// when empty the current working directory is used.
func Load(ctx context.Context, path, baseDir string) (*TenantPolicy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("policy base directory: %w", err)
		}
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", safePath, err)
	}

	var pol TenantPolicy
	if err := yaml.Unmarshal(content, &pol); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	if err := validate(&pol); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}

	pol.ComputeHash(content)
	applyDefaults(&pol)

	span.SetAttributes(attribute.String("policy.hash", pol.Hash))
	return &pol, nil
}

func validate(p *TenantPolicy) error {
	if q := p.Channels.QuietHours; q.Enabled {
		if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
			return fmt.Errorf("quiet hours must be within 0-23, got start=%d end=%d", q.StartHour, q.EndHour)
		}
	}
	seen := make(map[string]bool, len(p.Relevance.Criteria))
	for _, c := range p.Relevance.Criteria {
		if c.Name == "" {
			return fmt.Errorf("relevance criterion without a name")
		}
		if c.Expr == "" {
			return fmt.Errorf("relevance criterion %q has no expression", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate relevance criterion %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}
