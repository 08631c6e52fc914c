package authority

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-gate/pkg/config"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// GrantBundle is the YAML form grants are shipped in by the issuing
// collaborator.
type GrantBundle struct {
	config.BundleHeader `yaml:",inline"`
	Grants              []contracts.AuthorityGrant `yaml:"grants"`
}

// ParseGrantBundle decodes and version-checks a YAML grant bundle.
func ParseGrantBundle(data []byte) (*GrantBundle, error) {
	var b GrantBundle
	if err := config.DecodeBundle(data, &b, &b.BundleHeader); err != nil {
		return nil, err
	}
	if err := validateBundle(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// LoadGrantBundle reads a YAML grant bundle from disk.
func LoadGrantBundle(path string) (*GrantBundle, error) {
	var b GrantBundle
	if err := config.ReadBundle(path, &b, &b.BundleHeader); err != nil {
		return nil, err
	}
	if err := validateBundle(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

func validateBundle(b *GrantBundle) error {
	seen := make(map[string]bool, len(b.Grants))
	for _, g := range b.Grants {
		if g.GrantID == "" {
			return fmt.Errorf("grant bundle: grant without grant_id")
		}
		if seen[g.GrantID] {
			return fmt.Errorf("grant bundle: duplicate grant_id %s", g.GrantID)
		}
		seen[g.GrantID] = true
	}
	return nil
}

// Install writes every grant into w. Grants that already exist are skipped.
func (b *GrantBundle) Install(ctx context.Context, w GrantWriter) (int, error) {
	n := 0
	for _, g := range b.Grants {
		err := w.Put(ctx, g)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrGrantExists):
		default:
			return n, fmt.Errorf("install grant %s: %w", g.GrantID, err)
		}
	}
	return n, nil
}
