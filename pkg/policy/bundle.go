package policy

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-gate/pkg/config"
)

// Bundle is a versioned YAML collection of CEL checks, evaluated in file
// order.
type Bundle struct {
	config.BundleHeader `yaml:",inline"`
	Checks              []CELSpec `yaml:"checks"`
}

// ParseBundle decodes and compiles a YAML policy bundle.
func ParseBundle(data []byte) ([]Check, error) {
	var b Bundle
	if err := config.DecodeBundle(data, &b, &b.BundleHeader); err != nil {
		return nil, err
	}
	return b.compile()
}

// LoadBundle reads a YAML policy bundle from disk.
func LoadBundle(path string) ([]Check, error) {
	var b Bundle
	if err := config.ReadBundle(path, &b, &b.BundleHeader); err != nil {
		return nil, err
	}
	return b.compile()
}

func (b *Bundle) compile() ([]Check, error) {
	seen := make(map[string]bool, len(b.Checks))
	checks := make([]Check, 0, len(b.Checks))
	for _, spec := range b.Checks {
		if seen[spec.ID] {
			return nil, fmt.Errorf("policy bundle %q: duplicate check id %s", b.Name, spec.ID)
		}
		seen[spec.ID] = true
		c, err := NewCELCheck(spec)
		if err != nil {
			return nil, fmt.Errorf("policy bundle %q: %w", b.Name, err)
		}
		checks = append(checks, c)
	}
	return checks, nil
}
