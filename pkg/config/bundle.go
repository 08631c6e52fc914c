package config

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedBundleVersions is the schema range this build understands.
const SupportedBundleVersions = "^1.0.0"

var supportedBundles = semver.MustParse("1.0.0")

// BundleHeader is embedded by every YAML bundle (grants, policies).
type BundleHeader struct {
	SchemaVersion string `yaml:"schema_version" json:"schema_version"`
	Name          string `yaml:"name,omitempty" json:"name,omitempty"`
}

// CheckSchemaVersion rejects bundles outside SupportedBundleVersions.
func CheckSchemaVersion(v string) error {
	if v == "" {
		return fmt.Errorf("bundle schema_version is required")
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("bundle schema_version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(SupportedBundleVersions)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("bundle schema_version %s not supported (want %s, built against %s)", ver, SupportedBundleVersions, supportedBundles)
	}
	return nil
}

// DecodeBundle unmarshals YAML into out and validates the header version.
// header must point into out.
func DecodeBundle(data []byte, out any, header *BundleHeader) error {
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	return CheckSchemaVersion(header.SchemaVersion)
}

// ReadBundle reads a YAML bundle file. See DecodeBundle.
func ReadBundle(path string, out any, header *BundleHeader) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bundle %s: %w", path, err)
	}
	if err := DecodeBundle(data, out, header); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
