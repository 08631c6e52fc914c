package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything", true},
		{"file.write", "file.write", true},
		{"file.write", "FILE.WRITE", true},
		{"file.write", "file.read", false},
		{"/srv/app/**", "/srv/app", true},
		{"/srv/app/**", "/srv/app/config/x.yaml", true},
		{"/srv/app/**", "/srv/application", false},
		{"/srv/app/**", "/srv", false},
		{"file.*", "file.write", true},
		{"file.*", "file.write.batch", true},
		{"file.*", "file", false},
		{"file.*", "filesystem.mount", false},
		{"FILE.*", "file.read", true},
		// NFC: "é" as one code point vs "e" + combining acute.
		{"café", "café", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPattern(tc.pattern, tc.value), "%q vs %q", tc.pattern, tc.value)
	}
}

func TestScopeContains(t *testing.T) {
	parent := contracts.Scope{
		ActionTypes:  []string{"file.write", "file.read"},
		Environments: []string{"staging"},
		Targets:      []string{"/srv/app/**"},
	}

	assert.True(t, ScopeContains(parent, contracts.Scope{
		ActionTypes:  []string{"file.write"},
		Environments: []string{"staging"},
		Targets:      []string{"/srv/app/config/**", "/srv/app/x"},
	}))

	assert.False(t, ScopeContains(parent, contracts.Scope{
		ActionTypes:  []string{"file.delete"},
		Environments: []string{"staging"},
		Targets:      []string{"/srv/app/x"},
	}), "new action type widens")

	assert.False(t, ScopeContains(parent, contracts.Scope{
		ActionTypes:  []string{"file.write"},
		Environments: []string{"*"},
		Targets:      []string{"/srv/app/x"},
	}), "wildcard environment widens")

	assert.False(t, ScopeContains(parent, contracts.Scope{
		ActionTypes:  []string{"file.write"},
		Environments: []string{"staging"},
	}), "dropping targets means any target")

	assert.False(t, ScopeContains(parent, contracts.Scope{
		ActionTypes:  []string{"file.write"},
		Environments: []string{"staging"},
		Targets:      []string{"/srv/**"},
	}), "broader subtree widens")

	assert.True(t, ScopeContains(contracts.Scope{ActionTypes: []string{"*"}, Environments: []string{"*"}}, parent))
}

func TestScopeCovers(t *testing.T) {
	s := contracts.Scope{
		ActionTypes:  []string{"file.write"},
		Environments: []string{"staging"},
		Targets:      []string{"/srv/app/**"},
	}
	assert.True(t, ScopeCovers(s, "file.write", "staging", "/srv/app/a"))
	assert.False(t, ScopeCovers(s, "file.write", "production", "/srv/app/a"))
	assert.False(t, ScopeCovers(s, "file.write", "staging", ""))
	assert.False(t, ScopeCovers(contracts.Scope{}, "file.write", "staging", ""), "empty scope covers nothing")
}

func TestPatternCovers(t *testing.T) {
	cases := []struct {
		parent, child string
		want          bool
	}{
		{"file.*", "file.write", true},
		{"file.*", "file.*", true},
		{"file.*", "file.write.*", true},
		{"file.*", "file", false},
		{"file.*", "*", false},
		{"file.write.*", "file.*", false},
		{"file.*", "filesystem.*", false},
		{"file.write", "file.*", false},
		{"file.*", "file.tmp/**", true},
		{"file/**", "file.*", false},
		{"/srv/**", "/srv/app.*", true},
		{"/srv/**", "/srv.*", false},
		{"*", "file.*", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, patternCovers(tc.parent, tc.child), "%q covers %q", tc.parent, tc.child)
	}
}

func TestActionFamilyScope(t *testing.T) {
	root := contracts.Scope{ActionTypes: []string{"*"}, Environments: []string{"*"}}
	family := contracts.Scope{ActionTypes: []string{"file.*"}, Environments: []string{"staging"}}

	assert.True(t, ScopeContains(root, family))
	assert.True(t, ScopeCovers(family, "file.write", "staging", ""))
	assert.True(t, ScopeCovers(family, "file.delete", "staging", ""))
	assert.False(t, ScopeCovers(family, "db.migrate", "staging", ""))
	assert.False(t, ScopeContains(family, contracts.Scope{ActionTypes: []string{"*"}, Environments: []string{"staging"}}))
}
