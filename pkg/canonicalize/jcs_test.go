package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsNestedKeys(t *testing.T) {
	input := map[string]any{
		"target": map[string]any{"path": "/etc/hosts", "host": "db-1"},
		"action": "file.write",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"action":"file.write","target":{"host":"db-1","path":"/etc/hosts"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"rationale": "<risk> & <policy>"})
	require.NoError(t, err)
	assert.Equal(t, `{"rationale":"<risk> & <policy>"}`, string(b))
}

func TestJCS_NumberFormatting(t *testing.T) {
	b, err := JCS(map[string]any{"max_duration_ms": 30000.0, "likelihood": json.Number("0.250")})
	require.NoError(t, err)
	assert.Equal(t, `{"likelihood":0.25,"max_duration_ms":30000}`, string(b))
}

func TestCanonicalHash_StructAndMapAgree(t *testing.T) {
	type receipt struct {
		Result string `json:"result"`
		Reason string `json:"reason"`
	}
	h1, err := CanonicalHash(map[string]any{"reason": "kill_switch", "result": "BLOCKED"})
	require.NoError(t, err)
	h2, err := CanonicalHash(receipt{Result: "BLOCKED", Reason: "kill_switch"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestJCS_RejectsUnmarshalable(t *testing.T) {
	_, err := JCS(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}

func TestJCSString(t *testing.T) {
	s, err := JCSString(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, s)
}
