package covalue_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func setChange(t *testing.T, key string, value any) []json.RawMessage {
	t.Helper()
	v, err := json.Marshal(value)
	require.NoError(t, err)
	op, err := json.Marshal(map[string]any{"op": "set", "key": key, "value": json.RawMessage(v)})
	require.NoError(t, err)
	return []json.RawMessage{op}
}
