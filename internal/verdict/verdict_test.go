package verdict

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome(t *testing.T) {
	assert.True(t, Allowed.Permits())
	assert.True(t, Degraded.Permits())
	assert.False(t, Denied.Permits())
	assert.Equal(t, "unknown", Outcome(9).String())
}

func TestOutcome_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Outcome Outcome `json:"outcome"`
	}{Degraded})
	require.NoError(t, err)
	assert.JSONEq(t, `{"outcome":"degraded"}`, string(data))
}
