package estop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSafetyConfigIsFailSafe(t *testing.T) {
	cfg := DefaultSafetyConfig()
	assert.True(t, cfg.HeartbeatCheckEnabled)
	assert.True(t, cfg.FailSafeOnFault)
	assert.True(t, cfg.AlarmOnActivation)
	assert.Equal(t, 1, cfg.MinimumButtonsRequired)
	assert.False(t, cfg.TestModeAllowed, "test mode must be opt-in")
	assert.NoError(t, cfg.Validate())
}

func TestSafetyConfigValidate(t *testing.T) {
	cfg := DefaultSafetyConfig()
	cfg.MinimumButtonsRequired = 0
	assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)
}
