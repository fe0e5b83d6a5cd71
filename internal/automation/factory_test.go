package automation_test

import (
	"testing"

	"github.com/provbot/provbot/internal/automation"
	"github.com/provbot/provbot/internal/automation/mock"
	"github.com/provbot/provbot/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunner_Mock(t *testing.T) {
	r, err := automation.NewRunner(config.AutomationConfig{Mode: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &mock.Runner{}, r)
}

func TestNewRunner_UnknownMode(t *testing.T) {
	_, err := automation.NewRunner(config.AutomationConfig{Mode: "selenium"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selenium")
}
