package automation

import (
	"fmt"

	"github.com/provbot/provbot/internal/automation/mock"
	"github.com/provbot/provbot/internal/config"
	"github.com/provbot/provbot/pkg/models"
)

// NewRunner constructs the automation backend based on config.
// Called once at server startup.
func NewRunner(cfg config.AutomationConfig) (models.AutomationRunner, error) {
	switch cfg.Mode {
	case "mock":
		return mock.NewRunner(cfg.StepDelay), nil
	default:
		return nil, fmt.Errorf("unknown automation mode %q: must be mock", cfg.Mode)
	}
}
