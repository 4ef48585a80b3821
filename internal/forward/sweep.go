package forward

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// StartIdleSweep closes idle upstream connections on the given cron schedule
// (standard five-field syntax or descriptors such as "@every 5m"). The caller
// stops the returned scheduler.
func StartIdleSweep(f Factory, spec string, logger *slog.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		f.CloseIdle()
		logger.Debug("idle upstream connections closed")
	}); err != nil {
		return nil, fmt.Errorf("idle sweep %q: %w", spec, err)
	}
	c.Start()
	logger.Info("idle connection sweep scheduled", "schedule", spec)
	return c, nil
}
