package session

import (
	"context"
	"time"
)

// batteryPollInterval is how often a metrics-enabled session reports the
// device charge to its owner.
const batteryPollInterval = 10 * time.Second

// runBatteryPoller pushes batteryInfo events to the owner while the session
// runs. It stops with the session context; read failures are skipped, the
// next tick retries.
func (m *Manager) runBatteryPoller(ctx context.Context, s *Session) {
	ticker := time.NewTicker(batteryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		level, err := m.bus.BatteryLevel(readCtx, s.DeviceID)
		cancel()
		if err != nil {
			m.log.Debug("battery poll failed", "device", s.DeviceID, "error", err)
			continue
		}
		s.Owner.SendJSON(batteryInfoEvent{Type: "batteryInfo", Level: level})
	}
}
