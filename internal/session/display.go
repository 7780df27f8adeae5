package session

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/util"
)

// rotationState is the pair of settings the taskbar and rotation commands
// overwrite. Recorded before the first overwrite so cleanup can restore the
// user's configuration.
type rotationState struct {
	UserRotation          string
	AccelerometerRotation string
}

// RotationCache remembers pre-session rotation settings per device.
type RotationCache struct {
	mu sync.Mutex
	m  map[string]rotationState
}

func NewRotationCache() *RotationCache {
	return &RotationCache{m: make(map[string]rotationState)}
}

// Record stores the state for a device unless one is already held; the
// first recording wins so repeated rotations restore the original values.
func (c *RotationCache) Record(deviceID string, state rotationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[deviceID]; !ok {
		c.m[deviceID] = state
	}
}

// Take removes and returns the recorded state.
func (c *RotationCache) Take(deviceID string) (rotationState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.m[deviceID]
	if ok {
		delete(c.m, deviceID)
	}
	return state, ok
}

// DisplayEntry is one display reported by the device server's list mode.
type DisplayEntry struct {
	ID         int    `json:"id"`
	Resolution string `json:"resolution"`
}

var displayLineRe = regexp.MustCompile(`--display-id=(\d+)\s*\(([^)]+)\)`)

// parseDisplayList extracts display entries from the device server's
// list-mode output.
func parseDisplayList(output string) []DisplayEntry {
	var entries []DisplayEntry
	for _, match := range displayLineRe.FindAllStringSubmatch(output, -1) {
		id, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		entries = append(entries, DisplayEntry{ID: id, Resolution: match[2]})
	}
	return entries
}

// ListDisplays pushes the server jar if needed and runs it in list mode
// under a fresh scid.
func (m *Manager) ListDisplays(ctx context.Context, deviceID string) ([]DisplayEntry, error) {
	if err := m.pushServer(ctx, deviceID); err != nil {
		return nil, err
	}

	cmdline := fmt.Sprintf(
		"CLASSPATH=%s app_process / com.genymobile.scrcpy.Server %s scid=%s list_displays=true",
		m.jarRemote, m.serverVersion, util.FormatScid(util.NewScid()))
	output, err := m.bus.Shell(ctx, deviceID, cmdline)
	if err != nil && output == "" {
		return nil, errors.Wrap(err, "list displays")
	}
	return parseDisplayList(output), nil
}

// magicDPI derives the density cap for native taskbar mode from the flipped
// height. The formula rounds before clamping and only ever pulls the
// requested DPI down; that asymmetry is intentional and load-bearing for
// existing device profiles.
func magicDPI(flippedHeight int) int {
	return int(math.Round(float64(flippedHeight) / 600.0 * 160.0))
}

// applyDisplayMode runs the per-mode device preconditions before the server
// spawns. It records what it changed on the session so teardown can roll
// back.
func (m *Manager) applyDisplayMode(ctx context.Context, s *Session) error {
	switch s.Req.DisplayMode {
	case DisplayOverlay:
		return m.applyOverlay(ctx, s)
	case DisplayNativeTaskbar:
		return m.applyNativeTaskbar(ctx, s)
	default:
		return nil
	}
}

// applyOverlay creates an overlay display and discovers its id by listing
// displays before and after. The id feeds the server's display_id option.
func (m *Manager) applyOverlay(ctx context.Context, s *Session) error {
	if s.Req.Resolution == "" || s.Req.DPI == "" {
		return errors.New("overlay mode requires resolution and dpi")
	}

	m.deviceLock.LockKey(s.DeviceID)
	defer m.deviceLock.UnlockKey(s.DeviceID)

	before, err := m.ListDisplays(ctx, s.DeviceID)
	if err != nil {
		return errors.Wrap(err, "overlay: baseline display list")
	}
	known := make(map[int]bool, len(before))
	for _, entry := range before {
		known[entry.ID] = true
	}

	setting := fmt.Sprintf("%s/%s", s.Req.Resolution, s.Req.DPI)
	if _, err := m.bus.Shell(ctx, s.DeviceID,
		"settings put global overlay_display_devices "+setting); err != nil {
		return errors.Wrap(err, "overlay: create display")
	}
	s.mu.Lock()
	s.overlayApplied = true
	s.mu.Unlock()

	// the new display takes a moment to register
	for attempt := 0; attempt < 5; attempt++ {
		after, err := m.ListDisplays(ctx, s.DeviceID)
		if err == nil {
			for _, entry := range after {
				if !known[entry.ID] {
					s.setOverlayDisplayID(entry.ID)
					m.log.Info("overlay display created",
						"device", s.DeviceID, "displayId", entry.ID, "spec", setting)
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return errors.New("overlay: new display did not appear")
}

// applyNativeTaskbar reshapes the main display into a flipped landscape
// desktop: W/H swapped, density capped by the magic-DPI formula, rotation
// pinned. The prior rotation settings go into the cache for restore.
func (m *Manager) applyNativeTaskbar(ctx context.Context, s *Session) error {
	if s.Req.Resolution == "" {
		return errors.New("native taskbar mode requires resolution")
	}

	width, height, err := parseResolution(s.Req.Resolution)
	if err != nil {
		return err
	}
	flippedW, flippedH := height, width

	dpi := magicDPI(flippedH)
	if s.Req.DPI != "" {
		if requested, err := strconv.Atoi(strings.TrimSpace(s.Req.DPI)); err == nil && requested < dpi {
			dpi = requested
		}
	}

	m.deviceLock.LockKey(s.DeviceID)
	defer m.deviceLock.UnlockKey(s.DeviceID)

	userRot, _ := m.bus.Shell(ctx, s.DeviceID, "settings get system user_rotation")
	accelRot, _ := m.bus.Shell(ctx, s.DeviceID, "settings get system accelerometer_rotation")
	m.rotation.Record(s.DeviceID, rotationState{
		UserRotation:          strings.TrimSpace(userRot),
		AccelerometerRotation: strings.TrimSpace(accelRot),
	})

	steps := []string{
		"settings put system accelerometer_rotation 0",
		"settings put system user_rotation 1",
		fmt.Sprintf("wm size %dx%d", flippedW, flippedH),
		fmt.Sprintf("wm density %d", dpi),
	}
	for _, step := range steps {
		if _, err := m.bus.Shell(ctx, s.DeviceID, step); err != nil {
			m.cleanupNativeTaskbar(ctx, s.DeviceID)
			return errors.Wrapf(err, "native taskbar: %s", step)
		}
	}

	s.mu.Lock()
	s.taskbarApplied = true
	s.mu.Unlock()
	m.log.Info("native taskbar applied",
		"device", s.DeviceID, "size", fmt.Sprintf("%dx%d", flippedW, flippedH), "dpi", dpi)
	return nil
}

// rollbackDisplayMode undoes whatever applyDisplayMode changed. Safe to call
// when nothing was applied.
func (m *Manager) rollbackDisplayMode(ctx context.Context, s *Session) {
	s.mu.Lock()
	overlay, taskbar := s.overlayApplied, s.taskbarApplied
	s.overlayApplied, s.taskbarApplied = false, false
	s.mu.Unlock()

	if overlay {
		m.removeOverlay(ctx, s.DeviceID)
	}
	if taskbar {
		m.cleanupNativeTaskbar(ctx, s.DeviceID)
	}
}

func (m *Manager) removeOverlay(ctx context.Context, deviceID string) {
	if _, err := m.bus.Shell(ctx, deviceID,
		"settings put global overlay_display_devices none"); err != nil {
		m.log.Warn("overlay cleanup failed", "device", deviceID, "error", err)
	}
}

func (m *Manager) cleanupNativeTaskbar(ctx context.Context, deviceID string) {
	for _, step := range []string{"wm size reset", "wm density reset"} {
		if _, err := m.bus.Shell(ctx, deviceID, step); err != nil {
			m.log.Warn("taskbar cleanup step failed",
				"device", deviceID, "step", step, "error", err)
		}
	}
	m.restoreRotation(ctx, deviceID)
}

// restoreRotation writes the cached rotation settings back, if any were
// recorded.
func (m *Manager) restoreRotation(ctx context.Context, deviceID string) {
	state, ok := m.rotation.Take(deviceID)
	if !ok {
		return
	}
	if state.UserRotation != "" && state.UserRotation != "null" {
		m.bus.Shell(ctx, deviceID, "settings put system user_rotation "+state.UserRotation)
	}
	if state.AccelerometerRotation != "" && state.AccelerometerRotation != "null" {
		m.bus.Shell(ctx, deviceID, "settings put system accelerometer_rotation "+state.AccelerometerRotation)
	}
}

// SetOverlay applies an overlay display outside a session, for the
// adbCommand surface.
func (m *Manager) SetOverlay(ctx context.Context, deviceID, resolution, dpi string) error {
	m.deviceLock.LockKey(deviceID)
	defer m.deviceLock.UnlockKey(deviceID)
	_, err := m.bus.Shell(ctx, deviceID,
		fmt.Sprintf("settings put global overlay_display_devices %s/%s", resolution, dpi))
	return err
}

// SetWmSize forces the main display size.
func (m *Manager) SetWmSize(ctx context.Context, deviceID, resolution string) error {
	m.deviceLock.LockKey(deviceID)
	defer m.deviceLock.UnlockKey(deviceID)
	_, err := m.bus.Shell(ctx, deviceID, "wm size "+resolution)
	return err
}

// SetWmDensity forces the main display density.
func (m *Manager) SetWmDensity(ctx context.Context, deviceID, dpi string) error {
	m.deviceLock.LockKey(deviceID)
	defer m.deviceLock.UnlockKey(deviceID)
	_, err := m.bus.Shell(ctx, deviceID, "wm density "+dpi)
	return err
}

// RotateScreen advances user_rotation by a quarter turn, recording the prior
// settings so CleanupAdb can restore them.
func (m *Manager) RotateScreen(ctx context.Context, deviceID string) (int, error) {
	m.deviceLock.LockKey(deviceID)
	defer m.deviceLock.UnlockKey(deviceID)

	userRot, err := m.bus.Shell(ctx, deviceID, "settings get system user_rotation")
	if err != nil {
		return 0, err
	}
	accelRot, _ := m.bus.Shell(ctx, deviceID, "settings get system accelerometer_rotation")
	m.rotation.Record(deviceID, rotationState{
		UserRotation:          strings.TrimSpace(userRot),
		AccelerometerRotation: strings.TrimSpace(accelRot),
	})

	current, _ := strconv.Atoi(strings.TrimSpace(userRot))
	next := (current + 1) % 4

	if _, err := m.bus.Shell(ctx, deviceID, "settings put system accelerometer_rotation 0"); err != nil {
		return 0, err
	}
	if _, err := m.bus.Shell(ctx, deviceID,
		fmt.Sprintf("settings put system user_rotation %d", next)); err != nil {
		return 0, err
	}
	return next, nil
}

// CleanupAdb runs the full inverse set: overlay removal, wm resets and
// rotation restore.
func (m *Manager) CleanupAdb(ctx context.Context, deviceID string) {
	m.deviceLock.LockKey(deviceID)
	defer m.deviceLock.UnlockKey(deviceID)

	m.removeOverlay(ctx, deviceID)
	for _, step := range []string{"wm size reset", "wm density reset"} {
		if _, err := m.bus.Shell(ctx, deviceID, step); err != nil {
			m.log.Warn("cleanup step failed", "device", deviceID, "step", step, "error", err)
		}
	}
	m.restoreRotation(ctx, deviceID)
}
