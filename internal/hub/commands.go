package hub

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
)

// navKeycodes maps the navAction keys to Android keycodes.
var navKeycodes = map[string]int{
	"back":       4,
	"home":       3,
	"recents":    187,
	"power":      26,
	"volumeUp":   24,
	"volumeDown": 25,
	"mute":       164,
}

// volumeOutputRe matches the volume report of both `media volume` and
// `cmd media_session volume`: "volume is 7 in range [0..15]".
var volumeOutputRe = regexp.MustCompile(`volume is (\d+) in range \[(\d+)\.\.(\d+)\]`)

// volumeGetCommand picks the per-version read command. Android 11 moved
// stream volume behind media_session.
func volumeGetCommand(androidMajor int) string {
	if androidMajor <= 10 {
		return "media volume --show --stream 3 --get"
	}
	return "cmd media_session volume --show --get"
}

func volumeSetCommand(androidMajor, level int) string {
	if androidMajor <= 10 {
		return fmt.Sprintf("media volume --show --stream 3 --set %d", level)
	}
	return fmt.Sprintf("cmd media_session volume --show --set %d", level)
}

// parseVolumeOutput extracts the current level and the device maximum.
func parseVolumeOutput(output string) (current, max int, err error) {
	match := volumeOutputRe.FindStringSubmatch(output)
	if match == nil {
		return 0, 0, errors.Errorf("no volume report in output %q", strings.TrimSpace(output))
	}
	fmt.Sscanf(match[1], "%d", &current)
	fmt.Sscanf(match[3], "%d", &max)
	if max == 0 {
		return 0, 0, errors.New("device reports zero max volume")
	}
	return current, max, nil
}

// percentToLevel maps a 0..100 request onto the device scale. 0 and 100 hit
// the exact bounds.
func percentToLevel(percent, max int) int {
	if percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return max
	}
	return int(math.Round(float64(percent) * float64(max) / 100.0))
}

func levelToPercent(level, max int) int {
	if max == 0 {
		return 0
	}
	return int(math.Round(float64(level) * 100.0 / float64(max)))
}

// deviceMaxVolume returns the cached volume ceiling, reading it from the
// device on first use.
func (h *Hub) deviceMaxVolume(ctx context.Context, deviceID string, androidMajor int) (int, error) {
	if max := h.bus.MaxMediaVolume(deviceID); max > 0 {
		return max, nil
	}
	out, err := h.bus.Shell(ctx, deviceID, volumeGetCommand(androidMajor))
	if err != nil {
		return 0, err
	}
	_, max, err := parseVolumeOutput(out)
	if err != nil {
		return 0, err
	}
	h.bus.SetMaxMediaVolume(deviceID, max)
	return max, nil
}

func (h *Hub) handleSetVolume(ctx context.Context, c session.Sink, cmd *command) {
	if cmd.Value == nil || *cmd.Value < 0 || *cmd.Value > 100 {
		h.respond(c, "volumeResponse", cmd.CommandID, fields{
			"success": false, "message": "value must be 0..100",
		})
		return
	}

	major, err := h.bus.AndroidMajor(ctx, cmd.DeviceID)
	if err != nil {
		h.respond(c, "volumeResponse", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}

	max, err := h.deviceMaxVolume(ctx, cmd.DeviceID, major)
	if err != nil {
		h.respond(c, "volumeResponse", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}

	level := percentToLevel(*cmd.Value, max)
	if _, err := h.bus.Shell(ctx, cmd.DeviceID, volumeSetCommand(major, level)); err != nil {
		h.respond(c, "volumeResponse", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}
	h.respond(c, "volumeResponse", cmd.CommandID, fields{
		"success": true, "value": *cmd.Value, "level": level, "max": max,
	})
}

func (h *Hub) handleGetVolume(ctx context.Context, c session.Sink, cmd *command) {
	major, err := h.bus.AndroidMajor(ctx, cmd.DeviceID)
	if err != nil {
		h.respond(c, "volumeInfo", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}

	out, err := h.bus.Shell(ctx, cmd.DeviceID, volumeGetCommand(major))
	if err != nil {
		h.respond(c, "volumeInfo", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}
	current, max, err := parseVolumeOutput(out)
	if err != nil {
		h.respond(c, "volumeInfo", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}
	h.bus.SetMaxMediaVolume(cmd.DeviceID, max)

	h.respond(c, "volumeInfo", cmd.CommandID, fields{
		"success": true, "value": levelToPercent(current, max), "level": current, "max": max,
	})
}

func (h *Hub) handleNavAction(ctx context.Context, c session.Sink, cmd *command) {
	keycode, ok := navKeycodes[cmd.Key]
	if !ok {
		h.respond(c, "navResponse", cmd.CommandID, fields{
			"success": false, "message": fmt.Sprintf("unknown nav key %q", cmd.Key),
		})
		return
	}

	if _, err := h.bus.Shell(ctx, cmd.DeviceID, fmt.Sprintf("input keyevent %d", keycode)); err != nil {
		h.respond(c, "navResponse", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}
	h.respond(c, "navResponse", cmd.CommandID, fields{"success": true, "key": cmd.Key})
}

// Wi-Fi polling bounds: state confirms within 10 tries, SSID resolution
// within 15, both at 500 ms.
const (
	wifiStatePollTries = 10
	wifiSSIDPollTries  = 15
	wifiPollInterval   = 500 * time.Millisecond
)

var wifiSSIDRe = regexp.MustCompile(`SSID:\s*"?([^",\n]+)"?`)

// parseWifiEnabled reads the enabled flag out of `dumpsys wifi`.
func parseWifiEnabled(output string) (bool, bool) {
	switch {
	case strings.Contains(output, "Wi-Fi is enabled"):
		return true, true
	case strings.Contains(output, "Wi-Fi is disabled"):
		return false, true
	case strings.Contains(output, "Wi-Fi is enabling"), strings.Contains(output, "Wi-Fi is disabling"):
		return false, false
	}
	return false, false
}

// parseWifiSSID extracts the connected network name, empty when the device
// is not associated.
func parseWifiSSID(output string) string {
	match := wifiSSIDRe.FindStringSubmatch(output)
	if match == nil {
		return ""
	}
	ssid := strings.TrimSpace(match[1])
	if ssid == "" || ssid == "<unknown ssid>" {
		return ""
	}
	return ssid
}

func (h *Hub) handleWifiToggle(ctx context.Context, c session.Sink, cmd *command) {
	if cmd.Enable == nil {
		h.respond(c, "wifiResponse", cmd.CommandID, fields{
			"success": false, "message": "enable flag is required",
		})
		return
	}
	enable := *cmd.Enable

	verb := "disable"
	if enable {
		verb = "enable"
	}
	if _, err := h.bus.Shell(ctx, cmd.DeviceID, "svc wifi "+verb); err != nil {
		h.respond(c, "wifiResponse", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}

	confirmed := false
	for i := 0; i < wifiStatePollTries; i++ {
		out, err := h.bus.ShellWithTimeout(ctx, cmd.DeviceID, "dumpsys wifi", 3*time.Second)
		if err == nil {
			if state, known := parseWifiEnabled(out); known && state == enable {
				confirmed = true
				break
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(wifiPollInterval):
		}
	}
	if !confirmed {
		h.respond(c, "wifiResponse", cmd.CommandID, fields{
			"success": false, "enabled": !enable,
			"message": "wifi state did not settle in time",
		})
		return
	}

	ssid := ""
	if enable {
		for i := 0; i < wifiSSIDPollTries; i++ {
			out, err := h.bus.ShellWithTimeout(ctx, cmd.DeviceID, "dumpsys wifi", 3*time.Second)
			if err == nil {
				if ssid = parseWifiSSID(out); ssid != "" {
					break
				}
			}
			select {
			case <-ctx.Done():
			case <-time.After(wifiPollInterval):
			}
		}
	}

	h.respond(c, "wifiResponse", cmd.CommandID, fields{
		"success": true, "enabled": enable, "ssid": ssid,
	})
}

func (h *Hub) handleGetWifiStatus(ctx context.Context, c session.Sink, cmd *command) {
	out, err := h.bus.Shell(ctx, cmd.DeviceID, "dumpsys wifi")
	if err != nil {
		h.respond(c, "wifiStatus", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}
	enabled, _ := parseWifiEnabled(out)
	h.respond(c, "wifiStatus", cmd.CommandID, fields{
		"success": true, "enabled": enabled, "ssid": parseWifiSSID(out),
	})
}

func (h *Hub) handleGetBattery(ctx context.Context, c session.Sink, cmd *command) {
	out, err := h.bus.Shell(ctx, cmd.DeviceID, "dumpsys battery")
	if err != nil {
		h.respond(c, "batteryInfo", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}
	level, err := adb.ParseBatteryLevel(out)
	if err != nil {
		h.respond(c, "batteryInfo", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}
	h.respond(c, "batteryInfo", cmd.CommandID, fields{"success": true, "level": level})
}

func (h *Hub) handleLaunchApp(ctx context.Context, c session.Sink, cmd *command) {
	if cmd.PackageName == "" {
		h.respond(c, "launchAppResponse", cmd.CommandID, fields{
			"success": false, "message": "packageName is required",
		})
		return
	}

	cmdline := fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", cmd.PackageName)
	out, err := h.bus.Shell(ctx, cmd.DeviceID, cmdline)
	if err != nil {
		h.respond(c, "launchAppResponse", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}
	// monkey reports injection failures on stdout with a zero exit
	if strings.Contains(out, "No activities found") || strings.Contains(out, "aborted") {
		h.respond(c, "launchAppResponse", cmd.CommandID, fields{
			"success": false, "message": strings.TrimSpace(out),
		})
		return
	}
	h.respond(c, "launchAppResponse", cmd.CommandID, fields{
		"success": true, "packageName": cmd.PackageName,
	})
}
