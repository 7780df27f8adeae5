package adb

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DeviceState mirrors the state column of `adb devices`.
type DeviceState string

const (
	StateOnline       DeviceState = "device"
	StateUnauthorized DeviceState = "unauthorized"
	StateOffline      DeviceState = "offline"
)

// Device is one row of the device list.
type Device struct {
	ID    string      `json:"id"`
	State DeviceState `json:"state"`
	Model string      `json:"model,omitempty"`
}

// List enumerates attached devices in every state.
func (b *Bus) List(ctx context.Context) ([]Device, error) {
	if err := b.guard(ctx); err != nil {
		return nil, err
	}

	// devices is not device-scoped, so it skips the -s wrapper
	cmd := exec.CommandContext(ctx, b.path, "devices", "-l")
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "adb devices")
	}
	return parseDeviceList(string(output)), nil
}

// parseDeviceList parses `adb devices -l` output. The first line is the
// header; remaining lines are `<serial> <state> [key:value ...]`.
func parseDeviceList(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		dev := Device{ID: fields[0], State: DeviceState(fields[1])}
		for _, field := range fields[2:] {
			if model, ok := strings.CutPrefix(field, "model:"); ok {
				dev.Model = strings.ReplaceAll(model, "_", " ")
			}
		}
		devices = append(devices, dev)
	}
	return devices
}

// AndroidMajor returns the device's Android major version, cached after the
// first read. The audio capability check and the volume command selection
// both key off it.
func (b *Bus) AndroidMajor(ctx context.Context, deviceID string) (int, error) {
	b.mu.Lock()
	if entry, ok := b.cache[deviceID]; ok && entry.androidMajor != 0 {
		major := entry.androidMajor
		b.mu.Unlock()
		return major, nil
	}
	b.mu.Unlock()

	out, err := b.Shell(ctx, deviceID, "getprop ro.build.version.release")
	if err != nil {
		return 0, errors.Wrapf(err, "read android version of %s", deviceID)
	}

	major, err := parseAndroidMajor(out)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.entryLocked(deviceID).androidMajor = major
	b.mu.Unlock()
	return major, nil
}

// BatteryLevel reads the current charge percentage from dumpsys.
func (b *Bus) BatteryLevel(ctx context.Context, deviceID string) (int, error) {
	out, err := b.Shell(ctx, deviceID, "dumpsys battery")
	if err != nil {
		return 0, errors.Wrapf(err, "read battery level of %s", deviceID)
	}
	return ParseBatteryLevel(out)
}

// ParseBatteryLevel extracts the `level:` line of `dumpsys battery` output
// and range-checks it.
func ParseBatteryLevel(output string) (int, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		value, ok := strings.CutPrefix(line, "level:")
		if !ok {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, errors.Wrapf(err, "unparseable battery level %q", value)
		}
		if level < 0 || level > 100 {
			return 0, errors.Errorf("battery level %d out of range", level)
		}
		return level, nil
	}
	return 0, errors.New("no battery level in dumpsys output")
}

// parseAndroidMajor extracts the leading integer of a release string such
// as "13" or "4.4.2".
func parseAndroidMajor(release string) (int, error) {
	release = strings.TrimSpace(release)
	if release == "" {
		return 0, errors.New("empty android release property")
	}
	if dot := strings.IndexByte(release, '.'); dot != -1 {
		release = release[:dot]
	}
	major, err := strconv.Atoi(release)
	if err != nil {
		return 0, errors.Wrapf(err, "unparseable android release %q", release)
	}
	return major, nil
}
