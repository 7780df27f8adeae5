package adb

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	goadb "github.com/basiooo/goadb"
	"github.com/pkg/errors"
)

// ErrAdbUnavailable is returned by every Bus operation when no usable adb
// binary was found at startup. The process stays up in this state; only
// device operations fail.
var ErrAdbUnavailable = errors.New("adb binary not available")

// Bus is the capability layer over ADB. All device access in the gateway
// goes through it: enumeration, shell commands, file push and reverse
// tunnels. A Bus constructed without a usable adb binary is degraded, not
// broken.
type Bus struct {
	path   string // empty in degraded mode
	client *goadb.Adb
	log    *slog.Logger

	watcher *goadb.DeviceWatcher

	mu    sync.Mutex
	cache map[string]*deviceCache
}

// deviceCache holds lazily populated per-device fields. Entries are
// invalidated when a session for the device is torn down abnormally or the
// device drops offline.
type deviceCache struct {
	androidMajor   int // 0 = not yet read
	maxMediaVolume int // 0 = not yet read
}

// New resolves the adb binary and constructs the bus. Resolution failure is
// not an error: the bus comes up degraded and reports ErrAdbUnavailable from
// operations so the gateway can surface the condition per command.
func New(configuredPath string, log *slog.Logger) *Bus {
	b := &Bus{
		log:   log,
		cache: make(map[string]*deviceCache),
	}

	path, err := ResolveBinaryPath(configuredPath)
	if err != nil {
		log.Warn("adb binary not found, running degraded", "error", err)
		return b
	}
	b.path = path

	client, err := goadb.NewWithConfig(goadb.ServerConfig{
		PathToAdb: path,
		Port:      goadb.AdbPort,
	})
	if err != nil {
		log.Warn("adb client init failed, running degraded", "error", err)
		b.path = ""
		return b
	}
	b.client = client
	return b
}

// Available reports whether device operations can be attempted.
func (b *Bus) Available() bool {
	return b.path != ""
}

// Path returns the resolved adb binary path, empty when degraded.
func (b *Bus) Path() string {
	return b.path
}

// Start launches the adb server and the device state watcher. The watcher
// loop runs until Close; state transitions are logged and drop cached
// per-device fields.
func (b *Bus) Start() error {
	if !b.Available() {
		return ErrAdbUnavailable
	}

	if err := b.client.StartServer(); err != nil {
		return errors.Wrap(err, "failed to start adb server")
	}

	b.watcher = b.client.NewDeviceWatcher()
	go func() {
		for event := range b.watcher.C() {
			b.log.Info("device state changed",
				"device", event.Serial, "old", event.OldState, "new", event.NewState)
			switch event.NewState {
			case goadb.StateOnline:
			case goadb.StateOffline:
				b.InvalidateDevice(event.Serial)
			}
		}
		if err := b.watcher.Err(); err != nil {
			b.log.Error("adb device watcher stopped", "error", err)
		}
	}()

	return nil
}

// Close shuts the device watcher down.
func (b *Bus) Close() {
	if b.watcher != nil {
		b.watcher.Shutdown()
	}
}

// InvalidateDevice drops the cached fields of a device.
func (b *Bus) InvalidateDevice(deviceID string) {
	b.mu.Lock()
	delete(b.cache, deviceID)
	b.mu.Unlock()
}

// entryLocked returns the cache entry for a device, creating it if needed.
// Callers must hold b.mu.
func (b *Bus) entryLocked(deviceID string) *deviceCache {
	entry, ok := b.cache[deviceID]
	if !ok {
		entry = &deviceCache{}
		b.cache[deviceID] = entry
	}
	return entry
}

// MaxMediaVolume returns the cached media volume ceiling for a device,
// zero when not yet read.
func (b *Bus) MaxMediaVolume(deviceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.cache[deviceID]; ok {
		return entry.maxMediaVolume
	}
	return 0
}

// SetMaxMediaVolume caches the media volume ceiling for a device.
func (b *Bus) SetMaxMediaVolume(deviceID string, max int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entryLocked(deviceID).maxMediaVolume = max
}

// ResolveBinaryPath locates the adb binary: an explicitly configured path
// (ADB_PATH) wins, then the platform-tools directory bundled next to the
// executable, then a PATH lookup.
func ResolveBinaryPath(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", errors.Wrapf(ErrAdbUnavailable, "configured path %s not usable", configured)
		}
		return configured, nil
	}

	if bundled := bundledAdbPath(); bundled != "" {
		if _, err := os.Stat(bundled); err == nil {
			return bundled, nil
		}
	}

	if path, err := exec.LookPath(adbBinaryName()); err == nil {
		return path, nil
	}

	return "", ErrAdbUnavailable
}

func adbBinaryName() string {
	if runtime.GOOS == "windows" {
		return "adb.exe"
	}
	return "adb"
}

func bundledAdbPath() string {
	exePath, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exePath), "platform-tools", adbBinaryName())
}

// guard returns ErrAdbUnavailable for degraded buses and checks the context
// before an operation is attempted.
func (b *Bus) guard(ctx context.Context) error {
	if !b.Available() {
		return ErrAdbUnavailable
	}
	return ctx.Err()
}
