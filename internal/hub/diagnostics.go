package hub

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/config"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/util"
)

// diagnosticSections maps the requestable section names to the shell
// command producing each snapshot.
var diagnosticSections = map[string]string{
	"deviceInfo": "getprop",
	"battery":    "dumpsys battery",
	"memory":     "dumpsys meminfo",
	"network":    "dumpsys connectivity",
	"processes":  "top -b -n 1",
	"storage":    "df -h",
}

// diagnosticsRun is one in-flight capture: snapshot blocks already written,
// logcat streaming into the file until stopped.
type diagnosticsRun struct {
	id            string
	deviceID      string
	ownerClientID string
	filePath      string
	file          *os.File
	proc          *adb.ShellProc
	cancel        context.CancelFunc
}

func (r *diagnosticsRun) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.proc != nil {
		r.proc.Kill()
	}
}

// handleStartDiagnostics writes the requested snapshots and then streams
// logcat into the log file until stopped. One capture per device.
func (h *Hub) handleStartDiagnostics(ctx context.Context, c session.Sink, cmd *command) {
	if cmd.DeviceID == "" {
		h.respond(c, "diagnosticsResponse", cmd.CommandID, fields{
			"success": false, "message": "deviceId is required",
		})
		return
	}

	h.mu.Lock()
	if _, running := h.diags[cmd.DeviceID]; running {
		h.mu.Unlock()
		h.respond(c, "diagnosticsResponse", cmd.CommandID, fields{
			"success": false, "message": "diagnostics capture already running for device",
		})
		return
	}
	// reserve the slot before the slow work
	h.diags[cmd.DeviceID] = &diagnosticsRun{deviceID: cmd.DeviceID, ownerClientID: c.ID()}
	h.mu.Unlock()

	run, err := h.startDiagnostics(ctx, c, cmd)
	if err != nil {
		h.mu.Lock()
		delete(h.diags, cmd.DeviceID)
		h.mu.Unlock()
		h.respond(c, "diagnosticsResponse", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}

	h.mu.Lock()
	h.diags[cmd.DeviceID] = run
	h.mu.Unlock()

	h.respond(c, "diagnosticsResponse", cmd.CommandID, fields{
		"success": true, "file": run.filePath,
	})
}

func (h *Hub) startDiagnostics(ctx context.Context, c session.Sink, cmd *command) (*diagnosticsRun, error) {
	dir := config.GetDiagnosticsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	filePath := filepath.Join(dir,
		fmt.Sprintf("device_diagnostics_%s_%d.log", cmd.DeviceID, time.Now().Unix()))
	file, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}

	for _, section := range cmd.Diagnostics {
		cmdline, known := diagnosticSections[section]
		if !known {
			h.log.Warn("skipping unknown diagnostics section",
				"device", cmd.DeviceID, "section", section)
			continue
		}

		snapCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		out, err := h.bus.Shell(snapCtx, cmd.DeviceID, cmdline)
		cancel()

		fmt.Fprintf(file, "===== %s (%s) =====\n", section, cmdline)
		if err != nil {
			fmt.Fprintf(file, "snapshot failed: %v\n\n", err)
			continue
		}
		fmt.Fprintf(file, "%s\n\n", out)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	proc, err := h.bus.ShellStream(streamCtx, cmd.DeviceID, "logcat")
	if err != nil {
		cancel()
		file.Close()
		return nil, err
	}

	run := &diagnosticsRun{
		id:            util.NewCorrelationKey(),
		deviceID:      cmd.DeviceID,
		ownerClientID: c.ID(),
		filePath:      filePath,
		file:          file,
		proc:          proc,
		cancel:        cancel,
	}

	go func() {
		fmt.Fprintln(file, "===== logcat =====")
		_, copyErr := io.Copy(file, proc.Stdout)
		proc.Wait()
		file.Close()

		h.mu.Lock()
		if h.diags[run.deviceID] == run {
			delete(h.diags, run.deviceID)
		}
		h.mu.Unlock()

		if copyErr != nil {
			h.log.Debug("diagnostics stream ended",
				"run", run.id, "device", run.deviceID, "error", copyErr)
		}
		// emitted however the stream ends: explicit stop, device loss,
		// owner disconnect
		h.respond(c, "diagnosticsStopped", "", fields{
			"deviceId": run.deviceID, "file": run.filePath,
		})
	}()

	h.log.Info("diagnostics capture started",
		"run", run.id, "device", cmd.DeviceID, "file", filePath, "sections", cmd.Diagnostics)
	return run, nil
}

func (h *Hub) handleStopDiagnostics(c session.Sink, cmd *command) {
	h.mu.Lock()
	run := h.diags[cmd.DeviceID]
	h.mu.Unlock()

	if run == nil || run.proc == nil {
		h.respond(c, "diagnosticsResponse", cmd.CommandID, fields{
			"success": false, "message": "no diagnostics capture running for device",
		})
		return
	}

	run.stop()
	h.respond(c, "diagnosticsResponse", cmd.CommandID, fields{
		"success": true, "file": run.filePath,
	})
}
