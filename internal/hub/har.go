package hub

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/config"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
)

// harTrace is one running HAR collector process. The collector is an
// external script with a fixed contract: argv
// `<url> <harFilename> <captureTime> <deviceId>`, progress lines on stdout,
// "STOP" on stdin requests a graceful finish.
type harTrace struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stopOnce sync.Once
}

// stop asks the collector to finish and escalates to a kill when it does
// not exit within a second. Safe on a reserved-but-not-started trace.
func (t *harTrace) stop(log *slog.Logger) {
	t.stopOnce.Do(func() {
		if t.cmd == nil {
			return
		}
		if t.stdin != nil {
			if _, err := io.WriteString(t.stdin, "STOP\n"); err != nil {
				log.Debug("har collector stdin write failed", "error", err)
			}
		}
		timer := time.AfterFunc(time.Second, func() {
			if t.cmd.Process != nil {
				t.cmd.Process.Kill()
			}
		})
		t.cmd.Wait()
		timer.Stop()
	})
}

// handleStartHarTrace spawns the collector and streams its stdout to the
// client. One trace per client.
func (h *Hub) handleStartHarTrace(c session.Sink, cmd *command) {
	if cmd.URL == "" || cmd.HarFilename == "" {
		h.respond(c, "harTraceResponse", cmd.CommandID, fields{
			"success": false, "message": "url and harFilename are required",
		})
		return
	}

	h.mu.Lock()
	if _, running := h.hars[c.ID()]; running {
		h.mu.Unlock()
		h.respond(c, "harTraceResponse", cmd.CommandID, fields{
			"success": false, "message": "HAR trace already running",
		})
		return
	}
	// reserve the slot; replaced once the process is up
	h.hars[c.ID()] = &harTrace{}
	h.mu.Unlock()

	release := func() {
		h.mu.Lock()
		delete(h.hars, c.ID())
		h.mu.Unlock()
	}

	if err := os.MkdirAll(config.GetHarFilesDir(), 0o755); err != nil {
		release()
		h.respond(c, "harTraceResponse", cmd.CommandID, fields{
			"success": false, "message": err.Error(),
		})
		return
	}

	collector := exec.Command(config.GetHarPython(), config.GetHarScript(),
		cmd.URL, cmd.HarFilename, cmd.CaptureTime, cmd.DeviceID)
	stdin, err := collector.StdinPipe()
	if err != nil {
		release()
		h.respond(c, "harTraceResponse", cmd.CommandID, fields{
			"success": false, "message": err.Error(),
		})
		return
	}
	stdout, err := collector.StdoutPipe()
	if err != nil {
		release()
		h.respond(c, "harTraceResponse", cmd.CommandID, fields{
			"success": false, "message": err.Error(),
		})
		return
	}
	collector.Stderr = collector.Stdout

	if err := collector.Start(); err != nil {
		release()
		h.respond(c, "harTraceResponse", cmd.CommandID, fields{
			"success": false, "message": err.Error(),
		})
		return
	}

	trace := &harTrace{cmd: collector, stdin: stdin}
	h.mu.Lock()
	h.hars[c.ID()] = trace
	h.mu.Unlock()

	h.log.Info("har trace started",
		"client", c.ID(), "url", cmd.URL, "file", cmd.HarFilename)

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			h.respond(c, "harTraceStatus", "", fields{"message": scanner.Text()})
		}
		err := collector.Wait()

		h.mu.Lock()
		if h.hars[c.ID()] == trace {
			delete(h.hars, c.ID())
		}
		h.mu.Unlock()

		result := fields{"success": err == nil, "harFilename": cmd.HarFilename}
		if err != nil {
			result["message"] = err.Error()
		}
		h.respond(c, "harTraceResponse", cmd.CommandID, result)
	}()
}

func (h *Hub) handleStopHarTrace(c session.Sink, cmd *command) {
	h.mu.Lock()
	trace := h.hars[c.ID()]
	h.mu.Unlock()

	if trace == nil {
		h.log.Debug("stopHarTrace with no running trace", "client", c.ID())
		return
	}
	go trace.stop(h.log)
}
