package hub

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
)

// shellSession is one interactive device shell bound to a client. Output is
// streamed line by line; input is echoed back before execution so the
// client transcript reads like a terminal.
type shellSession struct {
	deviceID string
	proc     *adb.ShellProc
	cancel   context.CancelFunc

	mu    sync.Mutex
	stdin io.WriteCloser
}

// stop is safe on a reserved-but-not-started session.
func (s *shellSession) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.proc != nil {
		s.proc.Kill()
	}
}

func (s *shellSession) write(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// input can race the start handler while the slot holds the placeholder
	if s.stdin == nil {
		return errors.New("shell session is still starting")
	}
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

// handleStartShell opens the interactive shell. One per client; a second
// start while one is open fails.
func (h *Hub) handleStartShell(c session.Sink, cmd *command) {
	if cmd.DeviceID == "" {
		h.respond(c, "adbShellOutput", cmd.CommandID, fields{
			"success": false, "output": "deviceId is required",
		})
		return
	}

	h.mu.Lock()
	if _, open := h.shells[c.ID()]; open {
		h.mu.Unlock()
		h.respond(c, "adbShellOutput", cmd.CommandID, fields{
			"success": false, "output": "shell already open",
		})
		return
	}
	// reserve the slot; replaced once the process is up
	h.shells[c.ID()] = &shellSession{}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := h.bus.ShellInteractive(ctx, cmd.DeviceID)
	if err != nil {
		cancel()
		h.mu.Lock()
		delete(h.shells, c.ID())
		h.mu.Unlock()
		h.respond(c, "adbShellOutput", cmd.CommandID, fields{
			"success": false, "output": failureMessage(err),
		})
		return
	}

	shell := &shellSession{
		deviceID: cmd.DeviceID,
		proc:     proc,
		cancel:   cancel,
		stdin:    proc.Stdin,
	}
	h.mu.Lock()
	h.shells[c.ID()] = shell
	h.mu.Unlock()

	h.log.Info("interactive shell opened", "client", c.ID(), "device", cmd.DeviceID)
	h.respond(c, "adbShellOutput", cmd.CommandID, fields{
		"success": true, "output": "Shell session started",
	})

	go func() {
		scanner := bufio.NewScanner(proc.Stdout)
		for scanner.Scan() {
			h.respond(c, "adbShellOutput", "", fields{"output": scanner.Text()})
		}
		proc.Wait()

		h.mu.Lock()
		if h.shells[c.ID()] == shell {
			delete(h.shells, c.ID())
		}
		h.mu.Unlock()

		h.respond(c, "adbShellClosed", "", fields{"deviceId": shell.deviceID})
		h.log.Info("interactive shell closed", "client", c.ID(), "device", shell.deviceID)
	}()
}

func (h *Hub) handleShellInput(c session.Sink, cmd *command) {
	h.mu.Lock()
	shell := h.shells[c.ID()]
	h.mu.Unlock()

	if shell == nil {
		h.respond(c, "adbShellOutput", cmd.CommandID, fields{
			"success": false, "output": "no shell session open",
		})
		return
	}

	h.respond(c, "adbShellOutput", cmd.CommandID, fields{"output": "$ " + cmd.Input})
	if err := shell.write(cmd.Input); err != nil {
		h.respond(c, "adbShellOutput", "", fields{
			"success": false, "output": failureMessage(err),
		})
	}
}

func (h *Hub) handleStopShell(c session.Sink, cmd *command) {
	h.mu.Lock()
	shell := h.shells[c.ID()]
	delete(h.shells, c.ID())
	h.mu.Unlock()

	if shell == nil {
		h.respond(c, "adbShellClosed", cmd.CommandID, fields{})
		return
	}
	// the reader goroutine emits adbShellClosed when the stream ends
	shell.stop()
}
