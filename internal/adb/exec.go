package adb

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ShellExitError reports a shell command that reached the device but exited
// nonzero. It is distinct from transport failures (plain errors): the device
// answered, so session cleanup policy treats the device as reachable.
type ShellExitError struct {
	DeviceID string
	Command  string
	ExitCode int
	Output   string
}

func (e *ShellExitError) Error() string {
	return fmt.Sprintf("shell on %s exited %d: %s", e.DeviceID, e.ExitCode, strings.TrimSpace(e.Output))
}

// command builds an adb invocation scoped to a device.
func (b *Bus) command(ctx context.Context, deviceID string, args ...string) *exec.Cmd {
	full := append([]string{"-s", deviceID}, args...)
	return exec.CommandContext(ctx, b.path, full...)
}

// Shell runs a command on the device and collects combined output to end.
// A nonzero exit surfaces as *ShellExitError; spawn and transport failures
// as wrapped plain errors.
func (b *Bus) Shell(ctx context.Context, deviceID, cmdline string) (string, error) {
	if err := b.guard(ctx); err != nil {
		return "", err
	}

	cmd := b.command(ctx, deviceID, "shell", cmdline)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(output), &ShellExitError{
				DeviceID: deviceID,
				Command:  cmdline,
				ExitCode: exitErr.ExitCode(),
				Output:   string(output),
			}
		}
		return "", errors.Wrapf(err, "adb shell %q on %s", cmdline, deviceID)
	}
	return string(output), nil
}

// ShellProc is a running adb subprocess with its pipes. Kill is safe to call
// more than once and after the process exited.
type ShellProc struct {
	cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stdin  io.WriteCloser

	waitOnce sync.Once
	waitErr  error
}

// Wait blocks until the process exits and reaps it. Safe to call more than
// once; every call returns the exit result of the single underlying wait.
func (p *ShellProc) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

// Kill terminates the process and reaps it in the background, so callers
// that never Wait do not accumulate zombie children.
func (p *ShellProc) Kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
		go p.Wait()
	}
}

// ShellStream starts a device command and returns the process with its
// stdout pipe for line streaming (logcat, diagnostics). Cancelling ctx
// terminates the process.
func (b *Bus) ShellStream(ctx context.Context, deviceID, cmdline string) (*ShellProc, error) {
	if err := b.guard(ctx); err != nil {
		return nil, err
	}

	cmd := b.command(ctx, deviceID, "shell", cmdline)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	cmd.Stderr = cmd.Stdout // interleave; callers stream one pipe

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "adb shell %q on %s", cmdline, deviceID)
	}
	return &ShellProc{cmd: cmd, Stdout: stdout}, nil
}

// ShellInteractive opens a plain interactive shell on the device with both
// pipes attached.
func (b *Bus) ShellInteractive(ctx context.Context, deviceID string) (*ShellProc, error) {
	if err := b.guard(ctx); err != nil {
		return nil, err
	}

	cmd := b.command(ctx, deviceID, "shell")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "adb shell on %s", deviceID)
	}
	return &ShellProc{cmd: cmd, Stdout: stdout, Stdin: stdin}, nil
}

// ShellSpawn starts a device process from pre-split arguments with output
// forwarded to the given writers. Used for the on-device streaming server,
// whose command line mixes an env assignment with app_process arguments.
func (b *Bus) ShellSpawn(ctx context.Context, deviceID string, args []string, stdout, stderr io.Writer) (*ShellProc, error) {
	if err := b.guard(ctx); err != nil {
		return nil, err
	}

	cmd := b.command(ctx, deviceID, append([]string{"shell"}, args...)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "adb shell spawn on %s", deviceID)
	}
	return &ShellProc{cmd: cmd}, nil
}

// Push copies a local file onto the device.
func (b *Bus) Push(ctx context.Context, deviceID, localPath, remotePath string) error {
	if err := b.guard(ctx); err != nil {
		return err
	}

	cmd := b.command(ctx, deviceID, "push", localPath, remotePath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "adb push %s: %s", localPath, strings.TrimSpace(string(output)))
	}
	return nil
}

// ReverseList returns the raw `adb reverse --list` lines for the device.
func (b *Bus) ReverseList(ctx context.Context, deviceID string) ([]string, error) {
	if err := b.guard(ctx); err != nil {
		return nil, err
	}

	cmd := b.command(ctx, deviceID, "reverse", "--list")
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "adb reverse --list on %s", deviceID)
	}

	var entries []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// ReverseAdd forwards an abstract device socket to a host TCP port.
func (b *Bus) ReverseAdd(ctx context.Context, deviceID, socketName string, localPort int) error {
	if err := b.guard(ctx); err != nil {
		return err
	}

	cmd := b.command(ctx, deviceID, "reverse",
		fmt.Sprintf("localabstract:%s", socketName),
		fmt.Sprintf("tcp:%d", localPort))
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "adb reverse add %s: %s", socketName, strings.TrimSpace(string(output)))
	}
	return nil
}

// ReverseRemove drops a reverse tunnel. Missing tunnels are not an error.
func (b *Bus) ReverseRemove(ctx context.Context, deviceID, socketName string) error {
	if err := b.guard(ctx); err != nil {
		return err
	}

	cmd := b.command(ctx, deviceID, "reverse", "--remove",
		fmt.Sprintf("localabstract:%s", socketName))
	if output, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(output))
		if strings.Contains(msg, "not found") {
			return nil
		}
		return errors.Wrapf(err, "adb reverse remove %s: %s", socketName, msg)
	}
	return nil
}

// ShellWithTimeout runs Shell under a derived deadline. Helper for the
// polling commands that issue many short reads.
func (b *Bus) ShellWithTimeout(ctx context.Context, deviceID, cmdline string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.Shell(ctx, deviceID, cmdline)
}
