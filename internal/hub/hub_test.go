package hub

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSink records every JSON response the hub pushes at the client.
type fakeSink struct {
	mu        sync.Mutex
	id        string
	responses []map[string]interface{}
}

func (f *fakeSink) ID() string {
	if f.id == "" {
		return "client-1"
	}
	return f.id
}

func (f *fakeSink) SendJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := v.(map[string]interface{}); ok {
		f.responses = append(f.responses, msg)
	}
	return nil
}

func (f *fakeSink) SendBinary([]byte) error { return nil }
func (f *fakeSink) BufferedBytes() int      { return 0 }

func (f *fakeSink) last(t *testing.T) map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		t.Fatal("no response recorded")
	}
	return f.responses[len(f.responses)-1]
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

// newDegradedHub builds a hub over a bus with no usable adb binary. Every
// device operation fails fast, which is exactly what these tests need.
func newDegradedHub() *Hub {
	log := discardLogger()
	bus := adb.New("/nonexistent/adb", log)
	return New(bus, session.NewManager(bus, log), log)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	h := newDegradedHub()
	sink := &fakeSink{}

	h.HandleMessage(sink, []byte("{not json"))
	h.HandleMessage(sink, []byte(`{"deviceId":"x"}`)) // no action

	if sink.count() != 0 {
		t.Errorf("malformed messages produced %d responses", sink.count())
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	h := newDegradedHub()
	sink := &fakeSink{}

	h.dispatch(sink, &command{Action: "selfDestruct", CommandID: "cmd-9"})

	resp := sink.last(t)
	if resp["type"] != "error" || resp["message"] != "Unknown action" {
		t.Errorf("response = %v", resp)
	}
	if resp["commandId"] != "cmd-9" {
		t.Errorf("commandId not echoed: %v", resp)
	}
}

func TestGetDevicesDegraded(t *testing.T) {
	h := newDegradedHub()
	sink := &fakeSink{}

	h.dispatch(sink, &command{Action: "getAdbDevices", CommandID: "cmd-1"})

	resp := sink.last(t)
	if resp["type"] != "adbDevicesList" {
		t.Fatalf("type = %v", resp["type"])
	}
	if resp["success"] != false {
		t.Error("degraded bus reported success")
	}
	if resp["message"] != adbGuardMessage {
		t.Errorf("message = %v", resp["message"])
	}
	if _, ok := resp["devices"]; !ok {
		t.Error("devices field missing from degraded report")
	}
}

func TestStartRequiresDeviceID(t *testing.T) {
	h := newDegradedHub()
	sink := &fakeSink{}

	h.dispatch(sink, &command{Action: "start", CommandID: "cmd-2"})

	resp := sink.last(t)
	if resp["type"] != "error" || resp["message"] != "deviceId is required" {
		t.Errorf("response = %v", resp)
	}
}

func TestDisconnectWithoutSession(t *testing.T) {
	h := newDegradedHub()
	sink := &fakeSink{}

	h.dispatch(sink, &command{Action: "disconnect", CommandID: "cmd-3"})

	resp := sink.last(t)
	if resp["type"] != "status" || resp["message"] != "No active stream to stop" {
		t.Errorf("response = %v", resp)
	}
}

func TestStopDiagnosticsWithoutCapture(t *testing.T) {
	h := newDegradedHub()
	sink := &fakeSink{}

	h.dispatch(sink, &command{Action: "stopDiagnostics", DeviceID: "dev", CommandID: "cmd-4"})

	resp := sink.last(t)
	if resp["type"] != "diagnosticsResponse" || resp["success"] != false {
		t.Errorf("response = %v", resp)
	}
}

func TestRespondEchoesCommandIDOnlyWhenSet(t *testing.T) {
	h := newDegradedHub()
	sink := &fakeSink{}

	h.respond(sink, "ack", "", fields{"success": true})
	if _, ok := sink.last(t)["commandId"]; ok {
		t.Error("commandId present without one being supplied")
	}

	h.respond(sink, "ack", "abc", nil)
	if sink.last(t)["commandId"] != "abc" {
		t.Error("supplied commandId not echoed")
	}
}

func TestShellInputDuringStartup(t *testing.T) {
	h := newDegradedHub()
	sink := &fakeSink{}

	// the start handler holds a placeholder in the table until the device
	// process is up; input landing in that window must fail cleanly
	h.mu.Lock()
	h.shells[sink.ID()] = &shellSession{}
	h.mu.Unlock()

	h.dispatch(sink, &command{Action: "adbShellInput", Input: "pwd", CommandID: "cmd-6"})

	resp := sink.last(t)
	if resp["success"] != false {
		t.Errorf("input against a starting shell did not fail: %v", resp)
	}
	if out, _ := resp["output"].(string); !strings.Contains(out, "starting") {
		t.Errorf("output = %v", resp["output"])
	}
}

// closedSink refuses every send, like a connection torn down mid-command.
type closedSink struct{ fakeSink }

func (c *closedSink) SendJSON(interface{}) error { return errors.New("client gone") }

func TestRespondLogsDroppedCorrelation(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	bus := adb.New("/nonexistent/adb", log)
	h := New(bus, session.NewManager(bus, log), log)

	h.respond(&closedSink{}, "volumeResponse", "cmd-11", fields{"success": true})

	if !strings.Contains(buf.String(), "cmd-11") {
		t.Errorf("dropped response log does not name the commandId: %s", buf.String())
	}
}

func TestFailureMessage(t *testing.T) {
	if failureMessage(nil) != "" {
		t.Error("nil error produced a message")
	}
	if failureMessage(context.DeadlineExceeded) != "timeout" {
		t.Error("deadline not folded into timeout")
	}
	wrapped := errors.Wrap(context.DeadlineExceeded, "shell")
	if failureMessage(wrapped) != "timeout" {
		t.Error("wrapped deadline not folded into timeout")
	}
	if failureMessage(errors.New("device offline")) != "device offline" {
		t.Error("plain error message mangled")
	}
}

func TestBoolOr(t *testing.T) {
	yes, no := true, false
	if !boolOr(nil, true) || boolOr(nil, false) {
		t.Error("fallback not honored")
	}
	if !boolOr(&yes, false) || boolOr(&no, true) {
		t.Error("explicit value not honored")
	}
}

func TestDiagnosticSections(t *testing.T) {
	want := map[string]string{
		"deviceInfo": "getprop",
		"battery":    "dumpsys battery",
		"memory":     "dumpsys meminfo",
		"network":    "dumpsys connectivity",
		"processes":  "top -b -n 1",
		"storage":    "df -h",
	}
	if len(diagnosticSections) != len(want) {
		t.Fatalf("got %d sections, want %d", len(diagnosticSections), len(want))
	}
	for section, cmdline := range want {
		if diagnosticSections[section] != cmdline {
			t.Errorf("section %q runs %q, want %q", section, diagnosticSections[section], cmdline)
		}
	}
}
