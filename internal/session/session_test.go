package session

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSink records everything the session side pushes at a client, in send
// order. JSON payloads and binary frames share one event slice so ordering
// between the two can be asserted.
type fakeSink struct {
	mu       sync.Mutex
	id       string
	events   []interface{}
	buffered int
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
	f.events = append(f.events, v)
	return nil
}

func (f *fakeSink) SendBinary(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	f.events = append(f.events, buf)
	return nil
}

func (f *fakeSink) BufferedBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeSink) snapshot() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.events))
	copy(out, f.events)
	return out
}

// binaries returns only the binary frames, in order.
func (f *fakeSink) binaries() [][]byte {
	var out [][]byte
	for _, ev := range f.snapshot() {
		if frame, ok := ev.([]byte); ok {
			out = append(out, frame)
		}
	}
	return out
}

func TestServerArgsBaseline(t *testing.T) {
	s := &Session{
		Scid: 0x0badcafe,
		Req:  StartRequest{Video: true, Audio: true, Control: true},
	}

	args := s.serverArgs("/data/local/tmp/scrcpy-server.jar", "3.3.3")

	want := []string{
		"CLASSPATH=/data/local/tmp/scrcpy-server.jar",
		"app_process", "/", "com.genymobile.scrcpy.Server",
		"3.3.3",
		"scid=0badcafe",
		"log_level=info",
		"video=true",
		"audio=true",
		"control=true",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestServerArgsAudioGate(t *testing.T) {
	s := &Session{
		Scid: 1,
		Req:  StartRequest{Video: true, Audio: true, Control: true},
	}
	s.setAudioDisabled()

	args := strings.Join(s.serverArgs("/jar", "3.3.3"), " ")
	if !strings.Contains(args, "audio=false") {
		t.Errorf("audio gate not reflected in args: %s", args)
	}
}

func TestServerArgsOptionals(t *testing.T) {
	s := &Session{
		Scid: 1,
		Req: StartRequest{
			Video: true, Control: true,
			MaxFPS:             30,
			VideoBitRate:       4_000_000,
			PowerOn:            true,
			PowerOffOnClose:    true,
			CaptureOrientation: "0",
		},
	}

	args := strings.Join(s.serverArgs("/jar", "3.3.3"), " ")
	for _, want := range []string{
		"max_fps=30",
		"video_bit_rate=4000000",
		"power_on=true",
		"power_off_on_close=true",
		"capture_orientation=0",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("missing %q in args: %s", want, args)
		}
	}
}

func TestServerArgsDisplayModes(t *testing.T) {
	overlay := &Session{Scid: 1, Req: StartRequest{Video: true, DisplayMode: DisplayOverlay}}
	overlay.setOverlayDisplayID(4)
	if args := strings.Join(overlay.serverArgs("/jar", "v"), " "); !strings.Contains(args, "display_id=4") {
		t.Errorf("overlay display id missing: %s", args)
	}

	// an overlay session whose display never materialized must not pass a
	// negative id through
	noOverlay := &Session{Scid: 1, Req: StartRequest{Video: true, DisplayMode: DisplayOverlay}}
	noOverlay.overlayID = -1
	if args := strings.Join(noOverlay.serverArgs("/jar", "v"), " "); strings.Contains(args, "display_id") {
		t.Errorf("unexpected display_id: %s", args)
	}

	virtual := &Session{Scid: 1, Req: StartRequest{
		Video: true, DisplayMode: DisplayVirtual, Resolution: "1920x1080", DPI: "240",
	}}
	if args := strings.Join(virtual.serverArgs("/jar", "v"), " "); !strings.Contains(args, "new_display=1920x1080/240") {
		t.Errorf("virtual display spec missing: %s", args)
	}

	dex := &Session{Scid: 1, Req: StartRequest{Video: true, DisplayMode: DisplayDex}}
	if args := strings.Join(dex.serverArgs("/jar", "v"), " "); !strings.Contains(args, "display_id=2") {
		t.Errorf("dex display id missing: %s", args)
	}
}

func TestExpectedSocketsOrder(t *testing.T) {
	full := &Session{Req: StartRequest{Video: true, Audio: true, Control: true}}
	kinds := full.expectedSockets()
	if len(kinds) != 3 || kinds[0] != socketVideo || kinds[1] != socketAudio || kinds[2] != socketControl {
		t.Errorf("socket order = %v", kinds)
	}

	noAudio := &Session{Req: StartRequest{Video: true, Audio: true, Control: true}}
	noAudio.setAudioDisabled()
	kinds = noAudio.expectedSockets()
	if len(kinds) != 2 || kinds[0] != socketVideo || kinds[1] != socketControl {
		t.Errorf("audio-gated socket order = %v", kinds)
	}

	controlOnly := &Session{Req: StartRequest{Control: true}}
	kinds = controlOnly.expectedSockets()
	if len(kinds) != 1 || kinds[0] != socketControl {
		t.Errorf("control-only socket order = %v", kinds)
	}
}

func TestParseResolution(t *testing.T) {
	cases := []struct {
		in     string
		w, h   int
		wantOK bool
	}{
		{"1920x1080", 1920, 1080, true},
		{" 2400X1080 ", 2400, 1080, true},
		{"800x600", 800, 600, true},
		{"1920", 0, 0, false},
		{"axb", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		w, h, err := parseResolution(tc.in)
		if tc.wantOK {
			if err != nil {
				t.Errorf("parseResolution(%q): %v", tc.in, err)
				continue
			}
			if w != tc.w || h != tc.h {
				t.Errorf("parseResolution(%q) = %dx%d, want %dx%d", tc.in, w, h, tc.w, tc.h)
			}
		} else if err == nil {
			t.Errorf("parseResolution(%q) accepted", tc.in)
		}
	}
}

func TestSocketName(t *testing.T) {
	s := &Session{Scid: 0x1a2b3c4d}
	if got := s.SocketName(); got != "scrcpy_1a2b3c4d" {
		t.Errorf("SocketName = %q", got)
	}
}

func TestStateString(t *testing.T) {
	if StateRunning.String() != "Running" || StateDraining.String() != "Draining" {
		t.Error("state names wrong")
	}
	if State(99).String() != "State(99)" {
		t.Errorf("unknown state = %q", State(99).String())
	}
}
