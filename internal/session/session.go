package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/util"
)

// State tracks a session through its lifecycle. Transitions only move
// forward; Failed is transient and collapses into Draining during cleanup.
type State int32

const (
	StateProvisioning State = iota
	StatePushing
	StateServerSpawning
	StateAwaitingSockets
	StateRunning
	StateFailed
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "Provisioning"
	case StatePushing:
		return "Pushing"
	case StateServerSpawning:
		return "ServerSpawning"
	case StateAwaitingSockets:
		return "AwaitingSockets"
	case StateRunning:
		return "Running"
	case StateFailed:
		return "Failed"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DisplayMode selects how the device renders the streamed display.
type DisplayMode string

const (
	DisplayDefault       DisplayMode = "default"
	DisplayOverlay       DisplayMode = "overlay"
	DisplayVirtual       DisplayMode = "virtual"
	DisplayDex           DisplayMode = "dex"
	DisplayNativeTaskbar DisplayMode = "native_taskbar"
)

// DecoderLegacy requests the untagged envelope framing used by the old
// browser decoder.
const DecoderLegacy = "legacy"

// StartRequest carries everything a client supplies with a start command.
type StartRequest struct {
	DeviceID           string
	Video              bool
	Audio              bool
	Control            bool
	MaxFPS             int
	VideoBitRate       int
	PowerOn            bool
	PowerOffOnClose    bool
	TurnScreenOff      bool
	CaptureOrientation string
	DisplayMode        DisplayMode
	DecoderType        string
	Resolution         string
	DPI                string
	BatteryMetrics     bool
}

// Sink is the session's view of the owning client connection. The gateway
// connection implements it; order is preserved between JSON and binary
// sends on the same sink.
type Sink interface {
	ID() string
	SendJSON(v interface{}) error
	SendBinary(frame []byte) error
	BufferedBytes() int
}

// Event payloads pushed to the owner outside command correlation.
type statusEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type deviceNameEvent struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type videoInfoEvent struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type audioInfoEvent struct {
	Type    string `json:"type"`
	CodecID uint32 `json:"codecId"`
}

type resolutionChangeEvent struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type batteryInfoEvent struct {
	Type  string `json:"type"`
	Level int    `json:"level"`
}

func statusMsg(message string) statusEvent {
	return statusEvent{Type: "status", Message: message}
}

func errorMsg(message string) errorEvent {
	return errorEvent{Type: "error", Message: message}
}

// Session owns the sockets and goroutines of one streaming session. All
// fields below state are written by the session goroutine during
// provisioning and read by cleanup; the mutex covers that handoff.
type Session struct {
	Scid     uint32
	DeviceID string
	Owner    Sink
	Req      StartRequest

	state atomic.Int32

	mu           sync.Mutex
	localPort    int
	androidMajor int
	deviceName   string
	videoWidth   int
	videoHeight  int
	audioOff     bool

	listener    net.Listener
	videoConn   net.Conn
	audioConn   net.Conn
	controlConn net.Conn
	serverProc  *adb.ShellProc

	// zero means defaultHandshakeTimeout
	handshakeTimeout time.Duration

	router *ControlRouter
	pumps  sync.WaitGroup
	cancel context.CancelFunc

	overlayApplied bool
	taskbarApplied bool
	overlayID      int

	stopCmdID   string
	cleanupOnce sync.Once
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	s.state.Store(int32(next))
}

// ScidHex renders the session id the way it appears in socket names and
// server arguments.
func (s *Session) ScidHex() string {
	return util.FormatScid(s.Scid)
}

// SocketName returns the abstract socket the device server connects back
// through.
func (s *Session) SocketName() string {
	return fmt.Sprintf("scrcpy_%s", s.ScidHex())
}

// LocalPort returns the bound listener port, zero before binding.
func (s *Session) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

// VideoSize returns the last known stream dimensions.
func (s *Session) VideoSize() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoWidth, s.videoHeight
}

// AudioDisabled reports whether audio was dropped during provisioning,
// either by the Android version gate or by the device server itself.
func (s *Session) AudioDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOff
}

func (s *Session) setAudioDisabled() {
	s.mu.Lock()
	s.audioOff = true
	s.mu.Unlock()
}

func (s *Session) setVideoSize(width, height int) {
	s.mu.Lock()
	s.videoWidth = width
	s.videoHeight = height
	s.mu.Unlock()
}

func (s *Session) setDeviceName(name string) {
	s.mu.Lock()
	s.deviceName = name
	s.mu.Unlock()
}

// DeviceName returns the name read during the handshake.
func (s *Session) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceName
}

// serverArgs serializes the on-device server invocation: the classpath
// assignment, the app_process launcher and the key=value options, scid
// first.
func (s *Session) serverArgs(jarRemotePath, serverVersion string) []string {
	args := []string{
		fmt.Sprintf("CLASSPATH=%s", jarRemotePath),
		"app_process", "/", "com.genymobile.scrcpy.Server",
		serverVersion,
		fmt.Sprintf("scid=%s", s.ScidHex()),
		"log_level=info",
		fmt.Sprintf("video=%t", s.Req.Video),
		fmt.Sprintf("audio=%t", s.Req.Audio && !s.AudioDisabled()),
		fmt.Sprintf("control=%t", s.Req.Control),
	}

	if s.Req.MaxFPS > 0 {
		args = append(args, fmt.Sprintf("max_fps=%d", s.Req.MaxFPS))
	}
	if s.Req.VideoBitRate > 0 {
		args = append(args, fmt.Sprintf("video_bit_rate=%d", s.Req.VideoBitRate))
	}
	if s.Req.PowerOn {
		args = append(args, "power_on=true")
	}
	if s.Req.PowerOffOnClose {
		args = append(args, "power_off_on_close=true")
	}
	if s.Req.CaptureOrientation != "" {
		args = append(args, fmt.Sprintf("capture_orientation=%s", s.Req.CaptureOrientation))
	}

	switch s.Req.DisplayMode {
	case DisplayOverlay:
		if id := s.overlayDisplayID(); id >= 0 {
			args = append(args, fmt.Sprintf("display_id=%d", id))
		}
	case DisplayVirtual:
		args = append(args, fmt.Sprintf("new_display=%s/%s", s.Req.Resolution, s.Req.DPI))
	case DisplayDex:
		args = append(args, "display_id=2")
	}

	return args
}

func (s *Session) overlayDisplayID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlayID
}

func (s *Session) setOverlayDisplayID(id int) {
	s.mu.Lock()
	s.overlayID = id
	s.mu.Unlock()
}

// parseResolution splits a "WxH" request into its parts.
func parseResolution(res string) (width, height int, err error) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(res)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed resolution %q", res)
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &width); err != nil {
		return 0, 0, fmt.Errorf("malformed resolution %q", res)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &height); err != nil {
		return 0, 0, fmt.Errorf("malformed resolution %q", res)
	}
	return width, height, nil
}
