package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
)

// commandTimeout bounds every device command except start, whose bootstrap
// legitimately takes longer than a shell round-trip.
const (
	commandTimeout = 15 * time.Second
	startTimeout   = 60 * time.Second
)

// Hub multiplexes the JSON command surface of a client connection: device
// enumeration, session start/stop, device settings, and the streamed
// commands (interactive shell, diagnostics, HAR capture). Commands run
// concurrently; responses correlate by commandId.
type Hub struct {
	bus      *adb.Bus
	sessions *session.Manager
	log      *slog.Logger

	mu     sync.Mutex
	shells map[string]*shellSession   // by client id
	hars   map[string]*harTrace       // by client id
	diags  map[string]*diagnosticsRun // by device id
}

// New wires the hub over the device bus and session manager.
func New(bus *adb.Bus, sessions *session.Manager, log *slog.Logger) *Hub {
	return &Hub{
		bus:      bus,
		sessions: sessions,
		log:      log.With("component", "hub"),
		shells:   make(map[string]*shellSession),
		hars:     make(map[string]*harTrace),
		diags:    make(map[string]*diagnosticsRun),
	}
}

// command is the closed union of everything a client may send. Action
// selects the variant; the remaining fields are per-action.
type command struct {
	Action    string `json:"action"`
	CommandID string `json:"commandId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`

	// start
	Video              *bool  `json:"video,omitempty"`
	Audio              *bool  `json:"audio,omitempty"`
	Control            *bool  `json:"control,omitempty"`
	MaxFPS             int    `json:"maxFps,omitempty"`
	Bitrate            int    `json:"bitrate,omitempty"`
	PowerOn            bool   `json:"powerOn,omitempty"`
	PowerOffOnClose    bool   `json:"powerOffOnClose,omitempty"`
	TurnScreenOff      bool   `json:"turnScreenOff,omitempty"`
	CaptureOrientation string `json:"captureOrientation,omitempty"`
	DisplayMode        string `json:"displayMode,omitempty"`
	DecoderType        string `json:"decoderType,omitempty"`
	BatteryMetrics     bool   `json:"batteryMetrics,omitempty"`

	// volume / nav / wifi / apps
	Value       *int   `json:"value,omitempty"`
	Key         string `json:"key,omitempty"`
	Enable      *bool  `json:"enable,omitempty"`
	PackageName string `json:"packageName,omitempty"`

	// adbCommand
	CommandType string `json:"commandType,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	DPI         string `json:"dpi,omitempty"`

	// diagnostics / HAR / shell
	Diagnostics []string `json:"diagnostics,omitempty"`
	URL         string   `json:"url,omitempty"`
	HarFilename string   `json:"harFilename,omitempty"`
	CaptureTime string   `json:"captureTime,omitempty"`
	Input       string   `json:"input,omitempty"`
}

// HandleMessage parses one text frame from a client and dispatches it. A
// malformed message is dropped with a warning; it never closes the
// connection.
func (h *Hub) HandleMessage(c session.Sink, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.log.Warn("dropping malformed client message", "client", c.ID(), "error", err)
		return
	}
	if cmd.Action == "" {
		h.log.Warn("dropping client message without action", "client", c.ID())
		return
	}
	go h.dispatch(c, &cmd)
}

func (h *Hub) dispatch(c session.Sink, cmd *command) {
	timeout := commandTimeout
	if cmd.Action == "start" {
		timeout = startTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch cmd.Action {
	case "getAdbDevices":
		h.handleGetDevices(ctx, c, cmd)
	case "start":
		h.handleStart(ctx, c, cmd)
	case "disconnect":
		h.handleDisconnect(c, cmd)
	case "volume":
		h.handleSetVolume(ctx, c, cmd)
	case "getVolume":
		h.handleGetVolume(ctx, c, cmd)
	case "navAction":
		h.handleNavAction(ctx, c, cmd)
	case "wifiToggle":
		h.handleWifiToggle(ctx, c, cmd)
	case "getWifiStatus":
		h.handleGetWifiStatus(ctx, c, cmd)
	case "getBatteryLevel":
		h.handleGetBattery(ctx, c, cmd)
	case "launchApp":
		h.handleLaunchApp(ctx, c, cmd)
	case "adbCommand":
		h.handleAdbCommand(ctx, c, cmd)
	case "startDiagnostics":
		h.handleStartDiagnostics(ctx, c, cmd)
	case "stopDiagnostics":
		h.handleStopDiagnostics(c, cmd)
	case "startHarTrace":
		h.handleStartHarTrace(c, cmd)
	case "stopHarTrace":
		h.handleStopHarTrace(c, cmd)
	case "startAdbShell":
		h.handleStartShell(c, cmd)
	case "adbShellInput":
		h.handleShellInput(c, cmd)
	case "stopAdbShell":
		h.handleStopShell(c, cmd)
	default:
		h.log.Warn("unknown action", "client", c.ID(), "action", cmd.Action)
		h.respond(c, "error", cmd.CommandID, fields{"message": "Unknown action"})
	}
}

// ClientClosed releases everything the client started: its session, its
// interactive shell, its HAR trace and any diagnostics captures it owns.
func (h *Hub) ClientClosed(clientID string) {
	h.sessions.CleanupClient(clientID)

	h.mu.Lock()
	shell := h.shells[clientID]
	delete(h.shells, clientID)
	har := h.hars[clientID]
	delete(h.hars, clientID)
	var diags []*diagnosticsRun
	for deviceID, run := range h.diags {
		if run.ownerClientID == clientID {
			diags = append(diags, run)
			delete(h.diags, deviceID)
		}
	}
	h.mu.Unlock()

	if shell != nil {
		shell.stop()
	}
	if har != nil {
		har.stop(h.log)
	}
	for _, run := range diags {
		run.stop()
	}
}

// fields is the free-form remainder of a response message.
type fields map[string]interface{}

// respond sends a correlated response. The commandId is echoed only when
// the client supplied one.
func (h *Hub) respond(c session.Sink, responseType, commandID string, extra fields) {
	msg := map[string]interface{}{"type": responseType}
	if commandID != "" {
		msg["commandId"] = commandID
	}
	for k, v := range extra {
		msg[k] = v
	}
	if err := c.SendJSON(msg); err != nil {
		h.log.Debug("response dropped, client gone",
			"client", c.ID(), "type", responseType, "commandId", commandID)
	}
}

// failureMessage maps an error to the client-facing message, folding
// deadline hits into the literal "timeout" the protocol promises.
func failureMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

// adbGuardMessage is the degraded-mode report attached to device commands
// when no adb binary was found at startup.
const adbGuardMessage = "adb binary not available; install platform-tools or set ADB_PATH"

func (h *Hub) handleGetDevices(ctx context.Context, c session.Sink, cmd *command) {
	if !h.bus.Available() {
		h.respond(c, "adbDevicesList", cmd.CommandID, fields{
			"success": false,
			"message": adbGuardMessage,
			"devices": []adb.Device{},
		})
		return
	}

	devices, err := h.bus.List(ctx)
	if err != nil {
		h.respond(c, "adbDevicesList", cmd.CommandID, fields{
			"success": false, "message": failureMessage(err),
		})
		return
	}
	if devices == nil {
		devices = []adb.Device{}
	}
	h.respond(c, "adbDevicesList", cmd.CommandID, fields{
		"success": true, "devices": devices,
	})
}

func (h *Hub) handleStart(ctx context.Context, c session.Sink, cmd *command) {
	req := session.StartRequest{
		DeviceID:           cmd.DeviceID,
		Video:              boolOr(cmd.Video, true),
		Audio:              boolOr(cmd.Audio, true),
		Control:            boolOr(cmd.Control, true),
		MaxFPS:             cmd.MaxFPS,
		VideoBitRate:       cmd.Bitrate,
		PowerOn:            cmd.PowerOn,
		PowerOffOnClose:    cmd.PowerOffOnClose,
		TurnScreenOff:      cmd.TurnScreenOff,
		CaptureOrientation: cmd.CaptureOrientation,
		DisplayMode:        session.DisplayMode(cmd.DisplayMode),
		DecoderType:        cmd.DecoderType,
		Resolution:         cmd.Resolution,
		DPI:                cmd.DPI,
		BatteryMetrics:     cmd.BatteryMetrics,
	}
	if req.DeviceID == "" {
		h.respond(c, "error", cmd.CommandID, fields{"message": "deviceId is required"})
		return
	}
	if req.DisplayMode == "" {
		req.DisplayMode = session.DisplayDefault
	}

	if err := h.sessions.Create(ctx, c, req, cmd.CommandID); err != nil {
		h.respond(c, "error", cmd.CommandID, fields{"message": failureMessage(err)})
	}
}

func (h *Hub) handleDisconnect(c session.Sink, cmd *command) {
	if !h.sessions.DisconnectClient(c.ID(), cmd.CommandID) {
		h.respond(c, "status", cmd.CommandID, fields{"message": "No active stream to stop"})
	}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
