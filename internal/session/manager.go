package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
	"k8s.io/utils/keymutex"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/config"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/util"
)

// Provisioning failures, keyed to the cleanup they require.
var (
	ErrAlreadyAttached   = errors.New("client already owns a session")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrPushFailed        = errors.New("server push failed")
	ErrReverseSetup      = errors.New("reverse tunnel setup failed")
	ErrServerSpawn       = errors.New("device server spawn failed")
)

const (
	pushRetries     = 3
	portProbeLimit  = 100
	pumpJoinTimeout = 5 * time.Second
)

// Manager owns every live session and the client↔session attachment. The
// single mutex covers the maps only, never I/O; each session's sockets are
// touched exclusively by that session's goroutines.
type Manager struct {
	bus      *adb.Bus
	log      *slog.Logger
	rotation *RotationCache

	// deviceLock serializes display and rotation command bursts per device
	// so concurrent sessions cannot interleave wm/settings writes.
	deviceLock keymutex.KeyMutex

	jarLocal      string
	jarRemote     string
	serverVersion string
	portBase      int

	mu       sync.Mutex
	sessions map[uint32]*Session
	owners   *bimap.BiMap[string, uint32] // client id <-> scid
}

// NewManager builds a manager over the device bus with the configured
// server jar and port base.
func NewManager(bus *adb.Bus, log *slog.Logger) *Manager {
	return &Manager{
		bus:           bus,
		log:           log.With("component", "session"),
		rotation:      NewRotationCache(),
		deviceLock:    keymutex.NewHashed(64),
		jarLocal:      config.GetServerJarPath(),
		jarRemote:     "/data/local/tmp/scrcpy-server.jar",
		serverVersion: config.GetServerVersion(),
		portBase:      config.GetServerPortBase(),
		sessions:      make(map[uint32]*Session),
		owners:        bimap.NewBiMap[string, uint32](),
	}
}

// SessionForClient returns the live session owned by a client, if any.
func (m *Manager) SessionForClient(clientID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	scid, ok := m.owners.Get(clientID)
	if !ok {
		return nil
	}
	return m.sessions[scid]
}

// LiveSessions returns the number of sessions not yet closed.
func (m *Manager) LiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Create provisions a streaming session end to end: device preconditions,
// server bootstrap, socket acceptance, pumps. It returns once the session
// is Running or after tearing everything it acquired back down. commandID
// correlates the final status event when the client supplied one.
func (m *Manager) Create(ctx context.Context, owner Sink, req StartRequest, commandID string) error {
	s, err := m.register(owner, req)
	if err != nil {
		return err
	}

	if err := m.provision(ctx, s, commandID); err != nil {
		m.log.Warn("session provisioning failed",
			"scid", s.ScidHex(), "device", s.DeviceID, "error", err)
		s.setState(StateFailed)
		m.Cleanup(s.Scid)
		return err
	}
	return nil
}

// register allocates the scid and inserts the session into the maps while
// holding the lock. Everything slow happens afterwards, outside it.
func (m *Manager) register(owner Sink, req StartRequest) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, attached := m.owners.Get(owner.ID()); attached {
		return nil, ErrAlreadyAttached
	}

	scid := util.NewScid()
	for {
		if _, taken := m.sessions[scid]; !taken {
			break
		}
		scid = util.NewScid()
	}

	s := &Session{
		Scid:     scid,
		DeviceID: req.DeviceID,
		Owner:    owner,
		Req:      req,
	}
	s.overlayID = -1
	s.setState(StateProvisioning)

	m.sessions[scid] = s
	m.owners.Insert(owner.ID(), scid)
	return s, nil
}

func (m *Manager) provision(ctx context.Context, s *Session, commandID string) error {
	major, err := m.bus.AndroidMajor(ctx, s.DeviceID)
	if err != nil {
		return errors.Wrap(ErrDeviceUnavailable, err.Error())
	}
	s.mu.Lock()
	s.androidMajor = major
	s.mu.Unlock()

	if s.Req.Audio && major < 11 {
		s.setAudioDisabled()
		s.Owner.SendJSON(statusMsg("Audio disabled (Android < 11)"))
	}

	s.setState(StatePushing)
	if err := m.pushServer(ctx, s.DeviceID); err != nil {
		return err
	}

	if err := m.applyDisplayMode(ctx, s); err != nil {
		return err
	}

	port, listener, err := m.bindListener()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.localPort = port
	s.listener = listener
	s.mu.Unlock()

	if err := m.ensureReverse(ctx, s); err != nil {
		return errors.Wrap(ErrReverseSetup, err.Error())
	}

	s.setState(StateServerSpawning)
	sessCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	proc, err := m.bus.ShellSpawn(sessCtx, s.DeviceID,
		s.serverArgs(m.jarRemote, m.serverVersion),
		util.NewPrefixLogWriter("[scrcpy-out]"),
		util.NewPrefixLogWriter("[scrcpy-err]"))
	if err != nil {
		return errors.Wrap(ErrServerSpawn, err.Error())
	}
	s.mu.Lock()
	s.serverProc = proc
	s.mu.Unlock()

	s.setState(StateAwaitingSockets)
	if err := s.acceptSockets(); err != nil {
		return err
	}

	s.setState(StateRunning)
	m.log.Info("session running",
		"scid", s.ScidHex(), "device", s.DeviceID, "port", port,
		"mode", s.Req.DisplayMode, "audio", !s.AudioDisabled())
	s.Owner.SendJSON(struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		CommandID string `json:"commandId,omitempty"`
	}{Type: "status", Message: "Streaming started", CommandID: commandID})

	m.startPumps(sessCtx, s)
	return nil
}

// startPumps launches the per-role goroutines of a Running session.
func (m *Manager) startPumps(ctx context.Context, s *Session) {
	legacy := s.Req.DecoderType == DecoderLegacy

	fail := func(cause error) {
		if s.State() != StateRunning {
			return
		}
		if cause != nil {
			s.Owner.SendJSON(errorMsg(cause.Error()))
		}
		go m.Cleanup(s.Scid)
	}

	s.mu.Lock()
	videoConn, audioConn, controlConn := s.videoConn, s.audioConn, s.controlConn
	s.mu.Unlock()

	if videoConn != nil {
		pump := &mediaPump{
			sess: s, conn: videoConn, sink: s.Owner, legacy: legacy,
			log: m.log.With("scid", s.ScidHex(), "pump", "video"), onStreamEnd: fail,
		}
		s.pumps.Add(1)
		go func() {
			defer s.pumps.Done()
			pump.runVideo()
		}()
	}
	if audioConn != nil {
		pump := &mediaPump{
			sess: s, conn: audioConn, sink: s.Owner, legacy: legacy,
			log: m.log.With("scid", s.ScidHex(), "pump", "audio"), onStreamEnd: fail,
		}
		s.pumps.Add(1)
		go func() {
			defer s.pumps.Done()
			pump.runAudio()
		}()
	}
	if controlConn != nil {
		s.router = newControlRouter(controlConn,
			m.log.With("scid", s.ScidHex(), "router", "control"), fail)
	}
	if s.Req.BatteryMetrics {
		go m.runBatteryPoller(ctx, s)
	}
}

// ForwardControl routes one binary control frame from a client to its
// session's device socket. Frames from clients without a running session
// are silently dropped.
func (m *Manager) ForwardControl(clientID string, frame []byte) {
	s := m.SessionForClient(clientID)
	if s == nil || s.State() != StateRunning || s.router == nil {
		return
	}
	s.router.Enqueue(frame)
}

// DisconnectClient tears down the client's session if one exists, carrying
// the command correlation into the final status event. It reports whether a
// session was found.
func (m *Manager) DisconnectClient(clientID, commandID string) bool {
	s := m.SessionForClient(clientID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.stopCmdID = commandID
	s.mu.Unlock()
	m.Cleanup(s.Scid)
	return true
}

// CleanupClient is DisconnectClient without correlation, for connection
// close paths.
func (m *Manager) CleanupClient(clientID string) {
	m.DisconnectClient(clientID, "")
}

// Cleanup tears a session down. Idempotent: the teardown body runs at most
// once; later calls return after the first completed.
func (m *Manager) Cleanup(scid uint32) {
	m.mu.Lock()
	s := m.sessions[scid]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.cleanupOnce.Do(func() { m.teardown(s) })
}

func (m *Manager) teardown(s *Session) {
	abnormal := s.State() != StateRunning
	s.setState(StateDraining)
	m.log.Info("session draining", "scid", s.ScidHex(), "device", s.DeviceID)

	if s.router != nil {
		s.router.Close()
	}

	// control first so the device server notices, then the media sockets to
	// unblock the pumps
	s.mu.Lock()
	conns := []net.Conn{s.controlConn, s.videoConn, s.audioConn}
	listener := s.listener
	s.mu.Unlock()
	for _, conn := range conns {
		if conn != nil {
			conn.Close()
		}
	}
	if listener != nil {
		listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	serverProc := s.serverProc
	s.mu.Unlock()
	if serverProc != nil {
		serverProc.Kill()
	}

	if !waitTimeout(&s.pumps, pumpJoinTimeout) {
		m.log.Warn("pumps did not join in time, abandoning", "scid", s.ScidHex())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.bus.ReverseRemove(ctx, s.DeviceID, s.SocketName()); err != nil {
		m.log.Warn("reverse tunnel removal failed",
			"scid", s.ScidHex(), "error", err)
	}

	m.rollbackDisplayMode(ctx, s)
	if s.Req.TurnScreenOff {
		// wake the display back up
		if _, err := m.bus.Shell(ctx, s.DeviceID, "input keyevent 224"); err != nil {
			m.log.Debug("screen wake on teardown failed", "device", s.DeviceID, "error", err)
		}
	}

	s.mu.Lock()
	stopCmdID := s.stopCmdID
	s.mu.Unlock()
	s.Owner.SendJSON(struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		CommandID string `json:"commandId,omitempty"`
	}{Type: "status", Message: "Streaming stopped", CommandID: stopCmdID})

	if abnormal {
		m.bus.InvalidateDevice(s.DeviceID)
	}

	m.mu.Lock()
	delete(m.sessions, s.Scid)
	m.owners.DeleteInverse(s.Scid)
	m.mu.Unlock()
	s.setState(StateClosed)
	m.log.Info("session closed", "scid", s.ScidHex(), "device", s.DeviceID)
}

// pushServer copies the server jar onto the device with bounded retries.
func (m *Manager) pushServer(ctx context.Context, deviceID string) error {
	var lastErr error
	for attempt := 1; attempt <= pushRetries; attempt++ {
		if lastErr = m.bus.Push(ctx, deviceID, m.jarLocal, m.jarRemote); lastErr == nil {
			return nil
		}
		m.log.Warn("server push failed",
			"device", deviceID, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return errors.Wrap(ErrPushFailed, ctx.Err().Error())
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return errors.Wrap(ErrPushFailed, lastErr.Error())
}

// bindListener binds the session listener, probing upward from the
// configured base when ports are taken.
func (m *Manager) bindListener() (int, net.Listener, error) {
	m.mu.Lock()
	candidate := m.portBase + len(m.sessions)%1000
	m.mu.Unlock()

	for i := 0; i < portProbeLimit; i++ {
		port := candidate + i
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return port, listener, nil
		}
	}
	return 0, nil, errors.Errorf("no free port in %d..%d", candidate, candidate+portProbeLimit-1)
}

// ensureReverse reuses an existing tunnel for the session socket when a
// previous run left one behind, otherwise adds a fresh one.
func (m *Manager) ensureReverse(ctx context.Context, s *Session) error {
	entries, err := m.bus.ReverseList(ctx, s.DeviceID)
	if err == nil {
		for _, entry := range entries {
			if strings.Contains(entry, s.SocketName()) {
				m.log.Info("reusing existing reverse tunnel",
					"scid", s.ScidHex(), "entry", entry)
				return nil
			}
		}
	}
	return m.bus.ReverseAdd(ctx, s.DeviceID, s.SocketName(), s.LocalPort())
}

// waitTimeout waits on a WaitGroup with an upper bound, reporting whether
// it finished in time.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
