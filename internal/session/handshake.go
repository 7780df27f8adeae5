package session

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/protocol"
)

// defaultHandshakeTimeout bounds the arrival plus handshake of each
// expected socket.
const defaultHandshakeTimeout = 10 * time.Second

// socketTimeout returns the per-socket handshake bound, falling back to the
// default when the session does not carry one.
func (s *Session) socketTimeout() time.Duration {
	if s.handshakeTimeout > 0 {
		return s.handshakeTimeout
	}
	return defaultHandshakeTimeout
}

// ErrHandshakeTimeout marks an expected device socket that never arrived or
// never completed its handshake in time.
var ErrHandshakeTimeout = errors.New("device socket handshake timed out")

type socketKind string

const (
	socketVideo   socketKind = "video"
	socketAudio   socketKind = "audio"
	socketControl socketKind = "control"
)

// expectedSockets returns the connections the device server will open, in
// the order it opens them.
func (s *Session) expectedSockets() []socketKind {
	var kinds []socketKind
	if s.Req.Video {
		kinds = append(kinds, socketVideo)
	}
	if s.Req.Audio && !s.AudioDisabled() {
		kinds = append(kinds, socketAudio)
	}
	if s.Req.Control {
		kinds = append(kinds, socketControl)
	}
	return kinds
}

// acceptSockets runs the acceptance phase: the device server connects back
// through the reverse tunnel once per enabled stream, in a fixed order. Each
// connection must arrive and handshake within handshakeTimeout.
func (s *Session) acceptSockets() error {
	first := true
	for _, kind := range s.expectedSockets() {
		conn, err := s.acceptOne()
		if err != nil {
			return errors.Wrapf(err, "waiting for %s socket", kind)
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		if err := s.handshakeSocket(conn, kind, first); err != nil {
			conn.Close()
			return err
		}
		first = false
	}
	return nil
}

func (s *Session) acceptOne() (net.Conn, error) {
	if tcp, ok := s.listener.(*net.TCPListener); ok {
		tcp.SetDeadline(time.Now().Add(s.socketTimeout()))
	}
	conn, err := s.listener.Accept()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, ErrHandshakeTimeout
		}
		return nil, err
	}
	return conn, nil
}

// handshakeSocket consumes the per-socket preamble and stores the connection
// on the session. The first socket of the session additionally carries the
// device name record. An audio socket that reports no codec is closed and
// audio is disabled; that is a supported outcome, not an error.
func (s *Session) handshakeSocket(conn net.Conn, kind socketKind, first bool) error {
	conn.SetReadDeadline(time.Now().Add(s.socketTimeout()))
	defer conn.SetReadDeadline(time.Time{})

	if err := protocol.ReadDummyByte(conn); err != nil {
		if netErr, ok := errors.Cause(err).(net.Error); ok && netErr.Timeout() {
			return errors.Wrapf(ErrHandshakeTimeout, "%s socket", kind)
		}
		return err
	}

	if first {
		name, err := protocol.ReadDeviceName(conn)
		if err != nil {
			return err
		}
		s.setDeviceName(name)
		s.Owner.SendJSON(deviceNameEvent{Type: "deviceName", Name: name})
	}

	switch kind {
	case socketVideo:
		meta, err := protocol.ReadVideoMeta(conn)
		if err != nil {
			return err
		}
		s.setVideoSize(int(meta.Width), int(meta.Height))
		s.mu.Lock()
		s.videoConn = conn
		s.mu.Unlock()
		s.Owner.SendJSON(videoInfoEvent{
			Type: "videoInfo", Width: int(meta.Width), Height: int(meta.Height),
		})

	case socketAudio:
		codecID, disabled, err := protocol.ReadAudioMeta(conn)
		if err != nil {
			return err
		}
		if disabled {
			conn.Close()
			s.setAudioDisabled()
			s.Owner.SendJSON(statusMsg("Audio not available on device"))
			return nil
		}
		s.mu.Lock()
		s.audioConn = conn
		s.mu.Unlock()
		s.Owner.SendJSON(audioInfoEvent{Type: "audioInfo", CodecID: codecID})

	case socketControl:
		s.mu.Lock()
		s.controlConn = conn
		s.mu.Unlock()
	}

	return nil
}
