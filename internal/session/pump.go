package session

import (
	"io"
	"log/slog"
	"net"

	"github.com/pkg/errors"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/protocol"
)

// maxClientBufferBytes is the sink backlog past which a pump starts
// shedding droppable frames.
const maxClientBufferBytes = 8 * 1024 * 1024

// mediaPump moves framed units from one device socket to the owner sink.
// One pump per media socket; it is the socket's only reader.
type mediaPump struct {
	sess   *Session
	conn   net.Conn
	sink   Sink
	legacy bool
	log    *slog.Logger

	// onStreamEnd runs once when the device side stops producing, for any
	// reason. The manager hooks session teardown into it.
	onStreamEnd func(error)

	droppedFrames uint64
	sentFrames    uint64
	lastPTS       uint64
}

// runVideo reads video units until EOF or error, translating each into a
// client envelope. Config units are parsed for SPS changes; non-config
// units are classified key/delta and shed under back-pressure.
func (p *mediaPump) runVideo() {
	defer p.finish("video")

	for {
		unit, err := protocol.ReadVideoUnit(p.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrZeroLengthUnit) {
				p.log.Warn("zero-length video unit dropped")
				continue
			}
			p.streamEnded(err)
			return
		}

		if unit.IsConfig {
			p.emitVideoConfig(unit)
			continue
		}

		p.checkPTS(unit.PTS, "video")

		key := unit.IsKeyFrame || protocol.IsIDR(unit.Data)
		if !key && p.sink.BufferedBytes() > maxClientBufferBytes {
			p.droppedFrames++
			if p.droppedFrames%100 == 1 {
				p.log.Debug("client slow, shedding delta frames",
					"dropped", p.droppedFrames, "buffered", p.sink.BufferedBytes())
			}
			continue
		}

		var frame []byte
		if p.legacy {
			frame = protocol.EncodeLegacyVideo(unit.Data)
		} else {
			frame = protocol.EncodeVideoFrame(key, unit.PTS, unit.Data)
		}
		if err := p.sink.SendBinary(frame); err != nil {
			p.streamEnded(errors.Wrap(err, "client sink"))
			return
		}
		p.sentFrames++
	}
}

// emitVideoConfig translates an SPS/PPS bundle. A dimension change embedded
// in the SPS is announced as JSON before the config envelope so the client
// reconfigures its decoder in order. Configs are never shed.
func (p *mediaPump) emitVideoConfig(unit *protocol.Unit) {
	sps := protocol.FindSPS(unit.Data)
	if sps == nil {
		p.log.Warn("video config unit without SPS, dropping")
		return
	}

	profile, compat, level, err := protocol.SPSHeader(sps)
	if err != nil {
		p.log.Warn("unusable SPS in config unit", "error", err)
		return
	}

	if width, height, err := protocol.SPSDimensions(sps); err == nil {
		prevW, prevH := p.sess.VideoSize()
		if width != prevW || height != prevH {
			p.sess.setVideoSize(width, height)
			p.sink.SendJSON(resolutionChangeEvent{
				Type: "resolutionChange", Width: width, Height: height,
			})
			p.log.Info("stream resolution changed",
				"scid", p.sess.ScidHex(), "width", width, "height", height)
		}
	}

	var frame []byte
	if p.legacy {
		frame = protocol.EncodeLegacyVideo(unit.Data)
	} else {
		frame = protocol.EncodeVideoConfig(profile, compat, level, unit.Data)
	}
	if err := p.sink.SendBinary(frame); err != nil {
		p.streamEnded(errors.Wrap(err, "client sink"))
	}
}

// runAudio reads audio units until EOF or error. Config units always go
// through; frames are shed when the sink is slow.
func (p *mediaPump) runAudio() {
	defer p.finish("audio")

	for {
		unit, err := protocol.ReadAudioUnit(p.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrZeroLengthUnit) {
				p.log.Warn("zero-length audio unit dropped")
				continue
			}
			p.streamEnded(err)
			return
		}

		if unit.IsConfig {
			var frame []byte
			if p.legacy {
				// the legacy path carries config in-band with the frames
				frame = protocol.EncodeLegacyAudio(unit.Data)
			} else {
				frame = protocol.EncodeAudioConfig(unit.Data)
			}
			if err := p.sink.SendBinary(frame); err != nil {
				p.streamEnded(errors.Wrap(err, "client sink"))
				return
			}
			continue
		}

		p.checkPTS(unit.PTS, "audio")

		if p.sink.BufferedBytes() > maxClientBufferBytes {
			p.droppedFrames++
			continue
		}

		var frame []byte
		if p.legacy {
			frame = protocol.EncodeLegacyAudio(unit.Data)
		} else {
			frame = protocol.EncodeAudioFrame(unit.PTS, unit.Data)
		}
		if err := p.sink.SendBinary(frame); err != nil {
			p.streamEnded(errors.Wrap(err, "client sink"))
			return
		}
		p.sentFrames++
	}
}

// checkPTS surfaces device clock regressions. They indicate a protocol bug
// on the device side and are logged, never fatal.
func (p *mediaPump) checkPTS(pts uint64, stream string) {
	if pts < p.lastPTS {
		p.log.Warn("non-monotonic device timestamp",
			"stream", stream, "pts", pts, "prev", p.lastPTS)
	}
	p.lastPTS = pts
}

func (p *mediaPump) streamEnded(err error) {
	cause := errors.Cause(err)
	if cause == io.EOF || isClosedConn(err) {
		err = nil
	}
	if p.onStreamEnd != nil {
		p.onStreamEnd(err)
	}
}

func (p *mediaPump) finish(stream string) {
	p.log.Debug("media pump exited",
		"scid", p.sess.ScidHex(), "stream", stream,
		"sent", p.sentFrames, "dropped", p.droppedFrames)
}

func isClosedConn(err error) bool {
	return err != nil && errors.Is(errors.Cause(err), net.ErrClosed)
}
