package session

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/protocol"
)

// Standard x264 1080p SPS; decodes to 1920x1080.
var testSPS = []byte{
	0x67, 0x64, 0x00, 0x28, 0xac, 0xd9, 0x40, 0x78,
	0x02, 0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00,
	0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60,
	0xc6, 0x58,
}

var testPPS = []byte{0x68, 0xeb, 0xec, 0xb2, 0x2c}

func annexBUnit(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, nalu := range nalus {
		buf.Write([]byte{0x00, 0x00, 0x00, 0x01})
		buf.Write(nalu)
	}
	return buf.Bytes()
}

// deviceUnit packs one media unit the way the device server frames it.
func deviceUnit(pts uint64, config, key bool, payload []byte) []byte {
	ptsFlags := pts
	if config {
		ptsFlags |= uint64(1) << 63
	}
	if key {
		ptsFlags |= uint64(1) << 62
	}
	buf := make([]byte, protocol.UnitHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], ptsFlags)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[12:], payload)
	return buf
}

// startVideoPump wires a pump over a pipe and returns the device-side writer
// plus the stream-end channel.
func startVideoPump(t *testing.T, sess *Session, sink *fakeSink) (net.Conn, chan error) {
	t.Helper()
	gateway, device := net.Pipe()
	done := make(chan error, 1)
	p := &mediaPump{
		sess: sess, conn: gateway, sink: sink, log: discardLogger(),
		onStreamEnd: func(err error) { done <- err },
	}
	go p.runVideo()
	return device, done
}

func waitStreamEnd(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("pump never signalled stream end")
		return nil
	}
}

func TestVideoPumpConfigAndFrames(t *testing.T) {
	sink := &fakeSink{}
	sess := &Session{Scid: 0x42, Owner: sink}
	sess.setVideoSize(1920, 1080) // matches the SPS, no resolution change

	device, done := startVideoPump(t, sess, sink)
	go func() {
		device.Write(deviceUnit(0, true, false, annexBUnit(testSPS, testPPS)))
		device.Write(deviceUnit(1000, false, true, annexBUnit([]byte{0x65, 0x88})))
		device.Write(deviceUnit(2000, false, false, annexBUnit([]byte{0x41, 0x9a})))
		device.Close()
	}()

	if err := waitStreamEnd(t, done); err != nil {
		t.Fatalf("stream end error: %v", err)
	}

	frames := sink.binaries()
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[0][0] != protocol.EnvelopeVideoConfig {
		t.Errorf("frame 0 tag = %#x, want video config", frames[0][0])
	}
	if frames[0][1] != 0x64 || frames[0][2] != 0x00 || frames[0][3] != 0x28 {
		t.Errorf("config profile header = % x", frames[0][1:4])
	}
	if frames[1][0] != protocol.EnvelopeVideoKey {
		t.Errorf("frame 1 tag = %#x, want key", frames[1][0])
	}
	if pts := binary.BigEndian.Uint64(frames[1][1:9]); pts != 1000 {
		t.Errorf("key frame pts = %d", pts)
	}
	if frames[2][0] != protocol.EnvelopeVideoDelta {
		t.Errorf("frame 2 tag = %#x, want delta", frames[2][0])
	}

	for _, ev := range sink.snapshot() {
		if _, ok := ev.(resolutionChangeEvent); ok {
			t.Error("resolutionChange emitted for unchanged dimensions")
		}
	}
}

func TestVideoPumpAnnouncesResolutionChange(t *testing.T) {
	sink := &fakeSink{}
	sess := &Session{Scid: 0x42, Owner: sink}
	sess.setVideoSize(720, 1280)

	device, done := startVideoPump(t, sess, sink)
	go func() {
		device.Write(deviceUnit(0, true, false, annexBUnit(testSPS, testPPS)))
		device.Close()
	}()
	if err := waitStreamEnd(t, done); err != nil {
		t.Fatalf("stream end error: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want resolutionChange then config", len(events))
	}
	change, ok := events[0].(resolutionChangeEvent)
	if !ok {
		t.Fatalf("first event is %T, want resolutionChange", events[0])
	}
	if change.Width != 1920 || change.Height != 1080 {
		t.Errorf("change = %dx%d, want 1920x1080", change.Width, change.Height)
	}
	frame, ok := events[1].([]byte)
	if !ok || frame[0] != protocol.EnvelopeVideoConfig {
		t.Errorf("second event is not the config envelope")
	}
	if w, h := sess.VideoSize(); w != 1920 || h != 1080 {
		t.Errorf("session size = %dx%d", w, h)
	}
}

func TestVideoPumpShedsDeltasUnderBackpressure(t *testing.T) {
	sink := &fakeSink{buffered: maxClientBufferBytes + 1}
	sess := &Session{Scid: 0x42, Owner: sink}

	device, done := startVideoPump(t, sess, sink)
	go func() {
		device.Write(deviceUnit(100, false, false, annexBUnit([]byte{0x41, 0x9a})))
		device.Write(deviceUnit(200, false, true, annexBUnit([]byte{0x65, 0x88})))
		device.Close()
	}()
	if err := waitStreamEnd(t, done); err != nil {
		t.Fatalf("stream end error: %v", err)
	}

	frames := sink.binaries()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want only the key frame", len(frames))
	}
	if frames[0][0] != protocol.EnvelopeVideoKey {
		t.Errorf("surviving frame tag = %#x, want key", frames[0][0])
	}
}

func TestVideoPumpSkipsZeroLengthUnits(t *testing.T) {
	sink := &fakeSink{}
	sess := &Session{Scid: 0x42, Owner: sink}

	device, done := startVideoPump(t, sess, sink)
	go func() {
		device.Write(deviceUnit(0, false, false, nil)) // zero-length, dropped
		device.Write(deviceUnit(500, false, true, annexBUnit([]byte{0x65, 0x88})))
		device.Close()
	}()
	if err := waitStreamEnd(t, done); err != nil {
		t.Fatalf("stream end error: %v", err)
	}

	frames := sink.binaries()
	if len(frames) != 1 || frames[0][0] != protocol.EnvelopeVideoKey {
		t.Errorf("frames after zero-length skip = %d", len(frames))
	}
}

func TestVideoPumpLegacyFraming(t *testing.T) {
	sink := &fakeSink{}
	sess := &Session{Scid: 0x42, Owner: sink}

	gateway, device := net.Pipe()
	done := make(chan error, 1)
	p := &mediaPump{
		sess: sess, conn: gateway, sink: sink, legacy: true, log: discardLogger(),
		onStreamEnd: func(err error) { done <- err },
	}
	go p.runVideo()

	go func() {
		device.Write(deviceUnit(0, true, false, annexBUnit(testSPS, testPPS)))
		device.Write(deviceUnit(100, false, true, annexBUnit([]byte{0x65, 0x88})))
		device.Close()
	}()
	if err := waitStreamEnd(t, done); err != nil {
		t.Fatalf("stream end error: %v", err)
	}

	for i, frame := range sink.binaries() {
		if frame[0] != protocol.EnvelopeLegacyVideo {
			t.Errorf("frame %d tag = %#x, want legacy", i, frame[0])
		}
	}
}

func TestAudioPump(t *testing.T) {
	sink := &fakeSink{}
	sess := &Session{Scid: 0x42, Owner: sink}

	gateway, device := net.Pipe()
	done := make(chan error, 1)
	p := &mediaPump{
		sess: sess, conn: gateway, sink: sink, log: discardLogger(),
		onStreamEnd: func(err error) { done <- err },
	}
	go p.runAudio()

	asc := []byte{0x12, 0x10} // AAC-LC 44.1kHz stereo
	aac := []byte{0x21, 0x22, 0x23}
	go func() {
		device.Write(deviceUnit(0, true, false, asc))
		device.Write(deviceUnit(300, false, false, aac))
		device.Close()
	}()
	if err := waitStreamEnd(t, done); err != nil {
		t.Fatalf("stream end error: %v", err)
	}

	frames := sink.binaries()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0][0] != protocol.EnvelopeAudioConfig || !bytes.Equal(frames[0][1:], asc) {
		t.Errorf("config frame = % x", frames[0])
	}
	if frames[1][0] != protocol.EnvelopeAudioFrame {
		t.Errorf("audio frame tag = %#x", frames[1][0])
	}
	if pts := binary.BigEndian.Uint64(frames[1][1:9]); pts != 300 {
		t.Errorf("audio pts = %d", pts)
	}
	if !bytes.Equal(frames[1][9:], aac) {
		t.Errorf("audio payload = % x", frames[1][9:])
	}
}

func TestAudioPumpConfigBypassesBackpressure(t *testing.T) {
	sink := &fakeSink{buffered: maxClientBufferBytes + 1}
	sess := &Session{Scid: 0x42, Owner: sink}

	gateway, device := net.Pipe()
	done := make(chan error, 1)
	p := &mediaPump{
		sess: sess, conn: gateway, sink: sink, log: discardLogger(),
		onStreamEnd: func(err error) { done <- err },
	}
	go p.runAudio()

	go func() {
		device.Write(deviceUnit(0, true, false, []byte{0x12, 0x10}))
		device.Write(deviceUnit(100, false, false, []byte{0xaa}))
		device.Close()
	}()
	if err := waitStreamEnd(t, done); err != nil {
		t.Fatalf("stream end error: %v", err)
	}

	frames := sink.binaries()
	if len(frames) != 1 || frames[0][0] != protocol.EnvelopeAudioConfig {
		t.Errorf("config frame must survive backpressure, got %d frames", len(frames))
	}
}
