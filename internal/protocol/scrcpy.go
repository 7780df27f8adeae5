package protocol

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Device-side framing of the scrcpy wire protocol. Every media socket
// carries units of `pts+flags:u64 BE, len:u32 BE, payload`; the handshake
// preceding them is read by the functions further down.

// UnitHeaderSize is the fixed per-unit header length.
const UnitHeaderSize = 12

// Flags packed into the top bits of the PTS field.
const (
	unitFlagConfig   = uint64(1) << 63
	unitFlagKeyFrame = uint64(1) << 62
	unitPTSMask      = unitFlagKeyFrame - 1
)

// Codec ids negotiated during the handshake (ASCII packed into u32).
const (
	CodecIDH264     = uint32(0x68323634) // "h264"
	CodecIDH265     = uint32(0x68323635) // "h265"
	CodecIDAV1      = uint32(0x00617631) // "av1"
	CodecIDOpus     = uint32(0x6f707573) // "opus"
	CodecIDAAC      = uint32(0x00616163) // "aac"
	CodecIDFLAC     = uint32(0x666c6163) // "flac"
	CodecIDRaw      = uint32(0x00726177) // "raw"
	CodecIDDisabled = uint32(0x80000000)
)

// Unit size sanity bounds.
const (
	maxVideoUnitSize = 10 * 1024 * 1024
	maxAudioUnitSize = 1 * 1024 * 1024
)

const deviceNameLength = 64

// Handshake failures and malformed units.
var (
	ErrBadDummyByte     = errors.New("handshake: nonzero dummy byte")
	ErrUnsupportedCodec = errors.New("handshake: unsupported codec")
	ErrZeroLengthUnit   = errors.New("zero-length media unit")
)

// Unit is one framed media unit read from a device socket.
type Unit struct {
	PTS        uint64
	Data       []byte
	IsKeyFrame bool
	IsConfig   bool
}

// readUnit reads one unit with the given payload bound.
func readUnit(r io.Reader, maxSize uint32) (*Unit, error) {
	header := make([]byte, UnitHeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read unit header")
	}

	ptsFlags := binary.BigEndian.Uint64(header[0:8])
	size := binary.BigEndian.Uint32(header[8:12])

	if size == 0 {
		return nil, ErrZeroLengthUnit
	}
	if size > maxSize {
		return nil, errors.Errorf("unit size %d exceeds bound %d", size, maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "read unit payload")
	}

	return &Unit{
		PTS:        ptsFlags & unitPTSMask,
		Data:       data,
		IsKeyFrame: ptsFlags&unitFlagKeyFrame != 0,
		IsConfig:   ptsFlags&unitFlagConfig != 0,
	}, nil
}

// ReadVideoUnit reads one video unit.
func ReadVideoUnit(r io.Reader) (*Unit, error) {
	return readUnit(r, maxVideoUnitSize)
}

// ReadAudioUnit reads one audio unit.
func ReadAudioUnit(r io.Reader) (*Unit, error) {
	return readUnit(r, maxAudioUnitSize)
}

// ReadDummyByte consumes the single zero byte the device server sends on
// every socket it opens.
func ReadDummyByte(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return errors.Wrap(err, "read dummy byte")
	}
	if b[0] != 0 {
		return errors.Wrapf(ErrBadDummyByte, "got 0x%02x", b[0])
	}
	return nil
}

// ReadDeviceName reads the fixed-width device name record sent once per
// session, on the first socket only.
func ReadDeviceName(r io.Reader) (string, error) {
	nameBytes := make([]byte, deviceNameLength)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return "", errors.Wrap(err, "read device name")
	}
	return strings.TrimRight(string(nameBytes), "\x00"), nil
}

// VideoMeta is the codec record that follows the handshake on the video
// socket.
type VideoMeta struct {
	CodecID uint32
	Width   uint32
	Height  uint32
}

// ReadVideoMeta reads codec id and initial dimensions. Codecs other than
// H.264 are rejected; the client decoder only speaks AVC.
func ReadVideoMeta(r io.Reader) (*VideoMeta, error) {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "read video meta")
	}

	meta := &VideoMeta{
		CodecID: binary.BigEndian.Uint32(buf[0:4]),
		Width:   binary.BigEndian.Uint32(buf[4:8]),
		Height:  binary.BigEndian.Uint32(buf[8:12]),
	}
	if meta.CodecID != CodecIDH264 {
		return nil, errors.Wrapf(ErrUnsupportedCodec, "video codec 0x%08x", meta.CodecID)
	}
	return meta, nil
}

// ReadAudioMeta reads the audio codec id. A zero id or immediate EOF means
// the device cannot provide audio; callers treat that as "audio disabled",
// not as a failure.
func ReadAudioMeta(r io.Reader) (codecID uint32, disabled bool, err error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, true, nil
		}
		return 0, false, errors.Wrap(err, "read audio meta")
	}

	codecID = binary.BigEndian.Uint32(buf)
	switch codecID {
	case 0, CodecIDDisabled:
		return codecID, true, nil
	case CodecIDAAC:
		return codecID, false, nil
	default:
		return codecID, false, errors.Wrapf(ErrUnsupportedCodec, "audio codec 0x%08x", codecID)
	}
}
