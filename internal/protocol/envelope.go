package protocol

import (
	"encoding/binary"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

// One-byte tags of the binary envelopes sent to clients. The legacy tags
// are produced by the old decoder path only; everything current is tagged.
const (
	EnvelopeLegacyVideo = byte(0x00)
	EnvelopeLegacyAudio = byte(0x01)
	EnvelopeVideoConfig = byte(0x10)
	EnvelopeVideoKey    = byte(0x11)
	EnvelopeVideoDelta  = byte(0x12)
	EnvelopeAudioConfig = byte(0x20)
	EnvelopeAudioFrame  = byte(0x21)
)

// Envelope is a decoded client frame. Profile/Compat/Level are set for
// video config envelopes, PTS for the timestamped tags.
type Envelope struct {
	Tag     byte
	Profile byte
	Compat  byte
	Level   byte
	PTS     uint64
	Payload []byte
}

// EncodeVideoConfig frames an SPS/PPS bundle. The three header bytes are the
// AVC profile, compatibility and level the client feeds to its decoder
// before the payload arrives.
func EncodeVideoConfig(profile, compat, level byte, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	buf[0] = EnvelopeVideoConfig
	buf[1] = profile
	buf[2] = compat
	buf[3] = level
	copy(buf[4:], payload)
	return buf
}

// EncodeVideoFrame frames a video access unit with its device timestamp.
func EncodeVideoFrame(key bool, pts uint64, payload []byte) []byte {
	tag := EnvelopeVideoDelta
	if key {
		tag = EnvelopeVideoKey
	}
	buf := make([]byte, 9+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint64(buf[1:9], pts)
	copy(buf[9:], payload)
	return buf
}

// EncodeAudioConfig frames a raw AudioSpecificConfig.
func EncodeAudioConfig(payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = EnvelopeAudioConfig
	copy(buf[1:], payload)
	return buf
}

// EncodeAudioFrame frames an AAC frame with its device timestamp.
func EncodeAudioFrame(pts uint64, payload []byte) []byte {
	buf := make([]byte, 9+len(payload))
	buf[0] = EnvelopeAudioFrame
	binary.BigEndian.PutUint64(buf[1:9], pts)
	copy(buf[9:], payload)
	return buf
}

// EncodeLegacyVideo frames an access unit for the legacy decoder path.
func EncodeLegacyVideo(payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = EnvelopeLegacyVideo
	copy(buf[1:], payload)
	return buf
}

// EncodeLegacyAudio frames an ADTS frame for the legacy decoder path.
func EncodeLegacyAudio(payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = EnvelopeLegacyAudio
	copy(buf[1:], payload)
	return buf
}

// Decode parses a client envelope back into its parts.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty envelope")
	}

	env := &Envelope{Tag: frame[0]}
	switch frame[0] {
	case EnvelopeLegacyVideo, EnvelopeLegacyAudio, EnvelopeAudioConfig:
		env.Payload = frame[1:]
	case EnvelopeVideoConfig:
		if len(frame) < 4 {
			return nil, errors.Errorf("video config envelope truncated: %d bytes", len(frame))
		}
		env.Profile, env.Compat, env.Level = frame[1], frame[2], frame[3]
		env.Payload = frame[4:]
	case EnvelopeVideoKey, EnvelopeVideoDelta, EnvelopeAudioFrame:
		if len(frame) < 9 {
			return nil, errors.Errorf("timestamped envelope truncated: %d bytes", len(frame))
		}
		env.PTS = binary.BigEndian.Uint64(frame[1:9])
		env.Payload = frame[9:]
	default:
		return nil, errors.Errorf("unknown envelope tag 0x%02x", frame[0])
	}
	return env, nil
}

// FindSPS returns the first SPS NAL unit in an Annex-B access unit, or nil.
func FindSPS(accessUnit []byte) []byte {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(accessUnit); err != nil {
		return nil
	}
	for _, nalu := range annexB {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			return nalu
		}
	}
	return nil
}

// IsIDR reports whether an Annex-B access unit contains an IDR NAL.
func IsIDR(accessUnit []byte) bool {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(accessUnit); err != nil {
		return false
	}
	for _, nalu := range annexB {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// SPSHeader extracts the profile, compatibility and level bytes that sit at
// fixed offsets right after the SPS NAL header byte.
func SPSHeader(sps []byte) (profile, compat, level byte, err error) {
	if len(sps) < 4 {
		return 0, 0, 0, errors.Errorf("SPS too short: %d bytes", len(sps))
	}
	return sps[1], sps[2], sps[3], nil
}

// SPSDimensions decodes the coded picture size of an SPS NAL.
func SPSDimensions(sps []byte) (width, height int, err error) {
	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return 0, 0, errors.Wrap(err, "parse SPS")
	}
	return parsed.Width(), parsed.Height(), nil
}
