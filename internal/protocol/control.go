package protocol

import (
	"github.com/pkg/errors"
)

// Control message types forwarded to the device. The payload past the type
// byte is opaque to the gateway; types are recognized for validation and
// logging only.
const (
	ControlMsgInjectTouch     = byte(2)
	ControlMsgInjectScroll    = byte(3)
	ControlMsgBackOrScreenOn  = byte(4)
	ControlMsgExpandNotify    = byte(5)
	ControlMsgExpandSettings  = byte(6)
	ControlMsgSetDisplayPower = byte(10)
)

// Touch action byte values at offset 1 of a touch message.
const (
	TouchActionDown = byte(0)
	TouchActionUp   = byte(1)
	TouchActionMove = byte(2)
)

var controlMsgNames = map[byte]string{
	ControlMsgInjectTouch:     "touch",
	ControlMsgInjectScroll:    "scroll",
	ControlMsgBackOrScreenOn:  "backOrScreenOn",
	ControlMsgExpandNotify:    "expandNotifications",
	ControlMsgExpandSettings:  "expandSettings",
	ControlMsgSetDisplayPower: "setDisplayPower",
}

// ControlMsgName names a control message type for logs; unknown types get
// a placeholder since the device may understand more than the gateway
// inspects.
func ControlMsgName(msgType byte) string {
	if name, ok := controlMsgNames[msgType]; ok {
		return name
	}
	return "opaque"
}

// ValidateControlFrame rejects frames the gateway must not forward. Only
// emptiness is fatal to the frame; unknown types pass through untouched.
func ValidateControlFrame(frame []byte) error {
	if len(frame) == 0 {
		return errors.New("empty control frame")
	}
	return nil
}

// IsTouchMove reports whether a control frame is a touch MOVE. These are the
// only frames the router may shed under overflow.
func IsTouchMove(frame []byte) bool {
	return len(frame) >= 2 && frame[0] == ControlMsgInjectTouch && frame[1] == TouchActionMove
}

// IsEssential reports whether a control frame must never be dropped: touch
// UP/DOWN transitions and display power changes.
func IsEssential(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	switch frame[0] {
	case ControlMsgInjectTouch:
		return len(frame) >= 2 && frame[1] != TouchActionMove
	case ControlMsgBackOrScreenOn, ControlMsgSetDisplayPower:
		return true
	}
	return false
}
