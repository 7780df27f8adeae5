package util

import (
	"fmt"
	"math/rand"

	"github.com/dchest/uniuri"
)

// NewScid generates a 31-bit session correlation id. The high bit is kept
// clear because the device server treats the value as a signed int.
func NewScid() uint32 {
	return rand.Uint32() & 0x7FFFFFFF
}

// FormatScid renders an scid the way the device server expects it on the
// command line and in the abstract socket name: 8 lowercase hex chars.
func FormatScid(scid uint32) string {
	return fmt.Sprintf("%08x", scid)
}

// NewCorrelationKey generates a key for tracking commands that arrived
// without a client-supplied commandId.
func NewCorrelationKey() string {
	return uniuri.NewLen(12)
}
