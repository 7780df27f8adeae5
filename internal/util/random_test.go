package util

import (
	"regexp"
	"testing"
)

func TestNewScidIs31Bit(t *testing.T) {
	for i := 0; i < 1000; i++ {
		scid := NewScid()
		if scid&0x80000000 != 0 {
			t.Fatalf("scid %08x has the sign bit set", scid)
		}
	}
}

func TestFormatScid(t *testing.T) {
	cases := []struct {
		scid uint32
		want string
	}{
		{0, "00000000"},
		{0x1a2b3c4d, "1a2b3c4d"},
		{0x7FFFFFFF, "7fffffff"},
	}
	for _, c := range cases {
		if got := FormatScid(c.scid); got != c.want {
			t.Errorf("FormatScid(%#x) = %q, want %q", c.scid, got, c.want)
		}
	}
}

func TestNewCorrelationKey(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Za-z0-9]{12}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := NewCorrelationKey()
		if !pattern.MatchString(key) {
			t.Fatalf("correlation key %q does not match expected shape", key)
		}
		if seen[key] {
			t.Fatalf("correlation key %q repeated", key)
		}
		seen[key] = true
	}
}
