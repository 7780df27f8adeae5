package session

import (
	"testing"
)

func TestMagicDPI(t *testing.T) {
	cases := []struct {
		flippedHeight int
		want          int
	}{
		{600, 160},
		{1080, 288},
		{1200, 320},
		{2400, 640},
		// 720/600*160 = 192 exactly
		{720, 192},
		// rounding, not truncation: 800/600*160 = 213.33
		{800, 213},
	}
	for _, tc := range cases {
		if got := magicDPI(tc.flippedHeight); got != tc.want {
			t.Errorf("magicDPI(%d) = %d, want %d", tc.flippedHeight, got, tc.want)
		}
	}
}

func TestParseDisplayList(t *testing.T) {
	output := `[server] INFO: List of displays:
    --display-id=0 (1080x2400)
    --display-id=4 (1920x1080)
some trailing noise`

	entries := parseDisplayList(output)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != 0 || entries[0].Resolution != "1080x2400" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].ID != 4 || entries[1].Resolution != "1920x1080" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestParseDisplayListEmpty(t *testing.T) {
	if entries := parseDisplayList("no displays here"); len(entries) != 0 {
		t.Errorf("got %d entries from noise", len(entries))
	}
}

func TestRotationCacheFirstRecordingWins(t *testing.T) {
	cache := NewRotationCache()
	cache.Record("dev", rotationState{UserRotation: "0", AccelerometerRotation: "1"})
	// a second rotation must not clobber the user's original settings
	cache.Record("dev", rotationState{UserRotation: "1", AccelerometerRotation: "0"})

	state, ok := cache.Take("dev")
	if !ok {
		t.Fatal("no state recorded")
	}
	if state.UserRotation != "0" || state.AccelerometerRotation != "1" {
		t.Errorf("state = %+v, want the first recording", state)
	}

	if _, ok := cache.Take("dev"); ok {
		t.Error("Take did not remove the entry")
	}
}

func TestRotationCacheTakeUnknown(t *testing.T) {
	cache := NewRotationCache()
	if _, ok := cache.Take("never-seen"); ok {
		t.Error("Take returned state for an unknown device")
	}
}
