package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCellWidth(t *testing.T) {
	assert.Equal(t, 6, cellWidth("\033[32monline\033[0m"))
	assert.Equal(t, 5, cellWidth("plain"))
	assert.Equal(t, 0, cellWidth(""))
}

func TestPad(t *testing.T) {
	assert.Equal(t, "abc   ", pad("abc", 6))
	// colored text pads to the visible width, not the raw byte length
	assert.Equal(t, 5, cellWidth(pad("\033[32mok\033[0m", 5)))
	// already wide enough: returned unchanged
	assert.Equal(t, "toolong", pad("toolong", 3))
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []string{"DEVICE ID", "STATE"}, [][]string{
		{"emulator-5554", "device"},
		{"R58M123", "unauthorized"},
	})
	out := buf.String()

	assert.Contains(t, out, "DEVICE ID")
	assert.Contains(t, out, "emulator-5554")
	assert.Contains(t, out, "unauthorized")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 4) // header, separator, two rows
}

func TestRenderTableShortRow(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []string{"ID", "MODEL"}, [][]string{{"emulator-5554"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[2], "emulator-5554")
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []string{"ID"}, nil)
	assert.Contains(t, buf.String(), "No data to display")
}
