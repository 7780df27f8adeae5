package util

import (
	"fmt"
	"io"
	"strings"
)

// RenderTable writes an aligned text table. Column widths follow the widest
// cell; ANSI color sequences inside cells do not count toward the width.
func RenderTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = cellWidth(header)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && cellWidth(cell) > widths[i] {
				widths[i] = cellWidth(cell)
			}
		}
	}

	line := make([]string, len(headers))
	for i, header := range headers {
		line[i] = pad(header, widths[i])
	}
	fmt.Fprintln(w, strings.Join(line, "  "))

	for i := range headers {
		line[i] = strings.Repeat("-", widths[i])
	}
	fmt.Fprintln(w, strings.Join(line, "  "))

	for _, row := range rows {
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			line[i] = pad(cell, widths[i])
		}
		fmt.Fprintln(w, strings.Join(line, "  "))
	}
}

// cellWidth is the visible width of a cell, skipping ANSI color sequences.
func cellWidth(s string) int {
	width, inEscape := 0, false
	for _, r := range s {
		switch {
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		case r == '\033':
			inEscape = true
		default:
			width++
		}
	}
	return width
}

func pad(s string, width int) string {
	if gap := width - cellWidth(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}
