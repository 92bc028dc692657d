// Package banner prints the serve startup box.
package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// ANSI color codes
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"
	blue  = "\033[34m"
	green = "\033[32m"
)

// Box drawing characters
const (
	topLeft     = "╭"
	topRight    = "╮"
	bottomLeft  = "╰"
	bottomRight = "╯"
	horizontal  = "─"
	vertical    = "│"
	bullet      = "●"
	arrow       = "→"
)

// Info is what the banner shows.
type Info struct {
	Version  string
	Addr     string
	DataDir  string
	WorkerID string
	Tasks    []string
	Hidden   int
}

// Banner handles pretty startup output
type Banner struct {
	writer io.Writer
	width  int
}

// New creates a new Banner that writes to stdout
func New() *Banner {
	return &Banner{
		writer: os.Stdout,
		width:  60,
	}
}

// NewWithWriter creates a Banner with a custom writer (for testing)
func NewWithWriter(w io.Writer) *Banner {
	return &Banner{
		writer: w,
		width:  60,
	}
}

// Print displays the startup banner.
func (b *Banner) Print(info Info) {
	b.printHeader(info.Version)
	b.row(fmt.Sprintf("%s listening %s %s", bullet, arrow, info.Addr), green)
	b.row("data      "+info.DataDir, "")
	if info.WorkerID != "" {
		b.row("worker    "+info.WorkerID, "")
	}
	tasks := fmt.Sprintf("%d task%s", len(info.Tasks), pluralize(len(info.Tasks)))
	if info.Hidden > 0 {
		tasks += fmt.Sprintf(" (+%d hidden)", info.Hidden)
	}
	b.row("tasks     "+tasks, "")
	for _, t := range info.Tasks {
		b.row("  "+t, dim)
	}
	b.printFooter()
}

func (b *Banner) printHeader(version string) {
	// Top border
	fmt.Fprintf(b.writer, "\n%s%s%s%s%s\n", dim, topLeft, strings.Repeat(horizontal, b.width-2), topRight, reset)

	// Title line
	titleText := "jobtrail " + version
	title := fmt.Sprintf("  %s%s%s%s", bold, blue, titleText, reset)
	fmt.Fprintf(b.writer, "%s%s%s%s%s%s\n", dim, vertical, reset, title, strings.Repeat(" ", b.pad(titleText)), dim+vertical+reset)

	// Separator
	fmt.Fprintf(b.writer, "%s%s%s%s%s\n", dim, vertical, strings.Repeat(horizontal, b.width-2), vertical, reset)
}

func (b *Banner) row(text, color string) {
	limit := b.width - 4
	if visualLen(text) > limit {
		r := []rune(text)
		text = string(r[:limit-3]) + "..."
	}
	body := "  " + text
	if color != "" {
		body = "  " + color + text + reset
	}
	fmt.Fprintf(b.writer, "%s%s%s%s%s%s\n", dim, vertical, reset, body, strings.Repeat(" ", b.pad(text)), dim+vertical+reset)
}

func (b *Banner) pad(text string) int {
	p := b.width - visualLen(text) - 4
	if p < 0 {
		return 0
	}
	return p
}

func (b *Banner) printFooter() {
	fmt.Fprintf(b.writer, "%s%s%s%s%s\n", dim, bottomLeft, strings.Repeat(horizontal, b.width-2), bottomRight, reset)
	fmt.Fprintf(b.writer, "\n")
}

// visualLen returns the visual length of a string (excluding ANSI codes)
func visualLen(s string) int {
	return utf8.RuneCountInString(s)
}

func pluralize(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
