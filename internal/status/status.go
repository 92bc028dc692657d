// Package status renders a job's step tree in place on a terminal.
package status

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/chr1sbest/jobtrail/internal/steps"
)

// ANSI escape codes
const (
	clearLine  = "\033[2K"
	moveUp     = "\033[A"
	moveToCol0 = "\r"
	reset      = "\033[0m"
	bold       = "\033[1m"
	dim        = "\033[2m"
	green      = "\033[32m"
	yellow     = "\033[33m"
	cyan       = "\033[36m"
	red        = "\033[31m"
)

// Progress bar characters
const (
	barFilled = "█"
	barEmpty  = "░"
	barWidth  = 20
)

// Writer handles in-place status updates to the terminal
type Writer struct {
	w            io.Writer
	mu           sync.Mutex
	linesWritten int
	color        bool
}

// New creates a status writer that outputs to stdout
func New() *Writer {
	return &Writer{w: os.Stdout, color: true}
}

// NewWithWriter creates a status writer with a custom output. Plain writers
// get no ANSI sequences.
func NewWithWriter(w io.Writer, color bool) *Writer {
	return &Writer{w: w, color: color}
}

// Clear erases any previously written status lines
func (s *Writer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.color {
		s.linesWritten = 0
		return
	}
	for i := 0; i < s.linesWritten; i++ {
		fmt.Fprint(s.w, moveUp+clearLine)
	}
	fmt.Fprint(s.w, moveToCol0)
	s.linesWritten = 0
}

// Update clears previous status and writes new status
func (s *Writer) Update(lines ...string) {
	s.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range lines {
		fmt.Fprintln(s.w, line)
	}
	s.linesWritten = len(lines)
}

// Frame is one rendering of a job.
type Frame struct {
	JobID      string
	State      string
	Result     string
	Cancelling bool
	Steps      []steps.Step
}

// Show redraws the frame in place.
func (s *Writer) Show(f Frame) {
	s.Update(s.Lines(f)...)
}

// Final draws the frame and keeps it on screen.
func (s *Writer) Final(f Frame) {
	s.Update(s.Lines(f)...)
	s.mu.Lock()
	s.linesWritten = 0
	s.mu.Unlock()
}

// Lines renders a frame: a header with a progress bar over the leaf steps,
// then the tree.
func (s *Writer) Lines(f Frame) []string {
	done, total := leafCounts(f.Steps)
	header := fmt.Sprintf("%s %s %s", s.paint(bold, f.JobID), s.progressBar(done, total), s.paint(dim, fmt.Sprintf("%d/%d", done, total)))
	switch {
	case f.Result != "":
		header += " " + s.paint(resultColor(f.Result)+bold, f.Result)
	case f.Cancelling:
		header += " " + s.paint(yellow, "cancelling...")
	case f.State != "":
		header += " " + s.paint(dim, f.State)
	}
	lines := []string{header}
	s.tree(&lines, f.Steps, "")
	return lines
}

func (s *Writer) tree(lines *[]string, list []steps.Step, prefix string) {
	for i, st := range list {
		last := i == len(list)-1
		branch, next := "├─ ", "│  "
		if last {
			branch, next = "└─ ", "   "
		}
		line := prefix + branch + s.icon(st.Status) + " " + st.Name
		if ms, ok := st.Duration(); ok {
			line += " " + s.paint(dim, fmt.Sprintf("(%dms)", ms))
		}
		if m := metricsText(st.Metrics); m != "" {
			line += " " + s.paint(dim, m)
		}
		if st.Error != "" {
			line += " " + s.paint(red, st.Error)
		}
		*lines = append(*lines, line)
		s.tree(lines, st.Children, prefix+next)
	}
}

func (s *Writer) icon(st steps.Status) string {
	switch st {
	case steps.StatusCompleted:
		return s.paint(green, "✓")
	case steps.StatusFailed:
		return s.paint(red, "✗")
	case steps.StatusPartial:
		return s.paint(yellow, "◐")
	case steps.StatusSkipped:
		return s.paint(dim, "↷")
	default:
		return s.paint(cyan, "…")
	}
}

func resultColor(result string) string {
	switch result {
	case "success":
		return green
	case "cancelled":
		return yellow
	default:
		return red
	}
}

// leafCounts counts finished and total leaf steps.
func leafCounts(list []steps.Step) (done, total int) {
	steps.Walk(list, func(_ []string, st steps.Step) {
		if len(st.Children) > 0 {
			return
		}
		total++
		if st.Status.Terminal() {
			done++
		}
	})
	return done, total
}

func metricsText(m steps.Metrics) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// progressBar generates a progress bar string
func (s *Writer) progressBar(completed, total int) string {
	if total == 0 {
		return s.paint(dim, strings.Repeat(barEmpty, barWidth))
	}

	filled := (completed * barWidth) / total
	if filled > barWidth {
		filled = barWidth
	}

	return s.paint(green, strings.Repeat(barFilled, filled)) +
		s.paint(dim, strings.Repeat(barEmpty, barWidth-filled))
}

func (s *Writer) paint(code, text string) string {
	if !s.color || text == "" {
		return text
	}
	return code + text + reset
}
