package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"ytmaster/internal/events"
	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

const titleWidth = 60

// progressStep is the percent granularity at which the console repeats
// progress lines for one item.
const progressStep = 10

// FormatEvent renders one event as a single console line without a trailing
// newline. Events with nothing to show (cap-only queue changes) yield "".
func FormatEvent(ev events.Event) string {
	r := ev.Record
	if ev.Type == events.QueueChanged && r.Key.IsZero() {
		return ""
	}
	head := fmt.Sprintf("%-10s %-8s", tag(ev.Type, r.Status), ShortID(r.ID))
	title := TruncateWithEllipsis(r.DisplayTitle(), titleWidth)

	switch ev.Type {
	case events.Progress:
		text := r.StatusText
		if text == "" {
			text = fmt.Sprintf("%s: %.1f%%", r.Status, r.Progress)
		}
		return head + " " + title + "  " + text
	case events.Completed:
		line := head + " " + title
		if r.Filename != "" {
			line += " -> " + r.Filename
		}
		if took := elapsed(r); took != "" {
			line += " (" + took + ")"
		}
		return line
	case events.Failed:
		msg := r.Error
		if msg == "" {
			msg = "unknown error"
		}
		return head + " " + title + ": " + msg
	default:
		return head + " " + title
	}
}

func tag(t events.Type, s model.Status) string {
	switch t {
	case events.QueueChanged:
		return "[" + strings.ToLower(s.String()) + "]"
	case events.Started:
		return "[start]"
	case events.Metadata:
		return "[meta]"
	case events.Progress:
		return "[" + strings.ToLower(s.String()) + "]"
	case events.Completed:
		return "[done]"
	case events.Failed:
		return "[error]"
	case events.Cancelled:
		return "[cancel]"
	case events.Removed:
		return "[removed]"
	}
	return "[" + string(t) + "]"
}

func elapsed(r model.Record) string {
	if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return ""
	}
	d := r.FinishedAt.Sub(r.StartedAt).Round(time.Second)
	if d < time.Second {
		return "under a second"
	}
	return "took " + strings.TrimSpace(humanize.RelTime(r.StartedAt, r.FinishedAt, "", ""))
}

// Console prints events to a writer. Progress lines are thinned to one per
// step of progressStep percent per item; status changes always print.
type Console struct {
	w     io.Writer
	color bool

	mu   sync.Mutex
	last map[urlnorm.Key]progressMark
}

type progressMark struct {
	step   int
	status model.Status
}

// NewConsole returns a console writing to w. Output is colored when w is a
// terminal.
func NewConsole(w io.Writer) *Console {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Console{w: w, color: color, last: make(map[urlnorm.Key]progressMark)}
}

// Handle is an events.Handler.
func (c *Console) Handle(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case ev.Type == events.Progress:
		mark := progressMark{step: int(ev.Record.Progress) / progressStep, status: ev.Record.Status}
		if prev, ok := c.last[ev.Key]; ok && prev == mark {
			return
		}
		c.last[ev.Key] = mark
	case ev.Type.Terminal() || ev.Type == events.Removed:
		delete(c.last, ev.Key)
	}

	line := FormatEvent(ev)
	if line == "" {
		return
	}
	if c.color {
		line = colorize(ev.Type, line)
	}
	fmt.Fprintln(c.w, line)
}

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

func colorize(t events.Type, line string) string {
	switch t {
	case events.Completed:
		return ansiGreen + line + ansiReset
	case events.Failed:
		return ansiRed + line + ansiReset
	case events.Cancelled:
		return ansiYellow + line + ansiReset
	}
	return line
}
