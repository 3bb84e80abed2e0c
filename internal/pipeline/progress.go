package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Reporter receives coarse completion percentages. Values are
// non-decreasing and the last one of a run is 100.
type Reporter interface {
	Update(percent int)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(percent int)

func (f ReporterFunc) Update(percent int) { f(percent) }

// TextProgress rewrites a single terminal line.
type TextProgress struct {
	W     io.Writer
	Label string
	mu    sync.Mutex
}

func (p *TextProgress) Update(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.W, "\r %s: %d%%", p.Label, percent)
	if percent >= 100 {
		fmt.Fprintln(p.W)
	}
}

// LogProgress emits one log line per update.
type LogProgress struct {
	Log   *slog.Logger
	Label string
}

func (p LogProgress) Update(percent int) {
	p.Log.Info(p.Label, "percent", percent)
}

// MultiReporter fans updates out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Update(percent int) {
	for _, r := range m {
		if r != nil {
			r.Update(percent)
		}
	}
}
