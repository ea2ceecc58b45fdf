// Package display renders a node's outputs on a terminal: the lamps of a
// light, the detector of a gate and the sink's reports.
package display

import (
	"crossing/actions"
	"crossing/radio/messages"
	"crossing/sink"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

var (
	green   = color.New(color.FgGreen, color.Bold)
	red     = color.New(color.FgRed, color.Bold)
	caution = color.New(color.FgYellow)
	warning = color.New(color.FgHiRed, color.Bold, color.ReverseVideo)
	dim     = color.New(color.Faint)
)

// Panel writes one line per visible change. The caution indication
// alternates every blink tick and is only written when it starts.
type Panel struct {
	mu      sync.Mutex
	w       io.Writer
	name    string
	current actions.SetIndication
	shown   bool
}

func New(w io.Writer, name string) *Panel {
	return &Panel{w: w, name: name}
}

func (p *Panel) Indicate(ind actions.SetIndication) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, shown := p.current, p.shown
	p.current, p.shown = ind, true
	if shown && (prev == ind || (prev.Caution && ind.Caution)) {
		return
	}

	switch {
	case ind.Caution:
		caution.Fprintf(p.w, "%s: CAUTION\n", p.name)
	case ind.Lamp == actions.Green:
		green.Fprintf(p.w, "%s: GREEN\n", p.name)
	case ind.Lamp == actions.Red:
		red.Fprintf(p.w, "%s: RED\n", p.name)
	default:
		dim.Fprintf(p.w, "%s: DARK\n", p.name)
	}
}

func (p *Panel) Detector(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enabled {
		dim.Fprintf(p.w, "%s: detector armed\n", p.name)
	} else {
		dim.Fprintf(p.w, "%s: detector off\n", p.name)
	}
}

// Report prints a completed sink cycle, preceded by the warning banner if
// one was set.
func (p *Panel) Report(r sink.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.Banner != "" {
		warning.Fprintf(p.w, "%s\n", r.Banner)
	}
	if r.Kind == messages.Temperature {
		fmt.Fprintf(p.w, "TEMP: %d°C\n", r.Average)
	} else {
		fmt.Fprintf(p.w, "HUMIDITY: %d%%\n", r.Average)
	}
}
