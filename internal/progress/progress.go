// Package progress tracks the fraction of a task graph that has completed
// and renders it to the user in one of several modes, mirroring the
// original's progress.c: a mode selected once up front, a running total of
// "progress units" established before a task starts, and a counter that
// climbs as functions report the bytes/blocks they've processed.
//
// Unlike progress.c's plain stdout writes, reporting here goes through the
// schollz/progressbar/v3 bar the CLI already wires in for other long-running
// operations, plus a raw numeric/framing writer for the non-interactive
// modes scripts depend on.
package progress

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// Mode selects how progress is surfaced, matching fwup_progress_mode.
type Mode int

const (
	// ModeOff reports nothing.
	ModeOff Mode = iota
	// ModeNumeric writes a bare "NN\n" percentage to Writer on each change.
	ModeNumeric
	// ModeNormal renders an interactive bar.
	ModeNormal
	// ModeFraming wraps each percentage update in the framing protocol
	// fwup's Elixir bindings parse on a pipe (a 4-byte length prefix
	// followed by the payload), so progress can be read without scraping
	// a TTY.
	ModeFraming
)

// Reporter tracks progress for a single apply/create run.
type Reporter struct {
	mode         Mode
	totalUnits   int64
	currentUnits int64
	lastReported int
	writer       io.Writer
	bar          *progressbar.ProgressBar
}

// New returns a Reporter in the given mode. The number of progress units
// (as computed by a task's ComputeProgress pass) equal to 100% starts at
// zero and is set via SetTotal once the task graph has been walked.
func New(mode Mode, w io.Writer) *Reporter {
	r := &Reporter{mode: mode, writer: w, lastReported: -1}
	if mode == ModeNormal {
		r.bar = progressbar.NewOptions64(100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("applying"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	return r
}

// SetTotal establishes the number of progress units equal to 100%.
func (r *Reporter) SetTotal(units int64) {
	r.totalUnits = units
}

// TotalUnits returns the number of progress units currently equal to 100%,
// so a function's ComputeProgress can add its own share to the running
// total rather than overwrite what earlier functions contributed.
func (r *Reporter) TotalUnits() int64 {
	return r.totalUnits
}

// Report adds units to the running total and emits an update if the
// reportable percentage has changed since the last call.
func (r *Reporter) Report(units int64) {
	r.currentUnits += units
	r.report()
}

// Complete forces a 100% report regardless of the running total, used when
// a task graph finishes (or errors out) so observers don't see a stall.
func (r *Reporter) Complete() {
	r.currentUnits = r.totalUnits
	r.lastReported = -1
	r.report()
}

func (r *Reporter) percent() int {
	if r.totalUnits <= 0 {
		return 100
	}
	pct := int(r.currentUnits * 100 / r.totalUnits)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

func (r *Reporter) report() {
	pct := r.percent()
	if pct == r.lastReported {
		return
	}
	r.lastReported = pct

	switch r.mode {
	case ModeOff:
		return
	case ModeNumeric:
		fmt.Fprintf(r.writer, "%d\n", pct)
	case ModeNormal:
		if r.bar != nil {
			_ = r.bar.Set(pct)
		}
	case ModeFraming:
		payload := fmt.Sprintf("%d", pct)
		frame := make([]byte, 4+len(payload))
		frame[0] = byte(len(payload) >> 24)
		frame[1] = byte(len(payload) >> 16)
		frame[2] = byte(len(payload) >> 8)
		frame[3] = byte(len(payload))
		copy(frame[4:], payload)
		r.writer.Write(frame)
	}
}
