// Package progress provides terminal progress indicators for long-running
// vault operations (full scans, migrations): a pterm spinner that is
// silent outside a TTY.
package progress

import (
	"os"

	"github.com/pterm/pterm"

	"github.com/rybkr/vaultsync/internal/termcolor"
)

// Spinner wraps pterm's animated spinner, staying silent in
// non-interactive environments (piped output, CI).
type Spinner struct {
	msg      string
	active   bool
	delegate *pterm.SpinnerPrinter
}

// New creates a Spinner that will display msg alongside the animation.
func New(msg string) *Spinner {
	return &Spinner{msg: msg}
}

// Start begins the spinner animation. It is a no-op when stderr is not a
// terminal.
func (s *Spinner) Start() {
	if !termcolor.IsTerminal(os.Stderr.Fd()) {
		return
	}
	printer := pterm.DefaultSpinner.WithWriter(os.Stderr)
	started, err := printer.Start(s.msg)
	if err != nil {
		return
	}
	s.delegate = started
	s.active = true
}

// UpdateText changes the spinner's message mid-flight, e.g. to report a
// full scan's checkpoint progress.
func (s *Spinner) UpdateText(msg string) {
	s.msg = msg
	if s.active && s.delegate != nil {
		s.delegate.UpdateText(msg)
	}
}

// Stop halts the spinner without printing a success or failure mark.
func (s *Spinner) Stop() {
	if !s.active || s.delegate == nil {
		return
	}
	_ = s.delegate.Stop()
	s.active = false
}

// Fail halts the spinner with a failure mark and msg, for callers that know the operation it was tracking did
// not succeed.
func (s *Spinner) Fail(msg string) {
	if !s.active || s.delegate == nil {
		return
	}
	s.delegate.Fail(msg)
	s.active = false
}
