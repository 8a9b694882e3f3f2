package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates a one-line status while a blocking step runs, such as
// warming the models or scanning the catalog. On a non-terminal writer it
// prints the final line only.
type Spinner struct {
	mu        sync.Mutex
	writer    io.Writer
	animated  bool
	message   string
	running   bool
	done      chan struct{}
	stopped   chan struct{}
	startTime time.Time
}

// NewSpinner creates a spinner writing to w.
func NewSpinner(w io.Writer, animated bool) *Spinner {
	return &Spinner{writer: w, animated: animated}
}

// Start begins the animation.
func (s *Spinner) Start(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.message = message
	s.running = true
	s.startTime = time.Now()
	if !s.animated {
		return
	}
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.animate(s.done, s.stopped)
}

// Update changes the message while running.
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// Stop ends the animation and prints finalMessage if non-empty.
func (s *Spinner) Stop(finalMessage string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done, stopped := s.done, s.stopped
	s.mu.Unlock()

	if done != nil {
		close(done)
		<-stopped
		fmt.Fprint(s.writer, "\r\033[K")
	}
	if finalMessage != "" {
		fmt.Fprintln(s.writer, finalMessage)
	}
}

// Success stops with a green checkmark
func (s *Spinner) Success(message string) {
	s.Stop(color.GreenString("✓") + " " + message)
}

// Fail stops with a red X
func (s *Spinner) Fail(message string) {
	s.Stop(color.RedString("✗") + " " + message)
}

func (s *Spinner) animate(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			message := s.message
			elapsed := time.Since(s.startTime)
			s.mu.Unlock()

			var timeStr string
			if elapsed > time.Second {
				timeStr = color.HiBlackString(" (%s)", FormatDuration(elapsed))
			}
			fmt.Fprintf(s.writer, "\r\033[K%s %s%s", color.CyanString(spinnerFrames[i%len(spinnerFrames)]), message, timeStr)
		}
	}
}

// RunWithSpinner executes fn while showing a spinner.
func RunWithSpinner(w io.Writer, animated bool, message string, fn func() error) error {
	spinner := NewSpinner(w, animated)
	spinner.Start(message)
	if err := fn(); err != nil {
		spinner.Fail(message + " - failed")
		return err
	}
	spinner.Success(message)
	return nil
}

// FormatDuration renders d as "4.2s", "3m12s" or "2h05m".
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// StatusLine prints one-line status messages without animation.
type StatusLine struct {
	writer io.Writer
}

// NewStatusLine creates a status line writer
func NewStatusLine(w io.Writer) *StatusLine {
	return &StatusLine{writer: w}
}

// Success prints a success status
func (sl *StatusLine) Success(format string, args ...any) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

// Fail prints a failure status
func (sl *StatusLine) Fail(format string, args ...any) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.RedString("✗"), fmt.Sprintf(format, args...))
}

// Warning prints a warning status
func (sl *StatusLine) Warning(format string, args ...any) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.YellowString("⚠"), fmt.Sprintf(format, args...))
}

// Info prints an info status
func (sl *StatusLine) Info(format string, args ...any) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.BlueString("ℹ"), fmt.Sprintf(format, args...))
}

// Step prints a step in a process (e.g., "[2/5] Building catalog")
func (sl *StatusLine) Step(current, total int, message string) {
	progress := color.HiBlackString("[%d/%d]", current, total)
	fmt.Fprintf(sl.writer, "%s %s %s\n", color.CyanString("▸"), progress, message)
}
