package bumper

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/metlos/cm-bump/pkg/logging"
)

// DefaultDebounceWindow is the quiet period after the last change before
// the signal is delivered. It absorbs bursts where several config maps
// change in one reconciliation pass.
const DefaultDebounceWindow = 500 * time.Millisecond

// Config describes which process to bump and how.
type Config struct {
	// Detections is the detection chain, ancestors first: every entry but
	// the last constrains the parent of the one after it, and the final
	// entry identifies the process that receives the signal. Must not be
	// empty.
	Detections []Detection

	// Signal is the signal name as listed by `kill -l`, prefixed with
	// "SIG", e.g. "SIGHUP".
	Signal string

	// Window is the debounce window; zero means DefaultDebounceWindow.
	Window time.Duration

	// ProcRoot overrides the procfs mount point. Empty means /proc.
	ProcRoot string
}

// Bumper delivers a configured signal to the detected process, coalescing
// bursts of triggers through a single debounce timer.
type Bumper struct {
	target *detector
	signal syscall.Signal
	window time.Duration

	// kill is swappable in tests.
	kill func(pid int, sig syscall.Signal) error

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// New builds a Bumper from the configuration. The signal name and the
// detection chain are validated here; both problems are startup-fatal for
// a sidecar whose whole purpose is delivering that signal.
func New(cfg Config) (*Bumper, error) {
	if len(cfg.Detections) == 0 {
		return nil, errors.New("at least one process detection must be configured")
	}

	sig := unix.SignalNum(cfg.Signal)
	if sig == 0 {
		return nil, fmt.Errorf("unknown signal name %q", cfg.Signal)
	}

	window := cfg.Window
	if window == 0 {
		window = DefaultDebounceWindow
	}
	procRoot := cfg.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}

	var chain *detector
	for _, detection := range cfg.Detections {
		chain = newDetector(detection, chain, procRoot)
	}

	return &Bumper{
		target: chain,
		signal: sig,
		window: window,
		kill:   unix.Kill,
	}, nil
}

// Trigger records that synchronized content changed. The actual delivery
// happens once the debounce window passes without another trigger; a
// trigger while the timer is pending extends it instead of queueing a
// second delivery.
func (b *Bumper) Trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.fire)
		return
	}
	b.timer.Reset(b.window)
}

// Stop cancels any pending delivery without firing it and rejects further
// triggers. Used on shutdown, where a trigger racing the stop must not
// produce one last delivery.
func (b *Bumper) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Bumper) fire() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.mu.Unlock()

	if err := b.Bump(); err != nil {
		logging.Error("Bumper", err, "Failed to signal the process")
	}
}

// Bump resolves the target process and delivers the signal once. A target
// that cannot be found is logged and skipped; the next change starts a
// fresh cycle.
func (b *Bumper) Bump() error {
	pid, err := b.target.resolve()
	if err != nil {
		if errors.Is(err, ErrNoProcess) {
			logging.Info("Bumper", "No process matches the configured criteria, bump has no effect")
			return nil
		}
		return err
	}

	logging.Debug("Bumper", "Sending %s to pid %d", unix.SignalName(b.signal), pid)
	if err := b.kill(pid, b.signal); err != nil {
		return fmt.Errorf("failed to send %s to pid %d: %w", unix.SignalName(b.signal), pid, err)
	}
	return nil
}
