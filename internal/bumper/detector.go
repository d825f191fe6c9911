package bumper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/metlos/cm-bump/pkg/logging"
)

// ErrNoProcess is reported when no live process matches the configured
// criteria. Callers treat it as a skip-this-cycle condition, not a failure
// of the sidecar.
var ErrNoProcess = errors.New("no process matches the configured criteria")

// Detection describes how to identify one process: either a fixed PID or a
// regular expression matched against the process command line. Cmdline set
// means command-line detection; otherwise Pid is used.
//
// A fixed PID of 0 resolves to 0 without a process table lookup. Used as a
// parent constraint it selects the process whose recorded PPID is 0, which
// in a shared PID namespace is the container entrypoint: its real parent
// lives outside the namespace.
type Detection struct {
	Pid     int
	Cmdline *regexp.Regexp
}

func (d Detection) String() string {
	if d.Cmdline != nil {
		return fmt.Sprintf("cmdline ~ %q", d.Cmdline)
	}
	return fmt.Sprintf("pid %d", d.Pid)
}

// detector resolves a single Detection against the process table, with an
// optional parent detector that the candidate's parent PID must satisfy.
// The last resolved PID is cached and revalidated on the next resolution,
// so a stable payload is not rescanned on every bump.
type detector struct {
	detection Detection
	parent    *detector

	// procRoot is the procfs mount point, overridable in tests.
	procRoot string

	// cached is the previously resolved PID, or -1 when unknown.
	cached int
}

func newDetector(detection Detection, parent *detector, procRoot string) *detector {
	return &detector{
		detection: detection,
		parent:    parent,
		procRoot:  procRoot,
		cached:    -1,
	}
}

// resolve returns the PID currently matching this detector's criteria.
func (d *detector) resolve() (int, error) {
	var ppid int
	requireParent := d.parent != nil
	if requireParent {
		resolved, err := d.parent.resolve()
		if err != nil {
			// A required parent that cannot be found makes the whole
			// chain unresolvable.
			return 0, err
		}
		ppid = resolved
	}

	if d.valid() && (!requireParent || d.hasParent(d.cached, ppid)) {
		return d.cached, nil
	}
	d.cached = -1

	pid, err := d.find(requireParent, ppid)
	if err != nil {
		return 0, err
	}

	d.cached = pid
	return pid, nil
}

// valid reports whether the cached PID still satisfies the detection.
func (d *detector) valid() bool {
	if d.cached < 0 {
		return false
	}
	if d.detection.Cmdline == nil {
		if d.detection.Pid == 0 {
			return true
		}
		return d.cached == d.detection.Pid && d.pidExists(d.cached)
	}

	cmdline, err := d.readCmdline(d.cached)
	if err != nil {
		return false
	}
	return d.detection.Cmdline.MatchString(cmdline)
}

func (d *detector) find(requireParent bool, ppid int) (int, error) {
	if d.detection.Cmdline == nil {
		pid := d.detection.Pid
		if pid == 0 {
			return 0, nil
		}
		if !d.pidExists(pid) {
			return 0, fmt.Errorf("%w: pid %d is not running", ErrNoProcess, pid)
		}
		if requireParent && !d.hasParent(pid, ppid) {
			return 0, fmt.Errorf("%w: pid %d is not a child of pid %d", ErrNoProcess, pid, ppid)
		}
		return pid, nil
	}

	candidates, err := d.scan()
	if err != nil {
		return 0, err
	}

	for _, pid := range candidates {
		if requireParent && !d.hasParent(pid, ppid) {
			continue
		}
		return pid, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrNoProcess, d.detection)
}

// hasParent reports whether the stat PPID of pid equals ppid. A required
// parent of 0 is a real constraint like any other: the candidate's recorded
// PPID must actually be 0.
func (d *detector) hasParent(pid, ppid int) bool {
	parent, err := d.parentPidOf(pid)
	if err != nil {
		logging.Warn("Bumper", "Failed to determine the parent of pid %d: %v", pid, err)
		return false
	}
	if parent != ppid {
		logging.Debug("Bumper", "Skipping candidate pid %d: parent %d does not match required %d", pid, parent, ppid)
		return false
	}
	return true
}

// scan walks the procfs root and returns, in ascending PID order, every
// process whose command line matches the detection regexp. Ascending order
// makes the multiple-match policy deterministic: the lowest PID wins.
func (d *detector) scan() ([]int, error) {
	entries, err := os.ReadDir(d.procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read the process table at %q: %w", d.procRoot, err)
	}

	var matches []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		cmdline, err := d.readCmdline(pid)
		if err != nil {
			// The process may have exited mid-scan.
			continue
		}
		if d.detection.Cmdline.MatchString(cmdline) {
			matches = append(matches, pid)
		}
	}

	sort.Ints(matches)
	return matches, nil
}

func (d *detector) pidExists(pid int) bool {
	_, err := os.Stat(filepath.Join(d.procRoot, strconv.Itoa(pid)))
	return err == nil
}

// readCmdline returns the process command line with the NUL separators of
// /proc/<pid>/cmdline replaced by spaces.
func (d *detector) readCmdline(pid int) (string, error) {
	raw, err := os.ReadFile(filepath.Join(d.procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " ")), nil
}

// parentPidOf extracts the PPID from /proc/<pid>/stat. The comm field is
// parenthesized and may itself contain parentheses, so the parse anchors
// on the last ") " rather than splitting naively.
func (d *detector) parentPidOf(pid int) (int, error) {
	raw, err := os.ReadFile(filepath.Join(d.procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}

	return parseStatPpid(string(raw))
}

func parseStatPpid(stat string) (int, error) {
	end := strings.LastIndex(stat, ") ")
	if end < 0 {
		return 0, fmt.Errorf("malformed stat line %q", stat)
	}

	fields := strings.Fields(stat[end+2:])
	if len(fields) < 2 {
		return 0, fmt.Errorf("stat line %q has too few fields", stat)
	}

	// fields[0] is the state, fields[1] the PPID.
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("failed to parse ppid from stat line: %w", err)
	}
	return ppid, nil
}
