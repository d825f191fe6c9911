package bumper

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
)

// fakeProc builds a procfs-shaped directory tree for tests.
type fakeProc struct {
	t    *testing.T
	root string
}

func newFakeProc(t *testing.T) *fakeProc {
	t.Helper()
	return &fakeProc{t: t, root: t.TempDir()}
}

// addProcess creates /<pid>/cmdline (NUL-separated argv) and /<pid>/stat
// with the given parent PID.
func (p *fakeProc) addProcess(pid, ppid int, argv ...string) {
	p.t.Helper()
	dir := filepath.Join(p.root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.t.Fatal(err)
	}

	cmdline := []byte{}
	for _, arg := range argv {
		cmdline = append(cmdline, arg...)
		cmdline = append(cmdline, 0)
	}
	if err := os.WriteFile(filepath.Join(dir, "cmdline"), cmdline, 0o644); err != nil {
		p.t.Fatal(err)
	}

	comm := "(proc)"
	if len(argv) > 0 {
		comm = "(" + filepath.Base(argv[0]) + ")"
	}
	stat := strconv.Itoa(pid) + " " + comm + " S " + strconv.Itoa(ppid) + " 0 0 0 -1 4194560 100 0 0 0"
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644); err != nil {
		p.t.Fatal(err)
	}
}

func (p *fakeProc) removeProcess(pid int) {
	p.t.Helper()
	if err := os.RemoveAll(filepath.Join(p.root, strconv.Itoa(pid))); err != nil {
		p.t.Fatal(err)
	}
}

func cmdlineDetection(pattern string) Detection {
	return Detection{Cmdline: regexp.MustCompile(pattern)}
}

func TestDetector_FixedPid(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(42, 1, "/usr/sbin/haproxy", "-f", "/etc/haproxy.cfg")

	d := newDetector(Detection{Pid: 42}, nil, proc.root)
	pid, err := d.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if pid != 42 {
		t.Errorf("expected pid 42, got %d", pid)
	}
}

func TestDetector_FixedPidNotRunning(t *testing.T) {
	proc := newFakeProc(t)

	d := newDetector(Detection{Pid: 42}, nil, proc.root)
	_, err := d.resolve()
	if !errors.Is(err, ErrNoProcess) {
		t.Errorf("expected ErrNoProcess, got %v", err)
	}
}

func TestDetector_CmdlineScan(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(1, 0, "/sbin/init")
	proc.addProcess(37, 1, "/usr/bin/envoy", "--config", "/etc/envoy.yaml")
	proc.addProcess(51, 1, "/usr/sbin/nginx", "-g", "daemon off;")

	d := newDetector(cmdlineDetection("nginx"), nil, proc.root)
	pid, err := d.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if pid != 51 {
		t.Errorf("expected pid 51, got %d", pid)
	}
}

func TestDetector_CmdlineNoMatch(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(1, 0, "/sbin/init")

	d := newDetector(cmdlineDetection("nginx"), nil, proc.root)
	_, err := d.resolve()
	if !errors.Is(err, ErrNoProcess) {
		t.Errorf("expected ErrNoProcess, got %v", err)
	}
}

func TestDetector_MultipleMatchesLowestPidWins(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(300, 1, "/usr/sbin/nginx", "-g", "daemon off;")
	proc.addProcess(25, 1, "/usr/sbin/nginx", "-g", "daemon off;")
	proc.addProcess(120, 1, "/usr/sbin/nginx", "-g", "daemon off;")

	d := newDetector(cmdlineDetection("nginx"), nil, proc.root)
	pid, err := d.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if pid != 25 {
		t.Errorf("expected the lowest matching pid 25, got %d", pid)
	}
}

func TestDetector_CachedPidRevalidated(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(60, 1, "/usr/sbin/nginx")

	d := newDetector(cmdlineDetection("nginx"), nil, proc.root)
	pid, err := d.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if pid != 60 {
		t.Fatalf("expected pid 60, got %d", pid)
	}

	// The payload restarts under a new PID; the stale cache entry must be
	// rediscovered, not returned.
	proc.removeProcess(60)
	proc.addProcess(75, 1, "/usr/sbin/nginx")

	pid, err = d.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if pid != 75 {
		t.Errorf("expected rediscovered pid 75, got %d", pid)
	}
}

func TestDetector_ParentConstraint(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(10, 1, "/usr/bin/supervisor")
	proc.addProcess(20, 10, "/usr/sbin/nginx")
	proc.addProcess(15, 1, "/usr/sbin/nginx")

	parent := newDetector(cmdlineDetection("supervisor"), nil, proc.root)
	child := newDetector(cmdlineDetection("nginx"), parent, proc.root)

	pid, err := child.resolve()
	if err != nil {
		t.Fatal(err)
	}
	// PID 15 matches the cmdline but hangs off init; only 20 has the
	// required parent.
	if pid != 20 {
		t.Errorf("expected pid 20 (child of supervisor), got %d", pid)
	}
}

func TestDetector_ParentMissingFailsChain(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(20, 10, "/usr/sbin/nginx")

	parent := newDetector(cmdlineDetection("supervisor"), nil, proc.root)
	child := newDetector(cmdlineDetection("nginx"), parent, proc.root)

	_, err := child.resolve()
	if !errors.Is(err, ErrNoProcess) {
		t.Errorf("expected ErrNoProcess when the required parent is missing, got %v", err)
	}
}

func TestDetector_FixedPidCheckedAgainstParent(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(7, 1, "/usr/bin/supervisor")
	proc.addProcess(42, 99, "/usr/sbin/nginx")

	// A configured PID is not taken on faith: the parent constraint applies
	// to it the same as to a scanned candidate.
	parent := newDetector(Detection{Pid: 7}, nil, proc.root)
	child := newDetector(Detection{Pid: 42}, parent, proc.root)

	_, err := child.resolve()
	if !errors.Is(err, ErrNoProcess) {
		t.Errorf("expected ErrNoProcess for pid 42 with parent 99, got %v", err)
	}

	// Reparented under 7, the same configuration resolves.
	proc.removeProcess(42)
	proc.addProcess(42, 7, "/usr/sbin/nginx")

	pid, err := child.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if pid != 42 {
		t.Errorf("expected pid 42, got %d", pid)
	}
}

func TestDetector_ParentPidZeroSelectsEntrypoint(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(30, 1, "/usr/sbin/nginx", "-g", "daemon off;")
	proc.addProcess(40, 0, "/usr/sbin/nginx", "-g", "daemon off;")

	// Parent PID 0 requires the candidate's recorded PPID to be 0, which in
	// a shared PID namespace is the container entrypoint. It must not act
	// as a match-anything escape hatch that hands the lowest PID the win.
	parent := newDetector(Detection{Pid: 0}, nil, proc.root)
	child := newDetector(cmdlineDetection("nginx"), parent, proc.root)

	pid, err := child.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if pid != 40 {
		t.Errorf("expected the ppid-0 candidate 40, got %d", pid)
	}
}

func TestDetector_ParentPidZeroNoOrphanedCandidate(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(30, 1, "/usr/sbin/nginx")

	parent := newDetector(Detection{Pid: 0}, nil, proc.root)
	child := newDetector(cmdlineDetection("nginx"), parent, proc.root)

	_, err := child.resolve()
	if !errors.Is(err, ErrNoProcess) {
		t.Errorf("expected ErrNoProcess when no candidate has ppid 0, got %v", err)
	}
}

func TestParseStatPpid(t *testing.T) {
	tests := []struct {
		name    string
		stat    string
		ppid    int
		wantErr bool
	}{
		{
			name: "plain comm",
			stat: "51 (nginx) S 10 51 10 0 -1 4194560 100 0 0 0",
			ppid: 10,
		},
		{
			// An executable with ") " in its name must not confuse the
			// field split.
			name: "parenthesis in comm",
			stat: "327321 (cm)bump) S 135114 327321 135114 34824 327321 1077936128 3274 0 0 0",
			ppid: 135114,
		},
		{
			name:    "malformed",
			stat:    "garbage",
			wantErr: true,
		},
		{
			name:    "truncated",
			stat:    "51 (nginx) S",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ppid, err := parseStatPpid(tt.stat)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if ppid != tt.ppid {
				t.Errorf("expected ppid %d, got %d", tt.ppid, ppid)
			}
		})
	}
}

func TestDetector_CmdlineNulSeparators(t *testing.T) {
	proc := newFakeProc(t)
	proc.addProcess(9, 1, "/usr/sbin/haproxy", "-W", "-db", "-f", "/etc/haproxy/haproxy.cfg")

	d := newDetector(cmdlineDetection(`haproxy .* -f /etc/haproxy/haproxy\.cfg`), nil, proc.root)
	if _, err := d.resolve(); err != nil {
		t.Errorf("expected the NUL-separated cmdline to be matchable as one line: %v", err)
	}
}
