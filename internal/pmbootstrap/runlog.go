package pmbootstrap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ulikunitz/xz"
)

// RunLog is the single log stream every command runner invocation writes
// to (spec §4.2/§5): every entry carries a monotonic sequence number so
// that, for any pair of commands issued through the runner, their
// start/end events are totally ordered.
//
// Grounded on the teacher's log.xz-per-package build log (tui.go,
// build.go), generalized to one log per invocation rather than one per
// package, and compressed with the same ulikunitz/xz the teacher already
// imports for its pager (cli.go).
type RunLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
	seq  atomic.Uint64
}

// OpenRunLog creates (or truncates) <workdir>/logs/<timestamp>-<verb>.log
// for the current invocation.
func OpenRunLog(workdir, verb string) (*RunLog, error) {
	dir := filepath.Join(workdir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%s.log", time.Now().UTC().Format("20060102T150405Z"), verb)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &RunLog{f: f, path: path}, nil
}

// NextSeq returns the next monotonic sequence number for a log entry.
func (rl *RunLog) NextSeq() uint64 { return rl.seq.Add(1) }

// Writef appends one timestamped, sequence-numbered line. Safe for
// concurrent use by the subprocess stdout/stderr drain goroutines (§5).
func (rl *RunLog) Writef(format string, args ...any) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	fmt.Fprintf(rl.f, "[%s] "+format+"\n", append([]any{time.Now().UTC().Format(time.RFC3339Nano)}, args...)...)
}

// Writer exposes the log as an io.Writer for stream-to-log output
// disposition (§4.2), without the per-line timestamp prefix.
func (rl *RunLog) Writer() io.Writer {
	if rl == nil {
		return io.Discard
	}
	return &runLogWriter{rl: rl}
}

type runLogWriter struct{ rl *RunLog }

func (w *runLogWriter) Write(p []byte) (int, error) {
	w.rl.mu.Lock()
	defer w.rl.mu.Unlock()
	return w.rl.f.Write(p)
}

// Close flushes and xz-compresses the log file in place, matching the
// teacher's log.xz convention.
func (rl *RunLog) Close() error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if err := rl.f.Close(); err != nil {
		return err
	}

	raw, err := os.ReadFile(rl.path)
	if err != nil {
		return err
	}
	out, err := os.Create(rl.path + ".xz")
	if err != nil {
		return err
	}
	defer out.Close()
	xw, err := xz.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := xw.Write(raw); err != nil {
		return err
	}
	if err := xw.Close(); err != nil {
		return err
	}
	return os.Remove(rl.path)
}

// Path returns the (pre-compression) log file path, used to print the
// "pointer to the log path" the dispatcher owes the user on failure
// (spec §7 propagation policy).
func (rl *RunLog) Path() string {
	if rl == nil {
		return ""
	}
	return rl.path + ".xz"
}

// ReadLogLines decompresses an xz log file written by Close and splits it
// into lines, for `status --logs` to hand to ShowLog (logview.go).
func ReadLogLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(xr)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// LatestLog returns the path to the most recently closed run log under
// <workdir>/logs, or "" if none exist.
func LatestLog(workdir string) (string, error) {
	dir := filepath.Join(workdir, "logs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".xz") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
