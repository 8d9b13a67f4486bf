package gdbserial

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cosiner/argv"

	"github.com/ttdtools/timetrack/pkg/logflags"
)

// ErrBackendUnavailable is returned when the rr executable can not be found.
type ErrBackendUnavailable struct{}

func (err *ErrBackendUnavailable) Error() string {
	return "backend unavailable: rr not found in PATH"
}

// ErrPerfEventParanoid is returned by Record and Replay when
// /proc/sys/kernel/perf_event_paranoid is greater than 1, rr can neither
// record nor replay in that case.
type ErrPerfEventParanoid struct {
	actual int
}

func (err ErrPerfEventParanoid) Error() string {
	return fmt.Sprintf("rr needs /proc/sys/kernel/perf_event_paranoid <= 1, but it is %d", err.actual)
}

// ErrNotATrace is returned when a directory is not an rr trace directory.
type ErrNotATrace struct {
	Dir string
}

func (err *ErrNotATrace) Error() string {
	return fmt.Sprintf("%s is not an rr trace directory", err.Dir)
}

const perfEventParanoidPath = "/proc/sys/kernel/perf_event_paranoid"

// CheckRRAvailable returns an error if rr can not be used on this system.
func CheckRRAvailable() error {
	if _, err := exec.LookPath("rr"); err != nil {
		return &ErrBackendUnavailable{}
	}
	buf, err := os.ReadFile(perfEventParanoidPath)
	if err != nil {
		// not linux, let rr complain
		return nil
	}
	if n, _ := strconv.Atoi(strings.TrimSpace(string(buf))); n > 1 {
		return ErrPerfEventParanoid{n}
	}
	return nil
}

// RecordConfig describes a program to record.
type RecordConfig struct {
	// Program is the command line of the program.
	Program []string
	// WorkingDir is the directory the program runs in, the current
	// directory if empty.
	WorkingDir string
	// Redirects are the paths of the program's stdin, stdout and stderr.
	// Empty entries inherit the ones of timetrack.
	Redirects [3]string
}

// traceDirFd is the file descriptor rr prints the trace directory to.
const traceDirFd = 3

// Record records the execution of conf.Program with rr and returns the
// trace directory. The program exiting with an error is not a failure of
// the recording: if the trace directory is known it is returned along
// with the error.
func Record(conf RecordConfig) (tracedir string, err error) {
	if err := CheckRRAvailable(); err != nil {
		return "", err
	}
	log := logflags.ReplayLogger()

	rfd, wfd, err := os.Pipe()
	if err != nil {
		return "", err
	}
	defer rfd.Close()

	args := append([]string{"record", fmt.Sprintf("--print-trace-dir=%d", traceDirFd)}, conf.Program...)
	rrcmd := exec.Command("rr", args...)
	rrcmd.Dir = conf.WorkingDir
	// ExtraFiles[0] is fd 3 in the child
	rrcmd.ExtraFiles = []*os.File{wfd}
	std, err := openStdio(conf.Redirects)
	if err != nil {
		wfd.Close()
		return "", err
	}
	defer std.close()
	rrcmd.Stdin, rrcmd.Stdout, rrcmd.Stderr = std.files[0], std.files[1], std.files[2]

	dirch := make(chan string, 1)
	go func() {
		bs, _ := io.ReadAll(rfd)
		dirch <- strings.TrimSpace(string(bs))
	}()

	if logflags.Replay() {
		log.Debugf("recording %q in %q", conf.Program, conf.WorkingDir)
	}
	err = rrcmd.Run()
	wfd.Close()
	tracedir = <-dirch
	if logflags.Replay() {
		log.Debugf("recording finished in %s: %v", tracedir, err)
	}
	return tracedir, err
}

// stdio holds the files a recorded program is started with.
type stdio struct {
	files  [3]*os.File
	opened []*os.File
}

func openStdio(redirects [3]string) (*stdio, error) {
	std := &stdio{files: [3]*os.File{os.Stdin, os.Stdout, os.Stderr}}
	for i, path := range redirects {
		if path == "" {
			continue
		}
		var (
			f   *os.File
			err error
		)
		if i == 0 {
			f, err = os.Open(path)
		} else {
			f, err = os.Create(path)
		}
		if err != nil {
			std.close()
			return nil, err
		}
		std.files[i] = f
		std.opened = append(std.opened, f)
	}
	return std, nil
}

func (std *stdio) close() {
	for _, f := range std.opened {
		f.Close()
	}
	std.opened = nil
}

// ResolveTraceDir returns the trace directory named by dir. An empty dir,
// or "latest", is the last recording made by rr, found the way rr finds
// it: under $_RR_TRACE_DIR, then $XDG_DATA_HOME/rr, then
// ~/.local/share/rr.
func ResolveTraceDir(dir string) (string, error) {
	if dir == "" || dir == "latest" {
		root, err := traceRoot()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(root, "latest-trace")
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	// every trace directory has a version file
	if fi, err := os.Stat(filepath.Join(resolved, "version")); err != nil || fi.IsDir() {
		return "", &ErrNotATrace{Dir: dir}
	}
	return resolved, nil
}

func traceRoot() (string, error) {
	if d := os.Getenv("_RR_TRACE_DIR"); d != "" {
		return d, nil
	}
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "rr"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "rr"), nil
}

// ReplayConfig controls how a recording is replayed.
type ReplayConfig struct {
	// Process selects the recorded process to replay by pid, the first
	// process of the recording if zero.
	Process int
	// Quiet suppresses the output of rr.
	Quiet bool
	// DeleteOnClose removes the trace directory when the engine is closed.
	DeleteOnClose bool
}

// Replay starts rr in replay mode on tracedir and connects to it. The
// returned engine is positioned at the start of the recording.
func Replay(tracedir string, conf ReplayConfig) (*Engine, error) {
	if err := CheckRRAvailable(); err != nil {
		return nil, err
	}
	tracedir, err := ResolveTraceDir(tracedir)
	if err != nil {
		return nil, err
	}
	log := logflags.ReplayLogger()

	args := []string{"replay", "--dbgport=0"}
	if conf.Process != 0 {
		args = append(args, "-p", strconv.Itoa(conf.Process))
	}
	rrcmd := exec.Command("rr", append(args, tracedir)...)
	if !conf.Quiet {
		rrcmd.Stdout = os.Stdout
	}
	stderr, err := rrcmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	backgroundGroup(rrcmd)

	if err := rrcmd.Start(); err != nil {
		return nil, err
	}
	var waitErr error
	exited := make(chan struct{})
	go func() {
		waitErr = rrcmd.Wait()
		close(exited)
	}()
	kill := func() {
		killGroup(rrcmd.Process)
		<-exited
	}

	var passthrough io.Writer = os.Stderr
	if conf.Quiet {
		passthrough = io.Discard
	}
	rd := bufio.NewReader(stderr)
	stub, err := readStubAddress(rd, passthrough)
	if err != nil {
		kill()
		return nil, err
	}
	go io.Copy(passthrough, rd)
	if logflags.Replay() {
		log.Debugf("rr replaying %s (%s) listening on %s", tracedir, stub.exe, stub.addr)
	}

	conn, err := dial(stub.addr, exited)
	if err != nil {
		kill()
		return nil, fmt.Errorf("%v: %v", err, waitErr)
	}
	eng, err := Connect(conn)
	if err != nil {
		conn.Close()
		kill()
		return nil, err
	}
	eng.exe = stub.exe
	eng.tracedir = tracedir
	eng.onClose = func() {
		kill()
		if conf.DeleteOnClose {
			removeTraceDir(tracedir)
		}
	}
	return eng, nil
}

// dial connects to the stub, retrying until it succeeds or rr exits.
func dial(addr string, exited <-chan struct{}) (net.Conn, error) {
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-exited:
			return nil, errors.New("rr exited while attempting to connect")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// stubAddress is where a replaying rr waits for a debugger.
type stubAddress struct {
	addr string
	exe  string
}

// ErrMalformedRRGdbCommand is returned when the gdb command line printed by
// rr can not be parsed.
type ErrMalformedRRGdbCommand struct {
	line, reason string
}

func (err *ErrMalformedRRGdbCommand) Error() string {
	return fmt.Sprintf("malformed gdb command %q: %s", err.line, err.reason)
}

const (
	rrGdbCommandPrefix = "  gdb "
	rrGdbLaunchPrefix  = "Launch gdb with"
	targetCmd          = "target extended-remote "
)

// readStubAddress reads the output of rr replay until it prints the gdb
// command line to connect with. Everything else rr printed until then is
// copied to passthrough.
func readStubAddress(rd *bufio.Reader, passthrough io.Writer) (stubAddress, error) {
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				err = errors.New("rr exited before accepting connections")
			}
			return stubAddress{}, err
		}
		switch {
		case strings.HasPrefix(line, rrGdbCommandPrefix):
			return parseGdbCommand(strings.TrimSpace(line[len(rrGdbCommandPrefix):]))
		case strings.HasPrefix(line, rrGdbLaunchPrefix):
		default:
			io.WriteString(passthrough, line)
		}
	}
}

// parseGdbCommand extracts the stub address and the executable from the
// arguments rr suggests to start gdb with. rr quotes them for a shell.
func parseGdbCommand(line string) (stubAddress, error) {
	v, err := argv.Argv(line,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick in gdb command: %s", s)
		},
		func(s string) (string, error) {
			return s, nil
		})
	if err != nil {
		return stubAddress{}, &ErrMalformedRRGdbCommand{line, err.Error()}
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return stubAddress{}, &ErrMalformedRRGdbCommand{line, "no arguments"}
	}
	fields := v[0]

	var stub stubAddress
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "-ex":
			if i+1 >= len(fields) {
				return stubAddress{}, &ErrMalformedRRGdbCommand{line, "-ex not followed by an argument"}
			}
			i++
			if strings.HasPrefix(fields[i], targetCmd) {
				stub.addr = fields[i][len(targetCmd):]
			}
		case "-l":
			i++
		}
	}
	if stub.addr == "" {
		return stubAddress{}, &ErrMalformedRRGdbCommand{line, "could not find -ex argument"}
	}
	stub.exe = fields[len(fields)-1]
	return stub, nil
}

// removeTraceDir removes a trace directory made of regular files. A
// directory containing subdirectories is left alone, it is not something
// rr wrote.
func removeTraceDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			return
		}
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return
		}
	}
	os.Remove(dir)
}
