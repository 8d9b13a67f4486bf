package terminal

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/ttdtools/timetrack/pkg/presenter"
)

// output is where the terminal prints. Everything is copied to the
// transcript file while one is open. Reports are held back by a pager
// while they fit the screen.
type output struct {
	term io.Writer
	// paged is set when term is a screen reports can be paged on.
	paged bool

	colorEscapes map[presenter.Style]string
	altTabString string

	transcript     *bufio.Writer
	transcriptFile io.Closer
	// transcriptOnly suppresses term while a transcript is open.
	transcriptOnly bool

	// report is the pager of the report being printed.
	report *pager
}

func newOutput(term io.Writer, paged bool) *output {
	return &output{term: term, paged: paged}
}

func (o *output) screen() io.Writer {
	if o.report != nil {
		return o.report
	}
	return o.term
}

func (o *output) Write(p []byte) (int, error) {
	n := len(p)
	if !o.transcriptOnly {
		var err error
		if n, err = o.screen().Write(p); err != nil {
			return n, err
		}
	}
	if o.transcript != nil {
		return o.transcript.Write(p)
	}
	return n, nil
}

// Report runs fn, which prints a report. A report that does not fit the
// screen is sent to the pager.
func (o *output) Report(fn func() error) error {
	if o.report != nil || o.transcriptOnly {
		return fn()
	}
	if command := pagerCommand(o.paged); command != "" {
		o.report = newPager(o.term, command)
	}
	err := fn()
	if o.report != nil {
		if cerr := o.report.Close(); err == nil {
			err = cerr
		}
		o.report = nil
	}
	return err
}

// PrintMarkup prints the report markup read from reader. The screen gets
// colors, the transcript plain text.
func (o *output) PrintMarkup(reader io.Reader) error {
	var plain bytes.Buffer
	if o.transcript != nil {
		reader = io.TeeReader(reader, &plain)
	}
	if o.transcriptOnly {
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return err
		}
	} else if err := presenter.Print(o.screen(), reader, o.colorEscapes, o.altTabString); err != nil {
		return err
	}
	if o.transcript != nil {
		return presenter.Print(o.transcript, &plain, nil, o.altTabString)
	}
	return nil
}

// Echo writes str to the transcript only.
func (o *output) Echo(str string) {
	if o.transcript != nil {
		o.transcript.WriteString(str)
	}
}

// Flush flushes the transcript.
func (o *output) Flush() {
	if o.transcript != nil {
		o.transcript.Flush()
	}
}

// TranscribeTo starts copying the output to fh, closing the previous
// transcript. If only is set nothing is printed on the screen until the
// transcript is closed.
func (o *output) TranscribeTo(fh io.WriteCloser, only bool) error {
	if err := o.CloseTranscript(); err != nil {
		return err
	}
	o.transcript = bufio.NewWriter(fh)
	o.transcriptFile = fh
	o.transcriptOnly = only
	return nil
}

// CloseTranscript closes the transcript file, if any.
func (o *output) CloseTranscript() error {
	if o.transcript == nil {
		return nil
	}
	err := o.transcript.Flush()
	if cerr := o.transcriptFile.Close(); err == nil {
		err = cerr
	}
	o.transcript, o.transcriptFile, o.transcriptOnly = nil, nil, false
	return err
}

// pagerCommand returns the command reports are paged with, empty if they
// are not paged. TIMETRACK_PAGER pages even when the output is not a
// screen.
func pagerCommand(paged bool) string {
	if command := os.Getenv("TIMETRACK_PAGER"); command != "" {
		return command
	}
	if !paged {
		return ""
	}
	if command := os.Getenv("PAGER"); command != "" {
		return command
	}
	return "more"
}

// pager holds a report back until it is known to fit the screen. Once the
// report is taller than the screen it goes to the pager command instead.
type pager struct {
	term    io.Writer
	command string
	// out is the stdout of the pager command.
	out        io.Writer
	rows, cols int

	held       []byte
	lines, col int

	cmd  *exec.Cmd
	pipe io.WriteCloser
	// direct is set when the pager could not be started.
	direct bool
}

func newPager(term io.Writer, command string) *pager {
	p := &pager{term: term, command: command, out: os.Stdout}
	if !p.screenSize() {
		p.direct = true
	}
	return p
}

func (p *pager) Write(b []byte) (int, error) {
	switch {
	case p.pipe != nil:
		return p.pipe.Write(b)
	case p.direct:
		return p.term.Write(b)
	}
	p.held = append(p.held, b...)
	p.measure(b)
	// one row is left for the prompt
	if p.lines < p.rows-1 {
		return len(b), nil
	}

	held := p.held
	p.held = nil
	dst := p.term
	if err := p.start(); err != nil {
		p.direct = true
	} else {
		dst = p.pipe
	}
	if _, err := dst.Write(held); err != nil {
		return 0, err
	}
	return len(b), nil
}

// measure counts the screen lines b takes, long lines wrap at the screen
// width.
func (p *pager) measure(b []byte) {
	for _, c := range b {
		switch {
		case c == '\n':
			p.lines++
			p.col = 0
		case p.col >= p.cols:
			p.lines++
			p.col = 1
		default:
			p.col++
		}
	}
}

func (p *pager) start() error {
	argv, err := splitArgs(p.command)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return errors.New("empty pager command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = p.out
	cmd.Stderr = os.Stderr
	pipe, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	p.cmd, p.pipe = cmd, pipe
	return nil
}

// Close prints a report that fit the screen, or waits for the user to quit
// the pager.
func (p *pager) Close() error {
	if p.pipe == nil {
		held := p.held
		p.held = nil
		if len(held) == 0 {
			return nil
		}
		_, err := p.term.Write(held)
		return err
	}
	p.pipe.Close()
	err := p.cmd.Wait()
	p.cmd, p.pipe = nil, nil
	return err
}
