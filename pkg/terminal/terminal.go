package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/config"
	"github.com/ttdtools/timetrack/pkg/presenter"
	"github.com/ttdtools/timetrack/pkg/provenance"
	"github.com/ttdtools/timetrack/pkg/replay"
	"github.com/ttdtools/timetrack/pkg/tracestore"
)

const historyFile string = ".tt_history"

// Term represents the terminal running timetrack.
type Term struct {
	engine    replay.Engine
	tracer    *provenance.Tracer
	presenter *presenter.Presenter
	conf      *config.Config
	prompt    string
	line      *liner.State
	cmds      *Commands
	dumb      bool
	color     bool
	stdout    *output
	InitFile  string

	// last is the tree built by the last trace command.
	last *tracestore.Tree
}

// New returns a new Term.
func New(engine replay.Engine, tracer *provenance.Tracer, pres *presenter.Presenter, conf *config.Config) *Term {
	cmds := TraceCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	tty := !dumb && isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	t := &Term{
		engine:    engine,
		tracer:    tracer,
		presenter: pres,
		conf:      conf,
		prompt:    "(tt) ",
		cmds:      cmds,
		dumb:      dumb,
		color:     tty,
		stdout:    newOutput(w, tty),
	}
	t.applyConfig()
	return t
}

// applyConfig propagates the configuration to the tracer and the
// presenter.
func (t *Term) applyConfig() {
	t.presenter.SetFlavour(asm.ParseFlavour(t.conf.DisassembleFlavor))
	t.tracer.SetOptions(provenance.OptionsFromConfig(t.conf))
	if t.color {
		t.stdout.colorEscapes = presenter.DefaultColorEscapes(t.conf.GetPositionColor())
	} else {
		t.stdout.colorEscapes = nil
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// completer completes command names and, after the first word, register
// names.
func (t *Term) completer() liner.Completer {
	cmds := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			cmds.Add(alias, nil)
		}
	}
	regs := trie.New()
	for _, name := range asm.RegisterNames() {
		regs.Add(name, nil)
	}
	return func(line string) (c []string) {
		idx := strings.LastIndex(line, " ")
		if idx < 0 {
			c = cmds.PrefixSearch(strings.ToLower(line))
			sort.Strings(c)
			return c
		}
		prefix, word := line[:idx+1], line[idx+1:]
		if word == "" {
			return nil
		}
		for _, name := range regs.PrefixSearch(strings.ToLower(word)) {
			c = append(c, prefix+name)
		}
		sort.Strings(c)
		return c
	}
}

// Run begins running timetrack in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.completer())

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		if err := t.Call(cmdstr); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Call executes a single command line, echoing it to the transcript.
func (t *Term) Call(cmdstr string) error {
	t.stdout.Echo(t.prompt + cmdstr + "\n")
	defer t.stdout.Flush()
	return t.cmds.Call(cmdstr, t)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	t.stdout.CloseTranscript()

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	return 0, nil
}
