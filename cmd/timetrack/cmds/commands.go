package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ttdtools/timetrack/cmd/timetrack/cmds/helphelpers"
	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/config"
	"github.com/ttdtools/timetrack/pkg/logflags"
	"github.com/ttdtools/timetrack/pkg/presenter"
	"github.com/ttdtools/timetrack/pkg/provenance"
	"github.com/ttdtools/timetrack/pkg/replay"
	"github.com/ttdtools/timetrack/pkg/replay/gdbserial"
	"github.com/ttdtools/timetrack/pkg/replay/tape"
	"github.com/ttdtools/timetrack/pkg/terminal"
	"github.com/ttdtools/timetrack/pkg/tracestore"
	"github.com/ttdtools/timetrack/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file.
	configPath string

	// rrTraceDir is the rr trace directory to replay.
	rrTraceDir string
	// rrProcess is the pid of the recorded process to replay.
	rrProcess int
	// tapePath is the tape recording to replay.
	tapePath string
	// at is the position the recording is opened at.
	at string
	// initFile is the path to initialization file.
	initFile string

	traceMaxSteps     int
	traceMaxDepth     int
	traceDecomposeLea bool
	traceFormat       string

	// workingDir is the working directory for running the program.
	workingDir string
	// redirects specifies redirect rules for stdin, stdout and stderr
	redirects []string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const ttCommandLongDesc = `Timetrack finds where values come from in recorded executions.

Given a register or a memory location observed at some point of a
recording, timetrack replays the recording backward to find the
instruction that produced the value, then does the same for every value
that instruction read, building a tree of the value's provenance.

Recordings are made with mozilla rr (https://github.com/mozilla/rr) or
written by hand as tape files.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Main timetrack root command.
	rootCommand = &cobra.Command{
		Use:   "timetrack",
		Short: "Timetrack tracks the origin of values in recorded executions.",
		Long:  ttCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'timetrack help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'timetrack help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, defaults to $HOME/.timetrack/config.yml.")

	rootCommand.PersistentFlags().StringVar(&rrTraceDir, "rr", "", "Replay the rr trace in the specified directory.")
	rootCommand.PersistentFlags().StringVar(&tapePath, "tape", "", "Replay the specified tape recording.")
	rootCommand.PersistentFlags().IntVar(&rrProcess, "rr-pid", 0, "Replay the recorded process with this pid, the first process of the rr trace by default.")
	rootCommand.PersistentFlags().StringVar(&at, "at", "", "Position the recording is opened at, SEQ:STEP in hexadecimal. Tapes open at their end, rr traces at their start.")

	// 'trace' subcommand.
	traceCommand := &cobra.Command{
		Use:   "trace <target> [size]",
		Short: "Prints the provenance tree of a value.",
		Long: `Prints the provenance tree of a value.

The target is a register name or an address expression, evaluated at the
position selected by --at. Address expressions may use registers, decimal
numbers, 0x prefixed or h suffixed hexadecimal numbers and poi(addr),
which reads the pointer stored at addr:

	timetrack trace --tape demo.yml rax
	timetrack trace --rr ~/.local/share/rr/prog-0 --at 1a3:20004 'poi(rbp-10h)' 4

Memory targets track size bytes, 8 if omitted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: traceCmd,
	}
	traceCommand.Flags().IntVar(&traceMaxSteps, "max-steps", 0, "Maximum number of queries processed, overrides the configuration file.")
	traceCommand.Flags().IntVar(&traceMaxDepth, "max-depth", 0, "Maximum depth of the tree, overrides the configuration file.")
	traceCommand.Flags().BoolVar(&traceDecomposeLea, "decompose-lea", false, "Follow lea instructions into their base and index registers.")
	traceCommand.Flags().StringVar(&traceFormat, "format", "report", "Output format, report or nodes.")
	rootCommand.AddCommand(traceCommand)

	// 'replay' subcommand.
	replayCommand := &cobra.Command{
		Use:   "replay",
		Short: "Opens a recording in the interactive terminal.",
		Long: `Opens a recording in the interactive terminal.

The recording is selected with --rr or --tape. Type 'help' in the terminal
for the list of commands.`,
		Args: cobra.NoArgs,
		RunE: replayCmd,
	}
	replayCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed by the terminal.")
	rootCommand.AddCommand(replayCommand)

	if path, _ := exec.LookPath("rr"); path != "" || docCall {
		recordCommand := &cobra.Command{
			Use:   "record <program> [args...]",
			Short: "Records the execution of a program with rr.",
			Long: `Records the execution of a program with mozilla rr.

Mozilla rr must be installed: https://github.com/mozilla/rr
The trace directory is printed when the program exits, pass it to --rr.`,
			Args: cobra.MinimumNArgs(1),
			RunE: recordCmd,
		}
		recordCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
		recordCommand.Flags().StringArrayVarP(&redirects, "redirect", "r", []string{}, "Specifies redirect rules for target process (see 'timetrack help redirect')")
		rootCommand.AddCommand(recordCommand)
	}

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Timetrack\n%s\n", version.TimetrackVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	tracer		Log the decisions taken while building trees
	locator		Log backward searches
	store		Log the lifecycle of trace logs
	gdbwire		Log connection to the rr gdbserver
	replay		Log movements of the rr backend
	presenter	Log rendering failures

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "redirect",
		Short: "Help about file redirection.",
		Long: `The standard file descriptors of the recorded program can be redirected
using the '-r' flag of the 'record' command:

	-r stdin:path
	-r stdout:path
	-r stderr:path

Redirects stdin, stdout or stderr to the specified path. A redirect
without a prefix applies to stdin:

	timetrack record -r input.txt -r stderr:/dev/null ./prog
`,
	})

	defaultHelpFunc := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelpFunc(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func loadConfig() error {
	var err error
	if configPath != "" {
		conf, err = config.LoadConfigFrom(configPath)
	} else {
		conf, err = config.LoadConfig()
		if err != nil {
			// the tracer works without a configuration file
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			conf, err = &config.Config{}, nil
		}
	}
	if err != nil {
		return err
	}
	return conf.Validate()
}

var errNoRecording = errors.New("no recording specified, use --rr or --tape")

// session is an open recording with the components built over it.
type session struct {
	engine    replay.Engine
	tracer    *provenance.Tracer
	presenter *presenter.Presenter
}

func openSession() (*session, error) {
	var (
		eng  replay.Engine
		syms presenter.SymbolResolver
	)
	switch {
	case rrTraceDir != "" && tapePath != "":
		return nil, errors.New("--rr and --tape are mutually exclusive")
	case tapePath != "":
		teng, err := tape.LoadFile(tapePath)
		if err != nil {
			return nil, err
		}
		eng, syms = teng, presenter.TapeSymbols(teng.Symbols())
	case rrTraceDir != "":
		reng, err := gdbserial.Replay(rrTraceDir, gdbserial.ReplayConfig{Process: rrProcess, Quiet: true})
		if err != nil {
			return nil, err
		}
		eng = reng
		if tbl, err := presenter.LoadELFSymbols(reng.Exe(), conf.DebugInfoDirectories); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v, instructions will not be symbolized\n", err)
		} else {
			syms = tbl
		}
	default:
		return nil, errNoRecording
	}

	s, err := newSession(eng, syms)
	if err != nil {
		eng.Close()
		return nil, err
	}
	return s, nil
}

func newSession(eng replay.Engine, syms presenter.SymbolResolver) (*session, error) {
	if at != "" {
		pos, err := replay.ParsePosition(at)
		if err != nil {
			return nil, fmt.Errorf("--at: %v", err)
		}
		if err := eng.SetCurrent(pos); err != nil {
			return nil, err
		}
	}

	if syms != nil {
		cached, err := presenter.NewCachedResolver(syms, conf.GetSymbolCacheSize())
		if err != nil {
			return nil, err
		}
		syms = cached
	}
	pres, err := presenter.New(eng, syms, asm.ParseFlavour(conf.DisassembleFlavor), conf.GetSymbolCacheSize())
	if err != nil {
		return nil, err
	}
	tr := provenance.New(eng, traceOptions())
	tr.SetSymbolLookup(presenter.Lookup(syms))
	return &session{engine: eng, tracer: tr, presenter: pres}, nil
}

// traceOptions returns the tracer options of the configuration file,
// overridden by the command line.
func traceOptions() provenance.Options {
	opts := provenance.OptionsFromConfig(conf)
	if traceMaxSteps > 0 {
		opts.MaxSteps = traceMaxSteps
	}
	if traceMaxDepth > 0 {
		opts.MaxDepth = traceMaxDepth
	}
	if traceDecomposeLea {
		opts.DecomposeAddressCalc = true
	}
	return opts
}

func traceCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	switch traceFormat {
	case "report", "nodes":
	default:
		return fmt.Errorf("unknown format %q, must be report or nodes", traceFormat)
	}

	var size int
	if len(args) > 1 {
		if _, err := fmt.Sscan(args[1], &size); err != nil || size <= 0 {
			return fmt.Errorf("invalid size %q", args[1])
		}
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.engine.Close()

	tree, err := s.tracer.Trace(args[0], size, 0)
	if err != nil {
		return err
	}

	if traceFormat == "nodes" {
		return printNodes(os.Stdout, s.presenter, tree)
	}
	return printReport(s.presenter, tree)
}

func printReport(pres *presenter.Presenter, tree *tracestore.Tree) error {
	var sb strings.Builder
	if err := pres.Render(&sb, tree); err != nil {
		return err
	}
	var (
		out          io.Writer = os.Stdout
		colorEscapes map[presenter.Style]string
	)
	if isatty.IsTerminal(os.Stdout.Fd()) && strings.ToLower(os.Getenv("TERM")) != "dumb" {
		out = colorable.NewColorableStdout()
		colorEscapes = presenter.DefaultColorEscapes(conf.GetPositionColor())
	}
	return presenter.Print(out, strings.NewReader(sb.String()), colorEscapes, "")
}

func printNodes(w io.Writer, pres *presenter.Presenter, tree *tracestore.Tree) error {
	nodes, err := pres.Nodes(tree)
	if err != nil {
		return err
	}
	tw := new(tabwriter.Writer)
	tw.Init(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "ID\tPARENT\tLABEL\tPOSITION\tDETAILS\n")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%v\t%s\n", n.ID, n.ParentID, n.Label, n.Position, n.Details)
	}
	return tw.Flush()
}

func replayCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.engine.Close()

	term := terminal.New(s.engine, s.tracer, s.presenter, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if status != 0 {
		os.Exit(status)
	}
	return nil
}

func recordCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	rconf, err := recordConfig(args)
	if err != nil {
		return err
	}
	tracedir, err := gdbserial.Record(rconf)
	if tracedir != "" {
		fmt.Printf("Trace directory: %s\nReplay it with: timetrack replay --rr %s\n", tracedir, tracedir)
	}
	return err
}

// recordConfig builds the rr configuration of the record command from its
// flags.
func recordConfig(program []string) (gdbserial.RecordConfig, error) {
	rd, err := parseRedirects(redirects)
	if err != nil {
		return gdbserial.RecordConfig{}, err
	}
	if rd[0] != "" {
		if _, err := os.Stat(rd[0]); err != nil {
			return gdbserial.RecordConfig{}, fmt.Errorf("redirect error: %v", err)
		}
	}
	wd := workingDir
	if wd != "" {
		if wd, err = filepath.Abs(wd); err != nil {
			return gdbserial.RecordConfig{}, err
		}
		if fi, err := os.Stat(wd); err != nil || !fi.IsDir() {
			return gdbserial.RecordConfig{}, fmt.Errorf("working directory %s does not exist", wd)
		}
	}
	return gdbserial.RecordConfig{Program: program, WorkingDir: wd, Redirects: rd}, nil
}

// parseRedirects parses the -r flags of the record command into the
// paths for stdin, stdout and stderr.
func parseRedirects(redirects []string) ([3]string, error) {
	r := [3]string{}
	names := [3]string{"stdin", "stdout", "stderr"}
	for _, redirect := range redirects {
		idx := 0
		for i, name := range names {
			pfx := name + ":"
			if strings.HasPrefix(redirect, pfx) {
				idx = i
				redirect = redirect[len(pfx):]
				break
			}
		}
		if r[idx] != "" {
			return r, fmt.Errorf("redirect error: %s redirected twice", names[idx])
		}
		r[idx] = redirect
	}
	return r, nil
}
