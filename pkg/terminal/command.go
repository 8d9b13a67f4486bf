// Package terminal implements functions for responding to user
// input and dispatching to the tracer and the replay engine.
package terminal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/ttdtools/timetrack/pkg/asm"
	"github.com/ttdtools/timetrack/pkg/provenance"
	"github.com/ttdtools/timetrack/pkg/replay"
	"github.com/ttdtools/timetrack/pkg/tracestore"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the timetrack terminal.
type Commands struct {
	cmds []command
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// TraceCommands returns a Commands struct with default commands defined.
func TraceCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"trace", "t"}, group: traceCmds, cmdFn: traceCmd, helpMsg: `Tracks the origin of a value.

	trace <target> [size] [max-steps]

Builds the tree of instructions that contributed to the value of target as
observed at the current position. The target is a register name or an
address expression:

	trace rax
	trace rbp-8 4
	trace 'poi(rsp+10h)' 8 200

Address expressions may use registers, decimal numbers, 0x prefixed or h
suffixed hexadecimal numbers and poi(addr), which reads the pointer stored
at addr. Memory targets track size bytes, 8 if omitted. max-steps overrides
the configured step budget.

The report shows one line per record, the position of each record is a
goto command.`},
		{aliases: []string{"tree"}, group: traceCmds, cmdFn: treeCmd, helpMsg: `Prints the last provenance tree again.

	tree

Instructions are printed again with the current disassemble-flavor.`},
		{aliases: []string{"nodes"}, group: traceCmds, cmdFn: nodesCmd, helpMsg: `Lists the records of the last provenance tree.

	nodes

Prints one line per record with its id, the id of its parent, a label and
the position of the record.`},
		{aliases: []string{"goto", "g"}, group: positionCmds, cmdFn: gotoCmd, helpMsg: `Moves to a position of the recording.

	goto <seq>:<step>

Both numbers are hexadecimal, as printed by the other commands.`},
		{aliases: []string{"when"}, group: positionCmds, cmdFn: whenCmd, helpMsg: `Prints the current position.

	when`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regsCmd, helpMsg: `Print contents of CPU registers.

	regs [-a]

Argument -a shows more registers.`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the current position.

	examinemem [-len n] <address>

The address is an expression, as for the trace command. Up to len bytes
are printed, 16 if omitted.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of timetrack commands.

	source <path>`},
		{aliases: []string{"transcript"}, cmdFn: transcriptCmd, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of timetrack's command is appended to the specified output file. If '-t' is specified and the output file exists it is truncated. If '-x' is specified output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the terminal.

	exit`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	if cmd := c.find(cmdstr); cmd != nil {
		return cmd.cmdFn
	}
	return noCmdAvailable
}

func (c *Commands) find(cmdstr string) *command {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			return &c.cmds[i]
		}
	}
	return nil
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		if cmd := c.find(args); cmd != nil {
			fmt.Fprintln(t.stdout, cmd.helpMsg)
			return nil
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args the way a shell would, backticks are not
// supported.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

var traceUsageError = errors.New("wrong number of arguments: trace <target> [size] [max-steps]")

func traceCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 3 {
		return traceUsageError
	}
	var size, maxSteps int
	if len(v) > 1 {
		n, err := strconv.ParseUint(v[1], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid size %q: %v", v[1], err)
		}
		size = int(n)
	}
	if len(v) > 2 {
		n, err := strconv.ParseUint(v[2], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid max-steps %q: %v", v[2], err)
		}
		maxSteps = int(n)
	}
	tree, err := t.tracer.Trace(v[0], size, maxSteps)
	if err != nil {
		return err
	}
	t.last = tree
	return t.printTree(tree)
}

func (t *Term) printTree(tree *tracestore.Tree) error {
	var buf bytes.Buffer
	if err := t.presenter.Render(&buf, tree); err != nil {
		return err
	}
	return t.stdout.Report(func() error {
		return t.stdout.PrintMarkup(&buf)
	})
}

var errNoTree = errors.New("no provenance tree, use the trace command first")

func treeCmd(t *Term, args string) error {
	if t.last == nil {
		return errNoTree
	}
	return t.printTree(t.last)
}

func nodesCmd(t *Term, args string) error {
	if t.last == nil {
		return errNoTree
	}
	nodes, err := t.presenter.Nodes(t.last)
	if err != nil {
		return err
	}
	return t.stdout.Report(func() error {
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 1, ' ', 0)
		fmt.Fprintf(w, "ID\tPARENT\tLABEL\tPOSITION\tDETAILS\n")
		for _, n := range nodes {
			fmt.Fprintf(w, "%d\t%d\t%s\t%v\t%s\n", n.ID, n.ParentID, n.Label, n.Position, n.Details)
		}
		return w.Flush()
	})
}

func gotoCmd(t *Term, args string) error {
	if args == "" {
		return errors.New("wrong number of arguments: goto <seq>:<step>")
	}
	pos, err := replay.ParsePosition(args)
	if err != nil {
		return err
	}
	if err := t.engine.SetCurrent(pos); err != nil {
		return err
	}
	return t.printLocation()
}

func whenCmd(t *Term, args string) error {
	return t.printLocation()
}

// printLocation prints the current position and the instruction executed
// there.
func (t *Term) printLocation() error {
	pos := t.engine.Current()
	c, err := t.engine.NewCursor()
	if err != nil {
		return err
	}
	defer c.Close()
	tid := c.ThreadID()
	symbol, text, err := t.presenter.Instruction(pos)
	if err != nil {
		fmt.Fprintf(t.stdout, "> %v thread %d: %v\n", pos, tid, err)
		return nil
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "> <b>%v</b> thread %d %s\n\t%s\n", pos, tid, symbol, escapeMarkup(text))
	return t.stdout.PrintMarkup(&buf)
}

func escapeMarkup(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

var generalRegisters = []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags", "fs_base", "gs_base",
}

func regsCmd(t *Term, args string) error {
	all := false
	switch args {
	case "":
	case "-a":
		all = true
	default:
		return errors.New("wrong arguments: regs [-a]")
	}
	c, err := t.engine.NewCursor()
	if err != nil {
		return err
	}
	defer c.Close()
	regs, err := c.Registers()
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	for _, name := range generalRegisters {
		if v, ok := regs.Get(name); ok {
			fmt.Fprintf(w, "%s\t%#016x\n", name, asm.Value(v))
		}
	}
	if all {
		for _, name := range asm.RegisterNames() {
			r, _ := asm.RegisterByName(name)
			if r.Width() <= 8 || r.Container() != name {
				continue
			}
			if v, ok := regs.Get(name); ok {
				fmt.Fprintf(w, "%s\t%s\n", name, formatVector(v))
			}
		}
	}
	return w.Flush()
}

// formatVector prints a little endian vector register most significant
// byte first.
func formatVector(v []byte) string {
	var sb strings.Builder
	sb.WriteString("0x")
	for i := len(v) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02x", v[i])
	}
	return sb.String()
}

func examineMemoryCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	count := 16
	var expr string
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-len":
			if i+1 >= len(v) {
				return errors.New("expected argument after -len")
			}
			n, err := strconv.ParseUint(v[i+1], 0, 16)
			if err != nil || n == 0 {
				return fmt.Errorf("invalid length %q", v[i+1])
			}
			count = int(n)
			i++
		default:
			if expr != "" {
				return errors.New("wrong number of arguments: examinemem [-len n] <address>")
			}
			expr = v[i]
		}
	}
	if expr == "" {
		return errors.New("wrong number of arguments: examinemem [-len n] <address>")
	}
	c, err := t.engine.NewCursor()
	if err != nil {
		return err
	}
	defer c.Close()
	addr, err := provenance.EvalAddress(expr, c)
	if err != nil {
		return err
	}
	buf := make([]byte, count)
	n, err := c.ReadMemory(buf, addr)
	if err != nil {
		return err
	}
	fmt.Fprint(t.stdout, formatMemory(addr, buf[:n]))
	return nil
}

// formatMemory formats mem as lines of 8 bytes prefixed by their address.
func formatMemory(addr uint64, mem []byte) string {
	var sb strings.Builder
	for i := 0; i < len(mem); i += 8 {
		fmt.Fprintf(&sb, "%#016x:", addr+uint64(i))
		for j := i; j < i+8 && j < len(mem); j++ {
			fmt.Fprintf(&sb, "   %#04x", mem[j])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

func transcriptCmd(t *Term, args string) error {
	argv := strings.SplitN(args, " ", -1)
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range argv {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-o option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	return t.stdout.TranscribeTo(fh, fileOnly)
}

// ExitRequestError is returned when the user
// exits the terminal.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
