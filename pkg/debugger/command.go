package debugger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/willibrandon/stepwatch/pkg/disasm"
	"github.com/willibrandon/stepwatch/pkg/monitor"
	"github.com/willibrandon/stepwatch/pkg/recorder"
	"github.com/willibrandon/stepwatch/pkg/replay"
)

type cmdfunc func(c *CLI, ctx context.Context, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (cmd command) match(cmdstr string) bool {
	for _, v := range cmd.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands is the command table of the terminal.
type Commands struct {
	cmds     []command
	complete *trie.Trie
}

// ExitRequestError is returned by the quit command.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

var errNoCmd = errors.New("command not available")

// DefaultCommands returns the built-in command table.
func DefaultCommands() *Commands {
	c := &Commands{}
	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"wait_until_match", "wum"}, cmdFn: waitUntilMatch, helpMsg: `Single-steps the target until its registers match a signature.

	wait_until_match [signature]

The signature is the name of a configured or defined signature, or inline
name=value pairs such as "ax=0x0202 es=0x2000". Without an argument the
selected signature is used. Press Ctrl-C to stop waiting.`},
		{aliases: []string{"stepi", "si"}, cmdFn: stepInstruction, helpMsg: `Executes single instructions.

	stepi [n]`},
		{aliases: []string{"regs"}, cmdFn: regs, helpMsg: `Prints the native registers of the target.

	regs [-views]

With -views the 16-bit and byte views are printed too.`},
		{aliases: []string{"signature", "sig"}, cmdFn: signature, helpMsg: `Prints or selects the signature used by wait_until_match.

	signature [signature]`},
		{aliases: []string{"signatures"}, cmdFn: signatures, helpMsg: "Lists the known signatures."},
		{aliases: []string{"define"}, cmdFn: define, helpMsg: `Defines a named signature.

	define <name> <register>=<value> ...`},
		{aliases: []string{"undefine"}, cmdFn: undefine, helpMsg: `Removes a named signature.

	undefine <name>`},
		{aliases: []string{"disassemble", "disas"}, cmdFn: disassemble, helpMsg: `Disassembles instructions at the current program counter.

	disassemble [-gnu] [n]

Intel syntax is used unless -gnu is given.`},
		{aliases: []string{"history"}, cmdFn: history, helpMsg: `Prints the last steps of the last wait_until_match.

	history

Each step lists the registers the signature reads, or every register while
recording.`},
		{aliases: []string{"record"}, cmdFn: record, helpMsg: `Records every step of wait_until_match to a trace file.

	record <file>
	record off`},
		{aliases: []string{"rewind"}, cmdFn: rewind, helpMsg: `Moves a replayed trace back to its first step.

	rewind

Only available when the target is a replayed trace.`},
		{aliases: []string{"goto"}, cmdFn: gotoEvent, helpMsg: `Moves a replayed trace to an event.

	goto <index>

The index counts events from 0, see "events".`},
		{aliases: []string{"stepback", "sb"}, cmdFn: stepBack, helpMsg: `Moves a replayed trace back by one event.

	stepback`},
		{aliases: []string{"events"}, cmdFn: events, helpMsg: `Lists the events of a replayed trace after the current one.

	events [step|match|abort]

With an event type the listing stops at the first event of that type and
leaves the trace on it. Without one it runs to the end of the trace.`},
		{aliases: []string{"source"}, cmdFn: source, helpMsg: `Executes a file containing a starlark script.

	source <path>

Scripts can call wait_until_match(**regs), step(n=1), read_register(name),
pc() and command(str).`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the terminal."},
	}
	sort.Sort(byFirstAlias(c.cmds))
	c.rebuildCompletion()
	return c
}

type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) rebuildCompletion() {
	c.complete = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.complete.Add(alias, nil)
		}
	}
}

// Complete returns the command names starting with line.
func (c *Commands) Complete(line string) []string {
	if strings.ContainsAny(line, " \t") {
		return nil
	}
	out := c.complete.PrefixSearch(strings.ToLower(line))
	sort.Strings(out)
	return out
}

// Find will look up the command function for the given command input.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}
	return noCmdAvailable
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
	c.rebuildCompletion()
}

func noCmdAvailable(c *CLI, ctx context.Context, args string) error {
	return errNoCmd
}

func nullCommand(c *CLI, ctx context.Context, args string) error {
	return nil
}

func exitCommand(c *CLI, ctx context.Context, args string) error {
	return ExitRequestError{}
}

func (c *Commands) help(cli *CLI, ctx context.Context, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(cli.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(cli.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(cli.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
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
	fmt.Fprintln(cli.stdout)
	fmt.Fprintln(cli.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line the way a shell would, without
// substitutions.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
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

func parseOptionalCount(args string, def int) (int, error) {
	w, err := splitArgs(args)
	if err != nil {
		return 0, err
	}
	switch len(w) {
	case 0:
		return def, nil
	case 1:
		n, err := strconv.Atoi(w[0])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid count %q", w[0])
		}
		return n, nil
	default:
		return 0, fmt.Errorf("too many arguments")
	}
}

func waitUntilMatch(c *CLI, ctx context.Context, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	_, err = c.WaitUntilMatch(ctx, strings.Join(w, " "))
	return err
}

func stepInstruction(c *CLI, ctx context.Context, args string) error {
	n, err := parseOptionalCount(args, 1)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.target.Step(); err != nil {
			return &monitor.StepError{Step: c.steps + 1, Err: err}
		}
		c.steps++
	}
	pc, err := c.target.ProgramCounter()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%#x (%d steps)\n", pc, c.steps)
	return nil
}

func regs(c *CLI, ctx context.Context, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	views := len(w) == 1 && w[0] == "-views"
	if len(w) > 0 && !views {
		return fmt.Errorf("unknown argument %q", args)
	}

	names := monitor.NativeRegisters()
	if l, ok := c.target.(monitor.RegisterLister); ok {
		names = l.Registers()
	}
	values := make(map[string]uint64, len(names))
	tw := tabwriter.NewWriter(c.stdout, 0, 8, 1, ' ', 0)
	for _, name := range names {
		v, err := c.target.ReadRegister(name)
		if err != nil {
			if errors.Is(err, monitor.ErrUnknownRegister) {
				continue
			}
			return err
		}
		values[name] = v
		fmt.Fprintf(tw, "%s\t%#x\n", name, v)
	}
	if views {
		for _, name := range monitor.RegisterNames() {
			def, _ := monitor.LookupRegister(name)
			parent, ok := values[def.Parent]
			if def.Native() || !ok {
				continue
			}
			fmt.Fprintf(tw, "%s\t%#x\n", name, def.Decode(parent))
		}
	}
	return tw.Flush()
}

func signature(c *CLI, ctx context.Context, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(w) == 0 {
		cur := c.sigs.Current()
		if cur == nil {
			fmt.Fprintln(c.stdout, "no signature selected")
			return nil
		}
		fmt.Fprintln(c.stdout, cur)
		return nil
	}
	ns, err := c.sigs.Select(strings.Join(w, " "))
	if err != nil {
		return err
	}
	c.warnContradictions(ns.Signature)
	fmt.Fprintf(c.stdout, "selected %s\n", ns)
	return nil
}

func signatures(c *CLI, ctx context.Context, args string) error {
	list := c.sigs.List()
	if len(list) == 0 {
		fmt.Fprintln(c.stdout, "no signatures defined")
		return nil
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 8, 1, ' ', 0)
	for _, ns := range list {
		mark := " "
		if ns == c.sigs.Current() {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\n", mark, ns.Name, ns.Source, ns.Signature)
	}
	return tw.Flush()
}

func define(c *CLI, ctx context.Context, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(w) < 2 {
		return fmt.Errorf("usage: define <name> <register>=<value> ...")
	}
	ns, err := c.sigs.Define(w[0], strings.Join(w[1:], " "))
	if err != nil {
		return err
	}
	c.warnContradictions(ns.Signature)
	fmt.Fprintf(c.stdout, "defined %s\n", ns)
	return nil
}

func undefine(c *CLI, ctx context.Context, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(w) != 1 {
		return fmt.Errorf("usage: undefine <name>")
	}
	return c.sigs.Remove(w[0])
}

func disassemble(c *CLI, ctx context.Context, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	flavour := disasm.IntelFlavour
	if len(w) > 0 && w[0] == "-gnu" {
		flavour = disasm.GNUFlavour
		w = w[1:]
	}
	n, err := parseOptionalCount(strings.Join(w, " "), 5)
	if err != nil {
		return err
	}
	pc, err := c.target.ProgramCounter()
	if err != nil {
		return err
	}
	insts, err := c.disassembleAt(pc, n)
	if err != nil {
		return err
	}
	for i, inst := range insts {
		prefix := "  "
		if i == 0 {
			prefix = "=>"
		}
		fmt.Fprintf(c.stdout, "%s %s\n", prefix, inst.Format(flavour))
	}
	return nil
}

func history(c *CLI, ctx context.Context, args string) error {
	events := c.history.GetEvents()
	if len(events) == 0 {
		fmt.Fprintln(c.stdout, "no wait has run yet")
		return nil
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 8, 1, ' ', 0)
	for _, e := range events {
		names := make([]string, 0, len(e.Registers))
		for name := range e.Registers {
			names = append(names, name)
		}
		sort.Strings(names)
		regs := make([]string, len(names))
		for i, name := range names {
			regs[i] = fmt.Sprintf("%s=%#x", name, e.Registers[name])
		}
		fmt.Fprintf(tw, "%s\t%s\n", e, strings.Join(regs, " "))
	}
	return tw.Flush()
}

// disassembleAt decodes n instructions at the code address of pc.
func (c *CLI) disassembleAt(pc uint64, n int) ([]disasm.Instruction, error) {
	if c.dis == nil {
		mem, ok := c.target.(disasm.MemoryReader)
		if !ok {
			return nil, errors.New("target memory is not readable")
		}
		d, err := disasm.New(mem, c.mode)
		if err != nil {
			return nil, err
		}
		c.dis = d
	}
	addr, err := disasm.CodeAddress(c.target, pc)
	if err != nil {
		return nil, err
	}
	return c.dis.Range(addr, n)
}

func record(c *CLI, ctx context.Context, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	switch {
	case len(w) != 1:
		if c.trace != nil {
			fmt.Fprintf(c.stdout, "recording to %s\n", c.trace.Path())
			return nil
		}
		return fmt.Errorf("usage: record <file>|off")
	case w[0] == "off":
		if c.trace == nil {
			return errors.New("not recording")
		}
		path := c.trace.Path()
		if err := c.stopRecording(); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "trace written to %s\n", path)
		return nil
	default:
		if err := c.StartRecording(w[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "recording to %s\n", c.trace.Path())
		return nil
	}
}

// StartRecording makes later waits append their steps to the trace at path.
func (c *CLI) StartRecording(path string) error {
	if c.trace != nil {
		if err := c.stopRecording(); err != nil {
			return err
		}
	}
	path, err := expandHome(path)
	if err != nil {
		return err
	}
	opts := recorder.DefaultFileRecorderOptions()
	opts.CompressionType = c.compression
	fr, err := recorder.NewFileRecorderWithOptions(path, opts)
	if err != nil {
		return err
	}
	c.trace = fr
	return nil
}

func (c *CLI) stopRecording() error {
	err := c.trace.Close()
	c.trace = nil
	return err
}

func (c *CLI) replayer() (*replay.BasicReplayer, error) {
	r, ok := c.target.(*replay.BasicReplayer)
	if !ok {
		return nil, errors.New("the target is not a replayed trace")
	}
	return r, nil
}

// moved reports the event the trace cursor is on and resyncs the step count.
func (c *CLI) moved(r *replay.BasicReplayer) {
	idx := r.CurrentIndex()
	if idx < 0 || idx >= len(r.Events()) {
		c.steps = 0
		fmt.Fprintln(c.stdout, "at the start of the trace")
		return
	}
	e := r.Events()[idx]
	c.steps = e.Step
	fmt.Fprintf(c.stdout, "event %d: %s\n", idx, e)
}

func rewind(c *CLI, ctx context.Context, args string) error {
	r, err := c.replayer()
	if err != nil {
		return err
	}
	r.Rewind()
	c.moved(r)
	return nil
}

func gotoEvent(c *CLI, ctx context.Context, args string) error {
	r, err := c.replayer()
	if err != nil {
		return err
	}
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(w) != 1 {
		return fmt.Errorf("usage: goto <index>")
	}
	idx, err := strconv.Atoi(w[0])
	if err != nil {
		return fmt.Errorf("invalid event index %q", w[0])
	}
	if err := r.ReplayToEventIndex(idx); err != nil {
		return err
	}
	c.moved(r)
	return nil
}

func stepBack(c *CLI, ctx context.Context, args string) error {
	r, err := c.replayer()
	if err != nil {
		return err
	}
	if _, err := r.StepBackward(r.CurrentIndex()); err != nil {
		return err
	}
	c.moved(r)
	return nil
}

func events(c *CLI, ctx context.Context, args string) error {
	r, err := c.replayer()
	if err != nil {
		return err
	}
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	r.Output = c.stdout
	defer func() { r.Output = nil }()

	switch len(w) {
	case 0:
		if err := r.ReplayForward(); err != nil {
			return err
		}
		c.steps = 0
		if evs := r.Events(); len(evs) > 0 {
			c.steps = evs[len(evs)-1].Step
		}
		return nil
	case 1:
		var want recorder.EventType
		switch strings.ToLower(w[0]) {
		case "step":
			want = recorder.StepEvent
		case "match":
			want = recorder.MatchEvent
		case "abort":
			want = recorder.AbortEvent
		default:
			return fmt.Errorf("unknown event type %q", w[0])
		}
		found, err := r.ReplayUntil(func(e recorder.Event) bool { return e.Type == want })
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no %s event after the current one", w[0])
		}
		c.moved(r)
		return nil
	default:
		return fmt.Errorf("usage: events [step|match|abort]")
	}
}

func source(c *CLI, ctx context.Context, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(w) != 1 {
		return fmt.Errorf("usage: source <path>")
	}
	path, err := expandHome(w[0])
	if err != nil {
		return err
	}
	return c.executeFile(ctx, path)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}
