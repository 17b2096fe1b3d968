package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/willibrandon/stepwatch/pkg/config"
	"github.com/willibrandon/stepwatch/pkg/disasm"
	"github.com/willibrandon/stepwatch/pkg/logflags"
	"github.com/willibrandon/stepwatch/pkg/monitor"
	"github.com/willibrandon/stepwatch/pkg/recorder"
	"github.com/willibrandon/stepwatch/pkg/translate"
)

const (
	historyFile                 string = ".stepwatch_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"

	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
)

// historySteps is the number of events the history command keeps.
const historySteps = 20

// Options configures a CLI.
type Options struct {
	Config *config.Config
	// Mode is the x86 mode (16, 32 or 64) used to disassemble the target.
	Mode int
	// MaxSteps bounds every wait. Zero waits forever.
	MaxSteps int
	// Out receives all output. Defaults to a colorable stdout.
	Out io.Writer
	// Compression of traces started with the record command.
	Compression recorder.CompressionType
}

// CLI is the interactive terminal driving a single target.
type CLI struct {
	target      monitor.Stepper
	conf        *config.Config
	sigs        *SignatureManager
	cmds        *Commands
	line        *liner.State
	stdout      io.Writer
	color       bool
	prompt      string
	mode        int
	maxSteps    int
	compression recorder.CompressionType

	steps   int // instructions executed through this terminal
	dis     *disasm.Disassembler
	trace   *recorder.FileRecorder
	history *recorder.InMemoryRecorder // last steps of the last wait

	mu     sync.Mutex
	cancel context.CancelFunc // cancels the running command

	log *logrus.Entry
}

// NewCLI creates a terminal for target.
func NewCLI(target monitor.Stepper, opts Options) (*CLI, error) {
	conf := opts.Config
	if conf == nil {
		conf = &config.Config{}
	}
	sigs, err := NewSignatureManager(conf)
	if err != nil {
		return nil, err
	}
	cmds := DefaultCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	c := &CLI{
		target:      target,
		conf:        conf,
		sigs:        sigs,
		cmds:        cmds,
		prompt:      "(stepwatch) ",
		mode:        opts.Mode,
		maxSteps:    opts.MaxSteps,
		compression: opts.Compression,
		stdout:      opts.Out,
		history:     recorder.NewRingRecorder(historySteps),
		log:         logflags.REPLLogger(),
	}
	if c.mode == 0 {
		c.mode = 32
	}
	if c.stdout == nil {
		c.stdout = colorable.NewColorableStdout()
		c.color = strings.ToLower(os.Getenv("TERM")) != "dumb" &&
			(isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	}
	return c, nil
}

// Signatures returns the signature manager of the terminal.
func (c *CLI) Signatures() *SignatureManager {
	return c.sigs
}

// Steps returns the number of instructions executed through the terminal.
func (c *CLI) Steps() int {
	return c.steps
}

// Close stops a running recording.
func (c *CLI) Close() error {
	if c.trace != nil {
		return c.stopRecording()
	}
	return nil
}

// Start runs the prompt loop until quit or end of input.
func (c *CLI) Start() error {
	c.line = liner.NewLiner()
	defer c.line.Close()
	c.line.SetCtrlCAborts(true)
	c.line.SetCompleter(c.cmds.Complete)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	defer signal.Stop(ch)
	go c.sigintGuard(ch)

	histPath := c.historyPath()
	if f, err := os.Open(histPath); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	defer c.saveHistory(histPath)

	fmt.Fprintln(c.stdout, "Type 'help' for list of commands.")
	if cur := c.sigs.Current(); cur != nil {
		fmt.Fprintf(c.stdout, "waiting for %s\n", cur)
	}

	for {
		cmdstr, err := c.promptForInput()
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(c.stdout, "exit")
				return nil
			}
			return fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := c.Call(context.Background(), cmdstr); err != nil {
			var exit ExitRequestError
			if errors.As(err, &exit) {
				return nil
			}
			c.printError(err)
		}
	}
}

func (c *CLI) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			c.log.Debug("interrupt, canceling command")
			cancel()
		}
	}
}

func (c *CLI) promptForInput() (string, error) {
	l, err := c.line.Prompt(c.prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		c.line.AppendHistory(l)
	}
	return l, nil
}

func (c *CLI) historyPath() string {
	if c.conf.HistoryFile != "" {
		if p, err := expandHome(c.conf.HistoryFile); err == nil {
			return p
		}
	}
	p, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		c.log.Debugf("no history file: %v", err)
		return ""
	}
	return p
}

func (c *CLI) saveHistory(path string) {
	if path == "" {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		c.log.Debugf("unable to save history: %v", err)
		return
	}
	defer f.Close()
	if _, err := c.line.WriteHistory(f); err != nil {
		c.log.Debugf("readline history error: %v", err)
	}
}

// Call executes one command line. The command runs under a context that an
// interrupt cancels.
func (c *CLI) Call(ctx context.Context, cmdstr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	c.log.Debugf("command %q args %q", cmdname, args)
	err := c.cmds.Find(cmdname)(c, ctx, args)
	if errors.Is(err, errNoCmd) {
		return fmt.Errorf("%w: %s", err, cmdname)
	}
	return err
}

// WaitUntilMatch steps the target until it matches the signature resolved
// from arg and reports the outcome.
func (c *CLI) WaitUntilMatch(ctx context.Context, arg string) (*monitor.Result, error) {
	ns, err := c.sigs.Resolve(arg)
	if err != nil {
		return nil, err
	}
	c.warnContradictions(ns.Signature)

	opts := []monitor.Option{
		monitor.WithStepLimit(c.maxSteps),
		monitor.WithLogger(logflags.MonitorLogger().WithField("signature", ns.String())),
	}
	if n := c.conf.ProgressInterval; n > 0 {
		opts = append(opts, monitor.WithProgress(n, func(steps int) {
			fmt.Fprintf(c.stdout, "... %d steps\n", steps)
		}))
	}
	c.history.Clear()
	last := recorder.NewSession(c.history)
	hooks := []monitor.StepHook{last.Hook()}
	var session *recorder.Session
	if c.trace != nil {
		session = recorder.NewSession(c.trace)
		hooks = append(hooks, session.Hook())
		opts = append(opts, monitor.WithFullSnapshots())
	}
	opts = append(opts, monitor.WithStepHook(func(snap monitor.Snapshot) {
		for _, hook := range hooks {
			hook(snap)
		}
	}))

	res, err := monitor.Run(ctx, c.target, ns.Signature, opts...)
	if res != nil {
		c.steps += res.Steps
	}
	last.Finish(res, err)
	if session != nil {
		if rerr := session.Finish(res, err); rerr != nil {
			fmt.Fprintf(c.stdout, "recording failed: %v\n", rerr)
		}
		if ferr := c.trace.Flush(); ferr != nil {
			fmt.Fprintf(c.stdout, "recording failed: %v\n", ferr)
		}
	}
	if err != nil {
		steps := 0
		if res != nil {
			steps = res.Steps
		}
		return res, &WaitError{Steps: steps, Err: err}
	}

	c.printMatch(res)
	return res, nil
}

// WaitError is returned when a wait ends without a match.
type WaitError struct {
	Steps int
	Err   error
}

func (e *WaitError) Error() string {
	return translate.From("gave up after %d steps: %v", e.Steps, e.Err)
}

func (e *WaitError) Unwrap() error {
	return e.Err
}

func (c *CLI) printMatch(res *monitor.Result) {
	c.Println(ansiGreen, translate.From("✅ condition met, current EIP: 0x%x", res.InstructionPointer))
	fmt.Fprintln(c.stdout, translate.From("condition met after %d steps", res.Steps))
	if insts, err := c.disassembleAt(res.InstructionPointer, 1); err == nil && len(insts) > 0 {
		fmt.Fprintf(c.stdout, "=> %s\n", insts[0])
	} else if err != nil {
		c.log.Debugf("no disassembly at match: %v", err)
	}
}

func (c *CLI) warnContradictions(sig *monitor.Signature) {
	for _, con := range sig.Contradictions() {
		c.Println(ansiYellow, fmt.Sprintf("warning: %s can never match", con))
	}
}

func (c *CLI) printError(err error) {
	c.Println(ansiRed, fmt.Sprintf("Command failed: %s", err))
}

// Println prints a line, highlighted with the given ANSI color when the
// output is a terminal.
func (c *CLI) Println(color int, str string) {
	if c.color {
		str = fmt.Sprintf(terminalHighlightEscapeCode, color) + str + terminalResetEscapeCode
	}
	fmt.Fprintln(c.stdout, str)
}
