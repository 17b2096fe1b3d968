package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/willibrandon/stepwatch/pkg/config"
	"github.com/willibrandon/stepwatch/pkg/debugger"
	"github.com/willibrandon/stepwatch/pkg/emulator"
	"github.com/willibrandon/stepwatch/pkg/gdbremote"
	"github.com/willibrandon/stepwatch/pkg/logflags"
	"github.com/willibrandon/stepwatch/pkg/monitor"
	"github.com/willibrandon/stepwatch/pkg/recorder"
	"github.com/willibrandon/stepwatch/pkg/replay"
	"github.com/willibrandon/stepwatch/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default config file.
	configPath string
	// signatureFlag is a signature name or inline name=value pairs.
	signatureFlag string
	// recordPath is the trace every wait is recorded to.
	recordPath string
	// wait runs wait_until_match once and exits instead of opening the terminal.
	wait bool
	// maxSteps bounds every wait, zero means unbounded.
	maxSteps int
	// mode is the x86 mode used for disassembly, zero picks the backend default.
	mode int
	// dialTimeout bounds the connection to a gdbstub.
	dialTimeout time.Duration

	conf *config.Config
)

const stepwatchCommandLongDesc = `stepwatch single-steps a target until its registers match a signature.

A signature is a set of register=value constraints over the i386 register file,
for example "ax=0x0202 es=0x2000 bx=0 ch=0 cl=2 dh=0". 16-bit and byte views
(ax, ah, al, ...) are decoded from the 32-bit registers.

Targets are reached through a gdbstub (qemu -s), a Delve headless server, the
built-in unicorn emulator or a recorded trace.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:          "stepwatch",
		Short:        "stepwatch waits for a register signature, one instruction at a time.",
		Long:         stepwatchCommandLongDesc,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			return loadConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output: monitor, gdbwire, rpc, emulator, repl.")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file.")
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "", "", "Config file (default $XDG_CONFIG_HOME/stepwatch/config.yml).")
	rootCommand.PersistentFlags().StringVarP(&signatureFlag, "signature", "s", "", `Signature to wait for: a configured name or inline pairs like "ax=0x0202,es=0x2000".`)
	rootCommand.PersistentFlags().StringVarP(&recordPath, "record", "", "", "Record every step of the waits to this trace file.")
	rootCommand.PersistentFlags().BoolVarP(&wait, "wait", "", false, "Wait for the signature, print the result and exit.")
	rootCommand.PersistentFlags().IntVarP(&maxSteps, "max-steps", "", 0, "Give up after this many steps (0 waits forever).")
	rootCommand.PersistentFlags().IntVarP(&mode, "mode", "", 0, "x86 mode (16, 32 or 64) used to disassemble the target.")

	gdbCommand := &cobra.Command{
		Use:   "gdb [address]",
		Short: "Connect to a gdbstub, such as qemu -s -S.",
		Long: `Connects to a GDB remote serial protocol stub and single-steps it.

The address defaults to gdb-address from the config file, or localhost:1234,
where qemu-system-i386 -s listens. The client detaches on exit.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := conf.GdbAddress
			if len(args) > 0 {
				addr = args[0]
			}
			if addr == "" {
				addr = gdbremote.DefaultAddress
			}
			client, err := gdbremote.Dial(addr, dialTimeout)
			if err != nil {
				return err
			}
			return execute(client, 16, nil)
		},
	}
	gdbCommand.Flags().DurationVar(&dialTimeout, "timeout", 5*time.Second, "Connection timeout.")
	rootCommand.AddCommand(gdbCommand)

	delveCommand := &cobra.Command{
		Use:   "delve <binary|address> [-- args]",
		Short: "Single-step a program under Delve.",
		Long: `Launches the binary under a Delve headless server (dlv must be in PATH), or
connects to a headless server already listening at the given address.

Arguments after -- are passed to the launched program.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				d   *debugger.DelveDebugger
				err error
			)
			if _, statErr := os.Stat(args[0]); statErr != nil && isAddress(args[0]) {
				d, err = debugger.ConnectDelve(args[0])
			} else {
				d, err = debugger.NewDelveDebuggerWithArgs(args[0], args[1:])
			}
			if err != nil {
				return err
			}
			return execute(d, 64, nil)
		},
	}
	rootCommand.AddCommand(delveCommand)

	var bootDrive uint8
	emulateCommand := &cobra.Command{
		Use:   "emulate <image>",
		Short: "Boot a raw image on the built-in real-mode emulator.",
		Long: `Loads a raw image, such as a boot sector, at load-address (default 0x7c00) and
single-steps it on a unicorn 16-bit x86 CPU. BIOS interrupts are not serviced:
they are recorded and skipped. Requires a build with -tags unicorn.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			emu, err := emulator.New(emulator.Config{
				Image:       image,
				LoadAddress: conf.LoadAddress,
				BootDrive:   bootDrive,
			})
			if err != nil {
				return err
			}
			return execute(emu, 16, func(out io.Writer) {
				for _, in := range emu.Interrupts() {
					fmt.Fprintln(out, in)
				}
			})
		},
	}
	emulateCommand.Flags().Uint8Var(&bootDrive, "drive", emulator.DefaultBootDrive, "Boot drive passed in dl.")
	rootCommand.AddCommand(emulateCommand)

	replayCommand := &cobra.Command{
		Use:   "replay <trace>",
		Short: "Replay a recorded trace as a target.",
		Long: `Loads a trace written with --record or the record command and steps through
its recorded register files. Stepping past the last recorded step fails.
In the terminal, rewind, goto and events move through the trace so it can be
searched again with another signature.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := replay.Open(args[0])
			if err != nil {
				return err
			}
			if outcome, err := recorder.Outcome(r.Events()); err == nil {
				fmt.Printf("trace of %d events, recorded run ended with %s at step %d\n",
					len(r.Events()), outcome.Type, outcome.Step)
			}
			return execute(r, 32, nil)
		},
	}
	rootCommand.AddCommand(replayCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetVersionInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func loadConfig() error {
	var err error
	if configPath != "" {
		conf, err = config.LoadConfigFile(configPath)
	} else {
		conf, err = config.LoadConfig()
	}
	return err
}

func isAddress(s string) bool {
	_, _, err := net.SplitHostPort(s)
	return err == nil
}

// execute drives target with the terminal, or with a single wait when --wait
// is given, and closes it afterwards. report is called after a --wait run.
func execute(target monitor.Stepper, defaultMode int, report func(io.Writer)) (err error) {
	if c, ok := target.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}

	if mode == 0 {
		mode = defaultMode
	}
	compression, err := recorder.ParseCompression(conf.RecordCompression)
	if err != nil {
		return err
	}
	cli, err := debugger.NewCLI(target, debugger.Options{
		Config:      conf,
		Mode:        mode,
		MaxSteps:    maxSteps,
		Compression: compression,
	})
	if err != nil {
		return err
	}
	defer cli.Close()

	if signatureFlag != "" {
		if _, err := cli.Signatures().Select(signatureFlag); err != nil {
			return err
		}
	}
	if recordPath != "" {
		if err := cli.StartRecording(recordPath); err != nil {
			return err
		}
	}

	if !wait {
		return cli.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	_, err = cli.WaitUntilMatch(ctx, "")
	if report != nil {
		report(os.Stdout)
	}
	if errors.Is(err, monitor.ErrCanceled) {
		return errors.New("interrupted")
	}
	return err
}
