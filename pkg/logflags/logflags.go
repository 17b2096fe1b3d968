// Package logflags holds the per-layer loggers selected with --log-output.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var monitor = false
var gdbWire = false
var rpc = false
var emulator = false
var repl = false

var logOut io.Writer = os.Stderr

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Out = logOut
	logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithFields(fields)
}

// Monitor returns true if the monitor should log every step.
func Monitor() bool {
	return monitor
}

// MonitorLogger returns a logger for the monitor package.
func MonitorLogger() *logrus.Entry {
	return makeLogger(monitor, logrus.Fields{"layer": "monitor"})
}

// GdbWire returns true if the gdbremote package should log all the packets
// exchanged with the stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdb wire protocol.
func GdbWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "gdbwire"})
}

// RPC returns true if calls to the Delve server should be logged.
func RPC() bool {
	return rpc
}

// RPCLogger returns a logger for the Delve client.
func RPCLogger() *logrus.Entry {
	return makeLogger(rpc, logrus.Fields{"layer": "rpc"})
}

// EmulatorLogger returns a logger for the unicorn backend.
func EmulatorLogger() *logrus.Entry {
	return makeLogger(emulator, logrus.Fields{"layer": "emulator"})
}

// REPLLogger returns a logger for the interactive terminal.
func REPLLogger() *logrus.Entry {
	return makeLogger(repl, logrus.Fields{"layer": "repl"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr and redirects
// output to logDest when it is not empty.
func Setup(logFlag bool, logstr, logDest string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logDest != "" {
		f, err := os.OpenFile(logDest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("could not open log destination %s: %v", logDest, err)
		}
		logOut = f
		log.SetOutput(f)
	}
	if logstr == "" {
		logstr = "monitor"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "monitor":
			monitor = true
		case "gdbwire":
			gdbWire = true
		case "rpc":
			rpc = true
		case "emulator":
			emulator = true
		case "repl":
			repl = true
		default:
			return fmt.Errorf("unknown log layer %q", logcmd)
		}
	}
	return nil
}

// Close closes the log destination opened by Setup.
func Close() {
	if f, ok := logOut.(*os.File); ok && f != os.Stderr {
		f.Close()
	}
	logOut = os.Stderr
}

// Reset turns every layer off. Used by tests.
func Reset() {
	monitor, gdbWire, rpc, emulator, repl = false, false, false, false, false
	logOut = os.Stderr
}
