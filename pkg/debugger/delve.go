package debugger

import (
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/willibrandon/stepwatch/pkg/logflags"
	"github.com/willibrandon/stepwatch/pkg/monitor"
)

// ErrProcessExited is returned by Step once the debugged process is gone.
var ErrProcessExited = errors.New("process exited")

// delveClient is the part of rpc2.RPCClient the stepper uses.
type delveClient interface {
	GetState() (*api.DebuggerState, error)
	CallAPI(method string, args, reply interface{}) error
	ListThreadRegisters(threadID int, includeFp bool) (api.Registers, error)
	ExamineMemory(address uint64, count int) ([]byte, bool, error)
	Disconnect(cont bool) error
}

// amd64Names maps native register names onto the names delve reports for
// the current thread. The first name present wins.
var amd64Names = map[string][]string{
	monitor.EAX:    {"Rax", "Eax"},
	monitor.EBX:    {"Rbx", "Ebx"},
	monitor.ECX:    {"Rcx", "Ecx"},
	monitor.EDX:    {"Rdx", "Edx"},
	monitor.ESI:    {"Rsi", "Esi"},
	monitor.EDI:    {"Rdi", "Edi"},
	monitor.EBP:    {"Rbp", "Ebp"},
	monitor.ESP:    {"Rsp", "Esp"},
	monitor.EIP:    {"Rip", "Eip"},
	monitor.EFLAGS: {"Rflags", "Eflags"},
	monitor.CS:     {"Cs"},
	monitor.DS:     {"Ds"},
	monitor.ES:     {"Es"},
	monitor.FS:     {"Fs"},
	monitor.GS:     {"Gs"},
	monitor.SS:     {"Ss"},
}

// DelveDebugger single-steps a process through a Delve headless server.
type DelveDebugger struct {
	client    delveClient
	target    string    // Target binary path, empty when connected to a running server
	dlvCmd    *exec.Cmd // The running 'dlv exec' command
	dlvListen string    // The address dlv is listening on (e.g., "localhost:12345")

	threadID  int
	regs      map[string]uint64 // lower-cased delve names, valid until the next step
	available []string          // native names the target reports
	exited    bool

	log *logrus.Entry
}

var (
	_ monitor.Stepper        = (*DelveDebugger)(nil)
	_ monitor.RegisterLister = (*DelveDebugger)(nil)
)

// findFreePort finds an available TCP port on localhost
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// NewDelveDebuggerWithArgs launches a Delve headless server for the target with the given command line arguments and connects via RPC
func NewDelveDebuggerWithArgs(targetPath string, args []string) (*DelveDebugger, error) {
	absPath, err := filepath.Abs(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for target %s: %v", targetPath, err)
	}

	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find free port for delve: %v", err)
	}
	dlvListenAddr := "localhost:" + strconv.Itoa(port)

	cmdArgs := []string{
		"exec", absPath,
		"--headless",
		"--listen=" + dlvListenAddr,
		"--api-version=2",
		"--accept-multiclient",
	}

	// Only add the '--' separator if we have args to pass
	if len(args) > 0 {
		cmdArgs = append(cmdArgs, "--")
		cmdArgs = append(cmdArgs, args...)
	}

	dlvCmd := exec.Command("dlv", cmdArgs...)
	setupProcAttr(dlvCmd)

	if err := dlvCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start delve process: %v", err)
	}
	log := logflags.RPCLogger()
	log.Debugf("started delve headless server for %s on %s (pid %d) with args %v",
		absPath, dlvListenAddr, dlvCmd.Process.Pid, args)

	client, err := waitForServer(dlvListenAddr, 5*time.Second)
	if err != nil {
		_ = dlvCmd.Process.Kill()
		_, _ = dlvCmd.Process.Wait()
		return nil, fmt.Errorf("failed to connect RPC client to delve server at %s: %v", dlvListenAddr, err)
	}

	d := newDelveDebugger(client)
	d.target = absPath
	d.dlvCmd = dlvCmd
	d.dlvListen = dlvListenAddr
	if err := d.selectThread(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// NewDelveDebugger launches a Delve headless server for the target and connects via RPC
func NewDelveDebugger(targetPath string) (*DelveDebugger, error) {
	return NewDelveDebuggerWithArgs(targetPath, nil)
}

// ConnectDelve attaches to a headless server that is already listening at
// addr. Closing the debugger disconnects without killing the server.
func ConnectDelve(addr string) (*DelveDebugger, error) {
	client, err := waitForServer(addr, time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RPC client to delve server at %s: %v", addr, err)
	}
	d := newDelveDebugger(client)
	d.dlvListen = addr
	if err := d.selectThread(); err != nil {
		return nil, err
	}
	return d, nil
}

func newDelveDebugger(client delveClient) *DelveDebugger {
	return &DelveDebugger{client: client, log: logflags.RPCLogger()}
}

// waitForServer polls addr until the headless server accepts connections.
func waitForServer(addr string, timeout time.Duration) (*rpc2.RPCClient, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			client := rpc2.NewClientFromConn(conn)
			if _, err = client.GetState(); err == nil {
				return client, nil
			}
			conn.Close()
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// selectThread remembers the thread delve currently has selected; all
// register reads go to it. The register file of that thread decides which
// native names the target exposes.
func (d *DelveDebugger) selectThread() error {
	state, err := d.client.GetState()
	if err != nil {
		return errors.Wrap(err, "get state")
	}
	if err := d.update(state); err != nil {
		return err
	}
	if err := d.readRegisters(); err != nil {
		return err
	}
	d.available = d.available[:0]
	for _, name := range monitor.NativeRegisters() {
		if _, ok := d.lookup(name); ok {
			d.available = append(d.available, name)
		}
	}
	d.log.Debugf("thread %d exposes %v", d.threadID, d.available)
	return nil
}

// lookup returns the cached delve value backing a native name.
func (d *DelveDebugger) lookup(name string) (uint64, bool) {
	for _, c := range amd64Names[name] {
		if v, ok := d.regs[strings.ToLower(c)]; ok {
			return v, true
		}
	}
	return 0, false
}

func (d *DelveDebugger) update(state *api.DebuggerState) error {
	d.regs = nil
	if state.Exited {
		d.exited = true
		return errors.Wrapf(ErrProcessExited, "exit status %d", state.ExitStatus)
	}
	if state.Err != nil {
		return state.Err
	}
	if state.CurrentThread == nil {
		return errors.New("no current thread available")
	}
	d.threadID = state.CurrentThread.ID
	return nil
}

// Step executes a single instruction on the current thread.
func (d *DelveDebugger) Step() error {
	if d.exited {
		return ErrProcessExited
	}
	var out rpc2.CommandOut
	err := d.client.CallAPI("Command", api.DebuggerCommand{Name: api.StepInstruction}, &out)
	if err != nil {
		if strings.Contains(err.Error(), "exited") {
			d.exited = true
			return errors.Wrap(ErrProcessExited, err.Error())
		}
		return errors.Wrap(err, "step instruction")
	}
	return d.update(&out.State)
}

func (d *DelveDebugger) readRegisters() error {
	if d.regs != nil {
		return nil
	}
	regs, err := d.client.ListThreadRegisters(d.threadID, false)
	if err != nil {
		return errors.Wrapf(err, "registers of thread %d", d.threadID)
	}
	d.regs = make(map[string]uint64, len(regs))
	for _, r := range regs {
		v, err := parseRegisterValue(r.Value)
		if err != nil {
			d.log.Debugf("skipping register %s: %v", r.Name, err)
			continue
		}
		d.regs[strings.ToLower(r.Name)] = v
	}
	return nil
}

// parseRegisterValue reads the leading number of a formatted delve register;
// flag registers carry a decoded suffix after it.
func parseRegisterValue(s string) (uint64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("empty register value")
	}
	return strconv.ParseUint(fields[0], 0, 64)
}

// ReadRegister returns the low 32 bits of the amd64 register backing name.
func (d *DelveDebugger) ReadRegister(name string) (uint64, error) {
	name = strings.ToLower(name)
	if _, ok := amd64Names[name]; !ok {
		return 0, &monitor.UnknownRegisterError{Name: name}
	}
	if err := d.readRegisters(); err != nil {
		return 0, err
	}
	def, _ := monitor.LookupRegister(name)
	if v, ok := d.lookup(name); ok {
		return v & def.Mask, nil
	}
	return 0, &monitor.UnknownRegisterError{Name: name}
}

// ProgramCounter returns the full instruction pointer of the current thread.
func (d *DelveDebugger) ProgramCounter() (uint64, error) {
	if err := d.readRegisters(); err != nil {
		return 0, err
	}
	if pc, ok := d.regs["rip"]; ok {
		return pc, nil
	}
	return d.ReadRegister(monitor.EIP)
}

// Registers lists the native registers the current thread reports.
func (d *DelveDebugger) Registers() []string {
	return d.available
}

// ReadMemory reads n bytes of target memory at addr.
func (d *DelveDebugger) ReadMemory(addr uint64, n int) ([]byte, error) {
	data, _, err := d.client.ExamineMemory(addr, n)
	if err != nil {
		return nil, errors.Wrapf(err, "examine memory %#x", addr)
	}
	return data, nil
}

// Target returns the path of the launched binary.
func (d *DelveDebugger) Target() string {
	return d.target
}

// Close terminates the connection and the Delve process
func (d *DelveDebugger) Close() error {
	var closeErr error
	if d.client != nil {
		// Only a server we launched is killed with the client.
		if err := d.client.Disconnect(false); err != nil {
			d.log.Debugf("error disconnecting delve client: %v", err)
			closeErr = fmt.Errorf("failed to disconnect delve client: %v", err)
		}
		d.client = nil
	}
	if d.dlvCmd != nil && d.dlvCmd.Process != nil {
		pid := d.dlvCmd.Process.Pid
		d.log.Debugf("terminating delve process %d", pid)
		if err := d.dlvCmd.Process.Kill(); err != nil {
			if err.Error() != "os: process already finished" {
				closeErr = fmt.Errorf("failed to kill delve process: %v", err)
			}
		}
		_, waitErr := d.dlvCmd.Process.Wait()
		if waitErr != nil && waitErr.Error() != "os: process already finished" && !isWaitAlreadyExited(waitErr) {
			if closeErr == nil {
				closeErr = fmt.Errorf("failed to wait for delve process: %v", waitErr)
			}
		}
		d.dlvCmd = nil
	}
	return closeErr
}

// Helper to check for specific Wait error on Windows
func isWaitAlreadyExited(err error) bool {
	if e, ok := err.(*exec.ExitError); ok {
		if status, ok := e.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus() == -1
		}
	}
	return false
}
