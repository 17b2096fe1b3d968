package debugger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/stepwatch/pkg/monitor"
)

// fakeDelve answers the RPC calls of the stepper from a list of register
// files, one per executed instruction.
type fakeDelve struct {
	regs         []api.Registers
	pos          int
	exitAfter    int // report the process as exited on this step, 0 never
	mem          map[uint64][]byte
	regReads     int
	disconnected bool
}

func (f *fakeDelve) state() *api.DebuggerState {
	return &api.DebuggerState{CurrentThread: &api.Thread{ID: 7}}
}

func (f *fakeDelve) GetState() (*api.DebuggerState, error) {
	return f.state(), nil
}

func (f *fakeDelve) CallAPI(method string, args, reply interface{}) error {
	cmd, ok := args.(api.DebuggerCommand)
	if method != "Command" || !ok || cmd.Name != api.StepInstruction {
		return fmt.Errorf("unexpected call %s %v", method, args)
	}
	out := reply.(*rpc2.CommandOut)
	f.pos++
	if f.exitAfter != 0 && f.pos >= f.exitAfter {
		out.State = api.DebuggerState{Exited: true, ExitStatus: 3}
		return nil
	}
	out.State = *f.state()
	return nil
}

func (f *fakeDelve) ListThreadRegisters(threadID int, includeFp bool) (api.Registers, error) {
	if threadID != 7 {
		return nil, fmt.Errorf("no thread %d", threadID)
	}
	f.regReads++
	if f.pos == 0 || f.pos > len(f.regs) {
		return f.regs[len(f.regs)-1], nil
	}
	return f.regs[f.pos-1], nil
}

func (f *fakeDelve) ExamineMemory(address uint64, count int) ([]byte, bool, error) {
	data, ok := f.mem[address]
	if !ok || len(data) < count {
		return nil, false, errors.New("could not read memory")
	}
	return data[:count], false, nil
}

func (f *fakeDelve) Disconnect(cont bool) error {
	f.disconnected = true
	return nil
}

func amd64Regs(rax, rip uint64) api.Registers {
	return api.Registers{
		{Name: "Rip", Value: fmt.Sprintf("%#016x", rip)},
		{Name: "Rsp", Value: "0x000000c000046f50"},
		{Name: "Rax", Value: fmt.Sprintf("%#016x", rax)},
		{Name: "Rbx", Value: "0x0000000000000000"},
		{Name: "Rcx", Value: "0x0000000000000002"},
		{Name: "Rdx", Value: "0x0000000000000080"},
		{Name: "Rsi", Value: "0x0000000000000000"},
		{Name: "Rdi", Value: "0x0000000000000000"},
		{Name: "Rbp", Value: "0x000000c000046f70"},
		{Name: "Rflags", Value: "0x0000000000000246\t[IF ZF PF IOPL=0]"},
		{Name: "Cs", Value: "0x0000000000000033"},
		{Name: "Ss", Value: "0x000000000000002b"},
		{Name: "Ds", Value: "0x0000000000000000"},
		{Name: "Es", Value: "0x0000000000000000"},
		{Name: "Fs", Value: "0x0000000000000000"},
		{Name: "Gs", Value: "0x0000000000000000"},
		{Name: "Fs_base", Value: "0x00007f0000000000"},
	}
}

func newFakeDebugger(t *testing.T, client *fakeDelve) *DelveDebugger {
	t.Helper()
	d := newDelveDebugger(client)
	require.NoError(t, d.selectThread())
	return d
}

func TestDelveReadRegister(t *testing.T) {
	client := &fakeDelve{regs: []api.Registers{amd64Regs(0xdead00000202, 0x4a1f20)}}
	d := newFakeDebugger(t, client)

	require.NoError(t, d.Step())
	v, err := d.ReadRegister("eax")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x202), v, "eax is the low half of rax")

	v, err = d.ReadRegister("EFLAGS")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x246), v)

	v, err = d.ReadRegister("cs")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x33), v)

	pc, err := d.ProgramCounter()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4a1f20), pc)
	assert.Equal(t, 2, client.regReads, "registers are cached until the next step")

	_, err = d.ReadRegister("ah")
	assert.ErrorIs(t, err, monitor.ErrUnknownRegister)
	_, err = d.ReadRegister("r8")
	assert.ErrorIs(t, err, monitor.ErrUnknownRegister)

	assert.Equal(t, monitor.NativeRegisters(), d.Registers())
}

func TestDelveMissingRegistersRejectedBeforeStepping(t *testing.T) {
	var regs api.Registers
	for _, r := range amd64Regs(0x0202, 0x401000) {
		switch r.Name {
		case "Ds", "Es", "Ss":
			continue
		}
		regs = append(regs, r)
	}
	client := &fakeDelve{regs: []api.Registers{regs}}
	d := newFakeDebugger(t, client)
	assert.NotContains(t, d.Registers(), "es")
	assert.Contains(t, d.Registers(), "cs")

	sig, err := monitor.ParseSignature("ax=0x0202 es=0x2000")
	require.NoError(t, err)
	res, err := monitor.Run(context.Background(), d, sig)
	assert.ErrorIs(t, err, monitor.ErrUnknownRegister)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, 0, client.pos, "no instruction is executed")
}

func TestDelveWaitForMatch(t *testing.T) {
	client := &fakeDelve{regs: []api.Registers{
		amd64Regs(0x0100, 0x401000),
		amd64Regs(0x0101, 0x401003),
		amd64Regs(0x0202, 0x401007),
	}}
	d := newFakeDebugger(t, client)
	sig, err := monitor.ParseSignature("ah=2 al=2 cl=2 dh=0")
	require.NoError(t, err)

	res, err := monitor.Run(context.Background(), d, sig)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, uint64(0x401007), res.InstructionPointer)
}

func TestDelveProcessExit(t *testing.T) {
	client := &fakeDelve{regs: []api.Registers{amd64Regs(1, 0x401000)}, exitAfter: 3}
	d := newFakeDebugger(t, client)
	sig, err := monitor.ParseSignature("eax=2")
	require.NoError(t, err)

	res, err := monitor.Run(context.Background(), d, sig)
	assert.ErrorIs(t, err, monitor.ErrStepFailure)
	assert.ErrorIs(t, err, ErrProcessExited)
	assert.Equal(t, 3, res.Steps)

	assert.ErrorIs(t, d.Step(), ErrProcessExited)
	assert.Equal(t, 3, client.pos, "no step is sent after the exit")
}

func TestDelveReadMemory(t *testing.T) {
	client := &fakeDelve{
		regs: []api.Registers{amd64Regs(0, 0x401000)},
		mem:  map[uint64][]byte{0x401000: {0xcd, 0x80, 0xc3}},
	}
	d := newFakeDebugger(t, client)

	data, err := d.ReadMemory(0x401000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xcd, 0x80}, data)

	_, err = d.ReadMemory(0x500000, 2)
	assert.ErrorContains(t, err, "examine memory 0x500000")

	require.NoError(t, d.Close())
	assert.True(t, client.disconnected)
}

func TestParseRegisterValue(t *testing.T) {
	v, err := parseRegisterValue("0x0000000000000246\t[IF ZF PF IOPL=0]")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x246), v)

	_, err = parseRegisterValue("")
	assert.Error(t, err)
	_, err = parseRegisterValue("[no number]")
	assert.Error(t, err)
}
