//go:build unicorn

package emulator

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/willibrandon/stepwatch/pkg/logflags"
	"github.com/willibrandon/stepwatch/pkg/monitor"
)

var registerEnums = map[string]int{
	monitor.EAX:    uc.X86_REG_EAX,
	monitor.EBX:    uc.X86_REG_EBX,
	monitor.ECX:    uc.X86_REG_ECX,
	monitor.EDX:    uc.X86_REG_EDX,
	monitor.ESI:    uc.X86_REG_ESI,
	monitor.EDI:    uc.X86_REG_EDI,
	monitor.EBP:    uc.X86_REG_EBP,
	monitor.ESP:    uc.X86_REG_ESP,
	monitor.EIP:    uc.X86_REG_EIP,
	monitor.EFLAGS: uc.X86_REG_EFLAGS,
	monitor.CS:     uc.X86_REG_CS,
	monitor.DS:     uc.X86_REG_DS,
	monitor.ES:     uc.X86_REG_ES,
	monitor.FS:     uc.X86_REG_FS,
	monitor.GS:     uc.X86_REG_GS,
	monitor.SS:     uc.X86_REG_SS,
}

// Emulator is a monitor.Stepper over a unicorn ARCH_X86/MODE_16 CPU.
type Emulator struct {
	mu         uc.Unicorn
	cfg        Config
	steps      int
	halted     bool
	interrupts []Interrupt

	log *logrus.Entry
}

// New maps memory, loads the image and points cs:ip at it.
func New(cfg Config) (*Emulator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_16)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	e := &Emulator{mu: mu, cfg: cfg, log: logflags.EmulatorLogger()}
	if err := e.boot(); err != nil {
		mu.Close()
		return nil, err
	}
	return e, nil
}

func (e *Emulator) boot() error {
	if err := e.mu.MemMap(0, e.cfg.MemorySize); err != nil {
		return errors.Wrap(err, "MemMap() failed")
	}
	if err := e.mu.MemWrite(e.cfg.LoadAddress, e.cfg.Image); err != nil {
		return errors.Wrap(err, "loading image")
	}
	cs, ip := entryPoint(e.cfg.LoadAddress)
	regs := []struct {
		reg int
		val uint64
	}{
		{uc.X86_REG_CS, cs},
		{uc.X86_REG_IP, ip},
		{uc.X86_REG_DS, 0},
		{uc.X86_REG_ES, 0},
		{uc.X86_REG_SS, 0},
		{uc.X86_REG_SP, DefaultLoadAddress},
		{uc.X86_REG_DX, uint64(e.cfg.BootDrive)},
	}
	for _, r := range regs {
		if err := e.mu.RegWrite(r.reg, r.val); err != nil {
			return errors.Wrapf(err, "setting register %d", r.reg)
		}
	}

	_, err := e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		ax, _ := mu.RegRead(uc.X86_REG_AX)
		in := Interrupt{Step: e.steps + 1, Number: uint8(intno), AX: uint16(ax)}
		e.interrupts = append(e.interrupts, in)
		e.log.Debugf("%v", in)
	}, 1, 0)
	return errors.Wrap(err, "installing interrupt hook")
}

// Step executes exactly one instruction.
func (e *Emulator) Step() error {
	if e.halted {
		return ErrHalted
	}
	pc, err := e.CodeAddress()
	if err != nil {
		return err
	}
	op, err := e.mu.MemRead(pc, 1)
	if err != nil {
		return errors.Wrapf(err, "fetching instruction at %#x", pc)
	}
	if op[0] == 0xf4 {
		e.halted = true
		return ErrHalted
	}
	if err := e.mu.StartWithOptions(pc, ^uint64(0), &uc.UcOptions{Count: 1}); err != nil {
		e.halted = true
		return errors.Wrapf(err, "executing instruction at %#x", pc)
	}
	e.steps++
	return nil
}

// ReadRegister reads a native register.
func (e *Emulator) ReadRegister(name string) (uint64, error) {
	enum, ok := registerEnums[name]
	if !ok {
		return 0, &monitor.UnknownRegisterError{Name: name}
	}
	v, err := e.mu.RegRead(enum)
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", name)
	}
	return v, nil
}

// ProgramCounter returns eip.
func (e *Emulator) ProgramCounter() (uint64, error) {
	return e.ReadRegister(monitor.EIP)
}

// CodeAddress returns the linear address of cs:ip.
func (e *Emulator) CodeAddress() (uint64, error) {
	cs, err := e.mu.RegRead(uc.X86_REG_CS)
	if err != nil {
		return 0, err
	}
	ip, err := e.mu.RegRead(uc.X86_REG_IP)
	if err != nil {
		return 0, err
	}
	return linear(cs, ip), nil
}

// Registers returns the native registers of the CPU.
func (e *Emulator) Registers() []string {
	return nativeRegisters
}

// ReadMemory reads guest memory.
func (e *Emulator) ReadMemory(addr uint64, n int) ([]byte, error) {
	if addr >= e.cfg.MemorySize {
		return nil, fmt.Errorf("address %#x outside guest memory", addr)
	}
	if addr+uint64(n) > e.cfg.MemorySize {
		n = int(e.cfg.MemorySize - addr)
	}
	return e.mu.MemRead(addr, uint64(n))
}

// Interrupts returns the software interrupts raised so far.
func (e *Emulator) Interrupts() []Interrupt {
	return e.interrupts
}

// Close releases the CPU.
func (e *Emulator) Close() error {
	return e.mu.Close()
}
