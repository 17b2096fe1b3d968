// Package emulator runs a real-mode x86 image, such as a boot sector, on a
// unicorn CPU one instruction at a time. The unicorn backend is only built
// with the "unicorn" build tag; without it New returns ErrNotSupported.
package emulator

import (
	"errors"
	"fmt"

	"github.com/willibrandon/stepwatch/pkg/monitor"
)

const (
	DefaultLoadAddress = 0x7c00
	DefaultBootDrive   = 0x80
	DefaultMemorySize  = 1 << 20
)

var (
	// ErrNotSupported is returned by New when stepwatch was built without unicorn.
	ErrNotSupported = errors.New("emulator not supported: rebuild with -tags unicorn")
	// ErrHalted is returned by Step when the next instruction is hlt.
	ErrHalted = errors.New("cpu halted")
)

// Config describes the machine an image is booted on.
type Config struct {
	Image       []byte
	LoadAddress uint64 // linear address of the first image byte
	BootDrive   uint8  // passed in dl as given; 0 is the first floppy drive
	MemorySize  uint64
}

func (c Config) withDefaults() (Config, error) {
	if c.LoadAddress == 0 {
		c.LoadAddress = DefaultLoadAddress
	}
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if len(c.Image) == 0 {
		return c, errors.New("empty image")
	}
	if c.LoadAddress+uint64(len(c.Image)) > c.MemorySize {
		return c, fmt.Errorf("image of %d bytes at %#x does not fit in %#x bytes of memory",
			len(c.Image), c.LoadAddress, c.MemorySize)
	}
	return c, nil
}

// Interrupt is a software interrupt the image raised. Interrupts are not
// serviced: execution resumes after the int instruction.
type Interrupt struct {
	Step   int
	Number uint8
	AX     uint16
}

func (i Interrupt) String() string {
	return fmt.Sprintf("step %d: int %#04x ah=%#04x", i.Step, i.Number, i.AX>>8)
}

// nativeRegisters are the registers exposed by the emulator.
var nativeRegisters = []string{
	monitor.EAX, monitor.EBX, monitor.ECX, monitor.EDX,
	monitor.ESI, monitor.EDI, monitor.EBP, monitor.ESP,
	monitor.EIP, monitor.EFLAGS,
	monitor.CS, monitor.DS, monitor.ES, monitor.FS, monitor.GS, monitor.SS,
}

// linear returns the real-mode address of seg:off.
func linear(seg, off uint64) uint64 {
	return seg<<4 + off&0xffff
}

// entryPoint returns the cs:ip an image loaded at addr starts at. Images in
// the first segment start at 0000:addr, like a boot sector at 0000:7c00.
func entryPoint(addr uint64) (cs, ip uint64) {
	if addr < 0x10000 {
		return 0, addr
	}
	return addr >> 4, addr & 0xf
}
