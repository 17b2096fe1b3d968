// Package disasm decodes the x86 instructions of a stepped target.
package disasm

import (
	"bytes"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/arch/x86/x86asm"
)

const maxInstructionLength = 15

const defaultCacheSize = 1024

// MemoryReader is implemented by steppers that can read target memory.
type MemoryReader interface {
	ReadMemory(addr uint64, n int) ([]byte, error)
}

// CodeLocator is implemented by steppers whose program counter is not a
// linear address, like real-mode targets where code lives at cs:ip.
type CodeLocator interface {
	CodeAddress() (uint64, error)
}

// Flavour selects the assembly syntax.
type Flavour int

const (
	IntelFlavour Flavour = iota
	GNUFlavour
)

// Instruction is one decoded instruction.
type Instruction struct {
	Addr  uint64
	Bytes []byte
	Inst  *x86asm.Inst // nil when the bytes could not be decoded
}

// Text returns the instruction in the given syntax, or "?" for undecodable bytes.
func (i Instruction) Text(flavour Flavour) string {
	if i.Inst == nil {
		return "?"
	}
	switch flavour {
	case GNUFlavour:
		return x86asm.GNUSyntax(*i.Inst, i.Addr, nil)
	default:
		return x86asm.IntelSyntax(*i.Inst, i.Addr, nil)
	}
}

// Format returns the address, the encoding and the text of the instruction.
func (i Instruction) Format(flavour Flavour) string {
	return fmt.Sprintf("%#x:\t%-20s\t%s", i.Addr, hex.EncodeToString(i.Bytes), i.Text(flavour))
}

func (i Instruction) String() string {
	return i.Format(IntelFlavour)
}

// Disassembler decodes instructions from target memory. Decoded instructions
// are cached by address and reused while the bytes in memory are unchanged.
type Disassembler struct {
	mem   MemoryReader
	mode  int
	cache *lru.Cache
}

// New returns a disassembler for the given x86 mode (16, 32 or 64).
func New(mem MemoryReader, mode int) (*Disassembler, error) {
	switch mode {
	case 16, 32, 64:
	default:
		return nil, fmt.Errorf("unsupported x86 mode %d", mode)
	}
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Disassembler{mem: mem, mode: mode, cache: cache}, nil
}

// Mode returns the x86 mode instructions are decoded in.
func (d *Disassembler) Mode() int {
	return d.mode
}

// At decodes the instruction at addr.
func (d *Disassembler) At(addr uint64) (Instruction, error) {
	mem, err := d.mem.ReadMemory(addr, maxInstructionLength)
	if len(mem) == 0 {
		if err == nil {
			err = fmt.Errorf("no memory at %#x", addr)
		}
		return Instruction{Addr: addr}, err
	}

	if v, ok := d.cache.Get(addr); ok {
		cached := v.(Instruction)
		if bytes.HasPrefix(mem, cached.Bytes) {
			return cached, nil
		}
	}

	inst, err := x86asm.Decode(mem, d.mode)
	if err != nil {
		// Undecodable bytes are reported one at a time.
		return Instruction{Addr: addr, Bytes: mem[:1]}, nil
	}
	in := Instruction{
		Addr:  addr,
		Bytes: append([]byte(nil), mem[:inst.Len]...),
		Inst:  &inst,
	}
	d.cache.Add(addr, in)
	return in, nil
}

// Range decodes count consecutive instructions starting at addr.
func (d *Disassembler) Range(addr uint64, count int) ([]Instruction, error) {
	out := make([]Instruction, 0, count)
	for len(out) < count {
		in, err := d.At(addr)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		out = append(out, in)
		addr += uint64(len(in.Bytes))
	}
	return out, nil
}

// CodeAddress returns where the next instruction of s lives in memory: its
// CodeAddress when it implements CodeLocator, otherwise pc.
func CodeAddress(s any, pc uint64) (uint64, error) {
	if l, ok := s.(CodeLocator); ok {
		return l.CodeAddress()
	}
	return pc, nil
}
