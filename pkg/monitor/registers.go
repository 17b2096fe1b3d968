package monitor

import (
	"sort"
	"strings"
)

// Native registers are the ones a Stepper is asked to read. Everything else in
// the catalog is a view decoded from one of these.
const (
	EAX    = "eax"
	EBX    = "ebx"
	ECX    = "ecx"
	EDX    = "edx"
	ESI    = "esi"
	EDI    = "edi"
	EBP    = "ebp"
	ESP    = "esp"
	EIP    = "eip"
	EFLAGS = "eflags"
	CS     = "cs"
	DS     = "ds"
	ES     = "es"
	FS     = "fs"
	GS     = "gs"
	SS     = "ss"
)

// RegisterDef describes one name of the register catalog.
type RegisterDef struct {
	Name   string
	Parent string // native register holding the value; equal to Name for natives
	Shift  uint
	Mask   uint64
}

// Native reports whether the register is read directly from the stepper.
func (d RegisterDef) Native() bool {
	return d.Parent == d.Name
}

// Decode extracts the view from the value of its parent register.
func (d RegisterDef) Decode(parent uint64) uint64 {
	return (parent >> d.Shift) & d.Mask
}

func native(name string, mask uint64) RegisterDef {
	return RegisterDef{Name: name, Parent: name, Mask: mask}
}

func view(name, parent string, shift uint, mask uint64) RegisterDef {
	return RegisterDef{Name: name, Parent: parent, Shift: shift, Mask: mask}
}

var catalog = map[string]RegisterDef{}

func init() {
	defs := []RegisterDef{
		native(EAX, 0xffffffff),
		native(EBX, 0xffffffff),
		native(ECX, 0xffffffff),
		native(EDX, 0xffffffff),
		native(ESI, 0xffffffff),
		native(EDI, 0xffffffff),
		native(EBP, 0xffffffff),
		native(ESP, 0xffffffff),
		native(EIP, 0xffffffff),
		native(EFLAGS, 0xffffffff),
		native(CS, 0xffff),
		native(DS, 0xffff),
		native(ES, 0xffff),
		native(FS, 0xffff),
		native(GS, 0xffff),
		native(SS, 0xffff),

		view("ax", EAX, 0, 0xffff),
		view("bx", EBX, 0, 0xffff),
		view("cx", ECX, 0, 0xffff),
		view("dx", EDX, 0, 0xffff),
		view("si", ESI, 0, 0xffff),
		view("di", EDI, 0, 0xffff),
		view("bp", EBP, 0, 0xffff),
		view("sp", ESP, 0, 0xffff),
		view("ip", EIP, 0, 0xffff),
		view("flags", EFLAGS, 0, 0xffff),

		view("ah", EAX, 8, 0xff),
		view("al", EAX, 0, 0xff),
		view("bh", EBX, 8, 0xff),
		view("bl", EBX, 0, 0xff),
		view("ch", ECX, 8, 0xff),
		view("cl", ECX, 0, 0xff),
		view("dh", EDX, 8, 0xff),
		view("dl", EDX, 0, 0xff),
	}
	for _, d := range defs {
		catalog[d.Name] = d
	}
}

// LookupRegister returns the catalog entry for name. Lookup is case-insensitive.
func LookupRegister(name string) (RegisterDef, bool) {
	d, ok := catalog[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// NativeRegisters returns the names a Stepper may be asked to read, sorted.
func NativeRegisters() []string {
	var names []string
	for name, d := range catalog {
		if d.Native() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RegisterNames returns every name in the catalog, sorted.
func RegisterNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// overlaps reports whether two views of the same parent share any bits.
func overlaps(a, b RegisterDef) bool {
	return a.Parent == b.Parent && (a.Mask<<a.Shift)&(b.Mask<<b.Shift) != 0
}
