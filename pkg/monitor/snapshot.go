package monitor

import (
	"fmt"
	"sort"
	"strings"
)

// Snapshot is the register state captured right after one step.
type Snapshot struct {
	Step               int               // 1-based index of the step that produced it
	InstructionPointer uint64            // set on the match, and on every step when a hook is installed
	Registers          map[string]uint64 // native parents read plus decoded views
}

// Get returns a register of the snapshot. Views that were not captured are
// decoded from their parent when the parent was read.
func (s Snapshot) Get(name string) (uint64, bool) {
	def, ok := LookupRegister(name)
	if !ok {
		return 0, false
	}
	if v, ok := s.Registers[def.Name]; ok {
		return v, true
	}
	parent, ok := s.Registers[def.Parent]
	if !ok {
		return 0, false
	}
	return def.Decode(parent), true
}

func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d", s.Step)
	for _, name := range sortedKeys(s.Registers) {
		fmt.Fprintf(&b, " %s=%#x", name, s.Registers[name])
	}
	return b.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
