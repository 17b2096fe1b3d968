package monitor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrValueOutOfRange is returned when an expected value does not fit its register.
var ErrValueOutOfRange = errors.New("value out of range")

// Constraint is a single (register, expected value) pair.
type Constraint struct {
	Name  string
	Value uint64
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s=%#x", c.Name, c.Value)
}

// Contradiction is a pair of constraints on overlapping bits of one native
// register that disagree on those bits. A signature containing one can never
// be satisfied.
type Contradiction struct {
	A, B Constraint
}

func (c Contradiction) String() string {
	return fmt.Sprintf("%v contradicts %v", c.A, c.B)
}

// Signature is an immutable set of constraints defining the halt condition.
type Signature struct {
	constraints []Constraint
	defs        []RegisterDef
	parents     []string
}

// NewSignature validates constraints and builds a Signature. Register names are
// normalized to lower case; constraint order is preserved.
func NewSignature(constraints ...Constraint) (*Signature, error) {
	if len(constraints) == 0 {
		return nil, ErrEmptySignature
	}

	sig := &Signature{}
	seen := map[string]uint64{}
	seenParent := map[string]bool{}
	for _, c := range constraints {
		def, ok := LookupRegister(c.Name)
		if !ok {
			return nil, &UnknownRegisterError{Name: c.Name}
		}
		if c.Value&^def.Mask != 0 {
			return nil, fmt.Errorf("%w: %s=%#x exceeds %#x", ErrValueOutOfRange, def.Name, c.Value, def.Mask)
		}
		if prev, dup := seen[def.Name]; dup {
			if prev != c.Value {
				return nil, fmt.Errorf("%w: %s=%#x and %s=%#x", ErrConflictingConstraint, def.Name, prev, def.Name, c.Value)
			}
			continue
		}
		seen[def.Name] = c.Value

		sig.constraints = append(sig.constraints, Constraint{Name: def.Name, Value: c.Value})
		sig.defs = append(sig.defs, def)
		if !seenParent[def.Parent] {
			seenParent[def.Parent] = true
			sig.parents = append(sig.parents, def.Parent)
		}
	}

	return sig, nil
}

// ParseSignature parses "name=value" pairs separated by commas or white space.
// Values accept the Go integer literal prefixes (0x, 0o, 0b).
func ParseSignature(s string) (*Signature, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})

	var constraints []Constraint
	for _, field := range fields {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("malformed constraint %q: expected name=value", field)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed value in %q: %v", field, err)
		}
		constraints = append(constraints, Constraint{Name: strings.TrimSpace(name), Value: v})
	}

	return NewSignature(constraints...)
}

// FromMap builds a signature from a register → value map, ordering the
// constraints by register name.
func FromMap(m map[string]uint64) (*Signature, error) {
	constraints := make([]Constraint, 0, len(m))
	for _, name := range sortedKeys(m) {
		constraints = append(constraints, Constraint{Name: name, Value: m[name]})
	}
	return NewSignature(constraints...)
}

// Constraints returns a copy of the constraints in declaration order.
func (s *Signature) Constraints() []Constraint {
	return append([]Constraint(nil), s.constraints...)
}

// Parents returns the native registers that must be read to evaluate the
// signature, in first-reference order.
func (s *Signature) Parents() []string {
	return append([]string(nil), s.parents...)
}

// Len returns the number of constraints.
func (s *Signature) Len() int {
	return len(s.constraints)
}

// Matches reports whether every constraint holds in the given parent values.
func (s *Signature) Matches(parents map[string]uint64) bool {
	for i, def := range s.defs {
		v, ok := parents[def.Parent]
		if !ok || def.Decode(v) != s.constraints[i].Value {
			return false
		}
	}
	return true
}

// Contradictions lists constraint pairs that can never hold together.
func (s *Signature) Contradictions() []Contradiction {
	var out []Contradiction
	for i := range s.defs {
		for j := i + 1; j < len(s.defs); j++ {
			a, b := s.defs[i], s.defs[j]
			if !overlaps(a, b) {
				continue
			}
			common := (a.Mask << a.Shift) & (b.Mask << b.Shift)
			va := (s.constraints[i].Value << a.Shift) & common
			vb := (s.constraints[j].Value << b.Shift) & common
			if va != vb {
				out = append(out, Contradiction{A: s.constraints[i], B: s.constraints[j]})
			}
		}
	}
	return out
}

// Map returns the constraints as a register → value map.
func (s *Signature) Map() map[string]uint64 {
	m := make(map[string]uint64, len(s.constraints))
	for _, c := range s.constraints {
		m[c.Name] = c.Value
	}
	return m
}

func (s *Signature) String() string {
	parts := make([]string, len(s.constraints))
	for i, c := range s.constraints {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}
