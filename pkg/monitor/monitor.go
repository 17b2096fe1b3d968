// Package monitor single-steps a target and stops the first time its register
// file satisfies a Signature.
//
// The target is reached through a Stepper. Byte and 16-bit views such as "ah"
// or "ip" are never read from the stepper: the monitor reads the native 32-bit
// register once per step and decodes every view from it.
package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/willibrandon/stepwatch/pkg/logflags"
)

// Stepper advances a target one instruction at a time and exposes its
// register file.
type Stepper interface {
	// Step executes exactly one instruction.
	Step() error
	// ReadRegister returns the value of a native register. Unsupported names
	// must produce an error matching ErrUnknownRegister.
	ReadRegister(name string) (uint64, error)
	// ProgramCounter returns the current instruction pointer.
	ProgramCounter() (uint64, error)
}

// RegisterLister is implemented by steppers that can tell which native
// registers they expose. The monitor uses it to reject signatures before the
// first step.
type RegisterLister interface {
	Registers() []string
}

// State of a Monitor.
type State int

const (
	Running State = iota
	Matched
	Aborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Matched:
		return "Matched"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Result of a run.
type Result struct {
	Matched            bool
	InstructionPointer uint64
	Snapshot           Snapshot
	Steps              int // Step calls issued, including a failed one
}

// StepHook receives every snapshot captured during a run.
type StepHook func(Snapshot)

// Option configures a Monitor.
type Option func(*Monitor)

// WithStepHook installs a hook called after every step. With a hook installed
// the instruction pointer is captured on every step, not only on the match.
func WithStepHook(hook StepHook) Option {
	return func(m *Monitor) {
		m.hook = hook
	}
}

// WithFullSnapshots makes every snapshot carry all native registers of the
// stepper instead of the ones the signature references.
func WithFullSnapshots() Option {
	return func(m *Monitor) {
		m.full = true
	}
}

// WithStepLimit aborts the run with ErrStepLimit after n steps. Zero means
// no limit.
func WithStepLimit(n int) Option {
	return func(m *Monitor) {
		m.limit = n
	}
}

// WithProgress calls fn every n steps with the number of steps issued so far.
func WithProgress(n int, fn func(steps int)) Option {
	return func(m *Monitor) {
		m.progressEvery = n
		m.progress = fn
	}
}

// WithLogger replaces the default monitor logger.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Monitor) {
		m.log = log
	}
}

// Monitor holds a signature and the state of a single run.
type Monitor struct {
	sig   *Signature
	state State
	ran   bool

	hook          StepHook
	full          bool
	limit         int
	progressEvery int
	progress      func(int)

	log *logrus.Entry
}

// New creates a monitor for sig.
func New(sig *Signature, opts ...Option) *Monitor {
	m := &Monitor{
		sig:   sig,
		state: Running,
		log:   logflags.MonitorLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run is a shorthand for New(sig, opts...).Run(ctx, s).
func Run(ctx context.Context, s Stepper, sig *Signature, opts ...Option) (*Result, error) {
	return New(sig, opts...).Run(ctx, s)
}

// Signature returns the signature the monitor waits for.
func (m *Monitor) Signature() *Signature {
	return m.sig
}

// State returns the current state of the monitor.
func (m *Monitor) State() State {
	return m.state
}

// Run steps s until the signature is satisfied or the target can no longer be
// advanced. It never retries a failed step.
func (m *Monitor) Run(ctx context.Context, s Stepper) (*Result, error) {
	if m.ran {
		return nil, ErrFinished
	}
	m.ran = true

	if m.sig == nil || m.sig.Len() == 0 {
		m.state = Aborted
		return &Result{}, ErrEmptySignature
	}

	parents, err := m.registersToRead(s)
	if err != nil {
		m.state = Aborted
		return &Result{}, err
	}

	m.log.Debugf("waiting for %v", m.sig)

	captureIP := m.hook != nil
	logSteps := logflags.Monitor()
	values := make(map[string]uint64, len(parents))

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return m.abort(step-1, fmt.Errorf("%w: %w", ErrCanceled, err))
		}
		if m.limit > 0 && step > m.limit {
			return m.abort(step-1, fmt.Errorf("%w: %d", ErrStepLimit, m.limit))
		}

		if err := s.Step(); err != nil {
			return m.abort(step, &StepError{Step: step, Err: err})
		}

		for _, name := range parents {
			v, err := s.ReadRegister(name)
			if err != nil {
				if errors.Is(err, ErrUnknownRegister) {
					return m.abort(step, err)
				}
				return m.abort(step, &StepError{Step: step, Err: err})
			}
			values[name] = v
		}

		matched := m.sig.Matches(values)

		snap := m.capture(step, values)
		if matched || captureIP {
			ip, err := s.ProgramCounter()
			if err != nil {
				return m.abort(step, &StepError{Step: step, Err: err})
			}
			snap.InstructionPointer = ip
		}

		if logSteps {
			m.log.Debugf("step %d: %s", step, snap)
		}
		if m.hook != nil {
			m.hook(snap)
		}
		if m.progress != nil && m.progressEvery > 0 && step%m.progressEvery == 0 {
			m.progress(step)
		}

		if matched {
			m.state = Matched
			m.log.Debugf("matched after %d steps at %#x", step, snap.InstructionPointer)
			return &Result{
				Matched:            true,
				InstructionPointer: snap.InstructionPointer,
				Snapshot:           snap,
				Steps:              step,
			}, nil
		}
	}
}

func (m *Monitor) abort(steps int, err error) (*Result, error) {
	m.state = Aborted
	m.log.Debugf("aborted after %d steps: %v", steps, err)
	return &Result{Steps: steps}, err
}

// registersToRead resolves the native registers read on every step and
// rejects any the stepper does not expose.
func (m *Monitor) registersToRead(s Stepper) ([]string, error) {
	var exposed map[string]bool
	if l, ok := s.(RegisterLister); ok {
		exposed = map[string]bool{}
		for _, name := range l.Registers() {
			exposed[name] = true
		}
	}

	for _, c := range m.sig.Constraints() {
		def, ok := LookupRegister(c.Name)
		if !ok {
			return nil, &UnknownRegisterError{Name: c.Name}
		}
		if exposed != nil && !exposed[def.Parent] {
			return nil, &UnknownRegisterError{Name: c.Name, Err: fmt.Errorf("stepper does not expose %s", def.Parent)}
		}
	}

	parents := m.sig.Parents()
	if !m.full {
		return parents, nil
	}

	seen := map[string]bool{}
	for _, name := range parents {
		seen[name] = true
	}
	for _, name := range NativeRegisters() {
		if seen[name] || (exposed != nil && !exposed[name]) {
			continue
		}
		seen[name] = true
		parents = append(parents, name)
	}
	return parents, nil
}

// capture copies the parent values and decodes the views the signature references.
func (m *Monitor) capture(step int, values map[string]uint64) Snapshot {
	regs := make(map[string]uint64, len(values)+m.sig.Len())
	for name, v := range values {
		regs[name] = v
	}
	for i, def := range m.sig.defs {
		if !def.Native() {
			regs[m.sig.constraints[i].Name] = def.Decode(values[def.Parent])
		}
	}
	return Snapshot{Step: step, Registers: regs}
}
