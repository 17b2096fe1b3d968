//go:build !unicorn

package emulator

import "github.com/willibrandon/stepwatch/pkg/monitor"

// Emulator is unavailable in builds without the unicorn tag.
type Emulator struct{}

// New validates cfg and reports that no CPU backend was compiled in.
func New(cfg Config) (*Emulator, error) {
	if _, err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return nil, ErrNotSupported
}

func (*Emulator) Step() error { return ErrNotSupported }
func (*Emulator) ReadRegister(string) (uint64, error) { return 0, ErrNotSupported }
func (*Emulator) ProgramCounter() (uint64, error) { return 0, ErrNotSupported }
func (*Emulator) CodeAddress() (uint64, error) { return 0, ErrNotSupported }
func (*Emulator) Registers() []string { return nativeRegisters }
func (*Emulator) ReadMemory(uint64, int) ([]byte, error) { return nil, ErrNotSupported }
func (*Emulator) Interrupts() []Interrupt { return nil }
func (*Emulator) Close() error { return nil }

var _ monitor.Stepper = (*Emulator)(nil)
