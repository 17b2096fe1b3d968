//go:build unicorn

package emulator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/stepwatch/pkg/monitor"
)

func TestBootSectorMatch(t *testing.T) {
	e, err := New(Config{Image: int13Boot, BootDrive: DefaultBootDrive})
	require.NoError(t, err)
	defer e.Close()

	dl, err := e.ReadRegister(monitor.EDX)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80), dl&0xff)

	sig, err := monitor.ParseSignature("ax=0x0202 es=0x2000 bx=0 ah=2 al=2 ch=0 cl=2 dh=0")
	require.NoError(t, err)

	res, err := monitor.Run(context.Background(), e, sig)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Steps)
	assert.Equal(t, uint64(0x7c0f), res.InstructionPointer, "stopped before int 0x13")
	assert.Empty(t, e.Interrupts())
}

func TestFloppyBootDrive(t *testing.T) {
	e, err := New(Config{Image: int13Boot, BootDrive: 0})
	require.NoError(t, err)
	defer e.Close()

	dl, err := e.ReadRegister(monitor.EDX)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), dl&0xff)
}

func TestRunToHalt(t *testing.T) {
	e, err := New(Config{Image: int13Boot})
	require.NoError(t, err)
	defer e.Close()

	sig, err := monitor.ParseSignature("ax=0x2000 ah=2")
	require.NoError(t, err)

	res, err := monitor.Run(context.Background(), e, sig)
	assert.True(t, errors.Is(err, monitor.ErrStepFailure))
	assert.True(t, errors.Is(err, ErrHalted))
	assert.Equal(t, 8, res.Steps)

	require.Len(t, e.Interrupts(), 1)
	assert.Equal(t, uint8(0x13), e.Interrupts()[0].Number)
	assert.Equal(t, 7, e.Interrupts()[0].Step)

	mem, err := e.ReadMemory(0x7c00, 3)
	require.NoError(t, err)
	assert.Equal(t, int13Boot[:3], mem)
}
