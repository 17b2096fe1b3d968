package emulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// int13Boot sets up a two-sector read into 2000:0000 and calls the BIOS:
//
//	mov ax, 0x2000
//	mov es, ax
//	xor bx, bx
//	mov cx, 0x0002
//	mov dh, 0
//	mov ax, 0x0202
//	int 0x13
//	hlt
var int13Boot = []byte{
	0xb8, 0x00, 0x20,
	0x8e, 0xc0,
	0x31, 0xdb,
	0xb9, 0x02, 0x00,
	0xb6, 0x00,
	0xb8, 0x02, 0x02,
	0xcd, 0x13,
	0xf4,
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := Config{Image: int13Boot}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultLoadAddress), cfg.LoadAddress)
	assert.Equal(t, uint8(0), cfg.BootDrive, "drive 0 is a valid boot drive")
	assert.Equal(t, uint64(DefaultMemorySize), cfg.MemorySize)

	cfg, err = Config{Image: int13Boot, BootDrive: DefaultBootDrive}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, uint8(DefaultBootDrive), cfg.BootDrive)

	_, err = Config{}.withDefaults()
	assert.Error(t, err)

	_, err = Config{Image: make([]byte, 512), LoadAddress: DefaultMemorySize - 100}.withDefaults()
	assert.Error(t, err)
}

func TestEntryPoint(t *testing.T) {
	cs, ip := entryPoint(0x7c00)
	assert.Equal(t, uint64(0), cs)
	assert.Equal(t, uint64(0x7c00), ip)

	cs, ip = entryPoint(0x20005)
	assert.Equal(t, uint64(0x2000), cs)
	assert.Equal(t, uint64(5), ip)
	assert.Equal(t, uint64(0x20005), linear(cs, ip))
}

func TestInterruptString(t *testing.T) {
	in := Interrupt{Step: 7, Number: 0x13, AX: 0x0202}
	assert.Equal(t, "step 7: int 0x13 ah=0x02", in.String())
}
