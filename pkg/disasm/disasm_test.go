package disasm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memory struct {
	base  uint64
	data  []byte
	reads int
}

func (m *memory) ReadMemory(addr uint64, n int) ([]byte, error) {
	m.reads++
	if addr < m.base || addr >= m.base+uint64(len(m.data)) {
		return nil, errors.New("unmapped")
	}
	off := addr - m.base
	end := off + uint64(n)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	return m.data[off:end], nil
}

// mov ax, 0x0202; int 0x13; hlt
var bootCode = []byte{0xb8, 0x02, 0x02, 0xcd, 0x13, 0xf4}

func TestRealModeRange(t *testing.T) {
	mem := &memory{base: 0x7c00, data: bootCode}
	d, err := New(mem, 16)
	require.NoError(t, err)

	insts, err := d.Range(0x7c00, 5)
	require.NoError(t, err)
	require.Len(t, insts, 3, "decoding stops at the end of readable memory")

	assert.Equal(t, uint64(0x7c00), insts[0].Addr)
	assert.Equal(t, []byte{0xb8, 0x02, 0x02}, insts[0].Bytes)
	assert.Equal(t, "mov ax, 0x202", insts[0].Text(IntelFlavour))
	assert.Equal(t, uint64(0x7c03), insts[1].Addr)
	assert.Equal(t, "int 0x13", insts[1].Text(IntelFlavour))
	assert.Equal(t, "hlt", insts[2].Text(IntelFlavour))
	assert.Contains(t, insts[1].String(), "0x7c03:\tcd13")
	assert.Contains(t, insts[1].Format(GNUFlavour), "int $0x13")
}

func TestCacheFollowsMemory(t *testing.T) {
	data := append([]byte(nil), bootCode...)
	mem := &memory{base: 0x7c00, data: data}
	d, err := New(mem, 16)
	require.NoError(t, err)

	first, err := d.At(0x7c03)
	require.NoError(t, err)
	again, err := d.At(0x7c03)
	require.NoError(t, err)
	assert.Same(t, first.Inst, again.Inst)

	// patched code is decoded again
	data[3], data[4] = 0x90, 0x90
	patched, err := d.At(0x7c03)
	require.NoError(t, err)
	assert.Equal(t, "nop", patched.Text(IntelFlavour))
}

func TestUndecodable(t *testing.T) {
	mem := &memory{base: 0, data: []byte{0x0f}}
	d, err := New(mem, 16)
	require.NoError(t, err)

	in, err := d.At(0)
	require.NoError(t, err)
	assert.Nil(t, in.Inst)
	assert.Equal(t, "?", in.Text(GNUFlavour))
	assert.Len(t, in.Bytes, 1)

	_, err = d.At(0x100)
	assert.Error(t, err)
	_, err = d.Range(0x100, 2)
	assert.Error(t, err)
}

func TestNewMode(t *testing.T) {
	_, err := New(&memory{}, 8)
	assert.Error(t, err)
	d, err := New(&memory{}, 64)
	require.NoError(t, err)
	assert.Equal(t, 64, d.Mode())
}

type realMode struct{ memory }

func (realMode) CodeAddress() (uint64, error) { return 0x20000 + 0x10, nil }

func TestCodeAddress(t *testing.T) {
	addr, err := CodeAddress(&memory{}, 0x7c00)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7c00), addr)

	addr, err = CodeAddress(realMode{}, 0x10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20010), addr)
}
