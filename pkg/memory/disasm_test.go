package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
)

func TestX86InstrLen(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		is64 bool
		want int
	}{
		{"ret", []byte{0xC3}, true, 1},
		{"int 0x80", []byte{0xCD, 0x80}, false, 2},
		{"syscall", []byte{0x0F, 0x05}, true, 2},
		{"push rbp", []byte{0x55}, true, 1},
		{"mov rbp, rsp", []byte{0x48, 0x89, 0xE5}, true, 3},
		{"mov eax, imm32", []byte{0xB8, 0x3C, 0x00, 0x00, 0x00}, true, 5},
		{"mov rax, imm64", []byte{0x48, 0xB8, 1, 2, 3, 4, 5, 6, 7, 8}, true, 10},
		{"xor edi, edi", []byte{0x31, 0xFF}, true, 2},
		{"jmp rel8", []byte{0xEB, 0x05}, true, 2},
		{"call rel32", []byte{0xE8, 0x00, 0x00, 0x00, 0x00}, true, 5},
		{"lea rsi, [rip+disp32]", []byte{0x48, 0x8D, 0x35, 0x0A, 0x00, 0x00, 0x00}, true, 7},
		{"mov [rsp+8], rax", []byte{0x48, 0x89, 0x44, 0x24, 0x08}, true, 5},
		{"cmp dword [eax], imm32", []byte{0x81, 0x38, 1, 2, 3, 4}, false, 6},
		{"add eax, imm8 sign-ext", []byte{0x83, 0xC0, 0x01}, true, 3},
		{"test al, imm8", []byte{0xA8, 0x01}, true, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, x86InstrLen(tc.code, tc.is64))
		})
	}
}

func TestReadInstrsFixedWidth(t *testing.T) {
	eng := newFakeEngine()
	mgr := New(eng)
	abi, err := abiinfo.Init(eng.RegisterIO(), abiinfo.ARM64)
	require.NoError(t, err)

	_, err = mgr.Map(0x1000, PageSize, backend.PermRead|backend.PermExec, "[code]")
	require.NoError(t, err)
	code := []byte{
		0x20, 0x00, 0x80, 0xD2, // mov x0, #1
		0x01, 0x00, 0x00, 0xD4, // svc #0
	}
	require.NoError(t, mgr.Write(0x1000, code))

	instrs, err := mgr.ReadInstrs(abi, 0x1000, 2)
	require.NoError(t, err)
	require.Len(t, instrs, 2)
	assert.Equal(t, uint64(0x1000), instrs[0].Addr)
	assert.Equal(t, code[:4], instrs[0].Bytes)
	assert.Equal(t, uint64(0x1004), instrs[1].Addr)
	assert.Equal(t, code[4:], instrs[1].Bytes)
}

func TestReadInstrsThumbMode(t *testing.T) {
	eng := newFakeEngine()
	mgr := New(eng)
	abi, err := abiinfo.Init(eng.RegisterIO(), abiinfo.ARM)
	require.NoError(t, err)

	// Set the CPSR Thumb bit so CurrCS reports Thumb.
	require.NoError(t, abi.WriteArchReg("CPSR", abiinfo.CPSRThumbBit))

	_, err = mgr.Map(0x1000, PageSize, backend.PermRead|backend.PermExec, "[code]")
	require.NoError(t, err)
	code := []byte{
		0x01, 0x20, // movs r0, #1 (16-bit)
		0x00, 0xF0, 0x00, 0xF8, // bl (32-bit Thumb-2 pair)
	}
	require.NoError(t, mgr.Write(0x1000, code))

	instrs, err := mgr.ReadInstrs(abi, 0x1001, 2)
	require.NoError(t, err)
	require.Len(t, instrs, 2)
	// Bit 0 of the requested address is a mode marker, not part of the
	// instruction address.
	assert.Equal(t, uint64(0x1000), instrs[0].Addr)
	assert.Len(t, instrs[0].Bytes, 2)
	assert.Equal(t, uint64(0x1002), instrs[1].Addr)
	assert.Len(t, instrs[1].Bytes, 4)
}
