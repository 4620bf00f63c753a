package abiinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegisterIO is an in-memory RegisterIO, standing in for the Emulator
// Backend Adapter so the ABI Manager can be exercised without Unicorn.
type fakeRegisterIO struct {
	regs map[int]uint64
}

func newFakeRegisterIO() *fakeRegisterIO {
	return &fakeRegisterIO{regs: make(map[int]uint64)}
}

func (f *fakeRegisterIO) RegisterRead(backendID int) (uint64, error) {
	return f.regs[backendID], nil
}

func (f *fakeRegisterIO) RegisterWrite(backendID int, value uint64) error {
	f.regs[backendID] = value
	return nil
}

func TestManagerReadWriteRegRoundTrip(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, X86_64)
	require.NoError(t, err)

	require.NoError(t, m.WriteArchReg(m.Table().PC, 0x4010000))
	v, err := m.ReadArchReg(m.Table().PC)
	require.NoError(t, err)
	assert.EqualValues(t, 0x4010000, v)
}

func TestManagerReadRegRejectsNarrowWidth(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, X86_64)
	require.NoError(t, err)

	_, err = m.ReadReg(m.Table().PC, 8)
	assert.Error(t, err)
}

func TestManagerReadRegUnknownName(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, X86_64)
	require.NoError(t, err)

	_, err = m.ReadReg("not_a_register", 64)
	assert.Error(t, err)
}

func TestManagerDumpLoadRegsRoundTrip(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, ARM64)
	require.NoError(t, err)

	require.NoError(t, m.WriteArchReg(m.Table().SP, 0x7fff0000))
	dumped, err := m.DumpRegs()
	require.NoError(t, err)
	assert.Equal(t, dumped[m.Table().SP], uint64(0x7fff0000))

	io2 := newFakeRegisterIO()
	m2, err := Init(io2, ARM64)
	require.NoError(t, err)
	require.NoError(t, m2.LoadRegs(dumped))

	v, err := m2.ReadArchReg(m2.Table().SP)
	require.NoError(t, err)
	assert.EqualValues(t, 0x7fff0000, v)
}

func TestManagerInitThreadRegsOverridesPCSPTLS(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, ARM64)
	require.NoError(t, err)

	tls := uint64(0x5000)
	regs, err := m.InitThreadRegs(0x1000, 0x2000, &tls)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x1000), regs[m.Table().PC])
	assert.Equal(t, uint64(0x2000), regs[m.Table().SP])
	assert.Equal(t, uint64(0x5000), regs[m.Table().TLS])
}

func TestManagerPrerunHookSetsThumbBit(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, ARM)
	require.NoError(t, err)

	cpsr, ok := m.Table().reg("CPSR")
	require.True(t, ok)
	require.NoError(t, io.RegisterWrite(cpsr.BackendID, CPSRThumbBit))

	addr := uint64(0x8000)
	require.NoError(t, m.PrerunHook(&addr))
	assert.EqualValues(t, 0x8001, addr)
}

func TestManagerPrerunHookNoOpOffARM(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, X86_64)
	require.NoError(t, err)

	addr := uint64(0x8000)
	require.NoError(t, m.PrerunHook(&addr))
	assert.EqualValues(t, 0x8000, addr)
}

func TestManagerSetupRequiresInstallerOnARM(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, ARM)
	require.NoError(t, err)

	err = m.Setup(nil, func(uint32) {})
	assert.Error(t, err)
}

func TestManagerSetupNoOpOnX86(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, X86)
	require.NoError(t, err)

	err = m.Setup(nil, func(uint32) {})
	assert.NoError(t, err)
}

func TestManagerGetIDTEntryUnknownDefaultsUnknown(t *testing.T) {
	io := newFakeRegisterIO()
	m, err := Init(io, X86_64)
	require.NoError(t, err)

	assert.Equal(t, IntrUnknown, m.GetIDTEntry(0xffff))
}
