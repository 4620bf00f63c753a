package abiinfo

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// arm64Table describes the AArch64 Linux ABI: svc #0 with the number in
// x8, args in x0-x5, return in x0. TLS is TPIDR_EL0 (§4.5 "ARM64 uses
// TPIDR_EL0").
func arm64Table() *Table {
	regs := []RegDescriptor{}
	for i := 0; i < 29; i++ {
		regs = append(regs, RegDescriptor{
			Name:      fmt.Sprintf("X%d", i),
			BackendID: uc.ARM64_REG_X0 + i,
			WidthBits: 64,
		})
	}
	regs = append(regs,
		RegDescriptor{"SP", uc.ARM64_REG_SP, 64},
		RegDescriptor{"PC", uc.ARM64_REG_PC, 64},
		RegDescriptor{"NZCV", uc.ARM64_REG_NZCV, 64},
		RegDescriptor{"TPIDR_EL0", uc.ARM64_REG_TPIDR_EL0, 64},
	)
	return &Table{
		Arch:         ARM64,
		WordSizeBits: 64,
		PtrSizeBytes: 8,
		Registers:    regs,

		PC:        "PC",
		SP:        "SP",
		TLS:       "TPIDR_EL0",
		RetReg:    "X0",
		ParamRegs: []string{"X0", "X1", "X2", "X3", "X4", "X5"},

		SysNoReg:     "X8",
		SysRetReg:    "X0",
		SysParamRegs: []string{"X0", "X1", "X2", "X3", "X4", "X5"},

		SyscallNumbers: arm64SyscallTable,

		IntrToSignal: map[CpuIntr]int32{
			IntrInvalidOpcode:     sigILL,
			IntrGeneralProtection: sigSEGV,
			IntrPageFault:         sigSEGV,
			IntrBreakpoint:        sigTRAP,
			IntrFloatingPoint:     sigFPE,
			IntrAlignmentCheck:    sigBUS,
		},
		// AArch64 shares ARM's QEMU exception numbering on this backend.
		idt: map[uint32]CpuIntr{
			1: IntrInvalidOpcode, // undefined instruction
			2: IntrSyscall,       // svc
			3: IntrPageFault,     // prefetch abort
			4: IntrPageFault,     // data abort
		},
	}
}
