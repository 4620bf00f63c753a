package abiinfo

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// ppc32Table describes the 32-bit PowerPC Linux ABI: the `sc` instruction
// with the number in r0, args in r3-r8, return in r3 (errno signalled via
// the carry bit of CR0, which this simplified model folds into a negative
// return value like every other architecture here).
func ppc32Table() *Table {
	regs := make([]RegDescriptor, 0, 34)
	for i := 0; i < 32; i++ {
		regs = append(regs, RegDescriptor{
			Name:      fmt.Sprintf("R%d", i),
			BackendID: uc.PPC_REG_0 + i,
			WidthBits: 32,
		})
	}
	regs = append(regs,
		RegDescriptor{"PC", uc.PPC_REG_PC, 32},
		RegDescriptor{"LR", uc.PPC_REG_LR, 32},
	)
	return &Table{
		Arch:         PPC32,
		WordSizeBits: 32,
		PtrSizeBytes: 4,
		Registers:    regs,

		PC:        "PC",
		SP:        "R1",
		TLS:       "R2",
		RetReg:    "R3",
		ParamRegs: []string{"R3", "R4", "R5", "R6", "R7", "R8"},

		SysNoReg:     "R0",
		SysRetReg:    "R3",
		SysParamRegs: []string{"R3", "R4", "R5", "R6", "R7", "R8"},

		SyscallNumbers: ppc32SyscallTable,

		IntrToSignal: map[CpuIntr]int32{
			IntrInvalidOpcode:     sigILL,
			IntrGeneralProtection: sigSEGV,
			IntrPageFault:         sigSEGV,
			IntrFloatingPoint:     sigFPE,
			IntrAlignmentCheck:    sigBUS,
		},
		// The backend reports QEMU's internal PowerPC exception numbers,
		// not the architectural vector offsets.
		idt: map[uint32]CpuIntr{
			2: IntrPageFault,     // data storage
			3: IntrPageFault,     // instruction storage
			6: IntrInvalidOpcode, // program exception
			8: IntrSyscall,       // sc
		},
	}
}
