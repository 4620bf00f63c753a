package abiinfo

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// armTable describes the 32-bit ARM Linux ABI in both ARM and Thumb
// encodings: svc/swi with the number in r7, args in r0-r5, return in r0.
// TLS follows the CP15 c13 convention (§4.5 "ARM uses CP15").
func armTable() *Table {
	return &Table{
		Arch:         ARM,
		WordSizeBits: 32,
		PtrSizeBytes: 4,
		Registers: []RegDescriptor{
			{"R0", uc.ARM_REG_R0, 32}, {"R1", uc.ARM_REG_R1, 32},
			{"R2", uc.ARM_REG_R2, 32}, {"R3", uc.ARM_REG_R3, 32},
			{"R4", uc.ARM_REG_R4, 32}, {"R5", uc.ARM_REG_R5, 32},
			{"R6", uc.ARM_REG_R6, 32}, {"R7", uc.ARM_REG_R7, 32},
			{"R8", uc.ARM_REG_R8, 32}, {"R9", uc.ARM_REG_R9, 32},
			{"R10", uc.ARM_REG_R10, 32}, {"R11", uc.ARM_REG_R11, 32},
			{"R12", uc.ARM_REG_R12, 32}, {"SP", uc.ARM_REG_SP, 32},
			{"LR", uc.ARM_REG_LR, 32}, {"PC", uc.ARM_REG_PC, 32},
			{"CPSR", uc.ARM_REG_CPSR, 32}, {"C13_C0_3", uc.ARM_REG_C13_C0_3, 32},
		},
		PC:        "PC",
		SP:        "SP",
		TLS:       "C13_C0_3",
		RetReg:    "R0",
		ParamRegs: []string{"R0", "R1", "R2", "R3", "R4", "R5"},

		SysNoReg:     "R7",
		SysRetReg:    "R0",
		SysParamRegs: []string{"R0", "R1", "R2", "R3", "R4", "R5"},

		SyscallNumbers: armSyscallTable,

		IntrToSignal: map[CpuIntr]int32{
			IntrInvalidOpcode:     sigILL,
			IntrGeneralProtection: sigSEGV,
			IntrPageFault:         sigSEGV,
			IntrBreakpoint:        sigTRAP,
			IntrFloatingPoint:     sigFPE,
			IntrAlignmentCheck:    sigBUS,
		},
		// ARM has no IDT; the backend reports QEMU's internal exception
		// numbers (EXCP_UDEF/EXCP_SWI/EXCP_*_ABORT).
		idt: map[uint32]CpuIntr{
			1: IntrInvalidOpcode, // undefined instruction
			2: IntrSyscall,       // svc/swi
			3: IntrPageFault,     // prefetch abort
			4: IntrPageFault,     // data abort
		},
	}
}

// CPSRThumbBit is the mask of the Thumb state flag (bit 5) in CPSR, used
// by Manager.CurrKS/CurrCS and PrerunHook to determine the disassembler
// mode and the bit-0 PC convention for bx/blx targets.
const CPSRThumbBit = 1 << 5
