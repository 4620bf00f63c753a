package abiinfo

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// x8664Table describes the x86-64 Linux ABI: syscall instruction, number
// in rax, args in rdi/rsi/rdx/r10/r8/r9, return in rax. TLS is the FS base
// MSR (§4.5 clone_thread: "x86-64 uses FS/GS base").
func x8664Table() *Table {
	return &Table{
		Arch:         X86_64,
		WordSizeBits: 64,
		PtrSizeBytes: 8,
		Registers: []RegDescriptor{
			{"RAX", uc.X86_REG_RAX, 64}, {"RBX", uc.X86_REG_RBX, 64},
			{"RCX", uc.X86_REG_RCX, 64}, {"RDX", uc.X86_REG_RDX, 64},
			{"RSI", uc.X86_REG_RSI, 64}, {"RDI", uc.X86_REG_RDI, 64},
			{"RBP", uc.X86_REG_RBP, 64}, {"RSP", uc.X86_REG_RSP, 64},
			{"R8", uc.X86_REG_R8, 64}, {"R9", uc.X86_REG_R9, 64},
			{"R10", uc.X86_REG_R10, 64}, {"R11", uc.X86_REG_R11, 64},
			{"R12", uc.X86_REG_R12, 64}, {"R13", uc.X86_REG_R13, 64},
			{"R14", uc.X86_REG_R14, 64}, {"R15", uc.X86_REG_R15, 64},
			{"RIP", uc.X86_REG_RIP, 64}, {"RFLAGS", uc.X86_REG_EFLAGS, 64},
			{"FS_BASE", uc.X86_REG_FS_BASE, 64}, {"GS_BASE", uc.X86_REG_GS_BASE, 64},
			{"CS", uc.X86_REG_CS, 16}, {"SS", uc.X86_REG_SS, 16},
		},
		PC:        "RIP",
		SP:        "RSP",
		TLS:       "FS_BASE",
		RetReg:    "RAX",
		ParamRegs: []string{"RDI", "RSI", "RDX", "RCX", "R8", "R9"},

		SysNoReg:     "RAX",
		SysRetReg:    "RAX",
		SysParamRegs: []string{"RDI", "RSI", "RDX", "R10", "R8", "R9"},

		SyscallNumbers: x8664SyscallTable,

		IntrToSignal: map[CpuIntr]int32{
			IntrDivideError:        sigFPE,
			IntrDebug:              sigTRAP,
			IntrBreakpoint:         sigTRAP,
			IntrOverflow:           sigSEGV,
			IntrBoundRange:         sigSEGV,
			IntrInvalidOpcode:      sigILL,
			IntrDeviceNotAvailable: sigFPE,
			IntrDoubleFault:        sigSEGV,
			IntrInvalidTSS:         sigSEGV,
			IntrSegmentNotPresent:  sigBUS,
			IntrStackFault:         sigSEGV,
			IntrGeneralProtection:  sigSEGV,
			IntrPageFault:          sigSEGV,
			IntrFloatingPoint:      sigFPE,
			IntrAlignmentCheck:     sigBUS,
			IntrMachineCheck:       sigBUS,
			IntrSIMDFloatingPoint:  sigFPE,
		},
		idt: map[uint32]CpuIntr{
			0: IntrDivideError, 1: IntrDebug, 3: IntrBreakpoint,
			4: IntrOverflow, 5: IntrBoundRange, 6: IntrInvalidOpcode,
			7: IntrDeviceNotAvailable, 8: IntrDoubleFault, 10: IntrInvalidTSS,
			11: IntrSegmentNotPresent, 12: IntrStackFault, 13: IntrGeneralProtection,
			14: IntrPageFault, 16: IntrFloatingPoint, 17: IntrAlignmentCheck,
			18: IntrMachineCheck, 19: IntrSIMDFloatingPoint,
		},
	}
}
