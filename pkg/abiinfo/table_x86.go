package abiinfo

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// x86Table describes the 32-bit x86 Linux ABI: int 0x80 syscalls via eax,
// args in ebx/ecx/edx/esi/edi/ebp, return in eax.
func x86Table() *Table {
	return &Table{
		Arch:         X86,
		WordSizeBits: 32,
		PtrSizeBytes: 4,
		HWCap:        0,
		HWCap2:       0,
		Registers: []RegDescriptor{
			{"EAX", uc.X86_REG_EAX, 32},
			{"EBX", uc.X86_REG_EBX, 32},
			{"ECX", uc.X86_REG_ECX, 32},
			{"EDX", uc.X86_REG_EDX, 32},
			{"ESI", uc.X86_REG_ESI, 32},
			{"EDI", uc.X86_REG_EDI, 32},
			{"EBP", uc.X86_REG_EBP, 32},
			{"ESP", uc.X86_REG_ESP, 32},
			{"EIP", uc.X86_REG_EIP, 32},
			{"EFLAGS", uc.X86_REG_EFLAGS, 32},
			{"CS", uc.X86_REG_CS, 16},
			{"SS", uc.X86_REG_SS, 16},
			{"DS", uc.X86_REG_DS, 16},
			{"ES", uc.X86_REG_ES, 16},
			{"FS", uc.X86_REG_FS, 16},
			{"GS", uc.X86_REG_GS, 16},
		},
		PC:        "EIP",
		SP:        "ESP",
		TLS:       "GS",
		RetReg:    "EAX",
		ParamRegs: []string{"EBX", "ECX", "EDX", "ESI", "EDI", "EBP"},

		SysNoReg:     "EAX",
		SysRetReg:    "EAX",
		SysParamRegs: []string{"EBX", "ECX", "EDX", "ESI", "EDI", "EBP"},

		SyscallNumbers: x86SyscallTable,

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
			18: IntrMachineCheck, 19: IntrSIMDFloatingPoint, 0x80: IntrSyscall,
		},
	}
}
