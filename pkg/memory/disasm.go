package memory

import (
	"github.com/arion-emu/arion/pkg/abiinfo"
)

// Instr is one decoded instruction slot returned by ReadInstrs: its guest
// address and raw encoding bytes.
type Instr struct {
	Addr  uint64
	Bytes []byte
}

// ReadInstrs reads n instructions starting at addr, sized according to the
// ABI's current disassembler context (§4.3): fixed 4-byte words on
// ARM/ARM64/PPC32, 2- or 4-byte Thumb encodings when the CPSR Thumb bit is
// set, and length-decoded variable encodings on x86/x86-64. The mode is
// recomputed per call, so a Thumb subroutine entered via bx reads back
// Thumb encodings while the surrounding ARM code reads 4-byte words.
func (m *Manager) ReadInstrs(abi *abiinfo.Manager, addr uint64, n int) ([]Instr, error) {
	mode, err := abi.CurrCS()
	if err != nil {
		return nil, err
	}
	out := make([]Instr, 0, n)
	cur := addr &^ 1
	for i := 0; i < n; i++ {
		size, err := m.instrLen(mode, cur)
		if err != nil {
			return nil, err
		}
		raw, err := m.Read(cur, uint64(size))
		if err != nil {
			return nil, err
		}
		out = append(out, Instr{Addr: cur, Bytes: raw})
		cur += uint64(size)
	}
	return out, nil
}

func (m *Manager) instrLen(mode abiinfo.Mode, addr uint64) (int, error) {
	switch mode.Arch {
	case abiinfo.ARM:
		if !mode.Thumb {
			return 4, nil
		}
		// Thumb-2 32-bit encodings open with halfword 0b111_01/10/11.
		half, err := m.Read(addr, 2)
		if err != nil {
			return 0, err
		}
		hw := uint16(half[0]) | uint16(half[1])<<8
		if hw>>11 == 0b11101 || hw>>11 == 0b11110 || hw>>11 == 0b11111 {
			return 4, nil
		}
		return 2, nil
	case abiinfo.ARM64, abiinfo.PPC32:
		return 4, nil
	default:
		buf, err := m.Read(addr, 15)
		if err != nil {
			// Near the end of a mapping 15 bytes may overrun; retry with
			// what remains.
			mp, merr := m.MappingAt(addr)
			if merr != nil {
				return 0, err
			}
			buf, err = m.Read(addr, mp.End-addr)
			if err != nil {
				return 0, err
			}
		}
		return x86InstrLen(buf, mode.Arch == abiinfo.X86_64), nil
	}
}

// x86InstrLen decodes the length of one x86/x86-64 instruction: legacy and
// REX prefixes, one- and two-byte opcode maps, ModRM/SIB/displacement, and
// immediates. Covers the integer/SSE encodings compiled code actually
// emits; exotic encodings it cannot size fall back to one byte, which is
// safe for the introspection use this serves (the backend, not this
// decoder, executes the instruction).
func x86InstrLen(code []byte, is64 bool) int {
	if len(code) == 0 {
		return 1
	}
	i := 0
	opSize16 := false
	rexW := false

	// Prefixes.
	for i < len(code) {
		b := code[i]
		switch b {
		case 0x66:
			opSize16 = true
			i++
			continue
		case 0x67, 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
			i++
			continue
		}
		if is64 && b >= 0x40 && b <= 0x4F {
			rexW = b&0x08 != 0
			i++
			continue
		}
		break
	}
	if i >= len(code) {
		return i + 1
	}

	immWidth := func() int {
		if opSize16 {
			return 2
		}
		return 4
	}
	movImmWidth := func() int {
		if rexW {
			return 8
		}
		return immWidth()
	}

	op := code[i]
	i++
	twoByte := false
	if op == 0x0F {
		if i >= len(code) {
			return i + 1
		}
		op = code[i]
		i++
		twoByte = true
	}

	hasModRM := false
	immLen := 0

	if twoByte {
		switch {
		case op == 0x05 || op == 0x34 || op == 0x35 || op == 0x06 || op == 0x07 ||
			op == 0xA2 || op == 0x77:
			// syscall/sysenter/sysexit/clts/cpuid/emms: no operands.
		case op >= 0x80 && op <= 0x8F:
			immLen = immWidth() // Jcc rel32
		case op >= 0x90 && op <= 0x9F:
			hasModRM = true // SETcc
		case op == 0xA4 || op == 0xAC || op == 0xBA:
			hasModRM = true
			immLen = 1 // shld/shrd imm8, bt-group imm8
		case op == 0x70 || op == 0x71 || op == 0x72 || op == 0x73 || op == 0xC2 ||
			op == 0xC4 || op == 0xC5 || op == 0xC6:
			hasModRM = true
			immLen = 1 // pshuf/pinsrw/pextrw/shufps imm8
		default:
			hasModRM = true
		}
	} else {
		switch {
		case op < 0x40 && op&7 <= 5:
			// ALU block: 00-3F in 8-wide rows of add/or/adc/sbb/and/sub/xor/cmp.
			switch op & 7 {
			case 0, 1, 2, 3:
				hasModRM = true
			case 4:
				immLen = 1
			case 5:
				immLen = immWidth()
			}
		case op >= 0x50 && op <= 0x5F:
			// push/pop reg.
		case op == 0x68:
			immLen = immWidth()
		case op == 0x69:
			hasModRM = true
			immLen = immWidth()
		case op == 0x6A:
			immLen = 1
		case op == 0x6B:
			hasModRM = true
			immLen = 1
		case op >= 0x70 && op <= 0x7F:
			immLen = 1 // Jcc rel8
		case op == 0x80 || op == 0x82 || op == 0x83:
			hasModRM = true
			immLen = 1
		case op == 0x81:
			hasModRM = true
			immLen = immWidth()
		case op >= 0x84 && op <= 0x8F:
			hasModRM = true // test/xchg/mov/lea/pop r/m
		case op >= 0x90 && op <= 0x99:
			// nop/xchg ax/cwde/cdq.
		case op == 0xA8:
			immLen = 1
		case op == 0xA9:
			immLen = immWidth()
		case op >= 0xA0 && op <= 0xA3:
			if is64 {
				immLen = 8
			} else {
				immLen = 4
			}
		case op >= 0xB0 && op <= 0xB7:
			immLen = 1 // mov r8, imm8
		case op >= 0xB8 && op <= 0xBF:
			immLen = movImmWidth() // mov r, imm
		case op == 0xC0 || op == 0xC1:
			hasModRM = true
			immLen = 1
		case op == 0xC2:
			immLen = 2 // ret imm16
		case op == 0xC3 || op == 0xC9 || op == 0xCB || op == 0xCC:
			// ret/leave/retf/int3.
		case op == 0xC6:
			hasModRM = true
			immLen = 1
		case op == 0xC7:
			hasModRM = true
			immLen = immWidth()
		case op == 0xCD:
			immLen = 1 // int imm8
		case op >= 0xD0 && op <= 0xD3:
			hasModRM = true // shift group, count 1/cl
		case op == 0xE8 || op == 0xE9:
			immLen = immWidth() // call/jmp rel
		case op == 0xEB:
			immLen = 1 // jmp rel8
		case op >= 0xE0 && op <= 0xE7:
			immLen = 1 // loop/jcxz/in/out imm8
		case op == 0xF6:
			hasModRM = true
			if len(code) > i && (code[i]>>3)&7 == 0 {
				immLen = 1 // test r/m8, imm8
			}
		case op == 0xF7:
			hasModRM = true
			if len(code) > i && (code[i]>>3)&7 == 0 {
				immLen = immWidth()
			}
		case op == 0xFE || op == 0xFF || op == 0x8D || op == 0x63:
			hasModRM = true
		default:
			// Remaining one-byte opcodes without ModRM or immediate.
		}
	}

	if hasModRM {
		if i >= len(code) {
			return i + 1
		}
		modrm := code[i]
		i++
		mod := modrm >> 6
		rm := modrm & 7
		if mod != 3 && rm == 4 {
			// SIB byte.
			if i >= len(code) {
				return i + 1
			}
			sib := code[i]
			i++
			if mod == 0 && sib&7 == 5 {
				i += 4
			}
		}
		switch mod {
		case 0:
			if rm == 5 {
				i += 4 // disp32 (RIP-relative on 64-bit)
			}
		case 1:
			i++
		case 2:
			i += 4
		}
	}
	return i + immLen
}
