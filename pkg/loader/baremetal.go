package loader

import (
	"github.com/sirupsen/logrus"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/config"
	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/memory"
	"github.com/arion-emu/arion/pkg/process"
	"github.com/arion-emu/arion/pkg/threading"
)

// Descriptor is the §6 baremetal construction input: `(cpu_arch, word_size,
// raw_code_bytes, setup_memory_flag)`. The source's own construction
// example reads the descriptor after handing it to new_instance, which
// §9's Open Questions flags as a probable use-after-move; Go has no move
// semantics to misuse here, so Descriptor is passed and stored by value --
// every caller keeps its own copy, resolving the ambiguity by
// construction rather than by guessing the source's intent.
type Descriptor struct {
	CPUArch      abiinfo.CPUArch
	WordSizeBits int
	RawCode      []byte
	SetupMemory  bool
}

// baremetalCodeBase is the fixed guest address the code segment is mapped
// at -- low enough to leave the rest of the address space free for the
// stack and, when SetupMemory is set, a heap region.
func baremetalCodeBase(wordSizeBits int) uint64 {
	if wordSizeBits == 64 {
		return 0x400000
	}
	return 0x8048000
}

// baremetalHeapSize is the optional heap region's size when SetupMemory
// requests one; shellcode rarely calls brk, but the flag exists in the
// descriptor so the loader honors it when asked.
const baremetalHeapSize = 0x100000

// NewBaremetalProcess implements §6's baremetal construction input,
// building only a stack and a code segment per the glossary's definition
// of baremetal mode: no ELF parsing, no argv/envp/auxv stack layout --
// just raw_code_bytes mapped executable and a stack, with PC pointed at
// the first byte.
func NewBaremetalProcess(group *process.Group, desc Descriptor, fsRoot string, env []string, cwd string, cfg config.Config, log *logrus.Logger) (*process.Process, error) {
	if len(desc.RawCode) == 0 {
		return nil, &arionerrors.InvalidArgument{Msg: "new_instance: raw_code_bytes must be non-empty"}
	}

	sandbox := &fdtable.Sandbox{FSRoot: fsRoot, Cwd: cwd}
	p, err := process.NewBootstrapped(process.Identity{}, group, log, desc.CPUArch, sandbox, cfg.ThreadBlockingIO)
	if err != nil {
		return nil, err
	}
	sandbox.Pid = p.Pid()
	aliasStdio(p.FDs)

	table := p.ABI.Table()
	codeBase := baremetalCodeBase(table.WordSizeBits)
	codeSize := roundUp(uint64(len(desc.RawCode)), memory.PageSize)
	if _, err := p.Mem.Map(codeBase, codeSize, backend.PermRead|backend.PermWrite|backend.PermExec, "[code]"); err != nil {
		return nil, err
	}
	if err := p.Mem.Write(codeBase, desc.RawCode); err != nil {
		return nil, err
	}
	if err := p.Mem.Protect(codeBase, codeSize, backend.PermRead|backend.PermExec); err != nil {
		return nil, err
	}

	if desc.SetupMemory {
		heapBase := codeBase + codeSize
		if _, err := p.Mem.Map(heapBase, baremetalHeapSize, backend.PermRead|backend.PermWrite, "[heap]"); err != nil {
			return nil, err
		}
		p.Mem.SetBrk(heapBase)
	}

	if err := setupArchSpecifics(p); err != nil {
		return nil, err
	}

	stackTop := stackTopFor(table.WordSizeBits)
	if _, err := p.Mem.Map(stackTop-defaultStackSize, defaultStackSize, backend.PermRead|backend.PermWrite, "[stack]"); err != nil {
		return nil, err
	}
	if err := p.ABI.WriteArchReg(table.SP, stackTop); err != nil {
		return nil, err
	}

	pc := codeBase
	if err := p.ABI.PrerunHook(&pc); err != nil {
		return nil, err
	}
	if err := p.ABI.WriteArchReg(table.PC, pc); err != nil {
		return nil, err
	}

	tid := p.Threads.AddThread(&threading.Thread{})
	if t, ok := p.Threads.Thread(tid); ok {
		t.Tgid = tid
	}
	p.Threads.SetRunning(tid)

	if group != nil {
		group.AddProcess(p)
		sandbox.Pid = p.Pid()
	}
	return p, nil
}
