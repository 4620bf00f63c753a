package memory

import (
	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/backend"
)

// Edit is one recorded write, matching spec.md's memory-edit recorder
// (§4.3): enough to redo a delta restore without keeping a second full
// copy of guest memory.
type Edit struct {
	Addr uint64
	Size int
}

// Recorder is the Memory Manager's memory-edit recorder: while running, it
// installs a write hook over the whole address space and appends one Edit
// per intercepted write; Stop() removes the hook. A stopped-but-not-yet
// started or already-stopped recorder rejects the matching call with a
// CategoryRecorder error (§4.3, §7).
type Recorder struct {
	mgr     *Manager
	running bool
	hookID  uint64
	edits   []Edit
}

func newRecorder(mgr *Manager) *Recorder {
	return &Recorder{mgr: mgr}
}

// Start begins recording every write to the guest address space.
func (r *Recorder) Start() error {
	if r.running {
		return &arionerrors.AlreadyStarted{What: "memory recorder"}
	}
	id, err := r.mgr.engine.HookMem(backend.HookMemWrite, 0, ^uint64(0), func(op backend.HookKind, addr uint64, size int, value int64) {
		r.edits = append(r.edits, Edit{Addr: addr, Size: size})
	})
	if err != nil {
		return err
	}
	r.hookID = id
	r.running = true
	return nil
}

// Stop removes the write hook and returns the edits recorded since Start.
func (r *Recorder) Stop() ([]Edit, error) {
	if !r.running {
		return nil, &arionerrors.AlreadyStopped{What: "memory recorder"}
	}
	if err := r.mgr.engine.Uninstall(r.hookID); err != nil {
		return nil, err
	}
	r.running = false
	edits := r.edits
	r.edits = nil
	return edits, nil
}

// Running reports whether the recorder currently has a hook installed.
func (r *Recorder) Running() bool { return r.running }
