package process

import (
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/backend"
)

// ARIONCyclesPerThread is the cycle cap §4.9 step 5 specifies for
// multi-process or multi-thread quanta, named after the source's own
// ARION_CYCLES_PER_THREAD constant.
const ARIONCyclesPerThread = 100000

// Group is the §3 "Group"/Emulation Group: owns processes keyed by pid,
// issues monotonically increasing pids, and drives the round-robin run
// loop across them.
type Group struct {
	processes map[int32]*Process
	order     []int32
	currPid   int32
	nextPid   int32

	triggerStop bool

	log *logrus.Logger
}

// NewGroup constructs an empty Emulation Group. Pids start at 1, matching
// a typical init-process convention.
func NewGroup(log *logrus.Logger) *Group {
	return &Group{
		processes: make(map[int32]*Process),
		nextPid:   1,
		log:       log,
	}
}

// allocPid returns the next unused pid, skipping any already claimed by a
// process registered out-of-band (e.g. one restored at a specific pid by
// a coredump loader), per §3 "issues monotonically increasing pids,
// skipping ones set by external collaborators".
func (g *Group) allocPid() int32 {
	for {
		pid := g.nextPid
		g.nextPid++
		if _, used := g.processes[pid]; !used {
			return pid
		}
	}
}

// AddProcess registers p, assigning it a fresh pid if it doesn't already
// have one (Pid()==0).
func (g *Group) AddProcess(p *Process) int32 {
	if p.id.Pid == 0 {
		p.id.Pid = g.allocPid()
	}
	if p.id.Pgid == 0 {
		p.id.Pgid = p.id.Pid
	}
	if p.group == nil {
		p.group = g
	}
	g.processes[p.id.Pid] = p
	g.order = append(g.order, p.id.Pid)
	if g.currPid == 0 {
		g.currPid = p.id.Pid
	}
	return p.id.Pid
}

// RemoveProcess tears down and removes pid from the group (§3 "torn down
// when it has no live thread AND no parent — then it is removed from the
// group").
func (g *Group) RemoveProcess(pid int32) error {
	p, ok := g.processes[pid]
	if !ok {
		return &arionerrors.WrongThreadID{Tid: uint64(pid)}
	}
	if err := p.teardown(); err != nil {
		g.log.Warnf("process: teardown pid %d: %v", pid, err)
	}
	delete(g.processes, pid)
	for i, id := range g.order {
		if id == pid {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	if g.currPid == pid {
		g.currPid = 0
	}
	return nil
}

// Lookup returns the process registered at pid, if any.
func (g *Group) Lookup(pid int32) (*Process, bool) {
	p, ok := g.processes[pid]
	return p, ok
}

// Processes returns every live process in stable registration order.
func (g *Group) Processes() []*Process {
	out := make([]*Process, 0, len(g.order))
	for _, pid := range g.order {
		out = append(out, g.processes[pid])
	}
	return out
}

// Count reports the number of live processes.
func (g *Group) Count() int { return len(g.processes) }

// RequestStop sets the cooperative group-wide stop flag.
func (g *Group) RequestStop() { g.triggerStop = true }

func (g *Group) consumeTriggerStop() bool {
	v := g.triggerStop
	g.triggerStop = false
	return v
}

// findZombieChild returns the first zombie child of parentPid matching
// the wait4 pid filter (-1: any child, >0: that exact pid), used by
// Process.Wait4's immediate-reap fast path.
func (g *Group) findZombieChild(parentPid int32, filterPid int32) (*Process, bool) {
	parent, ok := g.processes[parentPid]
	if !ok {
		return nil, false
	}
	var candidates []int32
	for pid := range parent.children {
		candidates = append(candidates, pid)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	for _, pid := range candidates {
		if filterPid > 0 && filterPid != pid {
			continue
		}
		child, ok := g.processes[pid]
		if !ok || !child.zombie {
			continue
		}
		return child, true
	}
	return nil, false
}

// cyclesCapFor implements §4.9 step 5's cycle-cap selection: capped when
// the group has more than one process or the process has more than one
// thread, uncapped (single quantum to completion) otherwise.
func (g *Group) cyclesCapFor(p *Process) uint64 {
	if len(g.processes) > 1 || p.Threads.Count() > 1 {
		return ARIONCyclesPerThread
	}
	return 0
}

// RunResult reports one round's outcome for a single process, mirroring
// §4.9 step 6/7's "this run is done" / "more work" distinction.
type RunResult int

const (
	RunDone RunResult = iota
	RunMoreWork
	RunSkipped
)

// runOne drives exactly one process through the §4.9 run loop steps 1-7.
func (g *Group) runOne(p *Process) (RunResult, error) {
	if p.stopped || p.zombie {
		return RunSkipped, nil
	}

	if p.Threads.IsCurrLocked() {
		if err := p.Threads.SwitchToNextThread(); err != nil {
			return RunSkipped, nil
		}
		return RunMoreWork, nil
	}

	pc, err := p.ABI.ReadArchReg(p.ABI.Table().PC)
	if err != nil {
		return RunDone, err
	}
	start := pc
	if p.startOverride != nil {
		start = *p.startOverride
		p.startOverride = nil
	}

	var end uint64
	if p.endOverride != nil {
		end = *p.endOverride
		p.Engine.UseExits(true)
	} else {
		p.Engine.UseExits(false)
	}

	cyclesCap := g.cyclesCapFor(p)
	result, runErr := p.Engine.Run(start, end, cyclesCap)

	if p.crashErr != nil {
		err := p.crashErr
		p.crashErr = nil
		return RunDone, err
	}
	if runErr != nil && !p.Threads.ConsumeSync() {
		return RunDone, runErr
	}

	if p.endOverride != nil && result.Reason == backend.ReasonHitEnd {
		p.endOverride = nil
		return RunDone, nil
	}

	if p.Threads.Count() > 0 {
		_ = p.Threads.SwitchToNextThread()
	}
	if p.Threads.ConsumeSync() {
		return RunMoreWork, nil
	}
	return RunDone, nil
}

// Run drives one full round-robin pass over every live process, per §3
// "Group ... drives the run loop". Teardown of processes that became
// fully dead (no threads, no parent) is fanned out over an errgroup, which
// reports only the first teardown error, matching the ambient errgroup idiom SPEC_FULL.md's domain stack names.
func (g *Group) Run() error {
	if g.consumeTriggerStop() {
		return nil
	}
	var firstErr error
	var dead []int32
	for _, pid := range append([]int32(nil), g.order...) {
		p, ok := g.processes[pid]
		if !ok {
			continue
		}
		g.currPid = pid
		_, err := g.runOne(p)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if p.Threads.Count() == 0 && p.Ppid() == 0 {
			dead = append(dead, pid)
		}
	}
	if len(dead) > 0 {
		var eg errgroup.Group
		for _, pid := range dead {
			pid := pid
			eg.Go(func() error { return g.RemoveProcess(pid) })
		}
		if err := eg.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
