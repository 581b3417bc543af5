package riscvlike

import (
	"crypto/sha256"
	"errors"
	"hash"

	"github.com/dlclark/regexp2"
	"github.com/sirupsen/logrus"
)

// Script is a per-request VM forked from a tenant's template. It is owned
// exclusively by the request's worker goroutine, carries the decision state
// the proxy reads after each hook, and holds an owning reference to its
// MachineInstance so a live update cannot reclaim the program mid-request.
type Script struct {
	machine Machine
	inst    *MachineInstance
	ctx     *Ctx

	wantResult string
	wantValues [ResultsMax]uint64
	paused     bool
	decided    bool
	faulted    bool

	isStorage bool
	isDebug   bool

	// sawWaitForRequests is set by the wait_for_requests hypercall during
	// template construction.
	sawWaitForRequests bool

	// shaCtx accumulates hash_data contributions; allocated lazily.
	shaCtx hash.Hash

	// postAddr is the guest post buffer, allocated on the first body
	// segment of a VM-backend request.
	postAddr uint64

	// generator recorded by the backend_decision hypercall.
	genFunc   uint64
	genArg    uint64
	genCached bool

	// forged is set by forge_response; the backend director reads the
	// result out of the halted machine's registers.
	forged bool

	// postLength tracks bytes ingested into the post buffer.
	postLength uint64

	regex     *Cache[*regexp2.Regexp]
	directors *Cache[Director]
}

func newScript(m Machine, inst *MachineInstance, ctx *Ctx) *Script {
	cfg := &inst.Tenant.Config
	return &Script{
		machine:   m,
		inst:      inst,
		ctx:       ctx,
		isDebug:   inst.Debug,
		regex:     NewCache[*regexp2.Regexp](cfg.MaxRegex(), RegexMax),
		directors: NewCache[Director](cfg.MaxBackends(), DirectorMax),
	}
}

func newStorageScript(m Machine, inst *MachineInstance, debug bool) *Script {
	s := newScript(m, inst, nil)
	s.isStorage = true
	s.isDebug = debug
	return s
}

// Machine exposes the underlying VM, mainly for the hypercall layer and the
// backend director.
func (s *Script) Machine() Machine { return s.machine }

// Memory returns the marshalling view over guest memory.
func (s *Script) Memory() *Memory { return &Memory{s.machine} }

// Program returns the instance this Script was forked from. Stable for the
// Script's whole life, live updates notwithstanding.
func (s *Script) Program() *MachineInstance { return s.inst }

func (s *Script) Name() string { return s.inst.Tenant.Config.Name }

func (s *Script) MaxInstructions() uint64 {
	return s.inst.Tenant.Config.MaxInstructions()
}

// Ctx returns the current request context. May be nil on storage VMs.
func (s *Script) Ctx() *Ctx { return s.ctx }

// SetCtx rebinds the request context. Called on every hook entry: the proxy
// can reassign contexts across waitlist processing even within one request.
func (s *Script) SetCtx(ctx *Ctx) { s.ctx = ctx }

func (s *Script) IsStorage() bool { return s.isStorage }
func (s *Script) IsDebug() bool   { return s.isDebug }

// --- decision state ---

// WantResult is the decision token the guest left behind, empty when none.
func (s *Script) WantResult() string { return s.wantResult }

// WantValues returns the up-to-three numeric results accompanying the
// decision.
func (s *Script) WantValues() [ResultsMax]uint64 { return s.wantValues }

// IsPaused reports whether the guest paused mid-hook awaiting Resume.
func (s *Script) IsPaused() bool { return s.paused }

// ResultString interprets want value idx as a guest pointer and copies the
// NUL-terminated string it addresses.
func (s *Script) ResultString(idx int) (string, bool) {
	if idx < 0 || idx >= ResultsMax || s.wantValues[idx] == 0 {
		return "", false
	}
	str, err := s.Memory().ReadCString(s.wantValues[idx])
	if err != nil {
		return "", false
	}
	return str, true
}

// setResult records a decision. The first decision of a hook wins; later
// calls are ignored unless they come through pause_for.
func (s *Script) setResult(res string, values [ResultsMax]uint64, pause bool) {
	if s.decided && !pause {
		return
	}
	s.wantResult = res
	s.wantValues = values
	s.paused = pause
	s.decided = true
}

func (s *Script) resetDecision() {
	s.wantResult = ""
	s.wantValues = [ResultsMax]uint64{}
	s.paused = false
	s.decided = false
	s.faulted = false
}

// Faulted reports whether the last call aborted on a machine exception or
// timeout. The proxy maps a faulted hook with no decision to a 503.
func (s *Script) Faulted() bool { return s.faulted }

// --- hashing ---

// HashBuffer feeds bytes into the incremental hash context, creating it on
// first use.
func (s *Script) HashBuffer(data []byte) {
	if s.shaCtx == nil {
		s.shaCtx = sha256.New()
	}
	s.shaCtx.Write(data)
}

// ApplyHash finalizes the accumulated SHA-256 and clears the context. The
// proxy folds the digest into the object hash.
func (s *Script) ApplyHash() ([]byte, bool) {
	if s.shaCtx == nil {
		return nil, false
	}
	sum := s.shaCtx.Sum(nil)
	s.shaCtx = nil
	return sum, true
}

// --- guest memory helpers ---

// pushString copies a string into the guest arena and returns (ptr, len).
func (s *Script) pushString(str string) (uint64, uint64, error) {
	if len(str) == 0 {
		return 0, 0, nil
	}
	addr, err := s.machine.Alloc(uint64(len(str) + 1))
	if err != nil {
		return 0, 0, err
	}
	if _, err := s.machine.WriteAt(append([]byte(str), 0), int64(addr)); err != nil {
		return 0, 0, err
	}
	return addr, uint64(len(str)), nil
}

// AllocatePostData reserves the contiguous request body buffer. Allocated
// once; repeat calls return the same address.
func (s *Script) AllocatePostData(size uint64) (uint64, error) {
	if s.postAddr != 0 {
		return s.postAddr, nil
	}
	addr, err := s.machine.Alloc(size)
	if err != nil {
		return 0, err
	}
	s.postAddr = addr
	return addr, nil
}

// --- execution ---

// Call runs the guest function at addr under the group instruction budget
// and returns a0, or -1 after a timeout or machine fault.
func (s *Script) Call(addr uint64, args ...uint64) int64 {
	if err := s.machine.SetupCall(addr, args...); err != nil {
		s.handleException(addr, err)
		return -1
	}
	if err := s.machine.Simulate(s.MaxInstructions()); err != nil {
		var tmo *TimeoutError
		if errors.As(err, &tmo) {
			s.handleTimeout(addr, tmo)
		} else {
			s.handleException(addr, err)
		}
		return -1
	}
	return int64(s.machine.Reg(RegRetval))
}

// Preempt saves registers, calls addr under a short budget and restores
// them. Used when a hypercall needs a synchronous guest callback, as
// foreach_field does.
func (s *Script) Preempt(addr uint64, args ...uint64) int64 {
	ret, err := s.machine.Preempt(PreemptBudget, addr, args...)
	if err != nil {
		var tmo *TimeoutError
		if errors.As(err, &tmo) {
			s.handleTimeout(addr, tmo)
		} else {
			s.handleException(addr, err)
		}
		return -1
	}
	return int64(ret)
}

// Resume continues a paused VM, running the post-decision half of a hook.
func (s *Script) Resume(budget uint64) int64 {
	s.paused = false
	if err := s.machine.Resume(budget); err != nil {
		var tmo *TimeoutError
		if errors.As(err, &tmo) {
			s.handleTimeout(s.machine.PC(), tmo)
		} else {
			s.handleException(s.machine.PC(), err)
		}
		return -1
	}
	return int64(s.machine.Reg(RegRetval))
}

// vcallInfo binds a hook slot to the header tables its two arguments
// address.
type vcallInfo struct {
	idx  int
	arg1 Where
	arg2 Where
}

var hookInfo = map[int]vcallInfo{
	HookRecv:            {HookRecv, WhereReq, WhereInvalid},
	HookHash:            {HookHash, WhereInvalid, WhereInvalid},
	HookSynth:           {HookSynth, WhereReq, WhereResp},
	HookBackendFetch:    {HookBackendFetch, WhereBereq, WhereBeresp},
	HookBackendResponse: {HookBackendResponse, WhereBereq, WhereBeresp},
	HookBackendError:    {HookBackendError, WhereBereq, WhereBeresp},
	HookDeliver:         {HookDeliver, WhereReq, WhereResp},
	HookHit:             {HookHit, WhereReq, WhereObj},
	HookMiss:            {HookMiss, WhereReq, WhereBereq},
	HookLiveUpdate:      {HookLiveUpdate, WhereInvalid, WhereInvalid},
	HookResumeUpdate:    {HookResumeUpdate, WhereInvalid, WhereInvalid},
}

// VCall dispatches the hook at slot idx. A slot with no registered
// callback is a no-op: the decision state stays at its default and the
// caller continues.
func (s *Script) VCall(ctx *Ctx, idx int) int64 {
	info, ok := hookInfo[idx]
	if !ok {
		s.logf("VM call failed (invalid index given: %d)", idx)
		return -1
	}
	addr := s.inst.CallbackEntries[idx]
	s.SetCtx(ctx)
	s.resetDecision()
	if addr == 0 {
		return -1
	}
	if s.inst.Tenant.Config.Group.Verbose {
		s.inst.Tenant.sandbox.log.Debugf("%s: calling %s at 0x%X",
			s.Name(), callbackNames[idx], addr)
	}
	return s.Call(addr, uint64(info.arg1), uint64(info.arg2))
}

// CallByName resolves a guest function through the symbol map, passes the
// argument as (ptr, len) and, on a non-zero return, copies the returned
// guest string out.
func (s *Script) CallByName(ctx *Ctx, name, arg string) (string, bool) {
	addr := s.inst.ResolveAddress(name)
	if addr == 0 {
		s.logf("VM call failed: function '%s' not registered", name)
		return "", false
	}
	s.SetCtx(ctx)
	s.resetDecision()
	ptr, length, err := s.pushString(arg)
	if err != nil {
		s.logf("VM call failed: %v", err)
		return "", false
	}
	ret := s.Call(addr, ptr, length)
	if ret <= 0 {
		return "", ret == 0
	}
	str, err := s.Memory().ReadCString(uint64(ret))
	if err != nil {
		s.logf("VM call failed: %v", err)
		return "", false
	}
	return str, true
}

// Close releases the per-request VM and drops the caches. Owned entries
// die with the Script; loaned entries belong to the template and are left
// alone. Infallible: the proxy calls it from unconditional request
// cleanup, and no error path here may allocate or block.
func (s *Script) Close() {
	if s.machine != nil {
		s.machine.SetUserData(nil)
		s.machine.Close()
		s.machine = nil
	}
	s.regex = nil
	s.directors = nil
	s.ctx = nil
}

// --- fault handling ---

func (s *Script) handleTimeout(addr uint64, tmo *TimeoutError) {
	s.faulted = true
	s.logf("VM timeout in %s (%d instructions)", s.symbolName(addr), tmo.Instructions)
}

func (s *Script) handleException(addr uint64, err error) {
	s.faulted = true
	var mx *MachineError
	if errors.As(err, &mx) {
		s.logf("VM exception in %s: %s (data: 0x%X)", s.symbolName(addr), mx.What, mx.Data)
		return
	}
	s.logf("VM exception in %s: %v", s.symbolName(addr), err)
}

func (s *Script) symbolName(addr uint64) string {
	for name, a := range s.inst.FunctionMap {
		if a == addr {
			return name
		}
	}
	return "(anonymous)"
}

func (s *Script) logf(format string, args ...any) {
	if s.ctx != nil && s.ctx.Log != nil {
		s.ctx.Log.Errorf(format, args...)
		return
	}
	s.inst.Tenant.sandbox.log.WithFields(logrus.Fields{
		"tenant": s.Name(),
	}).Errorf(format, args...)
}
