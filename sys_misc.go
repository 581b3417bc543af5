package riscvlike

import (
	"fmt"
	"math"
	"sync"

	"github.com/ua-parser/uap-go/uaparser"
)

// wait_for_requests(on_recv, fast_exit)
// The end of guest main(): records the on-recv entry and the resumption
// address, then halts the machine. The halted state is the template
// snapshot every request forks from.
func (s *Script) sysWaitForRequests() {
	if !s.isStorage || s.sawWaitForRequests {
		s.retInvalid()
		return
	}
	if addr := s.arg(0); addr != 0 {
		s.inst.CallbackEntries[HookRecv] = addr
	}
	s.inst.fastExit = s.arg(1)
	s.sawWaitForRequests = true
	s.ret(0)
	s.machine.Stop()
}

// register_callback(idx, addr)
// Valid only while main() runs on the template; the instance is immutable
// once the snapshot is taken.
func (s *Script) sysRegisterCallback() {
	idx := s.arg(0)
	if !s.isStorage || s.sawWaitForRequests || idx == 0 || idx >= CallbackMax {
		s.retInvalid()
		return
	}
	s.inst.CallbackEntries[idx] = s.arg(1)
	s.ret(0)
}

// set_decision(name_ptr, name_len, status, paused)
// Names come from a closed set; the first decision of a hook wins.
func (s *Script) sysSetDecision() {
	name, ok := s.argString(0, 1)
	if !ok || !validDecisions[name] {
		s.logf("set_decision: unknown decision %q", name)
		s.retInvalid()
		return
	}
	s.setResult(name, [ResultsMax]uint64{s.arg(2), 0, 0}, s.arg(3) != 0)
	s.ret(0)
}

// pause_for(name_ptr, name_len, status)
// Like set_decision but additionally halts the VM. The proxy performs the
// decision and calls resume() to run the rest of the hook. At most one
// pause per hook; the halt makes a second call unreachable until resumed.
func (s *Script) sysPauseFor() {
	name, ok := s.argString(0, 1)
	if !ok || !validDecisions[name] {
		s.logf("pause_for: unknown decision %q", name)
		s.retInvalid()
		return
	}
	s.wantResult = name
	s.wantValues = [ResultsMax]uint64{s.arg(2), 0, 0}
	s.paused = true
	s.decided = true
	s.ret(0)
	s.machine.Stop()
}

// synth(status, ctype_ptr, ctype_len, data_ptr, data_len)
// Records the synth body and terminates the guest call with an implicit
// decision("synth", status). Does not return to the guest.
func (s *Script) sysSynth() {
	status := s.arg(0)
	ctype, ok1 := s.argString(1, 2)
	body, err := s.Memory().ReadBytes(s.arg(3), s.arg(4))
	if !ok1 || err != nil || s.ctx == nil {
		s.retInvalid()
		return
	}
	s.ctx.Synth = &SynthResponse{
		Status:      uint16(status),
		ContentType: ctype,
		Body:        body,
	}
	s.setResult(DecisionSynth, [ResultsMax]uint64{status, 0, 0}, false)
	s.ret(0)
	s.machine.Stop()
}

// hash_data(ptr, len)
// Feeds bytes into the incremental SHA-256 context.
func (s *Script) sysHashData() {
	data, err := s.Memory().ReadBytes(s.arg(0), s.arg(1))
	if err != nil {
		s.retInvalid()
		return
	}
	s.HashBuffer(data)
	s.ret(0)
}

// ban(expr_ptr, expr_len)
// Issues a ban against the shared ban list.
func (s *Script) sysBan() {
	expr, ok := s.argString(0, 1)
	if !ok || s.ctx == nil || s.ctx.Bans == nil {
		s.retInvalid()
		return
	}
	if err := s.ctx.Bans.Add(expr); err != nil {
		s.logf("ban failed: %v", err)
		s.retInvalid()
		return
	}
	s.ret(0)
}

// cacheable(op, val) -> bool
// op 0 reads, anything else writes.
func (s *Script) sysCacheable() {
	if s.ctx == nil {
		s.retInvalid()
		return
	}
	if s.arg(0) != 0 {
		s.ctx.Cacheable = s.arg(1) != 0
	}
	if s.ctx.Cacheable {
		s.ret(1)
	} else {
		s.ret(0)
	}
}

// ttl(op, fa0=val) -> fa0
// Float register convention: the value travels in fa0 both ways.
func (s *Script) sysTTL() {
	if s.ctx == nil {
		s.retInvalid()
		return
	}
	if s.arg(0) != 0 {
		v := s.machine.FReg(FRegArg0)
		if !math.IsNaN(v) && v >= 0 {
			s.ctx.TTL = v
		}
	}
	s.machine.SetFReg(FRegArg0, s.ctx.TTL)
	s.ret(0)
}

// write(buf, len)
// Guest stdout, line buffered with the tenant name as prefix.
func (s *Script) sysWrite() {
	text, ok := s.argString(0, 1)
	if !ok {
		s.retInvalid()
		return
	}
	s.Print(text)
	s.ret(uint64(len(text)))
}

// log(buf, len)
// The shared request log.
func (s *Script) sysLog() {
	text, ok := s.argString(0, 1)
	if !ok {
		s.retInvalid()
		return
	}
	if s.ctx != nil && s.ctx.Log != nil {
		s.ctx.Log.Info(text)
	} else {
		s.inst.Tenant.sandbox.log.WithField("tenant", s.Name()).Info(text)
	}
	s.ret(uint64(len(text)))
}

// is_storage() -> bool
func (s *Script) sysIsStorage() {
	if s.isStorage {
		s.ret(1)
	} else {
		s.ret(0)
	}
}

// set_backend(director_idx)
func (s *Script) sysSetBackend() {
	dir, ok := s.directors.Get(int(s.arg(0)))
	if !ok || s.ctx == nil {
		s.retInvalid()
		return
	}
	s.ctx.Backend = dir
	s.ret(0)
}

// breakpoint()
// A debugging aid: logged, otherwise a no-op without a debugger attached.
func (s *Script) sysBreakpoint() {
	s.logf("breakpoint reached at 0x%X", s.machine.PC())
	s.ret(0)
}

// assert_fail(expr_ptr, file_ptr, line, func_ptr)
// Guest assertion failure. Logged with full location, then the machine is
// halted; the surrounding vcall observes the stop and the proxy decides
// policy.
func (s *Script) sysAssertFail() {
	mem := s.Memory()
	expr, _ := mem.ReadCString(s.arg(0))
	file, _ := mem.ReadCString(s.arg(1))
	line := s.arg(2)
	fn, _ := mem.ReadCString(s.arg(3))
	s.logf("assertion \"%s\" failed: file %q, line %d, function %q", expr, file, line, fn)
	s.ret(0)
	s.machine.Stop()
}

var (
	uaOnce   sync.Once
	uaGlobal *uaparser.Parser
)

// ua_parse(ua_ptr, ua_len, buf, buflen) -> len | INVALID
// Parses a User-Agent string and writes "Family Major.Minor.Patch" to the
// guest buffer.
func (s *Script) sysUAParse() {
	ua, ok := s.argString(0, 1)
	if !ok {
		s.retInvalid()
		return
	}
	uaOnce.Do(func() { uaGlobal = uaparser.NewFromSaved() })
	parsed := uaGlobal.ParseUserAgent(ua)
	out := fmt.Sprintf("%s %s.%s.%s", parsed.Family, parsed.Major, parsed.Minor, parsed.Patch)
	buf, buflen := s.arg(2), s.arg(3)
	if uint64(len(out)) > buflen {
		out = out[:buflen]
	}
	if _, err := s.Memory().WriteString(out, buf); err != nil {
		s.retInvalid()
		return
	}
	s.ret(uint64(len(out)))
}
