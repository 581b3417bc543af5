package riscvlike

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// maxRestarts bounds guest-driven restart loops.
const maxRestarts = 4

// defaultTTL applies when a cacheable response carries no guest-set TTL.
const defaultTTL = 120 * time.Second

// Task drives one request through the phase machine. It owns the Script
// for the request's lifetime and exposes the decision-state accessors the
// embedding configuration reads. A Task lives on one goroutine; Scripts
// are never shared or migrated.
type Task struct {
	sandbox *Sandbox
	w       http.ResponseWriter
	r       *http.Request

	ctx    *Ctx
	script *Script
	phase  Phase

	// hashContribution is the finalized guest hash folded into the object
	// key, captured by ApplyHash.
	hashContribution []byte

	restarts int
	retried  bool
	sent     bool
}

// NewTask prepares the per-request state for a downstream request.
func (s *Sandbox) NewTask(w http.ResponseWriter, r *http.Request) *Task {
	t := &Task{sandbox: s, w: w, r: r, phase: PhaseRecv}
	t.ctx = t.freshCtx()
	return t
}

func (t *Task) freshCtx() *Ctx {
	return &Ctx{
		Req:       RequestFields(WhereReq, t.r),
		Resp:      ResponseFields(WhereResp, http.StatusOK, make(http.Header)),
		Cacheable: true,
		Bans:      t.sandbox.bans,
		Log: t.sandbox.log.WithFields(logrus.Fields{
			"method": t.r.Method,
			"url":    t.r.URL.RequestURI(),
		}),
	}
}

// Fork creates the request's Script from a tenant template. The Script
// holds its own reference to the program instance: a live update swapping
// the tenant's pointer mid-request never affects this Task.
func (t *Task) Fork(tenant string, debug bool) bool {
	ten := t.sandbox.TenantFind(tenant)
	if ten == nil {
		t.ctx.logf("fork: no such tenant '%s'", tenant)
		return false
	}
	script, err := ten.Fork(t.ctx, debug)
	if err != nil {
		t.ctx.logf("fork: %v", err)
		return false
	}
	if t.script != nil {
		t.script.Close()
	}
	t.script = script
	return true
}

// Active reports whether the request has a Script.
func (t *Task) Active() bool { return t.script != nil }

// Script returns the request's Script, nil when inactive.
func (t *Task) Script() *Script { return t.script }

// Run dispatches to the hook matching the current phase. The argument is
// reserved and currently unused by the hook ABI.
func (t *Task) Run(string) int64 {
	if t.script == nil {
		t.ctx.logf("run() failed (no running machine)")
		return -1
	}
	return t.script.VCall(t.ctx, t.phase.Hook())
}

// VCallHook dispatches to an explicit hook slot.
func (t *Task) VCallHook(slot int) int64 {
	if t.script == nil {
		t.ctx.logf("vcall() failed (no running machine)")
		return -1
	}
	return t.script.VCall(t.ctx, slot)
}

// Call invokes a guest function by name, returning the guest's string
// result.
func (t *Task) Call(fn, arg string) (string, bool) {
	if t.script == nil {
		t.ctx.logf("call() failed (no running machine)")
		return "", false
	}
	return t.script.CallByName(t.ctx, fn, arg)
}

// Resume continues a paused Script under the group budget.
func (t *Task) Resume() int64 {
	if t.script == nil {
		return -1
	}
	return t.script.Resume(t.script.MaxInstructions())
}

// maybeResume runs the post-decision half of a paused hook. Callers invoke
// it once the decision has been read and before the proxy carries out the
// decision's action, so the resumed guest code runs ahead of that action.
func (t *Task) maybeResume() {
	if t.script != nil && t.script.IsPaused() {
		t.Resume()
	}
}

// WantResult returns the pending decision token.
func (t *Task) WantResult() string {
	if t.script == nil {
		return ""
	}
	return t.script.WantResult()
}

// WantStatus is the status code attached to the decision; 503 without a
// Script.
func (t *Task) WantStatus() int { return t.ResultValue(0) }

// ResultValue returns one of the decision's numeric values.
func (t *Task) ResultValue(idx int) int {
	if t.script == nil || idx < 0 || idx >= ResultsMax {
		return http.StatusServiceUnavailable
	}
	return int(t.script.WantValues()[idx])
}

// ResultAsString copies the guest string a decision value points at.
func (t *Task) ResultAsString(idx int) string {
	if t.script == nil {
		return ""
	}
	str, _ := t.script.ResultString(idx)
	return str
}

// WantResume reports whether the Script paused mid-hook.
func (t *Task) WantResume() bool {
	return t.script != nil && t.script.IsPaused()
}

// ApplyHash captures the guest's accumulated hash contribution for the
// object key.
func (t *Task) ApplyHash() bool {
	if t.script == nil {
		return false
	}
	sum, ok := t.script.ApplyHash()
	if ok {
		t.hashContribution = sum
	}
	return ok
}

// BackendRequest materializes the backend-side request from the bereq
// table, falling back to the downstream request untouched.
func (t *Task) BackendRequest() *http.Request {
	req := t.r.Clone(t.r.Context())
	if t.ctx.BeReq != nil {
		req.Header = t.ctx.BeReq.Header()
		if m := t.ctx.BeReq.StartLine(0); m != "" {
			req.Method = m
		}
	}
	return req
}

// BackendBody returns the request body stream for backend-side ingestion,
// nil when the request has none.
func (t *Task) BackendBody() io.Reader {
	if t.r.Body == nil || t.r.Body == http.NoBody {
		return nil
	}
	return t.r.Body
}

// Close tears the Task down. Unconditional: invoked from request cleanup
// whether the request completed or not, before the response writer goes
// away.
func (t *Task) Close() {
	if t.script != nil {
		t.script.Close()
		t.script = nil
	}
	t.ctx = nil
}

// ServeHTTP runs the phase machine for one request. Each request gets its
// own Task and Script; nothing is shared across requests but the tenant
// registry, cache and ban list.
func (s *Sandbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := s.NewTask(w, r)
	defer t.Close()

	if name := s.tenantFor(r); name != "" {
		t.Fork(name, false)
	}
	s.serveRecv(t)
}

func (s *Sandbox) serveRecv(t *Task) {
	for {
		t.phase = PhaseRecv
		if t.Active() {
			t.Run("")
			// A faulted hook with no decision taken maps to a 503.
			if t.script.Faulted() && t.WantResult() == "" {
				s.fail(t, http.StatusServiceUnavailable)
				return
			}
		}
		switch t.WantResult() {
		case DecisionSynth:
			t.maybeResume()
			s.deliverSynth(t)
			return
		case DecisionFail, DecisionAbandon:
			s.fail(t, http.StatusServiceUnavailable)
			return
		case DecisionRestart:
			t.restarts++
			if t.restarts > maxRestarts {
				s.fail(t, http.StatusServiceUnavailable)
				return
			}
			t.ctx = t.freshCtx()
			if t.script != nil {
				t.script.SetCtx(t.ctx)
			}
			continue
		case DecisionPass, DecisionFetch:
			t.maybeResume()
			s.fetchAndDeliver(t, false, nil)
			return
		default:
			// hash, lookup, deliver or no decision: the cache path
			t.maybeResume()
			s.lookupAndDeliver(t)
			return
		}
	}
}

func (s *Sandbox) lookupAndDeliver(t *Task) {
	t.phase = PhaseHash
	if t.Active() {
		t.Run("")
		if t.WantResult() == DecisionHash {
			t.ApplyHash()
		}
		t.maybeResume()
	}

	key := objectKey(t.r.Host, t.r.URL.RequestURI(), t.hashContribution)
	obj := s.cache.Lookup(key, t.r.URL.RequestURI(), s.bans)

	if obj != nil {
		t.phase = PhaseHit
		t.ctx.Obj = ResponseFields(WhereObj, obj.status, obj.header)
		if t.Active() {
			t.Run("")
		}
		switch t.WantResult() {
		case DecisionSynth:
			t.maybeResume()
			s.deliverSynth(t)
		case DecisionPass, DecisionFetch:
			t.maybeResume()
			s.fetchAndDeliver(t, false, nil)
		case DecisionFail, DecisionAbandon:
			s.fail(t, http.StatusServiceUnavailable)
		default:
			t.maybeResume()
			status := int(t.ctx.Obj.Status())
			s.deliver(t, status, t.ctx.Obj.Header(), obj.body)
		}
		return
	}

	t.phase = PhaseMiss
	t.ensureBackendCtx()
	if t.Active() {
		t.Run("")
	}
	switch t.WantResult() {
	case DecisionSynth:
		t.maybeResume()
		s.deliverSynth(t)
	case DecisionPass:
		t.maybeResume()
		s.fetchAndDeliver(t, false, nil)
	case DecisionFail, DecisionAbandon:
		s.fail(t, http.StatusServiceUnavailable)
	default:
		t.maybeResume()
		s.fetchAndDeliver(t, true, key[:])
	}
}

func (t *Task) ensureBackendCtx() {
	if t.ctx.BeReq == nil {
		t.ctx.BeReq = RequestFields(WhereBereq, t.r)
	}
	if t.ctx.BeResp == nil {
		t.ctx.BeResp = ResponseFields(WhereBeresp, http.StatusOK, make(http.Header))
	}
}

func (s *Sandbox) fetchAndDeliver(t *Task, cacheable bool, key []byte) {
	t.ensureBackendCtx()

	t.phase = PhaseBackendFetch
	if t.Active() {
		t.Run("")
	}
	switch t.WantResult() {
	case DecisionSynth:
		t.maybeResume()
		s.deliverSynth(t)
		return
	case DecisionFail, DecisionAbandon:
		s.fail(t, http.StatusServiceUnavailable)
		return
	}
	t.maybeResume()

	director := t.ctx.Backend
	if director == nil && t.script != nil && t.script.genFunc != 0 {
		// the guest recorded a generator: the VM is the origin
		director = &VMDirector{tenant: t.script.inst.Tenant}
	}
	if director == nil {
		director = s.Backend(t.r.Host)
	}

	resp, err := director.Fetch(t)
	if err != nil {
		t.ctx.logf("backend fetch from %s failed: %v", director.Name(), err)
		s.backendError(t)
		return
	}
	defer resp.Body.Close()

	t.phase = PhaseBackendResponse
	t.ctx.BeResp = ResponseFields(WhereBeresp, resp.StatusCode, resp.Header)
	t.ctx.TTL = defaultTTL.Seconds()
	if t.Active() {
		t.Run("")
	}
	switch t.WantResult() {
	case DecisionSynth:
		t.maybeResume()
		s.deliverSynth(t)
		return
	case DecisionFail, DecisionAbandon:
		s.fail(t, http.StatusServiceUnavailable)
		return
	case DecisionRetry:
		t.maybeResume()
		if !t.retried {
			t.retried = true
			resp.Body.Close()
			s.fetchAndDeliver(t, cacheable, key)
			return
		}
		s.fail(t, http.StatusServiceUnavailable)
		return
	}
	t.maybeResume()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.ctx.logf("backend body from %s failed: %v", director.Name(), err)
		s.backendError(t)
		return
	}

	status := int(t.ctx.BeResp.Status())
	header := t.ctx.BeResp.Header()

	if cacheable && t.ctx.Cacheable && t.r.Method == http.MethodGet && key != nil {
		var k [32]byte
		copy(k[:], key)
		s.cache.Insert(k, status, header, body, time.Duration(t.ctx.TTL*float64(time.Second)))
	}
	s.deliver(t, status, header, body)
}

func (s *Sandbox) backendError(t *Task) {
	t.phase = PhaseBackendError
	if t.Active() {
		t.Run("")
		if t.WantResult() == DecisionSynth {
			t.maybeResume()
			s.deliverSynth(t)
			return
		}
		t.maybeResume()
	}
	s.fail(t, http.StatusServiceUnavailable)
}

func (s *Sandbox) deliver(t *Task, status int, header http.Header, body []byte) {
	t.phase = PhaseDeliver
	t.ctx.Resp = ResponseFields(WhereResp, status, header)
	if t.Active() {
		t.Run("")
		if t.WantResult() == DecisionSynth {
			t.maybeResume()
			s.deliverSynth(t)
			return
		}
		t.maybeResume()
	}
	s.write(t, int(t.ctx.Resp.Status()), t.ctx.Resp.Header(), body)
}

func (s *Sandbox) deliverSynth(t *Task) {
	synth := t.ctx.Synth
	status := t.WantStatus()
	if synth == nil {
		synth = &SynthResponse{Status: uint16(status)}
	}
	if status < 100 || status > 999 {
		status = int(synth.Status)
	}

	header := make(http.Header)
	if synth.ContentType != "" {
		header.Set("Content-Type", synth.ContentType)
	}
	t.phase = PhaseSynth
	t.ctx.Resp = ResponseFields(WhereResp, status, header)
	if t.Active() {
		t.Run("")
		t.maybeResume()
	}
	s.write(t, int(t.ctx.Resp.Status()), t.ctx.Resp.Header(), synth.Body)
}

func (s *Sandbox) fail(t *Task, status int) {
	if t.sent {
		return
	}
	t.sent = true
	http.Error(t.w, fmt.Sprintf("%d %s", status, http.StatusText(status)), status)
}

func (s *Sandbox) write(t *Task, status int, header http.Header, body []byte) {
	if t.sent {
		return
	}
	t.sent = true
	h := t.w.Header()
	for name, values := range header {
		h[name] = values
	}
	t.w.WriteHeader(status)
	t.w.Write(body)
}
