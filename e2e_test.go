package riscvlike

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// End-to-end scenarios: full requests through ServeHTTP against fake
// tenant programs.

func failingBackend(t *testing.T) Option {
	return WithDefaultBackend(func(name string) Director {
		return NewHTTPDirector(name, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("the request should never reach a backend (got %s %s)", r.Method, r.URL)
			w.WriteHeader(http.StatusBadGateway)
		}))
	})
}

func TestHelloSynth(t *testing.T) {
	e := newFakeEngine()
	s := New(e, failingBackend(t))
	prog := newProgram().
		hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
			cp, cn := m.push("text/plain")
			bp, bn := m.push("hi")
			m.syscall(SysSynth, 200, cp, cn, bp, bn)
			return 0, nil
		}).build()
	loadTenant(t, s, e, "hello", prog)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/any", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	if w.Body.String() != "hi" {
		t.Errorf("body: got %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("content type: got %q", ct)
	}
}

func TestHeaderStamping(t *testing.T) {
	e := newFakeEngine()
	backendHits := 0
	s := New(e, WithBackend("origin.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("from origin"))
	})))

	prog := newProgram().
		hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
			// two-pass read of the URL start-line slot, then stamp it
			size := m.syscall(SysFieldRetrieve, uint64(WhereReq), 1, 0, 0)
			buf, _ := m.Alloc(size)
			n := m.syscall(SysFieldRetrieve, uint64(WhereReq), 1, buf, size)
			url := string(m.readGuest(buf, n))
			lp, ln := m.push("X-Hello: url=" + url)
			m.syscall(SysHTTPAppend, uint64(WhereReq), lp, ln)
			return 0, nil
		}).
		hook(HookDeliver, func(m *fakeMachine, args []uint64) (uint64, error) {
			np, nn := m.push("X-Hello")
			idx := m.syscall(SysHTTPFind, uint64(WhereReq), np, nn)
			if idx != uint64(HdrInvalid) {
				m.syscall(SysHTTPCopy, uint64(WhereReq), idx, uint64(WhereResp))
			}
			return 0, nil
		}).build()
	loadTenant(t, s, e, "stamper", prog)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://origin.test/foo", nil)
	s.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if got := w.Header().Get("X-Hello"); got != "url=/foo" {
		t.Errorf("X-Hello: got %q", got)
	}
	if backendHits != 1 {
		t.Errorf("backend hits: got %d", backendHits)
	}
}

func TestRegexMatchHeader(t *testing.T) {
	e := newFakeEngine()
	s := New(e, failingBackend(t))
	prog := newProgram().
		hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
			pp, pn := m.push("riscv")
			re := m.syscall(SysRegexCompile, pp, pn)

			size := m.syscall(SysFieldRetrieve, uint64(WhereReq), 1, 0, 0)
			buf, _ := m.Alloc(size)
			n := m.syscall(SysFieldRetrieve, uint64(WhereReq), 1, buf, size)
			up, un := m.pushBytes(m.readGuest(buf, n))

			line := "X-Match: false"
			if m.syscall(SysRegexMatch, re, up, un) == 1 {
				line = "X-Match: true"
			}
			lp, ln := m.push(line)
			m.syscall(SysHTTPAppend, uint64(WhereReq), lp, ln)

			cp, cn := m.push("text/plain")
			bp, bn := m.push("ok")
			m.syscall(SysSynth, 200, cp, cn, bp, bn)
			return 0, nil
		}).
		hook(HookSynth, func(m *fakeMachine, args []uint64) (uint64, error) {
			np, nn := m.push("X-Match")
			idx := m.syscall(SysHTTPFind, uint64(WhereReq), np, nn)
			if idx != uint64(HdrInvalid) {
				m.syscall(SysHTTPCopy, uint64(WhereReq), idx, uint64(WhereResp))
			}
			return 0, nil
		}).build()
	loadTenant(t, s, e, "matcher", prog)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/riscv/a", nil))

	if got := w.Header().Get("X-Match"); got != "true" {
		t.Errorf("X-Match on /riscv/a: got %q", got)
	}

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	if got := w.Header().Get("X-Match"); got != "false" {
		t.Errorf("X-Match on /other: got %q", got)
	}
}

func TestTimeoutIsolation(t *testing.T) {
	e := newFakeEngine()
	s := New(e, WithTenantSelector(func(r *http.Request) string {
		return r.Host
	}))

	spinner := newProgram().
		hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
			// an endless loop exhausts the instruction budget
			return 0, &TimeoutError{Instructions: 20_000_000}
		}).build()
	loadTenant(t, s, e, "spin.test", spinner)

	healthy := newProgram().
		hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
			cp, cn := m.push("text/plain")
			bp, bn := m.push("fine")
			m.syscall(SysSynth, 200, cp, cn, bp, bn)
			return 0, nil
		}).build()
	loadTenant(t, s, e, "ok.test", healthy)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://spin.test/", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("timed-out tenant: got %d", w.Code)
	}

	// a request to a different tenant completes normally
	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://ok.test/", nil))
	if w.Code != http.StatusOK || w.Body.String() != "fine" {
		t.Errorf("healthy tenant: got %d %q", w.Code, w.Body.String())
	}
}

func TestCacheHitSkipsBackend(t *testing.T) {
	e := newFakeEngine()
	backendHits := 0
	s := New(e, WithBackend("cached.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits++
		w.Write([]byte("payload"))
	})))

	prog := newProgram().
		hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
			ptr, n := m.push(DecisionLookup)
			m.syscall(SysSetDecision, ptr, n, 0, 0)
			return 0, nil
		}).build()
	loadTenant(t, s, e, "cachey", prog)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://cached.test/item", nil))
		if w.Body.String() != "payload" {
			t.Fatalf("request %d: body %q", i, w.Body.String())
		}
	}
	if backendHits != 1 {
		t.Errorf("the second and third requests should hit the cache, backend saw %d", backendHits)
	}
}

func TestPassSkipsCache(t *testing.T) {
	e := newFakeEngine()
	backendHits := 0
	s := New(e, WithBackend("passy.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits++
		w.Write([]byte("fresh"))
	})))

	prog := newProgram().
		hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
			ptr, n := m.push(DecisionPass)
			m.syscall(SysSetDecision, ptr, n, 0, 0)
			return 0, nil
		}).build()
	loadTenant(t, s, e, "passer", prog)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://passy.test/", nil))
	}
	if backendHits != 2 {
		t.Errorf("pass must reach the backend every time, saw %d", backendHits)
	}
}

func TestHashContributionPartitionsCache(t *testing.T) {
	e := newFakeEngine()
	backendHits := 0
	s := New(e, WithBackend("vary.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits++
		w.Write([]byte("x"))
	})))

	// the guest hashes the X-Variant request header into the object key
	prog := newProgram().
		hook(HookHash, func(m *fakeMachine, args []uint64) (uint64, error) {
			np, nn := m.push("X-Variant")
			idx := m.syscall(SysHTTPFind, uint64(WhereReq), np, nn)
			if idx != uint64(HdrInvalid) {
				size := m.syscall(SysFieldRetrieve, uint64(WhereReq), idx, 0, 0)
				buf, _ := m.Alloc(size)
				n := m.syscall(SysFieldRetrieve, uint64(WhereReq), idx, buf, size)
				m.syscall(SysHashData, buf, n)
			}
			ptr, n := m.push(DecisionHash)
			m.syscall(SysSetDecision, ptr, n, 0, 0)
			return 0, nil
		}).build()
	loadTenant(t, s, e, "varier", prog)

	get := func(variant string) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "http://vary.test/page", nil)
		r.Header.Set("X-Variant", variant)
		s.ServeHTTP(w, r)
	}

	get("a")
	get("a") // cache hit
	get("b") // different contribution, different object
	if backendHits != 2 {
		t.Errorf("expected one fetch per variant, saw %d", backendHits)
	}
}

func TestBanInvalidatesCachedObject(t *testing.T) {
	e := newFakeEngine()
	backendHits := 0
	s := New(e, WithBackend("banned.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits++
		w.Write([]byte("y"))
	})))

	// on_recv issues a ban when the URL starts with /ban
	prog := newProgram().
		hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
			size := m.syscall(SysFieldRetrieve, uint64(WhereReq), 1, 0, 0)
			buf, _ := m.Alloc(size)
			n := m.syscall(SysFieldRetrieve, uint64(WhereReq), 1, buf, size)
			if string(m.readGuest(buf, n)) == "/ban" {
				bp, bn := m.push("^/page")
				m.syscall(SysBan, bp, bn)
				cp, cn := m.push("text/plain")
				mp, mn := m.push("banned")
				m.syscall(SysSynth, 200, cp, cn, mp, mn)
			}
			return 0, nil
		}).build()
	loadTenant(t, s, e, "banner", prog)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://banned.test"+path, nil))
		return w
	}

	get("/page")
	get("/page") // cached
	if backendHits != 1 {
		t.Fatalf("expected a cache hit before the ban, saw %d fetches", backendHits)
	}
	get("/ban") // issues the ban
	get("/page")
	if backendHits != 2 {
		t.Errorf("the ban should evict the cached object, saw %d fetches", backendHits)
	}
}

func TestNoTenantProxiesStraightThrough(t *testing.T) {
	e := newFakeEngine()
	s := New(e, WithBackend("plain.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("no vm here"))
	})))

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://plain.test/", nil))
	if w.Code != http.StatusTeapot || w.Body.String() != "no vm here" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}
