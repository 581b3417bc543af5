package riscvlike

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestScatterReaderSpansBuffers(t *testing.T) {
	r := &scatterReader{buffers: []VMBuffer{
		{Data: []byte("hello "), Size: 6},
		{Data: []byte("scatter "), Size: 8},
		{Data: []byte("world"), Size: 5},
	}}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello scatter world" {
		t.Errorf("got %q", out)
	}
}

func TestScatterReaderSmallPulls(t *testing.T) {
	r := &scatterReader{buffers: []VMBuffer{
		{Data: []byte("abcdef"), Size: 6},
	}}
	var got []byte
	buf := make([]byte, 4)
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if string(got) != "abcdef" {
		t.Errorf("got %q", got)
	}
}

func TestScatterReaderEmptyIsEOF(t *testing.T) {
	r := &scatterReader{}
	if n, err := r.Read(make([]byte, 8)); n != 0 || err != io.EOF {
		t.Errorf("empty scatter list: n=%d err=%v", n, err)
	}
}

func TestVMBackendEchoesPostBody(t *testing.T) {
	e := newFakeEngine()
	s := New(e)
	b := newProgram()
	gen := b.fn("generate", func(m *fakeMachine, args []uint64) (uint64, error) {
		postAddr, postLen := args[1], args[2]
		body := m.readGuest(postAddr, postLen)
		dp, dn := m.pushBytes(body)
		cp, cn := m.push("application/json")
		m.syscall(SysForgeResponse, 200, cp, cn, dp, dn)
		return 0, nil
	})
	b.hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
		m.syscall(SysBackendDecision, 0, gen, 0)
		ptr, n := m.push(DecisionPass)
		m.syscall(SysSetDecision, ptr, n, 0, 0)
		return 0, nil
	})
	loadTenant(t, s, e, "echo", b.build())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/store", strings.NewReader(`{"k":"v"}`))
	s.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if got := w.Body.String(); got != `{"k":"v"}` {
		t.Errorf("body: got %q", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: got %q", ct)
	}
	if w.Header().Get("Last-Modified") == "" {
		t.Error("expected a Last-Modified header")
	}
}

func TestVMBackendZeroLengthBody(t *testing.T) {
	e := newFakeEngine()
	s := New(e)
	b := newProgram()
	gen := b.fn("generate", func(m *fakeMachine, args []uint64) (uint64, error) {
		cp, cn := m.push("text/plain")
		m.syscall(SysForgeResponse, 204, cp, cn, 0, 0)
		return 0, nil
	})
	b.hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
		m.syscall(SysBackendDecision, 0, gen, 0)
		ptr, n := m.push(DecisionPass)
		m.syscall(SysSetDecision, ptr, n, 0, 0)
		return 0, nil
	})
	loadTenant(t, s, e, "empty", b.build())

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != 204 {
		t.Fatalf("status: got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", w.Body.String())
	}
	// a zero-length content body carries no content-type header
	if ct := w.Header().Get("Content-Type"); ct != "" {
		t.Errorf("content type should be absent, got %q", ct)
	}
}

func TestGeneratorWithoutForgeIs500(t *testing.T) {
	e := newFakeEngine()
	s := New(e)
	b := newProgram()
	gen := b.fn("generate", func(m *fakeMachine, args []uint64) (uint64, error) {
		// halts without calling forge_response
		m.Stop()
		return 0, nil
	})
	b.hook(HookRecv, func(m *fakeMachine, args []uint64) (uint64, error) {
		m.syscall(SysBackendDecision, 0, gen, 0)
		ptr, n := m.push(DecisionPass)
		m.syscall(SysSetDecision, ptr, n, 0, 0)
		return 0, nil
	})
	loadTenant(t, s, e, "noforge", b.build())

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected zero body, got %q", w.Body.String())
	}
}

func TestPostBufferCap(t *testing.T) {
	e := newFakeEngine()
	s := New(e)
	ten := loadTenant(t, s, e, "cap", newProgram().build())
	script, _ := ten.Fork(testCtx("/"), false)
	defer script.Close()

	// pretend a previous segment nearly filled the buffer
	script.postAddr, _ = script.AllocatePostData(PostBuffer)
	script.postLength = PostBuffer - 2

	err := streamPostBody(script, strings.NewReader("overflow"))
	if err == nil {
		t.Error("expected post buffer overflow error")
	}
}
