package riscvlike

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// Shared scaffolding for building fake tenant programs and sandboxes.

type programBuilder struct {
	prog     *fakeProgram
	hooks    map[int]uint64
	initFns  []func(m *fakeMachine)
	nextAddr uint64
}

func newProgram() *programBuilder {
	return &programBuilder{
		prog: &fakeProgram{
			funcs:   make(map[uint64]guestFn),
			symbols: make(map[string]uint64),
		},
		hooks:    make(map[int]uint64),
		nextAddr: 0x1000,
	}
}

// fn registers a named guest function and returns its fake address.
func (b *programBuilder) fn(name string, fn guestFn) uint64 {
	addr := b.nextAddr
	b.nextAddr += 0x10
	b.prog.funcs[addr] = fn
	if name != "" {
		b.prog.symbols[name] = addr
	}
	return addr
}

// hook registers a guest function at a callback slot.
func (b *programBuilder) hook(slot int, fn guestFn) *programBuilder {
	b.hooks[slot] = b.fn(callbackNames[slot], fn)
	return b
}

// atInit runs extra guest code during main(), before wait_for_requests.
func (b *programBuilder) atInit(fn func(m *fakeMachine)) *programBuilder {
	b.initFns = append(b.initFns, fn)
	return b
}

func (b *programBuilder) build() *fakeProgram {
	hooks := b.hooks
	inits := b.initFns
	b.prog.main = func(m *fakeMachine) {
		for _, fn := range inits {
			fn(m)
		}
		for slot, addr := range hooks {
			if slot != HookRecv {
				m.syscall(SysRegisterCallback, uint64(slot), addr)
			}
		}
		m.syscall(SysWaitForRequests, hooks[HookRecv], 0xF457)
	}
	return b.prog
}

var programSerial int

// loadTenant registers a program under a fresh binary identity, writes the
// binary to disk and loads it as a tenant.
func loadTenant(t *testing.T, s *Sandbox, e *fakeEngine, name string, p *fakeProgram) *Tenant {
	t.Helper()
	programSerial++
	binary := fmt.Sprintf("program:%s:%d", name, programSerial)
	e.register(binary, p)

	file := filepath.Join(t.TempDir(), name+".elf")
	if err := os.WriteFile(file, []byte(binary), 0644); err != nil {
		t.Fatalf("writing program file: %v", err)
	}
	if err := s.EmbedTenants(fmt.Sprintf(`{"%s": {"filename": %q}}`, name, file)); err != nil {
		t.Fatalf("embedding tenant: %v", err)
	}
	if err := s.FinalizeTenants(); err != nil {
		t.Fatalf("finalizing tenants: %v", err)
	}
	ten := s.TenantFind(name)
	if ten == nil {
		t.Fatalf("tenant %s not found after load", name)
	}
	return ten
}

// testCtx builds a request context the way the proxy would, for unit
// tests that drive Scripts directly.
func testCtx(target string) *Ctx {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	return &Ctx{
		Req:       RequestFields(WhereReq, r),
		Resp:      ResponseFields(WhereResp, http.StatusOK, make(http.Header)),
		Cacheable: true,
	}
}

// registerBinary registers a program and returns binary bytes without
// loading a tenant, for live-update uploads.
func registerBinary(e *fakeEngine, name string, p *fakeProgram) []byte {
	programSerial++
	binary := fmt.Sprintf("program:%s:%d", name, programSerial)
	e.register(binary, p)
	return []byte(binary)
}
