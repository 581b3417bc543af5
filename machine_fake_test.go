package riscvlike

import (
	"fmt"
	"io"
	"sync"
)

// The test engine. Guest "programs" are tables of Go closures keyed by
// fake guest addresses; the closures issue real hypercalls through the
// same dispatch path a RISC-V guest would, so everything from the syscall
// table down is exercised without an emulator.

const fakePageSize = 4096

// guestFn is one fake guest function. It receives the machine and its
// argument registers and returns a0. Returning a non-nil error simulates a
// machine fault or timeout during the call.
type guestFn func(m *fakeMachine, args []uint64) (uint64, error)

type fakeProgram struct {
	main    func(m *fakeMachine)
	funcs   map[uint64]guestFn
	symbols map[string]uint64
}

// fakeEngine resolves binaries to programs by their literal bytes.
type fakeEngine struct {
	mu       sync.Mutex
	programs map[string]*fakeProgram
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{programs: make(map[string]*fakeProgram)}
}

func (e *fakeEngine) register(binary string, p *fakeProgram) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs[binary] = p
}

func (e *fakeEngine) NewMachine(binary []byte, opts MachineOptions) (Machine, error) {
	e.mu.Lock()
	p, ok := e.programs[string(binary)]
	e.mu.Unlock()
	if !ok {
		return nil, &MachineError{What: "invalid ELF image", Data: 0}
	}
	m := &fakeMachine{
		program:   p,
		opts:      opts,
		pages:     make(map[uint64]*[fakePageSize]byte),
		watermark: 0x80000,
	}
	return m, nil
}

type fakeMachine struct {
	program *fakeProgram
	opts    MachineOptions

	pages     map[uint64]*[fakePageSize]byte
	watermark uint64

	regs  [32]uint64
	fregs [32]float64
	pc    uint64

	pendingCall uint64
	started     bool
	stopped     bool
	resumeFn    func(m *fakeMachine) (uint64, error)

	instructions uint64
	userdata     any
	closed       bool
}

// --- memory ---

func (m *fakeMachine) page(addr uint64, create bool) (*[fakePageSize]byte, uint64) {
	base := addr &^ (fakePageSize - 1)
	pg := m.pages[base]
	if pg == nil && create {
		pg = new([fakePageSize]byte)
		m.pages[base] = pg
	}
	return pg, addr - base
}

func (m *fakeMachine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for n := 0; n < len(p); {
		pg, rel := m.page(addr, false)
		span := int(fakePageSize - rel)
		if span > len(p)-n {
			span = len(p) - n
		}
		if pg == nil {
			for i := 0; i < span; i++ {
				p[n+i] = 0
			}
		} else {
			copy(p[n:n+span], pg[rel:])
		}
		n += span
		addr += uint64(span)
	}
	return len(p), nil
}

func (m *fakeMachine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for n := 0; n < len(p); {
		pg, rel := m.page(addr, true)
		span := copy(pg[rel:], p[n:])
		n += span
		addr += uint64(span)
	}
	return len(p), nil
}

func (m *fakeMachine) ReadString(addr uint64) (string, error) {
	return (&Memory{m}).ReadCString(addr)
}

func (m *fakeMachine) Alloc(length uint64) (uint64, error) {
	if length == 0 {
		length = 1
	}
	addr := m.watermark
	m.watermark += (length + 7) &^ 7
	return addr, nil
}

func (m *fakeMachine) Free(addr uint64) bool { return addr != 0 }

func (m *fakeMachine) ArenaWatermark() uint64     { return m.watermark }
func (m *fakeMachine) SetArenaWatermark(w uint64) { m.watermark = w }

func (m *fakeMachine) GatherBuffers(addr, length uint64, max int) ([]VMBuffer, error) {
	if length == 0 {
		return nil, nil
	}
	var out []VMBuffer
	remaining := length
	for remaining > 0 {
		if len(out) >= max {
			return nil, fmt.Errorf("scatter list exceeds %d buffers", max)
		}
		span := uint64(fakePageSize) - (addr & (fakePageSize - 1))
		if span > remaining {
			span = remaining
		}
		buf := make([]byte, span)
		m.ReadAt(buf, int64(addr))
		out = append(out, VMBuffer{Data: buf, Size: int(span)})
		addr += span
		remaining -= span
	}
	return out, nil
}

// --- registers ---

func (m *fakeMachine) Reg(n int) uint64        { return m.regs[n] }
func (m *fakeMachine) SetReg(n int, v uint64)  { m.regs[n] = v }
func (m *fakeMachine) FReg(n int) float64      { return m.fregs[n] }
func (m *fakeMachine) SetFReg(n int, v float64) { m.fregs[n] = v }
func (m *fakeMachine) PC() uint64              { return m.pc }
func (m *fakeMachine) Instructions() uint64    { return m.instructions }

// --- execution ---

func (m *fakeMachine) SetupCall(pc uint64, args ...uint64) error {
	if len(args) > 7 {
		return fmt.Errorf("too many call arguments: %d", len(args))
	}
	for i := range args {
		m.regs[RegArg0+i] = args[i]
	}
	for i := len(args); i < 7; i++ {
		m.regs[RegArg0+i] = 0
	}
	m.pendingCall = pc
	m.pc = pc
	m.stopped = false
	m.resumeFn = nil
	return nil
}

func (m *fakeMachine) Simulate(budget uint64) error {
	m.instructions = 1000
	if !m.started {
		// initial run: execute main() to the wait-for-requests halt
		m.started = true
		if m.program.main != nil {
			m.program.main(m)
		}
		return nil
	}
	fn, ok := m.program.funcs[m.pendingCall]
	if !ok {
		return &MachineError{What: "jump to invalid address", Data: m.pendingCall}
	}
	args := make([]uint64, 7)
	copy(args, m.regs[RegArg0:RegArg0+7])
	ret, err := fn(m, args)
	if err != nil {
		return err
	}
	if !m.stopped {
		m.regs[RegRetval] = ret
	}
	return nil
}

func (m *fakeMachine) Resume(budget uint64) error {
	m.stopped = false
	if m.resumeFn == nil {
		return nil
	}
	fn := m.resumeFn
	m.resumeFn = nil
	ret, err := fn(m)
	if err != nil {
		return err
	}
	if !m.stopped {
		m.regs[RegRetval] = ret
	}
	return nil
}

func (m *fakeMachine) Preempt(budget uint64, pc uint64, args ...uint64) (uint64, error) {
	fn, ok := m.program.funcs[pc]
	if !ok {
		return 0, &MachineError{What: "jump to invalid address", Data: pc}
	}
	saved := m.regs
	fargs := make([]uint64, 7)
	copy(fargs, args)
	ret, err := fn(m, fargs)
	m.regs = saved
	return ret, err
}

func (m *fakeMachine) Fork() (Machine, error) {
	clone := &fakeMachine{
		program:   m.program,
		opts:      m.opts,
		pages:     make(map[uint64]*[fakePageSize]byte, len(m.pages)),
		watermark: m.watermark,
		regs:      m.regs,
		fregs:     m.fregs,
		pc:        m.pc,
		started:   m.started,
	}
	for base, pg := range m.pages {
		cp := *pg
		clone.pages[base] = &cp
	}
	return clone, nil
}

func (m *fakeMachine) CopyFromMachine(dst uint64, src Machine, srcAddr, length uint64) error {
	buf := make([]byte, length)
	if _, err := src.ReadAt(buf, int64(srcAddr)); err != nil {
		return err
	}
	_, err := m.WriteAt(buf, int64(dst))
	return err
}

func (m *fakeMachine) Symbols() map[string]uint64 { return m.program.symbols }

func (m *fakeMachine) Stop() { m.stopped = true }

func (m *fakeMachine) UserData() any       { return m.userdata }
func (m *fakeMachine) SetUserData(ud any)  { m.userdata = ud }

func (m *fakeMachine) Close() error {
	m.closed = true
	m.pages = nil
	return nil
}

// --- guest-side helpers for test programs ---

// syscall issues a hypercall exactly the way a trapped guest would.
func (m *fakeMachine) syscall(num uint32, args ...uint64) uint64 {
	for i := range args {
		m.regs[RegArg0+i] = args[i]
	}
	for i := len(args); i < 7; i++ {
		m.regs[RegArg0+i] = 0
	}
	m.regs[RegSyscall] = uint64(num)
	m.opts.Syscall(m, num)
	return m.regs[RegRetval]
}

// push copies a string into guest memory and returns (ptr, len).
func (m *fakeMachine) push(s string) (uint64, uint64) {
	addr, _ := m.Alloc(uint64(len(s) + 1))
	m.WriteAt(append([]byte(s), 0), int64(addr))
	return addr, uint64(len(s))
}

// pushBytes copies raw bytes into guest memory.
func (m *fakeMachine) pushBytes(b []byte) (uint64, uint64) {
	if len(b) == 0 {
		return 0, 0
	}
	addr, _ := m.Alloc(uint64(len(b)))
	m.WriteAt(b, int64(addr))
	return addr, uint64(len(b))
}

// readGuest copies length bytes out of guest memory.
func (m *fakeMachine) readGuest(addr, length uint64) []byte {
	buf := make([]byte, length)
	m.ReadAt(buf, int64(addr))
	return buf
}

var _ io.ReaderAt = (*fakeMachine)(nil)
var _ Machine = (*fakeMachine)(nil)
