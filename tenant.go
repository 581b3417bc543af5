package riscvlike

import (
	"fmt"
	"os"
	"sync/atomic"
)

// TenantGroup carries the limits shared by every tenant in the group. The
// argv vector is shared through an atomic pointer to an immutable slice:
// appends build a new slice and swap the pointer, so a fork that races an
// append sees either the old or the new vector, never a torn one.
type TenantGroup struct {
	Name            string
	MaxInstructions uint64
	MaxMemoryMB     uint32
	MaxHeapMB       uint32
	MaxBackends     int
	MaxRegex        int
	Verbose         bool

	argv atomic.Pointer[[]string]
}

// DefaultGroup returns a group with the stock limits.
func DefaultGroup(name string) *TenantGroup {
	g := &TenantGroup{
		Name:            name,
		MaxInstructions: 20_000_000,
		MaxMemoryMB:     32,
		MaxHeapMB:       512,
		MaxBackends:     8,
		MaxRegex:        32,
	}
	g.argv.Store(&[]string{})
	return g
}

func (g *TenantGroup) clone() *TenantGroup {
	c := &TenantGroup{
		Name:            g.Name,
		MaxInstructions: g.MaxInstructions,
		MaxMemoryMB:     g.MaxMemoryMB,
		MaxHeapMB:       g.MaxHeapMB,
		MaxBackends:     g.MaxBackends,
		MaxRegex:        g.MaxRegex,
		Verbose:         g.Verbose,
	}
	c.argv.Store(g.argv.Load())
	return c
}

// Argv returns the current shared argv snapshot.
func (g *TenantGroup) Argv() []string {
	return *g.argv.Load()
}

// SetArgv replaces the shared argv vector.
func (g *TenantGroup) SetArgv(argv []string) {
	v := make([]string, len(argv))
	copy(v, argv)
	g.argv.Store(&v)
}

// AppendArg appends one argument copy-on-write.
func (g *TenantGroup) AppendArg(arg string) {
	for {
		old := g.argv.Load()
		next := make([]string, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = arg
		if g.argv.CompareAndSwap(old, &next) {
			return
		}
	}
}

// swapArgv stores a prepared vector and returns the previous one, for the
// builder-path update that appends an argument with rollback on failure.
func (g *TenantGroup) swapArgv(next *[]string) *[]string {
	return g.argv.Swap(next)
}

// TenantConfig names a tenant program and binds it to its group.
type TenantConfig struct {
	Name     string
	Filename string
	Group    *TenantGroup
}

func (c *TenantConfig) MaxInstructions() uint64 { return c.Group.MaxInstructions }
func (c *TenantConfig) MaxMemory() uint64       { return uint64(c.Group.MaxMemoryMB) << 20 }
func (c *TenantConfig) MaxHeap() uint64         { return uint64(c.Group.MaxHeapMB) << 20 }
func (c *TenantConfig) MaxRegex() int           { return c.Group.MaxRegex }
func (c *TenantConfig) MaxBackends() int        { return c.Group.MaxBackends }

// Tenant is one loaded guest program slot. The program pointers are atomic:
// live updates exchange them while forked Scripts keep strong references to
// whatever instance they started with.
type Tenant struct {
	Config  TenantConfig
	sandbox *Sandbox

	program      atomic.Pointer[MachineInstance]
	debugProgram atomic.Pointer[MachineInstance]
}

// Program returns the current live instance, or nil before finalize.
func (t *Tenant) Program(debug bool) *MachineInstance {
	if debug {
		if inst := t.debugProgram.Load(); inst != nil {
			return inst
		}
	}
	return t.program.Load()
}

// Loaded reports whether the tenant has a live program.
func (t *Tenant) Loaded() bool { return t.program.Load() != nil }

// Load reads the tenant's program file and constructs its instance. On
// failure the previous program, if any, stays installed.
func (t *Tenant) Load() error {
	binary, err := os.ReadFile(t.Config.Filename)
	if err != nil {
		return fmt.Errorf("tenant %s: %w", t.Config.Name, err)
	}
	inst, err := NewMachineInstance(binary, t, false)
	if err != nil {
		return fmt.Errorf("tenant %s: %w", t.Config.Name, err)
	}
	t.program.Store(inst)
	return nil
}

// Fork creates the per-request Script from the current program template.
func (t *Tenant) Fork(ctx *Ctx, debug bool) (*Script, error) {
	inst := t.Program(debug)
	if inst == nil {
		return nil, fmt.Errorf("tenant %s: no program loaded", t.Config.Name)
	}
	return inst.Fork(ctx)
}
