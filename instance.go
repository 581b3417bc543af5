package riscvlike

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// MachineInstance is one tenant program: the loaded binary, a warm template
// machine that has executed main() to the wait-for-requests sentinel, the
// hook address table and the symbol map. Instances are immutable once
// constructed; live updates build a new one and atomically swap the
// tenant's pointer. Scripts keep their instance alive through an ordinary
// Go reference, so a swapped-out program survives until its last request
// ends.
type MachineInstance struct {
	Binary []byte
	Tenant *Tenant
	Debug  bool

	// CallbackEntries holds guest addresses of hook functions by slot;
	// zero means not registered and the hook is a no-op.
	CallbackEntries [CallbackMax]uint64

	// FunctionMap resolves string-keyed calls to guest addresses. Filled
	// from the program symbol table after main() completes.
	FunctionMap map[string]uint64

	// fastExit is the resumption address handed to wait_for_requests.
	fastExit uint64

	// watermark is the arena top after main(), restored on fork so
	// template heap state is cheap to reset.
	watermark uint64

	// Storage wraps the template machine itself. Live-update state
	// serialization runs on it, never on request forks.
	Storage *Script

	checksum [32]byte
}

// NewMachineInstance constructs the warm template for a tenant program:
// maps the binary, runs main() until the guest calls wait_for_requests, and
// captures the hook table, symbol map and arena watermark. If main() faults
// or exhausts the boot budget, the error is returned and the caller keeps
// whatever program was installed before.
func NewMachineInstance(binary []byte, tenant *Tenant, debug bool) (*MachineInstance, error) {
	if len(binary) == 0 {
		return nil, fmt.Errorf("empty program binary")
	}
	inst := &MachineInstance{
		Binary:   binary,
		Tenant:   tenant,
		Debug:    debug,
		checksum: blake3.Sum256(binary),
	}

	group := tenant.Config.Group
	argv := append([]string{tenant.Config.Name}, group.Argv()...)

	m, err := tenant.sandbox.engine.NewMachine(binary, MachineOptions{
		MaxMemory: tenant.Config.MaxMemory(),
		MaxHeap:   tenant.Config.MaxHeap(),
		Argv:      argv,
		Stdout:    tenant.sandbox.stdout,
		Syscall:   dispatchSyscall,
	})
	if err != nil {
		return nil, fmt.Errorf("program load: %w", err)
	}

	inst.Storage = newStorageScript(m, inst, debug)
	m.SetUserData(inst.Storage)

	// Run main() to the template snapshot.
	if err := m.Simulate(group.MaxInstructions); err != nil {
		return nil, fmt.Errorf("program init: %w", err)
	}
	if !inst.Storage.sawWaitForRequests {
		return nil, fmt.Errorf("program init: main() exited without waiting for requests")
	}

	inst.FunctionMap = m.Symbols()
	inst.watermark = m.ArenaWatermark()

	tenant.sandbox.log.WithFields(map[string]any{
		"tenant":   tenant.Config.Name,
		"checksum": inst.Checksum(),
		"size":     len(binary),
	}).Info("program initialized")
	return inst, nil
}

// Checksum returns the BLAKE3 digest of the program binary, hex encoded.
// Surfaced in the program load log so operators can tell deployments
// apart.
func (inst *MachineInstance) Checksum() string {
	return hex.EncodeToString(inst.checksum[:])
}

// ResolveAddress looks up a guest function by symbol name.
func (inst *MachineInstance) ResolveAddress(name string) uint64 {
	return inst.FunctionMap[name]
}

// Fork clones the template into a per-request Script. Constant time: the
// engine forks the address space copy-on-write and copies registers; the
// host side resets decision state and loans the template's caches.
func (inst *MachineInstance) Fork(ctx *Ctx) (*Script, error) {
	m, err := inst.Storage.machine.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork %s: %w", inst.Tenant.Config.Name, err)
	}
	m.SetArenaWatermark(inst.watermark)

	script := newScript(m, inst, ctx)
	if err := script.regex.LoanFrom(inst.Storage.regex); err != nil {
		return nil, fmt.Errorf("fork %s: %w", inst.Tenant.Config.Name, err)
	}
	if err := script.directors.LoanFrom(inst.Storage.directors); err != nil {
		return nil, fmt.Errorf("fork %s: %w", inst.Tenant.Config.Name, err)
	}
	m.SetUserData(script)
	return script, nil
}
