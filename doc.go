// Package riscvlike embeds sandboxed guest programs, compiled for a
// virtual RISC-V ISA, inside an HTTP caching proxy.
//
// Operators load guest programs as tenants. Each request forks a
// per-request virtual machine from the tenant's warm template, invokes
// guest hooks for the proxy's phases (on_recv, on_hash, on_deliver, ...),
// and maps their decisions back onto proxy actions: cache lookup, pass,
// synthesized responses, hash contributions, header edits, or a fully
// guest-generated backend response.
//
// The emulator itself is pluggable: adapters implement the Engine and
// Machine interfaces and register with RegisterEngine, typically from an
// init function in a separate package imported for effect.
package riscvlike
