package riscvlike

import (
	"fmt"
	"os"
	"os/exec"
)

// builderOutputTail bounds how much compiler output a failure report
// carries.
const builderOutputTail = 2048

// Builder drives an external cross-compiler: source text in, ELF binary
// out. Never on the hot path; it exists so updater clients can ship source
// instead of prebuilt programs.
type Builder struct {
	// Script is the compiler driver invoked as: script <source> <output>.
	Script string

	// DefaultArgs are the compiler flags used when the caller passes none.
	DefaultArgs string
}

// NewBuilder returns a builder around a compiler driver script. The
// RISCV_BUILDER environment variable overrides the path.
func NewBuilder(script string) *Builder {
	if env := os.Getenv("RISCV_BUILDER"); env != "" {
		script = env
	}
	return &Builder{Script: script, DefaultArgs: "-O2 -static"}
}

// Build compiles source with the given flags and returns the ELF blob.
// Output binaries are content addressed under /tmp by the CRC32-C of the
// source xored with that of the flags, so identical inputs reuse the
// existing artifact.
func (b *Builder) Build(source, args string) ([]byte, error) {
	if args == "" {
		args = b.DefaultArgs
	}
	outfile := fmt.Sprintf("/tmp/binary-%08x",
		crc32c([]byte(source))^crc32c([]byte(args)))

	// Reuse a previous identical build.
	if binary, err := os.ReadFile(outfile); err == nil && len(binary) > 0 {
		return binary, nil
	}

	srcfile, err := os.CreateTemp("/tmp", "builder-*")
	if err != nil {
		return nil, fmt.Errorf("unable to create temporary file: %w", err)
	}
	defer os.Remove(srcfile.Name())
	if _, err := srcfile.WriteString(source); err != nil {
		srcfile.Close()
		return nil, fmt.Errorf("unable to write to temporary file: %w", err)
	}
	srcfile.Close()

	cmd := exec.Command(b.Script, srcfile.Name(), outfile)
	cmd.Env = append(os.Environ(), "CFLAGS="+args)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("compilation failed: %s", lastChunk(output))
	}

	binary, err := os.ReadFile(outfile)
	if err != nil {
		return nil, fmt.Errorf("compiler produced no output: %w", err)
	}
	return binary, nil
}

func lastChunk(output []byte) string {
	if len(output) > builderOutputTail {
		output = output[len(output)-builderOutputTail:]
	}
	return string(output)
}
