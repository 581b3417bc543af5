package riscvlike

import (
	"bytes"
	"io"
)

// Print writes guest stdout through the sandbox's output with the tenant
// name as prefix. One guest write becomes one line.
func (s *Script) Print(text string) {
	w := s.inst.Tenant.sandbox.stdout
	if w == nil {
		return
	}
	NewPrefixWriter(s.Name(), LineWriter{w}).Write([]byte(text))
}

// LineWriter takes a writer and returns a new writer that ensures each
// Write call ends with a newline
type LineWriter struct{ io.Writer }

// Write implements io.Writer for LineWriter
func (lw LineWriter) Write(data []byte) (int, error) {
	l := len(data)
	// Ensure that all newlines in data are escaped, after stripping any
	// trailing newlines
	data = bytes.TrimRight(data, "\n")
	data = bytes.ReplaceAll(data, []byte("\n"), []byte("\\n"))
	if n, err := lw.Writer.Write(data); err != nil {
		return n, err
	}

	if n, err := lw.Writer.Write([]byte("\n")); err != nil {
		return n, err
	} else {
		// only return the length of the "original" bytes if everything
		// goes fine
		return l, err
	}
}

// PrefixWriter prepends a fixed prefix to every write.
type PrefixWriter struct {
	io.Writer
	prefix string
}

func (w *PrefixWriter) Write(data []byte) (n int, err error) {
	l := len(data)
	msg := make([]byte, 0, len(w.prefix)+2+len(data))
	msg = append(msg, []byte(w.prefix+": ")...)
	msg = append(msg, data...)

	if n, err := w.Writer.Write(msg); err != nil {
		return n, err
	}

	return l, nil
}

// NewPrefixWriter wraps w so every write carries the prefix.
func NewPrefixWriter(prefix string, w io.Writer) *PrefixWriter {
	return &PrefixWriter{Writer: w, prefix: prefix}
}
