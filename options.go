package riscvlike

import (
	"io"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
)

// Option is a functional option applied to a Sandbox at creation time
type Option func(*Sandbox)

// WithBackend registers an http.Handler identified by name, used when the
// proxy fetches from that backend instead of a tenant VM.
func WithBackend(name string, h http.Handler) Option {
	return func(s *Sandbox) {
		s.addBackend(name, NewHTTPDirector(name, h))
	}
}

// WithDefaultBackend sets a fallback for fetches toward unconfigured
// backends. If not set, undefined backends return 502 Bad Gateway.
func WithDefaultBackend(fn func(name string) Director) Option {
	return func(s *Sandbox) {
		s.defaultBackend = fn
	}
}

// WithTenantSelector decides which tenant serves a request. The default
// picks the single configured tenant when there is exactly one.
func WithTenantSelector(fn func(r *http.Request) string) Option {
	return func(s *Sandbox) {
		s.tenantSelector = fn
	}
}

// WithStdout redirects guest program stdout.
func WithStdout(w io.Writer) Option {
	return func(s *Sandbox) {
		s.stdout = w
	}
}

// WithLogger replaces the shared host log.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Sandbox) {
		s.log = log
	}
}

// WithVerbosity controls host-side logging.
//   - Level 0 (default): no logging
//   - Level 1: info, warnings and errors to stderr
//   - Level 2: per-request and hypercall detail to stderr
func WithVerbosity(v int) Option {
	return func(s *Sandbox) {
		s.verbosity = v
		if v >= 1 {
			s.log.SetOutput(os.Stderr)
			s.log.SetLevel(logrus.InfoLevel)
		}
		if v >= 2 {
			s.log.SetLevel(logrus.DebugLevel)
		}
	}
}

// WithGroup predefines a tenant group for the configuration document to
// reference.
func WithGroup(g *TenantGroup) Option {
	return func(s *Sandbox) {
		s.groups[g.Name] = g
	}
}
