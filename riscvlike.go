package riscvlike

import (
	"io"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
)

// Sandbox carries the tenant registry, the shared object cache and ban
// list, and the emulator engine, and is capable of serving requests by
// forking per-request Scripts from tenant templates.
//
// The registry is write-once: configuration loads and FinalizeTenants run
// before the first request, and only live updates mutate tenant state
// afterwards, through atomic program swaps.
type Sandbox struct {
	engine  Engine
	tenants map[uint32]*Tenant
	groups  map[string]*TenantGroup

	cache *objectCache
	bans  *BanList

	backends       map[string]Director
	defaultBackend func(name string) Director

	// tenantSelector names the tenant serving a request; the default uses
	// the single configured tenant when there is exactly one.
	tenantSelector func(r *http.Request) string

	log       *logrus.Logger
	stdout    io.Writer
	verbosity int
}

// New returns a Sandbox ready for tenant configuration. The engine is the
// emulator adapter every tenant program runs on.
func New(engine Engine, opts ...Option) *Sandbox {
	log := logrus.New()
	log.SetOutput(io.Discard)

	s := &Sandbox{
		engine:   engine,
		tenants:  make(map[uint32]*Tenant),
		groups:   map[string]*TenantGroup{"test": DefaultGroup("test")},
		cache:    newObjectCache(),
		bans:     NewBanList(),
		backends: make(map[string]Director),
		defaultBackend: func(name string) Director {
			return defaultDirector(name)
		},
		log:    log,
		stdout: os.Stdout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Log exposes the shared host log.
func (s *Sandbox) Log() *logrus.Logger { return s.log }

// Bans exposes the shared ban list.
func (s *Sandbox) Bans() *BanList { return s.bans }

// Backend resolves a configured HTTP backend by name, falling back to the
// default handler.
func (s *Sandbox) Backend(name string) Director {
	if d, ok := s.backends[name]; ok {
		return d
	}
	return s.defaultBackend(name)
}

func (s *Sandbox) addBackend(name string, d Director) {
	s.backends[name] = d
}

// tenantFor names the tenant that should serve the request.
func (s *Sandbox) tenantFor(r *http.Request) string {
	if s.tenantSelector != nil {
		return s.tenantSelector(r)
	}
	if len(s.tenants) == 1 {
		for _, t := range s.tenants {
			return t.Config.Name
		}
	}
	return ""
}
