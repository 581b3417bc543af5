package riscvlike

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/tidwall/jsonc"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc32c hashes tenant names for the registry index and builder cache
// names.
func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// tenantEntry is one value of the tenant configuration document. An entry
// with a filename creates a tenant; without one it is a property bag that
// reconfigures an existing tenant or defines a group.
type tenantEntry struct {
	Filename        *string   `json:"filename"`
	Group           *string   `json:"group"`
	MaxMemory       *uint32   `json:"max_memory"`
	MaxHeap         *uint32   `json:"max_heap"`
	MaxInstructions *uint64   `json:"max_instructions"`
	Arguments       *[]string `json:"arguments"`
	Verbose         *bool     `json:"verbose"`
	MaxRegex        *int      `json:"max_regex"`
	MaxBackends     *int      `json:"max_backends"`
}

func (e *tenantEntry) configure(g *TenantGroup) {
	if e.MaxMemory != nil {
		g.MaxMemoryMB = *e.MaxMemory
	}
	if e.MaxHeap != nil {
		g.MaxHeapMB = *e.MaxHeap
	}
	if e.MaxInstructions != nil {
		g.MaxInstructions = *e.MaxInstructions
	}
	if e.Arguments != nil {
		g.SetArgv(*e.Arguments)
	}
	if e.Verbose != nil {
		g.Verbose = *e.Verbose
	}
	if e.MaxRegex != nil {
		g.MaxRegex = *e.MaxRegex
	}
	if e.MaxBackends != nil {
		g.MaxBackends = *e.MaxBackends
	}
}

// EmbedTenants loads tenant configuration from a JSON document given
// inline. Comments and trailing commas are tolerated.
func (s *Sandbox) EmbedTenants(document string) error {
	return s.initTenants([]byte(document), "string")
}

// LoadTenants loads tenant configuration from a JSON file.
func (s *Sandbox) LoadTenants(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("loading tenants from %s: %w", path, err)
	}
	return s.initTenants(data, path)
}

func (s *Sandbox) initTenants(data []byte, source string) error {
	var doc map[string]tenantEntry
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return fmt.Errorf("loading tenants from %s: %w", source, err)
	}

	// Ordered walk keeps errors deterministic; groups must be defined
	// before the tenants that name them regardless.
	for _, key := range sortedKeys(doc) {
		entry := doc[key]
		if entry.Filename != nil {
			grname := "test"
			if entry.Group != nil {
				grname = *entry.Group
			}
			proto, ok := s.groups[grname]
			if !ok {
				s.log.Errorf("Group '%s' missing for tenant: %s", grname, key)
				continue
			}
			group := proto.clone()
			entry.configure(group)
			if err := s.loadTenant(TenantConfig{
				Name:     key,
				Filename: *entry.Filename,
				Group:    group,
			}); err != nil {
				return err
			}
			continue
		}

		// Existing tenant, reconfigure
		if t, ok := s.tenants[crc32c([]byte(key))]; ok {
			entry.configure(t.Config.Group)
			continue
		}
		// Find or create the group
		group, ok := s.groups[key]
		if !ok {
			group = DefaultGroup(key)
			s.groups[key] = group
		}
		entry.configure(group)
	}
	return nil
}

func sortedKeys(doc map[string]tenantEntry) []string {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	// create entries after property bags, so group definitions in the same
	// document take effect first
	var groups, creates []string
	for _, key := range keys {
		if doc[key].Filename != nil {
			creates = append(creates, key)
		} else {
			groups = append(groups, key)
		}
	}
	sort.Strings(groups)
	sort.Strings(creates)
	return append(groups, creates...)
}

func (s *Sandbox) loadTenant(config TenantConfig) error {
	hash := crc32c([]byte(config.Name))
	if _, exists := s.tenants[hash]; exists {
		return fmt.Errorf("tenant %s already existed", config.Name)
	}
	s.tenants[hash] = &Tenant{Config: config, sandbox: s}
	return nil
}

// FinalizeTenants instantiates every tenant that still lacks a program, by
// reading its file and running main to the template snapshot. A tenant that
// fails to load is reported and skipped; the others are unaffected.
func (s *Sandbox) FinalizeTenants() error {
	var firstErr error
	for _, t := range s.tenants {
		if t.Loaded() {
			continue
		}
		if err := t.Load(); err != nil {
			s.log.Errorf("%v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// TenantFind resolves a tenant by name.
func (s *Sandbox) TenantFind(name string) *Tenant {
	if name == "" {
		return nil
	}
	return s.tenants[crc32c([]byte(name))]
}

// AddMainArgument appends to a tenant's main() argv. Safe against
// concurrent forks; they observe the old or the new vector atomically.
func (s *Sandbox) AddMainArgument(tenant, arg string) {
	t := s.TenantFind(tenant)
	if t == nil {
		s.log.Errorf("Attempted to add main argument to non-existent tenant '%s'", tenant)
		return
	}
	t.Config.Group.AppendArg(arg)
}
