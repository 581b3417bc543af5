package riscvlike

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// UpdateResult is the outcome of a live update, returned verbatim to the
// updater client.
type UpdateResult struct {
	Output  string
	Success bool
}

func updateError(format string, args ...any) UpdateResult {
	return UpdateResult{Output: fmt.Sprintf(format, args...)}
}

// LiveUpdate atomically replaces a tenant's program with a new binary.
//
// The candidate instance is constructed first, which runs main() and
// therefore validates the program: a broken upload never reaches the
// tenant pointer. After the swap, serialized state moves from the old
// storage VM to the new one when the old program implements
// on_live_update and the new one on_resume_update; otherwise state is
// dropped with a debug log line.
//
// Requests forked before the swap keep the old instance through their own
// references and run to completion on it.
func (s *Sandbox) LiveUpdate(t *Tenant, binary []byte, debug bool) UpdateResult {
	if len(binary) == 0 {
		return updateError("Empty file received")
	}

	inst, err := NewMachineInstance(binary, t, debug)
	if err != nil {
		return updateError("%v", err)
	}

	var old *MachineInstance
	if !debug {
		old = t.program.Swap(inst)
	} else {
		// Live-debugging temporary tenant
		old = t.debugProgram.Swap(inst)
	}

	s.transferState(old, inst)

	if !debug {
		// The initialization was successful; persist the program so the
		// tenant survives a restart with the new binary.
		if err := writeFileAtomic(t.Config.Filename, binary); err != nil {
			// The in-memory swap stays: running requests continue on the
			// already-installed program.
			s.log.Errorf("Could not write '%s': %v", t.Config.Filename, err)
			return updateError("Could not write '%s'", t.Config.Filename)
		}
	}
	return UpdateResult{Output: "Update successful\n", Success: true}
}

// transferState runs the slot-10/slot-11 handoff. The guest owns the
// serialized format; the host only moves bytes between the two storage
// VMs.
func (s *Sandbox) transferState(old, next *MachineInstance) {
	if old == nil {
		return
	}
	luaddr := old.CallbackEntries[HookLiveUpdate]
	if luaddr == 0 {
		s.log.Debug("Live-update skipped (old binary lacks serializer)")
		return
	}
	resaddr := next.CallbackEntries[HookResumeUpdate]
	if resaddr == 0 {
		s.log.Debug("Live-update deserialization skipped (new binary lacks resume)")
		return
	}

	// Serialize in the old machine; (data_addr, data_len) come back in
	// the argument registers.
	oldVM := old.Storage
	if oldVM.Call(luaddr) < 0 {
		s.log.Error("Live-update serialization failed")
		return
	}
	dataAddr := oldVM.Machine().Reg(RegArg0)
	dataLen := oldVM.Machine().Reg(RegArg1)
	if dataLen == 0 {
		return
	}

	newVM := next.Storage
	dst, err := newVM.Machine().Alloc(dataLen)
	if err != nil {
		s.log.Errorf("Live-update state transfer failed: %v", err)
		return
	}
	if err := newVM.Machine().CopyFromMachine(dst, oldVM.Machine(), dataAddr, dataLen); err != nil {
		s.log.Errorf("Live-update state transfer failed: %v", err)
		return
	}
	newVM.Call(resaddr, dst, dataLen)
}

// LiveUpdateFile replaces a tenant's program from a filesystem path, the
// VCL-builtin form of the updater. An extra argument, when given, is
// appended to the tenant argv only while the candidate machine constructs;
// construction failure rolls the argv back.
func (s *Sandbox) LiveUpdateFile(tenant, path, appendArgument string) bool {
	t := s.TenantFind(tenant)
	if t == nil {
		s.log.Errorf("live_update_file: Could not find tenant: %s", tenant)
		return false
	}
	binary, err := os.ReadFile(applyDollarVars(path))
	if err != nil {
		s.log.Errorf("live_update_file '%s' failed: %v", path, err)
		return false
	}

	group := t.Config.Group
	oldArgv := group.argv.Load()
	if appendArgument != "" {
		next := make([]string, len(*oldArgv)+1)
		copy(next, *oldArgv)
		next[len(*oldArgv)] = appendArgument
		group.swapArgv(&next)
	}

	inst, err := NewMachineInstance(binary, t, false)
	// Restore the original argv now that the machine is fully constructed
	group.swapArgv(oldArgv)
	if err != nil {
		s.log.Errorf("live_update_file '%s' failed: %v", path, err)
		return false
	}

	old := t.program.Swap(inst)
	s.transferState(old, inst)
	return true
}

// applyDollarVars expands ${VAR} references in updater paths.
func applyDollarVars(path string) string {
	if !strings.Contains(path, "$") {
		return path
	}
	return os.ExpandEnv(path)
}

// writeFileAtomic persists the binary write-then-rename, so a crashed
// update never leaves a truncated program on disk.
func writeFileAtomic(filename string, data []byte) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, ".update-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// UpdaterDirector receives an ELF binary as an HTTP request body and
// applies it as a live update, answering with the update result text.
type UpdaterDirector struct {
	sandbox       *Sandbox
	tenant        *Tenant
	maxBinarySize int64
	isDebug       bool
}

// LiveUpdateBackend builds the updater origin for a tenant.
func (s *Sandbox) LiveUpdateBackend(tenant string, maxSize int64) (*UpdaterDirector, error) {
	t := s.TenantFind(tenant)
	if t == nil {
		return nil, fmt.Errorf("could not find tenant: %s", tenant)
	}
	return &UpdaterDirector{sandbox: s, tenant: t, maxBinarySize: maxSize}, nil
}

// LiveDebugBackend is the debug-tenant variant: the upload lands in the
// tenant's debug program slot and is never persisted.
func (s *Sandbox) LiveDebugBackend(tenant string, maxSize int64) (*UpdaterDirector, error) {
	d, err := s.LiveUpdateBackend(tenant, maxSize)
	if err != nil {
		return nil, err
	}
	d.isDebug = true
	return d, nil
}

func (d *UpdaterDirector) Name() string { return "vm_updater" }

// Fetch aggregates the request body, applies the update, and produces the
// result payload as the backend response.
func (d *UpdaterDirector) Fetch(t *Task) (*http.Response, error) {
	body := t.BackendBody()
	if body == nil {
		body = bytes.NewReader(nil)
	}
	binary, err := io.ReadAll(io.LimitReader(body, d.maxBinarySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(binary)) > d.maxBinarySize {
		return updaterResponse(http.StatusServiceUnavailable,
			fmt.Sprintf("Binary too large (limit: %d bytes)", d.maxBinarySize)), nil
	}

	// Compressed uploads are transparent: a gzip magic prefix is inflated
	// before the ELF loader sees the bytes.
	if len(binary) > 2 && binary[0] == 0x1f && binary[1] == 0x8b {
		gz, gerr := gzip.NewReader(bytes.NewReader(binary))
		if gerr == nil {
			if inflated, ierr := io.ReadAll(io.LimitReader(gz, d.maxBinarySize+1)); ierr == nil {
				if int64(len(inflated)) > d.maxBinarySize {
					return updaterResponse(http.StatusServiceUnavailable,
						fmt.Sprintf("Binary too large (limit: %d bytes)", d.maxBinarySize)), nil
				}
				binary = inflated
			}
			gz.Close()
		}
	}

	result := d.sandbox.LiveUpdate(d.tenant, binary, d.isDebug)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusServiceUnavailable
	}
	return updaterResponse(status, result.Output), nil
}

func updaterResponse(status int, output string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain")
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(output)),
		Body:          io.NopCloser(strings.NewReader(output)),
	}
}

// LiveUpdateHandler serves POST /<tenant> live updates over plain
// net/http, for deployments that route updater traffic off the cache
// path.
func (s *Sandbox) LiveUpdateHandler(maxSize int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			http.Error(w, "update requires POST", http.StatusMethodNotAllowed)
			return
		}
		tenant := strings.Trim(r.URL.Path, "/")
		d, err := s.LiveUpdateBackend(tenant, maxSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		t := s.NewTask(w, r)
		defer t.Close()
		resp, err := d.Fetch(t)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer resp.Body.Close()
		for name, values := range resp.Header {
			w.Header()[name] = values
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	})
}
