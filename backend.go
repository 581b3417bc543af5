package riscvlike

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Director is a pullable origin the proxy can fetch from: a real HTTP
// backend, the tenant's VM backend, or the live-update receiver.
type Director interface {
	Name() string
	Fetch(t *Task) (*http.Response, error)
}

// HTTPDirector forwards the backend request to an http.Handler, usually a
// reverse proxy toward a configured origin.
type HTTPDirector struct {
	name    string
	handler http.Handler
}

// NewHTTPDirector wraps a handler as a fetchable backend.
func NewHTTPDirector(name string, h http.Handler) *HTTPDirector {
	return &HTTPDirector{name: name, handler: h}
}

func (d *HTTPDirector) Name() string { return d.name }

func (d *HTTPDirector) Fetch(t *Task) (*http.Response, error) {
	req := t.BackendRequest()
	rec := newResponseRecorder()
	d.handler.ServeHTTP(rec, req)
	return rec.Result(req), nil
}

// defaultDirector answers for unconfigured backends.
func defaultDirector(name string) Director {
	return &staticDirector{name: name, status: http.StatusBadGateway,
		body: fmt.Sprintf("Unknown backend '%s'. Did you configure your backends correctly?", name)}
}

type staticDirector struct {
	name   string
	status int
	body   string
}

func (d *staticDirector) Name() string { return d.name }

func (d *staticDirector) Fetch(*Task) (*http.Response, error) {
	return &http.Response{
		Status:     http.StatusText(d.status),
		StatusCode: d.status,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewBufferString(d.body)),
	}, nil
}

// VMDirector presents the tenant's guest generator as the origin: the
// request body streams into guest memory, the generator runs, and the
// forged result streams back out through a scatter list over guest pages.
type VMDirector struct {
	tenant   *Tenant
	funcAddr uint64
	funcArg  uint64
}

// VMBackend builds a director around the current Script's recorded
// generator, or an explicit (func, arg) pair when given as decimal strings
// the way the VCL interface passes them.
func (s *Sandbox) VMBackend(t *Task, fn, farg string) (*VMDirector, error) {
	if t.script == nil {
		return nil, fmt.Errorf("VM backend: no active tenant")
	}
	d := &VMDirector{tenant: t.script.inst.Tenant}
	if fn != "" {
		addr, _ := strconv.ParseUint(fn, 10, 64)
		arg, _ := strconv.ParseUint(farg, 10, 64)
		if addr == 0 {
			return nil, fmt.Errorf("VM backend: invalid function address %q", fn)
		}
		d.funcAddr, d.funcArg = addr, arg
	}
	return d, nil
}

func (d *VMDirector) Name() string { return d.tenant.Config.Name }

func (d *VMDirector) Fetch(t *Task) (*http.Response, error) {
	script := t.script
	if script == nil {
		return nil, fmt.Errorf("VM backend: no VM instance")
	}

	// Request body first, then VM result.
	if body := t.BackendBody(); body != nil {
		if err := streamPostBody(script, body); err != nil {
			t.ctx.logf("Unable to aggregate request body data for program %s: %v",
				script.Name(), err)
			return nil, err
		}
	}

	funcAddr, funcArg := d.funcAddr, d.funcArg
	if funcAddr == 0 {
		funcAddr, funcArg = script.genFunc, script.genArg
	}
	if funcAddr == 0 {
		return nil, fmt.Errorf("VM backend: no generator recorded")
	}

	result := backendCall(t.ctx, script, funcAddr, funcArg)

	resp := &http.Response{
		Status:        http.StatusText(result.status),
		StatusCode:    result.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		ContentLength: int64(result.contentLength),
		Body:          &scatterReader{buffers: result.buffers},
	}
	// A zero-length body carries no content-type header.
	if result.contentLength > 0 {
		resp.Header.Set("Content-Type", result.ctype)
		resp.Header.Set("Content-Length", strconv.FormatUint(result.contentLength, 10))
	}
	resp.Header.Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	return resp, nil
}

// streamPostBody copies body segments into a single contiguous guest
// buffer, allocated on the first segment and capped at PostBuffer.
func streamPostBody(s *Script, body io.Reader) error {
	var chunk [64 * 1024]byte
	for {
		n, err := body.Read(chunk[:])
		if n > 0 {
			if s.postLength+uint64(n) > PostBuffer {
				return fmt.Errorf("request body exceeds post buffer (%d bytes)", PostBuffer)
			}
			if s.postAddr == 0 {
				if _, aerr := s.AllocatePostData(PostBuffer); aerr != nil {
					return aerr
				}
			}
			if _, werr := s.machine.WriteAt(chunk[:n], int64(s.postAddr+s.postLength)); werr != nil {
				return werr
			}
			s.postLength += uint64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type backendResult struct {
	status        int
	ctype         string
	contentLength uint64
	buffers       []VMBuffer
}

// backendCall invokes the generator and extracts the forged response from
// the halted machine: status in a0, content type in (a1, a2), data range
// in (a3, a4). A generator that halts without forging, faults, or times
// out yields a synthetic 500 with zero body.
func backendCall(ctx *Ctx, script *Script, funcAddr, funcArg uint64) backendResult {
	oldCtx := script.Ctx()
	script.SetCtx(ctx)
	defer script.SetCtx(oldCtx)

	script.forged = false
	script.Call(funcAddr, funcArg, script.postAddr, script.postLength)
	if !script.forged {
		ctx.logf("Backend VM %s halted without forging a response", script.Name())
		return backendResult{status: http.StatusInternalServerError}
	}

	m := script.Machine()
	status := int(m.Reg(RegArg0))
	if status < 100 || status > 599 {
		status = http.StatusInternalServerError
	}
	ctype, err := script.Memory().ReadString(m.Reg(RegArg1), m.Reg(RegArg2))
	if err != nil {
		ctx.logf("Backend VM %s: unreadable content type: %v", script.Name(), err)
		return backendResult{status: http.StatusInternalServerError}
	}
	dataAddr, dataLen := m.Reg(RegArg3), m.Reg(RegArg4)
	buffers, err := m.GatherBuffers(dataAddr, dataLen, BackendBuffers)
	if err != nil {
		ctx.logf("Backend VM %s: gather failed: %v", script.Name(), err)
		return backendResult{status: http.StatusInternalServerError}
	}
	return backendResult{
		status:        status,
		ctype:         ctype,
		contentLength: dataLen,
		buffers:       buffers,
	}
}

// scatterReader streams a guest scatter list as a response body. The fetch
// side pulls across one or more reads, advancing a buffer index and a
// per-buffer cursor; draining the last buffer ends the stream.
type scatterReader struct {
	buffers []VMBuffer
	index   int
	cursor  int
}

func (r *scatterReader) Read(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if r.index >= len(r.buffers) {
			if written > 0 {
				return written, nil
			}
			return 0, io.EOF
		}
		cur := &r.buffers[r.index]
		n := copy(p[written:], cur.Data[r.cursor:cur.Size])
		written += n
		r.cursor += n
		if r.cursor >= cur.Size {
			r.index++
			r.cursor = 0
		}
	}
	return written, nil
}

func (r *scatterReader) Close() error {
	r.index = len(r.buffers)
	return nil
}

// responseRecorder captures a handler's output as an *http.Response so
// directors can hand it back through the fetch path.
type responseRecorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(code int) { r.status = code }

func (r *responseRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *responseRecorder) Result(req *http.Request) *http.Response {
	return &http.Response{
		Status:        http.StatusText(r.status),
		StatusCode:    r.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.header,
		ContentLength: int64(r.body.Len()),
		Body:          io.NopCloser(bytes.NewReader(r.body.Bytes())),
		Request:       req,
	}
}
