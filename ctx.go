package riscvlike

import (
	"github.com/sirupsen/logrus"
)

// SynthResponse is the response body recorded by the synth hypercall,
// delivered by the proxy when the guest decides "synth".
type SynthResponse struct {
	Status      uint16
	ContentType string
	Body        []byte
}

// Ctx is the per-phase view a Script operates on, the analog of the proxy's
// request context. The proxy rebuilds or reassigns it between hooks, which
// is why Scripts hold it as a non-owning pointer rebound on every hook
// entry.
type Ctx struct {
	// Header tables by Where. Entries are nil when the phase has no such
	// message; hypercalls against a nil table return HdrInvalid.
	Req    *HTTPFields
	ReqTop *HTTPFields
	Resp   *HTTPFields
	Obj    *HTTPFields
	BeReq  *HTTPFields
	BeResp *HTTPFields

	// Synth is set by the synth hypercall.
	Synth *SynthResponse

	// Cacheable and TTL drive cache insertion for the response in flight.
	Cacheable bool
	TTL       float64

	// Backend is the director selected via set_backend, consulted when the
	// proxy performs a fetch.
	Backend Director

	// Bans is the shared ban list; nil outside a proxy-driven request.
	Bans *BanList

	// Log is the shared request log, the VSL analog.
	Log *logrus.Entry
}

// HTTP returns the header table for a Where, or nil.
func (c *Ctx) HTTP(where Where) *HTTPFields {
	if c == nil {
		return nil
	}
	switch where {
	case WhereReq:
		return c.Req
	case WhereReqTop:
		if c.ReqTop != nil {
			return c.ReqTop
		}
		return c.Req
	case WhereResp:
		return c.Resp
	case WhereObj:
		return c.Obj
	case WhereBereq:
		return c.BeReq
	case WhereBeresp:
		return c.BeResp
	}
	return nil
}

func (c *Ctx) logf(format string, args ...any) {
	if c != nil && c.Log != nil {
		c.Log.Errorf(format, args...)
	}
}
