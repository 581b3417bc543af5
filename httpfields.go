package riscvlike

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// HdrFirst is the slot of the first real header field. Slots below it hold
// the start line: method/URL/protocol for requests, protocol/status/reason
// for responses.
const HdrFirst = 3

// maxFields bounds the slots of one message. Indices encode the slot in the
// low 12 bits, so this cannot be raised past 4096.
const maxFields = 4096

type hdrField struct {
	line string
	dead bool
}

// HTTPFields is the indexed header table behind one Where. Guests address
// fields by the integer handles returned from find and append.
//
// A handle encodes (generation, slot). Rollback bumps the generation, so
// every handle returned before it stops validating without any bookkeeping
// on the guest side.
type HTTPFields struct {
	where  Where
	status uint16
	gen    uint32
	fields []hdrField

	// snapshot for rollback
	origStatus uint16
	origFields []hdrField

	// enumeration support: unset during foreach is deferred to the sweep
	enumerating  bool
	pendingUnset []int
}

// NewHTTPFields returns an empty table with the start-line slots reserved.
func NewHTTPFields(where Where) *HTTPFields {
	hf := &HTTPFields{where: where}
	hf.fields = make([]hdrField, HdrFirst)
	hf.Commit()
	return hf
}

// RequestFields builds a table from an http.Request start line and headers.
// Headers are written in sorted order; Go maps do not retain wire order.
func RequestFields(where Where, r *http.Request) *HTTPFields {
	hf := &HTTPFields{where: where}
	hf.fields = make([]hdrField, HdrFirst, HdrFirst+len(r.Header))
	hf.fields[0] = hdrField{line: r.Method}
	hf.fields[1] = hdrField{line: r.URL.RequestURI()}
	hf.fields[2] = hdrField{line: r.Proto}
	appendHeader(hf, r.Header)
	if r.Host != "" && r.Header.Get("Host") == "" {
		hf.fields = append(hf.fields, hdrField{line: "Host: " + r.Host})
	}
	hf.Commit()
	return hf
}

// ResponseFields builds a table for a response message.
func ResponseFields(where Where, status int, header http.Header) *HTTPFields {
	hf := &HTTPFields{where: where, status: uint16(status)}
	hf.fields = make([]hdrField, HdrFirst, HdrFirst+len(header))
	hf.fields[0] = hdrField{line: "HTTP/1.1"}
	hf.fields[1] = hdrField{line: strconv.Itoa(status)}
	hf.fields[2] = hdrField{line: http.StatusText(status)}
	appendHeader(hf, header)
	hf.Commit()
	return hf
}

func appendHeader(hf *HTTPFields, h http.Header) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range h[name] {
			hf.fields = append(hf.fields, hdrField{line: name + ": " + value})
		}
	}
}

// Commit snapshots the current fields as the rollback point.
func (hf *HTTPFields) Commit() {
	hf.origStatus = hf.status
	hf.origFields = make([]hdrField, len(hf.fields))
	copy(hf.origFields, hf.fields)
}

func (hf *HTTPFields) Where() Where { return hf.where }

func (hf *HTTPFields) Status() uint16          { return hf.status }
func (hf *HTTPFields) SetStatus(code uint16)   { hf.status = code }

// encode builds a guest-visible handle from a slot.
func (hf *HTTPFields) encode(slot int) uint32 {
	return hf.gen<<12 | uint32(slot)
}

// slot validates a guest handle against the current generation and returns
// the slot, or -1.
func (hf *HTTPFields) slot(idx uint32) int {
	if idx == HdrInvalid || idx>>12 != hf.gen {
		return -1
	}
	slot := int(idx & 0xFFF)
	if slot >= len(hf.fields) || hf.fields[slot].dead {
		return -1
	}
	return slot
}

// Find returns the handle of the first live header whose name matches,
// case-insensitively. Name may be given with or without the trailing colon.
func (hf *HTTPFields) Find(name string) uint32 {
	name = strings.TrimSuffix(name, ":")
	for slot := HdrFirst; slot < len(hf.fields); slot++ {
		f := &hf.fields[slot]
		if f.dead {
			continue
		}
		if fieldNameMatches(f.line, name) {
			return hf.encode(slot)
		}
	}
	return HdrInvalid
}

func fieldNameMatches(line, name string) bool {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line[:colon]), name)
}

// Append adds a full "Name: Value" line and returns its handle.
func (hf *HTTPFields) Append(line string) uint32 {
	if len(hf.fields) >= maxFields {
		return HdrInvalid
	}
	hf.fields = append(hf.fields, hdrField{line: line})
	return hf.encode(len(hf.fields) - 1)
}

// Get returns the stored line for a handle.
func (hf *HTTPFields) Get(idx uint32) (string, bool) {
	slot := hf.slot(idx)
	if slot < 0 {
		return "", false
	}
	return hf.fields[slot].line, true
}

// Set replaces the line at a handle.
func (hf *HTTPFields) Set(idx uint32, line string) bool {
	slot := hf.slot(idx)
	if slot < 0 {
		return false
	}
	hf.fields[slot].line = line
	return true
}

// Unset removes the field at a handle. During an enumeration the removal is
// deferred until the enumeration ends, so indices stay stable under the
// guest callback.
func (hf *HTTPFields) Unset(idx uint32) bool {
	slot := hf.slot(idx)
	if slot < HdrFirst {
		return false
	}
	if hf.enumerating {
		hf.pendingUnset = append(hf.pendingUnset, slot)
		return true
	}
	hf.fields[slot].dead = true
	return true
}

// Foreach visits every live header field in slot order. The callback gets
// the handle and the line; returning false stops the walk. Unsets issued
// from inside the callback take effect after the walk.
func (hf *HTTPFields) Foreach(fn func(idx uint32, line string) bool) {
	hf.enumerating = true
	end := len(hf.fields)
	for slot := HdrFirst; slot < end; slot++ {
		f := &hf.fields[slot]
		if f.dead {
			continue
		}
		if !fn(hf.encode(slot), f.line) {
			break
		}
	}
	hf.enumerating = false
	for _, slot := range hf.pendingUnset {
		hf.fields[slot].dead = true
	}
	hf.pendingUnset = hf.pendingUnset[:0]
}

// UnsetRe removes every header whose full line matches the pattern and
// returns how many were removed.
func (hf *HTTPFields) UnsetRe(re *regexp2.Regexp) int {
	count := 0
	for slot := HdrFirst; slot < len(hf.fields); slot++ {
		f := &hf.fields[slot]
		if f.dead {
			continue
		}
		if ok, _ := re.MatchString(f.line); ok {
			f.dead = true
			count++
		}
	}
	return count
}

// Rollback restores the table to its last Commit and invalidates every
// handle issued before the rollback, including those from before the
// Commit.
func (hf *HTTPFields) Rollback() {
	hf.gen++
	hf.status = hf.origStatus
	hf.fields = make([]hdrField, len(hf.origFields))
	copy(hf.fields, hf.origFields)
	hf.pendingUnset = hf.pendingUnset[:0]
}

// CopyInto appends the field at idx to another table, returning the new
// handle there.
func (hf *HTTPFields) CopyInto(idx uint32, dst *HTTPFields) uint32 {
	line, ok := hf.Get(idx)
	if !ok {
		return HdrInvalid
	}
	return dst.Append(line)
}

// Header materializes the live header fields as an http.Header.
func (hf *HTTPFields) Header() http.Header {
	h := make(http.Header)
	for slot := HdrFirst; slot < len(hf.fields); slot++ {
		f := &hf.fields[slot]
		if f.dead {
			continue
		}
		colon := strings.IndexByte(f.line, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(f.line[:colon])
		value := strings.TrimSpace(f.line[colon+1:])
		h.Add(name, value)
	}
	return h
}

// StartLine returns one of the reserved slots (0..HdrFirst-1).
func (hf *HTTPFields) StartLine(slot int) string {
	if slot < 0 || slot >= HdrFirst {
		return ""
	}
	return hf.fields[slot].line
}

// SetStartLine replaces one of the reserved slots.
func (hf *HTTPFields) SetStartLine(slot int, line string) {
	if slot < 0 || slot >= HdrFirst {
		return
	}
	hf.fields[slot].line = line
}
