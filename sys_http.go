package riscvlike

// Header-access hypercalls. All are parameterized by a Where in a0; a
// missing table (wrong phase) or a stale field index fails with the
// HdrInvalid sentinel, never a guest-visible error.

// http_find(where, name_ptr, name_len) -> index | INVALID
func (s *Script) sysHTTPFind() {
	hf := s.where(0)
	name, ok := s.argString(1, 2)
	if hf == nil || !ok {
		s.retInvalid()
		return
	}
	s.ret(uint64(hf.Find(name)))
}

// http_append(where, line_ptr, line_len) -> index | INVALID
// The line is a full "Name: Value" header.
func (s *Script) sysHTTPAppend() {
	hf := s.where(0)
	line, ok := s.argString(1, 2)
	if hf == nil || !ok {
		s.retInvalid()
		return
	}
	s.ret(uint64(hf.Append(line)))
}

// http_copy(src_where, src_idx, dst_where) -> new index | INVALID
func (s *Script) sysHTTPCopy() {
	src := s.where(0)
	dst := s.where(2)
	if src == nil || dst == nil {
		s.retInvalid()
		return
	}
	s.ret(uint64(src.CopyInto(uint32(s.arg(1)), dst)))
}

// field_retrieve(where, idx, buf, buflen) -> len | INVALID
// Two-pass: buflen=0 queries the size, the second call copies out.
func (s *Script) sysFieldRetrieve() {
	hf := s.where(0)
	if hf == nil {
		s.retInvalid()
		return
	}
	line, ok := hf.Get(uint32(s.arg(1)))
	if !ok {
		s.retInvalid()
		return
	}
	buf, buflen := s.arg(2), s.arg(3)
	if buflen == 0 {
		s.ret(uint64(len(line)))
		return
	}
	if uint64(len(line)) > buflen {
		line = line[:buflen]
	}
	if _, err := s.Memory().WriteString(line, buf); err != nil {
		s.retInvalid()
		return
	}
	s.ret(uint64(len(line)))
}

// field_set(where, idx, buf, len) -> 0 | INVALID
func (s *Script) sysFieldSet() {
	hf := s.where(0)
	line, ok := s.argString(2, 3)
	if hf == nil || !ok || !hf.Set(uint32(s.arg(1)), line) {
		s.retInvalid()
		return
	}
	s.ret(0)
}

// field_unset(where, idx) -> 0 | INVALID
func (s *Script) sysFieldUnset() {
	hf := s.where(0)
	if hf == nil || !hf.Unset(uint32(s.arg(1))) {
		s.retInvalid()
		return
	}
	s.ret(0)
}

// foreach_field(where, guest_fn, udata) -> count | INVALID
// The host enumerates and preempts into the guest once per field with
// (udata, idx, line_ptr, line_len). Indices stay stable for the duration;
// unsets issued inside the callback are deferred until the walk ends.
func (s *Script) sysForeachField() {
	hf := s.where(0)
	fn := s.arg(1)
	udata := s.arg(2)
	if hf == nil || fn == 0 {
		s.retInvalid()
		return
	}
	count := uint64(0)
	hf.Foreach(func(idx uint32, line string) bool {
		ptr, length, err := s.pushString(line)
		if err != nil {
			return false
		}
		if s.Preempt(fn, udata, uint64(idx), ptr, length) < 0 {
			return false
		}
		count++
		return true
	})
	s.ret(count)
}

// http_unset_re(where, regex_idx) -> count | INVALID
func (s *Script) sysHTTPUnsetRe() {
	hf := s.where(0)
	re, ok := s.regex.Get(int(s.arg(1)))
	if hf == nil || !ok {
		s.retInvalid()
		return
	}
	s.ret(uint64(hf.UnsetRe(re)))
}

// http_rollback(where) -> 0 | INVALID
// Every previously returned field index for the table stops validating.
func (s *Script) sysHTTPRollback() {
	hf := s.where(0)
	if hf == nil {
		s.retInvalid()
		return
	}
	hf.Rollback()
	s.ret(0)
}

// http_status(where) -> code | INVALID
func (s *Script) sysHTTPStatus() {
	hf := s.where(0)
	if hf == nil {
		s.retInvalid()
		return
	}
	s.ret(uint64(hf.Status()))
}

// http_set_status(where, code) -> 0 | INVALID
func (s *Script) sysHTTPSetStatus() {
	hf := s.where(0)
	code := s.arg(1)
	if hf == nil || code < 100 || code > 999 {
		s.retInvalid()
		return
	}
	hf.SetStatus(uint16(code))
	s.ret(0)
}
