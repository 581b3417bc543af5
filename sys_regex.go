package riscvlike

import (
	"github.com/dlclark/regexp2"
)

// Regex hypercalls. Compiled patterns live in the per-Script cache and are
// addressed by integer handles, stable within one request. Patterns the
// template compiled at main()-time arrive in forks as non-owned entries.

// regex_compile(pattern_ptr, pattern_len) -> idx | INVALID
// Compiling the same pattern twice returns the existing handle.
func (s *Script) sysRegexCompile() {
	pattern, ok := s.argString(0, 1)
	if !ok {
		s.retInvalid()
		return
	}
	hash := crc32c([]byte(pattern))
	if idx := s.regex.Find(hash); idx >= 0 {
		s.ret(uint64(idx))
		return
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		s.logf("regex_compile failed: %q: %v", pattern, err)
		s.retInvalid()
		return
	}
	idx, err := s.regex.Manage(re, hash)
	if err != nil {
		s.logf("regex_compile: %v", err)
		s.retInvalid()
		return
	}
	s.ret(uint64(idx))
}

// regex_match(idx, text_ptr, text_len) -> 1 | 0 | INVALID
func (s *Script) sysRegexMatch() {
	re, ok := s.regex.Get(int(s.arg(0)))
	if !ok {
		s.retInvalid()
		return
	}
	text, ok := s.argString(1, 2)
	if !ok {
		s.retInvalid()
		return
	}
	matched, err := re.MatchString(text)
	if err != nil || !matched {
		s.ret(0)
		return
	}
	s.ret(1)
}

// regex_subst(idx, text_ptr, text_len, subst_ptr, subst_len, dst, flags)
// -> len | INVALID
// Bit 0 of flags substitutes all occurrences. The result is written back
// to dst in guest memory; a sizing pass uses dst=0.
func (s *Script) sysRegexSubst() {
	re, ok := s.regex.Get(int(s.arg(0)))
	if !ok {
		s.retInvalid()
		return
	}
	text, ok1 := s.argString(1, 2)
	subst, ok2 := s.argString(3, 4)
	if !ok1 || !ok2 {
		s.retInvalid()
		return
	}
	dst := s.arg(5)
	flags := s.arg(6)

	result, err := s.substitute(re, text, subst, flags&1 != 0)
	if err != nil {
		s.retInvalid()
		return
	}
	if dst != 0 {
		if _, err := s.Memory().WriteString(result, dst); err != nil {
			s.retInvalid()
			return
		}
	}
	s.ret(uint64(len(result)))
}

// regsub_hdr(idx, where, hdr_idx, subst_ptr, subst_len, flags) -> len | INVALID
// Substitutes in place on a header field.
func (s *Script) sysRegsubHdr() {
	re, ok := s.regex.Get(int(s.arg(0)))
	if !ok {
		s.retInvalid()
		return
	}
	hf := s.where(1)
	if hf == nil {
		s.retInvalid()
		return
	}
	hdrIdx := uint32(s.arg(2))
	line, found := hf.Get(hdrIdx)
	if !found {
		s.retInvalid()
		return
	}
	subst, ok := s.argString(3, 4)
	if !ok {
		s.retInvalid()
		return
	}
	flags := s.arg(5)

	result, err := s.substitute(re, line, subst, flags&1 != 0)
	if err != nil || !hf.Set(hdrIdx, result) {
		s.retInvalid()
		return
	}
	s.ret(uint64(len(result)))
}

func (s *Script) substitute(re *regexp2.Regexp, text, subst string, all bool) (string, error) {
	count := 1
	if all {
		count = -1
	}
	return re.Replace(text, subst, 0, count)
}
