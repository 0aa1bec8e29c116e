package result

import (
	"bytes"
	"encoding/json"
)

type partialScan struct {
	stack    []byte
	inString bool
	escaped  bool
	// lastStructural is the index of the last ',', '{' or '[' outside a string, or -1.
	lastStructural int
}

func scanPartial(b []byte) partialScan {
	s := partialScan{lastStructural: -1}
	for i, c := range b {
		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}
		switch c {
		case '"':
			s.inString = true
		case '{', '[':
			s.stack = append(s.stack, c)
			s.lastStructural = i
		case '}', ']':
			if len(s.stack) > 0 {
				s.stack = s.stack[:len(s.stack)-1]
			}
		case ',':
			s.lastStructural = i
		}
	}
	return s
}

func closePartial(b []byte) []byte {
	s := scanPartial(b)
	out := append([]byte(nil), b...)
	if s.inString {
		if s.escaped {
			out = out[:len(out)-1]
		}
		out = append(out, '"')
	}
	out = bytes.TrimRight(out, " \t\r\n")
	if bytes.HasSuffix(out, []byte(",")) {
		out = out[:len(out)-1]
	}
	if bytes.HasSuffix(out, []byte(":")) {
		out = append(out, "null"...)
	}
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i] == '{' {
			out = append(out, '}')
		} else {
			out = append(out, ']')
		}
	}
	return out
}

// CompletePartialJSON turns a truncated JSON document into the longest valid prefix it can
// recover, closing open strings and containers. Trailing tokens that cannot be completed,
// such as a dangling key or a half-written literal, are dropped.
func CompletePartialJSON(b []byte) []byte {
	b = bytes.TrimSpace(b)
	for len(b) > 0 {
		candidate := closePartial(b)
		if json.Valid(candidate) {
			return candidate
		}
		s := scanPartial(b)
		if s.lastStructural < 0 {
			break
		}
		switch b[s.lastStructural] {
		case ',':
			b = b[:s.lastStructural]
		default:
			if s.lastStructural == len(b)-1 {
				// nothing left to drop after the opening bracket
				b = b[:s.lastStructural]
			} else {
				b = b[:s.lastStructural+1]
			}
		}
	}
	return []byte("{}")
}
