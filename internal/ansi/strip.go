// Package ansi strips terminal escape sequences from streamed byte chunks.
// The stripper is stateful: a chunk may end mid-escape, so the partial
// sequence is carried forward into the next call.
package ansi

import "strings"

// Stripper removes ANSI escape sequences across chunk boundaries.
type Stripper struct {
	carry []byte // partial escape sequence from the previous chunk
}

// Strip returns s with escape sequences removed, remembering any trailing
// partial sequence for the next call.
func (st *Stripper) Strip(s string) string {
	data := append(st.carry, s...)
	st.carry = nil

	var out strings.Builder
	i := 0
	for i < len(data) {
		c := data[i]
		if c != 0x1b {
			out.WriteByte(c)
			i++
			continue
		}
		end, complete := escapeEnd(data[i:])
		if !complete {
			st.carry = append([]byte{}, data[i:]...)
			break
		}
		i += end
	}
	return out.String()
}

// escapeEnd returns the length of the escape sequence starting at data[0]
// (which is ESC) and whether the sequence is complete within data.
func escapeEnd(data []byte) (int, bool) {
	if len(data) < 2 {
		return 0, false
	}
	switch data[1] {
	case '[': // CSI: ESC [ params... final byte 0x40-0x7e
		for i := 2; i < len(data); i++ {
			if data[i] >= 0x40 && data[i] <= 0x7e {
				return i + 1, true
			}
		}
		return 0, false
	case ']': // OSC: ESC ] ... terminated by BEL or ST (ESC \)
		for i := 2; i < len(data); i++ {
			if data[i] == 0x07 {
				return i + 1, true
			}
			if data[i] == 0x1b && i+1 < len(data) && data[i+1] == '\\' {
				return i + 2, true
			}
		}
		return 0, false
	case '(', ')', '#': // two-byte intermediates with one final char
		if len(data) >= 3 {
			return 3, true
		}
		return 0, false
	default: // ESC + single char (RIS, IND, ...)
		return 2, true
	}
}

// StripString is the stateless convenience form for complete strings.
func StripString(s string) string {
	var st Stripper
	return st.Strip(s)
}
