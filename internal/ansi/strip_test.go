package ansi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripStringRemovesCommonSequences(t *testing.T) {
	cases := map[string]string{
		"plain text":                         "plain text",
		"\x1b[31mred\x1b[0m":                 "red",
		"\x1b[2J\x1b[Hcleared":               "cleared",
		"\x1b]0;window title\x07prompt":      "prompt",
		"\x1b]0;title\x1b\\after-st":         "after-st",
		"\x1b(Bcharset":                      "charset",
		"\x1bMsingle":                        "single",
		"mixed \x1b[1;32mgreen\x1b[0m words": "mixed green words",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripString(in), "%q", in)
	}
}

func TestStripperCarriesPartialCSIAcrossChunks(t *testing.T) {
	var st Stripper
	out := st.Strip("before\x1b[3")
	out += st.Strip("1mafter")
	assert.Equal(t, "beforeafter", out)
}

func TestStripperCarriesLoneEscape(t *testing.T) {
	var st Stripper
	out := st.Strip("abc\x1b")
	out += st.Strip("[0mdef")
	assert.Equal(t, "abcdef", out)
}

func TestStripperCarriesPartialOSC(t *testing.T) {
	var st Stripper
	out := st.Strip("x\x1b]0;long tit")
	out += st.Strip("le\x07y")
	assert.Equal(t, "xy", out)
}

func TestStripperResetsCarryAfterCompletion(t *testing.T) {
	var st Stripper
	_ = st.Strip("\x1b[")
	_ = st.Strip("0m")
	assert.Equal(t, "clean", st.Strip("clean"))
}
