package errfmt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmora/acpmux"
)

func TestTruncate_ShortPassthrough(t *testing.T) {
	assert.Equal(t, "short message", Truncate("short message"))
}

func TestTruncate_LongMessage(t *testing.T) {
	got := Truncate(strings.Repeat("x", MaxLen+500))
	assert.Len(t, got, MaxLen)
}

func TestTruncate_UTF8Boundary(t *testing.T) {
	input := strings.Repeat("x", MaxLen-2) + "\U0001F600" // 4-byte emoji straddles the limit
	got := Truncate(input)
	assert.LessOrEqual(t, len(got), MaxLen)
	assert.NotContains(t, got, "�")
	assert.Equal(t, strings.Repeat("x", MaxLen-2), got)
}

func TestLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "warming up", "warming up"},
		{"trailing_newline", "loaded model\r\n", "loaded model"},
		{"escape_sequence", "\x1b[31mred\x1b[0m", " [31mred [0m"},
		{"tab_kept", "a\tb", "a\tb"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Line(tt.in))
		})
	}
}

func TestToken(t *testing.T) {
	assert.Equal(t, "session/update", Token("session/update"))
	assert.Empty(t, Token("session\nupdate"))
	assert.Empty(t, Token(""))
	assert.Len(t, Token(strings.Repeat("m", 100)), MaxTokenLen)
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, acpmux.StopEndTurn, StopReason("end_turn"))
	assert.Equal(t, acpmux.StopReason(""), StopReason("end\x00turn"))

	// 62 ASCII chars + one 3-byte rune = 65 bytes; the rune is dropped whole.
	got := StopReason(strings.Repeat("a", 62) + "日")
	assert.Equal(t, acpmux.StopReason(strings.Repeat("a", 62)), got)
}
