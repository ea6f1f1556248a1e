package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "push left", "push left"},
		{"html escaped", "<script>x</script>", "&lt;script&gt;x&lt;/script&gt;"},
		{"quotes escaped", `say "gg"`, "say &#34;gg&#34;"},
		{"trimmed", "  gl hf  ", "gl hf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeText(tt.input))
		})
	}

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, sanitizeText(string(long)), 300)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "Shroud", sanitizeName("Shroud"))
	assert.Equal(t, "xX_sniper_Xx", sanitizeName("xX_sniper_Xx"))
	assert.Equal(t, "scriptalertxssscript", sanitizeName("<script>alert('xss')</script>"))
	assert.Equal(t, "", sanitizeName("!!!"))
}
