package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidSessionID(t *testing.T) {
	assert.True(t, ValidSessionID("sess_01HZX9-abc:2"))
	assert.True(t, ValidSessionID("550e8400-e29b-41d4-a716-446655440000"))
	assert.False(t, ValidSessionID(""))
	assert.False(t, ValidSessionID("has space"))
	assert.False(t, ValidSessionID("<script>"))
	assert.False(t, ValidSessionID(string(make([]byte, 129))))
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;bot&lt;/b&gt;", SanitizeInput("  <b>bot</b> "))
	assert.True(t, ContainsSuspicious("onerror=alert(1)"))
	assert.False(t, ContainsSuspicious("manual review"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "ab", Truncate("ab", 3))
	// "é" is two bytes; cutting inside it backs off to the rune start.
	assert.Equal(t, "a", Truncate("aé", 2))
}
