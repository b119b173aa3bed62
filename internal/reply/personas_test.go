// ABOUTME: Tests for the TOML persona catalog
// ABOUTME: Covers loading, defaults, lookup, and validation failures

package reply

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePersonas(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "personas.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadCatalog_Valid(t *testing.T) {
	path := writePersonas(t, `
default = "snarky"

[[personas]]
name = "snarky"
description = "Dry wit"
system_prompt = "Reply with dry wit. Keep it short."

[[personas]]
name = "formal"
description = "Business tone"
system_prompt = "Reply formally and politely."
`)

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"snarky", "formal"}, c.Names())
	assert.Equal(t, "snarky", c.Default().Name)

	p, ok := c.Get("formal")
	require.True(t, ok)
	assert.Equal(t, "Reply formally and politely.", p.SystemPrompt)

	_, ok = c.Get("nonexistent")
	assert.False(t, ok)
}

func TestLoadCatalog_DefaultsToFirstPersona(t *testing.T) {
	path := writePersonas(t, `
[[personas]]
name = "only"
system_prompt = "Reply plainly."
`)

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "only", c.Default().Name)
}

func TestLoadCatalog_EmptyPathUsesBuiltin(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	p := c.Default()
	require.NotNil(t, p)
	assert.Equal(t, "assistant", p.Name)
	assert.NotEmpty(t, p.SystemPrompt)
}

func TestLoadCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "no personas",
			content: `default = "x"`,
		},
		{
			name: "missing name",
			content: `
[[personas]]
system_prompt = "hi"
`,
		},
		{
			name: "missing system prompt",
			content: `
[[personas]]
name = "empty"
`,
		},
		{
			name: "unknown default",
			content: `
default = "ghost"

[[personas]]
name = "real"
system_prompt = "hi"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePersonas(t, tt.content)
			_, err := LoadCatalog(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := LoadCatalog("/nonexistent/personas.toml")
	assert.Error(t, err)
}
