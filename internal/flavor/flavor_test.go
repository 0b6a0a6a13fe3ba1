package flavor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCatalog(t *testing.T) {
	catalog := Builtin()
	for _, name := range []string{"claude", "codex", "gemini", "opencode"} {
		f, ok := catalog.Get(name)
		require.True(t, ok, "missing builtin flavor %s", name)
		assert.NotEmpty(t, f.Binary)
		assert.NotEmpty(t, f.ResumeTokenKey)
		assert.NotEmpty(t, f.InstallHint)
	}

	_, ok := catalog.Get("no-such-agent")
	assert.False(t, ok)

	codex, _ := catalog.Get("codex")
	assert.Equal(t, DialectCodex, codex.Dialect)
	claude, _ := catalog.Get("claude")
	assert.Equal(t, DialectDirect, claude.Dialect)
}

func TestLoad_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flavors.yaml")
	content := `
flavors:
  - name: claude
    binary: /opt/claude/bin/claude
    dialect: direct
    resumeTokenKey: claudeSessionId
    installHint: "see internal wiki"
  - name: custom
    dialect: direct
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	catalog, err := Load(path)
	require.NoError(t, err)

	claude, ok := catalog.Get("claude")
	require.True(t, ok)
	assert.Equal(t, "/opt/claude/bin/claude", claude.Binary)

	// Binary defaults to the flavor name.
	custom, ok := catalog.Get("custom")
	require.True(t, ok)
	assert.Equal(t, "custom", custom.Binary)

	// Builtins not named in the file survive.
	_, ok = catalog.Get("codex")
	assert.True(t, ok)
}

func TestLoad_EmptyPathIsBuiltin(t *testing.T) {
	catalog, err := Load("")
	require.NoError(t, err)
	_, ok := catalog.Get("claude")
	assert.True(t, ok)
}

func TestLoad_RejectsNamelessEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flavors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flavors:\n  - binary: x\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
