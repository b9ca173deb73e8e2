package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPaths(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	require.NoError(t, os.Mkdir(sub, 0o755))
	for _, name := range []string{"a.yaml", "b.yml", "c.hcl"} {
		require.NoError(t, os.WriteFile(filepath.Join(sub, name), nil, 0o600))
	}
	single := filepath.Join(dir, "main.yaml")
	require.NoError(t, os.WriteFile(single, nil, 0o600))

	// --- Act ---
	got, err := ExpandPaths([]string{single, sub, single, filepath.Join(dir, "missing")}, ".yaml", ".yml")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{
		single,
		filepath.Join(sub, "a.yaml"),
		filepath.Join(sub, "b.yml"),
	}, got)
}

func TestFindFilesByExtension_PanicsWithoutExtension(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { _, _ = FindFilesByExtension(t.TempDir()) })
}
