package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
	return root
}

func relPaths(entries []FileEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.RelPath)
	}
	return out
}

func TestWalkWorkspace(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"src/lib.rs":        "pub fn top() {}\n",
		"src/net/server.rs": "pub fn listen() {}\n",
		"README.md":         "# docs\n",
		"build.py":          "print('x')\n",
	})

	entries, err := WalkWorkspace(root, WalkOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src/lib.rs", "src/net/server.rs"}, relPaths(entries))

	for _, e := range entries {
		assert.NotEmpty(t, e.Content)
		assert.True(t, filepath.IsAbs(e.Path))
	}
}

func TestWalkWorkspaceGitignore(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		".gitignore":       "generated/\nscratch.rs\n",
		"src/lib.rs":       "pub fn keep() {}\n",
		"generated/gen.rs": "pub fn generated() {}\n",
		"scratch.rs":       "pub fn scratch() {}\n",
	})

	entries, err := WalkWorkspace(root, WalkOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src/lib.rs"}, relPaths(entries))
}

func TestWalkWorkspaceSkipsBuildDirs(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"src/lib.rs":         "pub fn keep() {}\n",
		"target/debug/x.rs":  "pub fn artifact() {}\n",
		"vendor/dep/lib.rs":  "pub fn vendored() {}\n",
		".sigraph/cached.rs": "pub fn state() {}\n",
	})

	entries, err := WalkWorkspace(root, WalkOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src/lib.rs"}, relPaths(entries))
}

func TestWalkWorkspaceIncludeExclude(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"src/lib.rs":       "pub fn a() {}\n",
		"src/net/mod.rs":   "pub fn b() {}\n",
		"tests/e2e.rs":     "pub fn c() {}\n",
		"src/net/inner.rs": "pub fn d() {}\n",
	})

	t.Run("Include", func(t *testing.T) {
		entries, err := WalkWorkspace(root, WalkOptions{Include: []string{"src/**"}})
		require.NoError(t, err)
		assert.ElementsMatch(t,
			[]string{"src/lib.rs", "src/net/mod.rs", "src/net/inner.rs"},
			relPaths(entries))
	})

	t.Run("Exclude", func(t *testing.T) {
		entries, err := WalkWorkspace(root, WalkOptions{Exclude: []string{"src/net/**"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"src/lib.rs", "tests/e2e.rs"}, relPaths(entries))
	})

	t.Run("IncludeThenExclude", func(t *testing.T) {
		entries, err := WalkWorkspace(root, WalkOptions{
			Include: []string{"src/**"},
			Exclude: []string{"src/net/inner.rs"},
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"src/lib.rs", "src/net/mod.rs"}, relPaths(entries))
	})

	t.Run("BadPattern", func(t *testing.T) {
		_, err := WalkWorkspace(root, WalkOptions{Include: []string{"src/["}})
		assert.Error(t, err)
	})
}
