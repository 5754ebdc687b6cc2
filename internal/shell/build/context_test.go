package build

import (
	"archive/tar"
	"io"
	"testing"

	corebuild "github.com/artpar/dockyard/internal/core/build"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeContext(t *testing.T, fs afero.Fs, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, dir+"/"+name, []byte(content), 0644))
	}
}

func productsContext(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	writeContext(t, fs, "/shop/products", map[string]string{
		"Dockerfile":      "FROM alpine:latest\nCOPY . /app\n",
		"main.go":         "package main\n",
		"static/app.css":  "body {}\n",
		"tmp/scratch.txt": "junk",
	})
	return fs
}

// =============================================================================
// Fingerprint Tests
// =============================================================================

func TestFingerprint_Deterministic(t *testing.T) {
	fs := productsContext(t)

	first, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)
	second, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NoError(t, first.Validate())
}

func TestFingerprint_SameContentSameDigest(t *testing.T) {
	a := productsContext(t)
	b := productsContext(t)

	da, err := Fingerprint(a, "/shop/products", "Dockerfile")
	require.NoError(t, err)
	db, err := Fingerprint(b, "/shop/products", "Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestFingerprint_ContentChange(t *testing.T) {
	fs := productsContext(t)
	before, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	writeContext(t, fs, "/shop/products", map[string]string{"main.go": "package main\n\nfunc main() {}\n"})
	after, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestFingerprint_RecipeChange(t *testing.T) {
	fs := productsContext(t)
	before, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	writeContext(t, fs, "/shop/products", map[string]string{"Dockerfile": "FROM alpine:3.20\n"})
	after, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestFingerprint_Rename(t *testing.T) {
	fs := productsContext(t)
	before, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	require.NoError(t, fs.Rename("/shop/products/main.go", "/shop/products/server.go"))
	after, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestFingerprint_ModeChange(t *testing.T) {
	fs := productsContext(t)
	before, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	require.NoError(t, fs.Chmod("/shop/products/main.go", 0755))
	after, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestFingerprint_IgnoredFilesDoNotCount(t *testing.T) {
	fs := productsContext(t)
	writeContext(t, fs, "/shop/products", map[string]string{".dockerignore": "# scratch space\ntmp\n*.log\n"})

	before, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	writeContext(t, fs, "/shop/products", map[string]string{
		"tmp/scratch.txt": "different junk",
		"debug.log":       "trace",
	})
	after, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestFingerprint_IgnoredRecipeStillCounts(t *testing.T) {
	fs := productsContext(t)
	writeContext(t, fs, "/shop/products", map[string]string{".dockerignore": "Dockerfile\n"})

	before, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	writeContext(t, fs, "/shop/products", map[string]string{"Dockerfile": "FROM busybox\n"})
	after, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestFingerprint_IgnoreFileChange(t *testing.T) {
	fs := productsContext(t)
	writeContext(t, fs, "/shop/products", map[string]string{".dockerignore": "tmp\n"})

	before, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	writeContext(t, fs, "/shop/products", map[string]string{".dockerignore": "tmp\n.dockerignore\n"})
	after, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestFingerprint_ExternalRecipe(t *testing.T) {
	fs := productsContext(t)
	writeContext(t, fs, "/shop", map[string]string{"products.Dockerfile": "FROM alpine\n"})

	before, err := Fingerprint(fs, "/shop/products", "../products.Dockerfile")
	require.NoError(t, err)

	writeContext(t, fs, "/shop", map[string]string{"products.Dockerfile": "FROM busybox\n"})
	after, err := Fingerprint(fs, "/shop/products", "/shop/products.Dockerfile")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestFingerprint_MissingContext(t *testing.T) {
	_, err := Fingerprint(afero.NewMemMapFs(), "/nowhere", "Dockerfile")
	assert.ErrorIs(t, err, corebuild.ErrContextUnreadable)
}

func TestFingerprint_ContextIsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/shop/products", []byte("x"), 0644))

	_, err := Fingerprint(fs, "/shop/products", "Dockerfile")
	assert.ErrorIs(t, err, corebuild.ErrContextUnreadable)
}

// =============================================================================
// Archive Tests
// =============================================================================

func TestArchive_HonorsIgnoreFile(t *testing.T) {
	fs := productsContext(t)
	writeContext(t, fs, "/shop/products", map[string]string{".dockerignore": "tmp\n"})

	r, recipe, err := Archive(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	names, contents := readArchive(t, r)
	assert.Equal(t, "Dockerfile", recipe)
	assert.Equal(t, []string{".dockerignore", "Dockerfile", "main.go", "static/app.css"}, names)
	assert.Equal(t, "package main\n", contents["main.go"])
}

func TestArchive_KeepsIgnoredRecipe(t *testing.T) {
	fs := productsContext(t)
	writeContext(t, fs, "/shop/products", map[string]string{".dockerignore": "Dockerfile\n.dockerignore\ntmp\nstatic\n"})

	r, recipe, err := Archive(fs, "/shop/products", "Dockerfile")
	require.NoError(t, err)

	names, contents := readArchive(t, r)
	assert.Equal(t, "Dockerfile", recipe)
	assert.Equal(t, []string{".dockerignore", "Dockerfile", "main.go"}, names)
	assert.Equal(t, "FROM alpine:latest\nCOPY . /app\n", contents["Dockerfile"])
}

func TestArchive_RecipeInIgnoredDirectory(t *testing.T) {
	fs := productsContext(t)
	writeContext(t, fs, "/shop/products", map[string]string{
		".dockerignore":    "build\n",
		"build/Dockerfile": "FROM alpine:3.20\n",
		"build/notes.txt":  "skip me",
	})

	r, recipe, err := Archive(fs, "/shop/products", "build/Dockerfile")
	require.NoError(t, err)

	names, _ := readArchive(t, r)
	assert.Equal(t, "build/Dockerfile", recipe)
	assert.Contains(t, names, "build/Dockerfile")
	assert.NotContains(t, names, "build/notes.txt")
}

func TestArchive_ExternalRecipe(t *testing.T) {
	fs := productsContext(t)
	writeContext(t, fs, "/shop", map[string]string{"products.Dockerfile": "FROM busybox\n"})

	r, recipe, err := Archive(fs, "/shop/products", "../products.Dockerfile")
	require.NoError(t, err)

	names, contents := readArchive(t, r)
	assert.Equal(t, ExternalRecipe, recipe)
	assert.Contains(t, names, ExternalRecipe)
	assert.Equal(t, "FROM busybox\n", contents[ExternalRecipe])
}

func TestArchive_MissingExternalRecipe(t *testing.T) {
	_, _, err := Archive(productsContext(t), "/shop/products", "/elsewhere/Dockerfile")
	assert.ErrorIs(t, err, corebuild.ErrContextUnreadable)
}

func readArchive(t *testing.T, r io.Reader) ([]string, map[string]string) {
	t.Helper()
	tr := tar.NewReader(r)
	var names []string
	contents := map[string]string{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[header.Name] = string(data)
	}
	return names, contents
}
