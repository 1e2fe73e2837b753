package repository

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npk-runtime/npkd/internal/manifest"
)

func writePackage(t *testing.T, dir, pkgName, identityName, version string) string {
	t.Helper()
	pkgDir := filepath.Join(dir, pkgName+".npk")
	require.NoError(t, os.MkdirAll(pkgDir, 0o755))
	doc := "container:\n  name: " + identityName + "\n  version: " + version + "\ninit: /bin/hello\n"
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "manifest.yaml"), []byte(doc), 0o644))
	return pkgDir
}

func TestOpenLoadsPackages(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "hello-1.0.0", "hello", "1.0.0")
	writePackage(t, dir, "world-2.0.0", "world", "2.0.0")

	repo, err := Open("repo-a", dir, nil)
	require.NoError(t, err)
	assert.Len(t, repo.Containers, 2)
	assert.Zero(t, repo.Skipped)
}

func TestOpenTieBreakLaterScanLoses(t *testing.T) {
	dir := t.TempDir()
	// Both decode to hello:1.0.0; sorted filename order is
	// "aaa-dup.npk" before "zzz-dup.npk", so "zzz" must lose.
	writePackage(t, dir, "aaa-dup", "hello", "1.0.0")
	writePackage(t, dir, "zzz-dup", "hello", "1.0.0")

	repo, err := Open("repo-a", dir, nil)
	require.NoError(t, err)
	require.Len(t, repo.Containers, 1)
	assert.Equal(t, 1, repo.Skipped)

	entry := repo.Containers[manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}]
	assert.Equal(t, filepath.Join(dir, "aaa-dup.npk"), entry.Path)
}

func TestOpenSkipsUnparsablePackage(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "good-1.0.0", "good", "1.0.0")
	badDir := filepath.Join(dir, "bad.npk")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "manifest.yaml"), []byte("not: [valid"), 0o644))

	repo, err := Open("repo-a", dir, nil)
	require.NoError(t, err)
	assert.Len(t, repo.Containers, 1)
	assert.Equal(t, 1, repo.Skipped)
}

func TestOpenIgnoresNonNpkFiles(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "hello-1.0.0", "hello", "1.0.0")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))

	repo, err := Open("repo-a", dir, nil)
	require.NoError(t, err)
	assert.Len(t, repo.Containers, 1)
}

func TestAddDuplicateFails(t *testing.T) {
	dir := t.TempDir()
	repo, err := Open("repo-a", dir, nil)
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "manifest.yaml"), []byte(
		"container:\n  name: hello\n  version: 1.0.0\ninit: /bin/hello\n"), 0o644))

	identity := manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}
	next, err := repo.Add(identity, src)
	require.NoError(t, err)
	assert.Len(t, next.Containers, 1)

	_, err = next.Add(identity, src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstallDuplicate))
}

func TestAddLeavesOriginalSnapshotUntouched(t *testing.T) {
	dir := t.TempDir()
	repo, err := Open("repo-a", dir, nil)
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "manifest.yaml"), []byte(
		"container:\n  name: hello\n  version: 1.0.0\ninit: /bin/hello\n"), 0o644))

	identity := manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}
	_, err = repo.Add(identity, src)
	require.NoError(t, err)
	assert.Empty(t, repo.Containers, "original snapshot must stay byte-identical")
}

func TestRemoveUnknownIdentityFails(t *testing.T) {
	dir := t.TempDir()
	repo, err := Open("repo-a", dir, nil)
	require.NoError(t, err)

	_, err = repo.Remove(manifest.Identity{Name: "ghost", Version: manifest.Version{Major: 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidContainer))
}

func TestRemoveDeletesBackingFile(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "hello-1.0.0", "hello", "1.0.0")
	repo, err := Open("repo-a", dir, nil)
	require.NoError(t, err)

	identity := manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}
	next, err := repo.Remove(identity)
	require.NoError(t, err)
	assert.Empty(t, next.Containers)

	_, statErr := os.Stat(filepath.Join(dir, "hello-1.0.0.npk"))
	assert.True(t, os.IsNotExist(statErr))
}
