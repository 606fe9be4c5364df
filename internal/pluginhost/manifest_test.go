package pluginhost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, manifestFilename), []byte(content), 0o644))
}

func TestDiscoverFindsWellFormedManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "echo", `{"name":"echo","version":"1.0.0","main":"echo.so"}`)

	found := Discover(dir, nil)

	require.Len(t, found, 1)
	require.Equal(t, "echo", found[0].Name)
	require.Equal(t, defaultPriority, found[0].Priority)
	require.Equal(t, int64(defaultTimeoutMs), found[0].TimeoutMs)
	require.Equal(t, filepath.Join(dir, "echo", "echo.so"), found[0].EntryPoint)
}

func TestDiscoverSkipsInvalidManifestWithoutAbortingOthers(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken", `not json`)
	writeManifest(t, dir, "good", `{"name":"good","version":"1.0.0","main":"good.so"}`)

	found := Discover(dir, nil)

	require.Len(t, found, 1)
	require.Equal(t, "good", found[0].Name)
}

func TestDiscoverSkipsManifestMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "nameless", `{"version":"1.0.0","main":"x.so"}`)

	found := Discover(dir, nil)

	require.Empty(t, found)
}

func TestDiscoverSkipsOutOfRangePriority(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "toohigh", `{"name":"toohigh","version":"1.0.0","main":"x.so","priority":101}`)

	found := Discover(dir, nil)

	require.Empty(t, found)
}

func TestDiscoverSkipsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "dup-a", `{"name":"dup","version":"1.0.0","main":"a.so"}`)
	writeManifest(t, dir, "dup-b", `{"name":"dup","version":"2.0.0","main":"b.so"}`)

	found := Discover(dir, nil)

	require.Len(t, found, 1)
}

func TestDiscoverOnUnreadableDirectoryReturnsNilWithoutPanic(t *testing.T) {
	found := Discover(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	require.Nil(t, found)
}
