package initcmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })
	return dir
}

func TestRunCreatesScaffold(t *testing.T) {
	dir := chdirTemp(t)
	var buf bytes.Buffer

	result, err := Run(Options{Writer: &buf})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Created) != 2 {
		t.Fatalf("Created = %v, want 2 files", result.Created)
	}

	if _, err := os.Stat(filepath.Join(dir, ".sidecar", "config.json")); err != nil {
		t.Errorf("config.json not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".sidecar", "plugins", "example-plugin", "manifest.json")); err != nil {
		t.Errorf("example manifest not created: %v", err)
	}
}

func TestRunSkipsExistingWithoutForce(t *testing.T) {
	chdirTemp(t)
	var buf bytes.Buffer

	if _, err := Run(Options{Writer: &buf}); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	result, err := Run(Options{Writer: &buf})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(result.Unchanged) != 2 {
		t.Errorf("Unchanged = %v, want 2 files reported unchanged", result.Unchanged)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	dir := chdirTemp(t)
	var buf bytes.Buffer

	if _, err := Run(Options{DryRun: true, Writer: &buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".sidecar")); !os.IsNotExist(err) {
		t.Errorf(".sidecar should not exist after dry run, stat err = %v", err)
	}
}

func TestRunForceBacksUpExisting(t *testing.T) {
	dir := chdirTemp(t)
	var buf bytes.Buffer

	if _, err := Run(Options{Writer: &buf}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".sidecar", "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := Run(Options{Force: true, Writer: &buf})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(result.Overwritten) == 0 {
		t.Error("expected config.json to be reported overwritten")
	}

	matches, err := filepath.Glob(filepath.Join(dir, ".sidecar", "config.json.*.bak"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Errorf("backups = %v, want exactly one", matches)
	}
}
