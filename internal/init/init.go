// Package initcmd implements "sidecar init", which scaffolds the
// .sidecar/ project directory (config.json, plugins/) a run needs.
package initcmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Options configures the init command's behavior.
type Options struct {
	Force  bool      // Overwrite existing files (with a timestamped backup).
	DryRun bool      // Report what would change without writing anything.
	Writer io.Writer // Output writer (defaults to os.Stdout).
}

// scaffoldFile is one file init may create under .sidecar/.
type scaffoldFile struct {
	Path    string // relative to .sidecar/
	Content string
}

func scaffoldFiles() []scaffoldFile {
	return []scaffoldFile{
		{Path: "config.json", Content: MustReadTemplate("config.json")},
		{Path: "plugins/example-plugin/manifest.json", Content: MustReadTemplate("example-manifest.json")},
	}
}

// Result summarizes what init did.
type Result struct {
	TargetDir   string
	Created     []string
	Skipped     []string
	Unchanged   []string
	Overwritten []string
}

// Run scaffolds .sidecar/ in the current directory.
func Run(opts Options) (*Result, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	targetDir := ".sidecar"
	result := &Result{TargetDir: targetDir}

	for _, f := range scaffoldFiles() {
		fullPath := filepath.Join(targetDir, f.Path)

		existing, err := os.ReadFile(fullPath)
		exists := err == nil
		if exists && string(existing) == f.Content {
			result.Unchanged = append(result.Unchanged, f.Path)
			continue
		}

		if exists && !opts.Force {
			result.Skipped = append(result.Skipped, f.Path)
			fmt.Fprintf(w, "skip (exists, use --force to overwrite): %s\n", f.Path)
			continue
		}

		if opts.DryRun {
			if exists {
				result.Overwritten = append(result.Overwritten, f.Path)
				if diff := UnifiedDiff(fullPath, fullPath, string(existing), f.Content); diff != "" {
					fmt.Fprint(w, diff)
				}
			} else {
				result.Created = append(result.Created, f.Path)
			}
			fmt.Fprintf(w, "would write: %s\n", fullPath)
			continue
		}

		if exists {
			if diff := UnifiedDiff(fullPath, fullPath, string(existing), f.Content); diff != "" {
				fmt.Fprint(w, diff)
			}
			backupPath := fullPath + "." + time.Now().UTC().Format("20060102T150405Z") + ".bak"
			if err := os.Rename(fullPath, backupPath); err != nil {
				return result, fmt.Errorf("backup %s: %w", fullPath, err)
			}
			fmt.Fprintf(w, "backed up %s -> %s\n", fullPath, backupPath)
		}

		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return result, fmt.Errorf("create directory for %s: %w", fullPath, err)
		}
		if err := os.WriteFile(fullPath, []byte(f.Content), 0o644); err != nil {
			return result, fmt.Errorf("write %s: %w", fullPath, err)
		}

		if exists {
			result.Overwritten = append(result.Overwritten, f.Path)
		} else {
			result.Created = append(result.Created, f.Path)
		}
		fmt.Fprintf(w, "wrote %s\n", fullPath)
	}

	return result, nil
}
