// Package analytics is the read-only cross-store query facility summarized
// in the system's external interfaces: it lets a second store be attached
// at a declared path, after verifying the path lies under an allowed
// prefix, and only ever binds user-supplied values through parameter
// placeholders. It sits outside the core pipeline; no sidecar command uses
// it.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/npratt/sidecar/internal/store"
)

// identifierPattern is the safe-character set identifiers (attached schema
// names) are validated against before ever appearing in a query string.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrPathNotAllowed is returned when an attach path falls outside every
// configured allowed prefix.
type ErrPathNotAllowed struct {
	Path string
}

func (e *ErrPathNotAllowed) Error() string {
	return fmt.Sprintf("analytics: path %q is not under an allowed prefix", e.Path)
}

// ErrInvalidIdentifier is returned when a schema alias fails the safe
// identifier check.
type ErrInvalidIdentifier struct {
	Identifier string
}

func (e *ErrInvalidIdentifier) Error() string {
	return fmt.Sprintf("analytics: identifier %q is not safe to interpolate", e.Identifier)
}

// Facility attaches additional sqlite stores for read-only cross-store
// queries, reusing the primary Store's connection.
type Facility struct {
	store          *store.Store
	allowedPrefixes []string
}

// New creates a Facility bound to st, restricted to attaching paths under
// allowedPrefixes.
func New(st *store.Store, allowedPrefixes []string) *Facility {
	return &Facility{store: st, allowedPrefixes: allowedPrefixes}
}

// Attach validates path and alias, then issues `ATTACH DATABASE ? AS
// <alias>` against the primary store's connection in read-only mode. alias
// must match identifierPattern; path must lie under one of the facility's
// allowed prefixes.
func (f *Facility) Attach(ctx context.Context, path, alias string) error {
	if !identifierPattern.MatchString(alias) {
		return &ErrInvalidIdentifier{Identifier: alias}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("analytics: resolve path: %w", err)
	}
	allowed := false
	for _, prefix := range f.allowedPrefixes {
		absPrefix, err := filepath.Abs(prefix)
		if err != nil {
			continue
		}
		if strings.HasPrefix(abs, absPrefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ErrPathNotAllowed{Path: path}
	}

	// alias is validated against identifierPattern above; path is bound as
	// a parameter, never interpolated.
	stmt := fmt.Sprintf("ATTACH DATABASE ? AS %s", alias)
	if _, err := f.store.DB().ExecContext(ctx, stmt, "file:"+abs+"?mode=ro"); err != nil {
		return fmt.Errorf("analytics: attach %s: %w", alias, err)
	}
	return nil
}

// Query runs a read-only parameterized query against the attached schema
// set. query must use `?` placeholders for every user-supplied value; the
// caller is responsible for never string-interpolating user text into
// query. Column identifiers referenced by query (e.g. a table under an
// attached alias) must already have passed Attach's identifier validation.
func (f *Facility) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := f.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics: query: %w", err)
	}
	return rows, nil
}

// Detach releases a previously attached schema.
func (f *Facility) Detach(ctx context.Context, alias string) error {
	if !identifierPattern.MatchString(alias) {
		return &ErrInvalidIdentifier{Identifier: alias}
	}
	stmt := fmt.Sprintf("DETACH DATABASE %s", alias)
	if _, err := f.store.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("analytics: detach %s: %w", alias, err)
	}
	return nil
}
