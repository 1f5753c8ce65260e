// Package env tracks which environments are active in the calling shell.
//
// The list travels through calls as a context value; only the CLI reads or
// writes the process environment variable that carries it between shells.
package env

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Var is the process environment variable carrying the active list between
// nested shells.
const Var = "_ACTIVATR_ACTIVE_ENVIRONMENTS"

// Active is an ordered list of environment paths, most recent first, with no
// duplicates.
type Active []string

// Parse decodes the JSON list form. An empty or blank string is an empty list.
func Parse(s string) (Active, error) {
	if strings.TrimSpace(s) == "" {
		return Active{}, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, fmt.Errorf("parse active environments: %w", err)
	}
	out := Active{}
	for _, p := range list {
		if p == "" {
			continue
		}
		out = out.appendUnique(filepath.Clean(p))
	}
	return out, nil
}

// FromOS parses Var from the process environment.
func FromOS() (Active, error) {
	return Parse(os.Getenv(Var))
}

// IsActive reports whether path is in the list.
func (a Active) IsActive(path string) bool {
	path = filepath.Clean(path)
	for _, p := range a {
		if p == path {
			return true
		}
	}
	return false
}

// Push returns a new list with path moved or added to the front.
func (a Active) Push(path string) Active {
	path = filepath.Clean(path)
	out := make(Active, 0, len(a)+1)
	out = append(out, path)
	for _, p := range a {
		if p != path {
			out = append(out, p)
		}
	}
	return out
}

// String renders the JSON list form accepted by Parse.
func (a Active) String() string {
	if a == nil {
		a = Active{}
	}
	b, err := json.Marshal([]string(a))
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (a Active) appendUnique(p string) Active {
	if a.IsActive(p) {
		return a
	}
	return append(a, p)
}

type ctxKey struct{}

// WithActive returns a context carrying a.
func WithActive(ctx context.Context, a Active) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActiveFrom returns the list carried by ctx, or an empty list.
func ActiveFrom(ctx context.Context) Active {
	if a, ok := ctx.Value(ctxKey{}).(Active); ok {
		return a
	}
	return Active{}
}
