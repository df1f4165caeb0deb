// Package env composes the environment handed to mongod.
package env

import (
	"os"
	"slices"
	"strings"
)

// Vars maps variable names to values.
type Vars map[string]string

// Parse reads "K=V" entries. Entries without '=' or with an empty key are skipped;
// later entries win.
func Parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// Compose applies overrides on top of base and expands ${VAR} references in
// override values against the composed set. The result is sorted by key.
func Compose(base, overrides []string) []string {
	m := Parse(base)
	over := Parse(overrides)
	for k, v := range over {
		m[k] = v
	}
	for k := range over {
		m[k] = os.Expand(m[k], func(name string) string { return m[name] })
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

// ForProcess returns the environment for a child given per-process overrides,
// or nil to inherit the parent's environment unchanged.
func ForProcess(overrides []string) []string {
	if len(overrides) == 0 {
		return nil
	}
	return Compose(os.Environ(), overrides)
}
