package depot

import (
	"path/filepath"
	"strings"
)

// Built-in backend module names. Option groups are keyed by these.
const (
	ModuleFS  = "fs"
	ModuleRAM = "ram"
)

// Group holds one backend module's options. Values are opaque here; nested
// structures are carried verbatim.
type Group map[string]any

// Options maps backend module names to their option groups.
type Options map[string]Group

// Defaults returns a fresh copy of the built-in option tables, one group per
// built-in backend module. The copy is independent on every call, so a
// resolver built from it never shares mutable state with another.
func Defaults() Options {
	return Options{
		ModuleFS: Group{
			"cachePath": filepath.Join(".depot", "fs"),
			"cleanup": Group{
				"expireAfter":  "720h",
				"maxCacheSize": int64(0),
			},
		},
		ModuleRAM: Group{
			"maxCacheSize": int64(1 << 30),
			"ttl":          "24h",
		},
	}
}

// Resolver merges injected default option tables with caller overrides and
// resolves module cache paths against an application root directory. The
// defaults are copied at construction and never mutated afterwards.
type Resolver struct {
	defaults Options
	root     string
}

// NewResolver builds a resolver over the given defaults. Relative cache
// paths resolve under root.
func NewResolver(defaults Options, root string) *Resolver {
	return &Resolver{defaults: copyOptions(defaults), root: root}
}

// Resolve merges overrides into the defaults and returns the result. The
// merge is shallow per top-level key within each module group: an override
// value replaces the default wholesale and nested structures under it are
// taken verbatim. Every default module is always present in the result, and
// modules appearing only in the overrides are carried through. A nil
// override set yields the defaults.
func (r *Resolver) Resolve(overrides Options) Options {
	merged := copyOptions(r.defaults)
	for module, group := range overrides {
		dst, ok := merged[module]
		if !ok {
			dst = make(Group, len(group))
			merged[module] = dst
		}
		for key, value := range group {
			dst[key] = value
		}
	}
	return merged
}

// CachePath resolves the cachePath option of one module against the
// overrides. It reports false when the merged group carries no usable
// cachePath. An absolute path is returned unchanged; a relative path is
// placed under the application root. No trailing-slash normalization is
// performed in either case, so a trailing separator in the input survives.
func (r *Resolver) CachePath(module string, overrides Options) (string, bool) {
	group, ok := r.Resolve(overrides)[module]
	if !ok {
		return "", false
	}
	raw, ok := group["cachePath"]
	if !ok {
		return "", false
	}
	path, ok := raw.(string)
	if !ok || path == "" {
		return "", false
	}
	if filepath.IsAbs(path) {
		return path, true
	}
	root := strings.TrimRight(r.root, string(filepath.Separator))
	return root + string(filepath.Separator) + path, true
}

func copyOptions(src Options) Options {
	dst := make(Options, len(src))
	for module, group := range src {
		g := make(Group, len(group))
		for key, value := range group {
			g[key] = value
		}
		dst[module] = g
	}
	return dst
}
