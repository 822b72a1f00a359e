package depot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolverMergeIsShallowPerKey(t *testing.T) {
	t.Parallel()

	r := NewResolver(Defaults(), "/srv/depot")

	merged := r.Resolve(Options{
		ModuleFS: Group{
			"cleanup": Group{"expireAfter": "1h"},
		},
	})

	fs := merged[ModuleFS]
	require.NotNil(t, fs, "fs group present")

	// The override replaces the nested cleanup group wholesale: the default
	// maxCacheSize key under it must be gone.
	cleanup, ok := fs["cleanup"].(Group)
	require.True(t, ok, "cleanup group type")
	require.Equal(t, "1h", cleanup["expireAfter"], "overridden expireAfter")
	_, hasMax := cleanup["maxCacheSize"]
	require.False(t, hasMax, "nested default must not merge into the override")

	// Untouched top-level keys keep their defaults.
	require.Equal(t, filepath.Join(".depot", "fs"), fs["cachePath"], "default cachePath retained")
}

func TestResolverCarriesUnknownModules(t *testing.T) {
	t.Parallel()

	r := NewResolver(Defaults(), "/srv/depot")

	merged := r.Resolve(Options{
		"s3": Group{"endpoint": "minio:9000"},
	})

	require.Contains(t, merged, "s3", "override-only module carried through")
	require.Equal(t, "minio:9000", merged["s3"]["endpoint"], "override-only module value")
	require.Contains(t, merged, ModuleFS, "built-in module still present")
	require.Contains(t, merged, ModuleRAM, "built-in module still present")
}

func TestResolverDefaultsAreImmutable(t *testing.T) {
	t.Parallel()

	defaults := Defaults()
	r := NewResolver(defaults, "/srv/depot")

	// Mutating the table the resolver was built from must not leak in.
	defaults[ModuleFS]["cachePath"] = "tampered"

	merged := r.Resolve(nil)
	require.Equal(t, filepath.Join(".depot", "fs"), merged[ModuleFS]["cachePath"], "construction-time copy")

	// Mutating a resolved result must not leak into later resolutions.
	merged[ModuleFS]["cachePath"] = "also tampered"
	again := r.Resolve(nil)
	require.Equal(t, filepath.Join(".depot", "fs"), again[ModuleFS]["cachePath"], "per-call copy")
}

func TestResolverCachePath(t *testing.T) {
	t.Parallel()

	r := NewResolver(Defaults(), "/srv/depot")

	tests := []struct {
		name      string
		module    string
		overrides Options
		want      string
		wantOK    bool
	}{
		{
			name:   "absolute path unchanged",
			module: ModuleFS,
			overrides: Options{
				ModuleFS: Group{"cachePath": "/var/cache/depot"},
			},
			want:   "/var/cache/depot",
			wantOK: true,
		},
		{
			name:   "relative path under root",
			module: ModuleFS,
			overrides: Options{
				ModuleFS: Group{"cachePath": "alt/fs"},
			},
			want:   "/srv/depot/alt/fs",
			wantOK: true,
		},
		{
			name:   "trailing separator survives",
			module: ModuleFS,
			overrides: Options{
				ModuleFS: Group{"cachePath": "alt/fs/"},
			},
			want:   "/srv/depot/alt/fs/",
			wantOK: true,
		},
		{
			name:   "missing key",
			module: ModuleRAM,
			want:   "",
			wantOK: false,
		},
		{
			name:   "non-string value",
			module: ModuleFS,
			overrides: Options{
				ModuleFS: Group{"cachePath": int64(7)},
			},
			want:   "",
			wantOK: false,
		},
		{
			name:   "empty string",
			module: ModuleFS,
			overrides: Options{
				ModuleFS: Group{"cachePath": ""},
			},
			want:   "",
			wantOK: false,
		},
		{
			name:   "unknown module",
			module: "s3",
			want:   "",
			wantOK: false,
		},
	}

	for _, tc := range tests {
		// capture range variable
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := r.CachePath(tc.module, tc.overrides)
			require.Equal(t, tc.wantOK, ok, "resolution outcome")
			require.Equal(t, tc.want, got, "resolved path")
		})
	}
}

func TestResolverRootTrailingSeparator(t *testing.T) {
	t.Parallel()

	// A root carrying its own trailing separator must not double it.
	r := NewResolver(Defaults(), "/srv/depot/")
	got, ok := r.CachePath(ModuleFS, Options{ModuleFS: Group{"cachePath": "alt"}})
	require.True(t, ok, "resolution outcome")
	require.Equal(t, "/srv/depot/alt", got, "no doubled separator")
}
