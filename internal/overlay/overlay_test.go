package overlay

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		base     Tree
		override Tree
		want     Tree
	}{
		{
			name:     "empty mapping resets subtree",
			base:     Tree{"a": Tree{"b": 1, "c": 2}},
			override: Tree{"a": Tree{}},
			want:     Tree{"a": Tree{}},
		},
		{
			name:     "partial override merges",
			base:     Tree{"a": Tree{"b": 1, "c": 2}},
			override: Tree{"a": Tree{"b": 5}},
			want:     Tree{"a": Tree{"b": 5, "c": 2}},
		},
		{
			name:     "scalar replaces subtree",
			base:     Tree{"a": Tree{"b": 1}},
			override: Tree{"a": 5},
			want:     Tree{"a": 5},
		},
		{
			name:     "mapping replaces scalar",
			base:     Tree{"a": 5},
			override: Tree{"a": Tree{"b": 1}},
			want:     Tree{"a": Tree{"b": 1}},
		},
		{
			name:     "mapping added for missing key",
			base:     Tree{"x": "y"},
			override: Tree{"a": Tree{"b": 1}},
			want:     Tree{"x": "y", "a": Tree{"b": 1}},
		},
		{
			name: "deep merge keeps siblings",
			base: Tree{
				"storage_dir": "/tmp/a",
				"api": Tree{
					"http":  Tree{"host": "127.0.0.1", "port": "47334"},
					"mysql": Tree{"host": "127.0.0.1", "port": "47335", "user": "mindsdb"},
				},
				"integrations": Tree{"default_mariadb": Tree{"enabled": true}},
			},
			override: Tree{
				"integrations": Tree{},
				"api": Tree{
					"http":  Tree{"host": "172.17.0.1"},
					"mysql": Tree{"host": "172.17.0.1"},
				},
			},
			want: Tree{
				"storage_dir": "/tmp/a",
				"api": Tree{
					"http":  Tree{"host": "172.17.0.1", "port": "47334"},
					"mysql": Tree{"host": "172.17.0.1", "port": "47335", "user": "mindsdb"},
				},
				"integrations": Tree{},
			},
		},
		{
			name:     "nil base",
			base:     nil,
			override: Tree{"a": 1},
			want:     Tree{"a": 1},
		},
		{
			name:     "nil override",
			base:     Tree{"a": 1},
			override: nil,
			want:     Tree{"a": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.base, tt.override)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMerge_Idempotent(t *testing.T) {
	base := Tree{
		"a": Tree{"b": 1, "c": Tree{"d": 2}},
		"e": "f",
		"g": Tree{"h": 1},
	}
	override := Tree{
		"a": Tree{"c": Tree{"d": 3, "x": 4}},
		"e": Tree{"nested": true},
		"g": Tree{},
	}

	once := Merge(base, override)
	twice := Merge(once, override)
	assert.Equal(t, once, twice)
}

func TestMerge_DoesNotAlias(t *testing.T) {
	base := Tree{"a": Tree{"b": 1}, "list": []any{Tree{"k": "v"}}}
	override := Tree{"new": Tree{"x": 1}, "reset": Tree{}}

	merged := Merge(base, override)

	merged["a"].(Tree)["b"] = 99
	merged["new"].(Tree)["x"] = 99
	merged["reset"].(Tree)["y"] = 1
	merged["list"].([]any)[0].(Tree)["k"] = "changed"

	assert.Equal(t, 1, base["a"].(Tree)["b"])
	assert.Equal(t, "v", base["list"].([]any)[0].(Tree)["k"])
	assert.Equal(t, 1, override["new"].(Tree)["x"])
	assert.Empty(t, override["reset"])
}

func TestLookupAndString(t *testing.T) {
	tree, err := Decode([]byte(`{"api":{"http":{"host":"127.0.0.1","port":47334},"mysql":{"port":"47335"}},"flag":true}`))
	require.NoError(t, err)

	host, ok := String(tree, "api.http.host")
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1", host)

	port, ok := String(tree, "api.http.port")
	assert.True(t, ok)
	assert.Equal(t, "47334", port)

	port, ok = String(tree, "api.mysql.port")
	assert.True(t, ok)
	assert.Equal(t, "47335", port)

	flag, ok := String(tree, "flag")
	assert.True(t, ok)
	assert.Equal(t, "true", flag)

	_, ok = String(tree, "api.http")
	assert.False(t, ok)
	_, ok = String(tree, "api.http.host.deeper")
	assert.False(t, ok)
	_, ok = Lookup(tree, "missing")
	assert.False(t, ok)
}

func TestSet(t *testing.T) {
	base := Tree{"api": Tree{"http": Tree{"port": "47334"}}}
	updated := Set(base, "api.http.host", "172.17.0.1")

	assert.Equal(t, Tree{"api": Tree{"http": Tree{"port": "47334", "host": "172.17.0.1"}}}, updated)
	_, ok := Lookup(base, "api.http.host")
	assert.False(t, ok)
}

func TestWriteAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	tree := Tree{
		"storage_dir":  "/tmp/storage",
		"integrations": Tree{},
		"api":          Tree{"http": Tree{"host": "0.0.0.0", "port": "47334"}},
	}

	require.NoError(t, WriteFile(path, tree))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, tree, loaded)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte(`[1,2,3]`))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
