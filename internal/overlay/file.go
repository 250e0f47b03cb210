package overlay

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// LoadFile reads a JSON configuration file into a Tree.
func LoadFile(path string) (Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Decode(data)
}

// Decode parses JSON bytes into a Tree. The top level must be an object.
func Decode(data []byte) (Tree, error) {
	var tree Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if tree == nil {
		tree = Tree{}
	}
	return tree, nil
}

// WriteFile writes tree as indented JSON, creating parent directories.
func WriteFile(path string, tree Tree) error {
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
