package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HandleFile keeps the DevTools URL of a long-lived browser in a local file.
// It is always local: the handle is only meaningful on the machine running the browser.
type HandleFile struct {
	Path string
}

// Load returns the stored handle, or "" when there is none.
func (h HandleFile) Load() (string, error) {
	data, err := os.ReadFile(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read session handle: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save replaces the stored handle.
func (h HandleFile) Save(handle string) error {
	if err := os.MkdirAll(filepath.Dir(h.Path), 0o750); err != nil {
		return fmt.Errorf("create session handle directory: %w", err)
	}
	if err := os.WriteFile(h.Path, []byte(handle+"\n"), 0o600); err != nil {
		return fmt.Errorf("write session handle: %w", err)
	}
	return nil
}

// Remove deletes the stored handle, if any.
func (h HandleFile) Remove() error {
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session handle: %w", err)
	}
	return nil
}
