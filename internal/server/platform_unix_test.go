//go:build !windows

package server

import "path/filepath"

// platformAbsPath returns a valid absolute path for Unix systems
func platformAbsPath() string {
	return filepath.Join(string(filepath.Separator), "tmp", "x")
}
