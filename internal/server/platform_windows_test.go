//go:build windows

package server

import "path/filepath"

// platformAbsPath returns a valid absolute path for Windows systems
func platformAbsPath() string {
	return filepath.Join("C:\\", "tmp", "x")
}
