package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	registryFileName = "activations.json"
	lockSuffix       = ".lock"
	stateDirPrefix   = "activation-"
)

// Paths locates the registry document and its lock for one environment.
type Paths struct {
	Dir      string // per-environment directory under the runtime dir
	Registry string // activations.json
	Lock     string // activations.json.lock, never holds data
}

// Open derives the registry locations for envPath under runtimeDir.
// It performs no I/O; envPath is expected to be absolute.
func Open(runtimeDir, envPath string) Paths {
	dir := filepath.Join(runtimeDir, envKey(envPath))
	reg := filepath.Join(dir, registryFileName)
	return Paths{Dir: dir, Registry: reg, Lock: reg + lockSuffix}
}

// Prepare creates the per-environment directory.
func (p Paths) Prepare() error {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("create registry dir %s: %w", p.Dir, err)
	}
	return nil
}

// StateDir is where an activation keeps its private state.
func StateDir(runtimeDir, envPath, activationID string) string {
	return filepath.Join(runtimeDir, envKey(envPath), stateDirPrefix+activationID)
}

// envKey maps an environment path to a short stable directory name.
func envKey(envPath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(envPath)))
	return hex.EncodeToString(sum[:8])
}
