// Package registry persists the activations of one environment in a JSON
// document guarded by an exclusive cross-process lock.
//
// Every mutation is a single read-modify-write cycle: Read acquires the lock,
// the caller changes the returned document, and Write persists it atomically
// and releases the lock. Callers that decide not to write call Lock.Release.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/activatr/internal/activation"
)

// Read locks the registry and loads it. The document is nil when the registry
// file does not exist yet. On success the caller owns the returned lock.
func Read(p Paths) (*activation.Activations, *Lock, error) {
	lock, err := acquireLock(p.Lock)
	if err != nil {
		return nil, nil, activation.RegistryError("acquire registry lock", err)
	}
	acts, err := load(p.Registry)
	if err != nil {
		_ = lock.Release()
		return nil, nil, activation.RegistryError("read registry", err)
	}
	return acts, lock, nil
}

func load(path string) (*activation.Activations, error) {
	// #nosec G304 -- path is derived by Open
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	var acts activation.Activations
	if err := json.Unmarshal(data, &acts); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if acts.Version > activation.SchemaVersion {
		return nil, fmt.Errorf("%s has unsupported version %d", path, acts.Version)
	}
	if acts.Activations == nil {
		acts.Activations = []*activation.Activation{}
	}
	return &acts, nil
}

// Write persists acts and releases lock. The file is replaced with a rename,
// so concurrent readers see either the old or the new document. The lock is
// released even when writing fails, and cannot be used again afterwards.
func Write(acts *activation.Activations, p Paths, lock *Lock) error {
	if !lock.Held() {
		return activation.RegistryError("write registry", errLockReleased)
	}
	werr := store(acts, p.Registry)
	rerr := lock.Release()
	if werr != nil {
		return activation.RegistryError("write registry", werr)
	}
	return activation.RegistryError("release registry lock", rerr)
}

func store(acts *activation.Activations, path string) error {
	if acts.Version == 0 {
		acts.Version = activation.SchemaVersion
	}
	data, err := json.MarshalIndent(acts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+registryFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
