package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/activatr/internal/activation"
	"github.com/loykin/activatr/internal/history"
	"github.com/loykin/activatr/internal/metrics"
	"github.com/loykin/activatr/internal/registry"
)

// SetReady marks activation id of envPath as ready. It is called by the
// starter once its startup hooks have completed.
func (c *Controller) SetReady(ctx context.Context, envPath, id string) error {
	envPath = filepath.Clean(envPath)
	err := c.update(ctx, envPath, id, func(a *activation.Activation) bool {
		a.SetReady()
		return true
	})
	if err != nil {
		return fmt.Errorf("set ready %s: %w", id, err)
	}
	c.Log.Info("activation ready", "env", envPath, "id", id)
	c.record(ctx, history.Event{Type: history.EventReady, ActivationID: id, Environment: envPath})
	return nil
}

// Attach records pid as a consumer of activation id without waiting for it
// to become ready.
func (c *Controller) Attach(ctx context.Context, envPath, id string, pid int) error {
	if pid <= 0 {
		return errors.New("pid must be positive")
	}
	envPath = filepath.Clean(envPath)
	err := c.update(ctx, envPath, id, func(a *activation.Activation) bool {
		at := c.Now().UTC()
		a.AttachPID(pid, &at)
		return true
	})
	if err != nil {
		return fmt.Errorf("attach %d to %s: %w", pid, id, err)
	}
	c.Log.Info("attached pid", "env", envPath, "id", id, "pid", pid)
	c.record(ctx, history.Event{Type: history.EventAttach, ActivationID: id, Environment: envPath, PID: pid})
	return nil
}

// Detach removes pid from the consumers of activation id. Detaching a pid
// that is not attached leaves the registry untouched.
func (c *Controller) Detach(ctx context.Context, envPath, id string, pid int) error {
	envPath = filepath.Clean(envPath)
	var removed bool
	err := c.update(ctx, envPath, id, func(a *activation.Activation) bool {
		removed = a.DetachPID(pid)
		return removed
	})
	if err != nil {
		return fmt.Errorf("detach %d from %s: %w", pid, id, err)
	}
	if !removed {
		c.Log.Debug("pid was not attached", "env", envPath, "id", id, "pid", pid)
		return nil
	}
	c.Log.Info("detached pid", "env", envPath, "id", id, "pid", pid)
	c.record(ctx, history.Event{Type: history.EventDetach, ActivationID: id, Environment: envPath, PID: pid})
	return nil
}

// List returns the activations of envPath. An environment that was never
// activated yields an empty registry.
func (c *Controller) List(ctx context.Context, envPath string) (*activation.Activations, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	envPath = filepath.Clean(envPath)
	paths := registry.Open(c.RuntimeDir, envPath)
	if _, err := os.Stat(paths.Dir); errors.Is(err, os.ErrNotExist) {
		return activation.New(), nil
	}
	acts, lock, err := c.read(paths)
	if err != nil {
		return nil, err
	}
	if err := lock.Release(); err != nil {
		return nil, activation.RegistryError("release registry lock", err)
	}
	if acts == nil {
		acts = activation.New()
	}
	ready := 0
	for _, a := range acts.Activations {
		if a.Ready {
			ready++
		}
	}
	metrics.SetRecords(envPath, ready, len(acts.Activations)-ready)
	return acts, nil
}

// Prune removes activations whose starter is gone and that nobody alive is
// attached to, or that never became ready. It returns the removed ids.
func (c *Controller) Prune(ctx context.Context, envPath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	envPath = filepath.Clean(envPath)
	paths := registry.Open(c.RuntimeDir, envPath)
	if _, err := os.Stat(paths.Dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	acts, lock, err := c.read(paths)
	if err != nil {
		return nil, err
	}
	if acts == nil {
		return nil, releaseOnly(lock)
	}
	removed := acts.Prune(c.Liveness)
	if len(removed) == 0 {
		return nil, releaseOnly(lock)
	}
	if err := registry.Write(acts, paths, lock); err != nil {
		return nil, err
	}
	for _, id := range removed {
		c.Log.Info("pruned activation", "env", envPath, "id", id)
		c.record(ctx, history.Event{Type: history.EventPrune, ActivationID: id, Environment: envPath})
	}
	return removed, nil
}

// update applies fn to activation id under the registry lock and persists
// the registry when fn reports a change.
func (c *Controller) update(ctx context.Context, envPath, id string, fn func(*activation.Activation) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	paths := registry.Open(c.RuntimeDir, envPath)
	if _, err := os.Stat(paths.Dir); errors.Is(err, os.ErrNotExist) {
		return activation.ErrNotFound
	}
	acts, lock, err := c.read(paths)
	if err != nil {
		return err
	}
	a := acts.FindByID(id)
	if a == nil {
		if err := releaseOnly(lock); err != nil {
			return err
		}
		return activation.ErrNotFound
	}
	if !fn(a) {
		return releaseOnly(lock)
	}
	return registry.Write(acts, paths, lock)
}

func releaseOnly(lock *registry.Lock) error {
	return activation.RegistryError("release registry lock", lock.Release())
}
