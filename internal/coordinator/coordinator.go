// Package coordinator decides whether a caller starts a new activation of an
// environment or waits for and attaches to one that is already starting.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loykin/activatr/internal/activation"
	"github.com/loykin/activatr/internal/detector"
	"github.com/loykin/activatr/internal/env"
	"github.com/loykin/activatr/internal/history"
	"github.com/loykin/activatr/internal/logger"
	"github.com/loykin/activatr/internal/metrics"
	"github.com/loykin/activatr/internal/registry"
)

const historyTimeout = 5 * time.Second

// Request identifies the calling process and the build it wants active.
type Request struct {
	PID         int
	Environment string // absolute environment path
	StorePath   string // build identity
}

// Result is what the caller exports into its shell.
type Result struct {
	ID       string
	Attached bool
	StateDir string
	// Active is the caller's active environment list with Environment pushed.
	Active env.Active
}

// Controller runs the start-or-attach protocol against the registries under
// RuntimeDir. The zero value is not usable; use New.
type Controller struct {
	RuntimeDir string
	Policy     Policy
	Liveness   activation.Liveness
	// StartTime returns a process start time for recycled pid detection.
	StartTime func(pid int) int64
	Log       *slog.Logger
	History   history.Sink
	Now       func() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a controller with real processes, the wall clock and no history.
func New(runtimeDir string, p Policy) *Controller {
	return &Controller{
		RuntimeDir: runtimeDir,
		Policy:     p.withDefaults(),
		Liveness:   detector.Processes{},
		StartTime:  detector.StartTime,
		Log:        logger.Discard(),
		History:    history.Nop{},
		Now:        time.Now,
		Sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run performs StartOrAttach, restarting the whole decision on restartable
// failures until Policy.MaxAttempts attempts have been made. The last
// restartable error is returned once attempts are exhausted; every other
// error is returned as soon as it occurs.
func (c *Controller) Run(ctx context.Context, req Request) (Result, error) {
	pol := c.Policy.withDefaults()
	for attempt := 1; ; attempt++ {
		res, err := c.startOrAttach(ctx, req, attempt)
		if err == nil {
			return res, nil
		}
		if !activation.IsRestartable(err) || attempt >= pol.MaxAttempts {
			return Result{}, err
		}
		c.Log.Warn("retrying activation", "env", req.Environment, "store_path", req.StorePath, "attempt", attempt, "err", err)
		c.record(ctx, history.Event{
			Type:        history.EventRetry,
			StorePath:   req.StorePath,
			Environment: req.Environment,
			PID:         req.PID,
			Attempt:     attempt,
			Error:       err.Error(),
		})
	}
}

// StartOrAttach makes a single attempt: it creates a new activation when none
// exists for req.StorePath, otherwise it waits for the existing one to become
// ready and attaches req.PID to it.
func (c *Controller) StartOrAttach(ctx context.Context, req Request) (Result, error) {
	return c.startOrAttach(ctx, req, 1)
}

func (c *Controller) startOrAttach(ctx context.Context, req Request, attempt int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.PID <= 0 {
		return Result{}, errors.New("pid must be positive")
	}
	if req.StorePath == "" {
		return Result{}, errors.New("store path is required")
	}
	req.Environment = filepath.Clean(req.Environment)
	paths := registry.Open(c.RuntimeDir, req.Environment)
	if err := paths.Prepare(); err != nil {
		return Result{}, activation.RegistryError("prepare registry", err)
	}

	acts, lock, err := c.read(paths)
	if err != nil {
		return Result{}, err
	}
	if acts == nil {
		acts = activation.New()
	}

	log := c.Log.With("env", req.Environment, "store_path", req.StorePath, "pid", req.PID, "attempt", attempt)

	var (
		id       string
		attached bool
	)
	if existing := acts.Find(req.StorePath); existing != nil {
		id = existing.ID
		// the lock is never held while waiting
		if err := lock.Release(); err != nil {
			return Result{}, activation.RegistryError("release registry lock", err)
		}
		log.Debug("waiting for prior activation", "id", id, "starter_pid", existing.StarterPID)
		if err := c.attach(ctx, paths, req, id, attempt, log); err != nil {
			return Result{}, err
		}
		attached = true
	} else {
		a := acts.Create(req.StorePath, req.PID)
		a.StarterStartUnix = c.startTime(req.PID)
		if err := registry.Write(acts, paths, lock); err != nil {
			return Result{}, err
		}
		id = a.ID
		metrics.IncStart()
		log.Info("started activation", "id", id)
		c.record(ctx, history.Event{
			Type:         history.EventStart,
			ActivationID: id,
			StorePath:    req.StorePath,
			Environment:  req.Environment,
			PID:          req.PID,
			Attempt:      attempt,
		})
	}

	return Result{
		ID:       id,
		Attached: attached,
		StateDir: registry.StateDir(c.RuntimeDir, req.Environment, id),
		Active:   env.ActiveFrom(ctx).Push(req.Environment),
	}, nil
}

// attach polls until the activation id is ready, then records req.PID as
// attached. The lock is never held across a sleep.
func (c *Controller) attach(ctx context.Context, paths registry.Paths, req Request, id string, attempt int, log *slog.Logger) error {
	pol := c.Policy.withDefaults()
	began := c.Now()
	deadline := began.Add(pol.AttachTimeout)
	for {
		ready, err := c.checkReadyAndAttach(paths, req, id, deadline, c.Now())
		if err != nil {
			if activation.IsTimeout(err) {
				metrics.IncTimeout()
				log.Error("timed out waiting for prior activation", "id", id, "timeout", pol.AttachTimeout)
				c.record(ctx, history.Event{
					Type:         history.EventTimeout,
					ActivationID: id,
					StorePath:    req.StorePath,
					Environment:  req.Environment,
					PID:          req.PID,
					Attempt:      attempt,
					Error:        err.Error(),
				})
			}
			return err
		}
		if ready {
			metrics.IncAttach()
			metrics.ObserveAttachWait(c.Now().Sub(began).Seconds())
			log.Info("attached to activation", "id", id)
			c.record(ctx, history.Event{
				Type:         history.EventAttach,
				ActivationID: id,
				StorePath:    req.StorePath,
				Environment:  req.Environment,
				PID:          req.PID,
				Attempt:      attempt,
			})
			return nil
		}
		if err := c.Sleep(ctx, pol.PollInterval); err != nil {
			return err
		}
	}
}

// checkReadyAndAttach is one poll of the attach loop. It reports true once
// req.PID has been persisted as attached to id.
func (c *Controller) checkReadyAndAttach(paths registry.Paths, req Request, id string, deadline, now time.Time) (bool, error) {
	acts, lock, err := c.read(paths)
	if err != nil {
		return false, err
	}
	release := func(cause error) (bool, error) {
		if rerr := lock.Release(); rerr != nil {
			return false, activation.RegistryError("release registry lock", rerr)
		}
		return false, cause
	}

	if acts == nil {
		metrics.IncRestart("registry_gone")
		return release(activation.Restartable("prior activation of the environment completed before it could be attached to: registry removed"))
	}
	a := acts.Find(req.StorePath)
	if a == nil {
		metrics.IncRestart("record_gone")
		return release(activation.Restartable("prior activation of the environment completed before it could be attached to"))
	}
	if a.ID != id {
		metrics.IncRestart("id_changed")
		return release(activation.Restartable("prior activation of the environment was replaced before it could be attached to"))
	}

	if a.Ready {
		at := now.UTC()
		a.AttachPID(req.PID, &at)
		if err := registry.Write(acts, paths, lock); err != nil {
			return false, err
		}
		return true, nil
	}

	if !a.StarterAlive(c.Liveness) {
		metrics.IncRestart("starter_dead")
		return release(activation.Restartable("prior activation of the environment failed to start, or completed"))
	}

	if now.After(deadline) {
		return release(activation.Timeout("timed out waiting for a prior activation of the environment to complete startup hooks; " +
			"try again after the previous activation of the environment has completed"))
	}
	return release(nil)
}

func (c *Controller) read(paths registry.Paths) (*activation.Activations, *registry.Lock, error) {
	began := c.Now()
	acts, lock, err := registry.Read(paths)
	metrics.ObserveLockWait(c.Now().Sub(began).Seconds())
	return acts, lock, err
}

func (c *Controller) startTime(pid int) int64 {
	if c.StartTime == nil {
		return 0
	}
	return c.StartTime(pid)
}

// record sends e to the history sink. Sink failures are logged only.
func (c *Controller) record(ctx context.Context, e history.Event) {
	if c.History == nil {
		return
	}
	e.OccurredAt = c.Now().UTC()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := c.History.Send(sctx, e); err != nil {
		c.Log.Warn("history sink failed", "event", e.Type, "err", err)
	}
}
