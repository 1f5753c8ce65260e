package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/activatr"
	"github.com/loykin/activatr/pkg/client"
)

type command struct {
	global *GlobalFlags
	stdout io.Writer
	stderr io.Writer
}

// session is one configured runtime plus the caller's active environments.
type session struct {
	*activatr.Runtime
	active activatr.Active
}

// withSession loads the configuration, opens the runtime and runs fn. The
// metrics textfile is written after fn regardless of its outcome.
func (c *command) withSession(ctx context.Context, fn func(ctx context.Context, s *session) error) (err error) {
	cfg, err := activatr.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	rt, err := activatr.Open(cfg, c.stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := activatr.RegisterMetricsDefault(); err != nil {
		rt.Log.Warn("metrics registration failed", "err", err)
	}

	active, perr := activatr.ActiveFromOS()
	if perr != nil {
		rt.Log.Warn("ignoring malformed active environments", "var", activatr.ActiveEnvironVar, "err", perr)
		active = activatr.Active{}
	}
	s := &session{Runtime: rt, active: active}

	err = fn(activatr.WithActive(ctx, active), s)
	if werr := activatr.WriteMetricsTextfile(cfg.Metrics.Textfile); werr != nil {
		rt.Log.Warn("write metrics textfile", "path", cfg.Metrics.Textfile, "err", werr)
	}
	return err
}

// StartOrAttach prints the shell assignments for the caller to eval.
func (c *command) StartOrAttach(ctx context.Context, f StartOrAttachFlags) error {
	envPath, err := absEnv(f.Env)
	if err != nil {
		return err
	}
	if f.StorePath == "" {
		return fmt.Errorf("--store-path is required")
	}
	return c.withSession(ctx, func(ctx context.Context, s *session) error {
		res, err := s.Run(ctx, activatr.Request{PID: f.PID, Environment: envPath, StorePath: f.StorePath})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.stdout, "ATTACHED=%t\n", res.Attached)
		_, _ = fmt.Fprintf(c.stdout, "ACTIVATION_STATE_DIR=%s\n", shellQuote(res.StateDir))
		_, _ = fmt.Fprintf(c.stdout, "ACTIVATION_ID=%s\n", res.ID)
		_, _ = fmt.Fprintf(c.stdout, "ACTIVE_ENVIRONMENTS=%s\n", shellQuote(res.Active.String()))
		return nil
	})
}

func (c *command) SetReady(ctx context.Context, f RecordFlags) error {
	envPath, err := absEnv(f.Env)
	if err != nil {
		return err
	}
	if f.ID == "" {
		return fmt.Errorf("--id is required")
	}
	return c.withSession(ctx, func(ctx context.Context, s *session) error {
		return s.SetReady(ctx, envPath, f.ID)
	})
}

func (c *command) Attach(ctx context.Context, f RecordFlags) error {
	envPath, err := absEnv(f.Env)
	if err != nil {
		return err
	}
	if f.ID == "" {
		return fmt.Errorf("--id is required")
	}
	return c.withSession(ctx, func(ctx context.Context, s *session) error {
		return s.Attach(ctx, envPath, f.ID, f.PID)
	})
}

func (c *command) Detach(ctx context.Context, f RecordFlags) error {
	envPath, err := absEnv(f.Env)
	if err != nil {
		return err
	}
	if f.ID == "" {
		return fmt.Errorf("--id is required")
	}
	return c.withSession(ctx, func(ctx context.Context, s *session) error {
		return s.Detach(ctx, envPath, f.ID, f.PID)
	})
}

type listOutput struct {
	Environment string                 `json:"environment"`
	Active      bool                   `json:"active"`
	Version     int                    `json:"version"`
	Activations []*activatr.Activation `json:"activations"`
}

func (c *command) List(ctx context.Context, f ListFlags) error {
	envPath, err := absEnv(f.Env)
	if err != nil {
		return err
	}
	if f.APIUrl != "" {
		return c.listViaAPI(ctx, envPath, f)
	}
	return c.withSession(ctx, func(ctx context.Context, s *session) error {
		acts, err := s.List(ctx, envPath)
		if err != nil {
			return err
		}
		out := listOutput{
			Environment: envPath,
			Active:      activatr.ActiveFrom(ctx).IsActive(envPath),
			Version:     acts.Version,
			Activations: acts.Activations,
		}
		if out.Activations == nil {
			out.Activations = []*activatr.Activation{}
		}
		printJSON(c.stdout, out)
		return nil
	})
}

type remoteListOutput struct {
	*client.ActivationList
	Active bool `json:"active"`
}

// listViaAPI lists through a running `activatr serve`
func (c *command) listViaAPI(ctx context.Context, envPath string, f ListFlags) error {
	cfg := client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Insecure: f.Insecure}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	apiClient, err := client.New(cfg)
	if err != nil {
		return err
	}
	list, err := apiClient.List(ctx, envPath)
	if err != nil {
		return fmt.Errorf("list via %s: %w", f.APIUrl, err)
	}
	active, _ := activatr.ActiveFromOS()
	printJSON(c.stdout, remoteListOutput{ActivationList: list, Active: active.IsActive(envPath)})
	return nil
}

func (c *command) Prune(ctx context.Context, f EnvFlags) error {
	envPath, err := absEnv(f.Env)
	if err != nil {
		return err
	}
	return c.withSession(ctx, func(ctx context.Context, s *session) error {
		removed, err := s.Prune(ctx, envPath)
		if err != nil {
			return err
		}
		if removed == nil {
			removed = []string{}
		}
		printJSON(c.stdout, map[string]any{"environment": envPath, "removed": removed})
		return nil
	})
}

func (c *command) StateDir(f RecordFlags) error {
	envPath, err := absEnv(f.Env)
	if err != nil {
		return err
	}
	if f.ID == "" {
		return fmt.Errorf("--id is required")
	}
	cfg, err := activatr.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	_, _ = fmt.Fprintln(c.stdout, activatr.StateDir(cfg.RuntimeDir, envPath, f.ID))
	return nil
}

// Serve runs the inspection API until ctx is cancelled or a termination
// signal arrives.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return c.withSession(ctx, func(ctx context.Context, s *session) error {
		listen := f.Listen
		if listen == "" {
			listen = s.Config.Server.Listen
		}
		base := f.BasePath
		if base == "" {
			base = s.Config.Server.BasePath
		}
		srv, err := activatr.NewHTTPServer(listen, base, s.Runtime)
		if err != nil {
			return fmt.Errorf("listen %s: %w", listen, err)
		}
		s.Log.Info("serving activations", "listen", listen, "base_path", base)

		metricsListen := f.MetricsListen
		if metricsListen == "" {
			metricsListen = s.Config.Metrics.Listen
		}
		if metricsListen != "" {
			go func() {
				if err := activatr.ServeMetrics(metricsListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.Log.Error("metrics server", "listen", metricsListen, "err", err)
				}
			}()
		}

		<-ctx.Done()
		timeout := f.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.Log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
}
