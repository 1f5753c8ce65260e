package activatr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "activatr.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestOpenAndRun(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, fmt.Sprintf("runtime_dir = '%s'\n\n[history]\ndsn = 'sqlite://%s'\n",
		filepath.Join(dir, "run"), filepath.Join(dir, "history.db")))
	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)

	var stderr bytes.Buffer
	rt, err := Open(cfg, &stderr)
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()

	envPath := filepath.Join(dir, "env")
	ctx := WithActive(context.Background(), Active{})
	res, err := rt.Run(ctx, Request{PID: os.Getpid(), Environment: envPath, StorePath: "/nix/store/abc"})
	require.NoError(t, err)
	assert.False(t, res.Attached)
	assert.Equal(t, StateDir(cfg.RuntimeDir, envPath, res.ID), res.StateDir)
	assert.Equal(t, Active{envPath}, res.Active)

	acts, err := rt.List(ctx, envPath)
	require.NoError(t, err)
	require.Len(t, acts.Activations, 1)

	err = rt.SetReady(ctx, envPath, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close(), "second close is a no-op")
}

func TestOpenUnsupportedHistory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, fmt.Sprintf("runtime_dir = '%s'\n\n[history]\ndsn = 'ftp://example'\n", dir))
	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)

	var stderr bytes.Buffer
	rt, err := Open(cfg, &stderr)
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()
	assert.Contains(t, stderr.String(), "history disabled")
}

func TestOpenBadLogLevel(t *testing.T) {
	cfgPath := writeConfig(t, "[log]\nlevel = \"loud\"\n")
	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	_, err = Open(cfg, io.Discard)
	assert.Error(t, err)
}

func TestErrorHelpers(t *testing.T) {
	assert.False(t, IsRestartable(ErrNotFound))
	assert.False(t, IsTimeout(nil))
	assert.False(t, IsRegistry(ErrNotFound))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, p, New(t.TempDir(), Policy{}).Policy)
}

func TestRegisterMetrics(t *testing.T) {
	r := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(r))
	require.NoError(t, RegisterMetricsDefault())
	require.NoError(t, WriteMetricsTextfile(""))

	p := filepath.Join(t.TempDir(), "activatr.prom")
	require.NoError(t, WriteMetricsTextfile(p))
	_, err := os.Stat(p)
	require.NoError(t, err)
}

func TestNewHTTPServer(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, fmt.Sprintf("runtime_dir = '%s'\n", dir))
	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	rt, err := Open(cfg, io.Discard)
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()

	srv, err := NewHTTPServer("127.0.0.1:0", "/api", rt)
	require.NoError(t, err)
	require.NoError(t, srv.Close())
	assert.ErrorIs(t, srv.ListenAndServe(), http.ErrServerClosed)
}
