package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/activatr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadPID is above the largest pid_max Linux allows.
const deadPID = 4194304 + 1000

type cliEnv struct {
	dir        string
	cfgPath    string
	runtimeDir string
	envPath    string
	textfile   string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv(activatr.ActiveEnvironVar, "")
	dir := t.TempDir()
	e := &cliEnv{
		dir:        dir,
		cfgPath:    filepath.Join(dir, "activatr.toml"),
		runtimeDir: filepath.Join(dir, "run"),
		envPath:    filepath.Join(dir, "myenv"),
		textfile:   filepath.Join(dir, "activatr.prom"),
	}
	cfg := fmt.Sprintf(`runtime_dir = '%s'

[attach]
timeout = "2s"
poll_interval = "10ms"

[log]
level = "debug"

[history]
dsn = 'sqlite://%s'

[metrics]
textfile = '%s'
`, e.runtimeDir, filepath.Join(dir, "history.db"), e.textfile)
	require.NoError(t, os.WriteFile(e.cfgPath, []byte(cfg), 0o600))
	return e
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := buildRoot(&stdout, &stderr)
	root.SetArgs(append([]string{"--config", e.cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func (e *cliEnv) startOrAttach(t *testing.T, pid int, store string) map[string]string {
	t.Helper()
	out, stderr, err := e.run(t, "start-or-attach", "--pid", fmt.Sprint(pid), "--env", e.envPath, "--store-path", store)
	require.NoError(t, err, stderr)
	return parseAssignments(t, out)
}

// parseAssignments reads KEY=value lines, removing single-quote shell quoting.
func parseAssignments(t *testing.T, out string) map[string]string {
	t.Helper()
	vars := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, "=")
		require.True(t, ok, "malformed line %q", line)
		if strings.HasPrefix(v, "'") && strings.HasSuffix(v, "'") {
			v = strings.ReplaceAll(v[1:len(v)-1], `'\''`, "'")
		}
		vars[k] = v
	}
	return vars
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(&out, &out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "activatr")
	for _, sub := range []string{"start-or-attach", "set-ready", "attach", "detach", "list", "prune", "state-dir", "serve"} {
		assert.Contains(t, out.String(), sub)
	}
}

func TestStartThenAttach(t *testing.T) {
	e := newCLIEnv(t)
	store := "/nix/store/abc-env"

	first := e.startOrAttach(t, os.Getpid(), store)
	assert.Equal(t, "false", first["ATTACHED"])
	id := first["ACTIVATION_ID"]
	require.NotEmpty(t, id)
	assert.Equal(t, activatr.StateDir(e.runtimeDir, e.envPath, id), first["ACTIVATION_STATE_DIR"])

	_, stderr, err := e.run(t, "set-ready", "--env", e.envPath, "--id", id)
	require.NoError(t, err, stderr)

	second := e.startOrAttach(t, os.Getppid(), store)
	assert.Equal(t, "true", second["ATTACHED"])
	assert.Equal(t, id, second["ACTIVATION_ID"])
	assert.Equal(t, first["ACTIVATION_STATE_DIR"], second["ACTIVATION_STATE_DIR"])

	out, _, err := e.run(t, "list", "--env", e.envPath)
	require.NoError(t, err)
	var listed struct {
		Environment string `json:"environment"`
		Active      bool   `json:"active"`
		Activations []struct {
			ID           string `json:"id"`
			Ready        bool   `json:"ready"`
			AttachedPIDs []struct {
				PID int `json:"pid"`
			} `json:"attached_pids"`
		} `json:"activations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed), out)
	assert.Equal(t, e.envPath, listed.Environment)
	assert.False(t, listed.Active)
	require.Len(t, listed.Activations, 1)
	assert.True(t, listed.Activations[0].Ready)
	require.Len(t, listed.Activations[0].AttachedPIDs, 1)
	assert.Equal(t, os.Getppid(), listed.Activations[0].AttachedPIDs[0].PID)
}

func TestMetricsTextfileWritten(t *testing.T) {
	e := newCLIEnv(t)
	e.startOrAttach(t, os.Getpid(), "/nix/store/abc-env")
	b, err := os.ReadFile(e.textfile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "activatr_activation_starts_total")
}

func TestActiveEnvironments(t *testing.T) {
	e := newCLIEnv(t)
	other := filepath.Join(e.dir, "other")
	t.Setenv(activatr.ActiveEnvironVar, fmt.Sprintf("[%q]", other))

	vars := e.startOrAttach(t, os.Getpid(), "/nix/store/abc-env")
	var active []string
	require.NoError(t, json.Unmarshal([]byte(vars["ACTIVE_ENVIRONMENTS"]), &active))
	assert.Equal(t, []string{e.envPath, other}, active)

	t.Setenv(activatr.ActiveEnvironVar, vars["ACTIVE_ENVIRONMENTS"])
	out, _, err := e.run(t, "list", "--env", e.envPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"active": true`)
}

func TestMalformedActiveEnvironmentsIgnored(t *testing.T) {
	e := newCLIEnv(t)
	t.Setenv(activatr.ActiveEnvironVar, "not json")

	out, stderr, err := e.run(t, "start-or-attach", "--pid", fmt.Sprint(os.Getpid()), "--env", e.envPath, "--store-path", "/nix/store/x")
	require.NoError(t, err)
	assert.Contains(t, stderr, "ignoring malformed active environments")
	vars := parseAssignments(t, out)
	var active []string
	require.NoError(t, json.Unmarshal([]byte(vars["ACTIVE_ENVIRONMENTS"]), &active))
	assert.Equal(t, []string{e.envPath}, active)
}

func TestAttachDetachByID(t *testing.T) {
	e := newCLIEnv(t)
	id := e.startOrAttach(t, os.Getpid(), "/nix/store/abc-env")["ACTIVATION_ID"]

	_, _, err := e.run(t, "attach", "--env", e.envPath, "--id", id, "--pid", "4242")
	require.NoError(t, err)
	out, _, err := e.run(t, "list", "--env", e.envPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"pid": 4242`)

	_, _, err = e.run(t, "detach", "--env", e.envPath, "--id", id, "--pid", "4242")
	require.NoError(t, err)
	out, _, err = e.run(t, "list", "--env", e.envPath)
	require.NoError(t, err)
	assert.NotContains(t, out, `"pid": 4242`)
}

func TestPrune(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on Linux pid_max")
	}
	e := newCLIEnv(t)
	dead := e.startOrAttach(t, deadPID, "/nix/store/dead")["ACTIVATION_ID"]
	alive := e.startOrAttach(t, os.Getpid(), "/nix/store/alive")["ACTIVATION_ID"]

	out, _, err := e.run(t, "prune", "--env", e.envPath)
	require.NoError(t, err)
	var res struct {
		Removed []string `json:"removed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, []string{dead}, res.Removed)

	out, _, err = e.run(t, "list", "--env", e.envPath)
	require.NoError(t, err)
	assert.Contains(t, out, alive)
	assert.NotContains(t, out, dead)
}

func TestStateDir(t *testing.T) {
	e := newCLIEnv(t)
	out, _, err := e.run(t, "state-dir", "--env", e.envPath, "--id", "abc")
	require.NoError(t, err)
	assert.Equal(t, activatr.StateDir(e.runtimeDir, e.envPath, "abc"), strings.TrimSpace(out))
}

func TestCommandErrors(t *testing.T) {
	e := newCLIEnv(t)
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing env", []string{"start-or-attach", "--store-path", "/nix/store/x"}, "--env is required"},
		{"missing store path", []string{"start-or-attach", "--env", e.envPath}, "--store-path is required"},
		{"missing id", []string{"set-ready", "--env", e.envPath}, "--id is required"},
		{"unknown id", []string{"set-ready", "--env", e.envPath, "--id", "nope"}, "activation not found"},
		{"invalid pid", []string{"start-or-attach", "--pid", "0", "--env", e.envPath, "--store-path", "/nix/store/x"}, "pid"},
		{"extra args", []string{"list", "--env", e.envPath, "extra"}, "unknown command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := e.run(t, tc.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestBadConfig(t *testing.T) {
	e := newCLIEnv(t)
	require.NoError(t, os.WriteFile(e.cfgPath, []byte("[attach]\nmax_attempts = -1\n"), 0o600))
	_, _, err := e.run(t, "list", "--env", e.envPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}

func TestServeStopsOnCancel(t *testing.T) {
	e := newCLIEnv(t)
	var stdout, stderr bytes.Buffer
	root := buildRoot(&stdout, &stderr)
	root.SetArgs([]string{"--config", e.cfgPath, "serve", "--listen", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, stderr.String())
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	assert.Contains(t, stderr.String(), "serving activations")
}

func TestServeBindError(t *testing.T) {
	e := newCLIEnv(t)
	_, _, err := e.run(t, "serve", "--listen", "256.0.0.1:80")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestListViaAPI(t *testing.T) {
	e := newCLIEnv(t)
	id := e.startOrAttach(t, os.Getpid(), "/nix/store/abc-env")["ACTIVATION_ID"]

	cfg, err := activatr.LoadConfig(e.cfgPath)
	require.NoError(t, err)
	rt, err := activatr.Open(cfg, io.Discard)
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()
	srv, err := activatr.NewHTTPServer("127.0.0.1:0", "/api", rt)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	out, stderr, err := e.run(t, "list", "--env", e.envPath, "--api-url", "http://"+srv.Addr+"/api")
	require.NoError(t, err, stderr)
	var listed struct {
		Environment string `json:"environment"`
		Active      bool   `json:"active"`
		Activations []struct {
			ID           string `json:"id"`
			StarterAlive *bool  `json:"starter_alive"`
		} `json:"activations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed), out)
	assert.Equal(t, e.envPath, listed.Environment)
	require.Len(t, listed.Activations, 1)
	assert.Equal(t, id, listed.Activations[0].ID)
	require.NotNil(t, listed.Activations[0].StarterAlive)
	assert.True(t, *listed.Activations[0].StarterAlive)

	_, _, err = e.run(t, "list", "--env", e.envPath, "--api-url", "http://127.0.0.1:1/api", "--api-timeout", "200ms")
	assert.Error(t, err)
}
