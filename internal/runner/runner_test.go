package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/flavor"
	"github.com/hapi-sh/hapi/internal/rpc"
)

func TestLoadSettings_MintsMachineID(t *testing.T) {
	home := t.TempDir()

	settings, err := LoadSettings(home)
	require.NoError(t, err)
	assert.NotEmpty(t, settings.MachineID)

	// A second load sees the same identity.
	again, err := LoadSettings(home)
	require.NoError(t, err)
	assert.Equal(t, settings.MachineID, again.MachineID)

	info, err := os.Stat(filepath.Join(home, "settings.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSettings_RoundTrip(t *testing.T) {
	home := t.TempDir()

	settings, err := LoadSettings(home)
	require.NoError(t, err)
	settings.CLIAPIToken = "secret-token:team"
	settings.CORSOrigins = []string{"https://app.example"}
	require.NoError(t, SaveSettings(home, settings))

	loaded, err := LoadSettings(home)
	require.NoError(t, err)
	assert.Equal(t, "secret-token:team", loaded.CLIAPIToken)
	assert.Equal(t, []string{"https://app.example"}, loaded.CORSOrigins)
}

func TestAcquireState_RefusesSecondRunner(t *testing.T) {
	home := t.TempDir()

	first, err := AcquireState(home, State{PID: os.Getpid(), Version: "1.0.0"})
	require.NoError(t, err)
	defer first.Release()

	_, err = AcquireState(home, State{PID: 12345, Version: "1.0.0"})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "already running")

	prev, err := ReadState(home)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), prev.PID)
}

func TestStateFile_ReleaseAllowsNextRunner(t *testing.T) {
	home := t.TempDir()

	first, err := AcquireState(home, State{PID: os.Getpid(), Version: "1.0.0"})
	require.NoError(t, err)
	require.NoError(t, first.Release())

	_, err = ReadState(home)
	assert.Error(t, err, "state file should be gone after release")

	second, err := AcquireState(home, State{PID: os.Getpid(), Version: "1.0.1"})
	require.NoError(t, err)
	defer second.Release()

	prev, err := ReadState(home)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", prev.Version)
}

func TestStateFile_Update(t *testing.T) {
	home := t.TempDir()

	state, err := AcquireState(home, State{PID: os.Getpid(), Version: "1.0.0"})
	require.NoError(t, err)
	defer state.Release()

	require.NoError(t, state.Update(State{PID: os.Getpid(), Version: "1.0.0", ControlPort: 8181}))
	read, err := ReadState(home)
	require.NoError(t, err)
	assert.Equal(t, 8181, read.ControlPort)
}

func TestInstalledVersion(t *testing.T) {
	home := t.TempDir()

	version, err := installedVersion(home)
	require.NoError(t, err)
	assert.Empty(t, version, "missing package.json means nothing to compare")

	require.NoError(t, os.WriteFile(filepath.Join(home, "package.json"), []byte(`{"name":"hapi-runner","version":"2.3.4"}`), 0o644))
	version, err = installedVersion(home)
	require.NoError(t, err)
	assert.Equal(t, "2.3.4", version)
}

func TestHubClient_SocketURL(t *testing.T) {
	tests := []struct {
		apiURL string
		want   string
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/runner?machineId=m1"},
		{"https://hub.example/base/", "wss://hub.example/base/api/runner?machineId=m1"},
		{"ws://hub.example", "ws://hub.example/api/runner?machineId=m1"},
	}
	for _, tt := range tests {
		c := NewHubClient(tt.apiURL, "token", "m1", logger.Default())
		got, err := c.socketURL()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	c := NewHubClient("ftp://nope", "token", "m1", logger.Default())
	_, err := c.socketURL()
	assert.Error(t, err)
}

func TestHubClient_CallWithoutConnection(t *testing.T) {
	c := NewHubClient("http://localhost:8080", "token", "m1", logger.Default())
	_, err := c.Call(context.Background(), "machine-alive", map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func newTestControl(t *testing.T) *Control {
	t.Helper()
	log := logger.Default()
	hub := NewHubClient("http://localhost:8080", "token", "m1", log)
	manager := NewManager(hub, flavor.Builtin(), log)
	return NewControl(manager, log)
}

func TestControl_SpawnValidation(t *testing.T) {
	c := newTestControl(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	c.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "directory is required")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"directory":"/tmp","startedBy":"cron"}`))
	req.Header.Set("Content-Type", "application/json")
	c.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "startedBy must be runner or terminal")
}

func TestControl_ListEmpty(t *testing.T) {
	c := newTestControl(t)

	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestControl_StopUnknownSession(t *testing.T) {
	c := newTestControl(t)

	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/no-such/stop", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSpawnWithAbort_MissingBinary(t *testing.T) {
	err := SpawnWithAbort(context.Background(), LaunchSpec{
		Command:     "definitely-not-installed-agent",
		InstallHint: "install it with: npm install -g definitely-not-installed-agent",
	})
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Contains(t, launchErr.Reason, "not found")
	assert.Contains(t, launchErr.Reason, "npm install")
}

func TestAbortTurn_InterruptsAgent(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	tr := rpc.NewTransport(stdinW, stdoutR, nil, logger.Default())
	t.Cleanup(tr.Close)

	hub := NewHubClient("http://127.0.0.1:1", "token", "machine-1", logger.Default())
	m := NewManager(hub, flavor.Builtin(), logger.Default())

	session := &Session{ID: "s1", transport: tr}
	session.threadID = "thread-9"
	session.thinking = true

	requests := make(chan rpc.Request, 1)
	go func() {
		agent := bufio.NewScanner(stdinR)
		if !agent.Scan() {
			return
		}
		var req rpc.Request
		if err := json.Unmarshal(agent.Bytes(), &req); err != nil {
			return
		}
		requests <- req
		_, _ = fmt.Fprintf(stdoutW, `{"jsonrpc":"2.0","id":%v,"result":{}}`+"\n", req.ID)
	}()

	result, err := m.abortTurn(context.Background(), session)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"success"}`, string(result))

	req := <-requests
	assert.Equal(t, "turn/interrupt", req.Method)
	assert.JSONEq(t, `{"threadId":"thread-9"}`, string(req.Params))

	session.mu.Lock()
	thinking := session.thinking
	session.mu.Unlock()
	assert.False(t, thinking, "an aborted turn is no longer thinking")
}
