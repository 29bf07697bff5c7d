package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/bus"
	"github.com/BaSui01/agentgrid/config"
	"github.com/BaSui01/agentgrid/orchestrator"
	"github.com/BaSui01/agentgrid/workflow"
)

const testTimeout = 10 * time.Second

const notifyYAML = `
name: notify
steps:
  - id: stamp
    agent_id: echo
    input:
      greeting: hello
  - id: announce
    agent_id: publish
    input:
      topic: notify.sent
      payload:
        text: hi
edges:
  - from: stamp
    to: announce
`

const approvalYAML = `
name: approval
steps:
  - id: wait
    agent_id: await
    timeout: 5s
    input:
      topic: approval.*
      key: decision
`

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Engine.JanitorInterval = time.Hour
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func call(t *testing.T, base, method, path, body, apiKey string) (int, string) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, base+path, rdr)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func createRun(t *testing.T, base, workflowName, apiKey string) string {
	t.Helper()
	status, body := call(t, base, http.MethodPost, "/api/v1/runs", `{"workflow":"`+workflowName+`"}`, apiKey)
	require.Equal(t, http.StatusCreated, status, body)
	var resp struct {
		Data struct {
			RunID string `json:"run_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.NotEmpty(t, resp.Data.RunID)
	return resp.Data.RunID
}

func waitRun(t *testing.T, srv *Server, runID string) *orchestrator.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	run, err := srv.engine.Wait(ctx, runID)
	require.NoError(t, err)
	return run
}

func TestServer_BuiltinAgentsOverHTTP(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKeys = []string{"k"}
	srv := newTestServer(t, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	status, _ := call(t, ts.URL, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = call(t, ts.URL, http.MethodGet, "/api/v1/workflows", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := call(t, ts.URL, http.MethodPost, "/api/v1/workflows", notifyYAML, "k")
	require.Equal(t, http.StatusCreated, status, body)

	_, err := srv.bus.Subscribe("observer", "notify.*")
	require.NoError(t, err)

	runID := createRun(t, ts.URL, "notify", "k")
	run := waitRun(t, srv, runID)
	require.Equal(t, orchestrator.RunCompleted, run.Status)

	v, _, err := srv.store.Get(context.Background(), "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	_, _, err = srv.store.Get(context.Background(), "announce.event_id")
	assert.NoError(t, err)

	events := srv.bus.Drain("observer", 0)
	require.Len(t, events, 1)
	assert.Equal(t, "notify.sent", events[0].Topic)
	assert.Equal(t, agentPublish, events[0].PublisherID)
	assert.Equal(t, "hi", events[0].Payload["text"])
	assert.Equal(t, runID, events[0].Payload["run_id"])

	status, body = call(t, ts.URL, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `agentgrid_http_requests_total{method="POST",path="/api/v1/runs",status="2xx"} 1`)
	assert.Contains(t, body, "agentgrid_")
}

func TestServer_AwaitAgent(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	status, body := call(t, ts.URL, http.MethodPost, "/api/v1/workflows", approvalYAML, "")
	require.Equal(t, http.StatusCreated, status, body)
	runID := createRun(t, ts.URL, "approval", "")

	require.Eventually(t, func() bool {
		return slices.ContainsFunc(srv.bus.Subscriptions(""), func(s bus.Subscription) bool {
			return strings.HasPrefix(s.SubscriberID, agentAwait+"/"+runID)
		})
	}, testTimeout, 10*time.Millisecond)

	status, body = call(t, ts.URL, http.MethodPost, "/api/v1/events",
		`{"topic":"approval.granted","publisher_id":"reviewer","payload":{"by":"alice"}}`, "")
	require.Equal(t, http.StatusCreated, status, body)

	run := waitRun(t, srv, runID)
	require.Equal(t, orchestrator.RunCompleted, run.Status)
	v, _, err := srv.store.Get(context.Background(), "decision")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"by": "alice"}, v)

	// The per-step client unsubscribes when the step returns.
	assert.False(t, slices.ContainsFunc(srv.bus.Subscriptions(""), func(s bus.Subscription) bool {
		return strings.HasPrefix(s.SubscriberID, agentAwait+"/")
	}))
}

func TestServer_DefinitionsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notify.yaml"), []byte(notifyYAML), 0o644))

	cfg := testConfig()
	cfg.Engine.DefinitionsDir = dir
	cfg.Engine.WatchDefinitions = true
	srv := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, srv.Start(ctx))
	assert.Equal(t, []string{"notify"}, srv.engine.Definitions())

	_, port, err := net.SplitHostPort(srv.apiServer.Addr())
	require.NoError(t, err)
	status, _ := call(t, "http://127.0.0.1:"+port, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "approval.yml"), []byte(approvalYAML), 0o644))
	require.Eventually(t, func() bool {
		return slices.Contains(srv.engine.Definitions(), "approval")
	}, testTimeout, 50*time.Millisecond)
}

func TestServer_MissingDefinitionsDir(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.DefinitionsDir = filepath.Join(t.TempDir(), "absent")
	srv := newTestServer(t, cfg)
	assert.Error(t, srv.Start(context.Background()))
}

func TestDefaultRetry(t *testing.T) {
	p := defaultRetry(config.RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     3,
		Jitter:         0.1,
	})
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, workflow.Duration(100*time.Millisecond), p.Backoff.Initial)
	assert.Equal(t, workflow.Duration(2*time.Second), p.Backoff.Max)
	assert.Equal(t, 3.0, p.Backoff.Multiplier)
	assert.Equal(t, 0.1, p.Backoff.JitterFactor())

	zero := defaultRetry(config.RetryConfig{})
	assert.Equal(t, workflow.DefaultRetryPolicy().MaxAttempts, zero.MaxAttempts)
	assert.Equal(t, workflow.DefaultRetryPolicy().Backoff.Initial, zero.Backoff.Initial)
}

func TestRunValidate(t *testing.T) {
	good := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(good, "notify.yaml"), []byte(notifyYAML), 0o644))
	assert.Equal(t, 0, runValidate([]string{good}))

	bad := t.TempDir()
	cyclic := `
name: loop
steps:
  - {id: a, agent_id: echo}
  - {id: b, agent_id: echo}
edges:
  - {from: a, to: b}
  - {from: b, to: a}
`
	require.NoError(t, os.WriteFile(filepath.Join(bad, "loop.yaml"), []byte(cyclic), 0o644))
	assert.Equal(t, 1, runValidate([]string{bad}))
	assert.Equal(t, 1, runValidate([]string{filepath.Join(bad, "missing.yaml")}))
}
