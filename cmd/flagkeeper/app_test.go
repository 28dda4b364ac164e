package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OrlandoBitencourt/flagkeeper"
	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
)

func offlineRegistry(t *testing.T) *flagkeeper.Registry {
	t.Helper()
	registry := flagkeeper.NewRegistry(flagkeeper.WithRegistryLogger(flaglog.Discard()))
	_, err := registry.Initialize(flagkeeper.WithOffline(true))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Shutdown(context.Background()) })
	return registry
}

func TestApp_Health(t *testing.T) {
	h := newApp(offlineRegistry(t), "web-banner", flaglog.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestApp_Flag(t *testing.T) {
	h := newApp(offlineRegistry(t), "web-banner", flaglog.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/flag/new-checkout?user=alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "new-checkout", body["flag"])
	assert.Equal(t, "alice", body["user"])
	assert.Equal(t, false, body["value"])
}

func TestApp_FlagWithoutClient(t *testing.T) {
	registry := flagkeeper.NewRegistry(flagkeeper.WithRegistryLogger(flaglog.Discard()))
	h := newApp(registry, "web-banner", flaglog.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/flag/web-banner", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, flagkeeper.AnonymousKey, body["user"])
	assert.Equal(t, false, body["value"])
}

func TestApp_Index(t *testing.T) {
	h := newApp(offlineRegistry(t), "web-banner", flaglog.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<code>web-banner</code> is off")
	assert.NotContains(t, rec.Body.String(), `class="banner"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_Status(t *testing.T) {
	h := newApp(offlineRegistry(t), "web-banner", flaglog.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["initialized"])
	assert.Equal(t, "ready", body["status"])
}

func TestServeHTTP_StopsOnCancel(t *testing.T) {
	h := newApp(offlineRegistry(t), "web-banner", flaglog.Discard())
	srv := httptest.NewUnstartedServer(h)
	ln := srv.Listener

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveHTTP(ctx, ln, h, time.Second, flaglog.Discard()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serveHTTP did not return")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "flagkeeper dev")
	assert.Contains(t, out.String(), flagkeeper.Version)
}

func TestServeCommand_Flags(t *testing.T) {
	cmd := newRootCommand()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	workers, err := serve.Flags().GetInt("workers")
	require.NoError(t, err)
	assert.Equal(t, 2, workers)

	flagKey, err := serve.Flags().GetString("flag-key")
	require.NoError(t, err)
	assert.Equal(t, "web-banner", flagKey)
}
