package flagkeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
	"github.com/OrlandoBitencourt/flagkeeper/internal/flagr/flagrtest"
)

// syncBuffer is a log sink safe for background goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func valueFlag(key string, value any) domain.Flag {
	return domain.Flag{
		ID:      1,
		Key:     key,
		Enabled: true,
		Variants: []domain.Variant{
			{ID: 1, Key: "on", Attachment: map[string]json.RawMessage{"value": raw(value)}},
		},
		Segments: []domain.Segment{{
			ID:             1,
			RolloutPercent: 100,
			Distributions:  []domain.Distribution{{VariantID: 1, Percent: 100}},
		}},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	r := NewRegistry(WithRegistryLogger(slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r, logs
}

func newFlagService(t *testing.T) *flagrtest.Server {
	t.Helper()
	srv := flagrtest.NewServer()
	srv.RequireKey("sdk-test-1234")
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(baseURI string) []Option {
	return []Option{
		WithSDKKey("sdk-test-1234"),
		WithBaseURI(baseURI),
		WithPollInterval(50 * time.Millisecond),
		WithEvents(EventsConfig{Enabled: true, Capacity: 100, FlushInterval: time.Hour}),
		WithRearmRetry(3, 5*time.Millisecond, 20*time.Millisecond),
	}
}

func waitReady(t *testing.T, r *Registry) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == StateReady }, 3*time.Second, 10*time.Millisecond,
		"state is %s", r.State())
}

func TestRegistry_GetBeforeInitialize(t *testing.T) {
	r, _ := newTestRegistry(t)

	client, err := r.Get()
	assert.Nil(t, client)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.True(t, IsNotInitialized(err))
	assert.Equal(t, StateUninitialized, r.State())
}

func TestRegistry_InitializeConfigurationError(t *testing.T) {
	r, _ := newTestRegistry(t)

	client, err := r.Initialize(WithBaseURI("http://localhost:18000"))
	assert.Nil(t, client)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))

	_, err = r.Get()
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = r.Initialize(WithSDKKey("sdk"), WithBaseURI("not a uri"))
	assert.True(t, IsConfigurationError(err))
}

func TestRegistry_InitializeDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(block) })

	r, _ := newTestRegistry(t)

	start := time.Now()
	client, err := r.Initialize(testOptions(slow.URL)...)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Less(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, StateInitializing, client.State())

	assert.False(t, r.Bool(context.Background(), "sample-flag", NewContext("alice"), false))
	detail := r.EvaluateDetail(context.Background(), "sample-flag", NewContext("alice"), false)
	assert.Equal(t, ErrorClientNotReady, detail.Reason.ErrorKind)
}

func TestRegistry_ConcurrentInitialize(t *testing.T) {
	srv := newFlagService(t)
	r, _ := newTestRegistry(t)

	const callers = 32
	clients := make([]*Client, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Initialize(testOptions(srv.URL)...)
			assert.NoError(t, err)
			clients[i] = c
		}()
	}
	wg.Wait()

	first, err := r.Get()
	require.NoError(t, err)
	for _, c := range clients {
		assert.Same(t, first, c)
	}
}

func TestRegistry_SecondInitializeIgnored(t *testing.T) {
	srv := newFlagService(t)
	r, logs := newTestRegistry(t)

	first, err := r.Initialize(testOptions(srv.URL)...)
	require.NoError(t, err)

	second, err := r.Initialize(append(testOptions(srv.URL), WithPollInterval(time.Minute))...)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 50*time.Millisecond, second.Config().PollInterval)
	assert.Contains(t, logs.String(), "ignoring new configuration")
}

func TestRegistry_InitializeAfterShutdownReturnsClosedClient(t *testing.T) {
	srv := newFlagService(t)
	r, _ := newTestRegistry(t)

	first, err := r.Initialize(testOptions(srv.URL)...)
	require.NoError(t, err)
	r.Shutdown(context.Background())

	second, err := r.Initialize(testOptions(srv.URL)...)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, StateClosed, second.State())
}

func TestRegistry_EndToEnd(t *testing.T) {
	srv := newFlagService(t)
	srv.SetFlag(valueFlag("sample-flag", true))

	r, _ := newTestRegistry(t)
	_, err := r.Initialize(append(testOptions(srv.URL), WithPrivateAttributes("email"))...)
	require.NoError(t, err)
	waitReady(t, r)

	alice := NewContext("alice").With("email", "alice@example.com").With("plan", "pro")
	ctx := context.Background()

	assert.True(t, r.Bool(ctx, "sample-flag", alice, false))
	assert.False(t, r.Bool(ctx, "missing-flag", alice, false))

	r.Shutdown(ctx)

	client, err := r.Get()
	require.NoError(t, err)
	assert.Equal(t, StateClosed, client.State())
	assert.False(t, r.Bool(ctx, "sample-flag", alice, false))

	received := srv.Events()
	require.Len(t, received, 2)
	assert.Equal(t, "sample-flag", received[0]["key"])
	assert.Equal(t, true, received[0]["value"])

	evalCtx := received[0]["context"].(map[string]any)
	assert.Equal(t, "alice", evalCtx["key"])
	assert.Equal(t, "pro", evalCtx["plan"])
	assert.NotContains(t, evalCtx, "email")
	assert.NotEmpty(t, srv.PayloadIDs()[0])
}

func TestRegistry_UnencodableAttributeKeepsOtherEvents(t *testing.T) {
	srv := newFlagService(t)
	srv.SetFlag(valueFlag("sample-flag", true))

	r, _ := newTestRegistry(t)
	_, err := r.Initialize(testOptions(srv.URL)...)
	require.NoError(t, err)
	waitReady(t, r)

	ctx := context.Background()
	r.Bool(ctx, "sample-flag", NewContext("bob"), false)
	r.Bool(ctx, "sample-flag", NewContext("carol"), false)
	r.Bool(ctx, "sample-flag", NewContext("alice").With("score", math.NaN()), false)

	r.Shutdown(ctx)

	received := srv.Events()
	require.Len(t, received, 3)
	alice := received[2]["context"].(map[string]any)
	assert.Equal(t, "alice", alice["key"])
	assert.NotContains(t, alice, "score")
}

func TestRegistry_TypedVariations(t *testing.T) {
	srv := newFlagService(t)
	srv.SetFlag(valueFlag("banner-text", "hello"))
	srv.SetFlag(valueFlag("max-items", 25))
	srv.SetFlag(valueFlag("ratio", 0.25))

	r, _ := newTestRegistry(t)
	_, err := r.Initialize(testOptions(srv.URL)...)
	require.NoError(t, err)
	waitReady(t, r)

	ctx := context.Background()
	bob := NewContext("bob")

	assert.Equal(t, "hello", r.String(ctx, "banner-text", bob, "default"))
	assert.Equal(t, 25, r.Int(ctx, "max-items", bob, 10))
	assert.Equal(t, 0.25, r.Float64(ctx, "ratio", bob, 1.0))

	// Type mismatch returns the fallback.
	assert.Equal(t, 10, r.Int(ctx, "banner-text", bob, 10))
	detail := r.EvaluateDetail(ctx, "banner-text", bob, 10)
	assert.Equal(t, ErrorWrongType, detail.Reason.ErrorKind)
}

func TestRegistry_EvaluateWithoutClient(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.True(t, r.Bool(ctx, "any", NewContext("alice"), true))
	assert.Equal(t, "x", r.String(ctx, "any", NewContext("alice"), "x"))
	assert.Equal(t, 3, r.Evaluate(ctx, "any", NewContext("alice"), 3))

	detail := r.EvaluateDetail(ctx, "any", NewContext("alice"), false)
	assert.Equal(t, ReasonError, detail.Reason.Kind)
	assert.Equal(t, ErrorClientNotReady, detail.Reason.ErrorKind)
}

func TestRegistry_DegradedServesCache(t *testing.T) {
	srv := newFlagService(t)
	srv.SetFlag(valueFlag("sample-flag", true))

	r, _ := newTestRegistry(t)
	_, err := r.Initialize(testOptions(srv.URL)...)
	require.NoError(t, err)
	waitReady(t, r)

	srv.FailWith(http.StatusInternalServerError)
	require.Eventually(t, func() bool { return r.State() == StateDegraded }, 5*time.Second, 10*time.Millisecond)

	assert.True(t, r.Bool(context.Background(), "sample-flag", NewContext("alice"), false))
}

func TestRegistry_RearmBeforeInitialize(t *testing.T) {
	r, logs := newTestRegistry(t)

	assert.NotPanics(t, func() { r.Rearm(CurrentWorker("1")) })
	assert.Contains(t, logs.String(), "rearm called before initialize")
	assert.Equal(t, StateUninitialized, r.State())
}

func TestRegistry_RearmIsIdempotent(t *testing.T) {
	srv := newFlagService(t)
	srv.SetFlag(valueFlag("sample-flag", true))

	r, logs := newTestRegistry(t)
	client, err := r.Initialize(testOptions(srv.URL)...)
	require.NoError(t, err)
	waitReady(t, r)

	steady := client.Workers()
	require.Equal(t, 2, steady)

	for range 3 {
		r.Rearm(CurrentWorker("7"))
	}

	assert.Equal(t, steady, client.Workers())
	assert.Equal(t, uint64(3), client.Metrics().Rearms)
	assert.Contains(t, logs.String(), `"worker_id":"7"`)
	assert.Contains(t, logs.String(), "client rearmed")

	waitReady(t, r)
	assert.True(t, r.Bool(context.Background(), "sample-flag", NewContext("alice"), false))
}

func TestRegistry_RearmRacingInitialize(t *testing.T) {
	srv := newFlagService(t)
	srv.SetFlag(valueFlag("sample-flag", true))

	for range 20 {
		r, _ := newTestRegistry(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Initialize(testOptions(srv.URL)...)
		}()
		go func() {
			defer wg.Done()
			r.Rearm(CurrentWorker("3"))
		}()
		wg.Wait()

		client, err := r.Get()
		require.NoError(t, err)
		assert.Equal(t, 2, client.Workers())
		assert.NotEqual(t, StateUninitialized, client.State())
		r.Shutdown(context.Background())
	}
}

func TestRegistry_InitializeLogsOnceAtInfo(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(block) })

	logs := &syncBuffer{}
	r := NewRegistry(WithRegistryLogger(slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelInfo}))))
	t.Cleanup(func() { r.Shutdown(context.Background()) })

	_, err := r.Initialize(testOptions(slow.URL)...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "flag client initialized")
	assert.NotContains(t, logs.String(), "client state changed")
}

func TestRegistry_RearmAfterShutdown(t *testing.T) {
	srv := newFlagService(t)
	r, logs := newTestRegistry(t)

	client, err := r.Initialize(testOptions(srv.URL)...)
	require.NoError(t, err)
	r.Shutdown(context.Background())

	r.Rearm(CurrentWorker("2"))
	assert.Contains(t, logs.String(), "rearm ignored, client is closed")
	assert.Equal(t, 0, client.Workers())
	assert.Equal(t, StateClosed, client.State())
}

func TestRegistry_ShutdownIsSafe(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.NotPanics(t, func() { r.Shutdown(context.Background()) })

	srv := newFlagService(t)
	_, err := r.Initialize(testOptions(srv.URL)...)
	require.NoError(t, err)

	r.Shutdown(context.Background())
	r.Shutdown(context.Background())
	assert.Equal(t, StateClosed, r.State())
}

func TestRegistry_ShutdownIsBounded(t *testing.T) {
	srv := newFlagService(t)
	srv.SetFlag(valueFlag("sample-flag", true))

	block := make(chan struct{})
	events := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(events.Close)
	t.Cleanup(func() { close(block) })

	r, logs := newTestRegistry(t)
	opts := append(testOptions(srv.URL),
		WithEventsURI(events.URL),
		WithTimeouts(TimeoutsConfig{
			Connect:    100 * time.Millisecond,
			Request:    5 * time.Second,
			Initialize: time.Second,
			Shutdown:   100 * time.Millisecond,
		}),
	)
	_, err := r.Initialize(opts...)
	require.NoError(t, err)
	waitReady(t, r)

	r.Bool(context.Background(), "sample-flag", NewContext("alice"), false)

	start := time.Now()
	r.Shutdown(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateClosed, r.State())
	assert.Contains(t, logs.String(), "shutdown completed with errors")
}

func TestRegistry_Offline(t *testing.T) {
	r, _ := newTestRegistry(t)

	client, err := r.Initialize(WithOffline(true))
	require.NoError(t, err)
	assert.Equal(t, StateReady, client.State())
	assert.False(t, r.Bool(context.Background(), "sample-flag", NewContext("alice"), false))
}

func TestRegistry_SnapshotSharedAcrossRegistries(t *testing.T) {
	srv := newFlagService(t)
	srv.SetFlag(valueFlag("sample-flag", true))
	dir := t.TempDir()

	parent, _ := newTestRegistry(t)
	_, err := parent.Initialize(append(testOptions(srv.URL), WithSnapshotDir(dir))...)
	require.NoError(t, err)
	waitReady(t, parent)
	parent.Shutdown(context.Background())

	// A worker that cannot reach the service still starts warm.
	worker, _ := newTestRegistry(t)
	_, err = worker.Initialize(WithOffline(true), WithSnapshotDir(dir))
	require.NoError(t, err)

	assert.True(t, worker.Bool(context.Background(), "sample-flag", NewContext("alice"), false))
}
