package flagr_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
	"github.com/OrlandoBitencourt/flagkeeper/internal/flagr"
	"github.com/OrlandoBitencourt/flagkeeper/internal/flagr/flagrtest"
)

func testConfig(endpoint string) flagr.Config {
	return flagr.Config{
		Endpoint:       endpoint,
		APIKey:         "sdk-test",
		Timeout:        2 * time.Second,
		ConnectTimeout: 200 * time.Millisecond,
		MaxRetries:     1,
	}
}

func TestHTTPClient_GetAllFlags(t *testing.T) {
	srv := flagrtest.NewServer()
	defer srv.Close()
	srv.RequireKey("sdk-test")

	srv.SetFlag(domain.Flag{
		ID:      1,
		Key:     "web-banner",
		Enabled: true,
		Variants: []domain.Variant{
			{ID: 1, Key: "on", Attachment: map[string]json.RawMessage{"value": json.RawMessage(`true`)}},
		},
		Segments: []domain.Segment{{
			ID:             1,
			RolloutPercent: 100,
			Constraints:    []domain.Constraint{{Property: "country", Operator: domain.OperatorIN, Value: []any{"br", "ar"}}},
			Distributions:  []domain.Distribution{{VariantID: 1, Percent: 100}},
		}},
	})

	client := flagr.NewHTTPClient(testConfig(srv.URL))

	flags, err := client.GetAllFlags(context.Background())
	require.NoError(t, err)
	require.Len(t, flags, 1)

	flag := flags[0]
	assert.Equal(t, "web-banner", flag.Key)
	assert.True(t, flag.Enabled)
	require.Len(t, flag.Segments, 1)
	assert.Equal(t, []any{"br", "ar"}, flag.Segments[0].Constraints[0].Value)
	assert.Equal(t, 1, srv.FlagRequests())
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	srv := flagrtest.NewServer()
	defer srv.Close()
	srv.RequireKey("other-key")

	client := flagr.NewHTTPClient(testConfig(srv.URL))

	_, err := client.GetAllFlags(context.Background())
	require.Error(t, err)
	assert.True(t, flagr.IsUnauthorized(err))
	assert.Equal(t, 1, srv.FlagRequests(), "4xx must not be retried")
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := flagr.NewHTTPClient(testConfig(srv.URL))

	flags, err := client.GetAllFlags(context.Background())
	require.NoError(t, err)
	assert.Empty(t, flags)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClient_MaxRetriesExceeded(t *testing.T) {
	srv := flagrtest.NewServer()
	defer srv.Close()
	srv.FailWith(http.StatusServiceUnavailable)

	client := flagr.NewHTTPClient(testConfig(srv.URL))

	_, err := client.GetAllFlags(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")

	var httpErr *flagr.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
}

func TestHTTPClient_HealthCheck(t *testing.T) {
	srv := flagrtest.NewServer()
	defer srv.Close()

	client := flagr.NewHTTPClient(testConfig(srv.URL))
	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestHTTPClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxRetries = 0
	client := flagr.NewHTTPClient(cfg)

	_, err := client.GetAllFlags(context.Background())
	assert.Error(t, err)
}

func TestHTTPClient_ResetKeepsWorking(t *testing.T) {
	srv := flagrtest.NewServer()
	defer srv.Close()

	client := flagr.NewHTTPClient(testConfig(srv.URL))

	_, err := client.GetAllFlags(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Reset())
	require.NoError(t, client.Reset())

	_, err = client.GetAllFlags(context.Background())
	require.NoError(t, err)
	assert.NoError(t, client.Close())
}

func TestHTTPClient_CanceledContextStopsRetrying(t *testing.T) {
	srv := flagrtest.NewServer()
	defer srv.Close()
	srv.FailWith(http.StatusInternalServerError)

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 5
	client := flagr.NewHTTPClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.GetAllFlags(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
