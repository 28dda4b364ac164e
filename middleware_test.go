package flagkeeper

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFromHTTP(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		want   string
	}{
		{name: "query parameter", target: "/page?user=alice", want: "alice"},
		{name: "header", target: "/page", setup: func(r *http.Request) { r.Header.Set("X-User-ID", "bob") }, want: "bob"},
		{name: "cookie", target: "/page", setup: func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "user_id", Value: "carol"})
		}, want: "carol"},
		{name: "query wins over header", target: "/page?user=alice", setup: func(r *http.Request) { r.Header.Set("X-User-ID", "bob") }, want: "alice"},
		{name: "anonymous", target: "/page", want: AnonymousKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.setup != nil {
				tt.setup(req)
			}

			evalCtx := ContextFromHTTP(req)
			assert.Equal(t, tt.want, evalCtx.Key)

			path, ok := evalCtx.Value("path")
			require.True(t, ok)
			assert.Equal(t, "/page", path)
		})
	}
}

func TestContextFromHTTP_PrivateAttributes(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/checkout?user=alice", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("User-Agent", "test-agent")

	evalCtx := ContextFromHTTP(req)

	ip, ok := evalCtx.Value("ip")
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", ip)

	redacted := evalCtx.Redacted(nil, false)
	assert.Equal(t, "POST", redacted["method"])
	assert.NotContains(t, redacted, "ip")
	assert.NotContains(t, redacted, "user_agent")
}

func TestMiddleware(t *testing.T) {
	registry := NewRegistry()

	var (
		gotCtx      Context
		gotRegistry *Registry
	)
	handler := Middleware(registry)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		gotCtx, ok = ContextFromRequest(r.Context())
		require.True(t, ok)
		gotRegistry, ok = RegistryFromContext(r.Context())
		require.True(t, ok)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?user=dave", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "dave", gotCtx.Key)
	assert.Same(t, registry, gotRegistry)
}

func TestContextFromRequest_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := ContextFromRequest(req.Context())
	assert.False(t, ok)

	_, ok = RegistryFromContext(req.Context())
	assert.False(t, ok)
}
