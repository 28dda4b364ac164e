package main

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/OrlandoBitencourt/flagkeeper"
	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
)

// visitorKey is the context key for the server-rendered home page.
const visitorKey = "web-visitor"

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><title>flagkeeper</title></head>
<body>
{{if .BannerOn}}<div class="banner">New experience enabled by {{.FlagKey}}</div>{{end}}
<h1>flagkeeper</h1>
<p>Flag <code>{{.FlagKey}}</code> is {{if .BannerOn}}on{{else}}off{{end}}.</p>
</body>
</html>
`))

type app struct {
	registry *flagkeeper.Registry
	flagKey  string
	logger   *slog.Logger
}

func newApp(registry *flagkeeper.Registry, flagKey string, logger *slog.Logger) http.Handler {
	a := &app{registry: registry, flagKey: flagKey, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.handleIndex)
	mux.HandleFunc("GET /api/flag/{flagKey}", a.handleFlag)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /status", a.handleStatus)

	return flagkeeper.Middleware(registry)(mux)
}

func (a *app) handleIndex(w http.ResponseWriter, r *http.Request) {
	bannerOn := a.registry.Bool(r.Context(), a.flagKey, flagkeeper.NewContext(visitorKey), false)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, struct {
		BannerOn bool
		FlagKey  string
	}{bannerOn, a.flagKey})
	if err != nil {
		a.logger.Error("failed to render index", flaglog.Err(err))
	}
}

func (a *app) handleFlag(w http.ResponseWriter, r *http.Request) {
	flagKey := r.PathValue("flagKey")

	evalCtx, ok := flagkeeper.ContextFromRequest(r.Context())
	if !ok {
		evalCtx = flagkeeper.ContextFromHTTP(r)
	}

	value := a.registry.Bool(r.Context(), flagKey, evalCtx, false)

	writeJSON(w, http.StatusOK, map[string]any{
		"flag":  flagKey,
		"user":  evalCtx.Key,
		"value": value,
	})
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := a.registry.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized": state == flagkeeper.StateReady || state == flagkeeper.StateDegraded,
		"status":      state.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
