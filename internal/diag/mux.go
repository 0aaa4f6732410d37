package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux returns the diagnostics HTTP handler (status, pool, cache, config
// API, prometheus metrics). The same handler serves tests and the live
// listener.
func NewMux(provider Provider) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", serveIndex)
	mux.HandleFunc("/api/status", handleAPIStatus(provider))
	mux.HandleFunc("/api/pool", handleAPIPool(provider))
	mux.HandleFunc("/api/cache", handleAPICache(provider))
	mux.HandleFunc("/api/statements", handleAPIStatements(provider))
	mux.HandleFunc("/api/fallbacks", handleAPIFallbacks(provider))
	mux.HandleFunc("/api/config", handleAPIConfigGet)
	mux.HandleFunc("/api/config/save", handleAPIConfigSave)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(
		"plex-postgresql shim diagnostics\n\n" +
			"  /api/status\n" +
			"  /api/pool\n" +
			"  /api/cache\n" +
			"  /api/statements\n" +
			"  /api/fallbacks\n" +
			"  /api/config\n" +
			"  /api/config/save (POST)\n" +
			"  /metrics\n"))
}
