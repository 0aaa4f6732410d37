package diag

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jabrown93/plex-postgresql-sub002/internal/config"
)

// ConfigResponse is the config returned by GET /api/config (masked password
// plus the path a save would write to).
type ConfigResponse struct {
	ConfigPath string         `json:"config_path"`
	Config     *config.Config `json:"config"`
}

func handleAPIStatus(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		st := provider.Status()
		st.InstanceID = InstanceID()
		st.PID = os.Getpid()
		if !st.StartedAt.IsZero() {
			st.Uptime = humanize.Time(st.StartedAt)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}

func handleAPIPool(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(provider.PoolStats())
	}
}

func handleAPICache(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(provider.CacheStats())
	}
}

func handleAPIStatements(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(provider.StatementStats())
	}
}

func handleAPIFallbacks(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		records := provider.Fallbacks()
		if records == nil {
			records = []FallbackRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	}
}

func handleAPIConfigGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg, ok := config.GetCfgIfSet()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "config not initialized"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ConfigResponse{
		ConfigPath: config.EffectiveConfigPath(),
		Config:     config.ConfigForAPI(cfg),
	})
}

func handleAPIConfigSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Config     *config.Config `json:"config"`
		ConfigPath string         `json:"config_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Config == nil {
		http.Error(w, "config required", http.StatusBadRequest)
		return
	}
	path := strings.TrimSpace(payload.ConfigPath)
	if path == "" {
		path = config.EffectiveConfigPath()
	}
	config.SetConfigPath(path)
	if err := config.UpdateAndSave(payload.Config); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
