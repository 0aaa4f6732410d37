package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jabrown93/plex-postgresql-sub002/internal/pool"
	"github.com/jabrown93/plex-postgresql-sub002/internal/resultcache"
)

type mockProvider struct {
	status    Status
	pool      pool.Stats
	cache     resultcache.Stats
	stmts     StatementStats
	fallbacks []FallbackRecord
}

func (m *mockProvider) Status() Status                 { return m.status }
func (m *mockProvider) PoolStats() pool.Stats          { return m.pool }
func (m *mockProvider) CacheStats() resultcache.Stats  { return m.cache }
func (m *mockProvider) StatementStats() StatementStats { return m.stmts }
func (m *mockProvider) Fallbacks() []FallbackRecord    { return m.fallbacks }

func TestHandleAPIStatus(t *testing.T) {
	provider := &mockProvider{status: Status{
		Ready:        true,
		StartedAt:    time.Now().Add(-time.Hour),
		LastQuery:    "SELECT 1",
		Translations: 7,
		Fallbacks:    2,
	}}
	mux := NewMux(provider)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Ready)
	assert.Equal(t, "SELECT 1", st.LastQuery)
	assert.Equal(t, uint64(7), st.Translations)
	assert.NotEmpty(t, st.InstanceID)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.NotEmpty(t, st.Uptime)
}

func TestHandleAPIStatus_MethodNotAllowed(t *testing.T) {
	mux := NewMux(&mockProvider{})
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleAPIPool(t *testing.T) {
	provider := &mockProvider{pool: pool.Stats{Size: 20, Free: 18, InUse: 2, Acquires: 99}}
	mux := NewMux(provider)

	req := httptest.NewRequest(http.MethodGet, "/api/pool", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var st pool.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, provider.pool, st)
}

func TestHandleAPICache(t *testing.T) {
	provider := &mockProvider{cache: resultcache.Stats{Slots: 64, Occupied: 3, Hits: 10, Misses: 4}}
	mux := NewMux(provider)

	req := httptest.NewRequest(http.MethodGet, "/api/cache", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var st resultcache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, provider.cache, st)
}

func TestHandleAPIStatements(t *testing.T) {
	provider := &mockProvider{stmts: StatementStats{Registered: 12, Capacity: 4096}}
	mux := NewMux(provider)

	req := httptest.NewRequest(http.MethodGet, "/api/statements", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var st StatementStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, provider.stmts, st)
}

func TestHandleAPIFallbacks(t *testing.T) {
	provider := &mockProvider{fallbacks: []FallbackRecord{{
		Time:         time.Now(),
		Context:      "step",
		SQL:          "SELECT fts4(x)",
		BackendError: "syntax error",
	}}}
	mux := NewMux(provider)

	req := httptest.NewRequest(http.MethodGet, "/api/fallbacks", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var records []FallbackRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "step", records[0].Context)

	// Empty is an empty array, not null.
	rec = httptest.NewRecorder()
	NewMux(&mockProvider{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fallbacks", nil))
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestHandleAPIConfig_Uninitialized(t *testing.T) {
	mux := NewMux(&mockProvider{})
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleAPIConfigSave_MethodNotAllowed(t *testing.T) {
	mux := NewMux(&mockProvider{})
	req := httptest.NewRequest(http.MethodGet, "/api/config/save", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIndexAndNotFound(t *testing.T) {
	mux := NewMux(&mockProvider{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/status")

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	mux := NewMux(&mockProvider{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "plexpg_translations_total")
}

func TestInstanceID(t *testing.T) {
	a := InstanceID()
	assert.Equal(t, a, InstanceID(), "stable within a process")

	ResetInstanceID()
	b := InstanceID()
	assert.NotEqual(t, a, b, "fork reset issues a new identity")
	assert.NotEmpty(t, b)
}

func TestServerStartServe(t *testing.T) {
	s, err := Start("127.0.0.1:0", &mockProvider{status: Status{Ready: true}})
	require.NoError(t, err)
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
