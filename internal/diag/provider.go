package diag

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jabrown93/plex-postgresql-sub002/internal/pool"
	"github.com/jabrown93/plex-postgresql-sub002/internal/resultcache"
)

// Status is the JSON shape for GET /api/status. The provider fills the shim
// fields; the handler adds identity and uptime.
type Status struct {
	InstanceID   string    `json:"instance_id"`
	PID          int       `json:"pid"`
	Ready        bool      `json:"ready"`
	StartedAt    time.Time `json:"started_at"`
	Uptime       string    `json:"uptime"`
	LastQuery    string    `json:"last_query,omitempty"`
	LastColumn   string    `json:"last_column,omitempty"`
	Translations uint64    `json:"translations"`
	Fallbacks    uint64    `json:"fallbacks"`
}

// StatementStats summarizes the statement registry for GET /api/statements.
type StatementStats struct {
	Registered int `json:"registered"`
	Capacity   int `json:"capacity"`
}

// FallbackRecord is one statement handed back to the real engine, kept in a
// small ring for GET /api/fallbacks.
type FallbackRecord struct {
	Time         time.Time `json:"time"`
	Context      string    `json:"context"`
	SQL          string    `json:"sql"`
	Translated   string    `json:"translated,omitempty"`
	BackendError string    `json:"backend_error,omitempty"`
}

// Provider supplies live shim state to the diagnostics API. Implemented by
// the interposition layer.
type Provider interface {
	Status() Status
	PoolStats() pool.Stats
	CacheStats() resultcache.Stats
	StatementStats() StatementStats
	Fallbacks() []FallbackRecord
}

var (
	idMu       sync.Mutex
	instanceID string
)

// InstanceID identifies this shim instance in diagnostics output and
// fallback records. Stable for the life of the process.
func InstanceID() string {
	idMu.Lock()
	defer idMu.Unlock()
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return instanceID
}

// ResetInstanceID issues a fresh identity. The post-fork child is a new
// process and must not report the parent's.
func ResetInstanceID() {
	idMu.Lock()
	instanceID = uuid.NewString()
	idMu.Unlock()
}
