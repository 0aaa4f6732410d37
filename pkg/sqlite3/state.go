package sqlite3

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabrown93/plex-postgresql-sub002/internal/colconv"
	"github.com/jabrown93/plex-postgresql-sub002/internal/config"
	"github.com/jabrown93/plex-postgresql-sub002/internal/diag"
	"github.com/jabrown93/plex-postgresql-sub002/internal/metrics"
	"github.com/jabrown93/plex-postgresql-sub002/internal/pool"
	"github.com/jabrown93/plex-postgresql-sub002/internal/resultcache"
	"github.com/jabrown93/plex-postgresql-sub002/internal/translate"
	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

// shimState is every piece of process-wide shim state in one place: the
// config snapshot, the connection pool, the statement registry, the caches,
// the translator side channels, and the diagnostics plumbing. It is built
// lazily on the first Open and rebuilt from scratch when a fork is detected.
type shimState struct {
	cfg      *config.Config
	pool     *pool.Pool
	registry *stmtRegistry
	results  *resultcache.Cache
	decls    *colconv.DeclCache
	loops    *translate.LoopDetector
	worker   *prepareWorker
	ring     *textRing
	arena    *valueArena
	diagSrv  *diag.Server

	pid       int
	startedAt time.Time
	ready     atomic.Bool

	handleSeq atomic.Uint64

	translations atomic.Uint64
	fallbacks    atomic.Uint64

	// Best-effort post-mortem breadcrumbs; racy by design.
	lastQuery  atomic.Pointer[string]
	lastColumn atomic.Pointer[string]

	fbMu      sync.Mutex
	fbRecords []diag.FallbackRecord
	fbNext    int
}

const fallbackRingSize = 32

var (
	stateMu   sync.Mutex
	stateP    atomic.Pointer[shimState]
	configNag sync.Once
)

// currentState returns the live state, constructing it on first use and
// discarding inherited state after a fork. May return nil when construction
// fails; callers then run pure pass-through.
func currentState() *shimState {
	if s := stateP.Load(); s != nil && s.pid == os.Getpid() {
		return s
	}
	stateMu.Lock()
	defer stateMu.Unlock()
	if s := stateP.Load(); s != nil {
		if s.pid == os.Getpid() {
			return s
		}
		s.afterFork()
		return s
	}
	s := buildState()
	stateP.Store(s)
	return s
}

// buildState runs the §"process init" sequence: logging, config, pool,
// registry, caches, translator side channels, worker, diagnostics, readiness
// delay, readiness flag.
func buildState() *shimState {
	cfg, ok := config.GetCfgIfSet()
	if !ok {
		result, err := config.LoadConfigWithPath("")
		if err != nil {
			configNag.Do(func() {
				logger.Error("shim config failed to load, redirection disabled: %v", err)
			})
			return nil
		}
		config.SetOnce(result.Config, result.ConfigPath)
		cfg = result.Config
	}
	if err := logger.InitFromConfig(cfg); err != nil {
		logger.Warn("logging init failed, keeping defaults: %v", err)
	}

	s := &shimState{
		cfg:       cfg,
		registry:  newStmtRegistry(),
		results:   resultcache.New(&cfg.Cache),
		decls:     colconv.NewDeclCache(cfg.Postgres.Schema),
		loops:     translate.NewLoopDetector(),
		ring:      newTextRing(),
		arena:     newValueArena(),
		pid:       os.Getpid(),
		startedAt: time.Now(),
		fbRecords: make([]diag.FallbackRecord, 0, fallbackRingSize),
	}
	s.pool = pool.New(cfg)
	s.worker = startPrepareWorker()

	if addr := cfg.Diag.Addr; addr != "" {
		srv, err := diag.Start(addr, s)
		if err != nil {
			logger.Warn("diagnostics server failed to start on %s: %v", addr, err)
		} else {
			s.diagSrv = srv
		}
	}

	// Give the host's own startup a moment before redirecting anything;
	// opens racing this window pass through to the real engine.
	if !cfg.Shim.NoInitDelay {
		if d := cfg.Shim.InitDelay.Duration; d > 0 {
			time.Sleep(d)
		}
	}
	s.ready.Store(true)
	logger.Info("shim initialized: pool=%d schema=%s intercept=%v",
		cfg.Shim.PoolSize, cfg.Postgres.Schema, cfg.Shim.InterceptSuffixes)
	return s
}

// afterFork is the child-side reset: inherited sockets are abandoned without
// protocol traffic, registries and caches emptied, logging reopened, and the
// readiness barrier re-armed behind a fresh delay.
func (s *shimState) afterFork() {
	s.ready.Store(false)
	s.pid = os.Getpid()
	s.startedAt = time.Now()

	empty := ""
	s.lastQuery.Store(&empty)
	s.lastColumn.Store(&empty)
	s.translations.Store(0)
	s.fallbacks.Store(0)
	s.fbMu.Lock()
	s.fbRecords = s.fbRecords[:0]
	s.fbNext = 0
	s.fbMu.Unlock()

	s.pool.AfterFork()
	s.registry.reset()
	s.results.Flush()
	s.loops.Reset()
	s.worker = startPrepareWorker()
	diag.ResetInstanceID()
	if err := logger.ReopenAfterFork(); err != nil {
		logger.Warn("log reopen after fork failed: %v", err)
	}

	if !s.cfg.Shim.NoInitDelay {
		if d := s.cfg.Shim.InitDelay.Duration; d > 0 {
			time.Sleep(d)
		}
	}
	s.ready.Store(true)
	logger.Info("shim state reset in forked child pid=%d", s.pid)
}

// Shutdown tears the shim down for an orderly process exit: worker stopped,
// pool drained politely, diagnostics closed. Safe to call more than once.
func Shutdown() {
	stateMu.Lock()
	s := stateP.Swap(nil)
	stateMu.Unlock()
	if s == nil {
		return
	}
	s.ready.Store(false)
	s.worker.stop()
	s.results.Flush()
	s.pool.Close()
	if s.diagSrv != nil {
		s.diagSrv.Close()
	}
	logger.Info("shim shut down")
}

// Ready reports whether the shim finished construction; before that every
// open passes through to the real engine.
func Ready() bool {
	s := stateP.Load()
	return s != nil && s.ready.Load()
}

// StmtFromHandle resolves a host-visible statement handle to its shadow
// statement. Callers that receive a bare handle value instead of a *Stmt
// validate it here; nil means the handle was never registered, has been
// finalized, or was inherited from a pre-fork parent, and the statement must
// be treated as pass-through. Uses a plain load so an unbuilt shim is not
// constructed as a side effect.
func StmtFromHandle(handle uint64) *Stmt {
	s := stateP.Load()
	if s == nil || s.pid != os.Getpid() {
		return nil
	}
	return s.registry.lookup(handle)
}

func (s *shimState) noteQuery(sql string) {
	s.lastQuery.Store(&sql)
}

func (s *shimState) noteColumn(name string) {
	s.lastColumn.Store(&name)
}

func loadString(p *atomic.Pointer[string]) string {
	if v := p.Load(); v != nil {
		return *v
	}
	return ""
}

// recordFallback logs the structured fallback record and keeps it in the
// diagnostics ring.
func (s *shimState) recordFallback(context, sql, translated string, backendErr error) {
	s.fallbacks.Add(1)
	metrics.FallbacksTotal.WithLabelValues(context).Inc()
	msg := ""
	if backendErr != nil {
		msg = backendErr.Error()
	}
	logger.Warn("fallback [%s]: backend=%q sql=%q translated=%q", context, msg, sql, translated)

	rec := diag.FallbackRecord{
		Time:         time.Now(),
		Context:      context,
		SQL:          sql,
		Translated:   translated,
		BackendError: msg,
	}
	s.fbMu.Lock()
	if len(s.fbRecords) < fallbackRingSize {
		s.fbRecords = append(s.fbRecords, rec)
	} else {
		s.fbRecords[s.fbNext] = rec
		s.fbNext = (s.fbNext + 1) % fallbackRingSize
	}
	s.fbMu.Unlock()
}

// Status implements diag.Provider.
func (s *shimState) Status() diag.Status {
	return diag.Status{
		Ready:        s.ready.Load(),
		StartedAt:    s.startedAt,
		LastQuery:    loadString(&s.lastQuery),
		LastColumn:   loadString(&s.lastColumn),
		Translations: s.translations.Load(),
		Fallbacks:    s.fallbacks.Load(),
	}
}

// PoolStats implements diag.Provider.
func (s *shimState) PoolStats() pool.Stats { return s.pool.Stats() }

// CacheStats implements diag.Provider.
func (s *shimState) CacheStats() resultcache.Stats { return s.results.Stats() }

// StatementStats implements diag.Provider.
func (s *shimState) StatementStats() diag.StatementStats {
	return diag.StatementStats{
		Registered: s.registry.size(),
		Capacity:   registryCapacity,
	}
}

// Fallbacks implements diag.Provider, oldest record first.
func (s *shimState) Fallbacks() []diag.FallbackRecord {
	s.fbMu.Lock()
	defer s.fbMu.Unlock()
	out := make([]diag.FallbackRecord, 0, len(s.fbRecords))
	if len(s.fbRecords) == fallbackRingSize {
		out = append(out, s.fbRecords[s.fbNext:]...)
		out = append(out, s.fbRecords[:s.fbNext]...)
	} else {
		out = append(out, s.fbRecords...)
	}
	return out
}
