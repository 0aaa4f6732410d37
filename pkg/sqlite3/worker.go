package sqlite3

import (
	"sync"

	"github.com/jabrown93/plex-postgresql-sub002/internal/metrics"
	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

// prepareWorker runs deep prepares on a dedicated goroutine. It is a one-slot
// RPC: the delegating caller holds the mutex, hands over the request, and
// blocks on the response channel. The worker re-enters the normal prepare
// path with fromWorker set so the delegation policy cannot recurse.
type prepareWorker struct {
	mu   sync.Mutex
	req  chan prepareRequest
	quit chan struct{}
	once sync.Once
}

type prepareRequest struct {
	conn *Conn
	sql  string
	resp chan prepareResponse
}

type prepareResponse struct {
	stmt *Stmt
	err  error
}

func startPrepareWorker() *prepareWorker {
	w := &prepareWorker{
		req:  make(chan prepareRequest),
		quit: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *prepareWorker) loop() {
	for {
		select {
		case <-w.quit:
			return
		case r := <-w.req:
			stmt, err := r.conn.prepare(r.sql, true)
			r.resp <- prepareResponse{stmt: stmt, err: err}
		}
	}
}

// delegate hands one prepare to the worker and waits for the result.
func (w *prepareWorker) delegate(c *Conn, sql string) (*Stmt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	metrics.WorkerDelegationsTotal.Inc()
	logger.Debug("prepare delegated to worker: %.80s", sql)

	resp := make(chan prepareResponse, 1)
	select {
	case w.req <- prepareRequest{conn: c, sql: sql, resp: resp}:
	case <-w.quit:
		return nil, errNotReady
	}
	r := <-resp
	return r.stmt, r.err
}

func (w *prepareWorker) stop() {
	w.once.Do(func() { close(w.quit) })
}
