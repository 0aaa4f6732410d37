package diag

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

// Server is the optional diagnostics listener. The shim runs headless inside
// the host process, so this only starts when an address is configured.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start binds addr and serves the diagnostics mux in the background.
func Start(addr string, provider Provider) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           NewMux(provider),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if serr := srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Warn("diagnostics server stopped: %v", serr)
		}
	}()
	logger.Info("diagnostics listening on %s", ln.Addr())
	return &Server{srv: srv, ln: ln}, nil
}

// Addr reports the bound address, useful when addr was ":0".
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close shuts the listener down, waiting briefly for in-flight requests.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
