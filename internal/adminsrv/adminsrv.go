// Package adminsrv exposes the daemon's runtime state over a small local
// HTTP server, adapted from internal/adminapi's Info/Health response shapes
// (internal/adminapi/models.go, internal/adminapi/admin.go) to a plain
// net/http.Server rather than Caddy's admin-API transport, since this
// daemon has no host admin API to piggyback on.
package adminsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/controlloop"
	"go.uber.org/zap"
)

// StatusProvider is the subset of internal/controlloop.ControlLoop the
// server reports on.
type StatusProvider interface {
	Info() controlloop.Info
}

// InfoResponse is the /info endpoint's wire shape, mirroring
// adminapi.InfoResponse's fields that still make sense without a Caddy host.
type InfoResponse struct {
	Backends                []string `json:"backends"`
	NumberOfActiveDecisions int      `json:"number_of_active_decisions"`
	UptimeSeconds           float64  `json:"uptime_seconds"`
	DryRun                  bool     `json:"dry_run"`
}

// HealthResponse mirrors adminapi.HealthResponse.
type HealthResponse struct {
	Ok bool `json:"ok"`
}

// Server is a tiny status server: /healthz always reports ok once the
// process is up, /info reports the control loop's current snapshot.
type Server struct {
	http     *http.Server
	provider StatusProvider
	logger   *zap.Logger
}

// New returns a Server bound to addr, reporting on provider. It does not
// start listening until Run is called.
func New(addr string, provider StatusProvider, logger *zap.Logger) *Server {
	s := &Server{provider: provider, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/info", s.handleInfo)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Run listens until ctx is canceled, then gracefully shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Ok: true})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.provider.Info()
	writeJSON(w, http.StatusOK, InfoResponse{
		Backends:                info.Backends,
		NumberOfActiveDecisions: info.DecisionCount,
		UptimeSeconds:           info.Uptime.Seconds(),
		DryRun:                  info.DryRun,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
