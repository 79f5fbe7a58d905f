// Package api serves the signing HTTP API.
//
// Clients authenticate with HTTP basic auth and POST the raw file to /sign.
// The signed file is streamed back as an attachment; recognized signing
// failures come back as 400 with a JSON message.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/majorcontext/handtoken/internal/credential"
	"github.com/majorcontext/handtoken/internal/log"
	"github.com/majorcontext/handtoken/internal/signing"
)

// Signer runs a submission through the signing pipeline.
type Signer interface {
	Sign(ctx context.Context, sub signing.Submission) (*signing.Outcome, error)
}

// Authenticator verifies client credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, name, secret string) (*credential.Client, error)
}

// Options configures a Server.
type Options struct {
	// IPHeaders are consulted in order for the client address recorded on
	// signing logs. "REMOTE_ADDR" means the connection's address.
	IPHeaders []string
	// FailuresPerMinute and FailureBurst bound failed authentications per
	// remote address. Zero disables limiting.
	FailuresPerMinute int
	FailureBurst      int
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// Server is the signing API.
type Server struct {
	signer    Signer
	auth      Authenticator
	ipHeaders []string
	limiter   *failureLimiter
	router    chi.Router
}

// New returns a Server dispatching to signer and authenticating with auth.
func New(signer Signer, auth Authenticator, opts Options) *Server {
	s := &Server{
		signer:    signer,
		auth:      auth,
		ipHeaders: opts.IPHeaders,
		limiter:   newFailureLimiter(opts.FailuresPerMinute, opts.FailureBurst),
	}
	if len(s.ipHeaders) == 0 {
		s.ipHeaders = []string{remoteAddr}
	}

	r := chi.NewRouter()
	r.Use(withRequestID, withRecover, withMetrics)
	r.Get("/healthz", s.handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/whoami", s.handleWhoami)
		r.Post("/sign", s.handleSign)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully. Requests in flight get shutdownGrace to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("signing API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

const shutdownGrace = 15 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWhoami lets clients check their credentials without signing.
func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"client": clientFrom(r.Context()).Name})
}
