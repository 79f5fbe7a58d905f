package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/majorcontext/handtoken/internal/credential"
	"github.com/majorcontext/handtoken/internal/log"
	"github.com/majorcontext/handtoken/internal/metrics"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxClient
)

const remoteAddr = "REMOTE_ADDR"

// withRequestID propagates the caller's X-Request-ID or assigns a new one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, rid)))
	})
}

func requestLogger(r *http.Request) *slog.Logger {
	rid, _ := r.Context().Value(ctxRequestID).(string)
	return log.With("request_id", rid, "method", r.Method, "path", r.URL.Path)
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				requestLogger(r).Error("panic serving request", "panic", v)
				writeMessage(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// withMetrics records request counts and latency labelled by route pattern,
// so ids in paths never explode label cardinality.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		}()
		next.ServeHTTP(rec, r)
	})
}

// authenticate requires HTTP basic auth from an active client. Addresses
// that keep failing are told to back off.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := remoteHost(r)
		if s.limiter.blocked(addr) {
			metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(s.limiter.retryAfter(addr)))
			writeMessage(w, http.StatusTooManyRequests, "Too many failed authentication attempts")
			return
		}

		name, secret, ok := r.BasicAuth()
		if !ok {
			writeMessage(w, http.StatusForbidden, "Authentication credentials were not provided.")
			return
		}

		client, err := s.auth.Authenticate(r.Context(), name, secret)
		if errors.Is(err, credential.ErrUnauthorized) {
			s.limiter.fail(addr)
			metrics.AuthFailures.WithLabelValues("credentials").Inc()
			requestLogger(r).Warn("authentication failed", "client", name, "remote", addr)
			writeMessage(w, http.StatusForbidden, "Client not found or bad password")
			return
		}
		if err != nil {
			requestLogger(r).Error("authenticating client", "client", name, "error", err)
			writeMessage(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxClient, client)))
	})
}

func clientFrom(ctx context.Context) *credential.Client {
	c, _ := ctx.Value(ctxClient).(*credential.Client)
	return c
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIP returns the first valid address found in the configured headers.
// Header names may be given as HTTP header names or in CGI form
// (HTTP_X_FORWARDED_FOR). Comma separated lists yield their first entry.
func (s *Server) clientIP(r *http.Request) string {
	for _, h := range s.ipHeaders {
		if strings.EqualFold(h, remoteAddr) {
			return remoteHost(r)
		}
		v := r.Header.Get(headerName(h))
		if v == "" {
			continue
		}
		first, _, _ := strings.Cut(v, ",")
		first = strings.TrimSpace(first)
		if net.ParseIP(first) != nil {
			return first
		}
	}
	return remoteHost(r)
}

func headerName(h string) string {
	if name, ok := strings.CutPrefix(h, "HTTP_"); ok {
		return strings.ReplaceAll(name, "_", "-")
	}
	return h
}
