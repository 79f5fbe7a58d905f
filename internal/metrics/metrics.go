// Package metrics defines the Prometheus collectors for the signing service.
// They live in a standalone package so that signing and api can both record
// without importing each other.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SigningRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handtoken_signing_requests_total",
		Help: "Signing requests by final result",
	}, []string{"result"})

	SigningDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handtoken_signing_duration_seconds",
		Help:    "Time from intake to finalization of a signing request",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"result"})

	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "handtoken_scan_duration_seconds",
		Help:    "Antivirus scan latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	PINWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handtoken_pin_wait_seconds",
		Help:    "Time spent waiting for an operator to approve a PIN request",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 120},
	}, []string{"outcome"}) // outcome: approve|cancelled|timeout|error

	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handtoken_auth_failures_total",
		Help: "Rejected API authentications",
	}, []string{"reason"}) // reason: credentials|rate_limited

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handtoken_http_requests_total",
		Help: "HTTP requests handled",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handtoken_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Register registers every collector on reg (or the default registerer if
// nil). Collectors already registered are not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		SigningRequests, SigningDuration, ScanDuration, PINWait,
		AuthFailures, HTTPRequests, HTTPDuration,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
