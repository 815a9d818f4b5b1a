// Copyright 2025 The http-sh Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the optional Prometheus surface: a counter of
// completed requests by status code, a gauge of children currently
// running, and a histogram of child exit latency. The observers run on
// every request whether or not --metrics-addr is set; each is a cheap
// atomic op on an already-registered collector.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "httpsh_requests_total",
		Help: "Total requests completed, labeled by response status code.",
	}, []string{"status"})

	childrenInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "httpsh_children_inflight",
		Help: "Number of child processes currently running.",
	})

	childExitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "httpsh_child_exit_seconds",
		Help:    "Wall-clock time from spawn to child exit.",
		Buckets: prometheus.DefBuckets,
	})

	spawnFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "httpsh_spawn_failures_total",
		Help: "Total number of times the process harness failed to spawn a child.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, childrenInFlight, childExitSeconds, spawnFailuresTotal)
}

// ObserveRequest records one completed request's final HTTP status.
func ObserveRequest(status int) {
	requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveSpawnFailure records that the process harness could not start a
// child for a request.
func ObserveSpawnFailure() {
	spawnFailuresTotal.Inc()
}

// TrackChild increments the in-flight child gauge and returns a function
// that, when called exactly once, decrements it and records the elapsed
// time in the child-exit histogram.
func TrackChild() func() {
	childrenInFlight.Inc()
	start := time.Now()
	return func() {
		childrenInFlight.Dec()
		childExitSeconds.Observe(time.Since(start).Seconds())
	}
}

// Serve starts a dedicated HTTP server exposing /metrics on addr and
// blocks until ctx is cancelled or the server fails to start. Callers
// run it in its own goroutine.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
