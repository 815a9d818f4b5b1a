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

// Command httpsh runs a shell command as a CGI-like child process for
// every incoming HTTP request, streaming the request body to the
// child's stdin and the child's stdout back to the client.
//
//	httpsh LISTEN COMMAND [ARGS...]
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cablehead/http-sh/internal/httplog"
	"github.com/cablehead/http-sh/internal/listener"
	"github.com/cablehead/http-sh/internal/metrics"
	"github.com/cablehead/http-sh/internal/server"
	"github.com/cablehead/http-sh/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		staticPath  string
		tlsPEMPath  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "httpsh LISTEN COMMAND [ARGS...]",
		Short: "Serve HTTP requests by spawning COMMAND once per request",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1], args[2:], staticPath, tlsPEMPath, metricsAddr)
		},
	}
	// Everything after COMMAND belongs to the child, not to cobra: without
	// this, a child flag like "-c" would be parsed as an httpsh flag.
	cmd.Flags().SetInterspersed(false)

	cmd.Flags().StringVar(&staticPath, "static-path", "", "serve files under this directory before spawning a child")
	cmd.Flags().StringVar(&tlsPEMPath, "tls", "", "path to a combined certificate+key PEM file; enables TLS with h2/http1.1 ALPN")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, expose Prometheus /metrics on this address")

	return cmd
}

func run(ctx context.Context, listen, command string, commandArgs []string, staticPath, tlsPEMPath, metricsAddr string) error {
	ln, err := listener.Bind(listen)
	if err != nil {
		return err
	}

	if tlsPEMPath != "" {
		cfg, err := listener.LoadTLSConfig(tlsPEMPath)
		if err != nil {
			ln.Close()
			return err
		}
		ln = listener.WrapTLS(ln, cfg)
	}

	ln = listener.WithTransientRetry(ln, func(err error) {
		fmt.Fprintf(os.Stderr, "transient accept error: %v\n", err)
	})

	log := httplog.New(os.Stdout)
	handler := server.New(command, commandArgs, staticPath, log)

	reg := supervisor.NewRegistry()
	httpServer := &http.Server{
		Handler:     withH2C(handler),
		ConnContext: reg.ConnContext,
		ConnState:   reg.ConnState,
	}
	if tlsPEMPath != "" {
		// Serving off a pre-built listener bypasses the auto-HTTP/2
		// wiring ListenAndServeTLS normally does; ConfigureServer
		// restores ALPN negotiation of "h2" on top of the "h2",
		// "http/1.1" NextProtos already set on the TLS config.
		if err := http2.ConfigureServer(httpServer, &http2.Server{}); err != nil {
			ln.Close()
			return err
		}
	}

	metricsCtx, cancelMetrics := context.WithCancel(ctx)
	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsCtx, metricsAddr); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- httpServer.Serve(ln) }()

	// The startup line is the readiness signal: emit it only after the
	// listener is bound and Serve has been launched.
	if err := log.Start(ln.Addr().String()); err != nil {
		fmt.Fprintf(os.Stderr, "writing startup log line: %v\n", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		cancelMetrics()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-stop:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer cancelMetrics()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-serveErrCh
	return nil
}

// withH2C wraps handler so that cleartext HTTP/2 (prior-knowledge)
// connections are recognized without requiring TLS, matching behavior
// tested over both TCP and Unix-domain listeners.
func withH2C(handler http.Handler) http.Handler {
	h2s := &http2.Server{}
	return h2c.NewHandler(handler, h2s)
}
