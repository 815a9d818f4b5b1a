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

// Package server wires the static resolver, process harness, streaming
// pipeline, connection supervisor, structured log emitter and metrics
// into a single http.Handler.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/cablehead/http-sh/internal/descriptor"
	"github.com/cablehead/http-sh/internal/httplog"
	"github.com/cablehead/http-sh/internal/metrics"
	"github.com/cablehead/http-sh/internal/pipeline"
	"github.com/cablehead/http-sh/internal/procharness"
	"github.com/cablehead/http-sh/internal/staticfile"
	"github.com/cablehead/http-sh/internal/supervisor"
)

// maxLoggedMeta bounds how much of a malformed response-meta payload is
// copied into the completion log line; fd 4 is already capped by the
// pipeline, but there is no reason to echo all of it back.
const maxLoggedMeta = 2 * 1024

// Server handles every incoming HTTP request: it serves static files
// directly when configured and they resolve, and otherwise spawns a
// fresh child process per request and drives it through the pipeline.
type Server struct {
	// Command and Args name the child to spawn for every non-static
	// request.
	Command string
	Args    []string
	// StaticRoot, if non-empty, is checked before any process is
	// spawned.
	StaticRoot string
	// Log receives one record per completed request.
	Log *httplog.Emitter
}

// New builds a Server ready to be used as an http.Handler.
func New(command string, args []string, staticRoot string, log *httplog.Emitter) *Server {
	return &Server{Command: command, Args: args, StaticRoot: staticRoot, Log: log}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if staticfile.TryServe(s.StaticRoot, w, r) {
		return
	}

	desc := descriptor.FromHTTPRequest(r)
	conn := supervisor.FromContext(r.Context())
	release := conn.Track()
	defer release()

	h, err := procharness.Spawn(s.Command, s.Args)
	if err != nil {
		metrics.ObserveSpawnFailure()
		desc.Error = err.Error()
		desc.Response = &descriptor.Response{Status: http.StatusBadGateway}
		w.WriteHeader(http.StatusBadGateway)
		metrics.ObserveRequest(http.StatusBadGateway)
		s.logRequest(desc)
		return
	}
	stopTracking := metrics.TrackChild()
	defer stopTracking()

	// The pipeline is abandoned when the connection is torn down or when
	// this request's own context ends, which is how net/http reports an
	// HTTP/2 stream reset or a client that went away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopOnConnClose := context.AfterFunc(conn.Context(), cancel)
	defer stopOnConnClose()

	resp, runErr := pipeline.Run(ctx, h, r, desc, w)
	waitErr := h.Wait()

	desc.Response = resp
	if runErr != nil {
		desc.Error = runErr.Error()
		var decodeErr *pipeline.DecodeError
		if errors.As(runErr, &decodeErr) {
			desc.ErrorMeta = truncateMeta(decodeErr.Raw)
		}
	}
	if waitErr != nil {
		if code, ok := h.ExitCode(); ok && code != 0 {
			desc.ExitStatus = &code
		}
	}
	if resp != nil {
		metrics.ObserveRequest(resp.Status)
	}
	s.logRequest(desc)
}

// truncateMeta bounds the offending response-meta bytes logged alongside
// a decode error.
func truncateMeta(raw []byte) string {
	if len(raw) > maxLoggedMeta {
		raw = raw[:maxLoggedMeta]
	}
	return string(raw)
}

func (s *Server) logRequest(desc *descriptor.Request) {
	if s.Log == nil {
		return
	}
	_ = s.Log.Request(desc)
}
