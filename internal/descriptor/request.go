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

// Package descriptor defines the JSON wire types exchanged with the child
// process over fd 3 (request) and fd 4 (response), and the structured log
// line emitted once a request completes.
package descriptor

import (
	"crypto/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// stampSource mints monotonically non-decreasing, lexicographically sortable
// ids. ulid's monotonic entropy reader is not safe for concurrent use, so
// every mint goes through this mutex.
var stampSource = struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.Reader, 0)}

// NewStamp mints a fresh stamp: a 128-bit, time-ordered id that sorts
// lexicographically in the order it was minted.
func NewStamp() string {
	stampSource.mu.Lock()
	defer stampSource.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), stampSource.entropy)
	return id.String()
}

// Request is the metadata the server serializes to a single JSON line and
// writes to the child's fd 3. Response is populated only for the
// completion log line; it is never sent to the child.
type Request struct {
	Stamp      string              `json:"stamp"`
	Proto      string              `json:"proto"`
	Method     string              `json:"method"`
	Authority  string              `json:"authority,omitempty"`
	RemoteIP   string              `json:"remote_ip,omitempty"`
	RemotePort int                 `json:"remote_port,omitempty"`
	Headers    map[string][]string `json:"headers"`
	URI        string              `json:"uri"`
	Path       string              `json:"path"`
	Query      map[string]string   `json:"query"`
	Response   *Response           `json:"response,omitempty"`

	// Error, ErrorMeta and ExitStatus are populated by the server on the
	// completion log line for the error paths spec'd in the error
	// handling design: a spawn failure, a malformed response-meta
	// decode, or the child exiting non-zero. They are never sent to the
	// child and are absent on a clean request.
	Error      string `json:"error,omitempty"`
	ErrorMeta  string `json:"error_meta,omitempty"`
	ExitStatus *int   `json:"exit_status,omitempty"`
}

// FromHTTPRequest builds a Request descriptor from an incoming *http.Request.
// It must be called before the body is consumed; it does not touch r.Body.
func FromHTTPRequest(r *http.Request) *Request {
	headers := make(map[string][]string, len(r.Header))
	for name, values := range r.Header {
		cp := make([]string, len(values))
		copy(cp, values)
		headers[strings.ToLower(name)] = cp
	}

	query := make(map[string]string, len(r.URL.Query()))
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[len(values)-1]
		}
	}

	req := &Request{
		Stamp:     NewStamp(),
		Proto:     r.Proto,
		Method:    r.Method,
		Authority: authority(r),
		Headers:   headers,
		URI:       r.RequestURI,
		Path:      r.URL.EscapedPath(),
		Query:     query,
	}

	if ip, port, ok := splitRemoteAddr(r.RemoteAddr); ok {
		req.RemoteIP = ip
		req.RemotePort = port
	}

	return req
}

// authority prefers the authority carried on the request URI (absolute-form
// requests, or the HTTP/2 :authority pseudo-header as net/http maps it into
// Host) and falls back to the Host header.
func authority(r *http.Request) string {
	if r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}

// splitRemoteAddr parses "ip:port" into its parts. Unix-domain connections
// report addresses net/http cannot split this way, so ok is false for them.
func splitRemoteAddr(addr string) (ip string, port int, ok bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, p, true
}
