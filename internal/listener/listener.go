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

// Package listener binds a single, uniform net.Listener over TCP,
// Unix-domain sockets, and optionally TLS, classifying the listen address
// the way the original http-sh prototype did.
package listener

import (
	"errors"
	"net"
	"strings"

	"github.com/gravitational/trace"
)

// Bind classifies addr and opens the matching listener:
//   - a leading '/' or '.' is a filesystem path, bound as a Unix socket.
//   - a leading ':' is shorthand for 127.0.0.1:<port>.
//   - anything else is parsed as host:port over TCP.
func Bind(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "."):
		ln, err := net.Listen("unix", addr)
		if err != nil {
			return nil, trace.Wrap(err, "binding unix socket %q", addr)
		}
		return ln, nil
	case strings.HasPrefix(addr, ":"):
		ln, err := net.Listen("tcp", "127.0.0.1"+addr)
		if err != nil {
			return nil, trace.Wrap(err, "binding tcp %q", "127.0.0.1"+addr)
		}
		return ln, nil
	default:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, trace.Wrap(err, "binding tcp %q", addr)
		}
		return ln, nil
	}
}

// IsTransient reports whether an Accept error is worth logging and
// retrying rather than tearing down the whole listener: a timeout, or the
// process running out of file descriptors (EMFILE), both of which clear up
// on their own once load subsides.
func IsTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "too many open files")
}

// WithTransientRetry wraps ln so that Accept swallows and reports
// transient errors instead of returning them to the caller. Handing a
// raw listener to net/http.Server.Serve leaves the retry-vs-fatal call to
// the standard library's unlogged internal backoff loop; this keeps that
// classification, and the operator-visible logging of it, under this
// package's control. onTransient is called once per transient error; it
// may be nil.
func WithTransientRetry(ln net.Listener, onTransient func(error)) net.Listener {
	return &retryListener{Listener: ln, onTransient: onTransient}
}

type retryListener struct {
	net.Listener
	onTransient func(error)
}

func (l *retryListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		if l.onTransient != nil {
			l.onTransient(err)
		}
	}
}
