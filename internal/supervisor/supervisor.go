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

// Package supervisor owns the per-connection shutdown signal and the
// bookkeeping that keeps an HTTP connection's accept-loop goroutine from
// returning while one of its requests still has a live child process.
package supervisor

import (
	"context"
	"net"
	"net/http"
	"sync"
)

// Connection is the per-connection state: a cancellation context that
// fires on connection teardown, and a WaitGroup that every in-flight
// request registers with so the connection is never considered drained
// while a child process might still be running.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Connection derived from parent. Cancelling parent also
// cancels every Connection derived from it.
func New(parent context.Context) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{ctx: ctx, cancel: cancel}
}

// Context returns the per-connection context. A request's goroutines
// should select on Context().Done() to learn when to abandon their
// child's process group.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Track registers one in-flight request against this connection and
// returns a function that must be called exactly once when the request
// finishes, successfully or not.
func (c *Connection) Track() func() {
	c.wg.Add(1)
	var once sync.Once
	return func() {
		once.Do(c.wg.Done)
	}
}

// Close cancels the connection's context, signalling every tracked
// request to abandon its child, then blocks until every Track() caller
// has reported completion so no zombie processes are left behind.
func (c *Connection) Close() {
	c.cancel()
	c.wg.Wait()
}

// Registry tracks one Connection per live net.Conn so that ConnState,
// which only ever sees the net.Conn and not the context ConnContext
// built for it, can find the right Connection to close on teardown.
type Registry struct {
	mu     sync.Mutex
	byConn map[net.Conn]*Connection
}

// NewRegistry returns an empty Registry ready to be wired to an
// http.Server's ConnContext and ConnState hooks.
func NewRegistry() *Registry {
	return &Registry{byConn: make(map[net.Conn]*Connection)}
}

// ConnContext is wired to http.Server.ConnContext. It creates a fresh
// Connection for this net.Conn, remembers it for ConnState, and stashes
// it in the request context under connKey so handlers can retrieve it
// with FromContext.
func (reg *Registry) ConnContext(ctx context.Context, nc net.Conn) context.Context {
	c := New(ctx)
	reg.mu.Lock()
	reg.byConn[nc] = c
	reg.mu.Unlock()
	return context.WithValue(ctx, connKey{}, c)
}

// ConnState is wired to http.Server.ConnState. On StateClosed or
// StateHijacked it closes the Connection registered for nc, cancelling
// every in-flight request on that connection and blocking until their
// children are reaped.
func (reg *Registry) ConnState(nc net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}
	reg.mu.Lock()
	c, ok := reg.byConn[nc]
	delete(reg.byConn, nc)
	reg.mu.Unlock()
	if ok {
		c.Close()
	}
}

type connKey struct{}

// FromContext retrieves the Connection stashed by Registry.ConnContext.
// It panics if the server was not configured with ConnContext, since
// that is a wiring bug rather than a runtime condition to recover from.
func FromContext(ctx context.Context) *Connection {
	c, ok := ctx.Value(connKey{}).(*Connection)
	if !ok {
		panic("supervisor: context has no Connection; was http.Server.ConnContext wired to Registry.ConnContext?")
	}
	return c
}
