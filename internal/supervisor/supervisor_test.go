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

package supervisor

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestConnection_CloseCancelsContextAndWaits(t *testing.T) {
	c := New(context.Background())

	doneCh := make(chan struct{})
	release := c.Track()
	go func() {
		<-c.Context().Done()
		time.Sleep(20 * time.Millisecond)
		release()
		close(doneCh)
	}()

	closedCh := make(chan struct{})
	go func() {
		c.Close()
		close(closedCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("tracked goroutine never observed cancellation")
	}
	select {
	case <-closedCh:
	case <-time.After(time.Second):
		t.Fatal("Close did not wait for tracked request to finish")
	}
}

func TestConnection_TrackReleaseIsIdempotent(t *testing.T) {
	c := New(context.Background())
	release := c.Track()
	release()
	release()
	c.Close()
}

type fakeConn struct{ net.Conn }

func TestRegistry_ConnStateClosesOnlyRegisteredConn(t *testing.T) {
	reg := NewRegistry()
	var nc net.Conn = &fakeConn{}

	ctx := reg.ConnContext(context.Background(), nc)
	conn := FromContext(ctx)

	released := make(chan struct{})
	go func() {
		<-conn.Context().Done()
		close(released)
	}()

	reg.ConnState(nc, http.StateClosed)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("ConnState(StateClosed) did not cancel the registered Connection")
	}
}

func TestFromContext_PanicsWithoutConnContext(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when Connection is missing from context")
		}
	}()
	FromContext(context.Background())
}
