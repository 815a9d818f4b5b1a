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

package pipeline

import (
	"context"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/cablehead/http-sh/internal/descriptor"
	"github.com/cablehead/http-sh/internal/procharness"
)

func requireShell(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func spawn(t *testing.T, script string) *procharness.Harness {
	t.Helper()
	h, err := procharness.Spawn(requireShell(t), []string{"-c", script})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func TestRun_EmptyMetaDefaultsTo200PlainText(t *testing.T) {
	h := spawn(t, `cat <&3 >/dev/null; echo -n hello`)
	req := httptest.NewRequest("GET", "/", strings.NewReader(""))
	desc := descriptor.FromHTTPRequest(req)
	w := httptest.NewRecorder()

	if _, err := Run(context.Background(), h, req, desc, w); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content-type = %q", ct)
	}
	if w.Body.String() != "hello" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestRun_MetaOverridesStatusAndHeaders(t *testing.T) {
	h := spawn(t, `cat <&3 >/dev/null; echo -n '{"status":404,"headers":{"content-type":"text/markdown"}}' >&4; echo -n '# Not Found'`)
	req := httptest.NewRequest("GET", "/notfound", strings.NewReader(""))
	desc := descriptor.FromHTTPRequest(req)
	w := httptest.NewRecorder()

	if _, err := Run(context.Background(), h, req, desc, w); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/markdown" {
		t.Fatalf("content-type = %q", ct)
	}
	if w.Body.String() != "# Not Found" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestRun_MalformedMetaYields502WithEmptyBody(t *testing.T) {
	h := spawn(t, `cat <&3 >/dev/null; echo -n 'not json' >&4; echo -n 'should not appear'`)
	req := httptest.NewRequest("GET", "/", strings.NewReader(""))
	desc := descriptor.FromHTTPRequest(req)
	w := httptest.NewRecorder()

	_, err := Run(context.Background(), h, req, desc, w)
	h.Wait()
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if w.Code != 502 {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", w.Body.String())
	}
}

func TestRun_OutOfRangeStatusYields502(t *testing.T) {
	h := spawn(t, `cat <&3 >/dev/null; echo -n '{"status":999}' >&4`)
	req := httptest.NewRequest("GET", "/", strings.NewReader(""))
	desc := descriptor.FromHTTPRequest(req)
	w := httptest.NewRecorder()

	_, err := Run(context.Background(), h, req, desc, w)
	h.Wait()
	if err == nil {
		t.Fatal("expected an out-of-range status error")
	}
	if w.Code != 502 {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestRun_RequestBodyReachesChildStdin(t *testing.T) {
	h := spawn(t, `cat <&3 >/dev/null; cat`)
	req := httptest.NewRequest("POST", "/", strings.NewReader("posted-body"))
	desc := descriptor.FromHTTPRequest(req)
	w := httptest.NewRecorder()

	if _, err := Run(context.Background(), h, req, desc, w); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.Wait()
	if w.Body.String() != "posted-body" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestRun_ChildNeverReadingFD3DoesNotBlock(t *testing.T) {
	h := spawn(t, `echo -n ok`)
	req := httptest.NewRequest("GET", "/", strings.NewReader("unread body"))
	desc := descriptor.FromHTTPRequest(req)
	w := httptest.NewRecorder()

	doneCh := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), h, req, desc, w)
		doneCh <- err
	}()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run blocked on a child that never read fd 3")
	}
	h.Wait()
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestRun_ContextCancelTerminatesChild(t *testing.T) {
	h := spawn(t, `cat <&3 >/dev/null; sleep 5`)
	req := httptest.NewRequest("GET", "/", strings.NewReader(""))
	desc := descriptor.FromHTTPRequest(req)
	w := httptest.NewRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() {
		_, err := Run(ctx, h, req, desc, w)
		doneCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-doneCh:
		if err == nil {
			t.Fatal("expected context-cancellation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not observe cancellation")
	}
}
