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

// Package pipeline drives the three cooperating byte-movers of a single
// request: the inbound flow (request descriptor + body into the child),
// the response-meta flow (fd 4 drained into a bounded buffer), and the
// response-body flow (the child's stdout copied to the client). The
// response-meta flow always finishes, and the HTTP head is always sent,
// before a single body byte reaches the client.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/cablehead/http-sh/internal/descriptor"
	"github.com/cablehead/http-sh/internal/procharness"
)

// DecodeError reports a response-meta decode failure together with the
// raw bytes fd 4 produced, so a caller logging the failure can record
// both the reason and the offending bytes.
type DecodeError struct {
	Raw []byte
	err error
}

func (e *DecodeError) Error() string { return e.err.Error() }
func (e *DecodeError) Unwrap() error { return e.err }

// maxResponseMeta bounds how much fd 4 the pipeline will buffer before
// giving up on the child ever closing it. The response-meta contract is a
// single small JSON object; there is no legitimate reason for it to
// approach this size.
const maxResponseMeta = 64 * 1024

// bodyChunk is the copy buffer size used for both the inbound body copy
// and the response-body copy, small enough to keep a slow child from
// forcing large parent-side buffering.
const bodyChunk = 32 * 1024

// Run drives one request's harness to completion and returns the
// effective response metadata for the caller to log, even when an error
// also occurred; the metadata is nil only when ctx is cancelled before
// the head is sent. ctx is the request's cancellation context: when it is
// cancelled, while fd 4 is still being drained or mid-response-body, Run
// stops, terminates the child's process group, and returns the context's
// error.
// req is the inbound HTTP request (its Body is copied to the child's
// stdin); desc is the already-built request descriptor serialized onto
// fd 3.
func Run(ctx context.Context, h *procharness.Harness, req *http.Request, desc *descriptor.Request, w http.ResponseWriter) (*descriptor.Response, error) {
	inboundErrCh := make(chan error, 1)
	go func() {
		inboundErrCh <- runInbound(h, req, desc)
	}()

	// Cancellation can arrive before the child closes fd 4; terminating
	// the child's process group then ends the drain instead of leaving it
	// blocked on a child that may never close fd 4.
	stopWatch := context.AfterFunc(ctx, h.Terminate)
	metaBuf, metaErr := drainResponseMeta(h)
	stopWatch()
	if err := ctx.Err(); err != nil {
		// No head has been sent: abandon the request without one.
		h.Terminate()
		h.Stdout.Close()
		<-inboundErrCh
		return nil, trace.Wrap(err, "cancelled before the response head was sent")
	}

	resp, decodeErr := descriptor.DecodeResponse(metaBuf)
	if decodeErr != nil {
		// A malformed response-meta object is a 502-class error: the
		// head has not been sent yet, so there is still something
		// meaningful to return. The child may still be running and
		// writing to stdout; terminate its process group rather than
		// leaving it to block on a pipe nobody will ever drain.
		w.WriteHeader(http.StatusBadGateway)
		h.Terminate()
		h.Stdout.Close()
		<-inboundErrCh
		fallback := &descriptor.Response{Status: http.StatusBadGateway}
		return fallback, &DecodeError{Raw: metaBuf, err: trace.Wrap(decodeErr, "decoding response-meta")}
	}
	resp.ApplyDefaults()

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)

	bodyErr := copyResponseBody(ctx, h, w)

	inboundErr := <-inboundErrCh
	if metaErr != nil {
		return resp, trace.Wrap(metaErr, "reading response-meta")
	}
	if bodyErr != nil {
		return resp, trace.Wrap(bodyErr, "copying response body")
	}
	if inboundErr != nil {
		return resp, trace.Wrap(inboundErr, "writing request to child")
	}
	return resp, nil
}

// runInbound writes the serialized descriptor to fd 3, then copies the
// HTTP request body to the child's stdin. A child that never reads fd 3
// or stdin produces a broken-pipe write error on the parent side; that is
// expected end-of-stream behavior, not a failure worth surfacing.
func runInbound(h *procharness.Harness, req *http.Request, desc *descriptor.Request) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return trace.Wrap(err, "marshaling request descriptor")
	}
	payload = append(payload, '\n')
	if _, err := h.ReqMetaW.Write(payload); err != nil && !isBrokenPipe(err) {
		return trace.Wrap(err, "writing request-meta")
	}
	h.ReqMetaW.Close()

	defer h.Stdin.Close()
	if req.Body == nil {
		return nil
	}
	buf := make([]byte, bodyChunk)
	_, err = io.CopyBuffer(h.Stdin, req.Body, buf)
	if err != nil && !isBrokenPipe(err) {
		return trace.Wrap(err, "copying request body")
	}
	return nil
}

// drainResponseMeta reads fd 4 to EOF (or to maxResponseMeta, whichever
// comes first) into memory. An empty result is not an error: it means
// the child wrote nothing, and DecodeResponse treats that as defaults.
func drainResponseMeta(h *procharness.Harness) ([]byte, error) {
	defer h.ResMetaR.Close()
	limited := io.LimitReader(h.ResMetaR, maxResponseMeta+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, trace.Wrap(err, "reading fd4")
	}
	if len(buf) > maxResponseMeta {
		return nil, trace.BadParameter("response-meta exceeded %d bytes", maxResponseMeta)
	}
	return buf, nil
}

// copyResponseBody streams the child's stdout to the client in small
// chunks. If ctx is cancelled first (connection torn down underneath
// us), it terminates the child's process group and stops reading rather
// than blocking on a child that will never finish writing.
func copyResponseBody(ctx context.Context, h *procharness.Harness, w http.ResponseWriter) error {
	defer h.Stdout.Close()

	flusher, _ := w.(http.Flusher)
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, bodyChunk)
		for {
			n, err := h.Stdout.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					done <- werr
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				if err == io.EOF {
					done <- nil
				} else {
					done <- err
				}
				return
			}
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		h.Terminate()
		<-done
		return ctx.Err()
	}
}

// isBrokenPipe reports whether err is the child having closed its end of
// a pipe the parent was still writing to. This is the expected shape of
// "the child never read fd 3" or "the child never read stdin", not a
// failure worth propagating.
func isBrokenPipe(err error) bool {
	if errors.Is(err, syscall.EPIPE) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}
