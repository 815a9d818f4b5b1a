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

// Package httplog emits the two structured log lines this server ever
// writes: the one-time startup record and one completion record per
// request. Both are the frozen JSON shapes operators and tests parse
// directly, with no enclosing envelope, so this stays a thin
// encoding/json writer rather than a general leveled logger.
package httplog

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/gravitational/trace"

	"github.com/cablehead/http-sh/internal/descriptor"
)

// Emitter writes newline-delimited JSON to an underlying writer. Unlike
// the buffered JSONL sink it is grounded on, it flushes after every line:
// a batch of requests accumulating unflushed in a buffer would make the
// startup-log-gates-readiness contract (a test or supervisor blocking on
// the first log line) impossible to satisfy.
type Emitter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// New wraps w with a line-buffered JSON encoder.
func New(w io.Writer) *Emitter {
	return &Emitter{w: bufio.NewWriter(w)}
}

type startRecord struct {
	Stamp   string `json:"stamp"`
	Message string `json:"message"`
	Address string `json:"address"`
}

// Start emits the one-time startup record. Its appearance on the log
// stream is the readiness signal: nothing before it means the listener
// might not be bound yet.
func (e *Emitter) Start(address string) error {
	return e.emit(startRecord{
		Stamp:   descriptor.NewStamp(),
		Message: "start",
		Address: address,
	})
}

// Request emits the completion record for one request: the full request
// descriptor, with its Response field populated by the caller before
// this is called.
func (e *Emitter) Request(desc *descriptor.Request) error {
	return e.emit(desc)
}

func (e *Emitter) emit(v interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	enc := json.NewEncoder(e.w)
	if err := enc.Encode(v); err != nil {
		return trace.Wrap(err, "encoding log record")
	}
	return trace.Wrap(e.w.Flush())
}
