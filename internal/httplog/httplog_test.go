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

package httplog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cablehead/http-sh/internal/descriptor"
)

func TestEmitter_StartWritesSingleLine(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf)
	if err := e.Start(":8080"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}

	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec["message"] != "start" {
		t.Fatalf("message = %v, want start", rec["message"])
	}
	if rec["address"] != ":8080" {
		t.Fatalf("address = %v, want :8080", rec["address"])
	}
	if _, ok := rec["stamp"].(string); !ok {
		t.Fatal("expected a stamp field")
	}
}

func TestEmitter_RequestIsFlushedImmediately(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf)

	desc := &descriptor.Request{
		Stamp:   descriptor.NewStamp(),
		Proto:   "HTTP/1.1",
		Method:  "GET",
		Headers: map[string][]string{},
		URI:     "/",
		Path:    "/",
		Query:   map[string]string{},
		Response: &descriptor.Response{
			Status: 200,
		},
	}
	if err := e.Request(desc); err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Flushed synchronously: no second write is needed to see the bytes.
	if buf.Len() == 0 {
		t.Fatal("expected bytes to be flushed to the underlying writer")
	}

	var got descriptor.Request
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Response == nil || got.Response.Status != 200 {
		t.Fatalf("response = %+v", got.Response)
	}
}

func TestEmitter_MultipleRecordsStayOnePerLine(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf)
	e.Start(":0")
	e.Start(":0")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}
