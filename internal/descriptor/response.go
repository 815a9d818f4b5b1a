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

package descriptor

import (
	"bytes"
	"encoding/json"

	"github.com/gravitational/trace"
)

// DefaultStatus is applied when the child's response metadata is absent or
// omits a status.
const DefaultStatus = 200

// DefaultContentType is injected when the child never sets one.
const DefaultContentType = "text/plain"

// Response is the metadata a child may optionally write, as one JSON
// object, to fd 4 before closing it.
type Response struct {
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// DecodeResponse parses the bytes read from fd 4. An empty buffer (the
// child closed fd 4 having written nothing) decodes to the zero-value
// defaults. A non-empty buffer must be exactly one JSON object; a status
// outside 100-599 is rejected the same as a parse failure, per the
// response-metadata contract.
func DecodeResponse(data []byte) (*Response, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Response{Status: DefaultStatus}, nil
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, trace.BadParameter("malformed response metadata: %v", err)
	}
	// Status is a plain int, so a second pass tells an omitted status
	// apart from an explicit 0, which is out of range like any other.
	var present struct {
		Status *int `json:"status"`
	}
	_ = json.Unmarshal(data, &present)
	if present.Status == nil {
		resp.Status = DefaultStatus
	} else if resp.Status < 100 || resp.Status > 599 {
		return nil, trace.BadParameter("response status %d outside 100-599", resp.Status)
	}
	return &resp, nil
}

// ApplyDefaults fills in the Content-Type the child didn't set. Header
// names are matched case-insensitively but otherwise left as the child
// supplied them.
func (r *Response) ApplyDefaults() {
	for name := range r.Headers {
		if asciiEqualFold(name, "content-type") {
			return
		}
	}
	if r.Headers == nil {
		r.Headers = make(map[string]string, 1)
	}
	r.Headers["Content-Type"] = DefaultContentType
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
