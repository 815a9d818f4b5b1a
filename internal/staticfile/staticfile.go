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

// Package staticfile implements the pre-pipeline short circuit: requests
// that resolve to a regular file under a configured root are served
// directly, skipping the process pipeline entirely.
package staticfile

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// TryServe resolves r against root. If the resolution finds a regular
// file (directly, or via an index.html inside a resolved directory), it
// writes the file response and returns true. Any other outcome — missing
// path, directory without an index, method other than GET/HEAD, or an
// attempt to escape root — returns false so the caller can fall through
// to the process pipeline.
func TryServe(root string, w http.ResponseWriter, r *http.Request) bool {
	if root == "" {
		return false
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}

	full, ok := resolve(root, r.URL.Path)
	if !ok {
		return false
	}

	fi, err := os.Stat(full)
	if err != nil {
		return false
	}
	if fi.IsDir() {
		full = filepath.Join(full, "index.html")
		fi, err = os.Stat(full)
		if err != nil || fi.IsDir() {
			return false
		}
	}
	if !fi.Mode().IsRegular() {
		return false
	}

	http.ServeFile(w, r, full)
	return true
}

// resolve joins root with the request path, rejecting anything that
// escapes root after cleaning (e.g. "/../../etc/passwd").
func resolve(root, reqPath string) (string, bool) {
	cleaned := path.Clean("/" + reqPath)
	full := filepath.Join(root, filepath.FromSlash(cleaned))

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}
