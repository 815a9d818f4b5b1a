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

package listener

import (
	"crypto/tls"
	"net"
	"os"

	"github.com/gravitational/trace"
)

// LoadTLSConfig reads a single PEM file expected to contain both a
// certificate chain and its private key (RSA, PKCS8 or EC form, in
// whichever order the blocks appear) and returns a *tls.Config advertising
// ALPN for h2 and http/1.1, per the child contract.
func LoadTLSConfig(pemPath string) (*tls.Config, error) {
	pemBytes, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, trace.Wrap(err, "reading tls pem %q", pemPath)
	}
	cert, err := tls.X509KeyPair(pemBytes, pemBytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing tls pem %q", pemPath)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// WrapTLS performs the TLS handshake on every connection accepted from
// inner before handing it to the HTTP layer.
func WrapTLS(inner net.Listener, cfg *tls.Config) net.Listener {
	return tls.NewListener(inner, cfg)
}
