// Copyright 2025 Stacklok, Inc.
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

package proxy

import "net/http"

// inboundAllowList is the exact set of inbound headers forwarded
// upstream. Everything else, including the original Authorization header,
// is dropped.
var inboundAllowList = []string{
	"User-Agent",
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
}

// outboundAllowList is the exact set of upstream response headers relayed
// back to the downstream client.
var outboundAllowList = []string{
	"Content-Type",
	"Date",
	"Transfer-Encoding",
}

// buildUpstreamHeaders copies the allow-listed inbound headers, sets the
// upstream bearer token, and adds the two synthetic headers client carries
// for the upstream's benefit.
func buildUpstreamHeaders(inbound http.Header, client *resolvedClient) http.Header {
	out := make(http.Header, len(inboundAllowList)+4)
	for _, name := range inboundAllowList {
		if v := inbound.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", DefaultUserAgent)
	}
	if reqID := inbound.Get("X-Request-Id"); reqID != "" {
		out.Set("X-Request-Id", reqID)
	}

	out.Set("Authorization", "Bearer "+client.upstreamAccessToken)
	if client.upstreamScope != "" {
		out.Set("X-Authorization-Scope", client.upstreamScope)
	}
	out.Set("X-Dynamic-Client-Id", client.id)
	return out
}

// copyOutboundHeaders relays the allow-listed response headers.
func copyOutboundHeaders(dst http.ResponseWriter, src http.Header) {
	for _, name := range outboundAllowList {
		if v := src.Get(name); v != "" {
			dst.Header().Set(name, v)
		}
	}
}
