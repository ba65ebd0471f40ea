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

// Package ratelimit implements the per-source-IP limiter protecting the
// discovery metadata endpoint.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the per-IP limiter (MAX_REQUESTS / MAX_REQUESTS_WINDOW).
type Config struct {
	// Requests is the number of requests allowed per Window. Defaults to 60.
	Requests int
	// Window is the duration a bucket's Requests budget refills over.
	// Defaults to 60s.
	Window time.Duration
}

func (c Config) applyDefaults() Config {
	if c.Requests <= 0 {
		c.Requests = 60
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	return c
}

// Limiter holds one token-bucket per source IP, each refilling at
// Requests/Window. Bucket state is process-local: sharing it through the
// KV store would turn every metadata request into a store round trip for
// an endpoint that exists precisely to be cheap.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New constructs a Limiter from cfg.
func New(cfg Config) *Limiter {
	cfg = cfg.applyDefaults()
	return &Limiter{cfg: cfg, buckets: make(map[string]*rate.Limiter)}
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.Requests) / l.cfg.Window.Seconds())
		b = rate.NewLimiter(perSecond, l.cfg.Requests)
		l.buckets[key] = b
	}
	return b
}

// Middleware wraps next with the per-IP limit, responding 429 with
// standard rate-limit headers once a source IP exceeds Requests/Window.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		bucket := l.bucketFor(key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Requests))
		if !bucket.Allow() {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(int(l.cfg.Window.Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(bucket.Tokens())))
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the request's source IP, stripping any port. Falls
// back to the raw RemoteAddr if it isn't a host:port pair.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
