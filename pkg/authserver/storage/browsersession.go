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

package storage

import (
	"context"
	"time"

	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
)

// BrowserSessionTTL bounds how long an anonymous browser session cookie
// remains valid before it must be re-established.
const BrowserSessionTTL = 24 * time.Hour

// CreateBrowserSession persists a browser session under uid, independent
// of the downstream-client upstream-auth bag. Access tokens store this
// uid on their Session so the reverse proxy can tear the browser session
// down alongside the grant it was minted from.
func (s *Store) CreateBrowserSession(ctx context.Context, uid string) error {
	return s.kv.Upsert(ctx, kvstore.KindSession, uid, kvstore.Payload{"uid": uid}, BrowserSessionTTL)
}

// FindBrowserSession reports whether uid still names a live browser session.
func (s *Store) FindBrowserSession(ctx context.Context, uid string) (bool, error) {
	_, ok, err := s.kv.Find(ctx, kvstore.KindSession, uid)
	return ok, err
}

// DestroyBrowserSession deletes uid's browser session entry.
func (s *Store) DestroyBrowserSession(ctx context.Context, uid string) error {
	return s.kv.Destroy(ctx, kvstore.KindSession, uid)
}
