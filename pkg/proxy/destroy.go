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

import "context"

// destroyAccess deletes the Client entity, the Grant the access token was
// minted under, the access token itself, and the browser Session it was
// bound to. Every downstream token minted under the same grant dies with
// it (kvstore.RevokeByGrant, invoked by Store.DestroyGrant).
func (h *Handler) destroyAccess(ctx context.Context, rc *resolvedClient, at *accessTokenRecord) error {
	if rc.id != "" {
		if err := h.Store.DestroyClient(ctx, rc.id); err != nil {
			return err
		}
	}
	if at.grantID != "" {
		if err := h.Store.DestroyGrant(ctx, at.grantID); err != nil {
			return err
		}
	}
	if at.signature != "" {
		if err := h.Store.DeleteAccessTokenSession(ctx, at.signature); err != nil {
			return err
		}
	}
	if at.sessionUID != "" {
		if err := h.Store.DestroyBrowserSession(ctx, at.sessionUID); err != nil {
			return err
		}
	}
	return nil
}
