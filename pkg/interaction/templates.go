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

package interaction

import (
	"html/template"
	"net/http"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
)

// confirmLoginHTML is the bare, unbranded confirm-login page. Branding
// (BRANDING_* config) is explicitly out of scope for this component; a
// deployment that needs its own presentation replaces this template
// entirely rather than configuring it.
const confirmLoginHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<h1>Allow this application to sign you in?</h1>
<form method="post" action="{{.Action}}">
<button type="submit" name="confirmed" value="true">Continue</button>
<button type="submit" name="confirmed" value="false">Cancel</button>
</form>
</body>
</html>
`

var confirmLoginTemplate = template.Must(template.New("confirm-login").Parse(confirmLoginHTML))

func (s *Service) renderConfirmLogin(w http.ResponseWriter, ia *storage.Interaction) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct{ Action string }{Action: s.confirmLoginPath(ia.UID)}
	if err := confirmLoginTemplate.Execute(w, data); err != nil {
		return proxyerrors.NewError(proxyerrors.ErrInternal, "rendering confirm-login page", err)
	}
	return nil
}
