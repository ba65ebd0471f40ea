package upstreamidp

import (
	"context"
	"errors"
	"net"
	"net/url"

	"golang.org/x/oauth2"

	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
)

// classifyRefreshError maps a raw error from a refresh attempt onto the
// error taxonomy. A token-expired classification means the end user must
// re-authenticate; a network/server classification means a subsequent
// call to Refresh might succeed without user interaction (transient
// infrastructure failure).
func classifyRefreshError(err error) *proxyerrors.Error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.ErrorCode
		if code == "invalid_grant" || code == "invalid_token" {
			return proxyerrors.NewError(proxyerrors.ErrRefreshTokenExpired,
				"upstream rejected the refresh token: "+code, err)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return proxyerrors.NewError(proxyerrors.ErrRefreshServerError,
				"upstream returned a server error during refresh", err)
		}
		return proxyerrors.NewError(proxyerrors.ErrRefreshUnknownError,
			"upstream rejected the refresh request: "+code, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || isNetworkError(err) {
		return proxyerrors.NewError(proxyerrors.ErrRefreshNetworkError,
			"network error contacting upstream IdP", err)
	}

	return proxyerrors.NewError(proxyerrors.ErrRefreshUnknownError,
		"unrecognized error refreshing upstream token", err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isNetworkError(urlErr.Err)
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
