// Package auth builds the outbound HTTP client used for fetching protected
// resources from the forum. Attachment downloads require the same bearer
// token the API client holds.
package auth

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// HTTPClient returns an HTTP client that attaches the given OAuth2 access
// token to every request. With an empty token an unauthenticated client is
// returned. Either way the transport is instrumented for tracing.
func HTTPClient(ctx context.Context, accessToken string) *http.Client {
	if accessToken == "" {
		return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})

	base := oauth2.NewClient(ctx, ts)
	base.Transport = otelhttp.NewTransport(base.Transport)

	return base
}
