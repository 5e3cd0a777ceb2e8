package signer

import "context"

type hostKey struct{}

// WithHost returns a context whose direct upload URLs are rendered against
// host instead of the configured public host. HTTP handlers use it to issue
// upload URLs for the host a request arrived on.
func WithHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, hostKey{}, host)
}

// HostFromContext returns the host stored by WithHost.
func HostFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	host, ok := ctx.Value(hostKey{}).(string)
	return host, ok && host != ""
}
