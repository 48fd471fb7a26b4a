package dcontext

import "context"

// DetachedContext returns a context that keeps the values of ctx (logger,
// upload id) but is never canceled. Cache writes and event delivery that
// follow a committed blob use it so a dropped client connection does not
// leave them half done.
func DetachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
