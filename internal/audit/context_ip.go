package audit

import "context"

// clientIPKey is an unexported context key for passing client IP through internal layers.
//
// Webhook handlers (Gin) resolve the real client IP and attach it with
// WithClientIP; Record copies it onto the event.
type clientIPKey struct{}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIPFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(clientIPKey{}).(string); ok {
		return s
	}
	return ""
}
