package messages

import (
	"context"
	"log/slog"
)

// PassGuard grants one replica at a time the right to run a named pass.
// utils.Slots with a limit of 1 satisfies it.
type PassGuard interface {
	TryAcquire(ctx context.Context, name string) (release func(context.Context), ok bool, err error)
}

// withLease runs fn when the lease is free. A guard error does not block the
// pass: row claims still keep submissions single.
func withLease(ctx context.Context, g PassGuard, name string, log *slog.Logger, fn func(context.Context) error) (ran bool, err error) {
	if g == nil {
		return true, fn(ctx)
	}
	release, ok, err := g.TryAcquire(ctx, name)
	if err != nil {
		log.WarnContext(ctx, "pass lease unavailable, running unguarded", slog.String("pass", name), slog.Any("err", err))
		return true, fn(ctx)
	}
	if !ok {
		log.DebugContext(ctx, "pass held by another replica", slog.String("pass", name))
		return false, nil
	}
	defer release(context.WithoutCancel(ctx))
	return true, fn(ctx)
}
