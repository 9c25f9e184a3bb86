package stats

import (
	"context"
)

type contextKey struct{}

func InjectContext(ctx context.Context, stats Stats) context.Context {
	return context.WithValue(ctx, contextKey{}, stats)
}

func GetStats(ctx context.Context) Stats {
	entry, ok := ctx.Value(contextKey{}).(Stats)
	if !ok {
		return Noop()
	}
	return entry
}
