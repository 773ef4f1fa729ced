package httpapi

import (
	"context"
	"sync/atomic"
	"time"
)

type ctxBox struct{ ctx context.Context }

// shutdownCtx is cancelled when the process starts shutting down.
var shutdownCtx atomic.Pointer[ctxBox]

// SetBaseContext installs the shutdown context. Long-running handlers
// (downloads, loads, generations) stop when it is cancelled. nil resets it.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		shutdownCtx.Store(nil)
		return
	}
	shutdownCtx.Store(&ctxBox{ctx: ctx})
}

func baseContext() context.Context {
	if b := shutdownCtx.Load(); b != nil {
		return b.ctx
	}
	return context.Background()
}

// operationContext derives a context from the request that is also
// cancelled on shutdown and, when limit > 0, after limit.
func operationContext(parent context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(baseContext(), cancel)
	if limit > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, limit)
		return ctx, func() { tcancel(); stop(); cancel() }
	}
	return ctx, func() { stop(); cancel() }
}
