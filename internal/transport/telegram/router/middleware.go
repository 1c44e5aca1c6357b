package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"chatdigest/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			if err != nil {
				req.Logger.Warn("request failed", logx.Duration("dur", d), logx.Err(err))
				return err
			}
			// Short successful requests stay at DEBUG.
			if d >= 750*time.Millisecond {
				req.Logger.Info("request ok", logx.Duration("dur", d))
			} else {
				req.Logger.Debug("request ok", logx.Duration("dur", d))
			}
			return nil
		}
	}
}

// MWReplyError turns a handler error into a reply so the owner sees it.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil {
				_ = req.ReplyText(context.WithoutCancel(ctx), "⚠️ "+err.Error())
			}
			return err
		}
	}
}
