package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"failuredetector/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

const (
	slowCommand  = 750 * time.Millisecond
	replyTimeout = 5 * time.Second
)

// invoke runs one command handler: bounded by cmd.Timeout, panics turned into
// errors, outcome logged, and any error echoed back to the chat.
func invoke(ctx context.Context, cmd Command, req *Request) error {
	start := time.Now()
	err := guarded(ctx, cmd, req)
	took := time.Since(start)

	fields := []logx.Field{
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.Duration("took", took),
	}
	switch {
	case err != nil:
		req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
		_ = req.Reply(rctx, "⚠️ "+err.Error(), nil)
		cancel()
	case took >= slowCommand:
		req.Logger.Info("command done (slow)", fields...)
	default:
		req.Logger.Debug("command done", fields...)
	}
	return err
}

func guarded(ctx context.Context, cmd Command, req *Request) (err error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			req.Logger.Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cmd.Handle(ctx, req)
}
