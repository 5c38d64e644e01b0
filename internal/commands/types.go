// Package commands routes chat commands to handlers.
package commands

import (
	"context"
	"time"

	"failuredetector/internal/transport"
	"failuredetector/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Name is the command word without the slash, e.g. "fd_status".
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	Plugin  string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message *transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string

	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter transport.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *transport.SendOptions) error {
	if r.Adapter == nil {
		return nil
	}
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

// ReplyHTML sends HTML-formatted text without link previews.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	return r.Reply(ctx, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

// ReplyPhoto sends an image with an HTML caption.
func (r *Request) ReplyPhoto(ctx context.Context, data []byte, caption string) error {
	if r.Adapter == nil {
		return nil
	}
	_, err := r.Adapter.SendPhoto(ctx, r.Chat, transport.Photo{Data: data, Caption: caption}, &transport.SendOptions{ParseMode: "HTML"})
	return err
}
