package failuredetector

import (
	"context"
	"html"
	"strconv"

	"failuredetector/internal/commands"
)

func (p *Plugin) Commands() []commands.Command {
	return []commands.Command{
		{
			Name:        "fd_status",
			Aliases:     []string{"fds"},
			Description: "detector state, model and last result",
			Usage:       "/fd_status",
			Access:      commands.AccessOwnerOnly,
			Handle:      p.handleStatus,
		},
		{
			Name:        "fd_check",
			Aliases:     []string{"fdc"},
			Description: "run one detection now and send the frame",
			Usage:       "/fd_check",
			Access:      commands.AccessOwnerOnly,
			Handle:      p.handleCheck,
		},
		{
			Name:        "fd_history",
			Aliases:     []string{"fdh"},
			Description: "recent detections",
			Usage:       "/fd_history [count]",
			Access:      commands.AccessOwnerOnly,
			Handle:      p.handleHistory,
		},
		{
			Name:        "fd_reload",
			Description: "reload the model from model_dir",
			Usage:       "/fd_reload",
			Access:      commands.AccessOwnerOnly,
			Handle:      p.handleReload,
		},
	}
}

func (p *Plugin) handleStatus(ctx context.Context, req *commands.Request) error {
	return req.ReplyHTML(ctx, formatStatus(p.status()))
}

func (p *Plugin) handleCheck(ctx context.Context, req *commands.Request) error {
	r, err := p.forceCheck(ctx)
	if err != nil {
		return err
	}
	text := formatResultLine(r)
	if photo := r.Snapshot(); len(photo) > 0 && req.Adapter != nil {
		return req.ReplyPhoto(ctx, photo, text)
	}
	return req.ReplyHTML(ctx, text)
}

func (p *Plugin) handleHistory(ctx context.Context, req *commands.Request) error {
	n := clampPositiveIntArg(req.Args, 10, 50)
	ds, err := p.history(ctx, n)
	if err != nil {
		return err
	}
	return req.ReplyHTML(ctx, formatHistory(ds))
}

func (p *Plugin) handleReload(ctx context.Context, req *commands.Request) error {
	info, err := p.reload(ctx)
	if err != nil {
		return err
	}
	return req.ReplyHTML(ctx, "✅ Model reloaded: <b>"+html.EscapeString(info.Name)+"</b> ("+info.Backend+", "+strconv.Itoa(len(info.Labels))+" labels)")
}

func clampPositiveIntArg(args []string, def, maxVal int) int {
	if len(args) == 0 {
		return def
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxVal)
}
