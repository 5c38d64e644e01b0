package commands

import (
	"context"
	"fmt"
	"html"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"failuredetector/internal/runtime/supervisor"
	"failuredetector/internal/transport"
	"failuredetector/pkg/logx"
)

const jobQueue = 64

// Router dispatches chat updates to registered commands on a bounded worker pool.
type Router struct {
	mu      sync.RWMutex
	byName  map[string]*Command
	list    []Command
	owners  []int64
	adapter transport.Adapter

	log  logx.Logger
	jobs chan func()

	supMu sync.Mutex
	sup   *supervisor.Supervisor
}

func NewRouter(log logx.Logger, adapter transport.Adapter, owners []int64) *Router {
	r := &Router{
		byName:  map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		adapter: adapter,
		log:     log.With(logx.String("comp", "commands")),
		jobs:    make(chan func(), jobQueue),
	}
	r.SetCommands(nil)
	return r
}

// SetOwners replaces the owner list used for AccessOwnerOnly. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) SetAdapter(a transport.Adapter) {
	r.mu.Lock()
	r.adapter = a
	r.mu.Unlock()
}

func (r *Router) snapshot() (transport.Adapter, []int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapter, r.owners
}

// SetCommands replaces the registry. /help is always present.
func (r *Router) SetCommands(cmds []Command) {
	help := Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "list commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpText(req.Args))
		},
	}
	cmds = append(slices.Clone(cmds), help)

	byName := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeName(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		cc := c
		list = append(list, cc)
		byName[name] = &cc
		for _, a := range c.Aliases {
			if a = sanitizeName(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = &cc
				}
			}
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	r.mu.Lock()
	r.byName = byName
	r.list = list
	adapter := r.adapter
	r.mu.Unlock()

	if up, ok := adapter.(transport.CommandMenuUpdater); ok {
		menu := make([]transport.BotCommand, 0, len(list))
		for _, c := range list {
			menu = append(menu, transport.BotCommand{Command: c.Name, Description: c.Description})
		}
		r.goBackground("menu.update", func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				r.log.Debug("command menu update failed", logx.Err(err))
			}
		})
	}
}

func (r *Router) goBackground(name string, fn func(ctx context.Context)) {
	r.supMu.Lock()
	sup := r.sup
	r.supMu.Unlock()
	if sup != nil {
		sup.Go0(name, fn)
		return
	}
	go fn(context.Background())
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.list)
}

// Dispatch consumes updates until ctx ends or the channel closes.
func (r *Router) Dispatch(ctx context.Context, updates <-chan transport.Update) error {
	workers := max(2, runtime.NumCPU())
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	r.supMu.Lock()
	r.sup = sup
	r.supMu.Unlock()

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.supMu.Lock()
		r.sup = nil
		r.supMu.Unlock()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route parses one update and queues the matching command.
func (r *Router) Route(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)

	r.mu.RLock()
	cmd := r.byName[word]
	r.mu.RUnlock()
	adapter, owners := r.snapshot()
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if cmd == nil {
		r.replyAsync(ctx, adapter, chat, "unknown command, try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !slices.Contains(owners, msg.FromID) {
		r.log.Warn("unauthorized command", logx.String("cmd", cmd.Name), logx.Int64("from_id", msg.FromID))
		r.replyAsync(ctx, adapter, chat, "unauthorized")
		return
	}

	pos, flags, bools := parseFlags(parts[1:])
	rid := newReqID()
	req := &Request{
		Message:   msg,
		Chat:      chat,
		FromID:    msg.FromID,
		Command:   cmd.Name,
		Args:      pos,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   adapter,
		Logger:    r.log.With(logx.String("rid", rid), logx.String("cmd", cmd.Name)),
	}
	select {
	case r.jobs <- func() { _ = invoke(ctx, *cmd, req) }:
	default:
		r.replyAsync(ctx, adapter, chat, "busy, try again")
	}
}

func (r *Router) replyAsync(ctx context.Context, a transport.Adapter, to transport.ChatTarget, text string) {
	if a == nil {
		return
	}
	r.goBackground("reply", func(context.Context) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = a.SendText(sctx, to, text, nil)
	})
}

func (r *Router) helpText(args []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(args) > 0 {
		c := r.byName[sanitizeName(strings.TrimPrefix(args[0], "/"))]
		if c == nil {
			return "unknown command, try <code>/help</code>"
		}
		lines := []string{fmt.Sprintf("<b>/%s</b>", html.EscapeString(c.Name))}
		if c.Description != "" {
			lines = append(lines, html.EscapeString(c.Description))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
		if c.Usage != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(c.Usage)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "", "<b>Aliases</b> "+html.EscapeString("/"+strings.Join(c.Aliases, " /")))
		}
		return strings.Join(lines, "\n")
	}

	lines := []string{"<b>Commands</b>", ""}
	for _, c := range r.list {
		lock := ""
		if c.Access == AccessOwnerOnly {
			lock = "🔒 "
		}
		line := "• " + lock + "<code>/" + html.EscapeString(c.Name) + "</code>"
		if c.Description != "" {
			line += " " + html.EscapeString(c.Description)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
