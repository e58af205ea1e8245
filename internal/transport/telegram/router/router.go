// Package router receives command updates from the adapter and routes them
// to recipient-management handlers. Everything except /start is gated on the
// fixed operator set from config.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"loadbot/internal/storage"
	kit "loadbot/internal/transport"
	logx "loadbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string   // without leading slash
	Aliases     []string // plain-text aliases, e.g. "list recipients"
	Description string
	Usage       string
	Access      Access
	InMenu      bool
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
}

// Directory is the recipient store surface the handlers need.
type Directory interface {
	SeedOwner(ctx context.Context, id int64, name string) error
	Upsert(ctx context.Context, r storage.Recipient) error
	Extend(ctx context.Context, id int64, until time.Time) (bool, error)
	Remove(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (storage.Recipient, bool, error)
	ListAll(ctx context.Context) ([]storage.Recipient, error)
}

type Router struct {
	adapter kit.Adapter
	dir     Directory
	log     logx.Logger

	mu       sync.Mutex
	owners   map[int64]struct{}
	commands map[string]*Command
	aliases  map[string]*Command
	order    []string

	handlerTimeout time.Duration
	now            func() time.Time // test hook
}

func New(adapter kit.Adapter, dir Directory, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		adapter:        adapter,
		dir:            dir,
		log:            log,
		commands:       map[string]*Command{},
		aliases:        map[string]*Command{},
		handlerTimeout: 10 * time.Second,
		now:            time.Now,
	}
	r.SetOwners(owners)
	r.registerBuiltins()
	return r
}

// SetOwners swaps the privileged operator set (config reload).
func (r *Router) SetOwners(ids []int64) {
	owners := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		owners[id] = struct{}{}
	}
	r.mu.Lock()
	r.owners = owners
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[id]
	return ok
}

func (r *Router) register(cmds ...*Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.ToLower(c.Name)
		r.commands[name] = c
		r.order = append(r.order, name)
		for _, a := range c.Aliases {
			r.aliases[strings.ToLower(strings.TrimSpace(a))] = c
		}
	}
}

// MenuCommands returns the command list for the platform menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kit.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		c := r.commands[name]
		if c == nil || !c.InMenu {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run consumes updates until ctx is canceled. It is the command-handling
// worker: it runs beside the watcher and never blocks on it.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	m := up.Message

	cmd, args := r.match(m.Text)
	if cmd == nil {
		return
	}

	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: m.ChatID},
		FromID:  m.FromID,
		Command: cmd.Name,
		Args:    args,
	}

	if cmd.Access == AccessOwnerOnly && !r.isOwner(req.FromID) {
		r.log.Debug("unauthorized command", logx.Int64("from_id", req.FromID), logx.String("cmd", cmd.Name))
		r.reply(ctx, req, "You are not authorized to use this command.")
		return
	}

	h := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.handlerTimeout),
	)
	if err := h(ctx, req); err != nil {
		// Handler errors were already logged; keep user feedback generic.
		r.reply(ctx, req, "Something went wrong, try again.")
	}
}

// match resolves a message to a command: "/name args..." or a plain-text alias.
func (r *Router) match(text string) (*Command, []string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.HasPrefix(text, "/") {
		fields := strings.Fields(text[1:])
		if len(fields) == 0 {
			return nil, nil
		}
		name := strings.ToLower(fields[0])
		// Strip "@botname" suffix used in groups.
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		if c := r.commands[name]; c != nil {
			return c, fields[1:]
		}
		return nil, nil
	}

	if c := r.aliases[strings.ToLower(text)]; c != nil {
		return c, nil
	}
	return nil, nil
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	_, err := r.adapter.SendText(ctx, req.Chat, text, nil)
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", req.Chat.ChatID), logx.Err(err))
	}
}
