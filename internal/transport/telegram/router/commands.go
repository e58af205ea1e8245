package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"loadbot/internal/storage"
	kit "loadbot/internal/transport"
	logx "loadbot/pkg/logx"
)

const expiryDateFormat = "2006-01-02"

func (r *Router) registerBuiltins() {
	r.register(
		&Command{
			Name:        "start",
			Description: "Start the bot",
			Access:      AccessEveryone,
			InMenu:      true,
			Handle:      r.cmdStart,
		},
		&Command{
			Name:        "add",
			Usage:       "/add <user_id> <name>",
			Description: "Add a recipient (30 days)",
			Access:      AccessOwnerOnly,
			InMenu:      true,
			Handle:      r.cmdAdd,
		},
		&Command{
			Name:        "remove",
			Usage:       "/remove <user_id>",
			Description: "Remove a recipient",
			Access:      AccessOwnerOnly,
			InMenu:      true,
			Handle:      r.cmdRemove,
		},
		&Command{
			Name:        "extend",
			Usage:       "/extend <user_id>",
			Description: "Extend a recipient by 30 days",
			Access:      AccessOwnerOnly,
			InMenu:      true,
			Handle:      r.cmdExtend,
		},
		&Command{
			Name:        "list",
			Aliases:     []string{"list recipients"},
			Description: "List recipients",
			Access:      AccessOwnerOnly,
			InMenu:      true,
			Handle:      r.cmdList,
		},
	)
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	if r.isOwner(req.FromID) {
		_, err := r.adapter.SendText(ctx, req.Chat, "Welcome, operator!", &kit.SendOptions{
			ReplyMarkupAdapter: operatorKeyboard(),
		})
		return err
	}

	rec, ok, err := r.dir.Get(ctx, req.FromID)
	if err != nil {
		r.log.Error("recipient lookup failed", logx.Int64("id", req.FromID), logx.Err(err))
		return err
	}
	if !ok {
		r.reply(ctx, req, "You are not registered for load alerts.")
		return nil
	}
	r.reply(ctx, req, fmt.Sprintf("Hello %s (ID: %d, expires: %s)",
		rec.Name, rec.ID, rec.ExpiresAt.Format(expiryDateFormat)))
	return nil
}

func (r *Router) cmdAdd(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		r.reply(ctx, req, "Usage: /add <user_id> <name>")
		return nil
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		r.reply(ctx, req, "Invalid user ID: "+req.Args[0])
		return nil
	}
	name := strings.TrimSpace(strings.Join(req.Args[1:], " "))

	expiry := r.now().Add(storage.DefaultTerm)
	if r.isOwner(id) {
		// Operators never expire.
		expiry = storage.OwnerExpiry
	}

	if err := r.dir.Upsert(ctx, storage.Recipient{ID: id, Name: name, ExpiresAt: expiry}); err != nil {
		r.log.Error("recipient add failed", logx.Int64("id", id), logx.Err(err))
		return err
	}
	r.log.Info("recipient added", logx.Int64("id", id), logx.String("name", name), logx.Time("expires_at", expiry))
	r.reply(ctx, req, fmt.Sprintf("✅ User %d (%q) added until %s.", id, name, expiry.Format(expiryDateFormat)))
	return nil
}

func (r *Router) cmdRemove(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		r.reply(ctx, req, "Usage: /remove <user_id>")
		return nil
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		r.reply(ctx, req, "Invalid user ID: "+req.Args[0])
		return nil
	}

	all, err := r.dir.ListAll(ctx)
	if err != nil {
		r.log.Error("recipient list failed", logx.Err(err))
		return err
	}
	if len(all) == 1 && all[0].ID == id {
		r.reply(ctx, req, "❌ You cannot remove the last recipient!")
		return nil
	}

	if err := r.dir.Remove(ctx, id); err != nil {
		r.log.Error("recipient remove failed", logx.Int64("id", id), logx.Err(err))
		return err
	}
	r.log.Info("recipient removed", logx.Int64("id", id))
	r.reply(ctx, req, fmt.Sprintf("✅ User %d removed.", id))
	return nil
}

func (r *Router) cmdExtend(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		r.reply(ctx, req, "Usage: /extend <user_id>")
		return nil
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		r.reply(ctx, req, "Invalid user ID: "+req.Args[0])
		return nil
	}

	until := r.now().Add(storage.DefaultTerm)
	ok, err := r.dir.Extend(ctx, id, until)
	if err != nil {
		r.log.Error("recipient extend failed", logx.Int64("id", id), logx.Err(err))
		return err
	}
	if !ok {
		r.reply(ctx, req, fmt.Sprintf("User %d is not registered.", id))
		return nil
	}
	r.log.Info("recipient extended", logx.Int64("id", id), logx.Time("expires_at", until))
	r.reply(ctx, req, fmt.Sprintf("🔄 User %d extended to %s.", id, until.Format(expiryDateFormat)))
	return nil
}

func (r *Router) cmdList(ctx context.Context, req *Request) error {
	all, err := r.dir.ListAll(ctx)
	if err != nil {
		r.log.Error("recipient list failed", logx.Err(err))
		return err
	}
	if len(all) == 0 {
		r.reply(ctx, req, "No recipients found.")
		return nil
	}

	now := r.now()
	var b strings.Builder
	b.WriteString("📜 Recipients:\n")
	for _, rec := range all {
		marker := "🔹"
		if !rec.ActiveAt(now) {
			marker = "⚠️ expired"
		}
		fmt.Fprintf(&b, "%s %s (ID: %d, expires: %s)\n",
			marker, rec.Name, rec.ID, rec.ExpiresAt.Format(expiryDateFormat))
	}
	r.reply(ctx, req, b.String())
	return nil
}
