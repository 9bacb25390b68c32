package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"matchsync/internal/attempt"
	"matchsync/internal/match"
	"matchsync/internal/resultsync"
	"matchsync/internal/storage"
	"matchsync/internal/task/trigger"
	logx "matchsync/pkg/logx"
)

// SyncService is what the bot commands drive.
type SyncService interface {
	Status(ctx context.Context, id match.EventID) (resultsync.Status, error)
	Relaunch(ctx context.Context, id match.EventID, matchID match.MatchID) (bool, error)
	Jobs() []trigger.Job
	Attempts() []attempt.Entry
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

var errUsage = errors.New("usage")

// Request is one parsed command message.
type Request struct {
	ChatID int64
	FromID int64
	Name   string
	Args   []string
}

type HandlerFunc func(ctx context.Context, req Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type command struct {
	name  string
	usage string
	desc  string
	fn    HandlerFunc
}

// parse splits "/relaunch@MyBot 7 3" into ("relaunch", ["7", "3"]).
func parse(text string) (string, []string, bool) {
	f := strings.Fields(strings.TrimSpace(text))
	if len(f) == 0 || !strings.HasPrefix(f[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(f[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), f[1:], name != ""
}

func mwOwnerOnly(owners []int64) Middleware {
	allowed := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		allowed[id] = struct{}{}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (string, error) {
			if _, ok := allowed[req.FromID]; !ok {
				return "", errNotOwner
			}
			return next(ctx, req)
		}
	}
}

var errNotOwner = errors.New("not an owner")

func mwTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func mwRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("command panic recovered", logx.String("cmd", req.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func mwLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (string, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []logx.Field{
				logx.String("cmd", req.Name),
				logx.Int64("from", req.FromID),
				logx.Duration("took", time.Since(start)),
			}
			if err != nil {
				log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				log.Debug("command handled", fields...)
			}
			return reply, err
		}
	}
}

func (b *Bot) commands() []command {
	return []command{
		{name: "status", usage: "/status <event_id>", desc: "sync state of an event", fn: b.cmdStatus},
		{name: "relaunch", usage: "/relaunch <event_id> <match_id>", desc: "reset attempts and sync now", fn: b.cmdRelaunch},
		{name: "jobs", usage: "/jobs", desc: "pending sync jobs", fn: b.cmdJobs},
		{name: "attempts", usage: "/attempts", desc: "futile attempt counters", fn: b.cmdAttempts},
	}
}

func (b *Bot) cmdHelp(_ context.Context, _ Request) (string, error) {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, c := range b.commands() {
		fmt.Fprintf(&sb, "%s  %s\n", c.usage, c.desc)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *Bot) cmdStatus(ctx context.Context, req Request) (string, error) {
	if len(req.Args) != 1 {
		return "", errUsage
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return "", errUsage
	}
	st, err := b.sync.Status(ctx, match.EventID(id))
	if err != nil {
		return "", err
	}
	return formatStatus(st), nil
}

func (b *Bot) cmdRelaunch(ctx context.Context, req Request) (string, error) {
	if len(req.Args) != 2 {
		return "", errUsage
	}
	id, err1 := parseID(req.Args[0])
	mid, err2 := parseID(req.Args[1])
	if err1 != nil || err2 != nil {
		return "", errUsage
	}
	existed, err := b.sync.Relaunch(ctx, match.EventID(id), match.MatchID(mid))
	if b.audit != nil {
		e := storage.AuditEntry{
			Actor:   "telegram:" + strconv.FormatInt(req.FromID, 10),
			Action:  "relaunch",
			EventID: match.EventID(id),
			MatchID: match.MatchID(mid),
			OK:      err == nil && existed,
		}
		if err != nil {
			e.Error = err.Error()
		}
		if aerr := b.audit.AppendAudit(ctx, e); aerr != nil {
			b.log.Warn("audit write failed", logx.Err(aerr))
		}
	}
	if err != nil {
		return "", err
	}
	if !existed {
		return fmt.Sprintf("event %d has no pending sync job", id), nil
	}
	return fmt.Sprintf("event %d relaunched on match %d", id, mid), nil
}

func (b *Bot) cmdJobs(context.Context, Request) (string, error) {
	jobs := b.sync.Jobs()
	if len(jobs) == 0 {
		return "no pending jobs", nil
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].FireAt.Before(jobs[j].FireAt) })
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending:\n", len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(&sb, "event %d match %d at %s\n", j.EventID, j.MatchID, j.FireAt.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *Bot) cmdAttempts(context.Context, Request) (string, error) {
	entries := b.sync.Attempts()
	if len(entries) == 0 {
		return "no futile attempts", nil
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "event %d: %d\n", e.EventID, e.Attempts)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatStatus(st resultsync.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "event %d\n", st.EventID)
	if st.Job != nil {
		fmt.Fprintf(&sb, "next sync: match %d at %s\n", st.Job.MatchID, st.Job.FireAt.UTC().Format(time.RFC3339))
	} else {
		sb.WriteString("next sync: none\n")
	}
	fmt.Fprintf(&sb, "futile attempts: %d", st.Attempts)
	if c := st.Completion; c != nil {
		fmt.Fprintf(&sb, "\ncompleted matches: %d/%d", c.Completed, c.Total)
	}
	if len(st.Triggers) > 0 {
		fmt.Fprintf(&sb, "\nlast trigger: %s", st.Triggers[0].UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func parseID(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return v, nil
}
