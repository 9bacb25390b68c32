// Package telegram is an owner-only operator bot: it answers sync commands
// and forwards sync alerts from the event bus to the owners.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"matchsync/internal/clock"
	"matchsync/internal/eventbus"
	"matchsync/internal/resultsync"
	rtsup "matchsync/internal/runtime/supervisor"
	logx "matchsync/pkg/logx"
)

// Config controls the bot. An empty OwnerIDs list locks every command.
type Config struct {
	Enabled        bool
	Token          string
	OwnerIDs       []int64
	PollTimeout    time.Duration
	CommandTimeout time.Duration
	// AlertTopics are event bus prefixes forwarded to owners.
	AlertTopics []string
	AlertRate   float64
	AlertDedup  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 15 * time.Second
	}
	if c.AlertTopics == nil {
		c.AlertTopics = []string{eventbus.SyncExpired, eventbus.SyncScheduleFailed}
	}
	if c.AlertRate <= 0 {
		c.AlertRate = 1
	}
	if c.AlertDedup < 0 {
		c.AlertDedup = 0
	}
	return c
}

// Sender delivers text to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type Deps struct {
	Sync  SyncService
	Audit Auditor
	Bus   eventbus.Bus
	Clock clock.Clock
}

type Bot struct {
	cfg   Config
	sync  SyncService
	audit Auditor
	bus   eventbus.Bus
	clock clock.Clock
	log   logx.Logger

	send     Sender
	poller   poller
	handlers map[string]HandlerFunc
	limiter  *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

// poller receives updates until stopped.
type poller interface {
	Listen(dispatch func(ctx context.Context, req Request) string)
	Start()
	Stop()
}

// New connects to Telegram with cfg.Token.
func New(cfg Config, deps Deps, log logx.Logger) (*Bot, error) {
	cfg = cfg.withDefaults()
	tb, err := newTelebot(cfg)
	if err != nil {
		return nil, err
	}
	return newBot(cfg, deps, tb, tb, log), nil
}

func newBot(cfg Config, deps Deps, send Sender, p poller, log logx.Logger) *Bot {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	b := &Bot{
		cfg:     cfg,
		sync:    deps.Sync,
		audit:   deps.Audit,
		bus:     deps.Bus,
		clock:   deps.Clock,
		log:     log.With(logx.Component("telegram")),
		send:    send,
		poller:  p,
		limiter: rate.NewLimiter(rate.Limit(cfg.AlertRate), 1),
		dedup:   map[string]time.Time{},
	}

	mws := []Middleware{mwRecover(b.log), mwLog(b.log), mwOwnerOnly(cfg.OwnerIDs), mwTimeout(cfg.CommandTimeout)}
	b.handlers = map[string]HandlerFunc{
		"help":  chain(b.cmdHelp, mws...),
		"start": chain(b.cmdHelp, mws...),
	}
	for _, c := range b.commands() {
		b.handlers[c.name] = chain(c.fn, mws...)
	}
	return b
}

// Dispatch runs a command and returns the reply. Unknown commands and
// messages from non-owners get no reply.
func (b *Bot) Dispatch(ctx context.Context, req Request) string {
	h, ok := b.handlers[req.Name]
	if !ok {
		return ""
	}
	reply, err := h(ctx, req)
	switch {
	case err == nil:
		return reply
	case errors.Is(err, errNotOwner):
		return ""
	case errors.Is(err, errUsage):
		for _, c := range b.commands() {
			if c.name == req.Name {
				return "usage: " + c.usage
			}
		}
		return "usage error"
	case errors.Is(err, resultsync.ErrInvalidArgument):
		return "invalid: " + err.Error()
	default:
		return "error: " + err.Error()
	}
}

// Start begins polling and alert forwarding. It is idempotent.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sup != nil {
		return
	}
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log), rtsup.WithCancelOnError(false))

	if b.poller != nil {
		b.poller.Listen(b.Dispatch)
		p := b.poller
		b.sup.Go0("telegram.poll", func(ctx context.Context) {
			go func() {
				<-ctx.Done()
				p.Stop()
			}()
			b.log.Info("polling started")
			p.Start()
		})
	}
	if b.bus != nil && len(b.cfg.AlertTopics) > 0 {
		ch, unsub := b.bus.Subscribe(64, b.cfg.AlertTopics...)
		b.sup.Go0("telegram.alerts", func(ctx context.Context) {
			defer unsub()
			b.forward(ctx, ch)
		})
	}
}

// Stop waits for the poller and alert loop, bounded by ctx.
func (b *Bot) Stop(ctx context.Context) {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("telegram stop grace elapsed; continuing shutdown", logx.Err(err))
		return
	}
	b.log.Info("polling stopped")
}

func (b *Bot) forward(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.alert(ctx, e)
		}
	}
}

func (b *Bot) alert(ctx context.Context, e eventbus.Event) {
	se, _ := e.Data.(eventbus.SyncEvent)
	key := fmt.Sprintf("%s:%d:%d", e.Type, se.EventID, se.MatchID)
	if b.suppressed(key) {
		return
	}
	text := alertText(e.Type, se)
	for _, owner := range b.cfg.OwnerIDs {
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		if err := b.send.Send(ctx, owner, text); err != nil {
			b.log.Warn("alert send failed", logx.Int64("chat_id", owner), logx.String("type", e.Type), logx.Err(err))
		}
	}
}

// suppressed reports whether key was alerted within the dedup window and
// records it otherwise.
func (b *Bot) suppressed(key string) bool {
	if b.cfg.AlertDedup <= 0 {
		return false
	}
	now := b.clock.Now()
	b.dmu.Lock()
	defer b.dmu.Unlock()
	if until, ok := b.dedup[key]; ok && now.Before(until) {
		return true
	}
	for k, until := range b.dedup {
		if !now.Before(until) {
			delete(b.dedup, k)
		}
	}
	b.dedup[key] = now.Add(b.cfg.AlertDedup)
	return false
}

func alertText(typ string, se eventbus.SyncEvent) string {
	switch typ {
	case eventbus.SyncExpired:
		return fmt.Sprintf("⏹ event %d: sync window closed on match %d, results stay incomplete", se.EventID, se.MatchID)
	case eventbus.SyncScheduleFailed:
		return fmt.Sprintf("⚠️ event %d: could not schedule sync for match %d %s", se.EventID, se.MatchID, se.Err)
	default:
		return fmt.Sprintf("%s event %d match %d", typ, se.EventID, se.MatchID)
	}
}
