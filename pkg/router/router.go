// Package router wires every gateway component into a pipeline.Pipeline,
// owns the per-session locks and cancel events the agent_dispatcher stage
// needs, and implements the pipeline.Router callback surface.
package router

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/kapy9250/cli-gateway-sub000/pkg/auth"
	"github.com/kapy9250/cli-gateway-sub000/pkg/billing"
	"github.com/kapy9250/cli-gateway-sub000/pkg/bus"
	"github.com/kapy9250/cli-gateway-sub000/pkg/channels"
	"github.com/kapy9250/cli-gateway-sub000/pkg/config"
	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
	"github.com/kapy9250/cli-gateway-sub000/pkg/session"
	"github.com/kapy9250/cli-gateway-sub000/pkg/streaming"
)

// cancelEvent is a simple broadcastable boolean flag, equivalent to the
// source's per-session asyncio.Event.
type cancelEvent struct {
	mu  sync.Mutex
	set bool
}

func (c *cancelEvent) Set()        { c.mu.Lock(); c.set = true; c.mu.Unlock() }
func (c *cancelEvent) IsSet() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.set }
func (c *cancelEvent) Clear()      { c.mu.Lock(); c.set = false; c.mu.Unlock() }

// sessionLock adapts sync.Mutex to pipeline.Locker's TryLock contract.
type sessionLock struct{ mu sync.Mutex }

func (s *sessionLock) TryLock() bool { return s.mu.TryLock() }
func (s *sessionLock) Lock()         { s.mu.Lock() }
func (s *sessionLock) Unlock()       { s.mu.Unlock() }

// Router owns shared component references and per-session coordination
// state, and builds the 7-stage middleware pipeline.
type Router struct {
	mu sync.Mutex

	Auth      *auth.Auth
	Sessions  *session.Manager
	Agents    pipeline.AgentRegistry
	Billing   *billing.Tracker
	TwoFactor pipeline.TwoFactorComponent
	SudoState pipeline.SudoStateComponent
	SysExecutor pipeline.SysExecutorComponent
	SysClient   pipeline.SysClientComponent
	SysGrant    pipeline.SysGrantComponent
	Audit     pipeline.AuditLogger
	Memory    pipeline.MemoryComponent
	Formatter *streaming.Formatter
	Config    *config.Config
	Channels  map[string]channels.ChatChannel
	Log       *logger.Logger

	pipeline *pipeline.Pipeline

	sessionLocks  map[string]*sessionLock
	cancelEvents  map[string]*cancelEvent
	userAgentPref map[string]string
	userModelPref map[string]string
}

func New(cfg *config.Config, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	r := &Router{
		Config:        cfg,
		Log:           log,
		Channels:      map[string]channels.ChatChannel{},
		sessionLocks:  map[string]*sessionLock{},
		cancelEvents:  map[string]*cancelEvent{},
		userAgentPref: map[string]string{},
		userModelPref: map[string]string{},
	}
	r.pipeline = pipeline.New(
		LoggingMiddleware,
		AuthMiddleware,
		ModeGuardMiddleware,
		TwoFactorReplyMiddleware,
		CommandParserMiddleware,
		SessionResolverMiddleware,
		AgentDispatcherMiddleware,
	)
	return r
}

// HandleMessage builds a Context for msg and runs it through the pipeline.
func (r *Router) HandleMessage(ctx context.Context, msg bus.IncomingMessage) error {
	channel := r.Channels[msg.Channel]
	pctx := &pipeline.Context{
		Ctx:         ctx,
		Message:     msg,
		ChannelName: msg.Channel,
		UserID:      msg.UserID,
		Router:      r,
		Auth:        r.Auth,
		Sessions:    r.Sessions,
		Agents:      r.Agents,
		Channel:     channel,
		Billing:     r.Billing,
		TwoFactor:   r.TwoFactor,
		SudoState:   r.SudoState,
		SysExecutor: r.SysExecutor,
		SysClient:   r.SysClient,
		SysGrant:    r.SysGrant,
		Audit:       r.Audit,
		Memory:      r.Memory,
		Formatter:   r.Formatter,
		Config:      r.Config,
		Log:         r.Log,
	}
	return r.pipeline.Execute(pctx)
}

// Reply sends text back on the channel the message arrived on, converting
// the lightweight HTML markup used internally into whatever dialect that
// channel expects.
func (r *Router) Reply(ctx context.Context, msg bus.IncomingMessage, text string) error {
	channel, ok := r.Channels[msg.Channel]
	if !ok {
		return fmt.Errorf("router: unknown channel %q", msg.Channel)
	}
	_, err := channel.SendText(ctx, msg.ChatID, FormatForChannel(msg.Channel, text))
	return err
}

var (
	boldTag   = regexp.MustCompile(`(?s)<b>(.*?)</b>`)
	codeTag   = regexp.MustCompile(`(?s)<code>(.*?)</code>`)
	anyHTMLTag = regexp.MustCompile(`<[^>]+>`)
)

// FormatForChannel converts the gateway's internal lightweight HTML into
// channel-appropriate markup: Telegram keeps HTML as-is; everything else
// is downgraded to Markdown-ish plain text with entities unescaped.
func FormatForChannel(channel, text string) string {
	if strings.EqualFold(channel, "telegram") {
		return text
	}
	out := boldTag.ReplaceAllString(text, "**$1**")
	out = codeTag.ReplaceAllString(out, "`$1`")
	out = anyHTMLTag.ReplaceAllString(out, "")
	return html.UnescapeString(out)
}

// ScopeID derives the per-scope routing key for msg.
func (r *Router) ScopeID(msg bus.IncomingMessage) string {
	return session.BuildScopeID(msg)
}

func (r *Router) GetSessionLock(sessionID string) pipeline.Locker {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.sessionLocks[sessionID]
	if !ok {
		lock = &sessionLock{}
		r.sessionLocks[sessionID] = lock
	}
	return lock
}

func (r *Router) PopSessionLock(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessionLocks, sessionID)
}

func (r *Router) GetCancelEvent(sessionID string) pipeline.CancelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.cancelEvents[sessionID]
	if !ok {
		ev = &cancelEvent{}
		r.cancelEvents[sessionID] = ev
	}
	return ev
}

func (r *Router) PeekCancelEvent(sessionID string) pipeline.CancelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.cancelEvents[sessionID]
	if !ok {
		return nil
	}
	return ev
}

func (r *Router) PopCancelEvent(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelEvents, sessionID)
}

func (r *Router) IsSudoEnabled(msg bus.IncomingMessage) bool {
	if r.SudoState == nil {
		return false
	}
	return r.SudoState.IsEnabled(msg.UserID, msg.Channel, msg.ChatID)
}

// GetUserAgent returns the agent family a user has pinned with /agent, or
// the configured default.
func (r *Router) GetUserAgent(userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pref, ok := r.userAgentPref[userID]; ok {
		return pref
	}
	return r.Config.DefaultAgent
}

func (r *Router) SetUserAgent(userID, agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userAgentPref[userID] = agentName
}

// PopUserModelPref consumes (and clears) a one-shot model preference
// queued by /model before a session exists yet.
func (r *Router) PopUserModelPref(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	model, ok := r.userModelPref[userID]
	if ok {
		delete(r.userModelPref, userID)
	}
	return model, ok
}

func (r *Router) SetUserModelPref(userID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userModelPref[userID] = model
}

func (r *Router) DefaultAgentName() string { return r.Config.DefaultAgent }

func (r *Router) EnableSudo(msg bus.IncomingMessage, ttlSeconds int) {
	if r.SudoState == nil {
		return
	}
	r.SudoState.Enable(msg.UserID, msg.Channel, msg.ChatID, ttlSeconds)
}

func (r *Router) DisableSudo(msg bus.IncomingMessage) bool {
	if r.SudoState == nil {
		return false
	}
	return r.SudoState.Disable(msg.UserID, msg.Channel, msg.ChatID)
}

func (r *Router) SudoStatus(msg bus.IncomingMessage) (bool, int) {
	if r.SudoState == nil {
		return false, 0
	}
	return r.SudoState.Status(msg.UserID, msg.Channel, msg.ChatID)
}
