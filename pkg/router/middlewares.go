package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kapy9250/cli-gateway-sub000/pkg/billing"
	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
	"github.com/kapy9250/cli-gateway-sub000/pkg/session"
	"github.com/kapy9250/cli-gateway-sub000/pkg/streaming"
)

// LoggingMiddleware logs arrival and, once the chain unwinds, elapsed
// time and response length — stage 1 of 7.
func LoggingMiddleware(ctx *pipeline.Context, next func() error) error {
	log := ctx.Log
	if log == nil {
		log = logger.Nop()
	}

	preview := ctx.Message.Text
	if len(preview) > 60 {
		preview = preview[:60]
	}
	log.Info("message received",
		logger.String("channel", ctx.ChannelName),
		logger.String("user_id", ctx.UserID),
		logger.String("text", preview),
	)

	start := time.Now()
	err := next()
	elapsed := time.Since(start)

	fields := []logger.Field{
		logger.Duration("elapsed_ms", elapsed.Milliseconds()),
		logger.Int("response_len", len(ctx.Response)),
	}
	if err != nil {
		log.Error("message handling failed", append(fields, logger.Err(err))...)
	} else {
		log.Info("message handled", fields...)
	}
	return err
}

// AuthMiddleware enforces the channel allow-list and rate limit — stage 2.
func AuthMiddleware(ctx *pipeline.Context, next func() error) error {
	if ctx.Auth == nil {
		return next()
	}
	reason, allowed := ctx.Auth.CheckDetailed(ctx.UserID, ctx.ChannelName)
	if allowed {
		return next()
	}
	if reason == "rate_limited" {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "⚠️ request too frequent, try again shortly")
	}
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, "⚠️ unauthorized")
}

var systemCommandPrefixes = []string{"/sysauth", "/sys", "/sudo", "/system", "/docker", "/cron", "/journal", "/config"}

func isSystemCommand(cmdName string) bool {
	for _, prefix := range systemCommandPrefixes {
		if cmdName == prefix || strings.HasPrefix(cmdName, prefix+".") {
			return true
		}
	}
	return false
}

func normalizeCommandText(raw string) string {
	text := strings.TrimSpace(raw)
	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "kapy ") {
		sub := strings.TrimSpace(text[5:])
		if sub != "" {
			return "/" + sub
		}
	}
	return text
}

// ModeGuardMiddleware retires /sys, and requires runtime.mode=system plus
// system-admin for every other system-level command prefix — stage 3.
func ModeGuardMiddleware(ctx *pipeline.Context, next func() error) error {
	text := normalizeCommandText(ctx.Message.Text)
	if !strings.HasPrefix(text, "/") {
		return next()
	}

	cmdName := strings.ToLower(strings.SplitN(strings.Fields(text)[0], "@", 2)[0])
	if !isSystemCommand(cmdName) {
		return next()
	}

	if cmdName == "/sys" || strings.HasPrefix(cmdName, "/sys.") {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "⚠️ /sys has been retired, use `/sudo on` to grant 2FA-approved root execution")
	}

	if !ctx.Config.IsSystemMode() {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "⚠️ this instance runs in user mode, system-level commands are disabled")
	}

	if ctx.Auth == nil || !ctx.Auth.IsSystemAdmin(ctx.UserID) {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "⚠️ only a system_admin may run system-level commands")
	}
	return next()
}

var totpCodeRe = regexp.MustCompile(`^\d{6}$`)

// TwoFactorReplyMiddleware intercepts the reply immediately following a
// pending-approval prompt: a 6-digit code completes it, anything else
// fails it closed — stage 4.
func TwoFactorReplyMiddleware(ctx *pipeline.Context, next func() error) error {
	manager := ctx.TwoFactor
	if manager == nil || !manager.Enabled() {
		return next()
	}
	if !ctx.Config.IsSystemMode() {
		return next()
	}

	retryCmd, challengeID, pending := manager.GetPendingApprovalInput(ctx.UserID)
	if !pending {
		return next()
	}

	text := strings.TrimSpace(ctx.Message.Text)
	if totpCodeRe.MatchString(text) {
		ok, reason, approved := manager.ApprovePendingInputCode(ctx.UserID, text)
		if !ok || approved == nil {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("❌ 2FA verification failed: %s", reason))
		}

		manager.ActivateApprovalWindow(ctx.UserID, ctx.Message.Channel, ctx.Message.ChatID)

		cmd := strings.TrimSpace(approved.RetryCmd)
		if cmd == "" {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ 2FA verification failed: retry_command_missing")
		}
		if !strings.Contains(cmd, "--challenge") && approved.ChallengeID != "" {
			cmd = cmd + " --challenge " + approved.ChallengeID
		}
		ctx.Message.Text = cmd
		return next()
	}

	_ = retryCmd
	_ = challengeID
	manager.ClearPendingApprovalInput(ctx.UserID, true)
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ 2FA verification failed: only a 6-digit code is accepted here. Start the system operation again.")
}

// CommandParserMiddleware expands the "kapy <sub>" shorthand, dispatches
// known gateway commands via the registry, and falls through to the
// agent dispatcher for everything else — stage 5.
func CommandParserMiddleware(ctx *pipeline.Context, next func() error) error {
	text := strings.TrimSpace(ctx.Message.Text)
	lower := strings.ToLower(text)

	if strings.HasPrefix(lower, "kapy ") {
		sub := strings.TrimSpace(text[5:])
		if sub == "" {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: kapy <command> [args]\nsend 'kapy help' for help")
		}
		ctx.Message.Text = "/" + sub
		text = ctx.Message.Text
	}

	if !strings.HasPrefix(text, "/") {
		return next()
	}

	fields := strings.Fields(text)
	cmdName := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])

	if spec, ok := Registry.Get(cmdName); ok {
		return spec.Handler(ctx)
	}
	return next()
}

// SessionResolverMiddleware ensures an active agent session exists for
// this request, lazily creating one, and recovers from a stale
// (adapter-forgotten) session id by recreating it — stage 6.
func SessionResolverMiddleware(ctx *pipeline.Context, next func() error) error {
	current, err := ensureSession(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}

	agentHandle, ok := ctx.Agents.Get(current.AgentName)
	if !ok {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("❌ agent does not exist: %s", current.AgentName))
	}

	current, err = recoverStaleSession(ctx, agentHandle, current)
	if err != nil {
		return err
	}

	ctx.Session = current
	ctx.AgentID = agentHandle.Name()
	return next()
}

func ensureSession(ctx *pipeline.Context) (*session.ManagedSession, error) {
	msg := ctx.Message
	var current *session.ManagedSession

	if strings.EqualFold(msg.Channel, "email") && msg.SessionHint != "" {
		hinted := ctx.Sessions.GetSession(msg.SessionHint)
		if hinted != nil && hinted.UserID == msg.UserID {
			ctx.Sessions.SwitchSession(msg.UserID, hinted.ScopeID, hinted.SessionID)
			current = hinted
		}
	} else if !strings.EqualFold(msg.Channel, "email") {
		current = ctx.Sessions.GetActiveSession(msg.UserID)
	}

	if current != nil {
		return current, nil
	}

	agentName := ctx.Router.GetUserAgent(msg.UserID)
	agentHandle, ok := ctx.Agents.Get(agentName)
	if !ok {
		names := ctx.Config.AgentNames()
		return nil, ctx.Router.Reply(ctx.Ctx, msg, fmt.Sprintf("❌ agent unavailable: %s, available: %s", agentName, strings.Join(names, ", ")))
	}

	info, err := agentHandle.CreateSession(ctx.Ctx, msg.UserID, msg.ChatID, "")
	if err != nil {
		return nil, ctx.Router.Reply(ctx.Ctx, msg, "❌ failed to create a session, please try again")
	}

	agentCfg := ctx.Config.Agents[agentName]
	model, hadPref := ctx.Router.PopUserModelPref(msg.UserID)
	if !hadPref {
		model = agentCfg.DefaultModel
	}

	params := make(map[string]string, len(agentCfg.DefaultParams))
	for k, v := range agentCfg.DefaultParams {
		params[k] = v
	}

	scopeID := ctx.Router.ScopeID(msg)
	current = ctx.Sessions.CreateSession(msg.UserID, msg.ChatID, scopeID, agentName, info.SessionID, model, params, info.WorkDir)
	return current, nil
}

func recoverStaleSession(ctx *pipeline.Context, agentHandle pipeline.AgentHandle, current *session.ManagedSession) (*session.ManagedSession, error) {
	if _, ok := agentHandle.GetSessionInfo(current.SessionID); ok {
		return current, nil
	}

	msg := ctx.Message
	oldModel := current.Model
	oldParams := make(map[string]string, len(current.Params))
	for k, v := range current.Params {
		oldParams[k] = v
	}

	ctx.Sessions.DestroySession(current.SessionID)
	ctx.Router.PopSessionLock(current.SessionID)

	info, err := agentHandle.CreateSession(ctx.Ctx, msg.UserID, msg.ChatID, "")
	if err != nil {
		return nil, err
	}

	scopeID := ctx.Router.ScopeID(msg)
	return ctx.Sessions.CreateSession(msg.UserID, msg.ChatID, scopeID, current.AgentName, info.SessionID, oldModel, oldParams, info.WorkDir), nil
}

const maxHistoryEntries = 20

// AgentDispatcherMiddleware acquires the per-session lock, prepares the
// prompt, invokes the agent, and streams the reply back to the channel
// — stage 7, terminal.
func AgentDispatcherMiddleware(ctx *pipeline.Context, next func() error) error {
	msg := ctx.Message
	sessionID := ctx.Session.SessionID

	agentHandle, ok := ctx.Agents.Get(ctx.Session.AgentName)
	if !ok {
		return ctx.Router.Reply(ctx.Ctx, msg, fmt.Sprintf("❌ agent does not exist: %s", ctx.Session.AgentName))
	}

	lock := ctx.Router.GetSessionLock(sessionID)
	if !lock.TryLock() {
		return ctx.Router.Reply(ctx.Ctx, msg, "⏳ the previous request is still running, try again shortly")
	}
	defer lock.Unlock()

	cleanupOrphanBusy(ctx.Ctx, agentHandle, sessionID)

	prompt := preparePrompt(ctx)
	_ = ctx.Channel.SendTyping(ctx.Ctx, msg.ChatID)

	ctx.Sessions.AddHistory(sessionID, "user", msg.Text, maxHistoryEntries, false)

	runAsRoot := ctx.Router.IsSudoEnabled(msg)

	response := ""
	chunks, err := agentHandle.SendMessage(ctx.Ctx, sessionID, prompt, ctx.Session.Model, ctx.Session.Params, runAsRoot)
	if err != nil {
		response = "❌ an error occurred processing the request, try again shortly"
		if replyErr := ctx.Router.Reply(ctx.Ctx, msg, response); replyErr != nil {
			return replyErr
		}
	} else {
		cancel := ctx.Router.GetCancelEvent(sessionID)
		delivery := streaming.NewDelivery(ctx.Formatter)
		response, err = delivery.Deliver(ctx.Ctx, ctx.Channel, msg.ChatID, chunks, cancel, streaming.DefaultIdleTimeout)
		if err != nil {
			return err
		}
	}

	ctx.Response = response
	ctx.Sessions.AddHistory(sessionID, "assistant", response, maxHistoryEntries, false)
	ctx.Sessions.Touch(sessionID)

	recordUsage(ctx, agentHandle, sessionID)
	captureMemoryTurn(ctx, sessionID, response)
	return nil
}

func captureMemoryTurn(ctx *pipeline.Context, sessionID, response string) {
	if ctx.Memory == nil || !ctx.Memory.Enabled() {
		return
	}
	scopeID := ctx.Router.ScopeID(ctx.Message)
	_, _ = ctx.Memory.CaptureTurn(ctx.Ctx, ctx.UserID, scopeID, sessionID, ctx.ChannelName, ctx.Message.Text, response)
}

func cleanupOrphanBusy(ctx context.Context, agentHandle pipeline.AgentHandle, sessionID string) {
	info, ok := agentHandle.GetSessionInfo(sessionID)
	if !ok || !info.IsBusy {
		return
	}
	if !agentHandle.IsProcessAlive(sessionID) {
		_ = agentHandle.KillProcess(ctx, sessionID)
	}
}

// preparePrompt is the single place channel-context, sender-context, and
// any memory context get woven into the raw message text before it is
// handed to the agent.
func preparePrompt(ctx *pipeline.Context) string {
	msg := ctx.Message
	var b strings.Builder
	if ctx.Memory != nil && ctx.Memory.Enabled() {
		if block, err := ctx.Memory.BuildContext(ctx.Ctx, ctx.UserID, msg.Text); err == nil && block != "" {
			b.WriteString(block)
			b.WriteString("\n\n")
		}
	}
	if msg.SenderDisplayName != "" || msg.SenderUsername != "" {
		b.WriteString(fmt.Sprintf("[from %s]\n", firstNonEmpty(msg.SenderDisplayName, msg.SenderUsername)))
	}
	b.WriteString(msg.Text)
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func recordUsage(ctx *pipeline.Context, agentHandle pipeline.AgentHandle, sessionID string) {
	if ctx.Billing == nil {
		return
	}
	usage, ok := agentHandle.GetLastUsage(sessionID)
	if !ok {
		return
	}
	ctx.Billing.Record(billing.RecordInput{
		SessionID:           sessionID,
		UserID:              ctx.UserID,
		Channel:             ctx.ChannelName,
		Agent:               ctx.Session.AgentName,
		Model:               usage.Model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CostUSD:             usage.CostUSD,
		DurationMS:          usage.DurationMS,
	})
}
