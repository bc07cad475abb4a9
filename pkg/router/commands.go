package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

// maxDownloadBytes caps /download so a stray multi-GB agent output
// file can't be shipped whole through a chat channel attachment.
const maxDownloadBytes = 50 * 1024 * 1024

// CommandSpec is one registered gateway command.
type CommandSpec struct {
	Name        string
	Description string
	Handler     func(ctx *pipeline.Context) error
}

// commandRegistry is a simple name-keyed lookup, built once at package
// init time via register calls below — mirrors the teacher's decorator-
// registered command table.
type commandRegistry struct {
	byName map[string]CommandSpec
	order  []string
}

func newCommandRegistry() *commandRegistry {
	return &commandRegistry{byName: map[string]CommandSpec{}}
}

func (r *commandRegistry) register(name, description string, handler func(ctx *pipeline.Context) error) {
	r.byName[name] = CommandSpec{Name: name, Description: description, Handler: handler}
	r.order = append(r.order, name)
}

func (r *commandRegistry) Get(name string) (CommandSpec, bool) {
	spec, ok := r.byName[name]
	return spec, ok
}

// Registry is the process-wide gateway command table.
var Registry = newCommandRegistry()

func init() {
	Registry.register("/start", "start the gateway", handleStart)
	Registry.register("/help", "show help", handleHelp)
	Registry.register("/whoami", "show current identity and runtime mode", handleWhoami)
	Registry.register("/history", "view conversation history", handleHistory)
	Registry.register("/cancel", "cancel the current execution", handleCancel)

	Registry.register("/agent", "switch or inspect the active agent", handleAgent)
	Registry.register("/sessions", "list sessions", handleSessions)
	Registry.register("/current", "show the current session", handleCurrent)
	Registry.register("/switch", "switch to a given session", handleSwitch)
	Registry.register("/kill", "destroy the current session", handleKill)
	Registry.register("/name", "name the current session", handleName)

	Registry.register("/model", "switch or inspect the active model", handleModel)
	Registry.register("/param", "set or inspect a param", handleParam)
	Registry.register("/params", "show current config", handleParams)
	Registry.register("/reset", "reset to defaults", handleReset)

	Registry.register("/files", "list current session output files", handleFiles)
	Registry.register("/download", "download a file", handleDownload)

	Registry.register("/memory", "manage long-term memory", handleMemory)

	Registry.register("/sudo", "toggle system-mode elevated execution", handleSudo)
	Registry.register("/sysauth", "system-level 2FA approval", handleSysauth)
}

// --- utility.py / session resolver asymmetry ---------------------------
//
// /history and /cancel use the per-user active pointer rather than the
// per-scope one, per an explicit documented exception; every other
// session command below (/sessions, /current, /switch, /kill, /name)
// uses the per-scope pointer.

func handleStart(ctx *pipeline.Context) error {
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, "👋 CLI Gateway is running, send /help to see the available commands.")
}

func handleHelp(ctx *pipeline.Context) error {
	lines := []string{
		"📚 available commands:",
		"",
		"💡 <b>two formats</b>",
		"• classic: <code>/model opus</code>",
		"• shorthand: <code>kapy model opus</code>",
		"",
		"<b>session management</b>",
		"agent [&lt;name&gt;] - switch agent or view current agent",
		"sessions - list all sessions",
		"current - view current session",
		"switch &lt;id&gt; - switch to a given session",
		"kill - destroy the current session",
		"name &lt;label&gt; - name the current session",
		"cancel - cancel the current execution",
		"history - view conversation history",
		"whoami - view current identity and runtime mode",
		"",
		"<b>model configuration</b>",
		"model [&lt;alias&gt;] - switch model or view available models",
		"param [&lt;key&gt; &lt;value&gt;] - set a param or view available params",
		"params - view current configuration",
		"reset - reset to defaults",
		"",
		"<b>file management</b>",
		"files - list current session output files",
		"download &lt;filename&gt; - download a file",
		"",
		"<b>system approval (system mode)</b>",
		"sudo status - view sudo toggle status",
		"sudo on - trigger 2FA, grants 10 minutes of root execution once verified",
		"sudo off - turn sudo off immediately",
		"sysauth plan &lt;action&gt; - create a 2FA approval request",
		"sysauth approve &lt;id&gt; &lt;code&gt; - submit a TOTP approval",
		"sysauth status &lt;id&gt; - view approval status",
		"sysauth setup start - begin 2FA enrollment",
		"sysauth setup verify &lt;code&gt; - submit the enrollment code and save",
		"sysauth setup status - view enrollment status",
		"sysauth setup cancel - cancel the enrollment session",
	}
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))
}

func handleWhoami(ctx *pipeline.Context) error {
	mode := "user"
	if ctx.Config.IsSystemMode() {
		mode = "system"
	}
	isAdmin := ctx.Auth != nil && ctx.Auth.IsAdmin(ctx.UserID)
	isSysAdmin := ctx.Auth != nil && ctx.Auth.IsSystemAdmin(ctx.UserID)

	lines := []string{
		"🪪 identity",
		fmt.Sprintf("- user_id: <code>%s</code>", ctx.UserID),
		fmt.Sprintf("- mode: <code>%s</code>", mode),
		fmt.Sprintf("- admin: <code>%t</code>", isAdmin),
		fmt.Sprintf("- system_admin: <code>%t</code>", isSysAdmin),
	}
	if ctx.Config.IsSystemMode() {
		enabled, remaining := ctx.Router.SudoStatus(ctx.Message)
		state := "off"
		if enabled {
			state = fmt.Sprintf("on (%ds remaining)", remaining)
		}
		lines = append(lines, fmt.Sprintf("- sudo: <code>%s</code>", state))
	}
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))
}

func handleHistory(ctx *pipeline.Context) error {
	current := ctx.Sessions.GetActiveSession(ctx.UserID)
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ no active session")
	}
	history := ctx.Sessions.GetHistory(current.SessionID)
	if len(history) == 0 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "no conversation history yet")
	}
	lines := []string{"📜 conversation history:"}
	start := 0
	if len(history) > 10 {
		start = len(history) - 10
	}
	for _, entry := range history[start:] {
		role := "🤖"
		if entry.Role == "user" {
			role = "👤"
		}
		content := entry.Content
		if len(content) > 100 {
			content = content[:100]
		}
		lines = append(lines, fmt.Sprintf("%s %s", role, content))
	}
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))
}

func handleCancel(ctx *pipeline.Context) error {
	current := ctx.Sessions.GetActiveSession(ctx.UserID)
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ no active session")
	}
	agentHandle, ok := ctx.Agents.Get(current.AgentName)
	if !ok {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ agent unavailable")
	}
	info, ok := agentHandle.GetSessionInfo(current.SessionID)
	if !ok || !info.IsBusy {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "nothing is currently running")
	}
	if cancel := ctx.Router.PeekCancelEvent(current.SessionID); cancel != nil {
		cancel.Set()
	}
	if err := agentHandle.KillProcess(ctx.Ctx, current.SessionID); err != nil {
		return err
	}
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, "✅ cancelled")
}

func handleAgent(ctx *pipeline.Context) error {
	parts := strings.Fields(ctx.Message.Text)
	if len(parts) < 2 {
		pref := ctx.Router.GetUserAgent(ctx.UserID)
		current := ctx.Sessions.GetActiveSession(ctx.UserID)
		lines := []string{
			"<b>agent info:</b>",
			fmt.Sprintf("default: %s", ctx.Router.DefaultAgentName()),
			fmt.Sprintf("current preference: %s", pref),
		}
		if current != nil {
			lines = append(lines, fmt.Sprintf("active session: %s (%s)", current.AgentName, current.SessionID))
		}
		lines = append(lines, fmt.Sprintf("\navailable agents: %s", strings.Join(ctx.Config.AgentNames(), ", ")))
		lines = append(lines, "usage: /agent &lt;name&gt;")
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))
	}

	agentName := strings.ToLower(parts[1])
	targetAgent, ok := ctx.Agents.Get(agentName)
	if !ok {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("❌ agent not found: %s. available: %s", agentName, strings.Join(ctx.Config.AgentNames(), ", ")))
	}

	ctx.Router.SetUserAgent(ctx.UserID, agentName)

	info, err := targetAgent.CreateSession(ctx.Ctx, ctx.Message.UserID, ctx.Message.ChatID, "")
	if err != nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ switched to %s, but session creation failed, send the next message to retry", agentName))
	}

	agentCfg := ctx.Config.Agents[agentName]
	model, hadPref := ctx.Router.PopUserModelPref(ctx.UserID)
	if !hadPref {
		model = agentCfg.DefaultModel
	}
	params := make(map[string]string, len(agentCfg.DefaultParams))
	for k, v := range agentCfg.DefaultParams {
		params[k] = v
	}
	scopeID := ctx.Router.ScopeID(ctx.Message)
	managed := ctx.Sessions.CreateSession(ctx.Message.UserID, ctx.Message.ChatID, scopeID, agentName, info.SessionID, model, params, info.WorkDir)
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ switched to %s, current session: <code>%s</code>", agentName, managed.SessionID))
}

func handleSessions(ctx *pipeline.Context) error {
	scopeID := ctx.Router.ScopeID(ctx.Message)
	sessions := ctx.Sessions.ListScopeSessions(scopeID)
	if len(sessions) == 0 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "no sessions yet")
	}
	current := ctx.Sessions.GetActiveSessionForScope(scopeID)
	lines := []string{"your sessions:"}
	for _, item := range sessions {
		marker := "-"
		if current != nil && current.SessionID == item.SessionID {
			marker = "⭐"
		}
		suffix := ""
		if item.Label != "" {
			suffix = fmt.Sprintf(" [%s]", item.Label)
		}
		lines = append(lines, fmt.Sprintf("%s %s (%s)%s", marker, item.SessionID, item.AgentName, suffix))
	}
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))
}

func handleCurrent(ctx *pipeline.Context) error {
	scopeID := ctx.Router.ScopeID(ctx.Message)
	current := ctx.Sessions.GetActiveSessionForScope(scopeID)
	mode := "user"
	if ctx.Config.IsSystemMode() {
		mode = "system"
	}
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join([]string{
			"no active session",
			"agent: -",
			fmt.Sprintf("next message will use: %s", ctx.Router.GetUserAgent(ctx.UserID)),
			fmt.Sprintf("default agent: %s", ctx.Router.DefaultAgentName()),
			fmt.Sprintf("mode: <code>%s</code>", mode),
		}, "\n"))
	}
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join([]string{
		fmt.Sprintf("current session: %s", current.SessionID),
		fmt.Sprintf("agent: %s", current.AgentName),
		fmt.Sprintf("scope preference agent: %s", ctx.Router.GetUserAgent(ctx.UserID)),
		fmt.Sprintf("mode: <code>%s</code>", mode),
	}, "\n"))
}

func handleSwitch(ctx *pipeline.Context) error {
	parts := strings.Fields(ctx.Message.Text)
	scopeID := ctx.Router.ScopeID(ctx.Message)
	if len(parts) < 2 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /switch <session_id>")
	}
	sessionID := strings.TrimSpace(parts[1])
	if !ctx.Sessions.SwitchSessionForScope(scopeID, sessionID) {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ session not found or not permitted")
	}
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ switched to session %s", sessionID))
}

func handleKill(ctx *pipeline.Context) error {
	scopeID := ctx.Router.ScopeID(ctx.Message)
	current := ctx.Sessions.GetActiveSessionForScope(scopeID)
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "no active session")
	}
	if agentHandle, ok := ctx.Agents.Get(current.AgentName); ok {
		_ = agentHandle.KillProcess(ctx.Ctx, current.SessionID)
	}
	ctx.Sessions.DestroySession(current.SessionID)
	ctx.Router.PopSessionLock(current.SessionID)
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("🗑️ session destroyed: %s", current.SessionID))
}

func handleName(ctx *pipeline.Context) error {
	scopeID := ctx.Router.ScopeID(ctx.Message)
	current := ctx.Sessions.GetActiveSessionForScope(scopeID)
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ no active session")
	}
	parts := strings.Fields(ctx.Message.Text)
	if len(parts) < 2 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /name &lt;label&gt;")
	}
	name := strings.Join(parts[1:], " ")
	ctx.Sessions.SetLabel(current.SessionID, name)
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ session named: %s", name))
}

func handleModel(ctx *pipeline.Context) error {
	parts := strings.Fields(ctx.Message.Text)
	current := ctx.Sessions.GetActiveSession(ctx.UserID)
	activeAgentName := ctx.Router.GetUserAgent(ctx.UserID)
	if current != nil {
		activeAgentName = current.AgentName
	}
	models := ctx.Config.Agents[activeAgentName].Models

	if len(parts) < 2 {
		if len(models) == 0 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "this agent has no switchable models")
		}
		var currentModel string
		if current != nil {
			currentModel = current.Model
		}
		lines := []string{fmt.Sprintf("<b>%s available models:</b>", activeAgentName)}
		for _, alias := range sortedKeys(models) {
			marker := "-"
			if currentModel == alias {
				marker = "✅"
			}
			lines = append(lines, fmt.Sprintf("%s <code>%s</code> (%s)", marker, alias, models[alias]))
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))
	}

	alias := strings.ToLower(strings.TrimSpace(parts[1]))
	fullName, ok := models[alias]
	if !ok {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("❌ model not found: %s\navailable: %s", alias, strings.Join(sortedKeys(models), ", ")))
	}

	if current != nil {
		ctx.Sessions.UpdateModel(current.SessionID, alias)
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ model switched: %s (%s)", alias, fullName))
	}
	ctx.Router.SetUserModelPref(ctx.UserID, alias)
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ model preference set: %s (%s), takes effect next session", alias, fullName))
}

func handleParam(ctx *pipeline.Context) error {
	parts := strings.Fields(ctx.Message.Text)
	current := ctx.Sessions.GetActiveSession(ctx.UserID)
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ no active session")
	}
	supported := ctx.Config.Agents[current.AgentName].SupportedParams

	if len(parts) < 2 {
		if len(supported) == 0 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "this agent has no configurable params")
		}
		lines := []string{fmt.Sprintf("<b>%s supported params:</b>", current.AgentName)}
		for _, key := range sortedKeys(supported) {
			value, ok := current.Params[key]
			if !ok {
				value = "(unset)"
			}
			lines = append(lines, fmt.Sprintf("- <code>%s</code>: %s", key, value))
		}
		lines = append(lines, "\nusage: /param &lt;key&gt; &lt;value&gt;")
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))
	}

	if len(parts) < 3 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /param &lt;key&gt; &lt;value&gt;")
	}

	key, value := parts[1], parts[2]
	if _, ok := supported[key]; !ok {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("❌ %s does not support param %s\nsupported: %s", current.AgentName, key, strings.Join(sortedKeys(supported), ", ")))
	}
	ctx.Sessions.UpdateParam(current.SessionID, key, value)
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ set %s = %s", key, value))
}

func handleParams(ctx *pipeline.Context) error {
	current := ctx.Sessions.GetActiveSession(ctx.UserID)
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ no active session")
	}
	models := ctx.Config.Agents[current.AgentName].Models

	lines := []string{
		"<b>current configuration</b>",
		fmt.Sprintf("session: <code>%s</code>", current.SessionID),
		fmt.Sprintf("agent: %s", current.AgentName),
	}
	if current.Model != "" {
		full := current.Model
		if fn, ok := models[current.Model]; ok {
			full = fn
		}
		lines = append(lines, fmt.Sprintf("model: <code>%s</code> (%s)", current.Model, full))
	} else {
		lines = append(lines, "model: (default)")
	}
	if len(current.Params) > 0 {
		lines = append(lines, "\n<b>params:</b>")
		for _, key := range sortedKeys(current.Params) {
			lines = append(lines, fmt.Sprintf("- <code>%s</code>: %s", key, current.Params[key]))
		}
	} else {
		lines = append(lines, "\nparams: (none)")
	}
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))
}

func handleReset(ctx *pipeline.Context) error {
	current := ctx.Sessions.GetActiveSession(ctx.UserID)
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ no active session")
	}
	agentCfg := ctx.Config.Agents[current.AgentName]
	defaults := make(map[string]string, len(agentCfg.DefaultParams))
	for k, v := range agentCfg.DefaultParams {
		defaults[k] = v
	}
	ctx.Sessions.UpdateModel(current.SessionID, agentCfg.DefaultModel)
	ctx.Sessions.ResetParams(current.SessionID, defaults)
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, "✅ reset to defaults")
}

func handleFiles(ctx *pipeline.Context) error {
	current := ctx.Sessions.GetActiveSession(ctx.UserID)
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ no active session")
	}
	agentHandle, ok := ctx.Agents.Get(current.AgentName)
	if !ok {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ session unavailable")
	}
	info, ok := agentHandle.GetSessionInfo(current.SessionID)
	if !ok {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ session unavailable")
	}
	aiDir := filepath.Join(info.WorkDir, "ai")
	entries, err := os.ReadDir(aiDir)
	if err != nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "no output files yet")
	}
	var names []string
	sizes := map[string]int64{}
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
			if info, err := e.Info(); err == nil {
				sizes[e.Name()] = info.Size()
			}
		}
	}
	if len(names) == 0 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "no output files yet")
	}
	sort.Strings(names)
	lines := []string{"📁 output files:"}
	for _, n := range names {
		lines = append(lines, fmt.Sprintf("- %s (%s)", n, humanize.Bytes(uint64(sizes[n]))))
	}
	lines = append(lines, "\nuse /download &lt;filename&gt; to download")
	return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))
}

func handleDownload(ctx *pipeline.Context) error {
	parts := strings.Fields(ctx.Message.Text)
	current := ctx.Sessions.GetActiveSession(ctx.UserID)
	if current == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ no active session")
	}
	if len(parts) < 2 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /download &lt;filename&gt;")
	}
	filename := strings.TrimSpace(parts[1])
	agentHandle, ok := ctx.Agents.Get(current.AgentName)
	if !ok {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ session unavailable")
	}
	info, ok := agentHandle.GetSessionInfo(current.SessionID)
	if !ok {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ session unavailable")
	}
	aiDir, err := filepath.Abs(filepath.Join(info.WorkDir, "ai"))
	if err != nil {
		return err
	}
	target, err := filepath.Abs(filepath.Join(aiDir, filename))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(target, aiDir+string(filepath.Separator)) {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ invalid path")
	}
	stat, err := os.Stat(target)
	if err != nil || stat.IsDir() {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("❌ file not found: %s", filename))
	}
	if stat.Size() > maxDownloadBytes {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf(
			"❌ %s is %s, over the %s download limit",
			filename, humanize.Bytes(uint64(stat.Size())), humanize.Bytes(uint64(maxDownloadBytes))))
	}
	return ctx.Channel.SendFile(ctx.Ctx, ctx.Message.ChatID, target, filename)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parsePositiveInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
