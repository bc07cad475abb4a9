package router

import (
	"fmt"
	"strings"

	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

func memoryDisabledText() string {
	return "❌ memory system not enabled (set memory.enabled in config)"
}

func handleMemory(ctx *pipeline.Context) error {
	manager := ctx.Memory
	if manager == nil || !manager.Enabled() {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, memoryDisabledText())
	}

	parts := strings.Fields(ctx.Message.Text)
	if len(parts) == 1 {
		items, vectorSupported, err := manager.UserStats(ctx.Ctx, ctx.UserID)
		if err != nil {
			return err
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join([]string{
			"🧠 memory system",
			fmt.Sprintf("- my_items: <code>%d</code>", items),
			fmt.Sprintf("- vector_supported: <code>%t</code>", vectorSupported),
			"",
			"usage:",
			"memory list [short|mid|long|all] [limit]",
			"memory find <query>",
			"memory show <id>",
			"memory note <text>",
			"memory pin <id>",
			"memory unpin <id>",
			"memory forget <id>",
			"memory fb <request_id> <good|bad> [note]",
			"memory metrics [days]",
		}, "\n"))
	}

	sub := strings.ToLower(parts[1])
	switch sub {
	case "list":
		tier := "all"
		if len(parts) >= 3 {
			tier = strings.ToLower(parts[2])
		}
		limit := 15
		if len(parts) >= 4 {
			limit = parsePositiveInt(parts[3], 15)
			if limit > 50 {
				limit = 50
			}
		}
		rows, err := manager.ListMemories(ctx.Ctx, ctx.UserID, tier, limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "no memories yet")
		}
		lines := []string{fmt.Sprintf("📚 memory list (tier=%s)", tier)}
		for _, row := range rows {
			flag := "-"
			if row.Pinned {
				flag = "📌"
			}
			summary := row.Summary
			if len(summary) > 100 {
				summary = summary[:100]
			}
			lines = append(lines, fmt.Sprintf("%s #%s (%s|%s/%s) %s", flag, row.MemoryID, row.Tier, row.Domain, row.Topic, summary))
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))

	case "find":
		query := strings.Join(parts[2:], " ")
		if query == "" {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /memory find <query>")
		}
		sessionID := ""
		if ctx.Session != nil {
			sessionID = ctx.Session.SessionID
		}
		rows, _, err := manager.SearchMemories(ctx.Ctx, ctx.UserID, query, sessionID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "no matches")
		}
		lines := []string{fmt.Sprintf("🔎 matches for %q:", query)}
		for _, row := range rows {
			lines = append(lines, fmt.Sprintf("- #%s (%s) %s", row.MemoryID, row.Tier, row.Summary))
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))

	case "show":
		if len(parts) < 3 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /memory show <id>")
		}
		row, ok, err := manager.GetMemory(ctx.Ctx, ctx.UserID, parts[2])
		if err != nil {
			return err
		}
		if !ok {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ memory not found")
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join([]string{
			fmt.Sprintf("#%s (%s|%s/%s)", row.MemoryID, row.Tier, row.Domain, row.Topic),
			row.Summary,
		}, "\n"))

	case "note":
		text := strings.Join(parts[2:], " ")
		if text == "" {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /memory note <text>")
		}
		id, err := manager.AddNote(ctx.Ctx, ctx.UserID, text)
		if err != nil {
			return err
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ note saved: #%s", id))

	case "pin", "unpin":
		if len(parts) < 3 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("usage: /memory %s <id>", sub))
		}
		if err := manager.SetPinned(ctx.Ctx, ctx.UserID, parts[2], sub == "pin"); err != nil {
			return err
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "✅ done")

	case "forget":
		if len(parts) < 3 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /memory forget <id>")
		}
		if err := manager.ForgetMemory(ctx.Ctx, ctx.UserID, parts[2]); err != nil {
			return err
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "✅ forgotten")

	case "fb":
		if len(parts) < 4 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /memory fb <request_id> <good|bad> [note]")
		}
		note := ""
		if len(parts) > 4 {
			note = strings.Join(parts[4:], " ")
		}
		if err := manager.RecordRetrievalFeedback(ctx.Ctx, parts[2], parts[3], note); err != nil {
			return err
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "✅ feedback recorded")

	case "metrics":
		days := 7
		if len(parts) >= 3 {
			days = parsePositiveInt(parts[2], 7)
		}
		stats, err := manager.RetrievalStats(ctx.Ctx, days)
		if err != nil {
			return err
		}
		lines := []string{fmt.Sprintf("📈 retrieval metrics (last %d days)", days)}
		for _, k := range []string{"retrievals", "hits", "fallbacks", "avg_latency_ms"} {
			if v, ok := stats[k]; ok {
				lines = append(lines, fmt.Sprintf("- %s: %v", k, v))
			}
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))

	default:
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "unknown /memory subcommand, send /memory for usage")
	}
}
