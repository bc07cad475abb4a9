package memory

import "strings"

// classifyTurn assigns a memory_type and a (domain, topic) taxonomy
// pair from a captured turn's text, mirroring the lightweight
// keyword classifier the original Python memory module runs before
// persisting a turn.
func classifyTurn(userText, assistantText string) (memoryType, domain, topic string) {
	lower := strings.ToLower(userText)

	switch {
	case containsAny(lower, "i prefer", "i like", "always use", "from now on", "call me"):
		return "preference", "user", "preference"
	case containsAny(lower, "how do i", "how to", "step by step", "procedure for"):
		return "procedure", "task", "howto"
	case containsAny(lower, "my api key", "environment variable", "export ", "config value", "my setup is"):
		return "env", "system", "config"
	default:
		return "turn", "conversation", "general"
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// assignTier implements spec's capture-tier policy: preferences and
// procedures start in mid, everything else starts in short. Tier
// promotion afterward is access-count driven (retention.go).
func assignTier(memoryType string) string {
	switch memoryType {
	case "preference", "procedure":
		return "mid"
	default:
		return "short"
	}
}

// summarize trims content down to a listing-friendly summary.
func summarize(content string, limit int) string {
	content = strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	if limit <= 0 {
		limit = 160
	}
	if len(content) <= limit {
		return content
	}
	return content[:limit] + "…"
}
