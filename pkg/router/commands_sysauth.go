package router

import (
	"fmt"
	"strings"

	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

func sudoUsage() string {
	return strings.Join([]string{
		"usage:",
		"• /sudo status",
		"• /sudo on [--challenge <id>]",
		"• /sudo off",
		"",
		"notes:",
		"• only available in system mode",
		"• /sudo on triggers 2FA, reply with the 6-digit code directly",
		"• once verified the agent CLI runs as root for 10 minutes",
		"• expires automatically after 10 minutes, or /sudo off to end it early",
	}, "\n")
}

func extractChallengeFlag(parts []string) (rest []string, challengeID string, errMsg string) {
	for i := 0; i < len(parts); i++ {
		if parts[i] == "--challenge" {
			if i+1 >= len(parts) {
				return nil, "", "--challenge requires a challenge_id"
			}
			challengeID = parts[i+1]
			i++
			continue
		}
		rest = append(rest, parts[i])
	}
	return rest, challengeID, ""
}

func sudoStatusText(enabled bool, remaining int) string {
	if !enabled {
		return "off"
	}
	return fmt.Sprintf("on (%ds remaining)", remaining)
}

func sudoActionPayload(ctx *pipeline.Context) map[string]interface{} {
	return map[string]interface{}{
		"op": "sudo_on",
		"scope": map[string]interface{}{
			"channel": ctx.Message.Channel,
			"chat_id": ctx.Message.ChatID,
		},
	}
}

func requireSudoApproval(ctx *pipeline.Context, challengeID string) (bool, error) {
	manager := ctx.TwoFactor
	if manager == nil {
		return false, ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ two-factor manager unavailable")
	}
	if !manager.Enabled() {
		return false, ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ two_factor.enabled=false, cannot enable sudo")
	}

	payload := sudoActionPayload(ctx)
	if challengeID == "" {
		challenge := manager.CreateChallenge(ctx.UserID, payload)
		manager.SetPendingApprovalInput(ctx.UserID, challenge.ChallengeID, "/sudo on")
		return false, ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join([]string{
			"🔐 sudo on requires 2FA verification",
			fmt.Sprintf("- challenge_id: <code>%s</code>", challenge.ChallengeID),
			"reply with the 6-digit code directly.",
			"if your next message is not a code, this verification ends in failure.",
		}, "\n"))
	}

	ok, reason := manager.ConsumeApproval(challengeID, ctx.UserID, payload)
	if !ok {
		return false, ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("❌ 2FA verification failed: <code>%s</code>", reason))
	}
	return true, nil
}

func handleSudo(ctx *pipeline.Context) error {
	if !ctx.Config.IsSystemMode() {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "⚠️ this instance runs in user mode, /sudo is disabled")
	}
	if ctx.Auth == nil || !ctx.Auth.IsSystemAdmin(ctx.UserID) {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "⚠️ only a system_admin may use /sudo")
	}
	if ctx.SysExecutor == nil && ctx.SysClient == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ this instance has no connected system service, sudo unavailable (fail-closed)")
	}

	parts := strings.Fields(ctx.Message.Text)
	enabled, remaining := ctx.Router.SudoStatus(ctx.Message)
	if len(parts) < 2 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("%s\n\ncurrent sudo: <code>%s</code>", sudoUsage(), sudoStatusText(enabled, remaining)))
	}

	normalized, challengeID, flagErr := extractChallengeFlag(parts)
	if flagErr != "" {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ "+flagErr)
	}
	if len(normalized) < 2 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, sudoUsage())
	}

	switch strings.ToLower(normalized[1]) {
	case "status":
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("current sudo: <code>%s</code>", sudoStatusText(enabled, remaining)))

	case "off":
		disabled := ctx.Router.DisableSudo(ctx.Message)
		if ctx.TwoFactor != nil {
			ctx.TwoFactor.ClearPendingApprovalInput(ctx.UserID, true)
		}
		if disabled || enabled {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "✅ sudo disabled")
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "ℹ️ sudo is already disabled")

	case "on":
		if enabled {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("ℹ️ sudo already enabled: <code>%s</code>", sudoStatusText(enabled, remaining)))
		}
		ok, err := requireSudoApproval(ctx, challengeID)
		if err != nil || !ok {
			return err
		}
		ttlSeconds := 600
		if ctx.TwoFactor != nil {
			if grace := ctx.TwoFactor.ApprovalGraceSeconds(); grace > 0 {
				ttlSeconds = grace
			}
			ctx.TwoFactor.ActivateApprovalWindow(ctx.UserID, ctx.Message.Channel, ctx.Message.ChatID, ttlSeconds)
		}
		ctx.Router.EnableSudo(ctx.Message, ttlSeconds)
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ sudo enabled, <code>%d</code> seconds remaining", ttlSeconds))

	default:
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, sudoUsage())
	}
}

func sysauthUsage() string {
	return strings.Join([]string{
		"usage:",
		"• /sysauth plan <action text>",
		"• /sysauth approve <challenge_id> <totp_code>",
		"• /sysauth status <challenge_id>",
		"• /sysauth setup start",
		"• /sysauth setup verify <totp_code>",
		"• /sysauth setup status",
		"• /sysauth setup cancel",
	}, "\n")
}

func sysauthSetupUsage() string {
	return strings.Join([]string{
		"usage:",
		"• /sysauth setup start",
		"• /sysauth setup verify <totp_code>",
		"• /sysauth setup status",
		"• /sysauth setup cancel",
	}, "\n")
}

func handleSysauthSetup(ctx *pipeline.Context, manager pipeline.TwoFactorComponent, parts []string) error {
	if len(parts) < 3 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, sysauthSetupUsage())
	}
	action := strings.ToLower(parts[2])
	switch action {
	case "start":
		issuer := ctx.Config.TwoFactor.Issuer
		if manager.IssuerName() != "" {
			issuer = manager.IssuerName()
		}
		accountName := fmt.Sprintf("%s:%s", ctx.Config.Runtime.InstanceID, ctx.UserID)
		enrollment := manager.BeginEnrollment(ctx.UserID, accountName, issuer)

		lines := []string{
			"🔐 2FA enrollment session created",
			fmt.Sprintf("- issuer: <code>%s</code>", enrollment.Issuer),
			fmt.Sprintf("- account: <code>%s</code>", enrollment.AccountName),
			fmt.Sprintf("- secret: <code>%s</code>", enrollment.Secret),
			fmt.Sprintf("- otpauth: <code>%s</code>", enrollment.OTPAuthURI),
			"next step: /sysauth setup verify <totp_code>",
		}
		if enrollment.AlreadyConfigured {
			lines = append(lines, "⚠️ you already have a prior binding, verifying will overwrite the old secret.")
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join(lines, "\n"))

	case "verify":
		if len(parts) < 4 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /sysauth setup verify <totp_code>")
		}
		ok, reason := manager.VerifyEnrollment(ctx.UserID, parts[3])
		if !ok {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("❌ 2FA enrollment failed: <code>%s</code>", reason))
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "✅ 2FA enrollment complete and saved. /sysauth approve and /sudo are now available.")

	case "status":
		st := manager.EnrollmentStatus(ctx.UserID)
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join([]string{
			"ℹ️ 2FA enrollment status",
			fmt.Sprintf("- configured: <code>%t</code>", st.Configured),
			fmt.Sprintf("- pending: <code>%t</code>", st.Pending),
		}, "\n"))

	case "cancel":
		if !manager.CancelEnrollment(ctx.UserID) {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "ℹ️ no pending enrollment session")
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "✅ enrollment session cancelled")

	default:
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, sysauthSetupUsage())
	}
}

func handleSysauth(ctx *pipeline.Context) error {
	manager := ctx.TwoFactor
	if manager == nil {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ two-factor manager not available")
	}
	if !manager.Enabled() {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ two_factor.enabled=false, /sysauth is disabled")
	}

	parts := strings.Fields(ctx.Message.Text)
	if len(parts) < 2 {
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, sysauthUsage())
	}

	switch strings.ToLower(parts[1]) {
	case "setup":
		return handleSysauthSetup(ctx, manager, parts)

	case "plan":
		if len(parts) < 3 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /sysauth plan <action text>")
		}
		actionText := strings.Join(parts[2:], " ")
		challenge := manager.CreateChallenge(ctx.UserID, map[string]interface{}{
			"action":  actionText,
			"channel": ctx.Message.Channel,
			"chat_id": ctx.Message.ChatID,
			"user_id": ctx.UserID,
		})
		ttl := int(challenge.ExpiresAt - challenge.CreatedAt)
		hashPreview := challenge.ActionHash
		if len(hashPreview) > 16 {
			hashPreview = hashPreview[:16]
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join([]string{
			"✅ 2FA approval request created",
			fmt.Sprintf("- challenge_id: <code>%s</code>", challenge.ChallengeID),
			fmt.Sprintf("- ttl_seconds: <code>%d</code>", ttl),
			fmt.Sprintf("- action_hash: <code>%s...</code>", hashPreview),
			"next step: /sysauth approve <challenge_id> <totp_code>",
		}, "\n"))

	case "approve":
		if len(parts) < 4 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /sysauth approve <challenge_id> <totp_code>")
		}
		ok, reason := manager.ApproveChallenge(parts[2], ctx.UserID, parts[3])
		if !ok {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("❌ 2FA approval failed: <code>%s</code>", reason))
		}
		ttl := manager.ActivateApprovalWindow(ctx.UserID, ctx.Message.Channel, ctx.Message.ChatID)
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, fmt.Sprintf("✅ 2FA approved, this chat is challenge-free for <code>%d</code> seconds", ttl))

	case "status":
		if len(parts) < 3 {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "usage: /sysauth status <challenge_id>")
		}
		st, ok := manager.ChallengeStatus(parts[2], ctx.UserID)
		if !ok {
			return ctx.Router.Reply(ctx.Ctx, ctx.Message, "❌ challenge not found or not yours")
		}
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, strings.Join([]string{
			"ℹ️ 2FA challenge status",
			fmt.Sprintf("- challenge_id: <code>%s</code>", st.ChallengeID),
			fmt.Sprintf("- approved: <code>%t</code>", st.Approved),
		}, "\n"))

	default:
		return ctx.Router.Reply(ctx.Ctx, ctx.Message, sysauthUsage())
	}
}
