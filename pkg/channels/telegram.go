package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/kapy9250/cli-gateway-sub000/pkg/bus"
	"github.com/kapy9250/cli-gateway-sub000/pkg/config"
)

// TelegramChannel binds telego's long-polling bot API to the ChatChannel
// contract. It has no knowledge of sessions, agents, or commands: it only
// translates Telegram updates into bus.IncomingMessage records and renders
// outbound text/files back through the Telegram API.
type TelegramChannel struct {
	*BaseChannel
	bot           *telego.Bot
	config        config.TelegramConfig
	cancelPolling context.CancelFunc
	botUsername   string
	botID         int64
}

func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	base := NewBaseChannel("telegram", cfg, messageBus, cfg.AllowFrom)

	return &TelegramChannel{
		BaseChannel: base,
		bot:         bot,
		config:      cfg,
	}, nil
}

func (c *TelegramChannel) SupportsStreaming() bool { return true }

func (c *TelegramChannel) Start(ctx context.Context) error {
	log.Printf("Starting Telegram bot (polling mode)...")

	c.SetRunning(true)

	botInfo, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bot info: %w", err)
	}
	c.botUsername = botInfo.Username
	c.botID = botInfo.ID
	log.Printf("Telegram bot @%s connected", botInfo.Username)

	pollCtx, cancel := context.WithCancel(ctx)
	c.cancelPolling = cancel

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	go func() {
		for update := range updates {
			if update.Message != nil {
				c.handleUpdate(ctx, update)
			}
		}
		log.Printf("Telegram updates channel closed")
	}()

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	log.Println("Stopping Telegram bot...")
	c.SetRunning(false)

	if c.cancelPolling != nil {
		c.cancelPolling()
		c.cancelPolling = nil
	}

	return nil
}

// sendWithRetry retries a Telegram API call on rate limit (429) errors.
func (c *TelegramChannel) sendWithRetry(fn func() error) error {
	const maxRetries = 3
	for i := 0; i <= maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		var tgErr *telegoapi.Error
		if errors.As(err, &tgErr) && tgErr.Parameters != nil && tgErr.Parameters.RetryAfter > 0 {
			wait := time.Duration(tgErr.Parameters.RetryAfter) * time.Second
			log.Printf("Telegram rate limited, retrying after %d seconds (attempt %d/%d)", tgErr.Parameters.RetryAfter, i+1, maxRetries)
			time.Sleep(wait)
			continue
		}
		return err
	}
	return fmt.Errorf("telegram rate limit: max retries exceeded")
}

func (c *TelegramChannel) SendText(ctx context.Context, chatID, text string) (string, error) {
	if !c.IsRunning() {
		return "", fmt.Errorf("telegram bot not running")
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID: %w", err)
	}

	htmlContent := markdownToTelegramHTML(text)
	params := &telego.SendMessageParams{
		ChatID:    tu.ID(id),
		Text:      htmlContent,
		ParseMode: telego.ModeHTML,
	}

	var sent *telego.Message
	sendErr := c.sendWithRetry(func() error {
		var e error
		sent, e = c.bot.SendMessage(ctx, params)
		return e
	})
	if sendErr != nil {
		log.Printf("HTML send failed, falling back to plain text: %v", sendErr)
		plainParams := &telego.SendMessageParams{ChatID: tu.ID(id), Text: text}
		sendErr = c.sendWithRetry(func() error {
			var e error
			sent, e = c.bot.SendMessage(ctx, plainParams)
			return e
		})
		if sendErr != nil {
			return "", sendErr
		}
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (c *TelegramChannel) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message ID: %w", err)
	}

	htmlContent := markdownToTelegramHTML(text)
	editParams := &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Text:      htmlContent,
		ParseMode: telego.ModeHTML,
	}
	return c.sendWithRetry(func() error {
		_, e := c.bot.EditMessageText(ctx, editParams)
		return e
	})
}

func (c *TelegramChannel) SendFile(ctx context.Context, chatID, path, caption string) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	params := tu.Document(tu.ID(id), tu.File(f))
	params.Caption = caption
	return c.sendWithRetry(func() error {
		_, e := c.bot.SendDocument(ctx, params)
		return e
	})
}

func (c *TelegramChannel) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	return c.sendWithRetry(func() error {
		return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
	})
}

func (c *TelegramChannel) handleUpdate(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil {
		return
	}

	user := message.From
	if user == nil {
		return
	}

	senderID := fmt.Sprintf("%d", user.ID)
	if user.Username != "" {
		senderID = fmt.Sprintf("%d|%s", user.ID, user.Username)
	}

	chatID := message.Chat.ID
	chatIDStr := fmt.Sprintf("%d", chatID)

	text := message.Text
	if message.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += message.Caption
	}

	var attachments []bus.Attachment
	if len(message.Photo) > 0 {
		photo := message.Photo[len(message.Photo)-1]
		if p := c.downloadFile(ctx, photo.FileID, ".jpg"); p != "" {
			attachments = append(attachments, bus.Attachment{Filename: filepath.Base(p), Filepath: p, MimeType: "image/jpeg"})
		}
	}
	if message.Voice != nil {
		if p := c.downloadFile(ctx, message.Voice.FileID, ".ogg"); p != "" {
			attachments = append(attachments, bus.Attachment{Filename: filepath.Base(p), Filepath: p, MimeType: "audio/ogg"})
		}
	}
	if message.Audio != nil {
		if p := c.downloadFile(ctx, message.Audio.FileID, ".mp3"); p != "" {
			attachments = append(attachments, bus.Attachment{Filename: filepath.Base(p), Filepath: p, MimeType: "audio/mpeg"})
		}
	}
	if message.Document != nil {
		if p := c.downloadFile(ctx, message.Document.FileID, ""); p != "" {
			attachments = append(attachments, bus.Attachment{Filename: filepath.Base(p), Filepath: p, MimeType: message.Document.MimeType, SizeBytes: message.Document.FileSize})
		}
	}

	if text == "" && len(attachments) == 0 {
		return
	}

	log.Printf("Telegram message from %s: %s...", senderID, truncateString(text, 50))

	if !c.IsAllowed(senderID) {
		log.Printf("Telegram message from %s: not in allow list, ignoring", senderID)
		return
	}

	isGroup := message.Chat.Type != "private"
	mentioned := false
	isReplyToBot := message.ReplyToMessage != nil &&
		message.ReplyToMessage.From != nil &&
		message.ReplyToMessage.From.ID == c.botID

	if isGroup {
		for _, e := range message.Entities {
			if e.Type == "mention" {
				name := extractEntityText(message.Text, e.Offset+1, e.Length-1)
				if strings.EqualFold(name, c.botUsername) {
					mentioned = true
					break
				}
			}
		}
		if !mentioned && !isReplyToBot {
			return
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, "@"+c.botUsername, ""))
	}

	replyToText := ""
	if message.ReplyToMessage != nil {
		replyToText = message.ReplyToMessage.Text
	}

	media := make([]string, 0, len(attachments))
	for _, a := range attachments {
		media = append(media, a.Filepath)
	}

	c.HandleMessage(bus.IncomingMessage{
		ChatID:            chatIDStr,
		UserID:            senderID,
		Text:              text,
		IsPrivate:         !isGroup,
		IsReplyToBot:      isReplyToBot,
		IsMentionBot:      mentioned,
		ReplyToText:       replyToText,
		SenderUsername:    user.Username,
		SenderDisplayName: user.FirstName,
		SenderMention:     "@" + user.Username,
		Attachments:       attachments,
		SenderID:          senderID,
		Media:             media,
		Metadata: map[string]string{
			"message_id": fmt.Sprintf("%d", message.MessageID),
			"user_id":    fmt.Sprintf("%d", user.ID),
			"is_group":   fmt.Sprintf("%t", isGroup),
		},
	})
}

func (c *TelegramChannel) downloadFile(ctx context.Context, fileID, ext string) string {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		log.Printf("Failed to get file: %v", err)
		return ""
	}
	if file.FilePath == "" {
		return ""
	}

	url := c.bot.FileDownloadURL(file.FilePath)

	mediaDir := filepath.Join(os.TempDir(), "cli_gateway_media")
	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		log.Printf("Failed to create media directory: %v", err)
		return ""
	}

	localPath := filepath.Join(mediaDir, fileID[:min(16, len(fileID))]+ext)
	if err := c.downloadFromURL(url, localPath); err != nil {
		log.Printf("Failed to download file: %v", err)
		return ""
	}
	return localPath
}

func (c *TelegramChannel) downloadFromURL(url, localPath string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

// extractEntityText extracts text from a Telegram message using UTF-16 offsets.
// Telegram entity Offset/Length are in UTF-16 code units, not UTF-8 bytes.
func extractEntityText(text string, offset, length int) string {
	units := utf16.Encode([]rune(text))
	if offset+length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset : offset+length]))
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	codeBlocks := extractCodeBlocks(text)
	text = codeBlocks.text

	inlineCodes := extractInlineCodes(text)
	text = inlineCodes.text

	text = regexp.MustCompile(`^#{1,6}\s+(.+)$`).ReplaceAllString(text, "$1")

	text = regexp.MustCompile(`^>\s*(.*)$`).ReplaceAllString(text, "$1")

	text = escapeHTML(text)

	text = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`).ReplaceAllString(text, `<a href="$2">$1</a>`)

	text = regexp.MustCompile(`\*\*(.+?)\*\*`).ReplaceAllString(text, "<b>$1</b>")

	text = regexp.MustCompile(`__(.+?)__`).ReplaceAllString(text, "<b>$1</b>")

	reItalic := regexp.MustCompile(`_([^_]+)_`)
	text = reItalic.ReplaceAllStringFunc(text, func(s string) string {
		match := reItalic.FindStringSubmatch(s)
		if len(match) < 2 {
			return s
		}
		return "<i>" + match[1] + "</i>"
	})

	text = regexp.MustCompile(`~~(.+?)~~`).ReplaceAllString(text, "<s>$1</s>")

	text = regexp.MustCompile(`^[-*]\s+`).ReplaceAllString(text, "• ")

	for i, code := range inlineCodes.codes {
		escaped := escapeHTML(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00IC%d\x00", i), fmt.Sprintf("<code>%s</code>", escaped))
	}

	for i, code := range codeBlocks.codes {
		escaped := escapeHTML(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00CB%d\x00", i), fmt.Sprintf("<pre><code>%s</code></pre>", escaped))
	}

	return text
}

type codeBlockMatch struct {
	text  string
	codes []string
}

func extractCodeBlocks(text string) codeBlockMatch {
	re := regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	matches := re.FindAllStringSubmatch(text, -1)

	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}

	text = re.ReplaceAllStringFunc(text, func(m string) string {
		return fmt.Sprintf("\x00CB%d\x00", len(codes)-1)
	})

	return codeBlockMatch{text: text, codes: codes}
}

type inlineCodeMatch struct {
	text  string
	codes []string
}

func extractInlineCodes(text string) inlineCodeMatch {
	re := regexp.MustCompile("`([^`]+)`")
	matches := re.FindAllStringSubmatch(text, -1)

	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}

	text = re.ReplaceAllStringFunc(text, func(m string) string {
		return fmt.Sprintf("\x00IC%d\x00", len(codes)-1)
	})

	return inlineCodeMatch{text: text, codes: codes}
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
