package channels

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/kapy9250/cli-gateway-sub000/pkg/bus"
	"github.com/kapy9250/cli-gateway-sub000/pkg/config"
)

// DiscordChannel binds discordgo's gateway session to the ChatChannel
// contract. Like TelegramChannel it only translates platform events into
// bus.IncomingMessage records; it carries no session or command logic.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
	botID   string
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	token := cfg.Token
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	session, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	base := NewBaseChannel("discord", cfg, messageBus, cfg.AllowFrom)

	c := &DiscordChannel{BaseChannel: base, session: session, config: cfg}
	session.AddHandler(c.onMessageCreate)
	return c, nil
}

func (c *DiscordChannel) SupportsStreaming() bool { return true }

func (c *DiscordChannel) Start(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botID = c.session.State.User.ID
	}
	c.SetRunning(true)
	log.Printf("Discord bot connected as %s", c.botID)
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) SendText(ctx context.Context, chatID, text string) (string, error) {
	if !c.IsRunning() {
		return "", fmt.Errorf("discord bot not running")
	}
	msg, err := c.session.ChannelMessageSend(chatID, text)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (c *DiscordChannel) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	_, err := c.session.ChannelMessageEdit(chatID, messageID, text)
	return err
}

func (c *DiscordChannel) SendFile(ctx context.Context, chatID, path, caption string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	_, err = c.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: fileBase(path), Reader: f}},
	})
	return err
}

func (c *DiscordChannel) SendTyping(ctx context.Context, chatID string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	return c.session.ChannelTyping(chatID)
}

func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = fmt.Sprintf("%s|%s", m.Author.ID, m.Author.Username)
	}

	if !c.IsAllowed(senderID) {
		return
	}

	isPrivate := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == c.botID {
			mentioned = true
			break
		}
	}
	isReplyToBot := m.MessageReference != nil && m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil && m.ReferencedMessage.Author.ID == c.botID

	text := m.Content
	if !isPrivate {
		if !mentioned && !isReplyToBot {
			return
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, fmt.Sprintf("<@%s>", c.botID), ""))
		text = strings.TrimSpace(strings.ReplaceAll(text, fmt.Sprintf("<@!%s>", c.botID), ""))
	}

	var attachments []bus.Attachment
	for _, a := range m.Attachments {
		attachments = append(attachments, bus.Attachment{
			Filename:  a.Filename,
			Filepath:  a.URL,
			MimeType:  a.ContentType,
			SizeBytes: int64(a.Size),
		})
	}

	if text == "" && len(attachments) == 0 {
		return
	}

	replyToText := ""
	if m.ReferencedMessage != nil {
		replyToText = m.ReferencedMessage.Content
	}

	c.HandleMessage(bus.IncomingMessage{
		ChatID:            m.ChannelID,
		UserID:            senderID,
		Text:              text,
		IsPrivate:         isPrivate,
		IsReplyToBot:      isReplyToBot,
		IsMentionBot:      mentioned,
		ReplyToText:       replyToText,
		SenderUsername:    m.Author.Username,
		SenderDisplayName: m.Author.GlobalName,
		SenderMention:     fmt.Sprintf("<@%s>", m.Author.ID),
		Attachments:       attachments,
		SenderID:          senderID,
		Metadata: map[string]string{
			"message_id": m.ID,
			"guild_id":   m.GuildID,
		},
	})
}

func fileBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
