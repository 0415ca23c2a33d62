package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"crabstack.local/projects/conversatrait/internal/events"
)

// Discord rejects messages longer than this.
const maxMessageRunes = 2000

type Sender interface {
	SendMessage(channelID string, content string) error
}

// Subscriber posts terminal and intervention notices to one channel.
// Progress events are not forwarded.
type Subscriber struct {
	sender    Sender
	channelID string
}

func New(sender Sender, channelID string) *Subscriber {
	return &Subscriber{sender: sender, channelID: strings.TrimSpace(channelID)}
}

func (s *Subscriber) Name() string {
	return "discord"
}

func (s *Subscriber) Handle(_ context.Context, event events.Event) error {
	content := formatEvent(event)
	if content == "" {
		return nil
	}
	if err := s.sender.SendMessage(s.channelID, truncate(content, maxMessageRunes)); err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

func formatEvent(event events.Event) string {
	switch event.Kind {
	case events.KindComplete:
		line := fmt.Sprintf("Analysis `%s` completed.", event.SessionID)
		if event.Results != nil {
			meta := event.Results.Metadata
			line = fmt.Sprintf("Analysis `%s` completed: %s via %s.", event.SessionID, meta.AnalysisType, meta.Model)
			if meta.Repaired {
				line += " The model output was truncated and repaired."
			}
		}
		return line
	case events.KindError:
		return fmt.Sprintf("Analysis `%s` failed: %s", event.SessionID, event.Error)
	case events.KindIntervention:
		return fmt.Sprintf("Analysis `%s` is paused for a safety check and waits for the user's confirmation.", event.SessionID)
	default:
		return ""
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

// BotSender sends through the Discord REST API.
type BotSender struct {
	session *discordgo.Session
}

func NewBotSender(token string) (*BotSender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	session, err := discordgo.New(normalizeBotToken(token))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &BotSender{session: session}, nil
}

func (s *BotSender) SendMessage(channelID string, content string) error {
	channelID = strings.TrimSpace(channelID)
	content = strings.TrimSpace(content)
	if channelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if content == "" {
		return nil
	}
	_, err := s.session.ChannelMessageSend(channelID, content)
	return err
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
