package meter

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const colorWarning = 0xFF9900

// DiscordSession abstracts the discordgo.Session methods used by
// DiscordNotifier, enabling mock-based testing without real Discord API
// calls.
type DiscordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

// DiscordNotifier posts budget warnings to a Discord channel. Messages go
// out over the REST API, so the notifier never opens a gateway connection.
type DiscordNotifier struct {
	session   DiscordSession
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a DiscordNotifier with a real discordgo session.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordNotifier{
		session:   &realDiscordSession{s: dg},
		channelID: channelID,
		logger:    logger,
	}, nil
}

// NewDiscordNotifierWithSession creates a DiscordNotifier with an injected
// session (for testing).
func NewDiscordNotifierWithSession(session DiscordSession, channelID string, logger *zap.Logger) *DiscordNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}
}

// Notify posts the warning. Delivery failures are logged, never propagated:
// an unreachable Discord must not fail the write that raised the warning.
func (n *DiscordNotifier) Notify(message string) {
	embed := &discordgo.MessageEmbed{
		Title:       "Budget Warning",
		Description: message,
		Color:       colorWarning,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		n.logger.Warn("failed to deliver budget warning to discord",
			zap.String("channel_id", n.channelID),
			zap.Error(err),
		)
	}
}
