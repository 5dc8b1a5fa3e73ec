package dispatch

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// DiscordNotifier posts alerts to a Discord channel through a bot session.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
}

func NewDiscordNotifier(botToken, channelID string) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("failed to open Discord connection: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: channelID}, nil
}

func (d *DiscordNotifier) Send(title, message string) error {
	_, err := d.session.ChannelMessageSend(d.channelID,
		fmt.Sprintf("**%s**\n%s", title, message))
	return err
}

// Close shuts the bot session down.
func (d *DiscordNotifier) Close() error {
	return d.session.Close()
}
