package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/research"
)

const (
	discordExcerpt = 3500
	colorOK        = 0x2ecc71
	colorFailed    = 0xe74c3c
)

// DiscordNotifier posts results as an embed to one channel over the REST
// API; it never opens the gateway websocket.
type DiscordNotifier struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

func NewDiscordNotifier(token, channel string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channel: channel, logger: logger}, nil
}

func (n *DiscordNotifier) Notify(ctx context.Context, res research.Result) error {
	color := colorOK
	if res.Status == research.StatusFailed {
		color = colorFailed
	}
	embed := &discordgo.MessageEmbed{
		Title:       excerpt(title(res), 256),
		Description: excerpt(res.FinalReport, discordExcerpt),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Task", Value: res.TaskID, Inline: true},
			{Name: "Status", Value: res.Status, Inline: true},
			{Name: "Steps", Value: steps(res)},
		},
	}
	if res.Error != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Last error", Value: excerpt(res.Error, 1000)})
	}

	msg, err := n.session.ChannelMessageSendComplex(n.channel, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send to %s: %w", n.channel, err)
	}
	n.logger.Info("discord notification sent", zap.String("task", res.TaskID), zap.String("message", msg.ID))
	return nil
}
