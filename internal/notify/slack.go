package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/research"
)

const slackExcerpt = 2800

// SlackNotifier posts results to one Slack channel with chat.postMessage.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a notifier for botToken (xoxb-...). Extra client
// options such as slack.OptionAPIURL are passed through.
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, res research.Result) error {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, excerpt(title(res), 150), false, false)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject(slack.MarkdownType, "*Task*\n"+res.TaskID, false, false),
			slack.NewTextBlockObject(slack.MarkdownType, "*Steps*\n"+steps(res), false, false),
		}, nil),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, excerpt(res.FinalReport, slackExcerpt), false, false), nil, nil),
	}

	_, ts, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(summary(res), false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", n.channel, err)
	}
	n.logger.Info("slack notification sent", zap.String("task", res.TaskID), zap.String("ts", ts))
	return nil
}
