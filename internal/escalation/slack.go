package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// PostMessager abstracts the Slack API client for testing.
type PostMessager interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts a Block Kit summary of each task to a channel.
type SlackNotifier struct {
	api     PostMessager
	channel string
	logger  zerolog.Logger
}

// NewSlackNotifier creates a notifier posting to channel with a bot token.
func NewSlackNotifier(token, channel string, logger zerolog.Logger) *SlackNotifier {
	return NewSlackNotifierWithAPI(slack.New(token), channel, logger)
}

// NewSlackNotifierWithAPI creates a notifier on an existing client.
func NewSlackNotifierWithAPI(api PostMessager, channel string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		api:     api,
		channel: channel,
		logger:  logger.With().Str("component", "escalation_slack").Logger(),
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, t Task) error {
	blocks := TaskBlocks(t)
	fallback := fmt.Sprintf("Unresolved overlap for %s: %d items", t.Scope.Key(), len(t.Members))

	_, ts, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	n.logger.Info().Str("task_id", t.ID).Str("channel", n.channel).Str("ts", ts).Msg("escalation sent")
	return nil
}

const maxListedMembers = 10

// TaskBlocks renders the group snapshot: header, summary, one line per member.
func TaskBlocks(t Task) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", "⚠️ Unresolved calendar overlap", false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Calendar:* %s\n*Span:* %s – %s\n*Reason:* %s",
				t.Scope.Key(),
				t.Span.Start.UTC().Format(time.RFC3339),
				t.Span.End.UTC().Format(time.RFC3339),
				t.Reason,
			), false, false),
			nil, nil,
		),
		slack.NewDividerBlock(),
	}

	var lines []string
	for i, m := range t.Members {
		if i == maxListedMembers {
			lines = append(lines, fmt.Sprintf("_…and %d more_", len(t.Members)-maxListedMembers))
			break
		}
		lines = append(lines, fmt.Sprintf("• %s–%s *%s* (%s, %s)",
			m.Start.UTC().Format("Jan 2 15:04"),
			m.End.UTC().Format("15:04"),
			m.Subject,
			m.Availability,
			m.Priority,
		))
	}
	if len(lines) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", strings.Join(lines, "\n"), false, false),
			nil, nil,
		))
	}

	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("correlation `%s` · task `%s`", t.CorrelationID, t.ID), false, false),
	))
	return blocks
}
