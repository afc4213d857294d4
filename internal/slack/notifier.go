package slack

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/akmatori/autopilot/internal/events"
	"github.com/akmatori/autopilot/internal/observability"
)

// poster is the part of the Slack API the notifier needs
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts escalations to a channel and threads later updates for the
// same issue under the original message.
type Notifier struct {
	client   poster
	resolver *ChannelResolver
	channel  string
	logger   *zap.Logger

	mu      sync.Mutex
	threads map[string]string // issue uuid -> thread timestamp
}

// NewNotifier creates a notifier using a bot token
func NewNotifier(botToken, channel string, logger *zap.Logger) *Notifier {
	client := slack.New(botToken)
	return newNotifier(client, NewChannelResolver(client, logger), channel, logger)
}

func newNotifier(client poster, resolver *ChannelResolver, channel string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		client:   client,
		resolver: resolver,
		channel:  channel,
		logger:   logger.Named("slack"),
		threads:  make(map[string]string),
	}
}

func (n *Notifier) Name() string { return "slack" }

// Publish implements events.Sink. Only escalations open a thread; events for
// issues without a thread are ignored.
func (n *Notifier) Publish(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeIssueEscalated:
		return n.escalate(ctx, ev)
	case events.TypeIssueResolved, events.TypeExecutionFinished:
		return n.followUp(ctx, ev)
	}
	return nil
}

func (n *Notifier) escalate(ctx context.Context, ev events.Event) error {
	channelID, err := n.resolver.ResolveChannel(ctx, n.channel)
	if err != nil {
		return err
	}

	opts := []slack.MsgOption{slack.MsgOptionText(FormatEscalation(ev), false)}
	n.mu.Lock()
	ts, threaded := n.threads[ev.IssueID]
	n.mu.Unlock()
	if threaded {
		opts = append(opts, slack.MsgOptionTS(ts))
	}

	_, postedTS, err := n.client.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return fmt.Errorf("post escalation: %w", err)
	}
	if !threaded {
		n.mu.Lock()
		n.threads[ev.IssueID] = postedTS
		n.mu.Unlock()
	}
	n.logger.Info("Escalation posted to Slack", observability.IssueID(ev.IssueID), zap.String("thread_ts", postedTS))
	return nil
}

func (n *Notifier) followUp(ctx context.Context, ev events.Event) error {
	n.mu.Lock()
	ts, ok := n.threads[ev.IssueID]
	if ok && ev.Type == events.TypeIssueResolved {
		delete(n.threads, ev.IssueID)
	}
	n.mu.Unlock()
	if !ok {
		return nil
	}

	channelID, err := n.resolver.ResolveChannel(ctx, n.channel)
	if err != nil {
		return err
	}
	if _, _, err := n.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(FormatFollowUp(ev), false),
		slack.MsgOptionTS(ts),
	); err != nil {
		return fmt.Errorf("post follow-up: %w", err)
	}
	return nil
}
