// Package slack hands escalated issues over to humans in a Slack channel.
package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// conversationLister is the part of the Slack API the resolver needs
type conversationLister interface {
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
}

// ChannelResolver resolves channel names to IDs
type ChannelResolver struct {
	client conversationLister
	logger *zap.Logger
	cache  map[string]string // name -> id
	mu     sync.RWMutex
}

// NewChannelResolver creates a new channel resolver
func NewChannelResolver(client conversationLister, logger *zap.Logger) *ChannelResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelResolver{
		client: client,
		logger: logger,
		cache:  make(map[string]string),
	}
}

// ResolveChannel resolves a channel name or ID to a channel ID.
// Accepts a channel ID (C01234567890) or a name with or without the # prefix.
func (r *ChannelResolver) ResolveChannel(ctx context.Context, nameOrID string) (string, error) {
	if nameOrID == "" {
		return "", fmt.Errorf("channel name/ID is empty")
	}

	if isChannelID(nameOrID) {
		return nameOrID, nil
	}

	channelName := strings.TrimPrefix(nameOrID, "#")

	r.mu.RLock()
	if id, ok := r.cache[channelName]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	if r.client == nil {
		return "", fmt.Errorf("channel '%s' not found: no Slack client", channelName)
	}
	id, err := r.lookupChannel(ctx, channelName)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[channelName] = id
	r.mu.Unlock()

	r.logger.Debug("Resolved Slack channel", zap.String("channel", channelName), zap.String("channel_id", id))
	return id, nil
}

// lookupChannel searches public channels first, then private ones
func (r *ChannelResolver) lookupChannel(ctx context.Context, name string) (string, error) {
	for _, kind := range []string{"public_channel", "private_channel"} {
		channels, _, err := r.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			ExcludeArchived: true,
			Limit:           1000,
			Types:           []string{kind},
		})
		if err != nil {
			if kind == "public_channel" {
				return "", fmt.Errorf("failed to list public channels: %w", err)
			}
			r.logger.Warn("Failed to list private channels", zap.Error(err))
			break
		}
		for _, channel := range channels {
			if channel.Name == name {
				return channel.ID, nil
			}
		}
	}
	return "", fmt.Errorf("channel '%s' not found", name)
}

// ClearCache clears the channel name resolution cache
func (r *ChannelResolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

// isChannelID checks if a string looks like a Slack channel ID.
// Channel IDs start with C and are followed by alphanumeric characters.
func isChannelID(s string) bool {
	if len(s) < 9 || len(s) > 15 {
		return false
	}
	if !strings.HasPrefix(s, "C") {
		return false
	}
	for _, c := range s[1:] {
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}
