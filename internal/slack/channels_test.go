package slack

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/slack-go/slack"
)

type fakeLister struct {
	mu      sync.Mutex
	public  []slack.Channel
	private []slack.Channel
	err     error
	calls   int
}

func (f *fakeLister) GetConversationsContext(_ context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	if params.Types[0] == "private_channel" {
		return f.private, "", nil
	}
	return f.public, "", nil
}

func channel(id, name string) slack.Channel {
	var c slack.Channel
	c.ID = id
	c.Name = name
	return c
}

// --- isChannelID tests ---

func TestIsChannelID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"standard channel ID", "C01234567890", true},
		{"short channel ID", "C01234567", true},
		{"too long", "C012345678901234", false},
		{"mixed alphanumeric", "C0ABC123DEF", true},
		{"empty string", "", false},
		{"too short", "C1234567", false},
		{"starts with D", "D01234567890", false},
		{"lowercase letters", "C01234abcdef", false},
		{"channel name", "#alerts", false},
		{"has dashes", "C0123-4567890", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isChannelID(tt.input); got != tt.want {
				t.Errorf("isChannelID(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// --- ChannelResolver tests ---

func TestChannelResolver_ResolveChannel_AlreadyChannelID(t *testing.T) {
	lister := &fakeLister{}
	resolver := NewChannelResolver(lister, nil)

	id, err := resolver.ResolveChannel(context.Background(), "C01234567890")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "C01234567890" {
		t.Errorf("expected id to pass through, got %s", id)
	}
	if lister.calls != 0 {
		t.Error("channel IDs must not hit the API")
	}
}

func TestChannelResolver_ResolveChannel_EmptyInput(t *testing.T) {
	resolver := NewChannelResolver(&fakeLister{}, nil)
	if _, err := resolver.ResolveChannel(context.Background(), ""); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestChannelResolver_ResolveChannel_LooksUpAndCaches(t *testing.T) {
	lister := &fakeLister{
		public:  []slack.Channel{channel("C11111111111", "general")},
		private: []slack.Channel{channel("C22222222222", "incidents")},
	}
	resolver := NewChannelResolver(lister, nil)

	id, err := resolver.ResolveChannel(context.Background(), "#incidents")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "C22222222222" {
		t.Errorf("expected private channel id, got %s", id)
	}
	calls := lister.calls

	if _, err := resolver.ResolveChannel(context.Background(), "incidents"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lister.calls != calls {
		t.Error("second lookup should be served from cache")
	}

	resolver.ClearCache()
	if _, err := resolver.ResolveChannel(context.Background(), "incidents"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lister.calls == calls {
		t.Error("lookup after ClearCache should hit the API")
	}
}

func TestChannelResolver_ResolveChannel_NotFound(t *testing.T) {
	resolver := NewChannelResolver(&fakeLister{}, nil)
	if _, err := resolver.ResolveChannel(context.Background(), "missing"); err == nil {
		t.Error("expected not found error")
	}

	failing := NewChannelResolver(&fakeLister{err: errors.New("invalid_auth")}, nil)
	if _, err := failing.ResolveChannel(context.Background(), "alerts"); err == nil {
		t.Error("expected API error")
	}
}

func TestChannelResolver_ConcurrentClearAndRead(t *testing.T) {
	lister := &fakeLister{public: []slack.Channel{channel("C01234567890", "alerts")}}
	resolver := NewChannelResolver(lister, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := resolver.ResolveChannel(context.Background(), "alerts"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			resolver.ClearCache()
		}()
	}
	wg.Wait()
}
