// Package platform is the boundary to the chat platform the bot runs on.
// Handlers and the notifier only see the Client interface; the gateway
// connection itself lives in the bot process.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// MaxMessageLength is the platform's limit on message content, in characters.
const MaxMessageLength = 2000

var (
	// ErrUnknownGuild is returned for a guild the client cannot see
	ErrUnknownGuild = errors.New("unknown guild")
	// ErrUnknownMember is returned when removing a member that is not present
	ErrUnknownMember = errors.New("unknown member")
	// ErrMessageTooLong is returned for content over MaxMessageLength
	ErrMessageTooLong = errors.New("message content too long")
)

// Member is a guild member as seen by moderation jobs
type Member struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Bot       bool      `json:"bot"`
	CreatedAt time.Time `json:"created_at"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Client is what jobs need from the chat platform.
type Client interface {
	// SendMessage posts content to a channel
	SendMessage(ctx context.Context, channel, content string) error
	// Members pages through a guild's members ordered by ID, starting after the given ID.
	Members(ctx context.Context, guild, after string, limit int) ([]Member, error)
	// RemoveMember kicks a member from a guild
	RemoveMember(ctx context.Context, guild, memberID, reason string) error
}

// Memory is an in-process Client. It backs local runs and tests and logs
// every mutating call.
type Memory struct {
	logger *slog.Logger

	mu       sync.Mutex
	guilds   map[string]map[string]Member
	messages map[string][]string
	removed  map[string][]string
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger:   logger,
		guilds:   make(map[string]map[string]Member),
		messages: make(map[string][]string),
		removed:  make(map[string][]string),
	}
}

// AddMembers seeds a guild, creating it if needed.
func (m *Memory) AddMembers(guild string, members ...Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guilds[guild] == nil {
		m.guilds[guild] = make(map[string]Member)
	}
	for _, mem := range members {
		m.guilds[guild][mem.ID] = mem
	}
}

func (m *Memory) SendMessage(ctx context.Context, channel, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return fmt.Errorf("%w: %d characters", ErrMessageTooLong, utf8.RuneCountInString(content))
	}

	m.mu.Lock()
	m.messages[channel] = append(m.messages[channel], content)
	m.mu.Unlock()

	m.logger.Info("Message sent",
		slog.String("channel", channel),
		slog.Int("length", len(content)),
	)
	return nil
}

func (m *Memory) Members(ctx context.Context, guild, after string, limit int) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.guilds[guild]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuild, guild)
	}

	out := make([]Member, 0, len(g))
	for _, mem := range g {
		if mem.ID > after {
			out = append(out, mem)
		}
	}
	slices.SortFunc(out, func(a, b Member) int { return strings.Compare(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RemoveMember(ctx context.Context, guild, memberID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.guilds[guild]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGuild, guild)
	}
	if _, ok := g[memberID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, memberID)
	}
	delete(g, memberID)
	m.removed[guild] = append(m.removed[guild], memberID)

	m.logger.Info("Member removed",
		slog.String("guild", guild),
		slog.String("member_id", memberID),
		slog.String("reason", reason),
	)
	return nil
}

// Messages returns what was sent to channel
func (m *Memory) Messages(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages[channel])
}

// Removed returns the IDs removed from guild, in removal order
func (m *Memory) Removed(guild string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.removed[guild])
}
