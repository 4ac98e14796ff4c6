// Package store persists per-guild settings as one JSON file per guild.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

var (
	// ErrNotFound is returned when a guild has no settings file yet.
	ErrNotFound = errors.New("guild settings not found")
	// ErrUnchanged lets an Update callback skip the write.
	ErrUnchanged = errors.New("guild settings unchanged")
)

type Rank struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	RoleID string `json:"role_id"`
	Emoji  string `json:"emoji,omitempty"`
}

type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

type GuildSettings struct {
	GuildID     string     `json:"guild_id"`
	Ranks       []Rank     `json:"ranks"`
	RankPanel   MessageRef `json:"rank_panel"`
	StatusPanel MessageRef `json:"status_panel"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RankByRole returns the rank bound to roleID.
func (g GuildSettings) RankByRole(roleID string) (Rank, bool) {
	for _, r := range g.Ranks {
		if r.RoleID == roleID {
			return r, true
		}
	}
	return Rank{}, false
}

// RoleIDs lists the rank role IDs in rank order.
func (g GuildSettings) RoleIDs() []string {
	out := make([]string, 0, len(g.Ranks))
	for _, r := range g.Ranks {
		out = append(out, r.RoleID)
	}
	return out
}

// UpsertRank replaces the rank bound to the same role, or appends it.
// It reports whether an existing rank was replaced.
func (g *GuildSettings) UpsertRank(rank Rank) bool {
	for i := range g.Ranks {
		if g.Ranks[i].RoleID == rank.RoleID {
			g.Ranks[i] = rank
			return true
		}
	}
	g.Ranks = append(g.Ranks, rank)
	return false
}

func (g *GuildSettings) RemoveRank(roleID string) bool {
	for i := range g.Ranks {
		if g.Ranks[i].RoleID == roleID {
			g.Ranks = append(g.Ranks[:i], g.Ranks[i+1:]...)
			return true
		}
	}
	return false
}

type Store struct {
	root string
	now  func() time.Time

	mu sync.Mutex
}

func NewStore(rootDir string) (*Store, error) {
	root := strings.TrimSpace(rootDir)
	if root == "" {
		return nil, errors.New("store root dir is required")
	}
	s := &Store{root: filepath.Clean(root), now: time.Now}
	if err := os.MkdirAll(s.guildDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create guild directory: %w", err)
	}
	return s, nil
}

func (s *Store) Load(_ context.Context, guildID string) (GuildSettings, error) {
	if err := validateGuildID(guildID); err != nil {
		return GuildSettings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(guildID)
}

// LoadOrDefault returns empty settings for a guild that has never been saved.
func (s *Store) LoadOrDefault(ctx context.Context, guildID string) (GuildSettings, error) {
	settings, err := s.Load(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		return GuildSettings{GuildID: guildID}, nil
	}
	return settings, err
}

// Update loads the guild's settings (empty when missing), applies fn and
// writes the result. Nothing is written when fn returns an error; when that
// error is ErrUnchanged, Update returns the loaded settings and no error.
func (s *Store) Update(_ context.Context, guildID string, fn func(*GuildSettings) error) (GuildSettings, error) {
	if err := validateGuildID(guildID); err != nil {
		return GuildSettings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.loadLocked(guildID)
	if errors.Is(err, ErrNotFound) {
		settings = GuildSettings{GuildID: guildID}
	} else if err != nil {
		return GuildSettings{}, err
	}
	if err := fn(&settings); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return settings, nil
		}
		return GuildSettings{}, err
	}
	settings.GuildID = guildID
	if err := s.saveLocked(&settings); err != nil {
		return GuildSettings{}, err
	}
	return settings, nil
}

func (s *Store) loadLocked(guildID string) (GuildSettings, error) {
	body, err := os.ReadFile(s.guildPath(guildID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return GuildSettings{}, ErrNotFound
		}
		return GuildSettings{}, fmt.Errorf("read guild settings: %w", err)
	}
	var settings GuildSettings
	if err := sonic.Unmarshal(body, &settings); err != nil {
		return GuildSettings{}, fmt.Errorf("decode guild settings %s: %w", guildID, err)
	}
	if settings.GuildID == "" {
		settings.GuildID = guildID
	}
	return settings, nil
}

// saveLocked writes to a temp file and renames it over the target so a
// crash never leaves a truncated file behind.
func (s *Store) saveLocked(settings *GuildSettings) error {
	settings.UpdatedAt = s.now().UTC()
	body, err := sonic.ConfigStd.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode guild settings: %w", err)
	}
	body = append(body, '\n')

	path := s.guildPath(settings.GuildID)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".guild-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write guild settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close guild settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace guild settings: %w", err)
	}
	return nil
}

func (s *Store) guildDir() string {
	return filepath.Join(s.root, "guilds")
}

func (s *Store) guildPath(guildID string) string {
	return filepath.Join(s.guildDir(), guildID+".json")
}

// Guild IDs are snowflakes; anything else would let callers escape the root.
func validateGuildID(guildID string) error {
	if guildID == "" {
		return errors.New("guild_id is required")
	}
	for _, r := range guildID {
		if r < '0' || r > '9' {
			return fmt.Errorf("guild_id %q is not a snowflake", guildID)
		}
	}
	return nil
}
