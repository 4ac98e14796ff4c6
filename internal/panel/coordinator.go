// Package panel keeps each guild's rank panel, status embed and the bot
// presence up to date. Member and role events go through a per-guild
// throttler into the update queue; periodic refreshes come from the
// scheduler and land in the same queue.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/sigumaa/apexrank/internal/apex"
	"github.com/sigumaa/apexrank/internal/discordx"
	"github.com/sigumaa/apexrank/internal/dispatch"
	"github.com/sigumaa/apexrank/internal/policy"
	"github.com/sigumaa/apexrank/internal/render"
	"github.com/sigumaa/apexrank/internal/scheduler"
	"github.com/sigumaa/apexrank/internal/store"
	"github.com/sigumaa/apexrank/internal/task"
	"github.com/sigumaa/apexrank/internal/throttle"
)

const (
	KindRankPanel   = "rank_panel"
	KindStatusEmbed = "status_embed"

	TaskRankPanel   = "rank_panel"
	TaskStatusEmbed = "status_embed"
	TaskPresence    = "presence"

	// GlobalKey is the scheduler key for work that belongs to no guild.
	GlobalKey = "global"
)

var (
	ErrTooManyRanks = errors.New("too many ranks")
	ErrNotARank     = errors.New("role is not a rank")
)

type Store interface {
	LoadOrDefault(ctx context.Context, guildID string) (store.GuildSettings, error)
	Update(ctx context.Context, guildID string, fn func(*store.GuildSettings) error) (store.GuildSettings, error)
}

type Gateway interface {
	ResolveGuild(ctx context.Context, guildID string) (*discordgo.Guild, error)
	Members(ctx context.Context, guildID string) ([]*discordgo.Member, error)
	UpsertPanel(ctx context.Context, p discordx.Panel) (string, error)
	ApplyRank(ctx context.Context, guildID, userID, roleID string, rankRoles, held []string) (discordx.RankChange, error)
	SetPresence(text string) error
}

type StatusSource interface {
	MapRotation(ctx context.Context) (apex.Rotation, error)
	ServerStatus(ctx context.Context) (apex.ServerStatus, error)
}

type Config struct {
	PanelThrottle    time.Duration
	Queue            dispatch.Config
	Scheduler        scheduler.Config
	StatusInterval   time.Duration
	PanelInterval    time.Duration
	PresenceInterval time.Duration
}

type Deps struct {
	Store   Store
	Gateway Gateway
	Status  StatusSource
	Runner  *task.Runner
	Logger  *zap.Logger
}

type Stats struct {
	Guilds     int             `json:"guilds"`
	Throttlers int             `json:"throttlers"`
	Queue      dispatch.Stats  `json:"queue"`
	Scheduler  scheduler.Stats `json:"scheduler"`
}

type Coordinator struct {
	cfg     Config
	store   Store
	gateway Gateway
	status  StatusSource
	logger  *zap.Logger
	now     func() time.Time

	queue     *dispatch.Dispatcher
	throttles *throttle.Group[string]
	scheduler *scheduler.Scheduler[*discordgo.Guild]

	mu     sync.Mutex
	ranked map[string]int
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func New(ctx context.Context, cfg Config, deps Deps, opts ...Option) (*Coordinator, error) {
	if deps.Store == nil || deps.Gateway == nil || deps.Status == nil {
		return nil, errors.New("panel store, gateway and status source are required")
	}
	if cfg.StatusInterval <= 0 || cfg.PanelInterval <= 0 || cfg.PresenceInterval <= 0 {
		return nil, errors.New("panel refresh intervals must be positive")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := deps.Runner
	if runner == nil {
		runner = task.NewRunner(0, logger)
	}

	c := &Coordinator{
		cfg:     cfg,
		store:   deps.Store,
		gateway: deps.Gateway,
		status:  deps.Status,
		logger:  logger,
		now:     time.Now,
		ranked:  map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.queue = dispatch.New(ctx, cfg.Queue, runner, logger)
	c.throttles = throttle.NewGroup[string](ctx, "throttle", cfg.PanelThrottle, runner, c.onThrottled)
	sched, err := scheduler.New[*discordgo.Guild](cfg.Scheduler, c.resolve, runner, logger, scheduler.WithClock[*discordgo.Guild](c.now))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	c.scheduler = sched
	c.scheduler.Register(GlobalKey, TaskPresence, cfg.PresenceInterval, func(ctx context.Context, _ *discordgo.Guild) error {
		return c.RefreshPresence(ctx)
	})
	return c, nil
}

func (c *Coordinator) Start(ctx context.Context) error {
	return c.scheduler.Start(ctx)
}

// Stop halts polling, drops pending throttled requests and waits for
// in-flight queue work.
func (c *Coordinator) Stop() {
	c.scheduler.Stop()
	c.throttles.Stop()
	c.queue.Stop()
}

// InitGuild registers the guild's periodic refreshes and requests a first
// panel render. Calling it again for a known guild re-registers in place.
func (c *Coordinator) InitGuild(guildID string) {
	c.scheduler.Register(guildID, TaskStatusEmbed, c.cfg.StatusInterval, func(_ context.Context, g *discordgo.Guild) error {
		c.enqueue(g.ID, KindStatusEmbed, dispatch.PriorityLow)
		return nil
	})
	c.scheduler.Register(guildID, TaskRankPanel, c.cfg.PanelInterval, func(_ context.Context, g *discordgo.Guild) error {
		c.enqueue(g.ID, KindRankPanel, dispatch.PriorityLow)
		return nil
	})
	c.RequestRefresh(guildID, "guild_ready")
}

// RemoveGuild releases everything held for a guild the bot has left.
func (c *Coordinator) RemoveGuild(guildID string) {
	tasks := c.scheduler.UnregisterEntity(guildID)
	dropped := c.forget(guildID)
	c.logger.Info("guild_removed",
		zap.String("guild_id", guildID),
		zap.Int("unregistered_tasks", tasks),
		zap.Int("dropped_updates", dropped),
	)
}

// RequestRefresh asks for a rank panel refresh. Bursts within the throttle
// window collapse into one queued update; reason is the latest cause and
// only used for logging.
func (c *Coordinator) RequestRefresh(guildID, reason string) bool {
	return c.throttles.Request(guildID, reason)
}

// ForceRefresh flushes a pending throttled request and queues a high
// priority panel refresh. Both land on the same queue kind, so they merge
// unless the flushed one has already started. It reports whether an
// already queued refresh absorbed the high priority one.
func (c *Coordinator) ForceRefresh(guildID string) bool {
	if c.throttles.Flush(guildID) {
		c.logger.Debug("rank_panel_throttle_flushed", zap.String("guild_id", guildID))
	}
	return c.enqueue(guildID, KindRankPanel, dispatch.PriorityHigh)
}

// ForceStatus queues a high priority status embed refresh.
func (c *Coordinator) ForceStatus(guildID string) bool {
	return c.enqueue(guildID, KindStatusEmbed, dispatch.PriorityHigh)
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	guilds := len(c.ranked)
	c.mu.Unlock()
	return Stats{
		Guilds:     guilds,
		Throttlers: c.throttles.Len(),
		Queue:      c.queue.Stats(),
		Scheduler:  c.scheduler.Stats(),
	}
}

func (c *Coordinator) SchedulerStats() scheduler.Stats {
	return c.scheduler.Stats()
}

func (c *Coordinator) QueueStats() dispatch.Stats {
	return c.queue.Stats()
}

// RefreshRankPanel recounts rank members and edits the guild's panel. The
// member count is recorded even when no panel has been placed, since the
// presence line sums it across guilds.
func (c *Coordinator) RefreshRankPanel(ctx context.Context, guildID string) error {
	settings, err := c.store.LoadOrDefault(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load guild settings: %w", err)
	}
	if len(settings.Ranks) == 0 {
		c.setRanked(guildID, 0)
		return nil
	}

	members, err := c.gateway.Members(ctx, guildID)
	if err != nil {
		return err
	}
	tallies := discordx.TallyRanks(members, settings.RoleIDs(), render.PreviewLimit)
	entries := make([]render.RankEntry, 0, len(tallies))
	total := 0
	for i, tally := range tallies {
		rank := settings.Ranks[i]
		total += tally.Count
		entries = append(entries, render.RankEntry{
			RoleID:  rank.RoleID,
			Name:    rank.Name,
			Emoji:   rank.Emoji,
			Count:   tally.Count,
			Preview: tally.Preview,
		})
	}
	c.setRanked(guildID, total)

	if settings.RankPanel.ChannelID == "" {
		return nil
	}
	guildName := ""
	if g, err := c.gateway.ResolveGuild(ctx, guildID); err == nil && g != nil {
		guildName = g.Name
	}
	embed, components := render.RankPanel(render.RankPanelInput{
		GuildName: guildName,
		Ranks:     entries,
		UpdatedAt: c.now(),
	})
	return c.upsert(ctx, guildID, settings.RankPanel, embed, components, func(g *store.GuildSettings) *store.MessageRef {
		return &g.RankPanel
	})
}

// RefreshStatus re-renders the status embed from the stats API. API
// failures degrade the embed instead of failing the refresh.
func (c *Coordinator) RefreshStatus(ctx context.Context, guildID string) error {
	settings, err := c.store.LoadOrDefault(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load guild settings: %w", err)
	}
	if settings.StatusPanel.ChannelID == "" {
		return nil
	}

	in := render.StatusInput{Now: c.now()}
	if rotation, err := c.status.MapRotation(ctx); err == nil {
		in.Rotation = &rotation
	} else {
		c.logger.Warn("status_rotation_unavailable", zap.String("guild_id", guildID), zap.Error(err))
	}
	if servers, err := c.status.ServerStatus(ctx); err == nil {
		in.Servers = &servers
	} else {
		c.logger.Warn("status_servers_unavailable", zap.String("guild_id", guildID), zap.Error(err))
	}

	return c.upsert(ctx, guildID, settings.StatusPanel, render.StatusEmbed(in), nil, func(g *store.GuildSettings) *store.MessageRef {
		return &g.StatusPanel
	})
}

func (c *Coordinator) RefreshPresence(_ context.Context) error {
	c.mu.Lock()
	total := 0
	for _, n := range c.ranked {
		total += n
	}
	guilds := len(c.ranked)
	c.mu.Unlock()
	return c.gateway.SetPresence(render.PresenceText(total, guilds))
}

// AddRank binds a role to a rank and refreshes the panel.
func (c *Coordinator) AddRank(ctx context.Context, guildID string, rank store.Rank) (bool, error) {
	rank.Name = strings.TrimSpace(rank.Name)
	if rank.Key == "" {
		rank.Key = rankKey(rank.Name)
	}
	replaced := false
	_, err := c.store.Update(ctx, guildID, func(g *store.GuildSettings) error {
		if _, exists := g.RankByRole(rank.RoleID); !exists && len(g.Ranks) >= render.MaxRankButtons {
			return fmt.Errorf("%w: at most %d", ErrTooManyRanks, render.MaxRankButtons)
		}
		replaced = g.UpsertRank(rank)
		return nil
	})
	if err != nil {
		return false, err
	}
	c.RequestRefresh(guildID, "rank_added")
	return replaced, nil
}

func (c *Coordinator) RemoveRank(ctx context.Context, guildID, roleID string) (bool, error) {
	removed := false
	_, err := c.store.Update(ctx, guildID, func(g *store.GuildSettings) error {
		if removed = g.RemoveRank(roleID); !removed {
			return store.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		c.RequestRefresh(guildID, "rank_removed")
	}
	return removed, nil
}

func (c *Coordinator) Ranks(ctx context.Context, guildID string) ([]store.Rank, error) {
	settings, err := c.store.LoadOrDefault(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return settings.Ranks, nil
}

// PlaceRankPanel moves the rank panel to channelID. The message is posted
// by the queued refresh.
func (c *Coordinator) PlaceRankPanel(ctx context.Context, guildID, channelID string) error {
	if _, err := c.store.Update(ctx, guildID, func(g *store.GuildSettings) error {
		if g.RankPanel.ChannelID == channelID {
			return store.ErrUnchanged
		}
		g.RankPanel = store.MessageRef{ChannelID: channelID}
		return nil
	}); err != nil {
		return err
	}
	c.ForceRefresh(guildID)
	return nil
}

func (c *Coordinator) PlaceStatusPanel(ctx context.Context, guildID, channelID string) error {
	if _, err := c.store.Update(ctx, guildID, func(g *store.GuildSettings) error {
		if g.StatusPanel.ChannelID == channelID {
			return store.ErrUnchanged
		}
		g.StatusPanel = store.MessageRef{ChannelID: channelID}
		return nil
	}); err != nil {
		return err
	}
	c.ForceStatus(guildID)
	return nil
}

// PickRank gives the member roleID as their only rank, or clears their rank
// when roleID is empty.
func (c *Coordinator) PickRank(ctx context.Context, guildID string, member *discordgo.Member, roleID string) (discordx.RankChange, error) {
	if member == nil || member.User == nil {
		return discordx.RankChange{}, errors.New("member is required")
	}
	settings, err := c.store.LoadOrDefault(ctx, guildID)
	if err != nil {
		return discordx.RankChange{}, fmt.Errorf("load guild settings: %w", err)
	}
	if roleID != "" {
		if _, ok := settings.RankByRole(roleID); !ok {
			return discordx.RankChange{}, fmt.Errorf("%w: %s", ErrNotARank, roleID)
		}
	}
	change, err := c.gateway.ApplyRank(ctx, guildID, member.User.ID, roleID, settings.RoleIDs(), member.Roles)
	if err != nil {
		return discordx.RankChange{}, err
	}
	if !change.Empty() {
		c.RequestRefresh(guildID, "rank_picked")
	}
	return change, nil
}

// IsRankRole reports whether any of roleIDs is a configured rank role.
func (c *Coordinator) IsRankRole(ctx context.Context, guildID string, roleIDs ...string) bool {
	settings, err := c.store.LoadOrDefault(ctx, guildID)
	if err != nil {
		return false
	}
	return policy.HoldsRank(roleIDs, settings.RoleIDs())
}

func (c *Coordinator) onThrottled(_ context.Context, guildID string, reason string) error {
	c.logger.Debug("rank_panel_refresh_requested", zap.String("guild_id", guildID), zap.String("reason", reason))
	c.enqueue(guildID, KindRankPanel, dispatch.PriorityNormal)
	return nil
}

func (c *Coordinator) enqueue(guildID, kind string, priority dispatch.Priority) bool {
	run := func(ctx context.Context) error { return c.RefreshRankPanel(ctx, guildID) }
	if kind == KindStatusEmbed {
		run = func(ctx context.Context) error { return c.RefreshStatus(ctx, guildID) }
	}
	return c.queue.Enqueue(guildID, dispatch.Task{Kind: kind, Priority: priority, Run: run})
}

// resolve backs the scheduler. Only a definite "guild is gone" answer
// unregisters the guild; transient lookup failures keep its tasks.
func (c *Coordinator) resolve(ctx context.Context, key string) (*discordgo.Guild, error) {
	if key == GlobalKey {
		return nil, nil
	}
	g, err := c.gateway.ResolveGuild(ctx, key)
	if err == nil {
		return g, nil
	}
	if errors.Is(err, discordx.ErrGuildNotFound) {
		c.forget(key)
		return nil, err
	}
	c.logger.Warn("guild_resolve_degraded", zap.String("guild_id", key), zap.Error(err))
	return &discordgo.Guild{ID: key}, nil
}

func (c *Coordinator) forget(guildID string) int {
	dropped := c.queue.CancelEntity(guildID)
	c.throttles.Remove(guildID)
	c.mu.Lock()
	delete(c.ranked, guildID)
	c.mu.Unlock()
	return dropped
}

func (c *Coordinator) setRanked(guildID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranked[guildID] = n
}

func (c *Coordinator) upsert(
	ctx context.Context,
	guildID string,
	ref store.MessageRef,
	embed *discordgo.MessageEmbed,
	components []discordgo.MessageComponent,
	slot func(*store.GuildSettings) *store.MessageRef,
) error {
	messageID, err := c.gateway.UpsertPanel(ctx, discordx.Panel{
		ChannelID:  ref.ChannelID,
		MessageID:  ref.MessageID,
		Embed:      embed,
		Components: components,
	})
	if err != nil {
		return err
	}
	if messageID == ref.MessageID {
		return nil
	}
	// The panel may have been moved while the message was being posted;
	// the newer channel wins and its own refresh posts there.
	moved := false
	_, err = c.store.Update(ctx, guildID, func(g *store.GuildSettings) error {
		current := slot(g)
		if current.ChannelID != ref.ChannelID {
			moved = true
			return store.ErrUnchanged
		}
		*current = store.MessageRef{ChannelID: ref.ChannelID, MessageID: messageID}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save panel message id: %w", err)
	}
	if moved {
		c.logger.Info("panel_moved_during_refresh",
			zap.String("guild_id", guildID),
			zap.String("channel_id", ref.ChannelID),
			zap.String("message_id", messageID),
		)
		return nil
	}
	c.logger.Info("panel_posted",
		zap.String("guild_id", guildID),
		zap.String("channel_id", ref.ChannelID),
		zap.String("message_id", messageID),
	)
	return nil
}

func rankKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
