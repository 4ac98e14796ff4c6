package discordx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const memberPageSize = 1000

// ErrGuildNotFound means Discord no longer lets the bot see the guild.
var ErrGuildNotFound = errors.New("guild not found or inaccessible")

// Session is the subset of *discordgo.Session the gateway calls.
type Session interface {
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UpdateCustomStatus(state string) error
}

type Gateway struct {
	session Session
	state   *discordgo.State
	logger  *zap.Logger
}

func NewGateway(session *discordgo.Session, logger *zap.Logger) *Gateway {
	var state *discordgo.State
	if session != nil {
		state = session.State
	}
	return newGateway(session, state, logger)
}

func newGateway(session Session, state *discordgo.State, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{session: session, state: state, logger: logger}
}

// ResolveGuild returns the live guild. Only a definite 403/404 from Discord
// yields ErrGuildNotFound; transient failures fall back to the state cache
// and otherwise return a plain error.
func (g *Gateway) ResolveGuild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	if strings.TrimSpace(guildID) == "" {
		return nil, errors.New("guild_id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	guild, err := g.session.Guild(guildID, discordgo.WithContext(ctx))
	if err == nil {
		return guild, nil
	}
	if isGone(err) {
		return nil, fmt.Errorf("%w: %s", ErrGuildNotFound, guildID)
	}
	if g.state != nil {
		if cached, stateErr := g.state.Guild(guildID); stateErr == nil {
			g.logger.Debug("guild_resolved_from_state", zap.String("guild_id", guildID), zap.Error(err))
			return cached, nil
		}
	}
	return nil, fmt.Errorf("fetch guild %s: %w", guildID, err)
}

// Members pages through the full member list of a guild.
func (g *Gateway) Members(ctx context.Context, guildID string) ([]*discordgo.Member, error) {
	var (
		out   []*discordgo.Member
		after string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := g.session.GuildMembers(guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list guild members: %w", err)
		}
		out = append(out, page...)
		if len(page) < memberPageSize {
			return out, nil
		}
		last := page[len(page)-1]
		if last == nil || last.User == nil {
			return out, nil
		}
		after = last.User.ID
	}
}

// Panel is a message the bot owns and keeps editing.
type Panel struct {
	ChannelID  string
	MessageID  string
	Embed      *discordgo.MessageEmbed
	Components []discordgo.MessageComponent
}

// UpsertPanel edits the panel message in place, or posts a new one when it
// has no message yet or the old one was deleted. It returns the message ID
// now holding the panel.
func (g *Gateway) UpsertPanel(ctx context.Context, p Panel) (string, error) {
	if strings.TrimSpace(p.ChannelID) == "" {
		return "", errors.New("channel_id is required")
	}
	if p.Embed == nil {
		return "", errors.New("embed is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	embeds := []*discordgo.MessageEmbed{p.Embed}
	components := p.Components
	if components == nil {
		components = []discordgo.MessageComponent{}
	}

	if p.MessageID != "" {
		_, err := g.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
			ID:         p.MessageID,
			Channel:    p.ChannelID,
			Embeds:     &embeds,
			Components: &components,
		}, discordgo.WithContext(ctx))
		if err == nil {
			return p.MessageID, nil
		}
		if !isGone(err) {
			return "", fmt.Errorf("edit panel message: %w", err)
		}
		g.logger.Info("panel_message_missing_reposting",
			zap.String("channel_id", p.ChannelID),
			zap.String("message_id", p.MessageID),
		)
	}

	msg, err := g.session.ChannelMessageSendComplex(p.ChannelID, &discordgo.MessageSend{
		Embeds:     embeds,
		Components: components,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send panel message: %w", err)
	}
	return msg.ID, nil
}

// SetPresence replaces the bot's custom status line.
func (g *Gateway) SetPresence(text string) error {
	if err := g.session.UpdateCustomStatus(strings.TrimSpace(text)); err != nil {
		return fmt.Errorf("update custom status: %w", err)
	}
	return nil
}

// ApplyRank makes roleID the only rank role the member holds. An empty
// roleID clears every rank role. held is the member's current role list.
func (g *Gateway) ApplyRank(ctx context.Context, guildID, userID, roleID string, rankRoles, held []string) (RankChange, error) {
	plan := PlanRankChange(roleID, rankRoles, held)
	for _, id := range plan.Removed {
		if err := g.session.GuildMemberRoleRemove(guildID, userID, id, discordgo.WithContext(ctx)); err != nil {
			return RankChange{}, fmt.Errorf("remove rank role %s: %w", id, err)
		}
	}
	if plan.Added != "" {
		if err := g.session.GuildMemberRoleAdd(guildID, userID, plan.Added, discordgo.WithContext(ctx)); err != nil {
			return RankChange{}, fmt.Errorf("add rank role %s: %w", plan.Added, err)
		}
	}
	return plan, nil
}

type RankChange struct {
	Added   string
	Removed []string
}

func (c RankChange) Empty() bool {
	return c.Added == "" && len(c.Removed) == 0
}

func PlanRankChange(roleID string, rankRoles, held []string) RankChange {
	isRank := make(map[string]struct{}, len(rankRoles))
	for _, id := range rankRoles {
		isRank[id] = struct{}{}
	}
	var change RankChange
	hasTarget := false
	for _, id := range held {
		if id == roleID {
			hasTarget = true
			continue
		}
		if _, ok := isRank[id]; ok {
			change.Removed = append(change.Removed, id)
		}
	}
	if roleID != "" && !hasTarget {
		change.Added = roleID
	}
	sort.Strings(change.Removed)
	return change
}

// RankTally is the member count and a name preview for one rank role.
type RankTally struct {
	RoleID  string
	Count   int
	Preview []string
}

// TallyRanks counts non-bot members per rank role, in rankRoles order.
// A member holding several rank roles is counted only under the highest
// (last listed) one. Preview holds up to previewLimit sorted display names.
func TallyRanks(members []*discordgo.Member, rankRoles []string, previewLimit int) []RankTally {
	index := make(map[string]int, len(rankRoles))
	tallies := make([]RankTally, len(rankRoles))
	for i, id := range rankRoles {
		index[id] = i
		tallies[i].RoleID = id
	}
	names := make([][]string, len(rankRoles))

	for _, m := range members {
		if m == nil || (m.User != nil && m.User.Bot) {
			continue
		}
		best := -1
		for _, roleID := range m.Roles {
			if i, ok := index[roleID]; ok && i > best {
				best = i
			}
		}
		if best < 0 {
			continue
		}
		tallies[best].Count++
		names[best] = append(names[best], DisplayName(m))
	}

	for i := range tallies {
		sort.Slice(names[i], func(a, b int) bool {
			return strings.ToLower(names[i][a]) < strings.ToLower(names[i][b])
		})
		if len(names[i]) > previewLimit {
			names[i] = names[i][:previewLimit]
		}
		tallies[i].Preview = names[i]
	}
	return tallies
}

// DisplayName prefers the guild nickname, then the global name, then the
// username.
func DisplayName(m *discordgo.Member) string {
	if m == nil || m.User == nil {
		return "unknown"
	}
	if strings.TrimSpace(m.Nick) != "" {
		return m.Nick
	}
	if strings.TrimSpace(m.User.GlobalName) != "" {
		return m.User.GlobalName
	}
	if strings.TrimSpace(m.User.Username) != "" {
		return m.User.Username
	}
	return m.User.ID
}

func isGone(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownGuild, discordgo.ErrCodeUnknownMessage,
			discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeMissingAccess:
			return true
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return true
		}
	}
	return false
}
