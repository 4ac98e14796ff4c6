package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/sigumaa/apexrank/internal/discordx"
	"github.com/sigumaa/apexrank/internal/panel"
	"github.com/sigumaa/apexrank/internal/policy"
	"github.com/sigumaa/apexrank/internal/render"
	"github.com/sigumaa/apexrank/internal/store"
)

type rankService interface {
	AddRank(ctx context.Context, guildID string, rank store.Rank) (bool, error)
	RemoveRank(ctx context.Context, guildID, roleID string) (bool, error)
	Ranks(ctx context.Context, guildID string) ([]store.Rank, error)
	PlaceRankPanel(ctx context.Context, guildID, channelID string) error
	PlaceStatusPanel(ctx context.Context, guildID, channelID string) error
	ForceRefresh(guildID string) bool
}

type commandInput struct {
	GuildID     string
	ChannelID   string
	Permissions int64
	Command     command
}

func (a *app) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.GuildID == "" || i.Member == nil || i.Member.User == nil {
		return
	}
	if !policy.ShouldHandle(policy.Incoming{
		GuildID:     i.GuildID,
		UserID:      i.Member.User.ID,
		AuthorIsBot: i.Member.User.Bot,
		Permissions: i.Member.Permissions,
	}) {
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		a.handleCommand(s, i)
	case discordgo.InteractionMessageComponent:
		a.handleComponent(s, i)
	}
}

func (a *app) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	runID := nextRunID(&a.runSeq, "cmd")
	started := time.Now()
	cmd, err := parseCommand(i.ApplicationCommandData())
	if err != nil {
		a.logger.Warn("command_rejected", zap.String("run_id", runID), zap.Error(err))
		a.reply(s, i, "Unknown command.")
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()
	text := executeCommand(ctx, a.coordinator, commandInput{
		GuildID:     i.GuildID,
		ChannelID:   i.ChannelID,
		Permissions: i.Member.Permissions,
		Command:     cmd,
	})
	a.reply(s, i, text)
	a.logger.Info("command_completed",
		zap.String("run_id", runID),
		zap.String("guild_id", i.GuildID),
		zap.String("user_id", i.Member.User.ID),
		zap.String("command", cmd.path()),
		zap.Int64("latency_ms", durationMS(time.Since(started))),
	)
}

// handleComponent serves the rank panel buttons. Role edits can be slow
// so the reply is deferred and filled in afterwards.
func (a *app) handleComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID
	roleID, isPick := render.ParseRankPick(customID)
	if !isPick && customID != render.RankClearID {
		return
	}
	runID := nextRunID(&a.runSeq, "btn")
	started := time.Now()

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		a.logger.Warn("interaction_defer_failed", zap.String("run_id", runID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()
	change, err := a.coordinator.PickRank(ctx, i.GuildID, i.Member, roleID)
	text := pickReply(roleID, change, err)
	if _, editErr := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &text}); editErr != nil {
		a.logger.Warn("interaction_edit_failed", zap.String("run_id", runID), zap.Error(editErr))
	}

	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("guild_id", i.GuildID),
		zap.String("user_id", i.Member.User.ID),
		zap.String("role_id", roleID),
		zap.String("added", change.Added),
		zap.Strings("removed", change.Removed),
		zap.Int64("latency_ms", durationMS(time.Since(started))),
	}
	if err != nil {
		a.logger.Error("rank_pick_failed", append(fields, zap.Error(err))...)
		return
	}
	a.logger.Info("rank_pick_completed", fields...)
}

func (a *app) reply(s *discordgo.Session, i *discordgo.InteractionCreate, text string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         text,
			Flags:           discordgo.MessageFlagsEphemeral,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	})
	if err != nil {
		a.logger.Warn("interaction_reply_failed", zap.String("guild_id", i.GuildID), zap.Error(err))
	}
}

// executeCommand runs a parsed command and returns the ephemeral reply.
func executeCommand(ctx context.Context, svc rankService, in commandInput) string {
	cmd := in.Command
	if cmd.path() != "rank list" && !policy.CanManageRanks(in.Permissions) {
		return "You need Manage Roles or Manage Server to do that."
	}
	channelID := cmd.ChannelID
	if channelID == "" {
		channelID = in.ChannelID
	}

	switch cmd.path() {
	case "rank add":
		if err := policy.ValidateRankRole(in.GuildID, cmd.Role); err != nil {
			return "That role can't be a rank: " + err.Error() + "."
		}
		if err := policy.ValidateRankName(cmd.RankName); err != nil {
			return "Invalid rank name: " + err.Error() + "."
		}
		replaced, err := svc.AddRank(ctx, in.GuildID, store.Rank{Name: cmd.RankName, RoleID: cmd.Role.ID, Emoji: cmd.Emoji})
		switch {
		case errors.Is(err, panel.ErrTooManyRanks):
			return fmt.Sprintf("A panel holds at most %d ranks. Remove one first.", render.MaxRankButtons)
		case err != nil:
			return "Could not save the rank. Try again later."
		case replaced:
			return fmt.Sprintf("Updated rank **%s** for <@&%s>.", cmd.RankName, cmd.Role.ID)
		default:
			return fmt.Sprintf("Added rank **%s** for <@&%s>.", cmd.RankName, cmd.Role.ID)
		}

	case "rank remove":
		if cmd.Role == nil {
			return "Pick a role."
		}
		removed, err := svc.RemoveRank(ctx, in.GuildID, cmd.Role.ID)
		switch {
		case err != nil:
			return "Could not save the change. Try again later."
		case !removed:
			return fmt.Sprintf("<@&%s> is not a rank.", cmd.Role.ID)
		default:
			return fmt.Sprintf("Removed <@&%s> from the ranks.", cmd.Role.ID)
		}

	case "rank list":
		ranks, err := svc.Ranks(ctx, in.GuildID)
		if err != nil {
			return "Could not load the ranks. Try again later."
		}
		return formatRankList(ranks)

	case "rank panel":
		if err := svc.PlaceRankPanel(ctx, in.GuildID, channelID); err != nil {
			return "Could not place the rank panel. Try again later."
		}
		return fmt.Sprintf("The rank panel will appear in <#%s> shortly.", channelID)

	case "rank refresh":
		svc.ForceRefresh(in.GuildID)
		return "Refresh queued."

	case "status panel":
		if err := svc.PlaceStatusPanel(ctx, in.GuildID, channelID); err != nil {
			return "Could not place the status embed. Try again later."
		}
		return fmt.Sprintf("The status embed will appear in <#%s> shortly.", channelID)
	}
	return "Unknown command."
}

func formatRankList(ranks []store.Rank) string {
	if len(ranks) == 0 {
		return "No ranks yet. Add one with `/rank add`."
	}
	var b strings.Builder
	b.WriteString("Ranks, highest first:\n")
	for n := len(ranks) - 1; n >= 0; n-- {
		r := ranks[n]
		b.WriteString("- ")
		if r.Emoji != "" {
			b.WriteString(r.Emoji + " ")
		}
		fmt.Fprintf(&b, "**%s** <@&%s>\n", r.Name, r.RoleID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func pickReply(roleID string, change discordx.RankChange, err error) string {
	switch {
	case errors.Is(err, panel.ErrNotARank):
		return "That rank no longer exists. The panel will update shortly."
	case err != nil:
		return "Could not update your roles. Try again later."
	case roleID == "" && len(change.Removed) == 0:
		return "You have no rank to clear."
	case roleID == "":
		return "Your rank was cleared."
	case change.Empty():
		return fmt.Sprintf("You already have <@&%s>.", roleID)
	default:
		return fmt.Sprintf("Your rank is now <@&%s>.", roleID)
	}
}
