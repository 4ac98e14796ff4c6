package main

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (a *app) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.logger.Info("discord_ready", zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))
}

// onGuildCreate fires for every guild at startup, on join, and when an
// outage ends. InitGuild is idempotent so all three are handled alike.
func (a *app) onGuildCreate(_ *discordgo.Session, e *discordgo.GuildCreate) {
	if e.Guild == nil || e.Unavailable {
		return
	}
	a.coordinator.InitGuild(e.ID)
	a.logger.Info("guild_ready",
		zap.String("guild_id", e.ID),
		zap.String("guild_name", e.Name),
		zap.Int("member_count", e.MemberCount),
	)
}

// onGuildDelete only releases state when the bot was removed. An
// unavailable guild is a Discord outage and keeps its tasks.
func (a *app) onGuildDelete(_ *discordgo.Session, e *discordgo.GuildDelete) {
	if e.Guild == nil {
		return
	}
	if e.Unavailable {
		a.logger.Warn("guild_unavailable", zap.String("guild_id", e.ID))
		return
	}
	a.coordinator.RemoveGuild(e.ID)
}
