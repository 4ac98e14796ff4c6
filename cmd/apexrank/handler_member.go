package main

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/sigumaa/apexrank/internal/policy"
	"github.com/sigumaa/apexrank/internal/store"
)

func (a *app) onMemberAdd(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
	if e.Member == nil {
		return
	}
	if a.coordinator.IsRankRole(a.ctx, e.GuildID, e.Roles...) {
		a.coordinator.RequestRefresh(e.GuildID, "member_add")
	}
}

// onMemberRemove cannot see the roles the member held, so every departure
// is treated as a possible roster change. The throttle absorbs the cost.
func (a *app) onMemberRemove(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
	if e.Member == nil {
		return
	}
	a.coordinator.RequestRefresh(e.GuildID, "member_remove")
}

func (a *app) onMemberUpdate(_ *discordgo.Session, e *discordgo.GuildMemberUpdate) {
	if e.Member == nil {
		return
	}
	ranks, err := a.coordinator.Ranks(a.ctx, e.GuildID)
	if err != nil {
		a.logger.Warn("member_update_ranks_unavailable", zap.String("guild_id", e.GuildID), zap.Error(err))
		return
	}
	if !memberUpdateTouchesRanks(e, ranks) {
		return
	}
	a.coordinator.RequestRefresh(e.GuildID, "member_update")
}

// onRoleDelete drops a rank whose role no longer exists.
func (a *app) onRoleDelete(_ *discordgo.Session, e *discordgo.GuildRoleDelete) {
	removed, err := a.coordinator.RemoveRank(a.ctx, e.GuildID, e.RoleID)
	if err != nil {
		a.logger.Warn("rank_role_cleanup_failed", zap.String("guild_id", e.GuildID), zap.String("role_id", e.RoleID), zap.Error(err))
		return
	}
	if removed {
		a.logger.Info("rank_role_deleted", zap.String("guild_id", e.GuildID), zap.String("role_id", e.RoleID))
	}
}

func memberUpdateTouchesRanks(e *discordgo.GuildMemberUpdate, ranks []store.Rank) bool {
	if len(ranks) == 0 {
		return false
	}
	roleIDs := store.GuildSettings{Ranks: ranks}.RoleIDs()
	var before []string
	known := e.BeforeUpdate != nil
	if known {
		before = e.BeforeUpdate.Roles
	}
	return policy.RankRolesChanged(before, e.Roles, roleIDs, known)
}
