// Package policy decides who may change rank settings, which inputs are
// acceptable and which gateway events are worth a panel refresh.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const maxRankNameLength = 32

// Incoming is the part of an interaction the bot filters on.
type Incoming struct {
	GuildID     string
	UserID      string
	AuthorIsBot bool
	Permissions int64
}

// ShouldHandle drops DMs, bots and interactions without a user.
func ShouldHandle(in Incoming) bool {
	if in.GuildID == "" || in.UserID == "" {
		return false
	}
	return !in.AuthorIsBot
}

// CanManageRanks is true for members allowed to edit ranks and place panels.
func CanManageRanks(permissions int64) bool {
	const allowed = discordgo.PermissionAdministrator | discordgo.PermissionManageRoles | discordgo.PermissionManageGuild
	return permissions&allowed != 0
}

func ValidateRankName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("rank name is required")
	}
	if utf8.RuneCountInString(name) > maxRankNameLength {
		return fmt.Errorf("rank name must be at most %d characters", maxRankNameLength)
	}
	if strings.ContainsAny(name, "\n\r") {
		return errors.New("rank name must be a single line")
	}
	return nil
}

// ValidateRankRole rejects roles the bot could never hand out.
func ValidateRankRole(guildID string, role *discordgo.Role) error {
	if role == nil || role.ID == "" {
		return errors.New("role is required")
	}
	if role.ID == guildID {
		return errors.New("@everyone cannot be a rank")
	}
	if role.Managed {
		return fmt.Errorf("role %s is managed by an integration", role.Name)
	}
	return nil
}

// RankRolesChanged reports whether a member update touched any rank role.
// An unknown previous state counts as changed.
func RankRolesChanged(before, after []string, rankRoles []string, beforeKnown bool) bool {
	if !beforeKnown {
		return true
	}
	for _, roleID := range rankRoles {
		if contains(before, roleID) != contains(after, roleID) {
			return true
		}
	}
	return false
}

// HoldsRank reports whether roles includes any rank role.
func HoldsRank(roles []string, rankRoles []string) bool {
	for _, roleID := range rankRoles {
		if contains(roles, roleID) {
			return true
		}
	}
	return false
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
