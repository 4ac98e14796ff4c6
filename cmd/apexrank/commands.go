package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	commandRank   = "rank"
	commandStatus = "status"
)

var errUnknownCommand = errors.New("unknown command")

func commandDefinitions() []*discordgo.ApplicationCommand {
	dm := false
	manageGuild := int64(discordgo.PermissionManageGuild)
	textChannels := []discordgo.ChannelType{discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews}
	channelOption := func(desc string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         "channel",
			Description:  desc,
			ChannelTypes: textChannels,
		}
	}
	roleOption := func(desc string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionRole,
			Name:        "role",
			Description: desc,
			Required:    true,
		}
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:         commandRank,
			Description:  "Rank roles and the rank panel",
			DMPermission: &dm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add",
					Description: "Add or rename a rank role",
					Options: []*discordgo.ApplicationCommandOption{
						roleOption("Role members pick for this rank"),
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "name",
							Description: "Label shown on the panel",
							Required:    true,
							MaxLength:   32,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "emoji",
							Description: "Button emoji",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Stop tracking a rank role",
					Options:     []*discordgo.ApplicationCommandOption{roleOption("Rank role to remove")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "Show the configured ranks",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "panel",
					Description: "Post the rank panel",
					Options:     []*discordgo.ApplicationCommandOption{channelOption("Channel for the panel, defaults to this one")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "refresh",
					Description: "Refresh the rank panel now",
				},
			},
		},
		{
			Name:                     commandStatus,
			Description:              "Apex map rotation and server status",
			DMPermission:             &dm,
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "panel",
					Description: "Post the status embed",
					Options:     []*discordgo.ApplicationCommandOption{channelOption("Channel for the embed, defaults to this one")},
				},
			},
		},
	}
}

// registerCommands overwrites the bot's commands. A non-empty guildID
// scopes them to one guild, which Discord applies immediately.
func registerCommands(s *discordgo.Session, guildID string) error {
	if s.State == nil || s.State.User == nil {
		return errors.New("session has no user; open it first")
	}
	if _, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, guildID, commandDefinitions()); err != nil {
		return fmt.Errorf("overwrite application commands: %w", err)
	}
	return nil
}

// command is a parsed slash command invocation.
type command struct {
	Name      string
	Sub       string
	Role      *discordgo.Role
	ChannelID string
	RankName  string
	Emoji     string
}

func (c command) path() string {
	return c.Name + " " + c.Sub
}

func parseCommand(data discordgo.ApplicationCommandInteractionData) (command, error) {
	cmd := command{Name: data.Name}
	if cmd.Name != commandRank && cmd.Name != commandStatus {
		return command{}, fmt.Errorf("%w: %s", errUnknownCommand, data.Name)
	}
	if len(data.Options) == 0 || data.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return command{}, fmt.Errorf("%w: /%s needs a subcommand", errUnknownCommand, data.Name)
	}
	sub := data.Options[0]
	cmd.Sub = sub.Name

	for _, opt := range sub.Options {
		switch opt.Name {
		case "role":
			role := opt.RoleValue(nil, "")
			if role == nil {
				continue
			}
			if data.Resolved != nil {
				if resolved, ok := data.Resolved.Roles[role.ID]; ok && resolved != nil {
					role = resolved
				}
			}
			cmd.Role = role
		case "channel":
			if ch := opt.ChannelValue(nil); ch != nil {
				cmd.ChannelID = ch.ID
			}
		case "name":
			cmd.RankName = strings.TrimSpace(opt.StringValue())
		case "emoji":
			cmd.Emoji = strings.TrimSpace(opt.StringValue())
		}
	}
	return cmd, nil
}
