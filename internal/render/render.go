// Package render builds the embeds, buttons and presence text the bot posts.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sigumaa/apexrank/internal/apex"
)

const (
	RankPickPrefix = "rank:pick:"
	RankClearID    = "rank:clear"

	// PreviewLimit is how many member names each rank field lists.
	PreviewLimit = 10

	maxButtonsPerRow = 5
	maxRows          = 5
	// One slot is kept for the clear button.
	MaxRankButtons = maxButtonsPerRow*maxRows - 1

	maxFieldValue = 1024
	maxFields     = 25

	colorRankPanel   = 0xDA292A
	colorStatusOK    = 0x2ECC71
	colorStatusWarn  = 0xF1C40F
	colorStatusStale = 0x95A5A6
)

var customEmojiPattern = regexp.MustCompile(`^<(a?):([A-Za-z0-9_]+):(\d+)>$`)

type RankEntry struct {
	RoleID  string
	Name    string
	Emoji   string
	Count   int
	Preview []string
}

type RankPanelInput struct {
	GuildName string
	Ranks     []RankEntry
	UpdatedAt time.Time
}

// RankPanel renders the roster embed and one button per rank plus a clear
// button. Ranks are listed highest first.
func RankPanel(in RankPanelInput) (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	embed := &discordgo.MessageEmbed{
		Title:     "Ranks",
		Color:     colorRankPanel,
		Timestamp: in.UpdatedAt.UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: "Pick your current rank below"},
	}
	if in.GuildName != "" {
		embed.Title = in.GuildName + " ranks"
	}
	if len(in.Ranks) == 0 {
		embed.Description = "No ranks configured yet. An admin can add one with `/rank add`."
		return embed, nil
	}

	total := 0
	for i := len(in.Ranks) - 1; i >= 0; i-- {
		r := in.Ranks[i]
		total += r.Count
		if len(embed.Fields) >= maxFields {
			continue
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("%s (%d)", rankLabel(r), r.Count),
			Value: rosterValue(r),
		})
	}
	embed.Description = fmt.Sprintf("%d ranked %s", total, plural(total, "member", "members"))

	return embed, rankButtons(in.Ranks)
}

func rankButtons(ranks []RankEntry) []discordgo.MessageComponent {
	buttons := make([]discordgo.MessageComponent, 0, len(ranks)+1)
	for i, r := range ranks {
		if i >= MaxRankButtons {
			break
		}
		b := discordgo.Button{
			Label:    r.Name,
			Style:    discordgo.SecondaryButton,
			CustomID: RankPickPrefix + r.RoleID,
		}
		if emoji := componentEmoji(r.Emoji); emoji != nil {
			b.Emoji = emoji
		}
		buttons = append(buttons, b)
	}
	buttons = append(buttons, discordgo.Button{
		Label:    "Clear rank",
		Style:    discordgo.DangerButton,
		CustomID: RankClearID,
	})

	rows := make([]discordgo.MessageComponent, 0, (len(buttons)+maxButtonsPerRow-1)/maxButtonsPerRow)
	for start := 0; start < len(buttons); start += maxButtonsPerRow {
		end := start + maxButtonsPerRow
		if end > len(buttons) {
			end = len(buttons)
		}
		rows = append(rows, discordgo.ActionsRow{Components: buttons[start:end]})
	}
	return rows
}

// ParseRankPick extracts the role ID from a rank button custom ID.
func ParseRankPick(customID string) (string, bool) {
	roleID, ok := strings.CutPrefix(customID, RankPickPrefix)
	if !ok || roleID == "" {
		return "", false
	}
	return roleID, true
}

func rankLabel(r RankEntry) string {
	if strings.TrimSpace(r.Emoji) == "" {
		return r.Name
	}
	return r.Emoji + " " + r.Name
}

func rosterValue(r RankEntry) string {
	if r.Count == 0 {
		return "-"
	}
	var b strings.Builder
	for _, name := range r.Preview {
		line := "• " + escapeMarkdown(name) + "\n"
		if b.Len()+len(line) > maxFieldValue-16 {
			break
		}
		b.WriteString(line)
	}
	if more := r.Count - len(r.Preview); more > 0 {
		fmt.Fprintf(&b, "+%d more", more)
	}
	return strings.TrimRight(b.String(), "\n")
}

func componentEmoji(raw string) *discordgo.ComponentEmoji {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if m := customEmojiPattern.FindStringSubmatch(raw); m != nil {
		return &discordgo.ComponentEmoji{Name: m[2], ID: m[3], Animated: m[1] == "a"}
	}
	return &discordgo.ComponentEmoji{Name: raw}
}

type StatusInput struct {
	Rotation *apex.Rotation
	Servers  *apex.ServerStatus
	Now      time.Time
}

// StatusEmbed renders map rotation and server health. A nil half is shown
// as unavailable rather than failing the whole embed.
func StatusEmbed(in StatusInput) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     "Apex Legends status",
		Color:     colorStatusOK,
		Timestamp: in.Now.UTC().Format(time.RFC3339),
	}
	stale := false

	if in.Rotation != nil {
		stale = stale || in.Rotation.Stale
		embed.Fields = append(embed.Fields,
			&discordgo.MessageEmbedField{Name: "Battle Royale", Value: modeValue(in.Rotation.BattleRoyale), Inline: true},
			&discordgo.MessageEmbedField{Name: "Ranked", Value: modeValue(in.Rotation.Ranked), Inline: true},
		)
	} else {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Map rotation", Value: "Unavailable"})
		embed.Color = colorStatusWarn
	}

	if in.Servers != nil {
		stale = stale || in.Servers.Stale
		value, degraded := serversValue(*in.Servers)
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Servers", Value: value})
		if degraded {
			embed.Color = colorStatusWarn
		}
	} else {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Servers", Value: "Unavailable"})
		embed.Color = colorStatusWarn
	}

	if stale {
		embed.Color = colorStatusStale
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "Stats API unreachable, showing last known data"}
	}
	return embed
}

func modeValue(m apex.ModeRotation) string {
	if m.Current.Map == "" {
		return "Unknown"
	}
	var b strings.Builder
	b.WriteString("**" + m.Current.Map + "**")
	if !m.Current.End.IsZero() {
		fmt.Fprintf(&b, "\nends <t:%d:R>", m.Current.End.Unix())
	}
	if m.Next.Map != "" {
		b.WriteString("\nnext: " + m.Next.Map)
	}
	return b.String()
}

func serversValue(s apex.ServerStatus) (string, bool) {
	if len(s.Services) == 0 {
		return "No data", false
	}
	lines := make([]string, 0, len(s.Services))
	anyDegraded := false
	for _, svc := range s.Services {
		bad := svc.Degraded()
		mark := "🟢"
		suffix := ""
		if bad > 0 {
			anyDegraded = true
			mark = "🟠"
			suffix = fmt.Sprintf(" (%d/%d regions degraded)", bad, len(svc.Regions))
		}
		lines = append(lines, fmt.Sprintf("%s %s%s", mark, strings.ReplaceAll(svc.Name, "_", " "), suffix))
	}
	return truncate(strings.Join(lines, "\n"), maxFieldValue), anyDegraded
}

// PresenceText is the bot's custom status line.
func PresenceText(rankedMembers, guilds int) string {
	return fmt.Sprintf("Tracking %d ranked %s in %d %s",
		rankedMembers, plural(rankedMembers, "legend", "legends"),
		guilds, plural(guilds, "server", "servers"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

var markdownEscaper = strings.NewReplacer("*", `\*`, "_", `\_`, "`", "\\`", "~", `\~`, "|", `\|`, ">", `\>`)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	for len(string(runes)) > limit-3 {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}
