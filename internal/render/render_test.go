package render

import (
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sigumaa/apexrank/internal/apex"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRankPanelListsHighestFirst(t *testing.T) {
	t.Parallel()

	embed, components := RankPanel(RankPanelInput{
		GuildName: "Legends",
		UpdatedAt: testNow,
		Ranks: []RankEntry{
			{RoleID: "1", Name: "Gold", Emoji: "🥇", Count: 12, Preview: []string{"amy", "b_o_b"}},
			{RoleID: "2", Name: "Predator", Emoji: "<:pred:123456>", Count: 1, Preview: []string{"zed"}},
			{RoleID: "3", Name: "Master", Count: 0},
		},
	})

	if embed.Title != "Legends ranks" {
		t.Fatalf("Title = %q", embed.Title)
	}
	if embed.Description != "13 ranked members" {
		t.Fatalf("Description = %q", embed.Description)
	}
	if len(embed.Fields) != 3 {
		t.Fatalf("len(Fields) = %d", len(embed.Fields))
	}
	if embed.Fields[0].Name != "Master (0)" || embed.Fields[0].Value != "-" {
		t.Fatalf("Fields[0] = %#v", embed.Fields[0])
	}
	gold := embed.Fields[2]
	if gold.Name != "🥇 Gold (12)" {
		t.Fatalf("gold name = %q", gold.Name)
	}
	if !strings.Contains(gold.Value, `b\_o\_b`) || !strings.HasSuffix(gold.Value, "+10 more") {
		t.Fatalf("gold value = %q", gold.Value)
	}

	if len(components) != 1 {
		t.Fatalf("rows = %d, want 1", len(components))
	}
	row := components[0].(discordgo.ActionsRow)
	if len(row.Components) != 4 {
		t.Fatalf("buttons = %d, want 4", len(row.Components))
	}
	pred := row.Components[1].(discordgo.Button)
	if pred.CustomID != "rank:pick:2" || pred.Emoji == nil || pred.Emoji.ID != "123456" || pred.Emoji.Name != "pred" {
		t.Fatalf("predator button = %#v", pred)
	}
	master := row.Components[2].(discordgo.Button)
	if master.Emoji != nil {
		t.Fatalf("master button emoji = %#v, want nil", master.Emoji)
	}
	if clear := row.Components[3].(discordgo.Button); clear.CustomID != RankClearID {
		t.Fatalf("last button = %#v", clear)
	}
}

func TestRankPanelWrapsButtonRows(t *testing.T) {
	t.Parallel()

	ranks := make([]RankEntry, 30)
	for i := range ranks {
		ranks[i] = RankEntry{RoleID: string(rune('a' + i%26)), Name: "r"}
	}
	_, components := RankPanel(RankPanelInput{Ranks: ranks, UpdatedAt: testNow})

	if len(components) != maxRows {
		t.Fatalf("rows = %d, want %d", len(components), maxRows)
	}
	count := 0
	for _, c := range components {
		count += len(c.(discordgo.ActionsRow).Components)
	}
	if count != MaxRankButtons+1 {
		t.Fatalf("buttons = %d, want %d", count, MaxRankButtons+1)
	}
}

func TestRankPanelEmpty(t *testing.T) {
	t.Parallel()

	embed, components := RankPanel(RankPanelInput{UpdatedAt: testNow})
	if components != nil {
		t.Fatalf("components = %#v, want nil", components)
	}
	if !strings.Contains(embed.Description, "/rank add") {
		t.Fatalf("Description = %q", embed.Description)
	}
}

func TestParseRankPick(t *testing.T) {
	t.Parallel()

	if id, ok := ParseRankPick("rank:pick:42"); !ok || id != "42" {
		t.Fatalf("ParseRankPick() = %q, %v", id, ok)
	}
	for _, bad := range []string{"rank:pick:", RankClearID, "other"} {
		if _, ok := ParseRankPick(bad); ok {
			t.Fatalf("ParseRankPick(%q) ok = true", bad)
		}
	}
}

func TestStatusEmbed(t *testing.T) {
	t.Parallel()

	rotation := &apex.Rotation{
		BattleRoyale: apex.ModeRotation{
			Current: apex.MapSlot{Map: "World's Edge", End: time.Unix(1772371800, 0)},
			Next:    apex.MapSlot{Map: "Storm Point"},
		},
		Ranked: apex.ModeRotation{Current: apex.MapSlot{Map: "Olympus"}},
	}
	servers := &apex.ServerStatus{Services: []apex.Service{
		{Name: "Origin_login", Regions: []apex.RegionStatus{{Region: "EU", Status: "UP"}, {Region: "US", Status: "DOWN"}}},
	}}

	embed := StatusEmbed(StatusInput{Rotation: rotation, Servers: servers, Now: testNow})
	if len(embed.Fields) != 3 {
		t.Fatalf("len(Fields) = %d", len(embed.Fields))
	}
	if want := "**World's Edge**\nends <t:1772371800:R>\nnext: Storm Point"; embed.Fields[0].Value != want {
		t.Fatalf("battle royale = %q, want %q", embed.Fields[0].Value, want)
	}
	if embed.Fields[1].Value != "**Olympus**" {
		t.Fatalf("ranked = %q", embed.Fields[1].Value)
	}
	if embed.Fields[2].Value != "🟠 Origin login (1/2 regions degraded)" {
		t.Fatalf("servers = %q", embed.Fields[2].Value)
	}
	if embed.Color != colorStatusWarn {
		t.Fatalf("Color = %#x, want warn", embed.Color)
	}
	if embed.Footer != nil {
		t.Fatalf("Footer = %#v, want nil", embed.Footer)
	}
}

func TestStatusEmbedStaleAndMissing(t *testing.T) {
	t.Parallel()

	embed := StatusEmbed(StatusInput{
		Rotation: &apex.Rotation{Stale: true},
		Now:      testNow,
	})
	if embed.Color != colorStatusStale || embed.Footer == nil {
		t.Fatalf("stale embed = %#v", embed)
	}
	if embed.Fields[0].Value != "Unknown" || embed.Fields[2].Value != "Unavailable" {
		t.Fatalf("fields = %q, %q", embed.Fields[0].Value, embed.Fields[2].Value)
	}
}

func TestPresenceText(t *testing.T) {
	t.Parallel()

	if got := PresenceText(1, 1); got != "Tracking 1 ranked legend in 1 server" {
		t.Fatalf("PresenceText(1,1) = %q", got)
	}
	if got := PresenceText(0, 3); got != "Tracking 0 ranked legends in 3 servers" {
		t.Fatalf("PresenceText(0,3) = %q", got)
	}
}
