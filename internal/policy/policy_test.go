package policy

import (
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestShouldHandle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Incoming
		want bool
	}{
		{name: "guild member", in: Incoming{GuildID: "g1", UserID: "u1"}, want: true},
		{name: "direct message", in: Incoming{UserID: "u1"}, want: false},
		{name: "missing user", in: Incoming{GuildID: "g1"}, want: false},
		{name: "bot", in: Incoming{GuildID: "g1", UserID: "b1", AuthorIsBot: true}, want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ShouldHandle(tc.in); got != tc.want {
				t.Fatalf("ShouldHandle() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanManageRanks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		perms int64
		want  bool
	}{
		{name: "none", perms: 0, want: false},
		{name: "send messages only", perms: discordgo.PermissionSendMessages, want: false},
		{name: "administrator", perms: discordgo.PermissionAdministrator, want: true},
		{name: "manage roles", perms: discordgo.PermissionManageRoles | discordgo.PermissionSendMessages, want: true},
		{name: "manage guild", perms: discordgo.PermissionManageGuild, want: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := CanManageRanks(tc.perms); got != tc.want {
				t.Fatalf("CanManageRanks(%d) = %v, want %v", tc.perms, got, tc.want)
			}
		})
	}
}

func TestValidateRankName(t *testing.T) {
	t.Parallel()

	valid := []string{"Gold", "  Apex Predator ", strings.Repeat("ä", maxRankNameLength)}
	for _, name := range valid {
		if err := ValidateRankName(name); err != nil {
			t.Fatalf("ValidateRankName(%q) error = %v", name, err)
		}
	}
	invalid := []string{"", "   ", strings.Repeat("a", maxRankNameLength+1), "Gold\nSilver"}
	for _, name := range invalid {
		if err := ValidateRankName(name); err == nil {
			t.Fatalf("ValidateRankName(%q) error = nil, want error", name)
		}
	}
}

func TestValidateRankRole(t *testing.T) {
	t.Parallel()

	if err := ValidateRankRole("g1", &discordgo.Role{ID: "r1", Name: "Gold"}); err != nil {
		t.Fatalf("ValidateRankRole() error = %v", err)
	}
	for _, role := range []*discordgo.Role{
		nil,
		{ID: "g1", Name: "@everyone"},
		{ID: "r2", Name: "Booster", Managed: true},
	} {
		if err := ValidateRankRole("g1", role); err == nil {
			t.Fatalf("ValidateRankRole(%#v) error = nil, want error", role)
		}
	}
}

func TestRankRolesChanged(t *testing.T) {
	t.Parallel()

	ranks := []string{"r1", "r2"}
	tests := []struct {
		name        string
		before      []string
		after       []string
		beforeKnown bool
		want        bool
	}{
		{name: "unknown before", after: []string{"x"}, want: true},
		{name: "unrelated role added", before: []string{"r1"}, after: []string{"r1", "x"}, beforeKnown: true, want: false},
		{name: "rank swapped", before: []string{"r1"}, after: []string{"r2"}, beforeKnown: true, want: true},
		{name: "rank removed", before: []string{"r2", "x"}, after: []string{"x"}, beforeKnown: true, want: true},
		{name: "nick change only", before: []string{"r2"}, after: []string{"r2"}, beforeKnown: true, want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := RankRolesChanged(tc.before, tc.after, ranks, tc.beforeKnown); got != tc.want {
				t.Fatalf("RankRolesChanged() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHoldsRank(t *testing.T) {
	t.Parallel()

	if !HoldsRank([]string{"x", "r2"}, []string{"r1", "r2"}) {
		t.Fatal("HoldsRank() = false, want true")
	}
	if HoldsRank([]string{"x"}, []string{"r1"}) {
		t.Fatal("HoldsRank() = true, want false")
	}
}
