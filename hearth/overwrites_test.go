package hearth

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOverwrites(t *testing.T) {
	t.Parallel()

	isMod := func(id string) bool { return id == "modmember" }
	base := OverwriteSpec{
		EveryoneRoleID: testGuildID,
		BotID:          "bot",
		OwnerID:        "owner",
		ModRoleID:      testModRoleID,
		SuperOwnerID:   testSuperOwnerID,
		IsModerator:    isMod,
	}

	t.Run(
		"unlocked", func(t *testing.T) {
			t.Parallel()
			o := BuildOverwrites(base)

			everyone, ok := o.For(testGuildID)
			require.True(t, ok)
			assert.Equal(t, discordgo.PermissionOverwriteTypeRole, everyone.Type)
			assert.Zero(t, everyone.Deny)

			owner, ok := o.For("owner")
			require.True(t, ok)
			assert.Equal(t, permOwner, owner.Allow)
			assert.Equal(t, discordgo.PermissionOverwriteTypeMember, owner.Type)

			mod, ok := o.For(testModRoleID)
			require.True(t, ok)
			assert.Equal(t, permModerator, mod.Allow)

			botOW, ok := o.For("bot")
			require.True(t, ok)
			assert.Equal(t, permBot, botOW.Allow)
			assert.Equal(t, 4, o.Len())
		},
	)

	t.Run(
		"locked_hidden", func(t *testing.T) {
			t.Parallel()
			spec := base
			spec.Locked = true
			spec.Hidden = true
			everyone, ok := BuildOverwrites(spec).For(testGuildID)
			require.True(t, ok)
			assert.Equal(t, permLockedDeny|permHiddenDeny, everyone.Deny)
			assert.NotZero(t, everyone.Deny&discordgo.PermissionVoiceConnect)
			assert.NotZero(t, everyone.Deny&discordgo.PermissionViewChannel)
		},
	)

	t.Run(
		"precedence", func(t *testing.T) {
			t.Parallel()
			spec := base
			spec.Occupants = []string{"owner", "both", "visitor", "trusted"}
			spec.Trusted = []string{"trusted", "both"}
			spec.Blocked = []string{"both", "owner", "blocked"}
			o := BuildOverwrites(spec)

			owner, _ := o.For("owner")
			assert.Equal(t, permOwner, owner.Allow, "owner beats blocked")
			assert.Zero(t, owner.Deny)

			both, _ := o.For("both")
			assert.Equal(t, permBlockedDeny, both.Deny, "blocked beats trusted")
			assert.Zero(t, both.Allow)

			trusted, _ := o.For("trusted")
			assert.Equal(t, permTextAccess, trusted.Allow)

			visitor, _ := o.For("visitor")
			assert.Equal(t, permTextAccess, visitor.Allow)

			blocked, _ := o.For("blocked")
			assert.Equal(t, permBlockedDeny, blocked.Deny)
		},
	)

	t.Run(
		"blocked_moderator", func(t *testing.T) {
			t.Parallel()
			spec := base
			spec.Blocked = []string{"modmember"}
			_, ok := BuildOverwrites(spec).For("modmember")
			assert.False(t, ok, "moderators can't be blocked by a regular owner")

			spec.OwnerID = testSuperOwnerID
			o := BuildOverwrites(spec)
			modOW, ok := o.For("modmember")
			require.True(t, ok)
			assert.Equal(t, permBlockedDeny, modOW.Deny)

			_, ok = o.For(testModRoleID)
			assert.False(t, ok, "no moderator overwrite on super-owned channels")
		},
	)

	t.Run(
		"stable_copies", func(t *testing.T) {
			t.Parallel()
			spec := base
			spec.Occupants = []string{"b", "a"}
			o := BuildOverwrites(spec)

			first := o.Discord()
			second := o.Discord()
			require.Len(t, first, o.Len())
			for i := range first {
				assert.Equal(t, first[i].ID, second[i].ID)
				if i > 0 {
					assert.Less(t, first[i-1].ID, first[i].ID)
				}
			}
			first[0].Allow = 1
			again := o.Discord()
			assert.NotEqual(t, int64(1), again[0].Allow)
		},
	)
}
