package hearth

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func panelButtons(t *testing.T, components []discordgo.MessageComponent) []discordgo.Button {
	t.Helper()
	var buttons []discordgo.Button
	for _, c := range components {
		row, ok := c.(discordgo.ActionsRow)
		require.True(t, ok)
		assert.LessOrEqual(t, len(row.Components), 5)
		for _, rc := range row.Components {
			b, ok := rc.(discordgo.Button)
			require.True(t, ok)
			buttons = append(buttons, b)
		}
	}
	return buttons
}

func embedField(embed *discordgo.MessageEmbed, name string) string {
	for _, f := range embed.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

func TestRenderPanel(t *testing.T) {
	t.Parallel()

	created := time.Unix(1700000000, 0)
	embed, components := RenderPanel(
		PanelView{
			ChannelID:    "c1",
			ChannelName:  "I・Alice",
			OwnerID:      "alice",
			Occupants:    []string{"alice", "bob"},
			TrustedCount: 3,
			CreatedAt:    created,
		},
	)
	assert.Equal(t, "I・Alice", embed.Title)
	assert.Equal(t, panelColorUnlocked, embed.Color)
	assert.Equal(t, "<@alice>", embedField(embed, "Owner"))
	assert.Equal(t, "2/∞", embedField(embed, "Members"))
	assert.Equal(t, "3", embedField(embed, "Allowed"))
	assert.Equal(t, "<t:1700000000:R>", embedField(embed, "Created"))
	assert.Equal(t, "<@alice> <@bob>", embedField(embed, "In Channel"))
	assert.Contains(t, embedField(embed, "Status"), "Unlocked")

	require.Len(t, components, 2, "ten buttons in rows of five")
	buttons := panelButtons(t, components)
	require.Len(t, buttons, 10)
	ids := make([]string, len(buttons))
	for i, b := range buttons {
		ids[i] = b.CustomID
	}
	assert.ElementsMatch(
		t,
		[]string{
			customIDLock, customIDLimit, customIDRename, customIDHide, customIDClaim,
			customIDPermit, customIDBlock, customIDKick, customIDTransfer, customIDDelete,
		},
		ids,
	)
	assert.Equal(t, "Lock", buttons[0].Label)

	occupants := make([]string, 13)
	for i := range occupants {
		occupants[i] = string(rune('a' + i))
	}
	embed, components = RenderPanel(
		PanelView{
			ChannelName: "Locked",
			OwnerID:     "a",
			Locked:      true,
			Hidden:      true,
			Limit:       20,
			Occupants:   occupants,
		},
	)
	assert.Equal(t, panelColorLocked, embed.Color)
	assert.Equal(t, "13/20", embedField(embed, "Members"))
	assert.Contains(t, embedField(embed, "Status"), "Locked")
	assert.Contains(t, embedField(embed, "Status"), "Hidden")
	assert.Contains(t, embedField(embed, "In Channel"), "+3 more")
	assert.Equal(t, "unknown", embedField(embed, "Created"))
	assert.Equal(t, "Unlock", panelButtons(t, components)[0].Label)
}

func TestPanelSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	session := newMockDiscordSession(testGuildID)
	session.addChannel("c1", "I・Alice")
	panel := NewPanel(session, store, testLogger())

	ch := &TempChannel{ChannelID: "c1", OwnerID: "alice", GuildID: testGuildID, Name: "I・Alice"}
	require.NoError(t, store.CreateChannel(ctx, ch))

	view := PanelView{ChannelID: "c1", ChannelName: ch.Name, OwnerID: "alice"}
	require.NoError(t, panel.Sync(ctx, ch, view))
	require.NotEmpty(t, ch.PanelMessageID)
	first := ch.PanelMessageID
	assert.Len(t, session.sentTo("c1"), 1)

	saved, err := store.GetChannel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, first, saved.PanelMessageID)

	// subsequent syncs edit in place
	view.Locked = true
	require.NoError(t, panel.Sync(ctx, ch, view))
	assert.Equal(t, first, ch.PanelMessageID)
	assert.Len(t, session.sentTo("c1"), 1)
	assert.Equal(t, 1, session.callCount("ChannelMessageEditComplex"))

	// a deleted panel is replaced
	require.NoError(t, session.ChannelMessageDelete("c1", first))
	require.NoError(t, panel.Sync(ctx, ch, view))
	assert.NotEqual(t, first, ch.PanelMessageID)
	assert.Len(t, session.sentTo("c1"), 2)

	saved, err = store.GetChannel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ch.PanelMessageID, saved.PanelMessageID)

	// other edit failures are reported
	session.setErr("ChannelMessageEditComplex", mockForbidden())
	assert.Error(t, panel.Sync(ctx, ch, view))
}

func TestPanelResend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	session := newMockDiscordSession(testGuildID)
	session.addChannel("c1", "I・Alice")
	panel := NewPanel(session, store, testLogger())

	ch := &TempChannel{ChannelID: "c1", OwnerID: "alice", GuildID: testGuildID}
	require.NoError(t, store.CreateChannel(ctx, ch))
	view := PanelView{ChannelID: "c1", OwnerID: "alice"}

	require.NoError(t, panel.Sync(ctx, ch, view))
	old := ch.PanelMessageID

	require.NoError(t, panel.Resend(ctx, ch, view))
	assert.NotEqual(t, old, ch.PanelMessageID)
	session.mu.Lock()
	assert.Contains(t, session.deletedMessages, old)
	session.mu.Unlock()
}

func TestCustomID(t *testing.T) {
	t.Parallel()
	id := customID(customIDClaimApprove, "c1", "u2")
	name, args := parseCustomID(id)
	assert.Equal(t, customIDClaimApprove, name)
	assert.Equal(t, []string{"c1", "u2"}, args)

	name, args = parseCustomID(customIDLock)
	assert.Equal(t, customIDLock, name)
	assert.Empty(t, args)
}
