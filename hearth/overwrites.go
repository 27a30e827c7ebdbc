package hearth

import (
	"sort"

	"github.com/bwmarrin/discordgo"
)

const (
	// permTextAccess lets a member see the channel and use its text chat
	permTextAccess int64 = discordgo.PermissionViewChannel |
		discordgo.PermissionVoiceConnect |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory

	permOwner int64 = permTextAccess |
		discordgo.PermissionVoiceSpeak |
		discordgo.PermissionVoiceUseVAD |
		discordgo.PermissionAttachFiles |
		discordgo.PermissionEmbedLinks

	permModerator int64 = permTextAccess |
		discordgo.PermissionVoiceSpeak |
		discordgo.PermissionVoiceMuteMembers |
		discordgo.PermissionVoiceDeafenMembers |
		discordgo.PermissionVoiceMoveMembers |
		discordgo.PermissionManageMessages |
		discordgo.PermissionAttachFiles |
		discordgo.PermissionEmbedLinks

	permBot int64 = permTextAccess |
		discordgo.PermissionVoiceMoveMembers |
		discordgo.PermissionManageMessages |
		discordgo.PermissionEmbedLinks

	permLockedDeny int64 = discordgo.PermissionVoiceConnect |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory

	permHiddenDeny  int64 = discordgo.PermissionViewChannel
	permBlockedDeny int64 = discordgo.PermissionVoiceConnect
)

// OverwriteSpec is everything that determines a temp channel's
// permission overwrites.
type OverwriteSpec struct {
	// EveryoneRoleID is the guild's @everyone role, which shares the guild's ID
	EveryoneRoleID string
	BotID          string
	OwnerID        string
	ModRoleID      string
	SuperOwnerID   string
	Locked         bool
	Hidden         bool
	Trusted        []string
	Blocked        []string

	// Occupants currently connected to the channel
	Occupants []string

	// IsModerator reports whether a subject holds the moderator role.
	// Blocked moderators are skipped unless the owner is the super-owner.
	IsModerator func(userID string) bool
}

// Overwrites is the complete, computed set of permission overwrites for
// a channel. Values are never modified after BuildOverwrites returns.
type Overwrites struct {
	entries map[string]discordgo.PermissionOverwrite
}

// BuildOverwrites computes the overwrites for spec. When a subject falls
// in several categories, owner beats blocked, which beats trusted,
// which beats occupant.
func BuildOverwrites(spec OverwriteSpec) Overwrites {
	o := Overwrites{entries: map[string]discordgo.PermissionOverwrite{}}
	superOwned := spec.SuperOwnerID != "" && spec.OwnerID == spec.SuperOwnerID

	var everyoneDeny int64
	if spec.Locked {
		everyoneDeny |= permLockedDeny
	}
	if spec.Hidden {
		everyoneDeny |= permHiddenDeny
	}
	if spec.EveryoneRoleID != "" {
		o.entries[spec.EveryoneRoleID] = discordgo.PermissionOverwrite{
			ID:   spec.EveryoneRoleID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: everyoneDeny,
		}
	}

	if spec.ModRoleID != "" && !superOwned {
		o.entries[spec.ModRoleID] = discordgo.PermissionOverwrite{
			ID:    spec.ModRoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: permModerator,
		}
	}

	setMember := func(id string, allow, deny int64) {
		if id == "" {
			return
		}
		o.entries[id] = discordgo.PermissionOverwrite{
			ID:    id,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: allow,
			Deny:  deny,
		}
	}

	for _, id := range spec.Occupants {
		setMember(id, permTextAccess, 0)
	}
	for _, id := range spec.Trusted {
		setMember(id, permTextAccess, 0)
	}
	for _, id := range spec.Blocked {
		if id == spec.OwnerID {
			continue
		}
		if !superOwned && spec.IsModerator != nil && spec.IsModerator(id) {
			continue
		}
		setMember(id, 0, permBlockedDeny)
	}
	if spec.BotID != "" && spec.BotID != spec.OwnerID {
		setMember(spec.BotID, permBot, 0)
	}
	setMember(spec.OwnerID, permOwner, 0)

	return o
}

// Discord returns the overwrites in a stable order, as fresh copies
func (o Overwrites) Discord() []*discordgo.PermissionOverwrite {
	ids := make([]string, 0, len(o.entries))
	for id := range o.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rv := make([]*discordgo.PermissionOverwrite, 0, len(ids))
	for _, id := range ids {
		ow := o.entries[id]
		rv = append(rv, &ow)
	}
	return rv
}

// For returns the overwrite for the given role or member ID
func (o Overwrites) For(id string) (discordgo.PermissionOverwrite, bool) {
	ow, ok := o.entries[id]
	return ow, ok
}

func (o Overwrites) Len() int {
	return len(o.entries)
}
