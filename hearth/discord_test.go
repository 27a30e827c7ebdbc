package hearth

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDiscordSession is an in-memory guild implementing
// DiscordSessionHandler. Moves, role changes and channel edits are
// applied to its state so follow-up lookups see them.
type mockDiscordSession struct {
	mu sync.Mutex

	botID   string
	guildID string

	guild    *discordgo.Guild
	channels map[string]*discordgo.Channel
	members  map[string]*discordgo.Member
	roles    map[string]bool
	voice    map[string]*discordgo.VoiceState
	messages map[string]*discordgo.Message

	sent            []*discordgo.Message
	replies         []*discordgo.Message
	edits           []*discordgo.MessageEdit
	deletedMessages []string
	deletedChannels []string
	permissionSets  []mockPermission
	permissionDels  []mockPermission
	moves           []mockMove
	roleAdds        []mockRoleChange
	roleRemoves     []mockRoleChange
	nicknames       map[string]string
	responses       []*discordgo.InteractionResponse
	commands        []*discordgo.ApplicationCommand

	// errs injects an error for the named method
	errs  map[string]error
	calls map[string]int

	nextID int
}

type mockPermission struct {
	ChannelID string
	TargetID  string
	Allow     int64
	Deny      int64
}

type mockMove struct {
	UserID    string
	ChannelID string
}

type mockRoleChange struct {
	UserID string
	RoleID string
}

func newMockDiscordSession(guildID string) *mockDiscordSession {
	return &mockDiscordSession{
		botID:     "bot",
		guildID:   guildID,
		guild:     &discordgo.Guild{ID: guildID, Name: "Test Guild"},
		channels:  map[string]*discordgo.Channel{},
		members:   map[string]*discordgo.Member{},
		roles:     map[string]bool{},
		voice:     map[string]*discordgo.VoiceState{},
		messages:  map[string]*discordgo.Message{},
		nicknames: map[string]string{},
		errs:      map[string]error{},
		calls:     map[string]int{},
	}
}

func mockNotFound(code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "Unknown"},
	}
}

func mockForbidden() error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden},
		Message: &discordgo.APIErrorMessage{
			Code:    discordCodeMissingPermissions,
			Message: "Missing Permissions",
		},
	}
}

// call records the call and returns any injected error
func (m *mockDiscordSession) call(name string) error {
	m.calls[name]++
	return m.errs[name]
}

func (m *mockDiscordSession) setErr(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, name)
		return
	}
	m.errs[name] = err
}

func (m *mockDiscordSession) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockDiscordSession) newID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s%d", prefix, m.nextID)
}

func (m *mockDiscordSession) addMember(id string, opts ...func(*discordgo.Member)) *discordgo.Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	member := &discordgo.Member{
		GuildID: m.guildID,
		User:    &discordgo.User{ID: id, Username: "user" + id},
		Roles:   []string{},
	}
	for _, opt := range opts {
		opt(member)
	}
	m.members[id] = member
	return member
}

func (m *mockDiscordSession) removeMember(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, id)
	delete(m.voice, id)
}

func withRoles(roles ...string) func(*discordgo.Member) {
	return func(mem *discordgo.Member) {
		mem.Roles = append(mem.Roles, roles...)
	}
}

func withNick(nick string) func(*discordgo.Member) {
	return func(mem *discordgo.Member) {
		mem.Nick = nick
	}
}

func asBot() func(*discordgo.Member) {
	return func(mem *discordgo.Member) {
		mem.User.Bot = true
	}
}

func (m *mockDiscordSession) addRole(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[id] = true
}

func (m *mockDiscordSession) addChannel(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[id] = &discordgo.Channel{
		ID:      id,
		GuildID: m.guildID,
		Name:    name,
		Type:    discordgo.ChannelTypeGuildVoice,
	}
}

func (m *mockDiscordSession) deleteChannelState(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
}

// setVoice places the user in channelID, or disconnects them if empty
func (m *mockDiscordSession) setVoice(userID, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setVoiceLocked(userID, channelID)
}

func (m *mockDiscordSession) setVoiceLocked(userID, channelID string) {
	if channelID == "" {
		delete(m.voice, userID)
		return
	}
	vs := &discordgo.VoiceState{GuildID: m.guildID, UserID: userID, ChannelID: channelID}
	if member, ok := m.members[userID]; ok {
		vs.Member = member
	}
	m.voice[userID] = vs
}

func (m *mockDiscordSession) updateVoice(userID string, fn func(*discordgo.VoiceState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vs, ok := m.voice[userID]; ok {
		fn(vs)
	}
}

func (m *mockDiscordSession) voiceChannel(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vs, ok := m.voice[userID]; ok {
		return vs.ChannelID
	}
	return ""
}

func (m *mockDiscordSession) channel(id string) *discordgo.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil
	}
	c := *ch
	return &c
}

func (m *mockDiscordSession) memberRoles(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[userID]
	if !ok {
		return nil
	}
	return slices.Clone(member.Roles)
}

func (m *mockDiscordSession) sentMessages() []*discordgo.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

func (m *mockDiscordSession) sentTo(channelID string) []*discordgo.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rv []*discordgo.Message
	for _, msg := range m.sent {
		if msg.ChannelID == channelID {
			rv = append(rv, msg)
		}
	}
	return rv
}

func (m *mockDiscordSession) lastPermissionSet(channelID, targetID string) (mockPermission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.permissionSets) - 1; i >= 0; i-- {
		p := m.permissionSets[i]
		if p.ChannelID == channelID && p.TargetID == targetID {
			return p, true
		}
	}
	return mockPermission{}, false
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call("Open")
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call("Close")
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) SetIdentify(discordgo.Identify) {}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) UpdateCustomStatus(string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call("UpdateCustomStatus")
}

func (m *mockDiscordSession) BotUserID() string {
	return m.botID
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ApplicationCommandBulkOverwrite"); err != nil {
		return nil, err
	}
	m.commands = commands
	return commands, nil
}

func (m *mockDiscordSession) storeMessage(channelID string, msg *discordgo.Message) *discordgo.Message {
	msg.ID = m.newID("msg")
	msg.ChannelID = channelID
	m.messages[msg.ID] = msg
	m.sent = append(m.sent, msg)
	return msg
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelMessageSend"); err != nil {
		return nil, err
	}
	return m.storeMessage(channelID, &discordgo.Message{Content: content}), nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelMessageSendComplex"); err != nil {
		return nil, err
	}
	msg := &discordgo.Message{
		Content:    data.Content,
		Embeds:     data.Embeds,
		Components: data.Components,
	}
	return m.storeMessage(channelID, msg), nil
}

func (m *mockDiscordSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelMessageEditComplex"); err != nil {
		return nil, err
	}
	msg, ok := m.messages[edit.ID]
	if !ok {
		return nil, mockNotFound(discordCodeUnknownMessage)
	}
	m.edits = append(m.edits, edit)
	if edit.Content != nil {
		msg.Content = *edit.Content
	}
	if edit.Embeds != nil {
		msg.Embeds = *edit.Embeds
	}
	if edit.Components != nil {
		msg.Components = *edit.Components
	}
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelMessageDelete"); err != nil {
		return err
	}
	if _, ok := m.messages[messageID]; !ok {
		return mockNotFound(discordCodeUnknownMessage)
	}
	delete(m.messages, messageID)
	m.deletedMessages = append(m.deletedMessages, messageID)
	return nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelMessageSendReply"); err != nil {
		return nil, err
	}
	msg := &discordgo.Message{Content: content, MessageReference: reference}
	msg = m.storeMessage(channelID, msg)
	m.replies = append(m.replies, msg)
	return msg, nil
}

func (m *mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("GuildChannelCreateComplex"); err != nil {
		return nil, err
	}
	ch := &discordgo.Channel{
		ID:                   m.newID("vc"),
		GuildID:              guildID,
		Name:                 data.Name,
		Type:                 data.Type,
		ParentID:             data.ParentID,
		UserLimit:            data.UserLimit,
		PermissionOverwrites: data.PermissionOverwrites,
	}
	m.channels[ch.ID] = ch
	c := *ch
	return &c, nil
}

func (m *mockDiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelEdit"); err != nil {
		return nil, err
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, mockNotFound(discordCodeUnknownChannel)
	}
	if data.Name != "" {
		ch.Name = data.Name
	}
	if data.PermissionOverwrites != nil {
		ch.PermissionOverwrites = data.PermissionOverwrites
	}
	c := *ch
	return &c, nil
}

func (m *mockDiscordSession) ChannelUserLimit(
	channelID string,
	limit int,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelUserLimit"); err != nil {
		return err
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return mockNotFound(discordCodeUnknownChannel)
	}
	ch.UserLimit = limit
	return nil
}

func (m *mockDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelDelete"); err != nil {
		return nil, err
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, mockNotFound(discordCodeUnknownChannel)
	}
	delete(m.channels, channelID)
	m.deletedChannels = append(m.deletedChannels, channelID)
	return ch, nil
}

func (m *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	_ discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelPermissionSet"); err != nil {
		return err
	}
	if _, ok := m.channels[channelID]; !ok {
		return mockNotFound(discordCodeUnknownChannel)
	}
	m.permissionSets = append(
		m.permissionSets,
		mockPermission{ChannelID: channelID, TargetID: targetID, Allow: allow, Deny: deny},
	)
	return nil
}

func (m *mockDiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelPermissionDelete"); err != nil {
		return err
	}
	if _, ok := m.channels[channelID]; !ok {
		return mockNotFound(discordCodeUnknownChannel)
	}
	m.permissionDels = append(m.permissionDels, mockPermission{ChannelID: channelID, TargetID: targetID})
	return nil
}

func (m *mockDiscordSession) GuildMemberMove(
	_ string,
	userID string,
	channelID *string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("GuildMemberMove"); err != nil {
		return err
	}
	target := ""
	if channelID != nil {
		target = *channelID
	}
	m.moves = append(m.moves, mockMove{UserID: userID, ChannelID: target})
	m.setVoiceLocked(userID, target)
	return nil
}

func (m *mockDiscordSession) GuildMemberRoleAdd(
	_, userID, roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("GuildMemberRoleAdd"); err != nil {
		return err
	}
	member, ok := m.members[userID]
	if !ok {
		return mockNotFound(discordCodeUnknownMember)
	}
	m.roleAdds = append(m.roleAdds, mockRoleChange{UserID: userID, RoleID: roleID})
	if !slices.Contains(member.Roles, roleID) {
		member.Roles = append(member.Roles, roleID)
	}
	return nil
}

func (m *mockDiscordSession) GuildMemberRoleRemove(
	_, userID, roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("GuildMemberRoleRemove"); err != nil {
		return err
	}
	member, ok := m.members[userID]
	if !ok {
		return mockNotFound(discordCodeUnknownMember)
	}
	m.roleRemoves = append(m.roleRemoves, mockRoleChange{UserID: userID, RoleID: roleID})
	member.Roles = slices.DeleteFunc(member.Roles, func(r string) bool { return r == roleID })
	return nil
}

func (m *mockDiscordSession) GuildMemberNickname(
	_, userID, nickname string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("GuildMemberNickname"); err != nil {
		return err
	}
	member, ok := m.members[userID]
	if !ok {
		return mockNotFound(discordCodeUnknownMember)
	}
	member.Nick = nickname
	m.nicknames[userID] = nickname
	return nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("UserChannelCreate"); err != nil {
		return nil, err
	}
	return &discordgo.Channel{ID: "dm_" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("InteractionRespond"); err != nil {
		return err
	}
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("InteractionResponseEdit"); err != nil {
		return nil, err
	}
	msg := &discordgo.Message{ID: m.newID("msg")}
	if newresp.Content != nil {
		msg.Content = *newresp.Content
	}
	return msg, nil
}

func (m *mockDiscordSession) GuildState(guildID string) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if guildID != m.guildID {
		return nil, discordgo.ErrStateNotFound
	}
	g := *m.guild
	return &g, nil
}

func (m *mockDiscordSession) ChannelState(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ChannelState"); err != nil {
		return nil, err
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, mockNotFound(discordCodeUnknownChannel)
	}
	c := *ch
	return &c, nil
}

func (m *mockDiscordSession) MemberState(_, userID string) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("MemberState"); err != nil {
		return nil, err
	}
	member, ok := m.members[userID]
	if !ok {
		return nil, mockNotFound(discordCodeUnknownMember)
	}
	mem := *member
	mem.Roles = slices.Clone(member.Roles)
	return &mem, nil
}

func (m *mockDiscordSession) VoiceStates(string) []*discordgo.VoiceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]*discordgo.VoiceState, 0, len(m.voice))
	for _, vs := range m.voice {
		v := *vs
		states = append(states, &v)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })
	return states
}

func (m *mockDiscordSession) RoleExists(_, roleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[roleID]
}

func TestDiscordRegisterCommands(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	session := newMockDiscordSession(cfg.Discord.GuildID)
	d := newDiscord(cfg.Discord, slog.Default())
	d.session = session

	created, err := d.registerCommands(slashCommands())
	require.NoError(t, err)
	assert.Len(t, created, len(slashCommands()))

	var names []string
	for _, c := range session.commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{
			slashCommandAFK,
			slashCommandRank,
			slashCommandLeaderboard,
			slashCommandGiveaway,
			slashCommandBirthday,
		},
		names,
	)

	session.setErr("ApplicationCommandBulkOverwrite", mockForbidden())
	_, err = d.registerCommands(slashCommands())
	assert.Error(t, err)
}
