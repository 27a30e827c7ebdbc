package hearth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBirthdays(t *testing.T) (*Birthdays, *mockDiscordSession, *time.Time) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Birthday.AnnounceChannelID = "celebrations"
	session := newMockDiscordSession(testGuildID)
	session.addRole(testBirthdayRoleID)

	b := NewBirthdays(cfg, session, newTestStore(t), testLogger())
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, session, &now
}

func TestValidateBirthday(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		month, day int
		year       int
		valid      bool
	}{
		{name: "ordinary", month: 6, day: 15, year: 1990, valid: true},
		{name: "no_year", month: 12, day: 31, valid: true},
		{name: "leap_day_no_year", month: 2, day: 29, valid: true},
		{name: "leap_day_leap_year", month: 2, day: 29, year: 2000, valid: true},
		{name: "leap_day_common_year", month: 2, day: 29, year: 2001},
		{name: "april_31", month: 4, day: 31},
		{name: "month_zero", month: 0, day: 1},
		{name: "month_13", month: 13, day: 1},
		{name: "day_zero", month: 1, day: 0},
		{name: "too_old", month: 1, day: 1, year: 1899},
		{name: "future", month: 1, day: 1, year: 2025},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				err := ValidateBirthday(tc.month, tc.day, tc.year, now)
				if tc.valid {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, ErrInvalidBirthday)
				}
			},
		)
	}
}

func TestCelebrationDates(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		[][2]int{{2, 28}, {2, 29}},
		celebrationDates(time.Date(2023, 2, 28, 12, 0, 0, 0, time.UTC)),
	)
	assert.Equal(
		t,
		[][2]int{{2, 28}},
		celebrationDates(time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC)),
	)
	assert.Equal(
		t,
		[][2]int{{3, 1}},
		celebrationDates(time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)),
	)
}

func TestBirthdaySetAndRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _, _ := newTestBirthdays(t)

	assert.ErrorIs(t, b.Set(ctx, "alice", 2, 30, 0), ErrInvalidBirthday)
	require.NoError(t, b.Set(ctx, "alice", 3, 14, 1995))

	got, err := b.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Month)
	assert.Equal(t, 14, got.Day)
	assert.Equal(t, 1995, got.Year)

	// setting again overwrites
	require.NoError(t, b.Set(ctx, "alice", 3, 15, 0))
	got, err = b.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 15, got.Day)
	assert.Zero(t, got.Year)

	removed, err := b.Remove(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = b.Remove(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBirthdayCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, session, now := newTestBirthdays(t)

	session.addMember("alice")
	session.addMember("bob")
	require.NoError(t, b.Set(ctx, "alice", 6, 1, 2000))
	require.NoError(t, b.Set(ctx, "bob", 6, 2, 0))
	// not in the guild anymore
	require.NoError(t, b.Set(ctx, "carol", 6, 1, 0))

	granted, removed := b.Check(ctx)
	assert.Equal(t, 1, granted)
	assert.Zero(t, removed)
	assert.Contains(t, session.memberRoles("alice"), testBirthdayRoleID)
	assert.True(t, b.IsBirthdayActive(ctx, "alice"))
	assert.False(t, b.IsBirthdayActive(ctx, "bob"))

	announcements := session.sentTo("celebrations")
	require.Len(t, announcements, 1)
	assert.Contains(t, announcements[0].Content, "Happy 24th birthday <@alice>!")

	// once per year
	granted, removed = b.Check(ctx)
	assert.Zero(t, granted)
	assert.Zero(t, removed)

	*now = now.Add(25 * time.Hour)
	granted, removed = b.Check(ctx)
	assert.Equal(t, 1, granted)
	assert.Equal(t, 1, removed)
	assert.NotContains(t, session.memberRoles("alice"), testBirthdayRoleID)
	assert.Contains(t, session.memberRoles("bob"), testBirthdayRoleID)
	assert.False(t, b.IsBirthdayActive(ctx, "alice"))

	announcements = session.sentTo("celebrations")
	require.Len(t, announcements, 2)
	assert.Contains(t, announcements[1].Content, "🎂 Happy birthday <@bob>!")

	alice, err := b.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2024, alice.LastCelebratedYear)
	assert.Zero(t, alice.RoleGrantedAt)
}

func TestBirthdayCheckLeapDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, session, now := newTestBirthdays(t)
	*now = time.Date(2023, 2, 28, 9, 0, 0, 0, time.UTC)

	session.addMember("dave")
	require.NoError(t, b.Set(ctx, "dave", 2, 29, 0))

	granted, _ := b.Check(ctx)
	assert.Equal(t, 1, granted)
	assert.Contains(t, session.memberRoles("dave"), testBirthdayRoleID)
}

func TestBirthdayCheckRoleMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := DefaultTestConfig(t)
	session := newMockDiscordSession(testGuildID)
	b := NewBirthdays(cfg, session, newTestStore(t), testLogger())
	b.now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }

	session.addMember("alice")
	require.NoError(t, b.Set(ctx, "alice", 6, 1, 0))

	granted, removed := b.Check(ctx)
	assert.Zero(t, granted)
	assert.Zero(t, removed)
	assert.Zero(t, session.callCount("GuildMemberRoleAdd"))

	b.config.RoleID = ""
	granted, _ = b.Check(ctx)
	assert.Zero(t, granted)
}

func TestBirthdayRemoveWhileActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, session, _ := newTestBirthdays(t)

	session.addMember("alice")
	require.NoError(t, b.Set(ctx, "alice", 6, 1, 0))
	granted, _ := b.Check(ctx)
	require.Equal(t, 1, granted)

	removed, err := b.Remove(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NotContains(t, session.memberRoles("alice"), testBirthdayRoleID)
}
