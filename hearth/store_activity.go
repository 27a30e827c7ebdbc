package hearth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	dayFormat = "2006-01-02"
)

// UserXP is a member's XP record. Level is always LevelFromXP(XP) after
// a write through the store.
type UserXP struct {
	UserID          string `gorm:"primaryKey" json:"user_id"`
	GuildID         string `gorm:"primaryKey;index:idx_user_xp_rank,priority:1" json:"guild_id"`
	XP              int64  `gorm:"not null;default:0;index:idx_user_xp_rank,priority:3" json:"xp"`
	Level           int    `gorm:"not null;default:0" json:"level"`
	TotalMessages   int64  `json:"total_messages"`
	VoiceMinutes    int64  `json:"voice_minutes"`
	LastMessageXPAt int64  `json:"last_message_xp_at,omitempty"`
	LastVoiceXPAt   int64  `json:"last_voice_xp_at,omitempty"`
	StreakDays      int    `json:"streak_days"`
	LastActiveDay   string `json:"last_active_day,omitempty"`
	Active          bool   `gorm:"not null;default:true;index:idx_user_xp_rank,priority:2" json:"active"`
	ModelUnixTime
}

func (u UserXP) Progress() LevelProgress {
	return Progress(u.XP)
}

type xpSource int

const (
	xpSourceMessage xpSource = iota + 1
	xpSourceVoice
	xpSourceBonus
)

func (s xpSource) String() string {
	switch s {
	case xpSourceMessage:
		return "message"
	case xpSourceVoice:
		return "voice"
	case xpSourceBonus:
		return "bonus"
	default:
		return "unknown"
	}
}

type xpGrant struct {
	UserID       string
	GuildID      string
	Amount       int64
	Source       xpSource
	VoiceMinutes int64
	At           time.Time
}

// GetUserXP returns the member's record, or a zero record if none exists
func (s *Store) GetUserXP(ctx context.Context, userID, guildID string) (UserXP, error) {
	row := UserXP{UserID: userID, GuildID: guildID, Active: true}
	if !s.Available() {
		return row, nil
	}
	err := s.read(ctx).
		Where(columnUserID+" = ? AND "+columnGuildID+" = ?", userID, guildID).
		First(&row).Error
	if notFound(err) {
		return UserXP{UserID: userID, GuildID: guildID, Active: true}, nil
	}
	return row, err
}

// EnsureUserXP creates the member's record if it doesn't exist
func (s *Store) EnsureUserXP(ctx context.Context, userID, guildID string) (UserXP, error) {
	if err := s.writable(); err != nil {
		return UserXP{UserID: userID, GuildID: guildID, Active: true}, err
	}
	row := UserXP{UserID: userID, GuildID: guildID, Active: true}
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Where(
				columnUserID+" = ? AND "+columnGuildID+" = ?",
				userID,
				guildID,
			).FirstOrCreate(&row).Error
		},
	)
	return row, err
}

// AddXP applies the grant in one transaction, recomputing the level
// alongside the new XP. Returns the record before and after.
func (s *Store) AddXP(ctx context.Context, g xpGrant) (before UserXP, after UserXP, err error) {
	if err = s.writable(); err != nil {
		return before, after, err
	}
	if g.Amount < 0 {
		return before, after, fmt.Errorf("%w: %d", ErrNegativeGrant, g.Amount)
	}
	if g.At.IsZero() {
		g.At = time.Now()
	}

	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			row := UserXP{UserID: g.UserID, GuildID: g.GuildID, Active: true}
			if e := s.lockForUpdate(tx).Where(
				columnUserID+" = ? AND "+columnGuildID+" = ?",
				g.UserID,
				g.GuildID,
			).FirstOrCreate(&row).Error; e != nil {
				return e
			}
			before = row

			row.XP += g.Amount
			row.Level = LevelFromXP(row.XP)
			switch g.Source {
			case xpSourceMessage:
				row.TotalMessages++
				row.LastMessageXPAt = g.At.UnixMilli()
			case xpSourceVoice:
				row.VoiceMinutes += g.VoiceMinutes
				row.LastVoiceXPAt = g.At.UnixMilli()
			default:
			}
			if g.Source != xpSourceBonus {
				row.StreakDays, row.LastActiveDay = nextStreak(row.StreakDays, row.LastActiveDay, g.At)
			}

			if e := tx.Save(&row).Error; e != nil {
				return e
			}
			after = row
			return nil
		},
	)
	return before, after, err
}

// nextStreak extends the streak when the last active day was yesterday
func nextStreak(streak int, lastDay string, at time.Time) (int, string) {
	today := at.UTC().Format(dayFormat)
	switch lastDay {
	case today:
		return streak, today
	case at.UTC().AddDate(0, 0, -1).Format(dayFormat):
		return streak + 1, today
	default:
		return 1, today
	}
}

// SetXP overwrites the member's XP. Unlike AddXP it may lower XP.
func (s *Store) SetXP(
	ctx context.Context,
	userID, guildID string,
	xp int64,
) (before UserXP, after UserXP, err error) {
	if err = s.writable(); err != nil {
		return before, after, err
	}
	if xp < 0 {
		xp = 0
	}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			row := UserXP{UserID: userID, GuildID: guildID, Active: true}
			if e := s.lockForUpdate(tx).Where(
				columnUserID+" = ? AND "+columnGuildID+" = ?",
				userID,
				guildID,
			).FirstOrCreate(&row).Error; e != nil {
				return e
			}
			before = row
			row.XP = xp
			row.Level = LevelFromXP(xp)
			if e := tx.Save(&row).Error; e != nil {
				return e
			}
			after = row
			return nil
		},
	)
	return before, after, err
}

// SetLevel overwrites the cached level. The level must be the one the
// stored XP maps to under the current curve, so this only repairs a
// stale cache.
func (s *Store) SetLevel(ctx context.Context, userID, guildID string, level int) error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var row UserXP
			if e := s.lockForUpdate(tx).Where(
				columnUserID+" = ? AND "+columnGuildID+" = ?",
				userID,
				guildID,
			).First(&row).Error; e != nil {
				return e
			}
			if want := LevelFromXP(row.XP); level != want {
				return fmt.Errorf("%w: %s has %d xp, which is level %d, not %d", ErrLevelMismatch, userID, row.XP, want, level)
			}
			if row.Level == level {
				return nil
			}
			return tx.Model(&row).Update(columnLevel, level).Error
		},
	)
}

func (s *Store) SetActive(ctx context.Context, userID, guildID string, active bool) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.UpdatesWhere(
		ctx,
		&UserXP{},
		map[string]any{columnActive: active},
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	)
	return err
}

// ListActiveXP returns every active member's record in the guild
func (s *Store) ListActiveXP(ctx context.Context, guildID string) ([]UserXP, error) {
	if !s.Available() {
		return nil, nil
	}
	var rows []UserXP
	err := s.read(ctx).
		Where(columnGuildID+" = ? AND "+columnActive+" = ?", guildID, true).
		Find(&rows).Error
	return rows, err
}

// Leaderboard returns active members ordered by XP, highest first
func (s *Store) Leaderboard(
	ctx context.Context,
	guildID string,
	limit, offset int,
) ([]UserXP, error) {
	if !s.Available() {
		return nil, nil
	}
	var rows []UserXP
	err := s.read(ctx).
		Where(columnGuildID+" = ? AND "+columnActive+" = ?", guildID, true).
		Order("xp desc").
		Order("user_id asc").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	return rows, err
}

// RankPosition is 1 + the number of active members with more XP
func (s *Store) RankPosition(ctx context.Context, guildID string, xp int64) (int64, error) {
	if !s.Available() {
		return 0, nil
	}
	var count int64
	err := s.read(ctx).
		Model(&UserXP{}).
		Where(
			columnGuildID+" = ? AND "+columnActive+" = ? AND "+columnXP+" > ?",
			guildID,
			true,
			xp,
		).
		Count(&count).Error
	return count + 1, err
}

// AFKStatus marks a member as away
type AFKStatus struct {
	UserID       string `gorm:"primaryKey" json:"user_id"`
	GuildID      string `gorm:"primaryKey" json:"guild_id"`
	Reason       string `json:"reason"`
	SetAt        int64  `json:"set_at"`
	MentionCount int    `json:"mention_count"`
}

func (s *Store) GetAFK(ctx context.Context, userID, guildID string) (*AFKStatus, error) {
	if !s.Available() {
		return nil, nil
	}
	var status AFKStatus
	err := s.read(ctx).
		Where(columnUserID+" = ? AND "+columnGuildID+" = ?", userID, guildID).
		First(&status).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *Store) SetAFK(ctx context.Context, status *AFKStatus) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.Save(ctx, status)
	return err
}

func (s *Store) ClearAFK(ctx context.Context, userID, guildID string) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.Delete(
		ctx,
		&AFKStatus{},
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	)
	return err
}

func (s *Store) IncrementAFKMentions(ctx context.Context, userID, guildID string) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.UpdatesWhere(
		ctx,
		&AFKStatus{},
		map[string]any{"mention_count": gorm.Expr("mention_count + ?", 1)},
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	)
	return err
}

// Giveaway is a prize draw. PublicID is used in button custom IDs.
type Giveaway struct {
	ModelUintID
	PublicID       string `gorm:"uniqueIndex;not null" json:"public_id"`
	GuildID        string `gorm:"index" json:"guild_id"`
	ChannelID      string `json:"channel_id"`
	MessageID      string `json:"message_id,omitempty"`
	HostID         string `json:"host_id"`
	Prize          string `json:"prize"`
	PrizeXP        int64  `json:"prize_xp,omitempty"`
	WinnerCount    int    `json:"winner_count"`
	RequiredRoleID string `json:"required_role_id,omitempty"`
	MinLevel       int    `json:"min_level,omitempty"`
	EndsAt         int64  `gorm:"index" json:"ends_at"`
	Ended          bool   `gorm:"index" json:"ended"`
	Cancelled      bool   `json:"cancelled"`
	Winners        string `json:"winners,omitempty"`
	ModelUnixTime
}

func (g Giveaway) EndTime() time.Time {
	return time.UnixMilli(g.EndsAt)
}

func (g Giveaway) WinnerIDs() []string {
	if g.Winners == "" {
		return nil
	}
	return strings.Split(g.Winners, ",")
}

type GiveawayEntry struct {
	GiveawayID uint   `gorm:"primaryKey" json:"giveaway_id"`
	UserID     string `gorm:"primaryKey" json:"user_id"`
	CreatedAt  int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (s *Store) CreateGiveaway(ctx context.Context, g *Giveaway) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.Create(ctx, g)
	return err
}

// GetGiveaway looks up a giveaway by its public ID, returning nil if
// it doesn't exist
func (s *Store) GetGiveaway(ctx context.Context, publicID string) (*Giveaway, error) {
	if !s.Available() {
		return nil, nil
	}
	var g Giveaway
	err := s.read(ctx).Where("public_id = ?", publicID).First(&g).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) UpdateGiveaway(ctx context.Context, id uint, values map[string]any) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.UpdatesWhere(ctx, &Giveaway{}, values, "id = ?", id)
	return err
}

// ListDueGiveaways returns running giveaways whose end time has passed
func (s *Store) ListDueGiveaways(ctx context.Context, now time.Time) ([]Giveaway, error) {
	if !s.Available() {
		return nil, nil
	}
	var rows []Giveaway
	err := s.read(ctx).
		Where("ended = ? AND ends_at <= ?", false, now.UnixMilli()).
		Order("ends_at asc").
		Find(&rows).Error
	return rows, err
}

// AddGiveawayEntry enters the user, failing with ErrAlreadyEntered on
// a repeat entry
func (s *Store) AddGiveawayEntry(ctx context.Context, giveawayID uint, userID string) error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&GiveawayEntry{}).
				Where("giveaway_id = ? AND user_id = ?", giveawayID, userID).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrAlreadyEntered
			}
			return tx.Create(&GiveawayEntry{GiveawayID: giveawayID, UserID: userID}).Error
		},
	)
}

func (s *Store) RemoveGiveawayEntry(ctx context.Context, giveawayID uint, userID string) error {
	if err := s.writable(); err != nil {
		return err
	}
	rows, err := s.db.Delete(
		ctx,
		&GiveawayEntry{},
		"giveaway_id = ? AND user_id = ?",
		giveawayID,
		userID,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotEntered
	}
	return nil
}

func (s *Store) ListGiveawayEntries(ctx context.Context, giveawayID uint) ([]string, error) {
	if !s.Available() {
		return nil, nil
	}
	var ids []string
	err := s.read(ctx).
		Model(&GiveawayEntry{}).
		Where("giveaway_id = ?", giveawayID).
		Order("created_at asc").
		Pluck(columnUserID, &ids).Error
	return ids, err
}

// Birthday is a member's birthday. Year is optional (0).
type Birthday struct {
	UserID             string `gorm:"primaryKey" json:"user_id"`
	GuildID            string `gorm:"primaryKey;index:idx_birthday_date,priority:1" json:"guild_id"`
	Month              int    `gorm:"index:idx_birthday_date,priority:2" json:"month"`
	Day                int    `gorm:"index:idx_birthday_date,priority:3" json:"day"`
	Year               int    `json:"year,omitempty"`
	RoleGrantedAt      int64  `json:"role_granted_at,omitempty"`
	LastCelebratedYear int    `json:"last_celebrated_year,omitempty"`
	ModelUnixTime
}

func (s *Store) GetBirthday(ctx context.Context, userID, guildID string) (*Birthday, error) {
	if !s.Available() {
		return nil, nil
	}
	var b Birthday
	err := s.read(ctx).
		Where(columnUserID+" = ? AND "+columnGuildID+" = ?", userID, guildID).
		First(&b).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// SetBirthday saves the member's date, keeping celebration state when
// the date is unchanged
func (s *Store) SetBirthday(ctx context.Context, userID, guildID string, month, day, year int) error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			b := Birthday{UserID: userID, GuildID: guildID}
			if err := tx.Where(
				columnUserID+" = ? AND "+columnGuildID+" = ?",
				userID,
				guildID,
			).FirstOrCreate(&b).Error; err != nil {
				return err
			}
			if b.Month != month || b.Day != day {
				b.LastCelebratedYear = 0
			}
			b.Month, b.Day, b.Year = month, day, year
			return tx.Save(&b).Error
		},
	)
}

func (s *Store) DeleteBirthday(ctx context.Context, userID, guildID string) (bool, error) {
	if err := s.writable(); err != nil {
		return false, err
	}
	rows, err := s.db.Delete(
		ctx,
		&Birthday{},
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	)
	return rows > 0, err
}

// ListBirthdaysOn returns the guild's birthdays on the given date
func (s *Store) ListBirthdaysOn(ctx context.Context, guildID string, month, day int) ([]Birthday, error) {
	if !s.Available() {
		return nil, nil
	}
	var rows []Birthday
	err := s.read(ctx).
		Where(columnGuildID+" = ? AND month = ? AND day = ?", guildID, month, day).
		Find(&rows).Error
	return rows, err
}

// ListBirthdayRoleHolders returns birthdays whose role is currently granted
func (s *Store) ListBirthdayRoleHolders(ctx context.Context, guildID string) ([]Birthday, error) {
	if !s.Available() {
		return nil, nil
	}
	var rows []Birthday
	err := s.read(ctx).
		Where(columnGuildID+" = ? AND role_granted_at > ?", guildID, 0).
		Find(&rows).Error
	return rows, err
}

func (s *Store) UpdateBirthday(ctx context.Context, userID, guildID string, values map[string]any) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.UpdatesWhere(
		ctx,
		&Birthday{},
		values,
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	)
	return err
}
