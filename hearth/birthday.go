package hearth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
)

const minBirthYear = 1900

// Birthdays grants the birthday role (and the XP bonus that comes with
// it) for RoleDuration on each member's birthday, once per year
type Birthdays struct {
	config  *BirthdayConfig
	guildID string
	session DiscordSessionHandler
	store   *Store
	logger  *slog.Logger
	now     func() time.Time
}

func NewBirthdays(config *Config, session DiscordSessionHandler, store *Store, logger *slog.Logger) *Birthdays {
	if logger == nil {
		logger = slog.Default()
	}
	return &Birthdays{
		config:  config.Birthday,
		guildID: config.Discord.GuildID,
		session: session,
		store:   store,
		logger:  logger.With(loggerNameKey, "birthday"),
		now:     time.Now,
	}
}

func daysIn(month, year int) int {
	if year == 0 {
		// leap year, so Feb 29 is accepted when the year is omitted
		year = 2000
	}
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ValidateBirthday checks the date. year is optional (0).
func ValidateBirthday(month, day, year int, now time.Time) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month must be 1-12", ErrInvalidBirthday)
	}
	if year != 0 && (year < minBirthYear || year > now.Year()) {
		return fmt.Errorf("%w: year must be between %d and %d", ErrInvalidBirthday, minBirthYear, now.Year())
	}
	if max := daysIn(month, year); day < 1 || day > max {
		return fmt.Errorf(
			"%w: %s has %d days",
			ErrInvalidBirthday,
			time.Month(month).String(),
			max,
		)
	}
	return nil
}

func (b *Birthdays) Set(ctx context.Context, userID string, month, day, year int) error {
	if err := ValidateBirthday(month, day, year, b.now()); err != nil {
		return err
	}
	if err := b.store.SetBirthday(ctx, userID, b.guildID, month, day, year); err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "birthday set", columnUserID, userID, "month", month, "day", day)
	return nil
}

// Remove deletes the member's birthday, and their birthday role if it's
// currently granted. Reports whether a birthday was set.
func (b *Birthdays) Remove(ctx context.Context, userID string) (bool, error) {
	existing, err := b.store.GetBirthday(ctx, userID, b.guildID)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.RoleGrantedAt > 0 && b.config.Enabled() {
		if e := b.session.GuildMemberRoleRemove(b.guildID, userID, b.config.RoleID); e != nil && !isNotFound(e) {
			b.logger.WarnContext(ctx, "unable to remove birthday role", tint.Err(e))
		}
	}
	return b.store.DeleteBirthday(ctx, userID, b.guildID)
}

func (b *Birthdays) Get(ctx context.Context, userID string) (*Birthday, error) {
	return b.store.GetBirthday(ctx, userID, b.guildID)
}

// IsBirthdayActive reports whether the member's birthday role is
// currently granted
func (b *Birthdays) IsBirthdayActive(ctx context.Context, userID string) bool {
	bd, err := b.store.GetBirthday(ctx, userID, b.guildID)
	if err != nil || bd == nil || bd.RoleGrantedAt == 0 {
		return false
	}
	return b.now().Sub(time.UnixMilli(bd.RoleGrantedAt)) < b.config.RoleDuration
}

// celebrationDates returns the month/day pairs celebrated on now's date.
// Feb 29 birthdays are celebrated on Feb 28 in non-leap years.
func celebrationDates(now time.Time) [][2]int {
	dates := [][2]int{{int(now.Month()), now.Day()}}
	if now.Month() == time.February && now.Day() == 28 && daysIn(2, now.Year()) == 28 {
		dates = append(dates, [2]int{2, 29})
	}
	return dates
}

// Check grants the role to today's birthdays and removes expired
// grants. Returns how many roles were granted and removed.
func (b *Birthdays) Check(ctx context.Context) (granted, removed int) {
	if !b.config.Enabled() {
		return 0, 0
	}
	now := b.now().UTC()
	if !b.session.RoleExists(b.guildID, b.config.RoleID) {
		b.logger.WarnContext(ctx, "birthday role not found", "role_id", b.config.RoleID)
		return 0, 0
	}

	for _, date := range celebrationDates(now) {
		rows, err := b.store.ListBirthdaysOn(ctx, b.guildID, date[0], date[1])
		if err != nil {
			b.logger.ErrorContext(ctx, "error listing birthdays", tint.Err(err))
			return granted, removed
		}
		for _, bd := range rows {
			if bd.LastCelebratedYear == now.Year() || bd.RoleGrantedAt > 0 {
				continue
			}
			if b.grant(ctx, bd, now) {
				granted++
			}
		}
	}

	holders, err := b.store.ListBirthdayRoleHolders(ctx, b.guildID)
	if err != nil {
		b.logger.ErrorContext(ctx, "error listing birthday role holders", tint.Err(err))
		return granted, removed
	}
	for _, bd := range holders {
		if now.Sub(time.UnixMilli(bd.RoleGrantedAt)) < b.config.RoleDuration {
			continue
		}
		err = b.session.GuildMemberRoleRemove(b.guildID, bd.UserID, b.config.RoleID)
		if err != nil && !isNotFound(err) {
			b.logger.WarnContext(ctx, "unable to remove birthday role", tint.Err(err), columnUserID, bd.UserID)
			continue
		}
		if err = b.store.UpdateBirthday(ctx, bd.UserID, b.guildID, map[string]any{"role_granted_at": 0}); err != nil {
			b.logger.ErrorContext(ctx, "error clearing birthday grant", tint.Err(err))
			continue
		}
		removed++
	}
	if granted > 0 || removed > 0 {
		b.logger.InfoContext(ctx, "birthday check", "granted", granted, "removed", removed)
	}
	return granted, removed
}

func (b *Birthdays) grant(ctx context.Context, bd Birthday, now time.Time) bool {
	member, err := b.session.MemberState(b.guildID, bd.UserID)
	if err != nil {
		b.logger.DebugContext(ctx, "birthday member not found", columnUserID, bd.UserID)
		return false
	}
	if err = b.session.GuildMemberRoleAdd(b.guildID, bd.UserID, b.config.RoleID); err != nil {
		b.logger.WarnContext(ctx, "unable to grant birthday role", tint.Err(err), columnUserID, bd.UserID)
		return false
	}
	if err = b.store.UpdateBirthday(
		ctx, bd.UserID, b.guildID, map[string]any{
			"role_granted_at":      now.UnixMilli(),
			"last_celebrated_year": now.Year(),
		},
	); err != nil {
		b.logger.ErrorContext(ctx, "error saving birthday grant", tint.Err(err))
		return false
	}
	b.announce(ctx, member, bd, now)
	return true
}

func (b *Birthdays) announce(ctx context.Context, member *discordgo.Member, bd Birthday, now time.Time) {
	if b.config.AnnounceChannelID == "" {
		return
	}
	content := fmt.Sprintf("🎂 Happy birthday <@%s>!", bd.UserID)
	if bd.Year > 0 {
		content = fmt.Sprintf("🎂 Happy %s birthday <@%s>!", humanize.Ordinal(now.Year()-bd.Year), bd.UserID)
	}
	content += " Enjoy bonus XP for the day."
	if _, err := b.session.ChannelMessageSend(b.config.AnnounceChannelID, content); err != nil {
		b.logger.WarnContext(ctx, "unable to announce birthday", tint.Err(err), "member", memberDisplayName(member))
	}
}

// RunCheck runs Check immediately, then every CheckInterval
func (b *Birthdays) RunCheck(ctx context.Context) {
	b.Check(ctx)
	ticker := time.NewTicker(b.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Check(ctx)
		}
	}
}
