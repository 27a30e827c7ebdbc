package hearth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnChannelID      = "channel_id"
	columnOwnerID        = "owner_id"
	columnGuildID        = "guild_id"
	columnUserID         = "user_id"
	columnSubjectID      = "subject_id"
	columnKind           = "kind"
	columnName           = "name"
	columnBaseName       = "base_name"
	columnUserLimit      = "user_limit"
	columnIsLocked       = "is_locked"
	columnIsHidden       = "is_hidden"
	columnPanelMessageID = "panel_message_id"
	columnXP             = "xp"
	columnLevel          = "level"
	columnActive         = "active"

	storePingTimeout = 5 * time.Second
)

// TempChannel is a voice channel provisioned for its owner. At most one
// exists per (owner, guild).
type TempChannel struct {
	ChannelID      string `gorm:"primaryKey" json:"channel_id"`
	OwnerID        string `gorm:"uniqueIndex:idx_temp_channel_owner;not null" json:"owner_id"`
	GuildID        string `gorm:"uniqueIndex:idx_temp_channel_owner;not null;index" json:"guild_id"`
	Name           string `json:"name"`
	BaseName       string `json:"base_name"`
	Position       int    `json:"position"`
	UserLimit      int    `json:"user_limit"`
	IsLocked       bool   `json:"is_locked"`
	IsHidden       bool   `json:"is_hidden"`
	PanelMessageID string `json:"panel_message_id,omitempty"`
	ModelUnixTime
}

func (c TempChannel) Created() time.Time {
	return time.UnixMilli(c.CreatedAt)
}

func (c TempChannel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnChannelID, c.ChannelID),
		slog.String(columnOwnerID, c.OwnerID),
		slog.String(columnName, c.Name),
	)
}

type AccessKind string

const (
	AccessNone    AccessKind = ""
	AccessTrusted AccessKind = "trusted"
	AccessBlocked AccessKind = "blocked"
)

// AccessEntry places a subject on an owner's trusted or blocked list.
// The composite primary key makes the two lists mutually exclusive.
type AccessEntry struct {
	OwnerID   string     `gorm:"primaryKey" json:"owner_id"`
	SubjectID string     `gorm:"primaryKey" json:"subject_id"`
	Kind      AccessKind `gorm:"not null;index" json:"kind"`
	CreatedAt int64      `gorm:"autoCreateTime:milli" json:"created_at"`
}

// UserSettings holds a member's saved channel defaults
type UserSettings struct {
	UserID        string `gorm:"primaryKey" json:"user_id"`
	DefaultName   string `json:"default_name"`
	DefaultLimit  int    `json:"default_limit"`
	DefaultLocked *bool  `json:"default_locked"`
	ModelUnixTime
}

// Migration records a one-time data migration
type Migration struct {
	Name      string `gorm:"primaryKey" json:"name"`
	AppliedAt int64  `gorm:"autoCreateTime:milli" json:"applied_at"`
}

// Store is the persistence layer. When the backing database is
// unreachable, Available reports false: reads return zero values and
// writes fail with ErrStoreUnavailable.
type Store struct {
	db        DBI
	dbType    string
	logger    *slog.Logger
	available atomic.Bool
}

func NewStore(db DBI, dbType string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		dbType: dbType,
		logger: logger.With(loggerNameKey, "store"),
	}
	s.available.Store(true)
	return s
}

func (s *Store) Available() bool {
	return s.available.Load()
}

func (s *Store) setAvailable(ok bool) {
	if prev := s.available.Swap(ok); prev != ok {
		if ok {
			s.logger.Info("store available again")
		} else {
			s.logger.Error("store unavailable, refusing writes")
		}
	}
}

// Ping checks the database connection and updates availability
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storePingTimeout)
	defer cancel()

	sqlDB, err := s.db.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	s.setAvailable(err == nil)
	return err
}

// RunHealthCheck pings the store every interval until ctx is done
func (s *Store) RunHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Ping(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "store ping failed", tint.Err(err))
			}
		}
	}
}

func (s *Store) writable() error {
	if !s.Available() {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *Store) read(ctx context.Context) *gorm.DB {
	return s.db.DB().WithContext(ctx)
}

// lockForUpdate adds FOR UPDATE on Postgres. SQLite writes are
// already serialized by the single writer.
func (s *Store) lockForUpdate(tx *gorm.DB) *gorm.DB {
	if s.dbType == dbTypePostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// CreateChannel persists a new temp channel row. Fails if the owner
// already has one in the guild.
func (s *Store) CreateChannel(ctx context.Context, ch *TempChannel) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.Create(ctx, ch)
	return err
}

// GetChannel returns the temp channel, or nil if it isn't tracked
func (s *Store) GetChannel(ctx context.Context, channelID string) (*TempChannel, error) {
	if !s.Available() {
		return nil, nil
	}
	var ch TempChannel
	err := s.read(ctx).Where(columnChannelID+" = ?", channelID).First(&ch).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannelByOwner returns the owner's temp channel in the guild, or nil
func (s *Store) GetChannelByOwner(
	ctx context.Context,
	ownerID, guildID string,
) (*TempChannel, error) {
	if !s.Available() {
		return nil, nil
	}
	var ch TempChannel
	err := s.read(ctx).
		Where(columnOwnerID+" = ? AND "+columnGuildID+" = ?", ownerID, guildID).
		First(&ch).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *Store) ListChannels(ctx context.Context, guildID string) ([]TempChannel, error) {
	if !s.Available() {
		return nil, nil
	}
	var channels []TempChannel
	err := s.read(ctx).
		Where(columnGuildID+" = ?", guildID).
		Order("created_at asc").
		Find(&channels).Error
	return channels, err
}

func (s *Store) UpdateChannel(
	ctx context.Context,
	channelID string,
	values map[string]any,
) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.UpdatesWhere(
		ctx,
		&TempChannel{},
		values,
		columnChannelID+" = ?",
		channelID,
	)
	return err
}

// TransferChannel reassigns ownership in a single write
func (s *Store) TransferChannel(
	ctx context.Context,
	channelID, newOwnerID, name, baseName string,
) error {
	return s.UpdateChannel(
		ctx, channelID, map[string]any{
			columnOwnerID:  newOwnerID,
			columnName:     name,
			columnBaseName: baseName,
		},
	)
}

func (s *Store) DeleteChannel(ctx context.Context, channelID string) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.Delete(ctx, &TempChannel{}, columnChannelID+" = ?", channelID)
	return err
}

// GetAccess returns the subject's state on the owner's lists
func (s *Store) GetAccess(ctx context.Context, ownerID, subjectID string) (AccessKind, error) {
	if !s.Available() {
		return AccessNone, nil
	}
	var entry AccessEntry
	err := s.read(ctx).
		Where(columnOwnerID+" = ? AND "+columnSubjectID+" = ?", ownerID, subjectID).
		First(&entry).Error
	if notFound(err) {
		return AccessNone, nil
	}
	if err != nil {
		return AccessNone, err
	}
	return entry.Kind, nil
}

// SetAccess moves the subject onto the given list, replacing any entry
// on the opposite one. AccessNone removes the entry.
func (s *Store) SetAccess(
	ctx context.Context,
	ownerID, subjectID string,
	kind AccessKind,
) error {
	if err := s.writable(); err != nil {
		return err
	}
	if kind == AccessNone {
		_, err := s.db.Delete(
			ctx,
			&AccessEntry{},
			columnOwnerID+" = ? AND "+columnSubjectID+" = ?",
			ownerID,
			subjectID,
		)
		return err
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnOwnerID}, {Name: columnSubjectID}},
					DoUpdates: clause.AssignmentColumns([]string{columnKind}),
				},
			).Create(&AccessEntry{OwnerID: ownerID, SubjectID: subjectID, Kind: kind}).Error
		},
	)
}

func (s *Store) AddTrusted(ctx context.Context, ownerID, subjectID string) error {
	return s.SetAccess(ctx, ownerID, subjectID, AccessTrusted)
}

func (s *Store) AddBlocked(ctx context.Context, ownerID, subjectID string) error {
	return s.SetAccess(ctx, ownerID, subjectID, AccessBlocked)
}

// RemoveTrusted removes the subject from the trusted list only
func (s *Store) RemoveTrusted(ctx context.Context, ownerID, subjectID string) error {
	return s.removeAccess(ctx, ownerID, subjectID, AccessTrusted)
}

// RemoveBlocked removes the subject from the blocked list only
func (s *Store) RemoveBlocked(ctx context.Context, ownerID, subjectID string) error {
	return s.removeAccess(ctx, ownerID, subjectID, AccessBlocked)
}

func (s *Store) removeAccess(
	ctx context.Context,
	ownerID, subjectID string,
	kind AccessKind,
) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.Delete(
		ctx,
		&AccessEntry{},
		columnOwnerID+" = ? AND "+columnSubjectID+" = ? AND "+columnKind+" = ?",
		ownerID,
		subjectID,
		kind,
	)
	return err
}

func (s *Store) ListTrusted(ctx context.Context, ownerID string) ([]string, error) {
	return s.listAccess(ctx, ownerID, AccessTrusted)
}

func (s *Store) ListBlocked(ctx context.Context, ownerID string) ([]string, error) {
	return s.listAccess(ctx, ownerID, AccessBlocked)
}

func (s *Store) listAccess(ctx context.Context, ownerID string, kind AccessKind) ([]string, error) {
	if !s.Available() {
		return nil, nil
	}
	var ids []string
	err := s.read(ctx).
		Model(&AccessEntry{}).
		Where(columnOwnerID+" = ? AND "+columnKind+" = ?", ownerID, kind).
		Order("created_at asc").
		Pluck(columnSubjectID, &ids).Error
	return ids, err
}

// RemoveAccessSubjects deletes every entry of the owner's lists whose
// subject is in subjectIDs.
func (s *Store) RemoveAccessSubjects(
	ctx context.Context,
	ownerID string,
	subjectIDs []string,
) (int64, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	if len(subjectIDs) == 0 {
		return 0, nil
	}
	return s.db.Delete(
		ctx,
		&AccessEntry{},
		columnOwnerID+" = ? AND "+columnSubjectID+" IN ?",
		ownerID,
		subjectIDs,
	)
}

// GetUserSettings returns saved defaults, or an empty value if none
// have been saved
func (s *Store) GetUserSettings(ctx context.Context, userID string) (UserSettings, error) {
	settings := UserSettings{UserID: userID}
	if !s.Available() {
		return settings, nil
	}
	err := s.read(ctx).Where(columnUserID+" = ?", userID).First(&settings).Error
	if notFound(err) {
		return UserSettings{UserID: userID}, nil
	}
	return settings, err
}

// UpdateUserSettings upserts the given columns of the user's settings
func (s *Store) UpdateUserSettings(
	ctx context.Context,
	userID string,
	values map[string]any,
) error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			settings := UserSettings{UserID: userID}
			if err := tx.Where(columnUserID+" = ?", userID).FirstOrCreate(&settings).Error; err != nil {
				return err
			}
			return tx.Model(&settings).Updates(values).Error
		},
	)
}

// MigrationApplied reports whether the named migration has already run
func (s *Store) MigrationApplied(ctx context.Context, name string) (bool, error) {
	var count int64
	err := s.read(ctx).Model(&Migration{}).Where("name = ?", name).Count(&count).Error
	return count > 0, err
}

// RunMigration runs fn and records name in a single transaction, unless
// it was already applied. Reports whether fn ran.
func (s *Store) RunMigration(
	ctx context.Context,
	name string,
	fn func(tx *gorm.DB) error,
) (bool, error) {
	if err := s.writable(); err != nil {
		return false, err
	}
	ran := false
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&Migration{}).Where("name = ?", name).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			if err := fn(tx); err != nil {
				return fmt.Errorf("migration %s: %w", name, err)
			}
			ran = true
			return tx.Create(&Migration{Name: name}).Error
		},
	)
	return ran, err
}
