package hearth

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

const (
	MigrationLevelCurveV2 = "level-curve-v2"

	migrationBatchSize = 500
)

// MigrateLevelCurve re-baselines stored XP records against the current
// level curve, once. By default each member's level is recomputed from
// their XP. With preserveLevels, each member keeps their level and their
// XP is set to the minimum XP for that level instead.
//
// Reports whether the migration ran (false if it had already been applied).
func MigrateLevelCurve(
	ctx context.Context,
	store *Store,
	preserveLevels bool,
	logger *slog.Logger,
) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	updated := 0
	ran, err := store.RunMigration(
		ctx, MigrationLevelCurveV2, func(tx *gorm.DB) error {
			var rows []UserXP
			return tx.FindInBatches(
				&rows, migrationBatchSize, func(batch *gorm.DB, _ int) error {
					for _, row := range rows {
						xp, level := rebaseline(row, preserveLevels)
						if xp == row.XP && level == row.Level {
							continue
						}
						if err := batch.Model(&UserXP{}).
							Where(
								columnUserID+" = ? AND "+columnGuildID+" = ?",
								row.UserID,
								row.GuildID,
							).
							Updates(map[string]any{columnXP: xp, columnLevel: level}).Error; err != nil {
							return fmt.Errorf("updating %s: %w", row.UserID, err)
						}
						updated++
					}
					return nil
				},
			).Error
		},
	)
	if err != nil {
		return false, err
	}
	if ran {
		logger.InfoContext(
			ctx,
			"applied migration",
			"name", MigrationLevelCurveV2,
			"preserve_levels", preserveLevels,
			"updated", updated,
		)
	} else {
		logger.InfoContext(ctx, "migration already applied", "name", MigrationLevelCurveV2)
	}
	return ran, nil
}

func rebaseline(row UserXP, preserveLevels bool) (int64, int) {
	if preserveLevels {
		return XPForLevel(row.Level), row.Level
	}
	return row.XP, LevelFromXP(row.XP)
}
