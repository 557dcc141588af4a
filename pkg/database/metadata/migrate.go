package metadata

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// MigrationResult counts the records copied by MigrateFrom
type MigrationResult struct {
	Configs       int
	Jobs          int
	Verifications int
	Recoveries    int
	Skipped       int
}

// MigrateFrom copies every record of src that is not already present. It is used once
// when switching from the file store to the metadata database.
func (r *Repository) MigrateFrom(ctx context.Context, src types.Repository) (MigrationResult, error) {
	var result MigrationResult

	configs, err := src.ListConfigs(ctx, types.ConfigFilter{})
	if err != nil {
		return result, fmt.Errorf("failed to read configs: %w", err)
	}
	jobs, err := src.ListJobs(ctx, types.JobFilter{})
	if err != nil {
		return result, fmt.Errorf("failed to read backup jobs: %w", err)
	}
	verifications, err := src.ListVerifications(ctx, "")
	if err != nil {
		return result, fmt.Errorf("failed to read verifications: %w", err)
	}
	recoveries, err := src.ListRecoveryJobs(ctx, types.RecoveryFilter{})
	if err != nil {
		return result, fmt.Errorf("failed to read recovery jobs: %w", err)
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range configs {
			row := configRow(&configs[i])
			created, err := insertMissing(tx, &BackupConfig{}, row.ID, &row)
			if err != nil {
				return err
			}
			tally(created, &result.Configs, &result.Skipped)
		}
		for i := range jobs {
			row := jobRow(&jobs[i])
			created, err := insertMissing(tx, &BackupJob{}, row.ID, &row)
			if err != nil {
				return err
			}
			tally(created, &result.Jobs, &result.Skipped)
		}
		for i := range verifications {
			row := verificationRow(&verifications[i])
			created, err := insertMissing(tx, &BackupVerification{}, row.ID, &row)
			if err != nil {
				return err
			}
			tally(created, &result.Verifications, &result.Skipped)
		}
		for i := range recoveries {
			row := recoveryRow(&recoveries[i])
			created, err := insertMissing(tx, &RecoveryJob{}, row.ID, &row)
			if err != nil {
				return err
			}
			tally(created, &result.Recoveries, &result.Skipped)
		}
		return nil
	})
	if err != nil {
		return MigrationResult{}, fmt.Errorf("failed to migrate metadata: %w", err)
	}
	return result, nil
}

func insertMissing(tx *gorm.DB, model interface{}, id string, row interface{}) (bool, error) {
	var count int64
	if err := tx.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if err := tx.Create(row).Error; err != nil {
		return false, err
	}
	return true, nil
}

func tally(created bool, counter, skipped *int) {
	if created {
		*counter++
	} else {
		*skipped++
	}
}
