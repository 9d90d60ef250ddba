package db

import (
	"context"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type jobRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepository(db *gorm.DB, log *logger.Logger) ports.JobRepository {
	return &jobRepository{db: db, log: log}
}

func (r *jobRepository) Save(ctx context.Context, job *domain.InstallJob) error {
	record := job.ToRecord()
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "progress", "error", "started_at", "finished_at", "updated_at"}),
		}).
		Create(record).Error
	if err != nil {
		r.log.Errorw("job_repo_save_failed", "job_id", job.ID, "status", job.Status, "error", err)
		return err
	}
	return nil
}

func (r *jobRepository) GetAll(ctx context.Context) ([]*domain.InstallJob, error) {
	var records []domain.InstallJobRecord
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&records).Error; err != nil {
		r.log.Errorw("job_repo_get_all_failed", "error", err)
		return nil, err
	}

	jobs := make([]*domain.InstallJob, 0, len(records))
	for i := range records {
		jobs = append(jobs, records[i].ToJob())
	}
	return jobs, nil
}

func (r *jobRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&domain.InstallJobRecord{}).Error; err != nil {
		r.log.Errorw("job_repo_delete_failed", "job_id", id, "error", err)
		return err
	}
	return nil
}

func (r *jobRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
