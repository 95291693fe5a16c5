package repository

import (
	"context"
	"time"

	"MeloForge/model"

	"gorm.io/gorm"
)

// GenerationTaskRepository 生成任务数据访问接口
type GenerationTaskRepository interface {
	// Create inserts the task. The unique index on (user_id, idempotency_key)
	// is the single point of truth against duplicate jobs for one key; a
	// violation surfaces through IsDuplicateKeyError.
	Create(ctx context.Context, task *model.GenerationTask) error

	GetByID(ctx context.Context, id string) (*model.GenerationTask, error)
	GetByTrackID(ctx context.Context, trackID string) (*model.GenerationTask, error)
	GetByProviderTaskID(ctx context.Context, providerTaskID string) (*model.GenerationTask, error)
	GetByUserAndKey(ctx context.Context, userID int64, idempotencyKey string) (*model.GenerationTask, error)

	SetProviderTaskID(ctx context.Context, id, providerTaskID string) error
	UpdateStatus(ctx context.Context, id string, status model.TrackStatus, failReason string) error
	UpdateProgress(ctx context.Context, id string, attemptCount int, lastStage string) error
	// IncrementResubmit bumps the resubmit counter and resets the attempt
	// count and start time: a resubmit runs a brand-new remote job, which
	// gets a fresh polling budget and wall clock.
	IncrementResubmit(ctx context.Context, id string) error

	// ListStale returns processing tasks whose heartbeat predates the cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.GenerationTask, error)
	// ListRetryable returns failed tasks with resubmit budget left.
	ListRetryable(ctx context.Context, maxResubmits int, limit int) ([]*model.GenerationTask, error)
}

// gormTaskRepository GORM 实现
type gormTaskRepository struct {
	db *gorm.DB
}

// NewGormTaskRepository 创建 GORM 生成任务仓库
func NewGormTaskRepository(db *gorm.DB) GenerationTaskRepository {
	return &gormTaskRepository{db: db}
}

func (r *gormTaskRepository) Create(ctx context.Context, task *model.GenerationTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *gormTaskRepository) GetByID(ctx context.Context, id string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (r *gormTaskRepository) GetByTrackID(ctx context.Context, trackID string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := r.db.WithContext(ctx).
		Where("track_id = ?", trackID).
		Order("created_at DESC").
		First(&task).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (r *gormTaskRepository) GetByProviderTaskID(ctx context.Context, providerTaskID string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := r.db.WithContext(ctx).Where("provider_task_id = ?", providerTaskID).First(&task).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (r *gormTaskRepository) GetByUserAndKey(ctx context.Context, userID int64, idempotencyKey string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).
		First(&task).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (r *gormTaskRepository) SetProviderTaskID(ctx context.Context, id, providerTaskID string) error {
	return r.db.WithContext(ctx).Model(&model.GenerationTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"provider_task_id": providerTaskID,
			"status":           model.TrackStatusProcessing,
			"heartbeat_at":     time.Now(),
		}).Error
}

func (r *gormTaskRepository) UpdateStatus(ctx context.Context, id string, status model.TrackStatus, failReason string) error {
	updates := map[string]interface{}{
		"status":       status,
		"fail_reason":  failReason,
		"heartbeat_at": time.Now(),
	}
	if status.IsTerminal() {
		now := time.Now()
		updates["finished_at"] = &now
	}
	return r.db.WithContext(ctx).Model(&model.GenerationTask{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *gormTaskRepository) UpdateProgress(ctx context.Context, id string, attemptCount int, lastStage string) error {
	updates := map[string]interface{}{
		"attempt_count": attemptCount,
		"heartbeat_at":  time.Now(),
	}
	if lastStage != "" {
		updates["last_stage"] = lastStage
	}
	return r.db.WithContext(ctx).Model(&model.GenerationTask{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *gormTaskRepository) IncrementResubmit(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.GenerationTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"resubmit_count": gorm.Expr("resubmit_count + 1"),
			"status":         model.TrackStatusProcessing,
			"fail_reason":    "",
			"attempt_count":  0,
			"started_at":     time.Now(),
			"heartbeat_at":   time.Now(),
		}).Error
}

func (r *gormTaskRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.GenerationTask, error) {
	var tasks []*model.GenerationTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND heartbeat_at < ?", model.TrackStatusProcessing, cutoff).
		Order("heartbeat_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *gormTaskRepository) ListRetryable(ctx context.Context, maxResubmits int, limit int) ([]*model.GenerationTask, error) {
	var tasks []*model.GenerationTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND resubmit_count < ?", model.TrackStatusFailed, maxResubmits).
		Order("updated_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}
