package repository

import (
	"context"
	"time"

	"MeloForge/model"

	"gorm.io/gorm"
)

// TrackRepository 曲目数据访问接口
type TrackRepository interface {
	Create(ctx context.Context, track *model.Track) error
	GetByID(ctx context.Context, id string) (*model.Track, error)
	GetAllByUserID(ctx context.Context, userID int64) ([]*model.Track, error)
	Update(ctx context.Context, track *model.Track) error

	// UpdateStatus unconditionally sets the status and fail reason.
	UpdateStatus(ctx context.Context, id string, status model.TrackStatus, failReason string) error

	// AdvanceStatus moves the status forward only when the track is not
	// already terminal; terminal states are first-wins between the two
	// completion channels. Returns false when the write lost.
	AdvanceStatus(ctx context.Context, id string, status model.TrackStatus, failReason string) (bool, error)

	// UpdateMedia fills the primary media URLs without touching other columns.
	UpdateMedia(ctx context.Context, id, audioURL, coverURL, videoURL string, duration float64) error
}

// gormTrackRepository GORM 实现
type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository 创建 GORM 曲目仓库
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

func (r *gormTrackRepository) Create(ctx context.Context, track *model.Track) error {
	return r.db.WithContext(ctx).Create(track).Error
}

func (r *gormTrackRepository) GetByID(ctx context.Context, id string) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&track).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

func (r *gormTrackRepository) GetAllByUserID(ctx context.Context, userID int64) ([]*model.Track, error) {
	var tracks []*model.Track
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&tracks).Error
	return tracks, err
}

func (r *gormTrackRepository) Update(ctx context.Context, track *model.Track) error {
	return r.db.WithContext(ctx).Save(track).Error
}

func (r *gormTrackRepository) UpdateStatus(ctx context.Context, id string, status model.TrackStatus, failReason string) error {
	return r.db.WithContext(ctx).Model(&model.Track{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      status,
			"fail_reason": failReason,
			"updated_at":  time.Now(),
		}).Error
}

func (r *gormTrackRepository) AdvanceStatus(ctx context.Context, id string, status model.TrackStatus, failReason string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Track{}).
		Where("id = ? AND status NOT IN ?", id, []model.TrackStatus{model.TrackStatusCompleted, model.TrackStatusFailed}).
		Updates(map[string]interface{}{
			"status":      status,
			"fail_reason": failReason,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormTrackRepository) UpdateMedia(ctx context.Context, id, audioURL, coverURL, videoURL string, duration float64) error {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if audioURL != "" {
		updates["audio_url"] = audioURL
	}
	if coverURL != "" {
		updates["cover_url"] = coverURL
	}
	if videoURL != "" {
		updates["video_url"] = videoURL
	}
	if duration > 0 {
		updates["duration"] = duration
	}
	return r.db.WithContext(ctx).Model(&model.Track{}).
		Where("id = ?", id).
		Updates(updates).Error
}
