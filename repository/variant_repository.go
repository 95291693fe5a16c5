package repository

import (
	"context"

	"MeloForge/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VariantRepository 曲目变体数据访问接口
type VariantRepository interface {
	// Upsert creates or updates the variant keyed by (track_id, variant_index),
	// so redelivery of an identical payload never duplicates rows.
	Upsert(ctx context.Context, variant *model.TrackVariant) error

	GetByID(ctx context.Context, id int64) (*model.TrackVariant, error)
	GetByTrackID(ctx context.Context, trackID string) ([]*model.TrackVariant, error)
	CountByTrackID(ctx context.Context, trackID string) (int64, error)
	HasPreferred(ctx context.Context, trackID string) (bool, error)

	// SetPreferred clears is_preferred on every other variant of the track and
	// sets it on the target, as two writes without a cross-row transaction.
	// Concurrent callers resolve last-write-wins.
	SetPreferred(ctx context.Context, trackID string, variantID int64) error

	Delete(ctx context.Context, id int64) error
}

// gormVariantRepository GORM 实现
type gormVariantRepository struct {
	db *gorm.DB
}

// NewGormVariantRepository 创建 GORM 变体仓库
func NewGormVariantRepository(db *gorm.DB) VariantRepository {
	return &gormVariantRepository{db: db}
}

func (r *gormVariantRepository) Upsert(ctx context.Context, variant *model.TrackVariant) error {
	// is_primary and is_preferred are deliberately absent from the update
	// column list: a replayed payload must not flip reconciliation state.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "track_id"}, {Name: "variant_index"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "audio_url", "cover_url", "video_url", "duration", "lyrics", "source",
		}),
	}).Create(variant).Error
}

func (r *gormVariantRepository) GetByID(ctx context.Context, id int64) (*model.TrackVariant, error) {
	var variant model.TrackVariant
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&variant).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &variant, nil
}

func (r *gormVariantRepository) GetByTrackID(ctx context.Context, trackID string) ([]*model.TrackVariant, error) {
	var variants []*model.TrackVariant
	err := r.db.WithContext(ctx).
		Where("track_id = ?", trackID).
		Order("variant_index ASC").
		Find(&variants).Error
	return variants, err
}

func (r *gormVariantRepository) CountByTrackID(ctx context.Context, trackID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.TrackVariant{}).
		Where("track_id = ?", trackID).
		Count(&count).Error
	return count, err
}

func (r *gormVariantRepository) HasPreferred(ctx context.Context, trackID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.TrackVariant{}).
		Where("track_id = ? AND is_preferred = ?", trackID, true).
		Count(&count).Error
	return count > 0, err
}

func (r *gormVariantRepository) SetPreferred(ctx context.Context, trackID string, variantID int64) error {
	// Two writes, no transaction: clear-others then set-target. Accepted
	// race under concurrent rollbacks, resolved last-write-wins.
	if err := r.db.WithContext(ctx).Model(&model.TrackVariant{}).
		Where("track_id = ? AND id <> ?", trackID, variantID).
		Update("is_preferred", false).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.TrackVariant{}).
		Where("track_id = ? AND id = ?", trackID, variantID).
		Update("is_preferred", true).Error
}

func (r *gormVariantRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&model.TrackVariant{}, id).Error
}
