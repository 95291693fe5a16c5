package repository

import (
	"context"
	"time"

	"MeloForge/model"

	"gorm.io/gorm"
)

// WebhookDeliveryRepository 回调投递台账数据访问接口
type WebhookDeliveryRepository interface {
	// Insert records a pending ledger entry. The unique index on delivery_id
	// serializes concurrent deliveries of the same identity: the loser gets a
	// duplicate-key error and must treat the delivery as already in flight.
	Insert(ctx context.Context, delivery *model.WebhookDelivery) error

	GetByDeliveryID(ctx context.Context, deliveryID string) (*model.WebhookDelivery, error)
	MarkCompleted(ctx context.Context, deliveryID, trackID string, response model.JSONMap) error
	MarkFailed(ctx context.Context, deliveryID, errMsg string) error
}

// gormWebhookRepository GORM 实现
type gormWebhookRepository struct {
	db *gorm.DB
}

// NewGormWebhookRepository 创建 GORM 回调台账仓库
func NewGormWebhookRepository(db *gorm.DB) WebhookDeliveryRepository {
	return &gormWebhookRepository{db: db}
}

func (r *gormWebhookRepository) Insert(ctx context.Context, delivery *model.WebhookDelivery) error {
	return r.db.WithContext(ctx).Create(delivery).Error
}

func (r *gormWebhookRepository) GetByDeliveryID(ctx context.Context, deliveryID string) (*model.WebhookDelivery, error) {
	var delivery model.WebhookDelivery
	err := r.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).First(&delivery).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &delivery, nil
}

func (r *gormWebhookRepository) MarkCompleted(ctx context.Context, deliveryID, trackID string, response model.JSONMap) error {
	return r.db.WithContext(ctx).Model(&model.WebhookDelivery{}).
		Where("delivery_id = ?", deliveryID).
		Updates(map[string]interface{}{
			"status":     model.DeliveryStatusCompleted,
			"track_id":   trackID,
			"response":   response,
			"updated_at": time.Now(),
		}).Error
}

func (r *gormWebhookRepository) MarkFailed(ctx context.Context, deliveryID, errMsg string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookDelivery{}).
		Where("delivery_id = ?", deliveryID).
		Updates(map[string]interface{}{
			"status":     model.DeliveryStatusFailed,
			"error":      errMsg,
			"updated_at": time.Now(),
		}).Error
}
